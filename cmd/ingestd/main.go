// ingestd is the Vigía ingestion daemon: it runs the connector manager, the
// processing queue and the HTTP/WebSocket surface in a single process.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/joho/godotenv"

	"github.com/vigiasec/ingest/internal/ai"
	"github.com/vigiasec/ingest/internal/api"
	"github.com/vigiasec/ingest/internal/config"
	"github.com/vigiasec/ingest/internal/connector/webhook"
	"github.com/vigiasec/ingest/internal/enrich"
	"github.com/vigiasec/ingest/internal/events"
	"github.com/vigiasec/ingest/internal/logging"
	"github.com/vigiasec/ingest/internal/manager"
	"github.com/vigiasec/ingest/internal/monitoring"
	"github.com/vigiasec/ingest/internal/normalizer"
	"github.com/vigiasec/ingest/internal/notify"
	"github.com/vigiasec/ingest/internal/queue"
	"github.com/vigiasec/ingest/internal/realtime"
	"github.com/vigiasec/ingest/internal/store"
	"github.com/vigiasec/ingest/internal/vault"
)

func main() {
	// Local development keeps secrets in .env; in Cloud Run the variables
	// arrive through the service definition and the file simply is absent.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log := logging.WithComponent("ingestd")
		log.Fatal().Err(err).Msg("configuration")
	}

	logging.Init(logging.Config{
		Level:      logging.Level(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSON,
	})
	log := logging.WithComponent("ingestd")

	vlt, err := vault.New(vault.Config{
		MasterKey:    cfg.Vault.MasterKey,
		FallbackSeed: cfg.Vault.FallbackSeed,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("vault")
	}

	ctx := context.Background()

	// Storage: Postgres when DATABASE_URL is set, Supabase as the managed
	// alternative, memory for local hacking.
	var (
		st      store.Store
		changes *store.ChangeListener
	)
	switch {
	case cfg.Database.URL != "":
		pg, err := store.NewPostgres(cfg.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres")
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("postgres schema")
		}
		st = pg
		changes, err = store.NewChangeListener(cfg.Database.URL)
		if err != nil {
			log.Warn().Err(err).Msg("change feed unavailable, reconciling on sweep only")
			changes = nil
		}
		log.Info().Msg("storage: postgres")
	case cfg.Supabase.URL != "":
		sb, err := store.NewSupabase(cfg.Supabase.URL, cfg.Supabase.ServiceKey)
		if err != nil {
			log.Fatal().Err(err).Msg("supabase")
		}
		st = sb
		log.Info().Msg("storage: supabase")
	default:
		st = store.NewMemory()
		log.Warn().Msg("storage: in-memory, data is lost on restart")
	}

	// The AI sidecar is optional; the normalizer and enricher degrade to
	// rule-only behaviour without it.
	var parser *ai.ParserClient
	if cfg.AI.ParserAddr != "" {
		parser, err = ai.NewParserClient(cfg.AI.ParserAddr)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.AI.ParserAddr).Msg("ai parser unavailable")
			parser = nil
		}
	}
	var (
		aiParser normalizer.AIParser
		insight  enrich.InsightGenerator
	)
	if parser != nil {
		aiParser = parser
		insight = parser
	}
	norm := normalizer.New(aiParser)
	enricher := enrich.New(st, insight)

	// One CloudEvents bus feeds SSE subscribers; with Pub/Sub configured the
	// same events also leave the process.
	var (
		bus     *events.Bus
		emitter events.Emitter
		durable *events.PubSubBus
	)
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicID != "" {
		durable, err = events.NewPubSubBus(events.PubSubConfig{
			ProjectID:       cfg.PubSub.ProjectID,
			TopicID:         cfg.PubSub.TopicID,
			CredentialsFile: cfg.PubSub.CredentialsFile,
		})
		if err != nil {
			log.Warn().Err(err).Msg("pub/sub unavailable, events stay in-process")
		}
	}
	if durable != nil {
		bus, emitter = durable.Bus, durable
	} else {
		bus = events.NewBus()
		emitter = bus
	}

	notifyOpts := notify.Options{Registry: notify.NewRegistry()}
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.AlertTopicID != "" {
		ps, err := notify.NewPubSub(ctx, cfg.PubSub.ProjectID, cfg.PubSub.AlertTopicID, cfg.PubSub.CredentialsFile)
		if err != nil {
			log.Warn().Err(err).Msg("alert topic unavailable")
		} else {
			notifyOpts.PubSub = ps
		}
	}
	notifier := notify.New(notifyOpts)

	metrics := monitoring.NewMetrics()

	var rtBus realtime.Bus
	if cfg.Redis.Addr != "" {
		rb, err := realtime.NewRedisBus(cfg.Redis.Addr, cfg.Redis.Channel)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, realtime stays single-instance")
		} else {
			rtBus = rb
		}
	}
	var sio *socketio.Server
	if cfg.Realtime.SocketIO {
		sio = realtime.NewSocketBridge()
		go func() {
			if err := sio.Serve(); err != nil {
				log.Error().Err(err).Msg("socket.io serve")
			}
		}()
	}
	hub, err := realtime.New(realtime.Options{
		Bus:            rtBus,
		Socket:         sio,
		Metrics:        metrics,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendBuffer:     cfg.Realtime.SendBuffer,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("realtime hub")
	}

	hooks := webhook.NewRegistry()

	mgr, err := manager.New(manager.Options{
		Store:      st,
		Vault:      vlt,
		Normalizer: norm,
		Enricher:   enricher,
		Registry:   hooks,
		Realtime:   hub,
		Notifier:   notifier,
		Events:     emitter,
		Metrics:    metrics,
		Changes:    changes,
		Queue: queue.Config{
			Workers:    cfg.Queue.Workers,
			MaxPending: cfg.Queue.MaxPending,
			BaseDelay:  time.Duration(cfg.Queue.BaseDelayMS) * time.Millisecond,
			HistoryCap: cfg.Queue.HistoryCap,
			Retention:  time.Duration(cfg.Queue.RetentionHours) * time.Hour,
		},
		SweepEvery: time.Duration(cfg.Manager.SweepEverySec) * time.Second,
		SinkBuffer: cfg.Manager.SinkBuffer,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("manager")
	}
	if err := mgr.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("manager start")
	}

	srv, err := api.New(api.Options{
		Store:          st,
		Manager:        mgr,
		Vault:          vlt,
		Hub:            hub,
		Socket:         sio,
		Webhooks:       hooks,
		Bus:            bus,
		AdminToken:     cfg.Server.AdminToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("api")
	}

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: srv.Router(),
		// No WriteTimeout: SSE streams and WebSocket upgrades outlive any
		// fixed deadline.
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Cloud Run sends SIGTERM and allows a short drain window.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown")
		}
	}()

	log.Info().Str("port", cfg.Server.Port).Msg("vigia-ingest listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server")
	}

	// Stop producers before the sinks they write to.
	mgr.Shutdown()
	hub.Close()
	notifier.Shutdown()
	if sio != nil {
		sio.Close()
	}
	if durable != nil {
		durable.Close()
	}
	if changes != nil {
		changes.Close()
	}
	if parser != nil {
		parser.Close()
	}
	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("store close")
	}
	log.Info().Msg("stopped")
}
