// Package api is the HTTP surface of the ingestion service: health and
// prometheus endpoints, the connector admin API, queue management, the agent
// fleet proxy, the realtime surfaces and webhook ingress. Everything rides
// one mux router so webhook connectors can claim arbitrary paths under the
// same listener.
package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	socketio "github.com/googollee/go-socket.io"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vigiasec/ingest/internal/connector"
	"github.com/vigiasec/ingest/internal/connector/webhook"
	"github.com/vigiasec/ingest/internal/events"
	"github.com/vigiasec/ingest/internal/logging"
	"github.com/vigiasec/ingest/internal/queue"
	"github.com/vigiasec/ingest/internal/store"
	"github.com/vigiasec/ingest/internal/vault"
)

const healthTimeout = 5 * time.Second

// Lifecycle is the slice of the connector manager the API drives. Mutating
// endpoints write through the store and then reconcile, so the live set
// follows the persisted one even on backends without a change feed.
type Lifecycle interface {
	Reconcile(ctx context.Context, id int64) error
	StartConnector(ctx context.Context, id int64) error
	StopConnector(ctx context.Context, id int64) error
	PauseConnector(id int64) error
	ResumeConnector(id int64) error
	TestConnector(ctx context.Context, id int64) (connector.TestResult, error)
	RunNow(ctx context.Context, id int64) error
	AgentHandler() (http.Handler, bool)
	Queue() *queue.Queue
}

// RealtimeHandler upgrades dashboard WebSocket connections.
type RealtimeHandler interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
}

// Options wires the server. Store, Manager and Vault are required; the rest
// may be nil and the matching endpoint reports itself unconfigured.
type Options struct {
	Store    store.Store
	Manager  Lifecycle
	Vault    *vault.Vault
	Hub      RealtimeHandler
	Socket   *socketio.Server
	Webhooks *webhook.Registry
	Bus      *events.Bus

	// MetricsHandler serves GET /metrics; defaults to the prometheus
	// default-registry handler.
	MetricsHandler http.Handler

	// AdminToken guards the management endpoints when non-empty. The agent,
	// webhook and realtime surfaces authenticate on their own.
	AdminToken     string
	AllowedOrigins []string
}

// Server is the assembled HTTP surface.
type Server struct {
	store      store.Store
	manager    Lifecycle
	vault      *vault.Vault
	hub        RealtimeHandler
	socket     *socketio.Server
	webhooks   *webhook.Registry
	bus        *events.Bus
	adminToken string
	started    time.Time
	log        zerolog.Logger

	router *mux.Router
}

// New builds the server and its route table.
func New(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Manager == nil || opts.Vault == nil {
		return nil, errors.New("api: store, manager and vault are required")
	}
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = promhttp.Handler()
	}

	s := &Server{
		store:      opts.Store,
		manager:    opts.Manager,
		vault:      opts.Vault,
		hub:        opts.Hub,
		socket:     opts.Socket,
		webhooks:   opts.Webhooks,
		bus:        opts.Bus,
		adminToken: opts.AdminToken,
		started:    time.Now(),
		log:        logging.WithComponent("api"),
	}
	s.router = s.routes(opts.MetricsHandler, opts.AllowedOrigins)
	return s, nil
}

// Router returns the handler to mount on an http.Server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes(metricsHandler http.Handler, origins []string) *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.Use(corsMiddleware(origins))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)

	// Realtime surfaces. The WebSocket route must precede the {id} routes
	// but the numeric constraint keeps them apart regardless.
	if s.hub != nil {
		r.HandleFunc("/api/connectors/realtime", s.hub.HandleWS).Methods(http.MethodGet)
	}
	if s.socket != nil {
		r.PathPrefix("/socket.io/").Handler(s.socket)
	}
	r.Handle("/api/events/stream", s.admin(http.HandlerFunc(s.handleEventStream))).Methods(http.MethodGet)

	// Connector admin API.
	r.Handle("/api/connectors", s.admin(http.HandlerFunc(s.handleListConnectors))).Methods(http.MethodGet)
	r.Handle("/api/connectors", s.admin(http.HandlerFunc(s.handleCreateConnector))).Methods(http.MethodPost)
	r.Handle("/api/connectors/{id:[0-9]+}", s.admin(http.HandlerFunc(s.handleGetConnector))).Methods(http.MethodGet)
	r.Handle("/api/connectors/{id:[0-9]+}", s.admin(http.HandlerFunc(s.handleUpdateConnector))).Methods(http.MethodPut)
	r.Handle("/api/connectors/{id:[0-9]+}", s.admin(http.HandlerFunc(s.handleDeleteConnector))).Methods(http.MethodDelete)
	r.Handle("/api/connectors/{id:[0-9]+}/start", s.admin(http.HandlerFunc(s.handleStartConnector))).Methods(http.MethodPost)
	r.Handle("/api/connectors/{id:[0-9]+}/stop", s.admin(http.HandlerFunc(s.handleStopConnector))).Methods(http.MethodPost)
	r.Handle("/api/connectors/{id:[0-9]+}/pause", s.admin(http.HandlerFunc(s.handlePauseConnector))).Methods(http.MethodPost)
	r.Handle("/api/connectors/{id:[0-9]+}/resume", s.admin(http.HandlerFunc(s.handleResumeConnector))).Methods(http.MethodPost)
	r.Handle("/api/connectors/{id:[0-9]+}/test", s.admin(http.HandlerFunc(s.handleTestConnector))).Methods(http.MethodPost)
	r.Handle("/api/connectors/{id:[0-9]+}/run", s.admin(http.HandlerFunc(s.handleRunConnector))).Methods(http.MethodPost)
	r.Handle("/api/connectors/{id:[0-9]+}/logs", s.admin(http.HandlerFunc(s.handleConnectorLogs))).Methods(http.MethodGet)
	r.Handle("/api/connectors/{id:[0-9]+}/events", s.admin(http.HandlerFunc(s.handleConnectorEvents))).Methods(http.MethodGet)

	r.Handle("/api/alerts", s.admin(http.HandlerFunc(s.handleListAlerts))).Methods(http.MethodGet)

	// Queue management.
	r.Handle("/api/queue/stats", s.admin(http.HandlerFunc(s.handleQueueStats))).Methods(http.MethodGet)
	r.Handle("/api/queue/failed", s.admin(http.HandlerFunc(s.handleQueueFailed))).Methods(http.MethodGet)
	r.Handle("/api/queue/retry", s.admin(http.HandlerFunc(s.handleQueueRetry))).Methods(http.MethodPost)

	// Agent fleet endpoints proxy to the live agent connector so a
	// reconfiguration swap takes effect without remounting. Registration
	// and deliveries carry their own tokens; the listing endpoints are
	// management surface.
	proxy := http.HandlerFunc(s.handleAgentProxy)
	r.PathPrefix("/api/agents").Methods(http.MethodGet).Handler(s.admin(proxy))
	r.PathPrefix("/api/agents").Methods(http.MethodPost).Handler(proxy)

	// Webhook ingress claims every path nothing else owns; the registry
	// 404s unknown ones so probes cannot map configured hooks.
	if s.webhooks != nil {
		r.PathPrefix("/").Handler(s.webhooks)
	}
	return r
}

// handleAgentProxy forwards to the live agent connector's handler, resolved
// per request.
func (s *Server) handleAgentProxy(w http.ResponseWriter, r *http.Request) {
	h, ok := s.manager.AgentHandler()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "agent connector not running")
		return
	}
	http.StripPrefix("/api", h).ServeHTTP(w, r)
}

// admin requires the bearer admin token when one is configured.
func (s *Server) admin(next http.Handler) http.Handler {
	if s.adminToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(header[len(prefix):])), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func corsMiddleware(origins []string) mux.MiddlewareFunc {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Registration-Token")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response code for the request log. It passes
// Hijack and Flush through so the WebSocket upgrade and the SSE stream keep
// working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer cannot hijack")
	}
	return hj.Hijack()
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string) int64 {
	n, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeStoreError maps store failures onto HTTP codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "connector not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
