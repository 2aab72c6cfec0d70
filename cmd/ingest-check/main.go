// ingest-check probes every external dependency of the ingestion daemon
// and prints a pre-flight report. Run it on a fresh deployment before
// pointing connectors at production feeds.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/vigiasec/ingest/internal/store"
	"github.com/vigiasec/ingest/internal/vault"
)

const probeTimeout = 5 * time.Second

// errSkipped marks a check whose dependency is not configured.
var errSkipped = errors.New("not configured")

type Component struct {
	Name string
	Test func() error
}

func main() {
	_ = godotenv.Load()

	fmt.Println("\033[96mVigía Ingest - Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	components := []Component{
		{"Secrets (master key)", checkMasterKey},
		{"Vault (AES-GCM)", checkVaultRoundTrip},
		{"Storage (Postgres)", checkPostgres},
		{"Storage (Supabase)", checkSupabase},
		{"Realtime (Redis)", checkRedis},
		{"AI Parser (gRPC)", checkParserSidecar},
		{"API (/health)", checkHealthEndpoint},
	}

	failed := 0
	for _, c := range components {
		fmt.Printf("Checking %-25s ", c.Name+"...")
		err := c.Test()
		switch {
		case errors.Is(err, errSkipped):
			fmt.Println("\033[33m[SKIP]\033[0m")
		case err != nil:
			failed++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
		default:
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failed > 0 {
		fmt.Printf("\033[31mStatus: %d check(s) failed.\033[0m\n", failed)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: Ready for connector traffic.\033[0m")
}

func checkMasterKey() error {
	if os.Getenv("VIGIA_MASTER_KEY") != "" {
		return nil
	}
	if os.Getenv("VIGIA_JWT_SECRET") != "" {
		return errors.New("VIGIA_MASTER_KEY unset, vault will derive a fallback key from VIGIA_JWT_SECRET")
	}
	return errors.New("neither VIGIA_MASTER_KEY nor VIGIA_JWT_SECRET is set")
}

func checkVaultRoundTrip() error {
	key := os.Getenv("VIGIA_MASTER_KEY")
	if key == "" {
		key = os.Getenv("VIGIA_JWT_SECRET")
	}
	if key == "" {
		return errSkipped
	}
	v, err := vault.New(vault.Config{
		MasterKey:    os.Getenv("VIGIA_MASTER_KEY"),
		FallbackSeed: os.Getenv("VIGIA_JWT_SECRET"),
	})
	if err != nil {
		return err
	}
	sealed, err := v.Encrypt(&vault.Credentials{APIKey: "preflight-probe"})
	if err != nil {
		return err
	}
	opened, err := v.Decrypt(sealed)
	if err != nil {
		return err
	}
	if opened.APIKey != "preflight-probe" {
		return errors.New("decrypted payload does not match")
	}
	return nil
}

func checkPostgres() error {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return errSkipped
	}
	pg, err := store.NewPostgres(dbURL)
	if err != nil {
		return err
	}
	defer pg.Close()
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	return pg.Ping(ctx)
}

func checkSupabase() error {
	url := os.Getenv("SUPABASE_URL")
	if url == "" {
		return errSkipped
	}
	sb, err := store.NewSupabase(url, os.Getenv("SUPABASE_SERVICE_KEY"))
	if err != nil {
		return err
	}
	defer sb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	return sb.Ping(ctx)
}

func checkRedis() error {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return errSkipped
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	return rdb.Ping(ctx).Err()
}

func checkParserSidecar() error {
	addr := os.Getenv("AI_PARSER_ADDR")
	if addr == "" {
		return errSkipped
	}
	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn.Close()
}

func checkHealthEndpoint() error {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: probeTimeout}
	resp, err := client.Get("http://localhost:" + port + "/health")
	if err != nil {
		return fmt.Errorf("is ingestd running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}
