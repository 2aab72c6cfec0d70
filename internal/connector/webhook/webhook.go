// Package webhook implements the push connector: external products POST
// deliveries to a per-connector path and the payload becomes one raw
// event. Verification is an optional HMAC-SHA256 signature over the raw
// body; stopped connectors accept and silently drop deliveries so callers
// cannot probe lifecycle state.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigiasec/ingest/internal/connector"
	"github.com/vigiasec/ingest/internal/model"
	"github.com/vigiasec/ingest/internal/monitoring"
	"github.com/vigiasec/ingest/internal/vault"
)

// maxBodyBytes caps a single delivery.
const maxBodyBytes = 4 << 20

// Config is the webhook connector's typed configuration.
type Config struct {
	Path            string `json:"path"`
	SignatureHeader string `json:"signatureHeader,omitempty"` // default X-Webhook-Signature
}

// ParseConfig decodes and validates the opaque configuration JSON.
func ParseConfig(raw []byte, strict bool, log zerolog.Logger) (Config, error) {
	cfg := Config{SignatureHeader: "X-Webhook-Signature"}
	if err := connector.DecodeConfig(raw, &cfg, strict, log); err != nil {
		return cfg, err
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		return cfg, fmt.Errorf("webhook: path %q must start with /", cfg.Path)
	}
	return cfg, nil
}

// Webhook is the push connector. It carries no listener of its own; the
// registry feeds it requests from the shared HTTP server.
type Webhook struct {
	connector.Base

	registry *Registry
	creds    *vault.Credentials
	metrics  *monitoring.Metrics

	cfgMu sync.RWMutex
	cfg   Config
}

// New builds the connector from its record.
func New(rec *model.ConnectorRecord, creds *vault.Credentials, sink *connector.Sink, registry *Registry, metrics *monitoring.Metrics) (*Webhook, error) {
	base := connector.NewBase(rec, sink)
	cfg, err := ParseConfig(rec.Configuration, false, base.Log)
	if err != nil {
		return nil, err
	}
	return &Webhook{
		Base:     base,
		registry: registry,
		creds:    creds,
		metrics:  metrics,
		cfg:      cfg,
	}, nil
}

// Start claims the path on the registry.
func (h *Webhook) Start(ctx context.Context) error {
	cfg := h.config()
	if err := h.registry.register(cfg.Path, h); err != nil {
		h.SetStatus(model.StatusError, err.Error())
		return err
	}
	h.MarkStarted()
	h.Log.Info().Str("path", cfg.Path).Msg("webhook registered")
	return nil
}

// Stop releases the path. Deregistration is best-effort: a path someone
// else claimed meanwhile stays theirs.
func (h *Webhook) Stop() error {
	h.registry.deregister(h.config().Path, h)
	h.SetStatus(model.StatusDisabled, "")
	h.Log.Info().Msg("webhook deregistered")
	return nil
}

// ServeHTTP handles one delivery. The signature check runs before any
// lifecycle gating so a bad secret is always visible to the sender;
// everything past it is silent.
func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	h.RecordBytes(len(body))

	cfg := h.config()
	if secret := h.secret(); secret != "" {
		if !h.verifySignature(body, r.Header.Get(cfg.SignatureHeader), secret) {
			h.EmitError("parse", fmt.Errorf("webhook: signature mismatch on %s", cfg.Path))
			h.metrics.RecordConnectorError(h.Name(), "parse")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	// Stopped and paused connectors acknowledge and drop; EmitEvent
	// already gates on status, so the delivery just vanishes here.
	delivered := h.EmitEvent(model.RawEvent{
		Source:  sourceHost(r),
		Message: deliveryMessage(cfg.Path, body),
		RawData: map[string]any{
			"payload":  decodePayload(body),
			"headers":  flattenHeaders(r.Header),
			"path":     cfg.Path,
			"method":   r.Method,
			"sourceIp": sourceHost(r),
		},
	})
	if delivered {
		h.metrics.RecordEvent(h.Name(), string(h.Type()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// verifySignature compares the named header against the hex HMAC-SHA256
// of the raw body. A github-style "sha256=" prefix is tolerated.
func (h *Webhook) verifySignature(body []byte, header, secret string) bool {
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(header)))
}

func (h *Webhook) secret() string {
	if h.creds == nil {
		return ""
	}
	if h.creds.APISecret != "" {
		return h.creds.APISecret
	}
	return h.creds.Token
}

// HealthCheck reports whether the path is still claimed by this connector.
func (h *Webhook) HealthCheck(ctx context.Context) connector.Health {
	health := connector.Health{LastChecked: time.Now()}
	cfg := h.config()

	h.registry.mu.RLock()
	owner := h.registry.routes[cfg.Path]
	h.registry.mu.RUnlock()

	if owner == h {
		health.Healthy = true
		health.Message = fmt.Sprintf("receiving on %s", cfg.Path)
	} else {
		health.Message = fmt.Sprintf("path %s not registered", cfg.Path)
	}
	return health
}

// TestConnection verifies the path either belongs to this connector or is
// still free to claim.
func (h *Webhook) TestConnection(ctx context.Context) connector.TestResult {
	cfg := h.config()

	h.registry.mu.RLock()
	owner, taken := h.registry.routes[cfg.Path]
	h.registry.mu.RUnlock()

	if taken && owner != h {
		return connector.TestResult{Success: false, Message: fmt.Sprintf("path %s already registered to %s", cfg.Path, owner.Name())}
	}
	return connector.TestResult{Success: true, Message: fmt.Sprintf("path %s available", cfg.Path)}
}

// UpdateConfig overlays a sparse patch. A path change on a running
// connector re-registers atomically enough for deliveries: the new path
// is claimed before the old one is released.
func (h *Webhook) UpdateConfig(patch map[string]any) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("webhook: encode patch: %w", err)
	}
	cur := h.config()
	next := cur
	if err := connector.DecodeConfig(raw, &next, false, h.Log); err != nil {
		return err
	}
	if !strings.HasPrefix(next.Path, "/") {
		return fmt.Errorf("webhook: path %q must start with /", next.Path)
	}

	if next.Path != cur.Path && h.Status() != model.StatusDisabled {
		if err := h.registry.register(next.Path, h); err != nil {
			return err
		}
		h.registry.deregister(cur.Path, h)
	}

	h.cfgMu.Lock()
	h.cfg = next
	h.cfgMu.Unlock()
	return nil
}

func (h *Webhook) config() Config {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg
}

func decodePayload(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	return v
}

func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for k, vals := range header {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}

func deliveryMessage(path string, body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		for _, key := range []string{"message", "title", "summary", "event"} {
			if s, ok := obj[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return "webhook delivery on " + path
}

func sourceHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
