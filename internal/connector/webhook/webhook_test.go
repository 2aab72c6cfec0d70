package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigiasec/ingest/internal/connector"
	"github.com/vigiasec/ingest/internal/model"
	"github.com/vigiasec/ingest/internal/monitoring"
	"github.com/vigiasec/ingest/internal/vault"
)

func newHook(t *testing.T, reg *Registry, cfg string, creds *vault.Credentials) (*Webhook, *connector.Sink) {
	t.Helper()
	sink := connector.NewSink(64)
	rec := &model.ConnectorRecord{
		ID:            11,
		Name:          "gh-audit",
		Type:          model.ConnectorWebhook,
		Configuration: json.RawMessage(cfg),
	}
	h, err := New(rec, creds, sink, reg, monitoring.NewMetricsOn(prometheus.NewRegistry()))
	require.NoError(t, err)
	return h, sink
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func post(reg *Registry, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	reg.ServeHTTP(w, req)
	return w
}

func TestDelivery_NoSecret(t *testing.T) {
	reg := NewRegistry()
	h, sink := newHook(t, reg, `{"path":"/hooks/gh"}`, nil)
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	body := []byte(`{"message":"repo deleted","actor":"mallory"}`)
	w := post(reg, "/hooks/gh", body, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	select {
	case ev := <-sink.Events:
		assert.Equal(t, "repo deleted", ev.Message)
		assert.Equal(t, model.EventInfo, ev.Severity)
		assert.Equal(t, "/hooks/gh", ev.RawData["path"])
		payload, ok := ev.RawData["payload"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "mallory", payload["actor"])
	default:
		t.Fatal("no event emitted")
	}
}

func TestDelivery_HMAC(t *testing.T) {
	reg := NewRegistry()
	creds := &vault.Credentials{APISecret: "s3cret"}
	h, sink := newHook(t, reg, `{"path":"/hooks/edr"}`, creds)
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	body := []byte(`{"event":"detection"}`)

	w := post(reg, "/hooks/edr", body, http.Header{"X-Webhook-Signature": {sign("s3cret", body)}})
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, sink.Events, 1)
	<-sink.Events

	// GitHub-style prefix is tolerated.
	w = post(reg, "/hooks/edr", body, http.Header{"X-Webhook-Signature": {"sha256=" + sign("s3cret", body)}})
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, sink.Events, 1)
	<-sink.Events

	// Wrong secret is rejected before any event is produced.
	w = post(reg, "/hooks/edr", body, http.Header{"X-Webhook-Signature": {sign("wrong", body)}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, sink.Events)

	// Missing header counts as a mismatch.
	w = post(reg, "/hooks/edr", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, sink.Events)
}

func TestDelivery_CustomSignatureHeader(t *testing.T) {
	reg := NewRegistry()
	creds := &vault.Credentials{Token: "tok"}
	h, sink := newHook(t, reg, `{"path":"/hooks/x","signatureHeader":"X-Hub-Signature-256"}`, creds)
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	body := []byte(`{}`)
	w := post(reg, "/hooks/x", body, http.Header{"X-Hub-Signature-256": {sign("tok", body)}})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, sink.Events, 1)
}

func TestDelivery_StoppedConnectorDropsSilently(t *testing.T) {
	reg := NewRegistry()
	h, sink := newHook(t, reg, `{"path":"/hooks/gh"}`, nil)
	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Pause())

	w := post(reg, "/hooks/gh", []byte(`{"a":1}`), nil)
	assert.Equal(t, http.StatusAccepted, w.Code, "caller cannot tell a paused hook apart")
	assert.Empty(t, sink.Events)
}

func TestDelivery_MethodAndPath(t *testing.T) {
	reg := NewRegistry()
	h, _ := newHook(t, reg, `{"path":"/hooks/gh"}`, nil)
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	req := httptest.NewRequest(http.MethodGet, "/hooks/gh", nil)
	w := httptest.NewRecorder()
	reg.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = post(reg, "/hooks/unknown", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDelivery_NonJSONPayloadKeptRaw(t *testing.T) {
	reg := NewRegistry()
	h, sink := newHook(t, reg, `{"path":"/hooks/raw"}`, nil)
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	w := post(reg, "/hooks/raw", []byte("plain text alert"), nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	ev := <-sink.Events
	assert.Equal(t, "plain text alert", ev.RawData["payload"])
	assert.Equal(t, "webhook delivery on /hooks/raw", ev.Message)
}

func TestRegistry_PathConflict(t *testing.T) {
	reg := NewRegistry()
	first, _ := newHook(t, reg, `{"path":"/hooks/gh"}`, nil)
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop()

	second, _ := newHook(t, reg, `{"path":"/hooks/gh"}`, nil)
	err := second.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.StatusError, second.Status())

	res := second.TestConnection(context.Background())
	assert.False(t, res.Success)
}

func TestStop_DeregistersOwnPathOnly(t *testing.T) {
	reg := NewRegistry()
	h, _ := newHook(t, reg, `{"path":"/hooks/gh"}`, nil)
	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Stop())

	assert.Empty(t, reg.Paths())
	assert.False(t, h.HealthCheck(context.Background()).Healthy)

	// Stopping again is harmless.
	require.NoError(t, h.Stop())
}

func TestUpdateConfig_MovesPathWhileRunning(t *testing.T) {
	reg := NewRegistry()
	h, sink := newHook(t, reg, `{"path":"/hooks/old"}`, nil)
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	require.NoError(t, h.UpdateConfig(map[string]any{"path": "/hooks/new"}))
	assert.Equal(t, []string{"/hooks/new"}, reg.Paths())

	w := post(reg, "/hooks/old", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = post(reg, "/hooks/new", []byte(`{}`), nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, sink.Events, 1)

	require.Error(t, h.UpdateConfig(map[string]any{"path": "no-slash"}))
}

func TestParseConfig_RequiresLeadingSlash(t *testing.T) {
	_, err := ParseConfig([]byte(`{"path":"hooks/gh"}`), false, zerolog.Nop())
	require.Error(t, err)

	cfg, err := ParseConfig([]byte(`{"path":"/hooks/gh"}`), false, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "X-Webhook-Signature", cfg.SignatureHeader)
}
