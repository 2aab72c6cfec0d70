// Package realtime pushes connector activity to dashboard clients over
// WebSocket, with an optional Redis bridge so every instance of the service
// sees frames published on any other, and an optional socket.io server for
// the dashboard's legacy build.
//
// The hub never blocks a producer: frames are queued on a buffered channel
// and shed when it is full, and each client has its own outbound buffer
// with the same policy.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vigiasec/ingest/internal/connector"
	"github.com/vigiasec/ingest/internal/logging"
	"github.com/vigiasec/ingest/internal/model"
	"github.com/vigiasec/ingest/internal/monitoring"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	// Dashboard clients are listen-only; anything past control frames
	// and a small keepalive payload is a protocol violation.
	maxInboundSize = 512

	defaultSendBuffer = 256
	publishBuffer     = 1024
	publishTimeout    = 5 * time.Second
)

// Frame types carried on the realtime surface.
const (
	FrameEvent   = "event"
	FrameStatus  = "status"
	FrameAlert   = "alert"
	FrameMetrics = "metrics"
)

// Frame is the wire envelope for every realtime message.
type Frame struct {
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// statusPayload is the wire form of a lifecycle transition.
type statusPayload struct {
	ConnectorID  int64  `json:"connectorId"`
	From         string `json:"from"`
	To           string `json:"to"`
	Message      string `json:"message,omitempty"`
	AutoDisabled bool   `json:"autoDisabled,omitempty"`
}

// metricsPayload is the wire form of a throughput snapshot.
type metricsPayload struct {
	ConnectorID int64              `json:"connectorId"`
	Snapshot    connector.Snapshot `json:"snapshot"`
}

// Bus carries marshaled frames between service instances. Publish must be
// safe for concurrent use; Subscribe delivers frames published by any
// instance, including this one.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(handler func([]byte)) (unsubscribe func(), err error)
	Close() error
}

// Options configures a Hub. All fields are optional: without a Bus the hub
// is single-instance, without a Socket the legacy bridge stays silent, and
// an empty origin list admits every origin.
type Options struct {
	Bus            Bus
	Socket         *socketio.Server
	Metrics        *monitoring.Metrics
	AllowedOrigins []string
	SendBuffer     int
}

// Hub fans realtime frames out to connected WebSocket clients and the
// legacy socket.io namespace.
type Hub struct {
	bus        Bus
	sio        *socketio.Server
	metrics    *monitoring.Metrics
	sendBuffer int
	upgrader   websocket.Upgrader
	log        zerolog.Logger

	publishCh chan Frame
	done      chan struct{}
	unsub     func()
	wg        sync.WaitGroup
	dropped   atomic.Uint64

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// New builds a hub and starts its publish loop. With a Bus, frames travel
// through it and come back via the subscription, so every instance delivers
// the same stream; on publish failure the hub falls back to local delivery.
func New(opts Options) (*Hub, error) {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	h := &Hub{
		bus:        opts.Bus,
		sio:        opts.Socket,
		metrics:    opts.Metrics,
		sendBuffer: opts.SendBuffer,
		log:        logging.WithComponent("realtime"),
		publishCh:  make(chan Frame, publishBuffer),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(opts.AllowedOrigins),
	}

	if h.bus != nil {
		unsub, err := h.bus.Subscribe(h.ingest)
		if err != nil {
			return nil, err
		}
		h.unsub = unsub
	}

	h.wg.Add(1)
	go h.run()
	return h, nil
}

// checkOrigin admits everything when the allowlist is empty; dashboards in
// dev run on arbitrary ports. With a list, only exact matches connect.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[origin] = true
	}
	return func(r *http.Request) bool {
		return set[r.Header.Get("Origin")]
	}
}

// BroadcastEvent pushes a raw event frame.
func (h *Hub) BroadcastEvent(ev model.RawEvent) {
	h.broadcast(FrameEvent, ev)
}

// BroadcastStatus pushes a lifecycle transition frame.
func (h *Hub) BroadcastStatus(sc connector.StatusChange) {
	h.broadcast(FrameStatus, statusPayload{
		ConnectorID:  sc.ConnectorID,
		From:         string(sc.From),
		To:           string(sc.To),
		Message:      sc.Message,
		AutoDisabled: sc.AutoDisabled,
	})
}

// BroadcastAlert pushes a normalized alert frame.
func (h *Hub) BroadcastAlert(alert model.Alert) {
	h.broadcast(FrameAlert, alert)
}

// BroadcastMetrics pushes a throughput snapshot frame.
func (h *Hub) BroadcastMetrics(upd connector.MetricsUpdate) {
	h.broadcast(FrameMetrics, metricsPayload{
		ConnectorID: upd.ConnectorID,
		Snapshot:    upd.Snapshot,
	})
}

func (h *Hub) broadcast(kind string, payload any) {
	if h.bus == nil && h.sio == nil && h.clientCount() == 0 {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn().Str("frame", kind).Err(err).Msg("frame marshal failed")
		return
	}
	frame := Frame{Type: kind, At: time.Now().UTC(), Data: data}
	select {
	case h.publishCh <- frame:
	default:
		h.shed()
	}
}

// run serializes publishing. Frames go through the bus when one is wired;
// everything the bus accepts comes back through ingest, so local delivery
// here is only the fallback path.
func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case frame := <-h.publishCh:
			if h.bus != nil {
				ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
				err := h.bus.Publish(ctx, mustMarshal(frame))
				cancel()
				if err == nil {
					continue
				}
				h.log.Warn().Str("frame", frame.Type).Err(err).Msg("bus publish failed, delivering locally")
			}
			h.deliver(frame)
		}
	}
}

// ingest handles frames arriving from the bus, wherever they were published.
func (h *Hub) ingest(payload []byte) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		h.log.Warn().Err(err).Msg("dropping malformed bus frame")
		return
	}
	h.deliver(frame)
}

func (h *Hub) deliver(frame Frame) {
	raw := mustMarshal(frame)

	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- raw:
		default:
			h.shed()
		}
	}
	h.mu.RUnlock()

	if h.sio != nil {
		h.sio.BroadcastToNamespace("/", legacyEvent(frame.Type), frame.Data)
	}
}

// legacyEvent maps frame types onto the event names the old dashboard
// listens for.
func legacyEvent(frameType string) string {
	switch frameType {
	case FrameEvent:
		return "connector_event"
	case FrameStatus:
		return "connector_status"
	case FrameAlert:
		return "new_alert"
	case FrameMetrics:
		return "connector_metrics"
	default:
		return frameType
	}
}

func mustMarshal(frame Frame) []byte {
	raw, err := json.Marshal(frame)
	if err != nil {
		// Frame holds already-marshaled data; this cannot fail.
		panic(err)
	}
	return raw
}

// HandleWS upgrades the request and attaches the client to the hub. Session
// authentication happens in the router middleware before this runs.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}
	if !h.register(c) {
		conn.Close()
		return
	}

	// writePump owns all writes to conn, readPump owns all reads; the
	// split keeps ping, broadcast and close frames off each other.
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.gauge(len(h.clients))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.gauge(len(h.clients))
	}
}

func (h *Hub) gauge(n int) {
	if h.metrics != nil {
		h.metrics.SetRealtimeClients(n)
	}
}

func (h *Hub) shed() {
	h.dropped.Add(1)
	if h.metrics != nil {
		h.metrics.RecordRealtimeDrop()
	}
}

// Dropped returns how many frames were shed on full buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Clients returns the number of connected WebSocket clients.
func (h *Hub) Clients() int { return h.clientCount() }

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops the publish loop. The bus itself
// belongs to the caller and stays open.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	if h.unsub != nil {
		h.unsub()
	}
	close(h.done)
	h.wg.Wait()
	for _, c := range clients {
		c.close()
	}
	h.log.Info().Msg("realtime hub closed")
}
