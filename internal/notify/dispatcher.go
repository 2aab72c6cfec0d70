package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigiasec/ingest/internal/logging"
	"github.com/vigiasec/ingest/internal/model"
)

// EventAlertCreated is the event type stamped on every alert notification.
const EventAlertCreated = "alert.created"

const (
	defaultWorkers   = 4
	defaultQueueSize = 1000
	defaultBaseDelay = time.Second
	maxAttempts      = 3
	deliveryTimeout  = 10 * time.Second
)

// Envelope is the payload posted to notification targets.
type Envelope struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Alert     *model.Alert `json:"alert"`
}

type delivery struct {
	target  *Target
	id      string
	payload []byte
	attempt int
}

// DispatcherConfig tunes the worker pool. Zero values get defaults.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	// BaseDelay scales the retry backoff: attempt² × BaseDelay.
	BaseDelay time.Duration
}

// Dispatcher posts signed alert notifications from a background worker
// pool. Enqueueing never blocks; a full queue drops the delivery.
type Dispatcher struct {
	registry  *Registry
	client    *http.Client
	baseDelay time.Duration
	log       zerolog.Logger

	mu     sync.Mutex
	queue  chan *delivery
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts the worker pool.
func NewDispatcher(registry *Registry, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}

	d := &Dispatcher{
		registry:  registry,
		client:    &http.Client{Timeout: deliveryTimeout},
		baseDelay: cfg.BaseDelay,
		log:       logging.WithComponent("notify"),
		queue:     make(chan *delivery, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Notify fans one alert out to every matching target. The payload is
// marshaled once and shared across deliveries.
func (d *Dispatcher) Notify(alert *model.Alert) {
	targets := d.registry.Matching(alert.Severity)
	if len(targets) == 0 {
		return
	}

	env := Envelope{
		ID:        "evt-" + uuid.NewString(),
		Type:      EventAlertCreated,
		Timestamp: time.Now().UTC(),
		Alert:     alert,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		d.log.Error().Err(err).Msg("notification marshal failed")
		return
	}

	for _, t := range targets {
		d.enqueue(&delivery{target: t, id: env.ID, payload: payload, attempt: 1})
	}
}

// enqueue is non-blocking and holds the mutex across the send so it can
// never race the queue close in Shutdown.
func (d *Dispatcher) enqueue(job *delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- job:
	default:
		d.log.Warn().Str("target", job.target.Name).Str("notification", job.id).Msg("notification queue full, dropping delivery")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *delivery) {
	req, err := http.NewRequest(http.MethodPost, job.target.URL, bytes.NewReader(job.payload))
	if err != nil {
		d.log.Error().Str("target", job.target.Name).Err(err).Msg("notification request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vigia-Event-Type", EventAlertCreated)
	req.Header.Set("X-Vigia-Notification-ID", job.id)
	req.Header.Set("X-Vigia-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.target.Secret != "" {
		req.Header.Set("X-Vigia-Signature", "sha256="+SignPayload(job.payload, job.target.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warn().Str("target", job.target.Name).Int("attempt", job.attempt).Err(err).Msg("notification delivery failed")
		d.fail(job)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.log.Warn().Str("target", job.target.Name).Int("status", resp.StatusCode).Int("attempt", job.attempt).Msg("notification rejected")
		d.fail(job)
		return
	}
	d.log.Debug().Str("target", job.target.Name).Str("notification", job.id).Msg("notification delivered")
}

// fail counts the failure and schedules a retry off-worker so a slow
// target cannot serialize the pool.
func (d *Dispatcher) fail(job *delivery) {
	d.registry.MarkFailed(job.target.ID)
	if job.attempt >= maxAttempts {
		return
	}
	job.attempt++
	delay := time.Duration(job.attempt*job.attempt) * d.baseDelay
	time.AfterFunc(delay, func() { d.enqueue(job) })
}

// Shutdown drains the queue and stops the workers. Retries scheduled after
// the shutdown are dropped.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

// SignPayload computes the hex HMAC-SHA256 a target can use to verify the
// notification body.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
