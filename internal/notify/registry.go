// Package notify delivers persisted alerts to the outside: signed HTTP
// posts to registered targets and, when configured, a Google Cloud Pub/Sub
// topic for durable downstream consumers. Delivery is asynchronous and
// best-effort; ingestion never waits on a notification.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigiasec/ingest/internal/logging"
	"github.com/vigiasec/ingest/internal/model"
)

// maxFailures disables a target; a dead endpoint should not keep eating
// worker time.
const maxFailures = 10

// Target is one outbound notification endpoint. MinSeverity filters what
// it receives; empty means everything.
type Target struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	URL         string              `json:"url"`
	Secret      string              `json:"secret,omitempty"`
	MinSeverity model.AlertSeverity `json:"minSeverity,omitempty"`
	Active      bool                `json:"active"`
	FailCount   int                 `json:"failCount"`
	CreatedAt   time.Time           `json:"createdAt"`
}

// Registry stores notification targets.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]*Target
	log     zerolog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		targets: make(map[string]*Target),
		log:     logging.WithComponent("notify"),
	}
}

// Register adds a target. A missing ID is assigned.
func (r *Registry) Register(t *Target) error {
	if t.URL == "" {
		return fmt.Errorf("notify: target URL is required")
	}
	if t.MinSeverity != "" && severityRank(t.MinSeverity) == 0 {
		return fmt.Errorf("notify: unknown severity %q", t.MinSeverity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == "" {
		t.ID = "ntf-" + uuid.NewString()
	}
	t.Active = true
	t.FailCount = 0
	t.CreatedAt = time.Now().UTC()
	r.targets[t.ID] = t
	r.log.Info().Str("target", t.Name).Str("url", t.URL).Str("min_severity", string(t.MinSeverity)).Msg("notification target registered")
	return nil
}

// Unregister removes a target.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[id]; !ok {
		return fmt.Errorf("notify: target %s not found", id)
	}
	delete(r.targets, id)
	return nil
}

// Matching returns the active targets whose severity floor admits the
// given alert severity.
func (r *Registry) Matching(severity model.AlertSeverity) []*Target {
	rank := severityRank(severity)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Target
	for _, t := range r.targets {
		if !t.Active {
			continue
		}
		if t.MinSeverity != "" && rank < severityRank(t.MinSeverity) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// List returns every registered target.
func (r *Registry) List() []*Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, t)
	}
	return out
}

// MarkFailed counts a delivery failure and disables the target once it
// crosses the budget.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[id]
	if !ok {
		return
	}
	t.FailCount++
	if t.FailCount >= maxFailures && t.Active {
		t.Active = false
		r.log.Warn().Str("target", t.Name).Int("failures", t.FailCount).Msg("notification target disabled")
	}
}

func severityRank(s model.AlertSeverity) int {
	switch s {
	case model.SeverityLow:
		return 1
	case model.SeverityMedium:
		return 2
	case model.SeverityHigh:
		return 3
	case model.SeverityCritical:
		return 4
	default:
		return 0
	}
}
