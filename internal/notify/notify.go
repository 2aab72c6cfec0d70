package notify

import (
	"context"

	"github.com/vigiasec/ingest/internal/model"
)

// Notifier is the single entry point the alert pipeline calls. It fans out
// to the HTTP dispatcher and, when wired, the Pub/Sub topic.
type Notifier struct {
	dispatcher *Dispatcher
	pubsub     *PubSub
}

// Options assembles a Notifier. Registry is required; PubSub may be nil.
type Options struct {
	Registry   *Registry
	Dispatcher DispatcherConfig
	PubSub     *PubSub
}

// New builds the notifier and starts its dispatcher pool.
func New(opts Options) *Notifier {
	return &Notifier{
		dispatcher: NewDispatcher(opts.Registry, opts.Dispatcher),
		pubsub:     opts.PubSub,
	}
}

// NotifyAlert delivers one persisted alert to every outbound channel.
// It never blocks on network I/O.
func (n *Notifier) NotifyAlert(ctx context.Context, alert *model.Alert) {
	n.dispatcher.Notify(alert)
	if n.pubsub != nil {
		n.pubsub.Publish(ctx, alert)
	}
}

// Shutdown stops the dispatcher and closes the Pub/Sub client.
func (n *Notifier) Shutdown() {
	n.dispatcher.Shutdown()
	if n.pubsub != nil {
		n.pubsub.Close()
	}
}
