package events

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/vigiasec/ingest/internal/logging"
)

// PubSubBus wraps the in-memory Bus and additionally publishes every event to
// a Google Cloud Pub/Sub topic for durable, at-least-once delivery to
// downstream consumers (SIEM exports, incident automation). In-memory fan-out
// still serves the realtime hub and SSE stream.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
}

// PubSubConfig configures the durable bus.
type PubSubConfig struct {
	ProjectID string
	TopicID   string
	// CredentialsFile optionally points at a service-account key; default
	// application credentials are used when empty.
	CredentialsFile string
}

// NewPubSubBus connects to the topic, creating it if missing.
func NewPubSubBus(cfg PubSubConfig) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pubsub topic lookup: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, cfg.TopicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("pubsub topic create: %w", err)
		}
	}

	// Ordering key is the organization, so downstream consumers see one
	// org's notifications in publish order.
	topic.EnableMessageOrdering = true

	log := logging.WithComponent("events")
	log.Info().
		Str("topic", topic.String()).
		Msg("connected to pub/sub topic")

	return &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
	}, nil
}

// Emit publishes to Pub/Sub and fans out in memory.
func (pb *PubSubBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	pb.publish(event)
	pb.Bus.Publish(event)
}

// PublishRaw forwards a pre-built event to both transports.
func (pb *PubSubBus) PublishRaw(event *CloudEvent) {
	pb.publish(event)
	pb.Bus.Publish(event)
}

func (pb *PubSubBus) publish(event *CloudEvent) {
	log := logging.WithComponent("events")

	payload, err := event.JSON()
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("marshal event")
		return
	}

	orgID := event.OrgID
	if orgID == "" {
		if oid, ok := event.Data["orgId"].(string); ok {
			orgID = oid
		}
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-orgid":       orgID,
		},
		OrderingKey: orgID,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Result check stays off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("pub/sub publish failed")
		}
	}()
}

// Close stops the topic publisher and closes the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// HealthCheck verifies the topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)
