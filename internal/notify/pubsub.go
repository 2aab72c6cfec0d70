package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/vigiasec/ingest/internal/logging"
	"github.com/vigiasec/ingest/internal/model"
)

const pubsubConnectTimeout = 15 * time.Second

// PubSub publishes alert notifications to a Google Cloud Pub/Sub topic for
// durable, at-least-once delivery to downstream consumers. Messages are
// ordered per organization.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	log    zerolog.Logger
}

// NewPubSub connects and ensures the topic exists. credentialsFile may be
// empty, in which case ambient credentials apply.
func NewPubSub(ctx context.Context, projectID, topicID, credentialsFile string) (*PubSub, error) {
	ctx, cancel := context.WithTimeout(ctx, pubsubConnectTimeout)
	defer cancel()

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("notify: topic exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("notify: create topic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	ps := &PubSub{client: client, topic: topic, log: logging.WithComponent("notify-pubsub")}
	ps.log.Info().Str("topic", topic.String()).Msg("pubsub notifications connected")
	return ps, nil
}

// Publish sends one alert. The publish result is checked off the hot path;
// a failed ordering key is resumed so later alerts for the organization
// are not wedged behind it.
func (p *PubSub) Publish(ctx context.Context, alert *model.Alert) {
	payload, err := json.Marshal(Envelope{
		ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:      EventAlertCreated,
		Timestamp: time.Now().UTC(),
		Alert:     alert,
	})
	if err != nil {
		p.log.Error().Err(err).Msg("pubsub marshal failed")
		return
	}

	orderingKey := strconv.FormatInt(alert.OrganizationID, 10)
	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"type":     EventAlertCreated,
			"severity": string(alert.Severity),
			"source":   alert.Source,
			"alertId":  strconv.FormatInt(alert.ID, 10),
			"orgId":    orderingKey,
		},
		OrderingKey: orderingKey,
	}

	result := p.topic.Publish(ctx, msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			p.log.Warn().Int64("alert_id", alert.ID).Err(err).Msg("pubsub publish failed")
			p.topic.ResumePublish(orderingKey)
		}
	}()
}

// HealthCheck verifies the topic is still reachable.
func (p *PubSub) HealthCheck(ctx context.Context) error {
	exists, err := p.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("notify: topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("notify: topic is gone")
	}
	return nil
}

// Close flushes pending publishes and releases the client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
