package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vigiasec/ingest/internal/logging"
)

// DefaultChannel is the Redis Pub/Sub channel realtime frames travel on.
const DefaultChannel = "vigia:realtime"

const redisDialTimeout = 5 * time.Second

// RedisBus bridges hubs across service instances with Redis Pub/Sub. An
// instance publishes frames to one channel; every subscribed instance,
// itself included, delivers them to its local clients.
type RedisBus struct {
	rdb     *redis.Client
	channel string

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBus connects to Redis and verifies it answers. An empty channel
// falls back to DefaultChannel.
func NewRedisBus(addr, channel string) (*RedisBus, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("realtime: redis ping %s: %w", addr, err)
	}
	return &RedisBus{rdb: rdb, channel: channel}, nil
}

// Publish sends one frame to every subscribed instance.
func (b *RedisBus) Publish(ctx context.Context, payload []byte) error {
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

// Subscribe registers a handler for frames on the channel and confirms the
// subscription before returning, so no frame published afterwards is missed.
func (b *RedisBus) Subscribe(handler func([]byte)) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("realtime: bus closed")
	}
	b.mu.Unlock()

	sub := b.rdb.Subscribe(context.Background(), b.channel)
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	_, err := sub.Receive(ctx)
	cancel()
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("realtime: redis subscribe %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	log := logging.WithComponent("realtime")
	go func() {
		for msg := range sub.Channel() {
			handler([]byte(msg.Payload))
		}
		log.Debug().Str("channel", b.channel).Msg("redis subscription drained")
	}()

	return func() { sub.Close() }, nil
}

// Close tears down every subscription and the client connection.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return b.rdb.Close()
}
