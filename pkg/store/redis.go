package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"mercator-hq/cohort/pkg/telemetry/tracing"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates a client from a redis:// or rediss:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// RedisFeed receives experiment updates from a Redis pub/sub channel.
type RedisFeed struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
	logger     *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRedisFeed creates a feed on channel. Messages published by instanceID
// are skipped.
func NewRedisFeed(client redis.UniversalClient, channel, instanceID string, logger *slog.Logger) *RedisFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFeed{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger.With("component", "store.redis_feed"),
	}
}

// Subscribe implements Feed. It waits for the subscription to be confirmed
// before returning.
func (f *RedisFeed) Subscribe(ctx context.Context) (<-chan Update, error) {
	ps := f.client.Subscribe(ctx, f.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %q: %w", f.channel, err)
	}

	f.mu.Lock()
	f.pubsub = ps
	f.mu.Unlock()

	f.logger.Info("Subscribed to experiment updates", "channel", f.channel)

	out := make(chan Update)
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				u, err := DecodeUpdate([]byte(msg.Payload))
				if err != nil {
					f.logger.Warn("Dropping malformed experiment update",
						"channel", msg.Channel,
						"error", err,
					)
					continue
				}
				if f.instanceID != "" && u.Source == f.instanceID {
					continue
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Ping checks the Redis connection.
func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Close implements Feed.
func (f *RedisFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pubsub == nil {
		return nil
	}
	err := f.pubsub.Close()
	f.pubsub = nil
	return err
}

// RedisPublisher publishes local experiment changes so other instances
// converge without waiting for their next refresh.
type RedisPublisher struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(client redis.UniversalClient, channel, instanceID string) *RedisPublisher {
	return &RedisPublisher{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
	}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, u Update) error {
	if u.Source == "" {
		u.Source = p.instanceID
	}
	if u.Trace == nil {
		u.Trace = tracing.CarrierFromContext(ctx)
	}

	data, err := EncodeUpdate(u)
	if err != nil {
		return fmt.Errorf("failed to encode update: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish update for %q: %w", u.experimentID(), err)
	}
	return nil
}
