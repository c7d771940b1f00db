// Package cache implements the domain.Cache contract (spec §4.C): a
// TTL-bounded key-value store plus a multi-channel publish/subscribe bus,
// backed by Redis. Grounded on the gateway redisclient wrapper pattern and
// the in-process eventbus.Bus subscribe/publish shape from the pack.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fxpulse/engine/internal/domain"
)

// Cache wraps a redis.Client to satisfy domain.Cache.
type Cache struct {
	client *redis.Client
	log    zerolog.Logger
}

var _ domain.Cache = (*Cache)(nil)

// New parses addr (host:port, or a redis:// URL) and constructs a Cache.
func New(addr string, log zerolog.Logger) (*Cache, error) {
	var opts *redis.Options
	if parsed, err := redis.ParseURL(addr); err == nil {
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)
	return &Cache{client: client, log: log.With().Str("component", "cache").Logger()}, nil
}

// Ping verifies connectivity at startup; a failure here is the fatal
// "unrecoverable cache init failure" case of spec §6 exit code 2.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return domain.NewError(domain.KindCacheUnavailable, "ping", err)
	}
	return nil
}

// Put marshals value as JSON and writes it with the given TTL, resetting
// TTL on every write.
func (c *Cache) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return domain.NewError(domain.KindCacheUnavailable, key, err)
	}
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return domain.NewError(domain.KindCacheUnavailable, key, err)
	}
	return nil
}

// Get reports a miss via the bool return (not an error); only connectivity
// failures produce a non-nil error.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, domain.NewError(domain.KindCacheUnavailable, key, err)
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return false, domain.NewError(domain.KindCacheUnavailable, key, err)
	}
	return true, nil
}

// Publish marshals message as JSON and publishes it to channel. Delivery
// is at-most-once and not durable, per spec §4.C.
func (c *Cache) Publish(ctx context.Context, channel string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return domain.NewError(domain.KindCacheUnavailable, channel, err)
	}
	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		return domain.NewError(domain.KindCacheUnavailable, channel, err)
	}
	return nil
}

// Subscribe returns a channel of domain.BusMessage for the given Redis
// pub/sub channels. The returned channel closes when ctx is done.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) (<-chan domain.BusMessage, error) {
	pubsub := c.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, domain.NewError(domain.KindCacheUnavailable, "subscribe", err)
	}

	out := make(chan domain.BusMessage, 256)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- domain.BusMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the underlying Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
