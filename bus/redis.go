package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
)

type (
	// RedisBus implements Bus over Redis pub/sub and SET EX / GET. The
	// caller owns the Redis client and its lifecycle.
	RedisBus struct {
		client         *redis.Client
		publishTimeout time.Duration
		subBuffer      int
		minBackoff     time.Duration
		maxBackoff     time.Duration
	}

	// RedisOption configures optional RedisBus settings.
	RedisOption func(*RedisBus)

	redisSubscription struct {
		out    chan []byte
		cancel context.CancelFunc
		once   sync.Once
	}
)

const (
	// DefaultPublishTimeout bounds how long a publish may block.
	DefaultPublishTimeout = 2 * time.Second

	defaultSubBuffer  = 256
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

// WithPublishTimeout sets the per-publish deadline.
func WithPublishTimeout(d time.Duration) RedisOption {
	return func(b *RedisBus) {
		b.publishTimeout = d
	}
}

// WithSubscribeBuffer sets the per-subscription delivery buffer. Messages
// beyond the buffer are dropped, not queued.
func WithSubscribeBuffer(n int) RedisOption {
	return func(b *RedisBus) {
		b.subBuffer = n
	}
}

// WithReconnectBackoff sets the bounds of the subscribe retry backoff.
func WithReconnectBackoff(min, max time.Duration) RedisOption {
	return func(b *RedisBus) {
		b.minBackoff = min
		b.maxBackoff = max
	}
}

// NewRedis wraps an existing Redis client in the Bus interface.
func NewRedis(client *redis.Client, opts ...RedisOption) (*RedisBus, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	b := &RedisBus{
		client:         client,
		publishTimeout: DefaultPublishTimeout,
		subBuffer:      defaultSubBuffer,
		minBackoff:     defaultMinBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// Publish sends data to every current subscriber of topic. Failures are
// logged and returned; callers treat them as dropped messages, never as a
// reason to retry or crash.
func (b *RedisBus) Publish(ctx context.Context, topic string, data []byte) error {
	pctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()
	if err := b.client.Publish(pctx, topic, data).Err(); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "publish dropped"}, log.KV{K: "topic", V: topic})
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a subscription on topic. The pump goroutine re-issues the
// Redis subscription on failure with exponential backoff; go-redis handles
// mid-stream reconnects internally, the outer loop covers subscribe errors
// and broker restarts that kill the pubsub entirely.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		out:    make(chan []byte, b.subBuffer),
		cancel: cancel,
	}
	go b.pump(pumpCtx, topic, sub.out)
	return sub, nil
}

func (b *RedisBus) pump(ctx context.Context, topic string, out chan<- []byte) {
	defer close(out)
	backoff := b.minBackoff
	for ctx.Err() == nil {
		ps := b.client.Subscribe(ctx, topic)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			if ctx.Err() != nil {
				return
			}
			log.Error(ctx, err, log.KV{K: "msg", V: "subscribe failed, retrying"},
				log.KV{K: "topic", V: topic},
				log.KV{K: "backoff", V: backoff.String()})
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, b.maxBackoff)
			continue
		}
		backoff = b.minBackoff

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = ps.Close()
			case <-done:
			}
		}()
		for msg := range ps.Channel() {
			select {
			case out <- []byte(msg.Payload):
			default:
				log.Warn(ctx, log.KV{K: "msg", V: "slow subscriber, message dropped"},
					log.KV{K: "topic", V: topic})
			}
		}
		close(done)
		_ = ps.Close()
	}
}

// SetWithTTL overwrites key with value, expiring after ttl.
func (b *RedisBus) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Get reads key. The second return is false when the key is absent or
// expired.
func (b *RedisBus) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// Close is a no-op: the caller owns the Redis client. Open subscriptions are
// closed individually.
func (b *RedisBus) Close() error { return nil }

// Name implements health.Pinger.
func (b *RedisBus) Name() string { return "redis" }

// Ping implements health.Pinger by round-tripping the underlying client.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() {
	s.once.Do(s.cancel)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
