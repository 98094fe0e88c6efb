package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

type (
	// MemoryBus is a process-local Bus for tests and single-process demos.
	// It preserves per-topic publish order and, like the broker, drops
	// messages for subscribers whose buffer is full.
	MemoryBus struct {
		mu     sync.RWMutex
		topics map[string]map[*memorySubscription]struct{}
		keys   map[string]memoryValue
		closed bool

		buffer int
		now    func() time.Time
	}

	// MemoryOption configures optional MemoryBus settings.
	MemoryOption func(*MemoryBus)

	// memorySubscription state is guarded by the bus mutex: channels are
	// closed only under the write lock, sends happen under the read lock,
	// so a send can never race a close.
	memorySubscription struct {
		bus    *MemoryBus
		topic  string
		ch     chan []byte
		closed bool
	}

	memoryValue struct {
		value   string
		expires time.Time
	}
)

// ErrBusClosed is returned by operations on a closed MemoryBus.
var ErrBusClosed = errors.New("bus closed")

// WithBuffer sets the per-subscription delivery buffer.
func WithBuffer(n int) MemoryOption {
	return func(b *MemoryBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithClock overrides the time source used for TTL expiry. Tests use it to
// advance time without sleeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewMemory builds an in-memory bus.
func NewMemory(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		topics: make(map[string]map[*memorySubscription]struct{}),
		keys:   make(map[string]memoryValue),
		buffer: defaultSubBuffer,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Publish delivers data to every current subscriber of topic. Subscribers
// with a full buffer miss the message; nobody blocks.
func (b *MemoryBus) Publish(_ context.Context, topic string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	// Copy once so subscribers never share the caller's backing array.
	msg := append([]byte(nil), data...)
	for s := range b.topics[topic] {
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscription on topic.
func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	s := &memorySubscription{
		bus:   b,
		topic: topic,
		ch:    make(chan []byte, b.buffer),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySubscription]struct{})
	}
	b.topics[topic][s] = struct{}{}
	return s, nil
}

// SetWithTTL overwrites key with value, expiring after ttl.
func (b *MemoryBus) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.keys[key] = memoryValue{value: value, expires: b.now().Add(ttl)}
	return nil
}

// Get reads key, honoring expiry lazily.
func (b *MemoryBus) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", false, ErrBusClosed
	}
	v, ok := b.keys[key]
	if !ok {
		return "", false, nil
	}
	if b.now().After(v.expires) {
		delete(b.keys, key)
		return "", false, nil
	}
	return v.value, true, nil
}

// Name implements health.Pinger.
func (b *MemoryBus) Name() string { return "memory" }

// Ping implements health.Pinger. The in-memory bus is healthy until closed.
func (b *MemoryBus) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// Close shuts the bus down and closes every subscription channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.topics {
		for s := range subs {
			s.closed = true
			close(s.ch)
		}
		delete(b.topics, topic)
	}
	return nil
}

func (s *memorySubscription) Messages() <-chan []byte { return s.ch }

// Close removes the subscription and closes its channel. Idempotent.
func (s *memorySubscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if subs, ok := s.bus.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	close(s.ch)
}
