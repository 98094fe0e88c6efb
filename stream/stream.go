// Package stream carries incremental generation output over a Pulse stream.
// Workers publish deltas while a streaming generator runs; the gateway runs a
// subscriber that relays them to websocket clients. The stream is separate
// from the pub/sub bus on purpose: Redis streams give reconnecting consumers
// ordered, replayable delivery, which pub/sub cannot. Core task lifecycle
// traffic never travels here.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/parleylabs/parley/wire"
)

const (
	// DefaultStreamName is the Pulse stream deltas travel on.
	DefaultStreamName = "parley:deltas"
	// DefaultSinkName identifies the gateway consumer group.
	DefaultSinkName = "gateway"
	// DefaultBuffer is the subscriber channel capacity.
	DefaultBuffer = 64

	// eventDelta names every stream entry; the envelope's type tag carries
	// the real discrimination.
	eventDelta = "delta"
)

type (
	// Stream is the subset of Pulse stream operations delta transport needs.
	// Open returns the real implementation; tests substitute fakes.
	Stream interface {
		// Add appends an entry and returns the Redis-assigned event id.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group on the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and all its entries.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading from the delta stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}
)

// Open returns a handle on the named Pulse stream backed by the given Redis
// connection. An empty name selects DefaultStreamName; maxLen bounds the
// entries Redis keeps, zero uses the Pulse default.
func Open(rdb *redis.Client, name string, maxLen int) (Stream, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if name == "" {
		name = DefaultStreamName
	}
	var opts []streamopts.Stream
	if maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(maxLen))
	}
	str, err := streaming.NewStream(name, rdb, opts...)
	if err != nil {
		return nil, fmt.Errorf("open delta stream: %w", err)
	}
	return &handle{stream: str}, nil
}

// handle adapts a Pulse stream to the Stream interface.
type handle struct {
	stream *streaming.Stream
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return h.stream.Add(ctx, event, payload)
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{Sink: sink}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// sinkAdapter adapts streaming.Sink to the Sink interface.
type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}

// PublisherOptions configures a delta publisher.
type PublisherOptions struct {
	// Stream is the delta stream handle. Required.
	Stream Stream
	// OperationTimeout bounds individual Add operations. Zero means no
	// timeout.
	OperationTimeout time.Duration
}

// Publisher appends stream updates to the delta stream. Safe for concurrent
// use.
type Publisher struct {
	stream  Stream
	timeout time.Duration
}

// NewPublisher constructs a delta publisher.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Stream == nil {
		return nil, errors.New("stream is required")
	}
	return &Publisher{stream: opts.Stream, timeout: opts.OperationTimeout}, nil
}

// Publish appends one update to the stream.
func (p *Publisher) Publish(ctx context.Context, u *wire.StreamUpdate) error {
	payload, err := wire.Encode(u)
	if err != nil {
		return err
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if _, err := p.stream.Add(ctx, eventDelta, payload); err != nil {
		return fmt.Errorf("publish delta: %w", err)
	}
	return nil
}

// SubscriberOptions configures a delta subscriber.
type SubscriberOptions struct {
	// Stream is the delta stream handle. Required.
	Stream Stream
	// SinkName identifies the consumer group. Defaults to DefaultSinkName.
	SinkName string
	// Buffer is the update channel capacity. Defaults to DefaultBuffer.
	Buffer int
}

// Subscriber consumes the delta stream and emits decoded updates.
type Subscriber struct {
	stream Stream
	name   string
	buffer int
}

// NewSubscriber constructs a delta subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Stream == nil {
		return nil, errors.New("stream is required")
	}
	name := opts.SinkName
	if name == "" {
		name = DefaultSinkName
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Subscriber{stream: opts.Stream, name: name, buffer: buffer}, nil
}

// Subscribe opens the consumer group and returns channels for updates and
// errors. A goroutine consumes the sink, decodes each entry and acks it. The
// returned cancel function stops consumption and closes both channels.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan *wire.StreamUpdate, <-chan error, context.CancelFunc, error) {
	sink, err := s.stream.NewSink(ctx, s.name)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open delta sink: %w", err)
	}
	updates := make(chan *wire.StreamUpdate, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go consume(runCtx, sink, updates, errs)
	stop := func() {
		cancel()
		sink.Close(context.Background())
	}
	return updates, errs, stop, nil
}

func consume(ctx context.Context, sink Sink, out chan<- *wire.StreamUpdate, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			env, err := wire.Decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("decode delta: %w", err)
				return
			}
			u, ok := env.(*wire.StreamUpdate)
			if !ok {
				errs <- fmt.Errorf("decode delta: unexpected %s entry on delta stream", env.Kind())
				return
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("ack delta: %w", err)
				return
			}
		}
	}
}
