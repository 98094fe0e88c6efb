package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

func TestFieldersPrependsMessage(t *testing.T) {
	t.Parallel()

	fs := fielders("task dispatched", []any{"task_id", "t1", "round", 2})
	require.Len(t, fs, 3)

	kv, ok := fs[0].(log.KV)
	require.True(t, ok)
	assert.Equal(t, "msg", kv.K)
	assert.Equal(t, "task dispatched", kv.V)

	kv = fs[1].(log.KV)
	assert.Equal(t, "task_id", kv.K)
	assert.Equal(t, "t1", kv.V)

	kv = fs[2].(log.KV)
	assert.Equal(t, "round", kv.K)
	assert.Equal(t, 2, kv.V)
}

func TestFieldersToleratesMalformedPairs(t *testing.T) {
	t.Parallel()

	// A trailing key without a value pairs with nil.
	fs := fielders("m", []any{"orphan"})
	require.Len(t, fs, 2)
	kv := fs[1].(log.KV)
	assert.Equal(t, "orphan", kv.K)
	assert.Nil(t, kv.V)

	// A non-string key drops the whole pair.
	fs = fielders("m", []any{42, "ignored", "kept", "v"})
	require.Len(t, fs, 2)
	kv = fs[1].(log.KV)
	assert.Equal(t, "kept", kv.K)

	fs = fielders("m", nil)
	require.Len(t, fs, 1)
}

func TestTagsToAttrs(t *testing.T) {
	t.Parallel()

	attrs := tagsToAttrs([]string{"tool", "web_search", "outcome", "success"})
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("tool", "web_search"),
		attribute.String("outcome", "success"),
	}, attrs)

	// A trailing key takes an empty value.
	attrs = tagsToAttrs([]string{"tool"})
	assert.Equal(t, []attribute.KeyValue{attribute.String("tool", "")}, attrs)

	assert.Empty(t, tagsToAttrs(nil))
}

func TestKVSliceToAttrsTypes(t *testing.T) {
	t.Parallel()

	attrs := kvSliceToAttrs([]any{
		"s", "text",
		"i", 7,
		"i64", int64(8),
		"f", 0.5,
		"b", true,
		"d", 1500 * time.Millisecond,
	})
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("s", "text"),
		attribute.Int("i", 7),
		attribute.Int64("i64", 8),
		attribute.Float64("f", 0.5),
		attribute.Bool("b", true),
		attribute.String("d", "1.5s"),
	}, attrs)

	// Non-string keys are dropped, a missing value renders as "<nil>".
	attrs = kvSliceToAttrs([]any{1, "x", "tail"})
	assert.Equal(t, []attribute.KeyValue{attribute.String("tail", "<nil>")}, attrs)
}

func TestMergeContextCarriesObservability(t *testing.T) {
	t.Parallel()

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x01},
		SpanID:  trace.SpanID{0x02},
	})
	member, err := baggage.NewMember("task_id", "t1")
	require.NoError(t, err)
	bag, err := baggage.New(member)
	require.NoError(t, err)

	base := trace.ContextWithSpanContext(context.Background(), sc)
	base = baggage.ContextWithBaggage(base, bag)

	merged := MergeContext(context.Background(), base)
	assert.Equal(t, sc.TraceID(), trace.SpanContextFromContext(merged).TraceID())
	assert.Equal(t, "t1", baggage.FromContext(merged).Member("task_id").Value())
}

func TestMergeContextNilHandling(t *testing.T) {
	t.Parallel()

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	assert.Equal(t, ctx, MergeContext(ctx, nil))

	merged := MergeContext(nil, context.Background())
	require.NotNil(t, merged)
	assert.NoError(t, merged.Err())
}

func TestNoopImplementationsAreSafe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := NewNoopLogger()
	logger.Debug(ctx, "d", "k", "v")
	logger.Info(ctx, "i")
	logger.Warn(ctx, "w")
	logger.Error(ctx, "e", "err", errors.New("boom"))

	metrics := NewNoopMetrics()
	metrics.IncCounter("c", 1, "env", "test")
	metrics.RecordTimer("t", 100*time.Millisecond)
	metrics.RecordGauge("g", 42)

	tracer := NewNoopTracer()
	newCtx, span := tracer.Start(ctx, "op")
	assert.Equal(t, ctx, newCtx)
	require.NotNil(t, span)
	span.AddEvent("ev", "k", "v")
	span.SetStatus(codes.Ok, "done")
	span.RecordError(errors.New("boom"))
	span.End()
	require.NotNil(t, tracer.Span(ctx))
}
