package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/health"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
	"golang.org/x/time/rate"

	"github.com/parleylabs/parley/bus"
	"github.com/parleylabs/parley/runtime"
	"github.com/parleylabs/parley/stream"
	"github.com/parleylabs/parley/wire"
)

func newTestGateway(t *testing.T, mutate func(*Config)) (*Gateway, *bus.MemoryBus, *httptest.Server) {
	t.Helper()
	b := bus.NewMemory()
	cfg := Config{
		Bus:            b,
		RequiredAgents: []string{"proposer", "critic"},
		Pingers:        []health.Pinger{b},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gw, err := New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return gw, b, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recvFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func sendFrame(t *testing.T, conn *websocket.Conn, typ string, payload map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(inbound{Type: typ, Payload: payload}))
}

// greet consumes the connection greeting and returns the assigned client id.
func greet(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	f := recvFrame(t, conn)
	require.Equal(t, "system", f.Type)
	assert.Equal(t, "Connected", f.Payload["message"])
	id, _ := f.Payload["client_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func encode(t *testing.T, env wire.Envelope) []byte {
	t.Helper()
	data, err := wire.Encode(env)
	require.NoError(t, err)
	return data
}

func collectTask(t *testing.T, sub bus.Subscription) *wire.Task {
	t.Helper()
	select {
	case data := <-sub.Messages():
		env, err := wire.Decode(data)
		require.NoError(t, err)
		task, ok := env.(*wire.Task)
		require.True(t, ok, "expected a task, got %T", env)
		return task
	case <-time.After(5 * time.Second):
		t.Fatal("no task on channel")
		return nil
	}
}

func assertSilent(t *testing.T, sub bus.Subscription) {
	t.Helper()
	select {
	case data := <-sub.Messages():
		t.Fatalf("unexpected envelope: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewValidatesAndDefaults(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "bus is required")

	gw, err := New(Config{Bus: bus.NewMemory()})
	require.NoError(t, err)
	assert.Equal(t, runtime.DefaultOrchestratorName, gw.orchestrator)
	assert.Equal(t, bus.DefaultFrontendChannel, gw.frontendChannel)
	assert.Equal(t, DefaultRateLimit, gw.limit)
	assert.Equal(t, DefaultRateBurst, gw.burst)
	assert.Equal(t, DefaultSendBuffer, gw.sendBuffer)

	gw, err = New(Config{Bus: bus.NewMemory(), OrchestratorName: "maestro", FrontendChannel: "lobby"})
	require.NoError(t, err)
	assert.Equal(t, "maestro", gw.orchestrator)
	assert.Equal(t, "lobby", gw.frontendChannel)
}

func TestConnectSendsGreeting(t *testing.T) {
	t.Parallel()

	gw, _, srv := newTestGateway(t, nil)
	conn := dialWS(t, srv)
	id := greet(t, conn)
	waitUntil(t, func() bool { return gw.ClientCount() == 1 })
	assert.True(t, gw.isClient(id))

	require.NoError(t, conn.Close())
	waitUntil(t, func() bool { return gw.ClientCount() == 0 })
}

func TestWSRequiresUpgrade(t *testing.T) {
	t.Parallel()

	_, _, srv := newTestGateway(t, nil)
	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	_, _, srv := newTestGateway(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatMessageForwardsToOrchestrator(t *testing.T) {
	t.Parallel()

	_, b, srv := newTestGateway(t, nil)
	sub, err := b.Subscribe(context.Background(), bus.AgentChannel(runtime.DefaultOrchestratorName))
	require.NoError(t, err)
	defer sub.Close()

	conn := dialWS(t, srv)
	id := greet(t, conn)

	sendFrame(t, conn, TypeChatMessage, map[string]any{"content": "  hello there  "})

	task := collectTask(t, sub)
	assert.Equal(t, wire.IntentChat, task.Intent)
	assert.Equal(t, id, task.Agent)
	assert.Equal(t, "hello there", task.Content)
	assert.Equal(t, runtime.DefaultOrchestratorName, task.TargetAgent)
	assert.NotEmpty(t, task.TaskID)
}

func TestStartTaskHonorsProvidedTaskID(t *testing.T) {
	t.Parallel()

	_, b, srv := newTestGateway(t, func(cfg *Config) { cfg.OrchestratorName = "maestro" })
	sub, err := b.Subscribe(context.Background(), bus.AgentChannel("maestro"))
	require.NoError(t, err)
	defer sub.Close()

	conn := dialWS(t, srv)
	greet(t, conn)

	sendFrame(t, conn, TypeStartTask, map[string]any{"content": "draft the plan", "task_id": "t-42"})

	task := collectTask(t, sub)
	assert.Equal(t, wire.IntentStartTask, task.Intent)
	assert.Equal(t, "t-42", task.TaskID)
	assert.Equal(t, "maestro", task.TargetAgent)
}

func TestRejectsEmptyContent(t *testing.T) {
	t.Parallel()

	_, b, srv := newTestGateway(t, nil)
	sub, err := b.Subscribe(context.Background(), bus.AgentChannel(runtime.DefaultOrchestratorName))
	require.NoError(t, err)
	defer sub.Close()

	conn := dialWS(t, srv)
	greet(t, conn)

	sendFrame(t, conn, TypeChatMessage, map[string]any{"content": "   "})

	f := recvFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "content is required", f.Payload["error"])
	assertSilent(t, sub)
}

func TestRejectsMalformedFrames(t *testing.T) {
	t.Parallel()

	_, _, srv := newTestGateway(t, nil)
	conn := dialWS(t, srv)
	greet(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := recvFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, f.Payload["error"], "invalid message")

	sendFrame(t, conn, "subscribe", nil)
	f = recvFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, `unknown message type "subscribe"`, f.Payload["error"])
}

func TestAgentStatusReflectsHeartbeats(t *testing.T) {
	t.Parallel()

	_, b, srv := newTestGateway(t, nil)
	require.NoError(t, b.SetWithTTL(context.Background(), bus.HeartbeatKey("proposer"), bus.HeartbeatAlive, time.Minute))

	conn := dialWS(t, srv)
	greet(t, conn)

	sendFrame(t, conn, TypeGetAgentStatus, nil)
	f := recvFrame(t, conn)
	assert.Equal(t, "agent_status", f.Type)
	assert.Equal(t, "alive", f.Payload["proposer"])
	assert.Equal(t, "offline", f.Payload["critic"])
}

func TestRateLimitBoundsInbound(t *testing.T) {
	t.Parallel()

	_, b, srv := newTestGateway(t, func(cfg *Config) {
		cfg.RateLimit = rate.Every(time.Hour)
		cfg.RateBurst = 1
	})
	sub, err := b.Subscribe(context.Background(), bus.AgentChannel(runtime.DefaultOrchestratorName))
	require.NoError(t, err)
	defer sub.Close()

	conn := dialWS(t, srv)
	greet(t, conn)

	sendFrame(t, conn, TypeChatMessage, map[string]any{"content": "first"})
	sendFrame(t, conn, TypeChatMessage, map[string]any{"content": "second"})

	task := collectTask(t, sub)
	assert.Equal(t, "first", task.Content)

	f := recvFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "rate limit exceeded", f.Payload["error"])
	assertSilent(t, sub)
}

func TestClassifyMapsEnvelopes(t *testing.T) {
	t.Parallel()

	res := wire.NewTaskResult("t1", "proposer", "final answer", "frontend", wire.EventComplete, wire.OutcomeSuccess)
	res.ContributingAgents = []string{"proposer", "critic"}
	env := classify(res)
	assert.Equal(t, "task_result", env.EventType)
	assert.Equal(t, "proposer", env.Payload["agent"])
	assert.Equal(t, "final answer", env.Payload["content"])
	assert.Equal(t, "t1", env.Payload["task_id"])
	assert.Equal(t, wire.EventComplete, env.Payload["event"])
	assert.Equal(t, wire.OutcomeSuccess, env.Payload["outcome"])
	assert.Equal(t, []string{"proposer", "critic"}, env.Payload["contributing_agents"])

	env = classify(wire.NewTaskResult("t1", "proposer", "thinking", "frontend", wire.EventInfo, wire.OutcomeInProgress))
	assert.NotContains(t, env.Payload, "contributing_agents")

	env = classify(wire.NewTask("orchestrator", "critique this", "critic"))
	assert.Equal(t, "task_update", env.EventType)
	assert.Equal(t, "critic", env.Payload["target_agent"])

	env = classify(wire.NewMessage(wire.IntentChat, "user", "hi", "orchestrator"))
	assert.Equal(t, TypeChatMessage, env.EventType)

	env = classify(wire.NewMessage(wire.IntentSystem, "coordinator", "ready", ""))
	assert.Equal(t, "system_info", env.EventType)

	env = classify(wire.NewMessage(wire.IntentOrchestration, "orchestrator", "round 2", ""))
	assert.Equal(t, "system_info", env.EventType)

	ws := wire.NewWSEnvelope("system_status_update", map[string]any{"system_ready": true})
	assert.Same(t, ws, classify(ws))

	env = classify(wire.NewStreamUpdate("proposer", "t1", "x", 0, false))
	assert.Equal(t, "error", env.EventType)
	assert.Contains(t, env.Payload["error"], "unsupported envelope kind")
}

func TestRelayBroadcastsToClients(t *testing.T) {
	t.Parallel()

	gw, _, srv := newTestGateway(t, nil)
	conn := dialWS(t, srv)
	greet(t, conn)
	waitUntil(t, func() bool { return gw.ClientCount() == 1 })

	ctx := context.Background()

	// Undecodable bytes are dropped without disturbing clients.
	gw.relay(ctx, []byte("junk"))

	gw.relay(ctx, encode(t, wire.NewTaskResult("t7", "critic", "looks wrong", "frontend", wire.EventCritique, wire.OutcomeInProgress)))
	f := recvFrame(t, conn)
	assert.Equal(t, "task_result", f.Type)
	assert.Equal(t, "critic", f.Payload["agent"])
	assert.Equal(t, "looks wrong", f.Payload["content"])
	// Start events collapse to info on results at the wire layer.
	assert.Equal(t, string(wire.EventInfo), f.Payload["event"])
	assert.False(t, f.Timestamp.IsZero())

	gw.relay(ctx, encode(t, wire.NewWSEnvelope("system_status_update", map[string]any{"system_ready": false})))
	f = recvFrame(t, conn)
	assert.Equal(t, "system_status_update", f.Type)
	assert.Equal(t, false, f.Payload["system_ready"])
}

func TestRelaySuppressesClientEcho(t *testing.T) {
	t.Parallel()

	gw, _, srv := newTestGateway(t, nil)
	conn := dialWS(t, srv)
	id := greet(t, conn)
	waitUntil(t, func() bool { return gw.ClientCount() == 1 })

	ctx := context.Background()
	gw.relay(ctx, encode(t, wire.NewMessage(wire.IntentChat, id, "my own words", "orchestrator")))
	gw.relay(ctx, encode(t, wire.NewMessage(wire.IntentSystem, "coordinator", "all agents ready", "")))

	// Only the coordinator notice arrives; the echo never does.
	f := recvFrame(t, conn)
	assert.Equal(t, "system_info", f.Type)
	assert.Equal(t, "all agents ready", f.Payload["content"])
}

func TestRunRelaysFrontendTraffic(t *testing.T) {
	t.Parallel()

	gw, b, srv := newTestGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	conn := dialWS(t, srv)
	greet(t, conn)
	waitUntil(t, func() bool { return gw.ClientCount() == 1 })

	// The run loop subscribes asynchronously; republish until it is live.
	got := make(chan frame, 1)
	go func() {
		var f frame
		if err := conn.ReadJSON(&f); err == nil {
			got <- f
		}
	}()
	payload := encode(t, wire.NewTaskResult("t9", "proposer", "done", "frontend", wire.EventComplete, wire.OutcomeSuccess))
	var f frame
	waitUntil(t, func() bool {
		require.NoError(t, b.Publish(ctx, bus.DefaultFrontendChannel, payload))
		select {
		case f = <-got:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	})
	assert.Equal(t, "task_result", f.Type)
	assert.Equal(t, "done", f.Payload["content"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Equal(t, 0, gw.ClientCount())
}

type fakeDeltaStream struct {
	sink *fakeDeltaSink
}

func (f *fakeDeltaStream) Add(context.Context, string, []byte) (string, error) { return "1-0", nil }

func (f *fakeDeltaStream) NewSink(_ context.Context, _ string, _ ...streamopts.Sink) (stream.Sink, error) {
	return f.sink, nil
}

func (f *fakeDeltaStream) Destroy(context.Context) error { return nil }

type fakeDeltaSink struct {
	ch chan *streaming.Event
}

func (f *fakeDeltaSink) Subscribe() <-chan *streaming.Event { return f.ch }

func (f *fakeDeltaSink) Ack(context.Context, *streaming.Event) error { return nil }

func (f *fakeDeltaSink) Close(context.Context) {}

func TestDeltaRelayStreamsToClients(t *testing.T) {
	t.Parallel()

	sink := &fakeDeltaSink{ch: make(chan *streaming.Event, 4)}
	sub, err := stream.NewSubscriber(stream.SubscriberOptions{Stream: &fakeDeltaStream{sink: sink}})
	require.NoError(t, err)

	gw, _, srv := newTestGateway(t, func(cfg *Config) { cfg.Streams = sub })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	conn := dialWS(t, srv)
	greet(t, conn)
	waitUntil(t, func() bool { return gw.ClientCount() == 1 })

	sink.ch <- &streaming.Event{ID: "1-0", Payload: encode(t, wire.NewStreamUpdate("proposer", "t3", "Hel", 0, false))}

	f := recvFrame(t, conn)
	assert.Equal(t, "stream_update", f.Type)
	assert.Equal(t, "proposer", f.Payload["agent"])
	assert.Equal(t, "t3", f.Payload["task_id"])
	assert.Equal(t, "Hel", f.Payload["delta"])
	assert.Equal(t, float64(0), f.Payload["seq"])
	assert.Equal(t, false, f.Payload["done"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestEnqueueGuards(t *testing.T) {
	t.Parallel()

	c := &client{send: make(chan *wire.WSEnvelope, 1)}
	env := wire.NewWSEnvelope("system", nil)
	assert.True(t, c.enqueue(env))
	assert.False(t, c.enqueue(env), "full buffer should report the client stalled")

	c.closed = true
	assert.True(t, c.enqueue(env), "closed clients swallow envelopes")
	assert.Len(t, c.send, 1)
}
