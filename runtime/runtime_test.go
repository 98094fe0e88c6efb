package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleylabs/parley/bus"
	"github.com/parleylabs/parley/wire"
)

// recordingAgent captures every dispatched envelope by handler.
type recordingAgent struct {
	NopAgent
	mu      sync.Mutex
	byName  map[string][]wire.Envelope
	errOn   string
	panicOn string
}

func newRecordingAgent() *recordingAgent {
	return &recordingAgent{byName: make(map[string][]wire.Envelope)}
}

func (a *recordingAgent) record(name string, env wire.Envelope) error {
	a.mu.Lock()
	a.byName[name] = append(a.byName[name], env)
	a.mu.Unlock()
	if a.panicOn == name {
		panic("boom")
	}
	if a.errOn == name {
		return assert.AnError
	}
	return nil
}

func (a *recordingAgent) calls(name string) []wire.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]wire.Envelope(nil), a.byName[name]...)
}

func (a *recordingAgent) HandleStartTask(_ context.Context, t *wire.Task) error {
	return a.record("start_task", t)
}
func (a *recordingAgent) HandleModifyTask(_ context.Context, env wire.Envelope) error {
	return a.record("modify_task", env)
}
func (a *recordingAgent) HandleChatMessage(_ context.Context, m *wire.Message) error {
	return a.record("chat", m)
}
func (a *recordingAgent) HandleCheckStatus(_ context.Context, env wire.Envelope) error {
	return a.record("check_status", env)
}
func (a *recordingAgent) HandleToolResponse(_ context.Context, res *wire.TaskResult) error {
	return a.record("tool_response", res)
}
func (a *recordingAgent) HandleSystemMessage(_ context.Context, m *wire.Message) error {
	return a.record("system", m)
}
func (a *recordingAgent) HandleOrchestrationMessage(_ context.Context, m *wire.Message) error {
	return a.record("orchestration", m)
}
func (a *recordingAgent) HandleUnknown(_ context.Context, env wire.Envelope) error {
	return a.record("unknown", env)
}

func startRuntime(t *testing.T, b bus.Bus, agent Agent, name string) *Runtime {
	t.Helper()
	rt, err := New(Config{
		Bus:               b,
		Agent:             agent,
		Name:              name,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTTL:      100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	return rt
}

func publishEnvelope(t *testing.T, b bus.Bus, topic string, env wire.Envelope) {
	t.Helper()
	data, err := wire.Encode(env)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), topic, data))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Agent: newRecordingAgent(), Name: "a"})
	assert.ErrorContains(t, err, "bus is required")

	_, err = New(Config{Bus: bus.NewMemory(), Name: "a"})
	assert.ErrorContains(t, err, "agent is required")

	_, err = New(Config{Bus: bus.NewMemory(), Agent: newRecordingAgent()})
	assert.ErrorContains(t, err, "name is required")
}

func TestLifecycleStates(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	rt, err := New(Config{Bus: b, Agent: newRecordingAgent(), Name: "proposer"})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, rt.State())

	require.NoError(t, rt.Start(context.Background()))
	assert.Equal(t, StateRunning, rt.State())

	// Double start is rejected.
	err = rt.Start(context.Background())
	assert.ErrorContains(t, err, "already running")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rt.Stop(ctx))
	assert.Equal(t, StateStopped, rt.State())

	// Stop is idempotent.
	require.NoError(t, rt.Stop(ctx))
}

func TestHeartbeatWritten(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	startRuntime(t, b, newRecordingAgent(), "critic")

	waitFor(t, func() bool {
		v, ok, err := b.Get(context.Background(), bus.HeartbeatKey("critic"))
		return err == nil && ok && v == bus.HeartbeatAlive
	})
}

func TestDispatchTable(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	agent := newRecordingAgent()
	startRuntime(t, b, agent, "proposer")
	channel := bus.AgentChannel("proposer")

	task := wire.NewTask("orchestrator", "plan the work", "proposer")
	task.Event = wire.EventPlan
	publishEnvelope(t, b, channel, task)

	update := wire.NewTaskResult(task.TaskID, "critic", "looks wrong", "proposer", wire.EventInfo, wire.OutcomeInProgress)
	publishEnvelope(t, b, channel, update)

	publishEnvelope(t, b, channel, wire.NewMessage(wire.IntentChat, "user", "hello", "proposer"))
	publishEnvelope(t, b, channel, wire.NewMessage(wire.IntentCheckStatus, "user", "", "proposer"))

	toolRes := wire.NewTaskResult(task.TaskID, "toolcore", `{"ok":true}`, "proposer", wire.EventToolComplete, wire.OutcomeSuccess)
	toolRes.Intent = wire.IntentToolResponse
	publishEnvelope(t, b, channel, toolRes)

	publishEnvelope(t, b, channel, wire.NewMessage(wire.IntentSystem, "coordinator", "ready", "proposer"))
	publishEnvelope(t, b, channel, wire.NewMessage(wire.IntentOrchestration, "orchestrator", "pause", "proposer"))
	publishEnvelope(t, b, channel, wire.NewMessage(wire.IntentHeartbeat, "someone", "", "proposer"))

	for _, name := range []string{"start_task", "modify_task", "chat", "check_status", "tool_response", "system", "orchestration", "unknown"} {
		waitFor(t, func() bool { return len(agent.calls(name)) == 1 })
	}

	got := agent.calls("start_task")[0].(*wire.Task)
	assert.Equal(t, task.TaskID, got.TaskID)
	assert.Equal(t, wire.EventPlan, got.Event)
}

func TestUndecodablePayloadDoesNotStopListener(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	agent := newRecordingAgent()
	startRuntime(t, b, agent, "proposer")
	channel := bus.AgentChannel("proposer")

	require.NoError(t, b.Publish(context.Background(), channel, []byte("not json")))
	publishEnvelope(t, b, channel, wire.NewMessage(wire.IntentChat, "user", "still alive?", "proposer"))

	waitFor(t, func() bool { return len(agent.calls("chat")) == 1 })
}

func TestHandlerErrorPublishesFailureResult(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	agent := newRecordingAgent()
	agent.errOn = "start_task"
	startRuntime(t, b, agent, "proposer")

	// The failure report lands on the orchestrator channel.
	sub, err := b.Subscribe(context.Background(), bus.AgentChannel("orchestrator"))
	require.NoError(t, err)
	defer sub.Close()

	task := wire.NewTask("orchestrator", "doomed", "proposer")
	publishEnvelope(t, b, bus.AgentChannel("proposer"), task)

	select {
	case data := <-sub.Messages():
		env, err := wire.Decode(data)
		require.NoError(t, err)
		res, ok := env.(*wire.TaskResult)
		require.True(t, ok)
		assert.Equal(t, task.TaskID, res.TaskID)
		assert.Equal(t, wire.EventFail, res.Event)
		assert.Equal(t, wire.OutcomeFailure, res.Outcome)
		assert.Equal(t, 0.0, res.Confidence)
		assert.Contains(t, res.Content, "Error: ")
	case <-time.After(2 * time.Second):
		t.Fatal("no failure result published")
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	agent := newRecordingAgent()
	agent.panicOn = "start_task"
	startRuntime(t, b, agent, "proposer")
	channel := bus.AgentChannel("proposer")

	publishEnvelope(t, b, channel, wire.NewTask("orchestrator", "kaboom", "proposer"))
	publishEnvelope(t, b, channel, wire.NewMessage(wire.IntentChat, "user", "survived?", "proposer"))

	waitFor(t, func() bool { return len(agent.calls("chat")) == 1 })
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	rt, err := New(Config{Bus: b, Agent: newRecordingAgent(), Name: "proposer"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitFor(t, func() bool { return rt.State() == StateRunning })
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Equal(t, StateStopped, rt.State())
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
}
