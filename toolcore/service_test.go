package toolcore

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleylabs/parley/bus"
	"github.com/parleylabs/parley/wire"
)

func newTestService(t *testing.T, b bus.Bus, mutate func(*Config)) *Service {
	t.Helper()
	reg, err := OpenRegistry(filepath.Join(t.TempDir(), "tools.yaml"))
	require.NoError(t, err)
	cfg := Config{
		Bus:          b,
		Registry:     reg,
		FilesRoot:    t.TempDir(),
		PollInterval: time.Hour, // tests drive polling explicitly
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(cfg)
	require.NoError(t, err)
	return svc
}

func subscribeTopic(t *testing.T, b bus.Bus, topic string) bus.Subscription {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return sub
}

func collectEnvelope(t *testing.T, sub bus.Subscription) wire.Envelope {
	t.Helper()
	select {
	case data := <-sub.Messages():
		env, err := wire.Decode(data)
		require.NoError(t, err)
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
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

func waitUntil(t *testing.T, cond func() bool) {
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

func requireInterpreter(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestNewValidatesServiceConfig(t *testing.T) {
	t.Parallel()

	reg, err := OpenRegistry(filepath.Join(t.TempDir(), "tools.yaml"))
	require.NoError(t, err)

	_, err = New(Config{Registry: reg})
	assert.ErrorContains(t, err, "bus is required")
	_, err = New(Config{Bus: bus.NewMemory()})
	assert.ErrorContains(t, err, "registry is required")
}

func TestExecuteLocalToolPublishesResult(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	svc := newTestService(t, b, nil)

	agent := subscribeTopic(t, b, bus.AgentChannel("proposer"))
	frontend := subscribeTopic(t, b, bus.DefaultFrontendChannel)

	resp := svc.Execute(context.Background(), &Request{
		ToolName:        ToolWebSearch,
		Parameters:      map[string]any{"query": "go"},
		RequestingAgent: "proposer",
		TaskID:          "t1",
	})
	require.Equal(t, StatusAcknowledged, resp.Status)
	require.NotEmpty(t, resp.ExecutionID)

	for _, sub := range []bus.Subscription{agent, frontend} {
		res, ok := collectEnvelope(t, sub).(*wire.TaskResult)
		require.True(t, ok)
		assert.Equal(t, "t1", res.TaskID)
		assert.Equal(t, DefaultName, res.Agent)
		assert.Equal(t, "proposer", res.TargetAgent)
		assert.Equal(t, wire.IntentToolResponse, res.Intent)
		assert.Equal(t, wire.EventToolComplete, res.Event)
		assert.Equal(t, wire.OutcomeSuccess, res.Outcome)
		assert.Equal(t, resp.ExecutionID, res.ExecutionID())

		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(res.Content), &payload))
		assert.Equal(t, "success", payload["status"])
		assert.Equal(t, "go", payload["query"])
	}
}

func TestExecuteDryRunShortCircuits(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	svc := newTestService(t, b, nil)
	frontend := subscribeTopic(t, b, bus.DefaultFrontendChannel)

	resp := svc.Execute(context.Background(), &Request{
		ToolName:   ToolWebSearch,
		Parameters: map[string]any{"query": "go"},
		DryRun:     true,
	})
	require.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, "valid", resp.Result["dry_run_status"])
	assert.Equal(t, "Dry run successful: Parameters are valid.", resp.Result["message"])

	// Dry runs never touch the bus.
	assertSilent(t, frontend)
}

func TestExecuteUnknownTool(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	svc := newTestService(t, b, nil)

	resp := svc.Execute(context.Background(), &Request{ToolName: "ghost"})
	assert.Equal(t, StatusNotFound, resp.Status)
	assert.Contains(t, resp.Error, "not registered")

	resp = svc.Execute(context.Background(), &Request{})
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "tool_name is required")
}

func TestExecuteInactiveTool(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	svc := newTestService(t, b, nil)
	require.NoError(t, svc.registry.Create(Definition{
		Name: ToolWebSearch, Type: TypeLocal, Active: false,
	}))

	resp := svc.Execute(context.Background(), &Request{
		ToolName:   ToolWebSearch,
		Parameters: map[string]any{"query": "go"},
	})
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, "tool is not active", resp.Error)
}

func TestExecuteValidationError(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	svc := newTestService(t, b, nil)
	frontend := subscribeTopic(t, b, bus.DefaultFrontendChannel)

	resp := svc.Execute(context.Background(), &Request{
		ToolName:   ToolWebSearch,
		Parameters: map[string]any{"max_results": 2},
	})
	require.Equal(t, StatusValidationError, resp.Status)
	assert.Equal(t, "parameters do not satisfy the tool schema", resp.Error)
	assert.NotEmpty(t, resp.ValidationErrors)

	// Rejected invocations never execute.
	assertSilent(t, frontend)
}

func TestExecuteToolFailurePublishes(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	svc := newTestService(t, b, nil)
	frontend := subscribeTopic(t, b, bus.DefaultFrontendChannel)

	resp := svc.Execute(context.Background(), &Request{
		ToolName:   ToolFileRW,
		Parameters: map[string]any{"mode": "read", "path": "missing.txt"},
	})
	require.Equal(t, StatusAcknowledged, resp.Status)

	res, ok := collectEnvelope(t, frontend).(*wire.TaskResult)
	require.True(t, ok)
	assert.Equal(t, wire.EventFail, res.Event)
	assert.Equal(t, wire.OutcomeFailure, res.Outcome)
	assert.Equal(t, float64(0), res.Confidence)
	assert.Contains(t, res.Content, "Tool file_rw failed:")
	assert.Contains(t, res.Content, "missing.txt")
}

func TestExecuteScriptTool(t *testing.T) {
	t.Parallel()
	requireInterpreter(t, "bash")

	b := bus.NewMemory()
	defer b.Close()
	svc := newTestService(t, b, nil)

	script := filepath.Join(t.TempDir(), "echo.sh")
	require.NoError(t, os.WriteFile(script, []byte("input=$(cat)\necho \"{\\\"status\\\":\\\"success\\\",\\\"received\\\":$input}\"\n"), 0o755))
	require.NoError(t, svc.registry.Create(Definition{
		Name: "echo_tool", Type: TypeScript, Path: script, Active: true,
	}))

	frontend := subscribeTopic(t, b, bus.DefaultFrontendChannel)
	resp := svc.Execute(context.Background(), &Request{
		ToolName:   "echo_tool",
		Parameters: map[string]any{"n": 1},
	})
	require.Equal(t, StatusAcknowledged, resp.Status)

	res, ok := collectEnvelope(t, frontend).(*wire.TaskResult)
	require.True(t, ok)
	assert.Equal(t, wire.OutcomeSuccess, res.Outcome)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content), &payload))
	assert.Equal(t, "success", payload["status"])
	assert.Equal(t, map[string]any{"n": float64(1)}, payload["received"])
}

func TestExecuteScriptToolFailure(t *testing.T) {
	t.Parallel()
	requireInterpreter(t, "bash")

	b := bus.NewMemory()
	defer b.Close()
	svc := newTestService(t, b, nil)

	script := filepath.Join(t.TempDir(), "boom.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo \"kaboom\" >&2\nexit 3\n"), 0o755))
	require.NoError(t, svc.registry.Create(Definition{
		Name: "boom_tool", Type: TypeScript, Path: script, Active: true,
	}))

	frontend := subscribeTopic(t, b, bus.DefaultFrontendChannel)
	resp := svc.Execute(context.Background(), &Request{ToolName: "boom_tool"})
	require.Equal(t, StatusAcknowledged, resp.Status)

	res, ok := collectEnvelope(t, frontend).(*wire.TaskResult)
	require.True(t, ok)
	assert.Equal(t, wire.OutcomeFailure, res.Outcome)
	assert.Contains(t, res.Content, "Tool boom_tool failed:")
	assert.Contains(t, res.Content, "kaboom")
}

func TestServeTaskAcknowledgesAndPublishes(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	svc := newTestService(t, b, nil)

	agent := subscribeTopic(t, b, bus.AgentChannel("critic"))
	frontend := subscribeTopic(t, b, bus.DefaultFrontendChannel)

	content, err := json.Marshal(map[string]any{
		"tool_name":  ToolWebSearch,
		"parameters": map[string]any{"query": "go"},
	})
	require.NoError(t, err)
	task := wire.NewTask("critic", string(content), DefaultName)
	task.Intent = wire.IntentToolRequest
	require.NoError(t, svc.ServeTask(context.Background(), task))

	// The requester sees the acknowledgement and the result, in either
	// order: the execution runs concurrently with the ack publish.
	var ack *wire.Message
	var result *wire.TaskResult
	for i := 0; i < 2; i++ {
		switch env := collectEnvelope(t, agent).(type) {
		case *wire.Message:
			ack = env
		case *wire.TaskResult:
			result = env
		default:
			t.Fatalf("unexpected envelope %T", env)
		}
	}
	require.NotNil(t, ack)
	require.NotNil(t, result)

	assert.Equal(t, wire.IntentSystem, ack.Intent)
	assert.Equal(t, task.TaskID, ack.TaskID)
	var accepted Response
	require.NoError(t, json.Unmarshal([]byte(ack.Content), &accepted))
	assert.Equal(t, StatusAcknowledged, accepted.Status)
	require.NotEmpty(t, accepted.ExecutionID)

	assert.Equal(t, wire.IntentToolResponse, result.Intent)
	assert.Equal(t, wire.OutcomeSuccess, result.Outcome)
	assert.Equal(t, accepted.ExecutionID, result.ExecutionID())
	assert.Equal(t, task.TaskID, result.TaskID)

	// The frontend mirror carries the result only, not the ack.
	res, ok := collectEnvelope(t, frontend).(*wire.TaskResult)
	require.True(t, ok)
	assert.Equal(t, task.TaskID, res.TaskID)
	assertSilent(t, frontend)
}

func TestServeTaskInvalidRequest(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	svc := newTestService(t, b, nil)
	agent := subscribeTopic(t, b, bus.AgentChannel("critic"))

	task := wire.NewTask("critic", "not json", DefaultName)
	task.Intent = wire.IntentToolRequest
	require.NoError(t, svc.ServeTask(context.Background(), task))

	res, ok := collectEnvelope(t, agent).(*wire.TaskResult)
	require.True(t, ok)
	assert.Equal(t, wire.OutcomeFailure, res.Outcome)
	assert.Contains(t, res.Content, "invalid tool request")
}

func TestServeTaskValidationFailure(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	svc := newTestService(t, b, nil)
	agent := subscribeTopic(t, b, bus.AgentChannel("critic"))

	content, err := json.Marshal(map[string]any{
		"tool_name":  ToolWebSearch,
		"parameters": map[string]any{"max_results": 0},
	})
	require.NoError(t, err)
	task := wire.NewTask("critic", string(content), DefaultName)
	task.Intent = wire.IntentToolRequest
	require.NoError(t, svc.ServeTask(context.Background(), task))

	res, ok := collectEnvelope(t, agent).(*wire.TaskResult)
	require.True(t, ok)
	assert.Equal(t, wire.OutcomeFailure, res.Outcome)
	assert.Contains(t, res.Content, "parameters do not satisfy the tool schema")
}

func TestServeTaskDryRunResolvesImmediately(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	svc := newTestService(t, b, nil)
	agent := subscribeTopic(t, b, bus.AgentChannel("critic"))

	content, err := json.Marshal(map[string]any{
		"tool_name":  ToolWebSearch,
		"parameters": map[string]any{"query": "go"},
		"dry_run":    true,
	})
	require.NoError(t, err)
	task := wire.NewTask("critic", string(content), DefaultName)
	task.Intent = wire.IntentToolRequest
	require.NoError(t, svc.ServeTask(context.Background(), task))

	// No acknowledgement: the dry run resolves in one result.
	res, ok := collectEnvelope(t, agent).(*wire.TaskResult)
	require.True(t, ok)
	assert.Equal(t, wire.OutcomeSuccess, res.Outcome)
	assert.Contains(t, res.Content, "dry_run_status")
	assertSilent(t, agent)
}

func TestHandleUnknownRoutesToolRequests(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	svc := newTestService(t, b, nil)
	agent := subscribeTopic(t, b, bus.AgentChannel("critic"))

	content, err := json.Marshal(map[string]any{
		"tool_name":  ToolWebSearch,
		"parameters": map[string]any{"query": "go"},
		"dry_run":    true,
	})
	require.NoError(t, err)
	task := wire.NewTask("critic", string(content), DefaultName)
	task.Intent = wire.IntentToolRequest
	require.NoError(t, svc.HandleUnknown(context.Background(), task))

	res, ok := collectEnvelope(t, agent).(*wire.TaskResult)
	require.True(t, ok)
	assert.Equal(t, wire.OutcomeSuccess, res.Outcome)

	// Anything else is logged and dropped.
	require.NoError(t, svc.HandleUnknown(context.Background(), wire.NewMessage(wire.IntentChat, "x", "hi", "")))
}

func TestExecuteUploadRunsScript(t *testing.T) {
	t.Parallel()
	requireInterpreter(t, "bash")

	b := bus.NewMemory()
	defer b.Close()
	svc := newTestService(t, b, nil)
	frontend := subscribeTopic(t, b, bus.DefaultFrontendChannel)

	script := []byte("cat > /dev/null\necho '{\"status\":\"success\",\"ran\":true}'\n")
	resp := svc.ExecuteUpload(context.Background(), "probe.sh", script, &Request{RequestingAgent: "proposer"})
	require.Equal(t, StatusAcknowledged, resp.Status)
	require.NotEmpty(t, resp.ExecutionID)

	res, ok := collectEnvelope(t, frontend).(*wire.TaskResult)
	require.True(t, ok)
	assert.Equal(t, wire.OutcomeSuccess, res.Outcome)
	assert.Contains(t, res.Content, `"ran":true`)
}

func TestExecuteUploadEdgeCases(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	svc := newTestService(t, b, nil)

	resp := svc.ExecuteUpload(context.Background(), "x.sh", nil, &Request{})
	assert.Equal(t, StatusFailed, resp.Status)

	resp = svc.ExecuteUpload(context.Background(), "x.sh", []byte("echo hi"), &Request{DryRun: true})
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, "valid", resp.Result["dry_run_status"])
}

func TestRunServesBusRequests(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	svc := newTestService(t, b, func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.HeartbeatTTL = 100 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	waitUntil(t, func() bool {
		v, ok, err := b.Get(context.Background(), bus.HeartbeatKey(DefaultName))
		return err == nil && ok && v == bus.HeartbeatAlive
	})

	agent := subscribeTopic(t, b, bus.AgentChannel("proposer"))

	content, err := json.Marshal(map[string]any{
		"tool_name":  ToolWebSearch,
		"parameters": map[string]any{"query": "go"},
	})
	require.NoError(t, err)
	task := wire.NewTask("proposer", string(content), DefaultName)
	task.Intent = wire.IntentToolRequest
	data, err := wire.Encode(task)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), bus.DefaultToolRequestChannel, data))

	var sawResult bool
	for i := 0; i < 2 && !sawResult; i++ {
		if res, ok := collectEnvelope(t, agent).(*wire.TaskResult); ok {
			assert.Equal(t, wire.OutcomeSuccess, res.Outcome)
			sawResult = true
		}
	}
	assert.True(t, sawResult)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
