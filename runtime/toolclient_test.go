package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleylabs/parley/bus"
	"github.com/parleylabs/parley/wire"
)

func TestRequestPublishesAnnouncementAndRequest(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	p := NewPublisher(b, "proposer")
	c := NewToolClient(p)

	orch := subscribe(t, b, bus.AgentChannel("orchestrator"))
	requests := subscribe(t, b, bus.DefaultToolRequestChannel)

	executionID, err := c.Request(context.Background(), "t1", "web_search",
		map[string]any{"query": "go generics"}, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, executionID)
	assert.Len(t, c.Pending(), 1)

	// Announcement: awaiting_tool update to the orchestrator.
	update := collectOne(t, orch).(*wire.TaskResult)
	assert.Equal(t, wire.EventAwaitingTool, update.Event)
	assert.Equal(t, "Requesting execution of tool: web_search", update.Content)
	assert.Equal(t, "t1", update.TaskID)

	// The request itself travels on the tool request topic.
	req := collectOne(t, requests).(*wire.Task)
	assert.Equal(t, wire.IntentToolRequest, req.Intent)
	assert.Equal(t, "t1", req.TaskID)
	assert.Equal(t, "proposer", req.Agent)
	assert.Equal(t, executionID, req.ExecutionID())

	var body wire.ToolRequest
	require.NoError(t, json.Unmarshal([]byte(req.Content), &body))
	assert.Equal(t, "web_search", body.ToolName)
	assert.Equal(t, map[string]any{"query": "go generics"}, body.Parameters)
}

func TestResolveInvokesSuccessContinuation(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	c := NewToolClient(NewPublisher(b, "proposer"))

	var got *wire.TaskResult
	executionID, err := c.Request(context.Background(), "t1", "web_search", nil,
		func(_ context.Context, res *wire.TaskResult) { got = res }, nil)
	require.NoError(t, err)

	res := wire.NewTaskResult("t1", "toolcore", `{"status":"success"}`, "proposer", wire.EventToolComplete, wire.OutcomeSuccess)
	res.SetExecutionID(executionID)

	assert.True(t, c.Resolve(context.Background(), res))
	require.NotNil(t, got)
	assert.Equal(t, `{"status":"success"}`, got.Content)
	assert.Empty(t, c.Pending())

	// A second resolve finds nothing waiting.
	assert.False(t, c.Resolve(context.Background(), res))
}

func TestResolveInvokesFailureContinuation(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	c := NewToolClient(NewPublisher(b, "proposer"))

	var succeeded, failed bool
	executionID, err := c.Request(context.Background(), "t1", "web_scrape", nil,
		func(context.Context, *wire.TaskResult) { succeeded = true },
		func(context.Context, *wire.TaskResult) { failed = true })
	require.NoError(t, err)

	res := wire.NewTaskResult("t1", "toolcore", "Error: tool is not active", "proposer", wire.EventFail, wire.OutcomeFailure)
	res.SetExecutionID(executionID)

	assert.True(t, c.Resolve(context.Background(), res))
	assert.True(t, failed)
	assert.False(t, succeeded)
}

func TestResolveFallsBackToTaskID(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	c := NewToolClient(NewPublisher(b, "proposer"))

	var got *wire.TaskResult
	_, err := c.Request(context.Background(), "t1", "web_search", nil,
		func(_ context.Context, res *wire.TaskResult) { got = res }, nil)
	require.NoError(t, err)

	// No execution id on the result; the single pending call for the
	// task still matches.
	res := wire.NewTaskResult("t1", "toolcore", "ok", "proposer", wire.EventToolComplete, wire.OutcomeSuccess)
	assert.True(t, c.Resolve(context.Background(), res))
	assert.NotNil(t, got)
}

func TestResolveAmbiguousTaskIDDoesNotMatch(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	c := NewToolClient(NewPublisher(b, "proposer"))

	_, err := c.Request(context.Background(), "t1", "web_search", nil, nil, nil)
	require.NoError(t, err)
	_, err = c.Request(context.Background(), "t1", "web_scrape", nil, nil, nil)
	require.NoError(t, err)

	res := wire.NewTaskResult("t1", "toolcore", "ok", "proposer", wire.EventToolComplete, wire.OutcomeSuccess)
	assert.False(t, c.Resolve(context.Background(), res))
	assert.Len(t, c.Pending(), 2)
}

func TestCancelDropsPendingCall(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	c := NewToolClient(NewPublisher(b, "proposer"))

	executionID, err := c.Request(context.Background(), "t1", "web_search", nil, nil, nil)
	require.NoError(t, err)

	assert.True(t, c.Cancel(executionID))
	assert.False(t, c.Cancel(executionID))
	assert.Empty(t, c.Pending())
}

func TestPendingSnapshot(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	defer b.Close()
	c := NewToolClient(NewPublisher(b, "proposer"), WithToolRequestChannel("custom_requests"))

	requests := subscribe(t, b, "custom_requests")

	before := time.Now()
	executionID, err := c.Request(context.Background(), "t9", "file_rw", map[string]any{"mode": "read"}, nil, nil)
	require.NoError(t, err)
	collectOne(t, requests)

	pending := c.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, executionID, pending[0].ExecutionID)
	assert.Equal(t, "t9", pending[0].TaskID)
	assert.Equal(t, "file_rw", pending[0].Tool)
	assert.False(t, pending[0].StartedAt.Before(before))
}
