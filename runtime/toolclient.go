package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleylabs/parley/bus"
	"github.com/parleylabs/parley/telemetry"
	"github.com/parleylabs/parley/wire"
)

type (
	// ToolResultFunc consumes a tool outcome and continues the task
	// logic that was suspended on the call.
	ToolResultFunc func(ctx context.Context, res *wire.TaskResult)

	// PendingCall is one in-flight tool execution awaited by an agent.
	PendingCall struct {
		ExecutionID string
		TaskID      string
		Tool        string
		StartedAt   time.Time

		onSuccess ToolResultFunc
		onFailure ToolResultFunc
	}

	// ToolClient submits tool requests over the bus and matches results
	// back to the suspended call. One client serves one agent identity.
	ToolClient struct {
		pub     *Publisher
		channel string
		log     telemetry.Logger

		mu      sync.Mutex
		pending map[string]*PendingCall
	}

	// ToolClientOption configures a ToolClient.
	ToolClientOption func(*ToolClient)
)

// WithToolRequestChannel overrides the topic tool requests travel on.
func WithToolRequestChannel(ch string) ToolClientOption {
	return func(c *ToolClient) {
		if ch != "" {
			c.channel = ch
		}
	}
}

// WithToolClientLogger sets the client logger.
func WithToolClientLogger(l telemetry.Logger) ToolClientOption {
	return func(c *ToolClient) {
		if l != nil {
			c.log = l
		}
	}
}

// NewToolClient builds a tool client publishing through p.
func NewToolClient(p *Publisher, opts ...ToolClientOption) *ToolClient {
	c := &ToolClient{
		pub:     p,
		channel: bus.DefaultToolRequestChannel,
		log:     telemetry.NewNoopLogger(),
		pending: make(map[string]*PendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request submits a tool execution. It announces the wait to the
// orchestrator and frontend, records the pending call, then publishes
// the tool_request envelope. The returned execution id correlates the
// eventual result.
func (c *ToolClient) Request(ctx context.Context, taskID, tool string, params map[string]any, onSuccess, onFailure ToolResultFunc) (string, error) {
	executionID := uuid.NewString()

	if err := c.pub.Update(ctx, taskID, wire.EventAwaitingTool,
		fmt.Sprintf("Requesting execution of tool: %s", tool), c.pub.Orchestrator()); err != nil {
		return "", fmt.Errorf("announce tool request: %w", err)
	}

	content, err := json.Marshal(wire.ToolRequest{ToolName: tool, Parameters: params})
	if err != nil {
		return "", fmt.Errorf("marshal tool request: %w", err)
	}
	req := wire.NewTask(c.pub.Agent(), string(content), "")
	req.TaskID = taskID
	req.Intent = wire.IntentToolRequest
	req.SetExecutionID(executionID)

	c.mu.Lock()
	c.pending[executionID] = &PendingCall{
		ExecutionID: executionID,
		TaskID:      taskID,
		Tool:        tool,
		StartedAt:   time.Now(),
		onSuccess:   onSuccess,
		onFailure:   onFailure,
	}
	c.mu.Unlock()

	if err := c.pub.ToTopic(ctx, c.channel, req); err != nil {
		c.Cancel(executionID)
		return "", fmt.Errorf("submit tool request: %w", err)
	}
	c.log.Info(ctx, "tool requested", "agent", c.pub.Agent(), "tool", tool, "task_id", taskID, "execution_id", executionID)
	return executionID, nil
}

// Resolve matches a tool result to its pending call and invokes the
// success or failure continuation. It reports whether a call was
// waiting; unmatched results are the caller's to handle.
//
// Matching prefers the execution id from the result metadata and falls
// back to the task id when it maps to exactly one pending call.
func (c *ToolClient) Resolve(ctx context.Context, res *wire.TaskResult) bool {
	id := res.ExecutionID()

	c.mu.Lock()
	var match *PendingCall
	if id != "" {
		match = c.pending[id]
	} else if res.TaskID != "" {
		var n int
		for _, p := range c.pending {
			if p.TaskID == res.TaskID {
				match = p
				n++
			}
		}
		if n != 1 {
			match = nil
		}
	}
	if match == nil {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, match.ExecutionID)
	c.mu.Unlock()

	failed := res.Event == wire.EventFail || res.Outcome == wire.OutcomeFailure
	c.log.Info(ctx, "tool resolved", "agent", c.pub.Agent(), "tool", match.Tool, "execution_id", match.ExecutionID, "failed", failed)
	if failed {
		if match.onFailure != nil {
			match.onFailure(ctx, res)
		}
		return true
	}
	if match.onSuccess != nil {
		match.onSuccess(ctx, res)
	}
	return true
}

// Cancel drops a pending call without invoking its continuations.
func (c *ToolClient) Cancel(executionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[executionID]; !ok {
		return false
	}
	delete(c.pending, executionID)
	return true
}

// Pending snapshots the in-flight calls in no particular order.
func (c *ToolClient) Pending() []PendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingCall, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, *p)
	}
	return out
}
