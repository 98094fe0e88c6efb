package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/parleylabs/parley/bus"
	"github.com/parleylabs/parley/wire"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// maxFrameBytes bounds inbound frames.
	maxFrameBytes = 64 << 10
)

type (
	// client is one attached websocket connection.
	client struct {
		id      string
		conn    *websocket.Conn
		send    chan *wire.WSEnvelope
		limiter *rate.Limiter
		gw      *Gateway

		// mu guards closed so nothing sends on a closed channel.
		mu     sync.Mutex
		closed bool
	}

	// inbound is the client-to-gateway frame shape.
	inbound struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload,omitempty"`
	}

	// frame is the gateway-to-client frame shape.
	frame struct {
		Type      string         `json:"type"`
		Payload   map[string]any `json:"payload,omitempty"`
		Timestamp wire.Time      `json:"timestamp"`
	}
)

// enqueue queues an envelope for delivery. It reports false when the
// client's buffer is full; the caller drops the client. Envelopes for
// an already-closed client are silently discarded.
func (c *client) enqueue(env *wire.WSEnvelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// close shuts the connection down exactly once.
func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	c.conn.Close()
}

// writeLoop drains the send queue onto the connection. A write error
// ends the loop; readLoop notices the dead connection and the client
// is dropped there.
func (c *client) writeLoop(ctx context.Context) {
	for env := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(frame{
			Type:      env.EventType,
			Payload:   env.Payload,
			Timestamp: env.Timestamp,
		}); err != nil {
			c.gw.log.Debug(ctx, "client write failed",
				"client_id", c.id, "err", err)
			break
		}
	}
	c.conn.Close()
}

// readLoop consumes client frames until the connection closes.
func (c *client) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.gw.log.Debug(ctx, "client read failed", "client_id", c.id, "err", err)
			}
			return
		}
		if !c.limiter.Allow() {
			c.gw.metrics.IncCounter("gateway_rate_limited", 1)
			c.enqueue(errorEnvelope("rate limit exceeded"))
			continue
		}
		c.dispatch(ctx, data)
	}
}

// dispatch routes one inbound frame.
func (c *client) dispatch(ctx context.Context, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		c.enqueue(errorEnvelope(fmt.Sprintf("invalid message: %v", err)))
		return
	}
	c.gw.metrics.IncCounter("gateway_inbound", 1, "type", in.Type)
	switch in.Type {
	case TypeChatMessage:
		c.forwardTask(ctx, in.Payload, wire.IntentChat)
	case TypeStartTask:
		c.forwardTask(ctx, in.Payload, wire.IntentStartTask)
	case TypeGetAgentStatus:
		c.agentStatus(ctx)
	default:
		c.enqueue(errorEnvelope(fmt.Sprintf("unknown message type %q", in.Type)))
	}
}

// forwardTask wraps a client utterance in a Task addressed to the
// orchestrator. Empty content is rejected without touching the bus.
func (c *client) forwardTask(ctx context.Context, payload map[string]any, intent wire.MessageIntent) {
	content := strings.TrimSpace(stringField(payload, "content"))
	if content == "" {
		c.enqueue(errorEnvelope("content is required"))
		return
	}
	t := wire.NewTask(c.id, content, c.gw.orchestrator)
	t.Intent = intent
	if taskID := stringField(payload, "task_id"); taskID != "" {
		t.TaskID = taskID
	}
	if err := c.gw.pub.ToAgent(ctx, c.gw.orchestrator, t); err != nil {
		c.gw.log.Error(ctx, "forward task failed", "client_id", c.id, "err", err)
		c.enqueue(errorEnvelope("could not reach the orchestrator"))
		return
	}
	c.gw.metrics.IncCounter("gateway_tasks_forwarded", 1, "intent", string(intent))
}

// agentStatus answers a liveness probe from the heartbeat keys.
func (c *client) agentStatus(ctx context.Context) {
	status := make(map[string]any, len(c.gw.required))
	for _, agent := range c.gw.required {
		v, ok, err := c.gw.bus.Get(ctx, bus.HeartbeatKey(agent))
		if err == nil && ok && v == bus.HeartbeatAlive {
			status[agent] = "alive"
		} else {
			status[agent] = "offline"
		}
	}
	c.enqueue(wire.NewWSEnvelope("agent_status", status))
}

func errorEnvelope(msg string) *wire.WSEnvelope {
	return wire.NewWSEnvelope("error", map[string]any{"error": msg})
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
