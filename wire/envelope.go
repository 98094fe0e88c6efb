// Package wire defines the canonical envelope exchanged over the bus: the
// Message/Task/TaskResult variants, the websocket and streaming wrappers, the
// enum vocabulary, and the codec that turns bytes into exactly one variant.
//
// Envelopes are discriminated by a "type" tag; the decode policy additionally
// enforces the intent contract (a start_task always parses as a Task, a
// modify_task as a TaskResult or Task, chat/system/orchestration as plain
// Messages). Serialization is canonical: null fields are omitted, timestamps
// carry second precision, confidence is clamped to [0,1].
package wire

import (
	"time"

	"github.com/google/uuid"
)

// Kind tags an envelope variant on the wire.
type Kind string

const (
	KindMessage      Kind = "message"
	KindTask         Kind = "task"
	KindTaskResult   Kind = "task_result"
	KindWSEnvelope   Kind = "ws_envelope"
	KindStreamUpdate Kind = "stream_update"
)

// DefaultConfidence is assigned to tasks that do not state their own.
const DefaultConfidence = 0.9

type (
	// Envelope is implemented by every wire variant. Decode returns one of
	// *Message, *Task, *TaskResult, *WSEnvelope or *StreamUpdate; consumers
	// switch on the concrete type or on Kind.
	Envelope interface {
		Kind() Kind
		// Sender returns the originating agent identity, empty for
		// envelopes that do not carry one.
		Sender() string
	}

	// Message is the base envelope: plain agent-to-agent communication with
	// no task lifecycle attached.
	Message struct {
		Type        Kind          `json:"type"`
		Timestamp   Time          `json:"timestamp"`
		TaskID      string        `json:"task_id,omitempty"`
		Agent       string        `json:"agent,omitempty"`
		Content     string        `json:"content,omitempty"`
		Intent      MessageIntent `json:"intent,omitempty"`
		TargetAgent string        `json:"target_agent,omitempty"`
	}

	// Task extends Message with lifecycle fields. The event names the step
	// the recipient should perform; effort and strategy are assigned at
	// creation and travel with the task.
	Task struct {
		Message
		Event             TaskEvent         `json:"event,omitempty"`
		Confidence        float64           `json:"confidence"`
		ReasoningEffort   ReasoningEffort   `json:"reasoning_effort,omitempty"`
		ReasoningStrategy ReasoningStrategy `json:"reasoning_strategy,omitempty"`
		Metadata          map[string]any    `json:"metadata,omitempty"`
	}

	// TaskResult extends Task with a disposition. Results never carry start
	// events; NewTaskResult and Normalize coerce those to info.
	TaskResult struct {
		Task
		Outcome            TaskOutcome `json:"outcome"`
		ContributingAgents []string    `json:"contributing_agents,omitempty"`
	}

	// WSEnvelope is the frame relayed between the gateway and websocket
	// clients, and published on the frontend channel by services that talk
	// to the frontend directly (coordinator status updates, for example).
	// EventType is the frontend-facing classification (chat_message,
	// task_update, system_status_update, ...) and is what the gateway
	// writes as "type" on the websocket frame.
	WSEnvelope struct {
		Type      Kind           `json:"type"`
		EventType string         `json:"event_type"`
		Payload   map[string]any `json:"payload,omitempty"`
		ClientID  string         `json:"client_id,omitempty"`
		Timestamp Time           `json:"timestamp"`
	}

	// StreamUpdate carries one incremental generation delta from an agent.
	// Consumers distinguish partial from final content via Done.
	StreamUpdate struct {
		Type      Kind   `json:"type"`
		Agent     string `json:"agent,omitempty"`
		TaskID    string `json:"task_id,omitempty"`
		Delta     string `json:"delta"`
		Seq       int64  `json:"seq"`
		Done      bool   `json:"done,omitempty"`
		Timestamp Time   `json:"timestamp"`
	}
)

func (*Message) Kind() Kind      { return KindMessage }
func (*Task) Kind() Kind         { return KindTask }
func (*TaskResult) Kind() Kind   { return KindTaskResult }
func (*WSEnvelope) Kind() Kind   { return KindWSEnvelope }
func (*StreamUpdate) Kind() Kind { return KindStreamUpdate }

func (m *Message) Sender() string      { return m.Agent }
func (t *Task) Sender() string         { return t.Agent }
func (r *TaskResult) Sender() string   { return r.Agent }
func (w *WSEnvelope) Sender() string   { return w.ClientID }
func (s *StreamUpdate) Sender() string { return s.Agent }

// NewMessage builds a plain message envelope with the current timestamp.
func NewMessage(intent MessageIntent, agent, content, target string) *Message {
	return &Message{
		Type:        KindMessage,
		Timestamp:   Now(),
		Agent:       agent,
		Content:     content,
		Intent:      intent,
		TargetAgent: target,
	}
}

// NewTask builds a task envelope with intent start_task, a fresh task id and
// the default confidence. Callers adjust event, effort and metadata before
// publishing; Encode normalizes whatever they set.
func NewTask(agent, content, target string) *Task {
	return &Task{
		Message: Message{
			Type:        KindTask,
			Timestamp:   Now(),
			TaskID:      NewTaskID(),
			Agent:       agent,
			Content:     content,
			Intent:      IntentStartTask,
			TargetAgent: target,
		},
		Confidence: DefaultConfidence,
	}
}

// NewTaskResult builds a result for an existing task. The intent is always
// modify_task and start events are coerced to info: a result reports work, it
// never opens it.
func NewTaskResult(taskID, agent, content, target string, event TaskEvent, outcome TaskOutcome) *TaskResult {
	if event.StartEvent() {
		event = EventInfo
	}
	return &TaskResult{
		Task: Task{
			Message: Message{
				Type:        KindTaskResult,
				Timestamp:   Now(),
				TaskID:      taskID,
				Agent:       agent,
				Content:     content,
				Intent:      IntentModifyTask,
				TargetAgent: target,
			},
			Event:      event,
			Confidence: DefaultConfidence,
		},
		Outcome: outcome,
	}
}

// NewTaskID returns a fresh opaque task correlation id.
func NewTaskID() string { return uuid.NewString() }

// SetEffort assigns the effort level and the strategy derived from it.
func (t *Task) SetEffort(e ReasoningEffort) {
	t.ReasoningEffort = e
	t.ReasoningStrategy = StrategyFor(e)
}

// Normalize enforces the canonical form: tag, timestamp, clamped confidence
// and a strategy consistent with the effort. Encode calls it on every task.
func (t *Task) Normalize() {
	if t.Type != KindTaskResult {
		t.Type = KindTask
	}
	t.normalizeCommon()
}

// Normalize enforces the canonical form for results, additionally coercing
// start events to info and defaulting the intent to modify_task.
func (r *TaskResult) Normalize() {
	r.Type = KindTaskResult
	if r.Intent == "" || r.Intent == IntentStartTask {
		r.Intent = IntentModifyTask
	}
	if r.Event.StartEvent() {
		r.Event = EventInfo
	}
	r.normalizeCommon()
}

func (t *Task) normalizeCommon() {
	if t.Timestamp.IsZero() {
		t.Timestamp = Now()
	}
	t.Confidence = clamp01(t.Confidence)
	if t.ReasoningEffort != "" {
		t.ReasoningStrategy = StrategyFor(t.ReasoningEffort)
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// NewWSEnvelope wraps a frontend-facing payload.
func NewWSEnvelope(eventType string, payload map[string]any) *WSEnvelope {
	return &WSEnvelope{
		Type:      KindWSEnvelope,
		EventType: eventType,
		Payload:   payload,
		Timestamp: Now(),
	}
}

// NewStreamUpdate wraps one generation delta.
func NewStreamUpdate(agent, taskID, delta string, seq int64, done bool) *StreamUpdate {
	return &StreamUpdate{
		Type:      KindStreamUpdate,
		Agent:     agent,
		TaskID:    taskID,
		Delta:     delta,
		Seq:       seq,
		Done:      done,
		Timestamp: Now(),
	}
}

// Time is the wire timestamp: UTC, ISO-8601 with second precision.
type Time struct {
	time.Time
}

// Now returns the current wire timestamp, already truncated.
func Now() Time {
	return Time{time.Now().UTC().Truncate(time.Second)}
}

// At converts a time.Time into canonical wire form.
func At(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Second)}
}

// MarshalJSON renders the timestamp as RFC 3339 with second precision.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + t.UTC().Truncate(time.Second).Format(time.RFC3339) + `"`), nil
}

// UnmarshalJSON accepts RFC 3339 timestamps with or without fractional
// seconds; fractions are dropped.
func (t *Time) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == `""` || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(`"`+time.RFC3339+`"`, s)
	if err != nil {
		parsed, err = time.Parse(`"`+time.RFC3339Nano+`"`, s)
		if err != nil {
			return err
		}
	}
	t.Time = parsed.UTC().Truncate(time.Second)
	return nil
}
