package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Decode failure reasons. Match with errors.Is.
var (
	ErrMalformed      = errors.New("malformed envelope")
	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrUnknownEnum    = errors.New("unknown enum")
)

// DecodeError describes why an inbound payload was rejected. It wraps one of
// the reason sentinels so callers can branch with errors.Is.
type DecodeError struct {
	Reason error
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope: %v: %s", e.Reason, e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Reason }

func malformed(detail string) error {
	return &DecodeError{Reason: ErrMalformed, Detail: detail}
}

func mismatch(detail string) error {
	return &DecodeError{Reason: ErrSchemaMismatch, Detail: detail}
}

// Encode normalizes the envelope and renders its canonical JSON form.
func Encode(env Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("encode: nil envelope")
	}
	switch e := env.(type) {
	case *Message:
		e.Type = KindMessage
		if e.Timestamp.IsZero() {
			e.Timestamp = Now()
		}
	case *Task:
		e.Type = KindTask
		e.Normalize()
	case *TaskResult:
		e.Normalize()
	case *WSEnvelope:
		e.Type = KindWSEnvelope
		if e.Timestamp.IsZero() {
			e.Timestamp = Now()
		}
	case *StreamUpdate:
		e.Type = KindStreamUpdate
		if e.Timestamp.IsZero() {
			e.Timestamp = Now()
		}
	default:
		return nil, fmt.Errorf("encode: unsupported envelope %T", env)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Classify returns the variant tag of a decoded envelope.
func Classify(env Envelope) Kind {
	if env == nil {
		return ""
	}
	return env.Kind()
}

// rawEnvelope is the union of every variant's fields. Decode unmarshals into
// it once, resolves the variant, then builds the concrete type.
type rawEnvelope struct {
	Type               string            `json:"type"`
	Timestamp          Time              `json:"timestamp"`
	TaskID             string            `json:"task_id"`
	Agent              string            `json:"agent"`
	Content            string            `json:"content"`
	Intent             MessageIntent     `json:"intent"`
	TargetAgent        string            `json:"target_agent"`
	Event              TaskEvent         `json:"event"`
	Confidence         *float64          `json:"confidence"`
	ReasoningEffort    ReasoningEffort   `json:"reasoning_effort"`
	ReasoningStrategy  ReasoningStrategy `json:"reasoning_strategy"`
	Metadata           map[string]any    `json:"metadata"`
	Outcome            *TaskOutcome      `json:"outcome"`
	ContributingAgents []string          `json:"contributing_agents"`
	EventType          string            `json:"event_type"`
	Payload            map[string]any    `json:"payload"`
	ClientID           string            `json:"client_id"`
	Delta              *string           `json:"delta"`
	Seq                int64             `json:"seq"`
	Done               bool              `json:"done"`
}

// Decode parses one bus payload into exactly one envelope variant.
//
// The variant comes from the "type" tag when present; the intent contract is
// enforced either way: start_task must be a Task with a target, modify_task a
// TaskResult (or a Task when no outcome is carried), chat/system/orchestration
// a plain Message. Inconsistent combinations fail with ErrSchemaMismatch,
// out-of-vocabulary enum values with ErrUnknownEnum, unparseable bytes with
// ErrMalformed.
func Decode(data []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		var unknown *UnknownEnumError
		if errors.As(err, &unknown) {
			return nil, &DecodeError{Reason: ErrUnknownEnum, Detail: unknown.Error()}
		}
		return nil, malformed(err.Error())
	}
	kind, err := raw.resolveKind()
	if err != nil {
		return nil, err
	}
	return raw.build(kind)
}

func (r *rawEnvelope) resolveKind() (Kind, error) {
	tag := Kind(r.Type)
	switch tag {
	case "", KindMessage, KindTask, KindTaskResult, KindWSEnvelope, KindStreamUpdate:
	default:
		return "", mismatch(fmt.Sprintf("unknown envelope type %q", r.Type))
	}

	switch r.Intent {
	case IntentStartTask:
		if tag != "" && tag != KindTask {
			return "", mismatch(fmt.Sprintf("intent start_task cannot be a %s", tag))
		}
		if r.TargetAgent == "" {
			return "", mismatch("start_task requires target_agent")
		}
		return KindTask, nil
	case IntentModifyTask:
		switch tag {
		case KindTaskResult:
			if r.Outcome == nil {
				return "", mismatch("task_result requires outcome")
			}
			return KindTaskResult, nil
		case KindTask:
			return KindTask, nil
		case "":
			// Try TaskResult first, fall back to Task.
			if r.Outcome != nil {
				return KindTaskResult, nil
			}
			return KindTask, nil
		default:
			return "", mismatch(fmt.Sprintf("intent modify_task cannot be a %s", tag))
		}
	case IntentChat, IntentSystem, IntentOrchestration:
		if tag != "" && tag != KindMessage {
			return "", mismatch(fmt.Sprintf("intent %s cannot be a %s", r.Intent, tag))
		}
		return KindMessage, nil
	}

	if tag != "" {
		if tag == KindTaskResult && r.Outcome == nil {
			return "", mismatch("task_result requires outcome")
		}
		return tag, nil
	}

	// No tag, no governing intent: infer from the fields present.
	switch {
	case r.Delta != nil:
		return KindStreamUpdate, nil
	case r.Payload != nil || r.EventType != "":
		return KindWSEnvelope, nil
	case r.Outcome != nil:
		return KindTaskResult, nil
	case r.Event != "" || r.Confidence != nil || r.ReasoningEffort != "":
		return KindTask, nil
	default:
		return KindMessage, nil
	}
}

func (r *rawEnvelope) build(kind Kind) (Envelope, error) {
	switch kind {
	case KindMessage:
		return &Message{
			Type:        KindMessage,
			Timestamp:   r.Timestamp,
			TaskID:      r.TaskID,
			Agent:       r.Agent,
			Content:     r.Content,
			Intent:      r.Intent,
			TargetAgent: r.TargetAgent,
		}, nil
	case KindTask:
		t := &Task{
			Message: Message{
				Type:        KindTask,
				Timestamp:   r.Timestamp,
				TaskID:      r.TaskID,
				Agent:       r.Agent,
				Content:     r.Content,
				Intent:      r.Intent,
				TargetAgent: r.TargetAgent,
			},
			Event:           r.Event,
			Confidence:      confidenceOrDefault(r.Confidence),
			ReasoningEffort: r.ReasoningEffort,
			Metadata:        r.Metadata,
		}
		t.Normalize()
		return t, nil
	case KindTaskResult:
		res := &TaskResult{
			Task: Task{
				Message: Message{
					Type:        KindTaskResult,
					Timestamp:   r.Timestamp,
					TaskID:      r.TaskID,
					Agent:       r.Agent,
					Content:     r.Content,
					Intent:      r.Intent,
					TargetAgent: r.TargetAgent,
				},
				Event:           r.Event,
				Confidence:      confidenceOrDefault(r.Confidence),
				ReasoningEffort: r.ReasoningEffort,
				Metadata:        r.Metadata,
			},
			Outcome:            *r.Outcome,
			ContributingAgents: r.ContributingAgents,
		}
		if res.Event == "" {
			res.Event = EventInfo
		}
		res.Normalize()
		return res, nil
	case KindWSEnvelope:
		return &WSEnvelope{
			Type:      KindWSEnvelope,
			EventType: r.EventType,
			Payload:   r.Payload,
			ClientID:  r.ClientID,
			Timestamp: r.Timestamp,
		}, nil
	case KindStreamUpdate:
		var delta string
		if r.Delta != nil {
			delta = *r.Delta
		}
		return &StreamUpdate{
			Type:      KindStreamUpdate,
			Agent:     r.Agent,
			TaskID:    r.TaskID,
			Delta:     delta,
			Seq:       r.Seq,
			Done:      r.Done,
			Timestamp: r.Timestamp,
		}, nil
	default:
		return nil, mismatch(fmt.Sprintf("unresolvable envelope kind %q", kind))
	}
}

func confidenceOrDefault(c *float64) float64 {
	if c == nil {
		return DefaultConfidence
	}
	return clamp01(*c)
}
