package wire

import (
	"encoding/json"
	"fmt"
)

type (
	// MessageIntent identifies why an envelope was sent. Intents are stable
	// wire symbols: agents dispatch inbound envelopes on them and the codec
	// uses them to pick the variant an envelope must parse as.
	MessageIntent string

	// TaskEvent is the lifecycle step a task envelope asks its recipient to
	// perform, or reports as performed.
	TaskEvent string

	// TaskOutcome is the terminal or transitional disposition carried by a
	// TaskResult.
	TaskOutcome string

	// ReasoningEffort grades how much work a task is expected to need.
	ReasoningEffort string

	// ReasoningStrategy names the generation approach an agent should use.
	// It is always derived from the effort level, never set independently.
	ReasoningStrategy string
)

const (
	IntentChat             MessageIntent = "chat"
	IntentStartTask        MessageIntent = "start_task"
	IntentCheckStatus      MessageIntent = "check_status"
	IntentModifyTask       MessageIntent = "modify_task"
	IntentToolRequest      MessageIntent = "tool_request"
	IntentToolResponse     MessageIntent = "tool_response"
	IntentHeartbeat        MessageIntent = "heartbeat"
	IntentSystem           MessageIntent = "system"
	IntentOrchestration    MessageIntent = "orchestration"
	IntentGenerateWorkflow MessageIntent = "generate_workflow"
)

const (
	EventPlan         TaskEvent = "plan"
	EventExecute      TaskEvent = "execute"
	EventCritique     TaskEvent = "critique"
	EventRefine       TaskEvent = "refine"
	EventConclude     TaskEvent = "conclude"
	EventComplete     TaskEvent = "complete"
	EventFail         TaskEvent = "fail"
	EventEscalate     TaskEvent = "escalate"
	EventInfo         TaskEvent = "info"
	EventAwaitingTool TaskEvent = "awaiting_tool"
	EventToolComplete TaskEvent = "tool_complete"
)

const (
	OutcomeSuccess    TaskOutcome = "success"
	OutcomeFailure    TaskOutcome = "failure"
	OutcomePending    TaskOutcome = "pending"
	OutcomeInProgress TaskOutcome = "in_progress"
	OutcomeTimeout    TaskOutcome = "timeout"
	OutcomeCancelled  TaskOutcome = "cancelled"
)

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

const (
	StrategyDirectAnswer   ReasoningStrategy = "direct_answer"
	StrategyChainOfThought ReasoningStrategy = "chain-of-thought"
	StrategyChainOfDraft   ReasoningStrategy = "chain-of-draft"
)

// StrategyFor returns the reasoning strategy mandated for an effort level.
// Unknown efforts map to chain-of-thought, the middle of the road.
func StrategyFor(e ReasoningEffort) ReasoningStrategy {
	switch e {
	case EffortLow:
		return StrategyDirectAnswer
	case EffortMedium:
		return StrategyChainOfThought
	case EffortHigh:
		return StrategyChainOfDraft
	default:
		return StrategyChainOfThought
	}
}

// Valid reports whether the intent is one of the known wire symbols.
func (i MessageIntent) Valid() bool {
	switch i {
	case IntentChat, IntentStartTask, IntentCheckStatus, IntentModifyTask,
		IntentToolRequest, IntentToolResponse, IntentHeartbeat, IntentSystem,
		IntentOrchestration, IntentGenerateWorkflow:
		return true
	}
	return false
}

// Valid reports whether the event is one of the known wire symbols.
func (e TaskEvent) Valid() bool {
	switch e {
	case EventPlan, EventExecute, EventCritique, EventRefine, EventConclude,
		EventComplete, EventFail, EventEscalate, EventInfo, EventAwaitingTool,
		EventToolComplete:
		return true
	}
	return false
}

// StartEvent reports whether the event opens work rather than reporting it.
// Results never carry a start event.
func (e TaskEvent) StartEvent() bool {
	return e == EventPlan || e == EventExecute || e == EventCritique
}

// Valid reports whether the outcome is one of the known wire symbols.
func (o TaskOutcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomePending, OutcomeInProgress,
		OutcomeTimeout, OutcomeCancelled:
		return true
	}
	return false
}

// Valid reports whether the effort is one of the known wire symbols.
func (e ReasoningEffort) Valid() bool {
	return e == EffortLow || e == EffortMedium || e == EffortHigh
}

// Valid reports whether the strategy is one of the known wire symbols.
func (s ReasoningStrategy) Valid() bool {
	return s == StrategyDirectAnswer || s == StrategyChainOfThought || s == StrategyChainOfDraft
}

// UnknownEnumError reports an enum field whose wire value is outside the
// allowed set. Decode surfaces it as a DecodeError with reason
// ErrUnknownEnum.
type UnknownEnumError struct {
	Field string
	Value string
}

func (e *UnknownEnumError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Field, e.Value)
}

func unmarshalEnum(b []byte, field string, valid func(string) bool) (string, error) {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return "", err
	}
	// Empty means unset; omitted fields never reach the unmarshaler anyway.
	if s != "" && !valid(s) {
		return "", &UnknownEnumError{Field: field, Value: s}
	}
	return s, nil
}

func (i *MessageIntent) UnmarshalJSON(b []byte) error {
	s, err := unmarshalEnum(b, "intent", func(v string) bool { return MessageIntent(v).Valid() })
	if err != nil {
		return err
	}
	*i = MessageIntent(s)
	return nil
}

func (e *TaskEvent) UnmarshalJSON(b []byte) error {
	s, err := unmarshalEnum(b, "event", func(v string) bool { return TaskEvent(v).Valid() })
	if err != nil {
		return err
	}
	*e = TaskEvent(s)
	return nil
}

func (o *TaskOutcome) UnmarshalJSON(b []byte) error {
	s, err := unmarshalEnum(b, "outcome", func(v string) bool { return TaskOutcome(v).Valid() })
	if err != nil {
		return err
	}
	*o = TaskOutcome(s)
	return nil
}

func (e *ReasoningEffort) UnmarshalJSON(b []byte) error {
	s, err := unmarshalEnum(b, "reasoning_effort", func(v string) bool { return ReasoningEffort(v).Valid() })
	if err != nil {
		return err
	}
	*e = ReasoningEffort(s)
	return nil
}

func (s *ReasoningStrategy) UnmarshalJSON(b []byte) error {
	v, err := unmarshalEnum(b, "reasoning_strategy", func(v string) bool { return ReasoningStrategy(v).Valid() })
	if err != nil {
		return err
	}
	*s = ReasoningStrategy(v)
	return nil
}
