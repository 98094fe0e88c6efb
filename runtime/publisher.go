package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/parleylabs/parley/bus"
	"github.com/parleylabs/parley/telemetry"
	"github.com/parleylabs/parley/wire"
)

// DefaultOrchestratorName is where failure results land when the
// caller does not name a target.
const DefaultOrchestratorName = "orchestrator"

type (
	// Publisher emits envelopes on behalf of one agent identity. It owns
	// the addressing conventions: agent channels, the frontend broadcast
	// topic and the orchestrator fallback target.
	Publisher struct {
		bus          bus.Publisher
		agent        string
		frontend     string
		orchestrator string
		log          telemetry.Logger
	}

	// PublisherOption configures a Publisher.
	PublisherOption func(*Publisher)

	updateOptions struct {
		confidence   float64
		outcome      wire.TaskOutcome
		contributing []string
	}

	// UpdateOption adjusts a transitional update result.
	UpdateOption func(*updateOptions)
)

// WithFrontendChannel overrides the frontend broadcast topic.
func WithFrontendChannel(ch string) PublisherOption {
	return func(p *Publisher) {
		if ch != "" {
			p.frontend = ch
		}
	}
}

// WithOrchestratorName overrides the default failure-report target.
func WithOrchestratorName(name string) PublisherOption {
	return func(p *Publisher) {
		if name != "" {
			p.orchestrator = name
		}
	}
}

// WithPublisherLogger sets the logger for publish failures.
func WithPublisherLogger(l telemetry.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.log = l
		}
	}
}

// WithConfidence sets the confidence carried by an update.
func WithConfidence(c float64) UpdateOption {
	return func(o *updateOptions) { o.confidence = c }
}

// WithOutcome overrides the in_progress outcome of an update.
func WithOutcome(out wire.TaskOutcome) UpdateOption {
	return func(o *updateOptions) { o.outcome = out }
}

// WithContributing records the agents whose work fed into an update.
func WithContributing(agents ...string) UpdateOption {
	return func(o *updateOptions) { o.contributing = agents }
}

// NewPublisher builds a publisher for the named agent.
func NewPublisher(b bus.Publisher, agent string, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		bus:          b,
		agent:        agent,
		frontend:     bus.DefaultFrontendChannel,
		orchestrator: DefaultOrchestratorName,
		log:          telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Agent returns the identity envelopes are stamped with.
func (p *Publisher) Agent() string { return p.agent }

// Orchestrator returns the fallback failure-report target.
func (p *Publisher) Orchestrator() string { return p.orchestrator }

// ToTopic encodes the envelope and publishes it on a raw topic.
func (p *Publisher) ToTopic(ctx context.Context, topic string, env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := p.bus.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.log.Debug(ctx, "published", "agent", p.agent, "topic", topic, "task_id", taskIDOf(env))
	return nil
}

// ToAgent publishes on the target agent's own channel.
func (p *Publisher) ToAgent(ctx context.Context, target string, env wire.Envelope) error {
	return p.ToTopic(ctx, bus.AgentChannel(target), env)
}

// ToFrontend publishes on the frontend broadcast topic.
func (p *Publisher) ToFrontend(ctx context.Context, env wire.Envelope) error {
	return p.ToTopic(ctx, p.frontend, env)
}

// System publishes an informational system message to the frontend.
// An empty taskID groups the message under "system".
func (p *Publisher) System(ctx context.Context, content, taskID string) error {
	if taskID == "" {
		taskID = "system"
	}
	msg := wire.NewMessage(wire.IntentSystem, p.agent, content, "")
	msg.TaskID = taskID
	return p.ToFrontend(ctx, msg)
}

// Update emits a transitional result to the target agent and, so the
// frontend can follow along, to the broadcast topic. Outcome defaults
// to in_progress.
func (p *Publisher) Update(ctx context.Context, taskID string, event wire.TaskEvent, content, target string, opts ...UpdateOption) error {
	o := updateOptions{confidence: wire.DefaultConfidence, outcome: wire.OutcomeInProgress}
	for _, opt := range opts {
		opt(&o)
	}
	res := wire.NewTaskResult(taskID, p.agent, content, target, event, o.outcome)
	res.Confidence = o.confidence
	res.ContributingAgents = o.contributing
	return errors.Join(
		p.ToAgent(ctx, target, res),
		p.ToFrontend(ctx, res),
	)
}

// Completion emits the terminal success result. An empty contributing
// list collapses to this agent alone.
func (p *Publisher) Completion(ctx context.Context, taskID, content, target string, confidence float64, contributing []string) error {
	if len(contributing) == 0 {
		contributing = []string{p.agent}
	}
	res := wire.NewTaskResult(taskID, p.agent, content, target, wire.EventComplete, wire.OutcomeSuccess)
	res.Confidence = confidence
	res.ContributingAgents = contributing
	return errors.Join(
		p.ToAgent(ctx, target, res),
		p.ToFrontend(ctx, res),
	)
}

// Error emits the terminal failure result with zero confidence. An
// empty target reports to the orchestrator; the frontend always hears
// about it, and self-addressed failures skip the agent channel.
func (p *Publisher) Error(ctx context.Context, taskID, content, target string) error {
	if target == "" {
		target = p.orchestrator
	}
	res := wire.NewTaskResult(taskID, p.agent, "Error: "+content, target, wire.EventFail, wire.OutcomeFailure)
	res.Confidence = 0
	var toTarget error
	if target != p.agent {
		toTarget = p.ToAgent(ctx, target, res)
	}
	return errors.Join(toTarget, p.ToFrontend(ctx, res))
}
