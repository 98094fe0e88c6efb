package runtime

import (
	"context"

	"github.com/parleylabs/parley/wire"
)

// Agent is the behavior a persona plugs into the runtime shell. The
// runtime decodes inbound envelopes and dispatches each one to the
// handler matching its intent; handlers run on their own goroutine and
// may publish any number of envelopes in response.
//
// A non-nil error is logged and reported as a failure result to the
// orchestrator, best effort. Handlers that treat a condition as
// ignorable should log it themselves and return nil.
type Agent interface {
	// HandleStartTask receives fresh work addressed to this agent.
	HandleStartTask(ctx context.Context, t *wire.Task) error

	// HandleModifyTask receives follow-ups for known work: either a
	// *wire.Task or a *wire.TaskResult.
	HandleModifyTask(ctx context.Context, env wire.Envelope) error

	// HandleChatMessage receives conversational traffic.
	HandleChatMessage(ctx context.Context, m *wire.Message) error

	// HandleCheckStatus receives status probes of any envelope shape.
	HandleCheckStatus(ctx context.Context, env wire.Envelope) error

	// HandleToolResponse receives tool execution outcomes.
	HandleToolResponse(ctx context.Context, res *wire.TaskResult) error

	// HandleSystemMessage receives platform announcements.
	HandleSystemMessage(ctx context.Context, m *wire.Message) error

	// HandleOrchestrationMessage receives control-plane directives.
	HandleOrchestrationMessage(ctx context.Context, m *wire.Message) error

	// HandleUnknown receives everything the dispatch table does not
	// place, including envelopes whose body type contradicts their
	// intent.
	HandleUnknown(ctx context.Context, env wire.Envelope) error
}

// NopAgent ignores every envelope. Embed it to implement Agent and
// override only the intents the persona serves.
type NopAgent struct{}

var _ Agent = NopAgent{}

func (NopAgent) HandleStartTask(context.Context, *wire.Task) error            { return nil }
func (NopAgent) HandleModifyTask(context.Context, wire.Envelope) error        { return nil }
func (NopAgent) HandleChatMessage(context.Context, *wire.Message) error       { return nil }
func (NopAgent) HandleCheckStatus(context.Context, wire.Envelope) error       { return nil }
func (NopAgent) HandleToolResponse(context.Context, *wire.TaskResult) error   { return nil }
func (NopAgent) HandleSystemMessage(context.Context, *wire.Message) error     { return nil }
func (NopAgent) HandleOrchestrationMessage(context.Context, *wire.Message) error {
	return nil
}
func (NopAgent) HandleUnknown(context.Context, wire.Envelope) error { return nil }
