// Package agents implements the debate personas. The proposer drafts and
// refines proposals, the critic critiques them and writes the final
// conclusion; both are the one Worker type parameterized by role and a text
// generator. Model provider adapters stay outside the module: a worker runs
// against any func(ctx, prompt) (string, error).
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/parleylabs/parley/runtime"
	"github.com/parleylabs/parley/telemetry"
	"github.com/parleylabs/parley/wire"
)

// Role names a debate persona.
type Role string

const (
	RoleProposer Role = "proposer"
	RoleCritic   Role = "critic"
)

// DefaultMaxHistory bounds the per-task context entries a worker keeps.
const DefaultMaxHistory = 10

type (
	// DeltaSink receives incremental output while a streaming generation
	// runs. stream.Publisher satisfies it.
	DeltaSink interface {
		Publish(ctx context.Context, u *wire.StreamUpdate) error
	}

	// Worker is a debate participant. It answers dispatched debate steps by
	// generating text and reporting the result to the orchestrator, keeps a
	// bounded per-task context, and can detour through the tool core when a
	// task carries a tool directive.
	Worker struct {
		runtime.NopAgent

		role   Role
		pub    *runtime.Publisher
		gen    Generator
		sgen   StreamingGenerator
		deltas DeltaSink
		tools  *runtime.ToolClient
		log    telemetry.Logger

		maxHistory int

		mu        sync.Mutex
		histories map[string][]historyEntry
	}

	// WorkerOption configures a Worker.
	WorkerOption func(*Worker)

	historyEntry struct {
		agent   string
		event   wire.TaskEvent
		content string
	}

	// step describes how the worker answers one requested debate event.
	step struct {
		announceEvent wire.TaskEvent
		announce      string
		performs      wire.TaskEvent
		preamble      string
		label         string
		fallback      string
		confidence    float64
	}
)

// WithGenerator replaces the canned default generator.
func WithGenerator(g Generator) WorkerOption {
	return func(w *Worker) {
		if g != nil {
			w.gen = g
		}
	}
}

// WithStreamingGenerator enables incremental generation. Deltas flow to the
// sink configured with WithDeltaSink; without a sink the worker stays on the
// blocking generator.
func WithStreamingGenerator(g StreamingGenerator) WorkerOption {
	return func(w *Worker) { w.sgen = g }
}

// WithDeltaSink sets the destination for incremental output.
func WithDeltaSink(s DeltaSink) WorkerOption {
	return func(w *Worker) { w.deltas = s }
}

// WithToolClient enables tool directives in task content.
func WithToolClient(c *runtime.ToolClient) WorkerOption {
	return func(w *Worker) { w.tools = c }
}

// WithLogger sets the worker logger.
func WithLogger(l telemetry.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.log = l
		}
	}
}

// WithMaxHistory bounds the per-task context entries.
func WithMaxHistory(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxHistory = n
		}
	}
}

// NewWorker builds a worker for the given role publishing through pub.
func NewWorker(role Role, pub *runtime.Publisher, opts ...WorkerOption) (*Worker, error) {
	switch role {
	case RoleProposer, RoleCritic:
	default:
		return nil, fmt.Errorf("unknown worker role %q", role)
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	w := &Worker{
		role:       role,
		pub:        pub,
		gen:        Canned(),
		log:        telemetry.NewNoopLogger(),
		maxHistory: DefaultMaxHistory,
		histories:  make(map[string][]historyEntry),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

var _ runtime.Agent = (*Worker)(nil)

// Role returns the persona this worker plays.
func (w *Worker) Role() Role { return w.role }

// HandleStartTask opens a fresh context for the task and performs the
// requested step. Content carrying a tool directive detours through the tool
// core first; the step runs when the result arrives.
func (w *Worker) HandleStartTask(ctx context.Context, task *wire.Task) error {
	w.log.Info(ctx, "start task",
		"agent", w.pub.Agent(), "task_id", task.TaskID, "event", string(task.Event))
	w.resetHistory(task.TaskID)
	w.record(task.TaskID, task.Agent, task.Event, task.Content)

	if dir, ok := ParseDirective(task.Content); ok && w.tools != nil {
		_, err := w.tools.Request(ctx, task.TaskID, dir.Tool, dir.Params,
			func(ctx context.Context, res *wire.TaskResult) { w.resumeWithTool(ctx, task, res) },
			func(ctx context.Context, res *wire.TaskResult) { w.failWithTool(ctx, res) },
		)
		return err
	}

	st, ok := w.startStep(task.Event)
	if !ok {
		return w.pub.Update(ctx, task.TaskID, wire.EventInfo,
			"Task acknowledged, awaiting specific action.", task.Agent)
	}
	return w.perform(ctx, task.TaskID, task.Agent, task.Content, st, "", nil)
}

// HandleModifyTask performs the step an ongoing-task update requests.
// Updates addressed to someone else only feed the task context.
func (w *Worker) HandleModifyTask(ctx context.Context, env wire.Envelope) error {
	taskID, from, target, event, content, err := splitUpdate(env)
	if err != nil {
		return err
	}
	w.record(taskID, from, event, content)

	if target != w.pub.Agent() {
		w.log.Debug(ctx, "ignore update not addressed to this agent",
			"agent", w.pub.Agent(), "task_id", taskID, "target", target)
		return nil
	}
	st, ok := w.modifyStep(event)
	if !ok {
		return w.pub.Update(ctx, taskID, wire.EventInfo,
			"Update acknowledged, but action unclear.", from)
	}
	return w.perform(ctx, taskID, from, content, st, "", nil)
}

// HandleChatMessage answers a direct message with a generated reply.
func (w *Worker) HandleChatMessage(ctx context.Context, msg *wire.Message) error {
	w.log.Info(ctx, "chat", "agent", w.pub.Agent(), "from", msg.Agent)
	prompt := fmt.Sprintf("%s\n\nMessage from %s: %s\n", promptChat, msg.Agent, msg.Content)
	text, err := w.gen(ctx, prompt)
	if err != nil {
		w.log.Warn(ctx, "chat generation failed", "agent", w.pub.Agent(), "err", err)
		text = fmt.Sprintf("%s received your message but encountered an issue generating a response.", w.pub.Agent())
	}
	reply := wire.NewMessage(wire.IntentChat, w.pub.Agent(), text, msg.Agent)
	reply.TaskID = msg.TaskID
	return errors.Join(
		w.pub.ToAgent(ctx, msg.Agent, reply),
		w.pub.ToFrontend(ctx, reply),
	)
}

// HandleCheckStatus reports that the worker holds no lifecycle state of its
// own; the orchestrator owns task status.
func (w *Worker) HandleCheckStatus(ctx context.Context, env wire.Envelope) error {
	return w.pub.Update(ctx, envelopeTaskID(env), wire.EventInfo,
		"Status check received, task is pending/in-progress.", env.Sender())
}

// HandleToolResponse resumes the debate step waiting on the execution.
func (w *Worker) HandleToolResponse(ctx context.Context, res *wire.TaskResult) error {
	if w.tools == nil || !w.tools.Resolve(ctx, res) {
		w.log.Debug(ctx, "ignore unmatched tool response",
			"agent", w.pub.Agent(), "task_id", res.TaskID)
	}
	return nil
}

// HandleUnknown logs envelopes outside the dispatch vocabulary.
func (w *Worker) HandleUnknown(ctx context.Context, env wire.Envelope) error {
	w.log.Warn(ctx, "unhandled envelope",
		"agent", w.pub.Agent(), "kind", string(env.Kind()), "sender", env.Sender())
	return nil
}

// perform announces the step, generates its text and reports the outcome to
// the orchestrator. toolResult, when set, is folded into the prompt.
func (w *Worker) perform(ctx context.Context, taskID, from, content string, st step, toolResult string, contributing []string) error {
	if err := w.pub.Update(ctx, taskID, st.announceEvent, st.announce, w.pub.Orchestrator()); err != nil {
		return err
	}

	prompt := w.promptFor(st, taskID, from, content, toolResult)
	text, err := w.generate(ctx, taskID, prompt)
	conf := st.confidence
	if err != nil {
		w.log.Warn(ctx, "generation failed",
			"agent", w.pub.Agent(), "task_id", taskID, "err", err)
		text = st.fallback
	} else {
		conf = extractConfidence(text, st.confidence)
	}

	body := fmt.Sprintf("[%s by %s] %s", st.label, w.pub.Agent(), text)
	w.record(taskID, w.pub.Agent(), st.performs, body)
	if st.performs == wire.EventConclude {
		// The debate ends with the conclusion; drop the context.
		w.resetHistory(taskID)
	}

	return w.pub.Update(ctx, taskID, st.performs, body, w.pub.Orchestrator(),
		runtime.WithOutcome(wire.OutcomeSuccess),
		runtime.WithConfidence(conf),
		runtime.WithContributing(contributing...))
}

// generate prefers the streaming generator when one is configured and a
// delta sink is present, falling back to the blocking generator.
func (w *Worker) generate(ctx context.Context, taskID, prompt string) (string, error) {
	if w.sgen != nil && w.deltas != nil {
		text, err := w.generateStream(ctx, taskID, prompt)
		if err == nil {
			return text, nil
		}
		w.log.Warn(ctx, "streaming generation failed, falling back",
			"agent", w.pub.Agent(), "task_id", taskID, "err", err)
	}
	return w.gen(ctx, prompt)
}

// generateStream drains the streaming generator, publishing each chunk as a
// delta. Delta publication is best effort: a failed publish never fails the
// generation.
func (w *Worker) generateStream(ctx context.Context, taskID, prompt string) (string, error) {
	sr, err := w.sgen(ctx, prompt)
	if err != nil {
		return "", err
	}
	defer sr.Close()

	var (
		full strings.Builder
		seq  int64
	)
	agent := w.pub.Agent()
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		full.WriteString(chunk)
		if err := w.deltas.Publish(ctx, wire.NewStreamUpdate(agent, taskID, chunk, seq, false)); err != nil {
			w.log.Warn(ctx, "drop delta", "task_id", taskID, "seq", seq, "err", err)
		}
		seq++
	}
	if err := w.deltas.Publish(ctx, wire.NewStreamUpdate(agent, taskID, "", seq, true)); err != nil {
		w.log.Warn(ctx, "drop final delta", "task_id", taskID, "err", err)
	}
	return full.String(), nil
}

// resumeWithTool runs the pending step with the tool output folded in.
func (w *Worker) resumeWithTool(ctx context.Context, task *wire.Task, res *wire.TaskResult) {
	w.record(task.TaskID, res.Agent, wire.EventToolComplete, res.Content)
	if err := w.pub.Update(ctx, task.TaskID, wire.EventExecute,
		fmt.Sprintf("Processing result from tool: %s", excerpt(res.Content, 30)), w.pub.Orchestrator()); err != nil {
		w.log.Warn(ctx, "tool progress update failed", "task_id", task.TaskID, "err", err)
	}
	st, ok := w.startStep(task.Event)
	if !ok {
		st = w.defaultStep()
	}
	if err := w.perform(ctx, task.TaskID, task.Agent, task.Content, st, res.Content,
		[]string{w.pub.Agent(), res.Agent}); err != nil {
		w.log.Error(ctx, "resume after tool failed", "task_id", task.TaskID, "err", err)
		if perr := w.pub.Error(ctx, task.TaskID, fmt.Sprintf("resume after tool: %v", err), ""); perr != nil {
			w.log.Error(ctx, "failure report failed", "task_id", task.TaskID, "err", perr)
		}
	}
}

// failWithTool reports a failed execution to the orchestrator.
func (w *Worker) failWithTool(ctx context.Context, res *wire.TaskResult) {
	w.log.Warn(ctx, "tool execution failed",
		"agent", w.pub.Agent(), "task_id", res.TaskID, "reason", res.Content)
	if err := w.pub.Error(ctx, res.TaskID, fmt.Sprintf("Tool execution failed: %s", res.Content), ""); err != nil {
		w.log.Error(ctx, "failure report failed", "task_id", res.TaskID, "err", err)
	}
}

// startStep resolves the step for a freshly assigned task. The proposer
// drafts on any start event; the critic only acts on explicit requests.
func (w *Worker) startStep(event wire.TaskEvent) (step, bool) {
	switch w.role {
	case RoleProposer:
		switch event {
		case "", wire.EventPlan, wire.EventExecute:
			return proposalStep, true
		case wire.EventRefine:
			return refineStep, true
		}
	case RoleCritic:
		switch event {
		case wire.EventCritique:
			return critiqueStep, true
		case wire.EventConclude:
			return concludeStep, true
		}
	}
	return step{}, false
}

// modifyStep resolves the step for an ongoing-task update.
func (w *Worker) modifyStep(event wire.TaskEvent) (step, bool) {
	switch w.role {
	case RoleProposer:
		if event == wire.EventRefine {
			return refineStep, true
		}
	case RoleCritic:
		switch event {
		case wire.EventCritique:
			return critiqueStep, true
		case wire.EventConclude:
			return concludeStep, true
		}
	}
	return step{}, false
}

func (w *Worker) defaultStep() step {
	if w.role == RoleCritic {
		return critiqueStep
	}
	return proposalStep
}

var (
	proposalStep = step{
		announceEvent: wire.EventPlan,
		announce:      "Planning initial proposal...",
		performs:      wire.EventExecute,
		preamble:      promptProposal,
		label:         "Proposal",
		fallback:      "I was unable to draft a proposal due to technical difficulties. Please try again.",
		confidence:    0.85,
	}
	refineStep = step{
		announceEvent: wire.EventRefine,
		announce:      "Refining proposal based on feedback...",
		performs:      wire.EventRefine,
		preamble:      promptRefine,
		label:         "Refinement",
		fallback:      "I was unable to refine the proposal due to technical difficulties. Please try again.",
		confidence:    0.9,
	}
	critiqueStep = step{
		announceEvent: wire.EventInfo,
		announce:      "Critiquing proposal...",
		performs:      wire.EventCritique,
		preamble:      promptCritique,
		label:         "Critique",
		fallback:      "I was unable to evaluate this proposal due to technical difficulties. Please try again.",
		confidence:    0.75,
	}
	concludeStep = step{
		announceEvent: wire.EventInfo,
		announce:      "Generating final conclusion...",
		performs:      wire.EventConclude,
		preamble:      promptConclude,
		label:         "Conclusion",
		fallback:      "I was unable to reach a conclusion due to technical difficulties. Please try again.",
		confidence:    0.8,
	}
)

// promptFor renders the step prompt: preamble, task framing, optional tool
// result and the recent task context.
func (w *Worker) promptFor(st step, taskID, from, content, toolResult string) string {
	var b strings.Builder
	b.WriteString(st.preamble)
	b.WriteString("\n\nTask ID: ")
	b.WriteString(taskID)
	b.WriteString("\nRequesting Agent: ")
	b.WriteString(from)
	b.WriteString("\nTask Content: ")
	b.WriteString(content)
	if toolResult != "" {
		b.WriteString("\n\nTool Result:\n")
		b.WriteString(toolResult)
	}
	if hist := w.historyExcerpt(taskID); hist != "" {
		b.WriteString("\n\nPrevious Context:\n")
		b.WriteString(hist)
	}
	b.WriteString("\n")
	return b.String()
}

func (w *Worker) record(taskID, agent string, event wire.TaskEvent, content string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entries := append(w.histories[taskID], historyEntry{agent: agent, event: event, content: content})
	if n := len(entries) - w.maxHistory; n > 0 {
		entries = entries[n:]
	}
	w.histories[taskID] = entries
}

func (w *Worker) resetHistory(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.histories, taskID)
}

// historyExcerpt renders the most recent context entries, oldest first.
func (w *Worker) historyExcerpt(taskID string) string {
	const show = 5
	w.mu.Lock()
	entries := w.histories[taskID]
	if len(entries) > show {
		entries = entries[len(entries)-show:]
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		event := string(e.event)
		if event == "" {
			event = "message"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", event, e.agent, e.content))
	}
	w.mu.Unlock()
	return strings.Join(lines, "\n")
}

// Directive is a tool invocation requested inline in task content.
type Directive struct {
	Tool   string
	Params map[string]any
}

// ParseDirective recognizes a leading "tool:" line of the form
//
//	tool: <name> {"param": "value"}
//
// The JSON argument object is optional. Content without the prefix, or with
// an unparseable argument object, is ordinary prose.
func ParseDirective(content string) (Directive, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "tool:") {
		return Directive{}, false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "tool:"))
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = strings.TrimSpace(rest[:i])
	}
	if rest == "" {
		return Directive{}, false
	}
	name, args, _ := strings.Cut(rest, " ")
	d := Directive{Tool: name}
	if args = strings.TrimSpace(args); args != "" {
		if err := json.Unmarshal([]byte(args), &d.Params); err != nil {
			return Directive{}, false
		}
	}
	return d, true
}

// splitUpdate unpacks the fields shared by the two update envelope shapes.
func splitUpdate(env wire.Envelope) (taskID, from, target string, event wire.TaskEvent, content string, err error) {
	switch e := env.(type) {
	case *wire.Task:
		return e.TaskID, e.Agent, e.TargetAgent, e.Event, e.Content, nil
	case *wire.TaskResult:
		return e.TaskID, e.Agent, e.TargetAgent, e.Event, e.Content, nil
	default:
		return "", "", "", "", "", fmt.Errorf("modify_task: unexpected envelope %T", env)
	}
}

func envelopeTaskID(env wire.Envelope) string {
	switch e := env.(type) {
	case *wire.Message:
		return e.TaskID
	case *wire.Task:
		return e.TaskID
	case *wire.TaskResult:
		return e.TaskID
	default:
		return ""
	}
}
