// Package orchestrator implements the debate conductor. It owns one record
// per in-flight task and drives the round-based workflow: a routed proposer
// drafts, the critic critiques, the proposer refines, and after the round
// limit the critic writes the conclusion that completes the task. All
// transitions resolve through a single workflow table.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parleylabs/parley/effort"
	"github.com/parleylabs/parley/router"
	"github.com/parleylabs/parley/runtime"
	"github.com/parleylabs/parley/telemetry"
	"github.com/parleylabs/parley/wire"
)

// Step names a position in the debate workflow.
type Step string

const (
	StepInitialProposal Step = "initial_proposal"
	StepCritique        Step = "critique"
	StepRefine          Step = "refine"
	StepConclude        Step = "conclude"
)

const (
	// DefaultMaxRounds bounds critique/refine cycles before the debate is
	// forced to conclude.
	DefaultMaxRounds = 3

	// DefaultMinRounds is the advisory floor; concluding earlier is logged,
	// never blocked.
	DefaultMinRounds = 2

	// DefaultMaxHistory bounds the transition summaries kept per task.
	DefaultMaxHistory = 10
)

// MetadataRouting is the task metadata key under which dispatch envelopes
// carry their routing decision.
const MetadataRouting = "routing"

type (
	// Orchestrator is the runtime agent that owns per-task debate state.
	// Records are created on start_task and destroyed on completion or
	// failure; updates for unknown task ids are logged and ignored.
	Orchestrator struct {
		runtime.NopAgent

		pub       *runtime.Publisher
		router    *router.Router
		estimator *effort.Estimator
		log       telemetry.Logger

		proposers  []string
		critic     string
		maxRounds  int
		minRounds  int
		maxHistory int

		mu    sync.Mutex
		tasks map[string]*record
	}

	// Option configures an Orchestrator.
	Option func(*Orchestrator)

	// record tracks one task through the debate.
	record struct {
		status       wire.TaskEvent
		requester    string
		step         Step
		round        int
		history      []string
		started      time.Time
		proposer     string
		activeAgent  string
		contributors []string
		dependents   []*wire.Task
		diag         *effort.Diagnostics
	}

	// Snapshot is the externally visible view of one task record.
	Snapshot struct {
		Status       wire.TaskEvent
		Step         Step
		Round        int
		Requester    string
		ActiveAgent  string
		Started      time.Time
		History      []string
		Contributors []string
	}

	// role classifies which debate persona an update came from.
	role int

	// rowKey locates one workflow table row by sender role and the step the
	// task is in when the update arrives.
	rowKey struct {
		from role
		step Step
	}

	// row is one workflow transition: who acts next, the event they receive,
	// the step the task moves to and the frontend-facing description. bump
	// increments the round counter, final ends the debate with the sender's
	// content as the result, and over replaces the row once the round
	// counter reaches the configured maximum.
	row struct {
		to       role
		event    wire.TaskEvent
		next     Step
		describe string
		bump     bool
		final    bool
		over     *row
	}
)

const (
	roleProposer role = iota
	roleCritic
)

// concludeRow is the forced ending once the round limit is reached.
var concludeRow = row{
	to:       roleCritic,
	event:    wire.EventConclude,
	next:     StepConclude,
	describe: "Maximum rounds reached. Requesting final conclusion.",
}

// workflow is the debate table. Every ongoing-task transition resolves here;
// handlers only execute the row they look up.
var workflow = map[rowKey]row{
	{roleProposer, StepInitialProposal}: {
		to:       roleCritic,
		event:    wire.EventCritique,
		next:     StepCritique,
		describe: "Requesting critique of initial proposal.",
	},
	{roleCritic, StepCritique}: {
		to:       roleProposer,
		event:    wire.EventRefine,
		next:     StepRefine,
		bump:     true,
		describe: "Requesting refinement based on critique.",
	},
	{roleProposer, StepRefine}: {
		to:       roleCritic,
		event:    wire.EventCritique,
		next:     StepCritique,
		describe: "Requesting evaluation of refined proposal.",
		over:     &concludeRow,
	},
	{roleCritic, StepConclude}: {final: true},
}

// WithRouter replaces the default router used for fresh-task target
// selection.
func WithRouter(r *router.Router) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.router = r
		}
	}
}

// WithEstimator replaces the default effort estimator.
func WithEstimator(e *effort.Estimator) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.estimator = e
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithProposers sets the proposer pool the router picks from. The chosen
// proposer is bound to the task for its whole life.
func WithProposers(names ...string) Option {
	return func(o *Orchestrator) {
		if len(names) > 0 {
			o.proposers = names
		}
	}
}

// WithCritic sets the critic agent name.
func WithCritic(name string) Option {
	return func(o *Orchestrator) {
		if name != "" {
			o.critic = name
		}
	}
}

// WithMaxRounds bounds critique/refine cycles.
func WithMaxRounds(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxRounds = n
		}
	}
}

// WithMinRounds sets the advisory round floor.
func WithMinRounds(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.minRounds = n
		}
	}
}

// WithMaxHistory bounds per-task transition summaries.
func WithMaxHistory(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxHistory = n
		}
	}
}

// New builds an orchestrator publishing through pub.
func New(pub *runtime.Publisher, opts ...Option) (*Orchestrator, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	o := &Orchestrator{
		pub:        pub,
		router:     router.New(),
		estimator:  effort.New(),
		log:        telemetry.NewNoopLogger(),
		proposers:  []string{"proposer"},
		critic:     "critic",
		maxRounds:  DefaultMaxRounds,
		minRounds:  DefaultMinRounds,
		maxHistory: DefaultMaxHistory,
		tasks:      make(map[string]*record),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

var _ runtime.Agent = (*Orchestrator)(nil)

// HandleStartTask opens a record for the task, routes it to a proposer and
// dispatches the initial proposal step.
func (o *Orchestrator) HandleStartTask(ctx context.Context, task *wire.Task) error {
	o.log.Info(ctx, "start task", "task_id", task.TaskID, "from", task.Agent)
	if task.Content == "" {
		return o.pub.Error(ctx, task.TaskID, "Task content cannot be empty.", task.Agent)
	}

	dispatch := wire.NewTask(o.pub.Agent(), task.Content, "")
	dispatch.TaskID = task.TaskID
	dispatch.Event = wire.EventPlan
	diag := o.estimator.Assign(dispatch)

	chosen, decision, err := o.router.Route(ctx, task.TaskID, task.Content, o.proposers, diag)
	if err != nil {
		return o.pub.Error(ctx, task.TaskID, fmt.Sprintf("no proposer available: %v", err), task.Agent)
	}
	dispatch.TargetAgent = chosen
	dispatch.Metadata[MetadataRouting] = decision

	rec := &record{
		status:      wire.EventPlan,
		requester:   task.Agent,
		step:        StepInitialProposal,
		round:       1,
		history:     []string{fmt.Sprintf("Task received from %s: %s", task.Agent, task.Content)},
		started:     time.Now(),
		proposer:    chosen,
		activeAgent: chosen,
		diag:        diag,
	}
	rec.contribute(task.Agent)

	o.mu.Lock()
	o.tasks[task.TaskID] = rec
	o.mu.Unlock()

	o.log.Info(ctx, "assign initial proposal",
		"task_id", task.TaskID, "target", chosen, "method", decision.Method)
	return errors.Join(
		o.pub.ToAgent(ctx, chosen, dispatch),
		o.pub.ToFrontend(ctx, dispatch),
		o.pub.Update(ctx, task.TaskID, wire.EventPlan,
			fmt.Sprintf("Task assigned to %s for initial proposal.", chosen), task.Agent),
	)
}

// HandleModifyTask applies an ongoing-task update: failures and completions
// close the record, tool results return to the active agent, and everything
// else advances through the workflow table.
func (o *Orchestrator) HandleModifyTask(ctx context.Context, env wire.Envelope) error {
	up, err := asUpdate(env)
	if err != nil {
		return err
	}
	return o.handleUpdate(ctx, up)
}

// HandleToolResponse funnels tool results through the same update path; the
// tool_complete event routes them to the task's active agent.
func (o *Orchestrator) HandleToolResponse(ctx context.Context, res *wire.TaskResult) error {
	return o.handleUpdate(ctx, updateFromResult(res))
}

// HandleChatMessage relays agent chatter to the frontend.
func (o *Orchestrator) HandleChatMessage(ctx context.Context, msg *wire.Message) error {
	o.log.Info(ctx, "chat", "from", msg.Agent)
	if msg.Agent == o.pub.Agent() {
		return nil
	}
	return o.pub.ToFrontend(ctx, msg)
}

// HandleCheckStatus answers with the record's status, step and round, or
// reports the task as unknown.
func (o *Orchestrator) HandleCheckStatus(ctx context.Context, env wire.Envelope) error {
	taskID := envelopeTaskID(env)
	requester := env.Sender()

	o.mu.Lock()
	rec, ok := o.tasks[taskID]
	var text string
	if ok {
		text = fmt.Sprintf("Task %s status: %s. Current step: %s. Round: %d.",
			taskID, rec.status, rec.step, rec.round)
	} else {
		text = fmt.Sprintf("Task %s not found or already completed.", taskID)
	}
	o.mu.Unlock()

	return o.pub.Update(ctx, taskID, wire.EventInfo, text, requester)
}

// HandleSystemMessage records system notices.
func (o *Orchestrator) HandleSystemMessage(ctx context.Context, msg *wire.Message) error {
	o.log.Debug(ctx, "system message", "from", msg.Agent, "content", msg.Content)
	return nil
}

// HandleUnknown logs envelopes outside the dispatch vocabulary.
func (o *Orchestrator) HandleUnknown(ctx context.Context, env wire.Envelope) error {
	o.log.Warn(ctx, "unhandled envelope", "kind", string(env.Kind()), "sender", env.Sender())
	return nil
}

// AddDependent queues a fully-formed task envelope for publication once the
// parent completes. It reports whether the parent is still in flight.
func (o *Orchestrator) AddDependent(parentID string, t *wire.Task) bool {
	if t == nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.tasks[parentID]
	if !ok {
		return false
	}
	rec.dependents = append(rec.dependents, t)
	return true
}

// Status returns a point-in-time view of one task record.
func (o *Orchestrator) Status(taskID string) (Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.tasks[taskID]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Status:       rec.status,
		Step:         rec.step,
		Round:        rec.round,
		Requester:    rec.requester,
		ActiveAgent:  rec.activeAgent,
		Started:      rec.started,
		History:      append([]string(nil), rec.history...),
		Contributors: append([]string(nil), rec.contributors...),
	}, true
}

// update is the envelope-shape-independent view of an ongoing-task report.
type update struct {
	taskID       string
	sender       string
	event        wire.TaskEvent
	outcome      wire.TaskOutcome
	content      string
	confidence   float64
	contributing []string
}

func updateFromResult(res *wire.TaskResult) update {
	return update{
		taskID:       res.TaskID,
		sender:       res.Agent,
		event:        res.Event,
		outcome:      res.Outcome,
		content:      res.Content,
		confidence:   res.Confidence,
		contributing: res.ContributingAgents,
	}
}

func asUpdate(env wire.Envelope) (update, error) {
	switch e := env.(type) {
	case *wire.TaskResult:
		return updateFromResult(e), nil
	case *wire.Task:
		return update{
			taskID:     e.TaskID,
			sender:     e.Agent,
			event:      e.Event,
			content:    e.Content,
			confidence: e.Confidence,
		}, nil
	default:
		return update{}, fmt.Errorf("modify_task: unexpected envelope %T", env)
	}
}

func (o *Orchestrator) handleUpdate(ctx context.Context, up update) error {
	o.mu.Lock()
	rec, ok := o.tasks[up.taskID]
	if !ok {
		o.mu.Unlock()
		o.log.Warn(ctx, "update for unknown task", "task_id", up.taskID, "from", up.sender)
		return nil
	}

	rec.record(fmt.Sprintf("Update from %s (%s): %s", up.sender, up.event, up.content), o.maxHistory)
	rec.status = up.event
	rec.contribute(up.sender)
	rec.contribute(up.contributing...)

	switch {
	case up.event == wire.EventFail || up.outcome == wire.OutcomeFailure:
		delete(o.tasks, up.taskID)
		o.mu.Unlock()
		return o.fail(ctx, up, rec)

	case up.event == wire.EventComplete && up.outcome == wire.OutcomeSuccess:
		delete(o.tasks, up.taskID)
		o.mu.Unlock()
		return o.complete(ctx, up, rec, up.content)

	case up.event == wire.EventToolComplete:
		active := rec.activeAgent
		o.mu.Unlock()
		return o.forwardToolResult(ctx, up, active)

	case up.outcome == wire.OutcomeInProgress || up.outcome == wire.OutcomePending:
		// Progress report. The sender already broadcast it; nothing to
		// advance.
		o.mu.Unlock()
		o.log.Debug(ctx, "progress", "task_id", up.taskID, "from", up.sender, "event", string(up.event))
		return nil
	}

	r, ok := workflow[rowKey{from: o.roleOf(rec, up.sender), step: rec.step}]
	if !ok {
		o.mu.Unlock()
		o.log.Warn(ctx, "no transition for update",
			"task_id", up.taskID, "from", up.sender, "step", string(rec.step), "event", string(up.event))
		return nil
	}
	if r.over != nil && rec.round >= o.maxRounds {
		o.log.Info(ctx, "round limit reached, forcing conclusion",
			"task_id", up.taskID, "round", rec.round)
		r = *r.over
	}
	if r.final {
		if rec.round < o.minRounds {
			o.log.Warn(ctx, "concluding before minimum rounds",
				"task_id", up.taskID, "round", rec.round, "min_rounds", o.minRounds)
		}
		delete(o.tasks, up.taskID)
		o.mu.Unlock()
		final := fmt.Sprintf("Final Conclusion by %s: %s", up.sender, up.content)
		return o.complete(ctx, up, rec, final)
	}

	target := o.agentFor(rec, r.to)
	rec.step = r.next
	if r.bump {
		rec.round++
	}
	rec.activeAgent = target
	rec.record(fmt.Sprintf("%s Sending to %s.", r.describe, target), o.maxHistory)
	o.mu.Unlock()

	return o.dispatch(ctx, up, r, target)
}

// dispatch publishes the next debate step to the chosen agent and mirrors it
// to the frontend.
func (o *Orchestrator) dispatch(ctx context.Context, up update, r row, target string) error {
	content := fmt.Sprintf("Context: %s\nPrevious Output from %s:\n---\n%s\n---\nPlease perform your role.",
		r.describe, up.sender, up.content)
	next := wire.NewTask(o.pub.Agent(), content, target)
	next.TaskID = up.taskID
	next.Intent = wire.IntentModifyTask
	next.Event = r.event
	o.estimator.Assign(next)

	o.log.Info(ctx, "dispatch", "task_id", up.taskID, "target", target, "event", string(r.event))
	return errors.Join(
		o.pub.ToAgent(ctx, target, next),
		o.pub.ToFrontend(ctx, next),
	)
}

// forwardToolResult hands a tool completion to whichever agent is active for
// the task.
func (o *Orchestrator) forwardToolResult(ctx context.Context, up update, active string) error {
	if active == "" {
		o.log.Warn(ctx, "tool result with no active agent", "task_id", up.taskID)
		return nil
	}
	o.log.Info(ctx, "forward tool result", "task_id", up.taskID, "target", active)
	res := wire.NewTaskResult(up.taskID, up.sender, up.content, active,
		wire.EventToolComplete, wire.OutcomeSuccess)
	res.Intent = wire.IntentToolResponse
	res.Confidence = up.confidence
	return o.pub.ToAgent(ctx, active, res)
}

// complete forwards the final result to the original requester, publishes
// queued dependents and feeds the routing and effort learners.
func (o *Orchestrator) complete(ctx context.Context, up update, rec *record, content string) error {
	elapsed := time.Since(rec.started)
	o.log.Info(ctx, "task complete",
		"task_id", up.taskID, "duration", elapsed.String(), "rounds", rec.round)

	o.router.RecordCompletion(ctx, rec.proposer, elapsed, true)
	o.estimator.RecordOutcome(up.taskID, rec.diag, elapsed, true)

	errs := []error{
		o.pub.Completion(ctx, up.taskID, content, rec.requester, up.confidence, rec.contributors),
	}
	for _, dep := range rec.dependents {
		o.log.Info(ctx, "publish dependent task",
			"parent", up.taskID, "task_id", dep.TaskID, "target", dep.TargetAgent)
		errs = append(errs, o.pub.ToAgent(ctx, dep.TargetAgent, dep))
	}
	return errors.Join(errs...)
}

// fail reports the failure to the original requester and records the miss.
func (o *Orchestrator) fail(ctx context.Context, up update, rec *record) error {
	elapsed := time.Since(rec.started)
	o.log.Error(ctx, "task failed",
		"task_id", up.taskID, "step", string(rec.step), "from", up.sender)

	o.router.RecordCompletion(ctx, rec.proposer, elapsed, false)
	o.estimator.RecordOutcome(up.taskID, rec.diag, elapsed, false)

	return o.pub.Error(ctx, up.taskID,
		fmt.Sprintf("Agent %s reported failure: %s", up.sender, up.content), rec.requester)
}

// roleOf classifies the sender against the task's bound proposer and the
// configured critic. Unmatched senders resolve to no role so the table
// cannot fire for them.
func (o *Orchestrator) roleOf(rec *record, sender string) role {
	switch sender {
	case rec.proposer:
		return roleProposer
	case o.critic:
		return roleCritic
	default:
		return role(-1)
	}
}

// agentFor resolves a table role to the concrete agent for this task.
func (o *Orchestrator) agentFor(rec *record, r role) string {
	if r == roleProposer {
		return rec.proposer
	}
	return o.critic
}

// record appends a history line, discarding from the front past the bound.
func (rec *record) record(line string, maxHistory int) {
	rec.history = append(rec.history, line)
	if n := len(rec.history) - maxHistory; n > 0 {
		rec.history = rec.history[n:]
	}
}

// contribute adds agents to the contributor list in first-seen order.
func (rec *record) contribute(agents ...string) {
	for _, a := range agents {
		if a == "" {
			continue
		}
		seen := false
		for _, c := range rec.contributors {
			if c == a {
				seen = true
				break
			}
		}
		if !seen {
			rec.contributors = append(rec.contributors, a)
		}
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
