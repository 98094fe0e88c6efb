package toolcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/parleylabs/parley/bus"
	"github.com/parleylabs/parley/runtime"
	"github.com/parleylabs/parley/telemetry"
	"github.com/parleylabs/parley/wire"
)

const (
	// DefaultName is the agent identity the tool core registers under.
	DefaultName = "toolcore"
	// DefaultPollInterval is the period between sandbox result polls.
	DefaultPollInterval = time.Second
	// DefaultMaxPollFailures bounds consecutive transport errors per
	// pending execution before it is reported failed.
	DefaultMaxPollFailures = 5
	// DefaultFilesRoot boxes the builtin file tools.
	DefaultFilesRoot = "workspace"
)

// Execution statuses reported to HTTP callers.
const (
	StatusAcknowledged    = "acknowledged"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusValidationError = "validation_error"
	StatusNotFound        = "not_found"
)

// errToolInactive marks a registered tool whose active flag is off.
// Its text is the exact message callers see.
var errToolInactive = errors.New("tool is not active")

type (
	// Request is one tool invocation, from HTTP or from the bus.
	Request struct {
		ToolName        string         `json:"tool_name"`
		Parameters      map[string]any `json:"parameters,omitempty"`
		DryRun          bool           `json:"dry_run,omitempty"`
		RequestingAgent string         `json:"requesting_agent,omitempty"`
		TaskID          string         `json:"task_id,omitempty"`
	}

	// Response reports the outcome of accepting a Request. Executions
	// are asynchronous: acknowledged responses carry the execution id
	// and the result arrives over the bus.
	Response struct {
		Status           string              `json:"status"`
		ExecutionID      string              `json:"execution_id,omitempty"`
		Result           map[string]any      `json:"result,omitempty"`
		Error            string              `json:"error,omitempty"`
		ValidationErrors map[string][]string `json:"validation_errors,omitempty"`
	}

	// Config assembles a Service. Bus and Registry are required.
	Config struct {
		// Bus carries tool requests in and results out.
		Bus bus.Bus
		// Registry holds the operator-managed tool definitions.
		Registry *Registry
		// Sandbox executes python_sandbox submissions. Nil disables
		// sandbox tools.
		Sandbox *SandboxClient
		// Name defaults to "toolcore".
		Name string
		// RequestChannel defaults to bus.DefaultToolRequestChannel.
		RequestChannel string
		// FrontendChannel defaults to bus.DefaultFrontendChannel.
		FrontendChannel string
		// OrchestratorName defaults to the publisher default.
		OrchestratorName string
		// FilesRoot boxes the builtin file tools. Defaults to
		// DefaultFilesRoot.
		FilesRoot string
		// PollInterval defaults to DefaultPollInterval.
		PollInterval time.Duration
		// MaxPollFailures defaults to DefaultMaxPollFailures.
		MaxPollFailures int
		// ScriptTimeout defaults to DefaultScriptTimeout.
		ScriptTimeout time.Duration
		// HeartbeatInterval and HeartbeatTTL configure the runtime
		// shell; zero values take the runtime defaults.
		HeartbeatInterval time.Duration
		HeartbeatTTL      time.Duration
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
		// Metrics defaults to the noop sink.
		Metrics telemetry.Metrics
	}

	// Service validates, dispatches and reports tool executions. It
	// serves HTTP through API and the bus through Run.
	Service struct {
		runtime.NopAgent

		bus      bus.Bus
		registry *Registry
		sandbox  *SandboxClient
		pub      *runtime.Publisher
		log      telemetry.Logger
		metrics  telemetry.Metrics

		name            string
		requestChannel  string
		pollInterval    time.Duration
		maxPollFailures int
		scriptTimeout   time.Duration
		hbInterval      time.Duration
		hbTTL           time.Duration

		locals        map[string]LocalTool
		localSchemas  map[string]*jsonschema.Schema
		sandboxSchema *jsonschema.Schema

		mu      sync.Mutex
		pending map[string]*pendingExecution
		baseCtx context.Context

		wg sync.WaitGroup
	}

	// invocation is one accepted execution in flight.
	invocation struct {
		executionID string
		taskID      string
		tool        string
		agent       string
		params      map[string]any
	}

	// resolved names the execution strategy for a tool.
	resolved struct {
		kind   string
		local  LocalFunc
		script string
		schema *jsonschema.Schema
	}

	// pendingExecution tracks a sandbox submission awaiting its result.
	pendingExecution struct {
		inv       *invocation
		sandboxID string
		startedAt time.Time
		failures  int
	}
)

// New builds a Service from cfg.
func New(cfg Config) (*Service, error) {
	if cfg.Bus == nil {
		return nil, errors.New("toolcore: bus is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("toolcore: registry is required")
	}
	name := cfg.Name
	if name == "" {
		name = DefaultName
	}
	requestChannel := cfg.RequestChannel
	if requestChannel == "" {
		requestChannel = bus.DefaultToolRequestChannel
	}
	root := cfg.FilesRoot
	if root == "" {
		root = DefaultFilesRoot
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	maxPollFailures := cfg.MaxPollFailures
	if maxPollFailures <= 0 {
		maxPollFailures = DefaultMaxPollFailures
	}
	scriptTimeout := cfg.ScriptTimeout
	if scriptTimeout <= 0 {
		scriptTimeout = DefaultScriptTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	locals := BuiltinTools(root)
	localSchemas := make(map[string]*jsonschema.Schema, len(locals))
	for lname, tool := range locals {
		sch, err := compileSchema(lname, tool.Schema)
		if err != nil {
			return nil, fmt.Errorf("toolcore: builtin %s: %w", lname, err)
		}
		localSchemas[lname] = sch
	}
	sandboxSchema, err := compileSchema(SandboxToolName, sandboxParameterSchema)
	if err != nil {
		return nil, fmt.Errorf("toolcore: %s: %w", SandboxToolName, err)
	}

	popts := []runtime.PublisherOption{runtime.WithPublisherLogger(logger)}
	if cfg.FrontendChannel != "" {
		popts = append(popts, runtime.WithFrontendChannel(cfg.FrontendChannel))
	}
	if cfg.OrchestratorName != "" {
		popts = append(popts, runtime.WithOrchestratorName(cfg.OrchestratorName))
	}

	return &Service{
		bus:             cfg.Bus,
		registry:        cfg.Registry,
		sandbox:         cfg.Sandbox,
		pub:             runtime.NewPublisher(cfg.Bus, name, popts...),
		log:             logger,
		metrics:         metrics,
		name:            name,
		requestChannel:  requestChannel,
		pollInterval:    pollInterval,
		maxPollFailures: maxPollFailures,
		scriptTimeout:   scriptTimeout,
		hbInterval:      cfg.HeartbeatInterval,
		hbTTL:           cfg.HeartbeatTTL,
		locals:          locals,
		localSchemas:    localSchemas,
		sandboxSchema:   sandboxSchema,
		pending:         make(map[string]*pendingExecution),
	}, nil
}

// Name returns the agent identity the service registers under.
func (s *Service) Name() string { return s.name }

// Execute accepts one invocation. Local and script tools run in the
// background and publish their result on the bus; sandbox tools are
// submitted and polled. The response reports acceptance, not the
// outcome, except for dry runs and rejections.
func (s *Service) Execute(ctx context.Context, req *Request) *Response {
	return s.execute(ctx, req, uuid.NewString())
}

func (s *Service) execute(ctx context.Context, req *Request, executionID string) *Response {
	if req.ToolName == "" {
		return &Response{Status: StatusFailed, Error: "tool_name is required"}
	}
	res, err := s.resolve(req.ToolName)
	if err != nil {
		switch {
		case errors.Is(err, ErrToolNotFound):
			return &Response{Status: StatusNotFound, Error: fmt.Sprintf("tool %q is not registered", req.ToolName)}
		case errors.Is(err, errToolInactive):
			return &Response{Status: StatusFailed, Error: errToolInactive.Error()}
		default:
			return &Response{Status: StatusFailed, Error: err.Error()}
		}
	}
	if res.kind == TypeSandbox && s.sandbox == nil {
		return &Response{Status: StatusFailed, Error: "sandbox execution is not configured"}
	}
	if violations := validateAgainst(res.schema, req.Parameters); len(violations) > 0 {
		s.metrics.IncCounter("tool_validation_failures", 1, "tool", req.ToolName)
		return &Response{
			Status:           StatusValidationError,
			Error:            "parameters do not satisfy the tool schema",
			ValidationErrors: violations,
		}
	}
	if req.DryRun {
		return &Response{Status: StatusCompleted, Result: dryRunPayload()}
	}

	inv := &invocation{
		executionID: executionID,
		taskID:      req.TaskID,
		tool:        req.ToolName,
		agent:       req.RequestingAgent,
		params:      req.Parameters,
	}
	if inv.taskID == "" {
		inv.taskID = wire.NewTaskID()
	}
	s.wg.Add(1)
	// The execution outlives the request: it runs on the service
	// lifecycle context, carrying over the request's observability state.
	go s.runExecution(telemetry.MergeContext(s.execCtx(), ctx), res, inv)
	return &Response{Status: StatusAcknowledged, ExecutionID: executionID}
}

// resolve maps a tool name to its execution strategy. Registry entries
// govern builtins of the same name, so operators can deactivate or
// re-schema them; otherwise builtins and python_sandbox are always
// available.
func (s *Service) resolve(name string) (*resolved, error) {
	if def, ok := s.registry.Get(name); ok {
		if !def.Active {
			return nil, errToolInactive
		}
		sch, err := s.registry.Schema(name)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", name, err)
		}
		switch def.Type {
		case TypeScript:
			return &resolved{kind: TypeScript, script: def.Path, schema: sch}, nil
		case TypeSandbox:
			return &resolved{kind: TypeSandbox, schema: sch}, nil
		default:
			tool, ok := s.locals[name]
			if !ok {
				return nil, fmt.Errorf("local tool %q has no implementation", name)
			}
			return &resolved{kind: TypeLocal, local: tool.Run, schema: sch}, nil
		}
	}
	if name == SandboxToolName {
		return &resolved{kind: TypeSandbox, schema: s.sandboxSchema}, nil
	}
	if tool, ok := s.locals[name]; ok {
		return &resolved{kind: TypeLocal, local: tool.Run, schema: s.localSchemas[name]}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

func (s *Service) runExecution(ctx context.Context, res *resolved, inv *invocation) {
	defer s.wg.Done()
	start := time.Now()
	switch res.kind {
	case TypeSandbox:
		code := stringParam(inv.params, "code")
		deps := stringSlice(inv.params, "dependencies")
		sandboxID, err := s.sandbox.Submit(ctx, inv.taskID, inv.agent, code, deps)
		if err != nil {
			s.publishFailure(ctx, inv, fmt.Sprintf("sandbox submission failed: %v", err))
			return
		}
		s.track(inv, sandboxID)
		s.log.Info(ctx, "sandbox execution submitted",
			"tool", inv.tool, "execution_id", inv.executionID, "sandbox_id", sandboxID)
	case TypeScript:
		out, err := runScript(ctx, res.script, inv.params, s.scriptTimeout)
		s.finish(ctx, inv, out, err, start)
	default:
		out, err := res.local(ctx, inv.params)
		s.finish(ctx, inv, out, err, start)
	}
}

// finish converts a tool return into a published result. Tools report
// soft failures with status "error" in their payload.
func (s *Service) finish(ctx context.Context, inv *invocation, out map[string]any, err error, start time.Time) {
	s.metrics.RecordTimer("tool_execution_duration", time.Since(start), "tool", inv.tool)
	if err != nil {
		s.publishFailure(ctx, inv, err.Error())
		return
	}
	if status, _ := out["status"].(string); status == "error" {
		msg, _ := out["error"].(string)
		if msg == "" {
			msg = fmt.Sprintf("tool %s reported an error", inv.tool)
		}
		s.publishFailure(ctx, inv, msg)
		return
	}
	s.publishSuccess(ctx, inv, out)
}

func (s *Service) publishSuccess(ctx context.Context, inv *invocation, out map[string]any) {
	s.metrics.IncCounter("tool_executions", 1, "tool", inv.tool, "outcome", "success")
	content := "{}"
	if raw, err := json.Marshal(out); err == nil {
		content = string(raw)
	}
	res := wire.NewTaskResult(inv.taskID, s.name, content, inv.agent, wire.EventToolComplete, wire.OutcomeSuccess)
	res.Intent = wire.IntentToolResponse
	res.SetExecutionID(inv.executionID)
	s.deliver(ctx, inv, res)
}

func (s *Service) publishFailure(ctx context.Context, inv *invocation, reason string) {
	s.metrics.IncCounter("tool_executions", 1, "tool", inv.tool, "outcome", "failure")
	content := fmt.Sprintf("Tool %s failed: %s", inv.tool, reason)
	res := wire.NewTaskResult(inv.taskID, s.name, content, inv.agent, wire.EventFail, wire.OutcomeFailure)
	res.Intent = wire.IntentToolResponse
	res.Confidence = 0
	res.SetExecutionID(inv.executionID)
	s.deliver(ctx, inv, res)
}

// deliver sends a result to the requesting agent's channel and mirrors
// it on the frontend channel.
func (s *Service) deliver(ctx context.Context, inv *invocation, res *wire.TaskResult) {
	if inv.agent != "" {
		if err := s.pub.ToAgent(ctx, inv.agent, res); err != nil {
			s.log.Error(ctx, "publish tool result to agent failed",
				"tool", inv.tool, "agent", inv.agent, "err", err)
		}
	}
	if err := s.pub.ToFrontend(ctx, res); err != nil {
		s.log.Error(ctx, "publish tool result to frontend failed",
			"tool", inv.tool, "err", err)
	}
}

// track registers a sandbox submission for polling and push resolution.
func (s *Service) track(inv *invocation, sandboxID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[sandboxID] = &pendingExecution{inv: inv, sandboxID: sandboxID, startedAt: time.Now()}
}

// take removes and returns the pending execution for sandboxID.
func (s *Service) take(sandboxID string) *pendingExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[sandboxID]
	if !ok {
		return nil
	}
	delete(s.pending, sandboxID)
	return p
}

func (s *Service) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run serves the bus until ctx is canceled: the runtime shell provides
// the heartbeat and agent channel, plus subscriptions on the shared
// tool request channel and the sandbox push channel, plus the result
// poll loop.
func (s *Service) Run(ctx context.Context) error {
	rt, err := runtime.New(runtime.Config{
		Bus:               s.bus,
		Agent:             s,
		Name:              s.name,
		Publisher:         s.pub,
		HeartbeatInterval: s.hbInterval,
		HeartbeatTTL:      s.hbTTL,
		Logger:            s.log,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	reqSub, err := s.bus.Subscribe(ctx, s.requestChannel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.requestChannel, err)
	}
	defer reqSub.Close()
	pushSub, err := s.bus.Subscribe(ctx, bus.SandboxResultsChannel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.SandboxResultsChannel, err)
	}
	defer pushSub.Close()

	s.wg.Add(3)
	go s.consumeRequests(ctx, reqSub)
	go s.consumeSandboxNotices(ctx, pushSub)
	go s.pollLoop(ctx)

	err = rt.Run(ctx)
	cancel()
	reqSub.Close()
	pushSub.Close()
	s.wg.Wait()
	return err
}

// consumeRequests serves tool_request tasks published on the shared
// request channel.
func (s *Service) consumeRequests(ctx context.Context, sub bus.Subscription) {
	defer s.wg.Done()
	for data := range sub.Messages() {
		env, err := wire.Decode(data)
		if err != nil {
			s.log.Warn(ctx, "drop undecodable tool request", "err", err)
			continue
		}
		t, ok := env.(*wire.Task)
		if !ok || t.Intent != wire.IntentToolRequest {
			s.log.Debug(ctx, "ignore non tool_request traffic", "kind", env.Kind())
			continue
		}
		s.wg.Add(1)
		go func(t *wire.Task) {
			defer s.wg.Done()
			if err := s.ServeTask(ctx, t); err != nil {
				s.log.Error(ctx, "serve tool request failed", "task_id", t.TaskID, "err", err)
			}
		}(t)
	}
}

// consumeSandboxNotices resolves pending executions from results the
// sandbox pushes, ahead of the poll loop.
func (s *Service) consumeSandboxNotices(ctx context.Context, sub bus.Subscription) {
	defer s.wg.Done()
	for data := range sub.Messages() {
		var res SandboxResult
		if err := json.Unmarshal(data, &res); err != nil {
			s.log.Warn(ctx, "drop undecodable sandbox notice", "err", err)
			continue
		}
		if res.ExecutionID == "" {
			s.log.Warn(ctx, "drop sandbox notice without execution_id")
			continue
		}
		p := s.take(res.ExecutionID)
		if p == nil {
			// Already resolved by the poll loop, or not ours.
			continue
		}
		s.publishSandboxResult(ctx, p, &res)
	}
}

// pollLoop periodically polls the sandbox for every pending execution.
func (s *Service) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollPending(ctx)
		}
	}
}

func (s *Service) pollPending(ctx context.Context) {
	if s.sandbox == nil {
		return
	}
	s.mu.Lock()
	snapshot := make([]*pendingExecution, 0, len(s.pending))
	for _, p := range s.pending {
		snapshot = append(snapshot, p)
	}
	s.mu.Unlock()

	for _, p := range snapshot {
		res, err := s.sandbox.Result(ctx, p.sandboxID)
		switch {
		case errors.Is(err, ErrExecutionNotFound):
			if taken := s.take(p.sandboxID); taken != nil {
				s.publishFailure(ctx, taken.inv, "execution result not found")
			}
		case err != nil:
			if s.recordPollFailure(p.sandboxID) >= s.maxPollFailures {
				if taken := s.take(p.sandboxID); taken != nil {
					s.publishFailure(ctx, taken.inv,
						fmt.Sprintf("no sandbox result after %d poll attempts: %v", s.maxPollFailures, err))
				}
			} else {
				s.log.Warn(ctx, "sandbox poll failed",
					"sandbox_id", p.sandboxID, "err", err)
			}
		case res == nil:
			// Still running; successful contact resets the failure run.
			s.resetPollFailures(p.sandboxID)
		default:
			if taken := s.take(p.sandboxID); taken != nil {
				s.publishSandboxResult(ctx, taken, res)
			}
		}
	}
}

// recordPollFailure bumps the consecutive failure count for sandboxID
// and returns the new value.
func (s *Service) recordPollFailure(sandboxID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[sandboxID]
	if !ok {
		return 0
	}
	p.failures++
	return p.failures
}

func (s *Service) resetPollFailures(sandboxID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[sandboxID]; ok {
		p.failures = 0
	}
}

// publishSandboxResult converts a completed sandbox report into the
// published tool result.
func (s *Service) publishSandboxResult(ctx context.Context, p *pendingExecution, res *SandboxResult) {
	s.metrics.RecordTimer("tool_execution_duration", time.Since(p.startedAt), "tool", p.inv.tool)
	if res.Failed() {
		s.publishFailure(ctx, p.inv, res.FailureMessage())
		return
	}
	doc := map[string]any{
		"status":         "success",
		"stdout":         res.Stdout,
		"execution_time": res.ExecutionTime,
	}
	if res.Stderr != "" {
		doc["stderr"] = res.Stderr
	}
	if len(res.OutputFiles) > 0 {
		doc["output_files"] = res.OutputFiles
	}
	s.publishSuccess(ctx, p.inv, doc)
}

// ServeTask handles one tool_request task from the bus. Acceptance is
// acknowledged with a system message on the requester's channel; the
// result itself follows as a task_result once the execution ends.
func (s *Service) ServeTask(ctx context.Context, t *wire.Task) error {
	if t.TaskID == "" {
		t.TaskID = wire.NewTaskID()
	}
	executionID := t.ExecutionID()
	if executionID == "" {
		executionID = uuid.NewString()
	}
	req, err := wire.ParseToolRequest(t.Content)
	if err != nil {
		inv := &invocation{executionID: executionID, taskID: t.TaskID, tool: "unknown", agent: t.Agent}
		s.publishFailure(ctx, inv, fmt.Sprintf("invalid tool request: %v", err))
		return nil
	}
	inv := &invocation{executionID: executionID, taskID: t.TaskID, tool: req.ToolName, agent: t.Agent}

	resp := s.execute(ctx, &Request{
		ToolName:        req.ToolName,
		Parameters:      req.Parameters,
		DryRun:          req.DryRun,
		RequestingAgent: t.Agent,
		TaskID:          t.TaskID,
	}, executionID)

	switch resp.Status {
	case StatusAcknowledged:
		return s.acknowledge(ctx, inv, resp)
	case StatusCompleted:
		s.publishSuccess(ctx, inv, resp.Result)
		return nil
	default:
		reason := resp.Error
		if resp.Status == StatusValidationError {
			if detail := formatViolations(resp.ValidationErrors); detail != "" {
				reason = fmt.Sprintf("%s (%s)", reason, detail)
			}
		}
		s.publishFailure(ctx, inv, reason)
		return nil
	}
}

// acknowledge tells the requester the execution was accepted. It is a
// system message, not a tool response: the requester's pending call
// stays open until the result arrives.
func (s *Service) acknowledge(ctx context.Context, inv *invocation, resp *Response) error {
	if inv.agent == "" {
		return nil
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	msg := wire.NewMessage(wire.IntentSystem, s.name, string(raw), inv.agent)
	msg.TaskID = inv.taskID
	return s.pub.ToAgent(ctx, inv.agent, msg)
}

// HandleUnknown serves tool_request tasks addressed straight to the
// tool core's own channel.
func (s *Service) HandleUnknown(ctx context.Context, env wire.Envelope) error {
	if t, ok := env.(*wire.Task); ok && t.Intent == wire.IntentToolRequest {
		return s.ServeTask(ctx, t)
	}
	s.log.Warn(ctx, "unhandled envelope", "kind", env.Kind(), "sender", env.Sender())
	return nil
}

// HandleCheckStatus reports the in-flight sandbox execution count.
func (s *Service) HandleCheckStatus(ctx context.Context, env wire.Envelope) error {
	return s.pub.Update(ctx, envelopeTaskID(env), wire.EventInfo,
		fmt.Sprintf("Tool core ready, %d executions in flight.", s.pendingCount()), env.Sender())
}

// ExecuteUpload runs an uploaded script once and publishes the result
// like any other execution. The script never enters the registry.
func (s *Service) ExecuteUpload(ctx context.Context, filename string, script []byte, req *Request) *Response {
	if len(script) == 0 {
		return &Response{Status: StatusFailed, Error: "uploaded script is empty"}
	}
	if req.DryRun {
		return &Response{Status: StatusCompleted, Result: dryRunPayload()}
	}
	executionID := uuid.NewString()
	inv := &invocation{
		executionID: executionID,
		taskID:      req.TaskID,
		tool:        req.ToolName,
		agent:       req.RequestingAgent,
		params:      req.Parameters,
	}
	if inv.tool == "" {
		inv.tool = "uploaded_script"
	}
	if inv.taskID == "" {
		inv.taskID = wire.NewTaskID()
	}

	dir, err := os.MkdirTemp("", "toolcore-upload-")
	if err != nil {
		return &Response{Status: StatusFailed, Error: fmt.Sprintf("stage upload: %v", err)}
	}
	base := filepath.Base(filename)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "upload.py"
	}
	path := filepath.Join(dir, base)
	if err := os.WriteFile(path, script, 0o600); err != nil {
		os.RemoveAll(dir)
		return &Response{Status: StatusFailed, Error: fmt.Sprintf("stage upload: %v", err)}
	}

	s.wg.Add(1)
	execCtx := telemetry.MergeContext(s.execCtx(), ctx)
	go func() {
		defer s.wg.Done()
		defer os.RemoveAll(dir)
		start := time.Now()
		out, err := runScript(execCtx, path, inv.params, s.scriptTimeout)
		s.finish(execCtx, inv, out, err, start)
	}()
	return &Response{Status: StatusAcknowledged, ExecutionID: executionID}
}

// execCtx returns the service lifecycle context for background work,
// Background when the service is used without Run.
func (s *Service) execCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

// dryRunPayload is the fixed success payload for dry runs.
func dryRunPayload() map[string]any {
	return map[string]any{
		"dry_run_status": "valid",
		"message":        "Dry run successful: Parameters are valid.",
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
