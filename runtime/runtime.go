// Package runtime hosts the long-lived agent shell shared by every
// persona: the created → initialized → running → stopping → stopped
// lifecycle, the heartbeat and listener loops, the per-intent dispatch
// table, the publishing helpers and the tool request client.
//
// The shell owns everything that is the same across agents (liveness,
// subscription handling, decode policy, crash containment) so a persona
// only implements the handlers for the intents it serves.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parleylabs/parley/bus"
	"github.com/parleylabs/parley/telemetry"
	"github.com/parleylabs/parley/wire"
)

// State is the lifecycle phase of a Runtime.
type State int32

const (
	StateCreated State = iota
	StateInitialized
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	// DefaultHeartbeatInterval is the period between liveness writes.
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultHeartbeatTTL is how long a liveness key outlives its write.
	DefaultHeartbeatTTL = 15 * time.Second

	// stopGrace bounds the shutdown wait when Run drives the lifecycle.
	stopGrace = 5 * time.Second
)

type (
	// Config assembles a Runtime. Bus, Agent and Name are required.
	Config struct {
		// Bus is the message fabric the agent lives on.
		Bus bus.Bus
		// Agent handles dispatched envelopes.
		Agent Agent
		// Name is the canonical agent identity; it derives the channel
		// and heartbeat key.
		Name string
		// Publisher used for outbound traffic and crash reports.
		// Defaults to a publisher for Name on Bus.
		Publisher *Publisher
		// HeartbeatInterval defaults to 10s.
		HeartbeatInterval time.Duration
		// HeartbeatTTL defaults to 15s.
		HeartbeatTTL time.Duration
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
	}

	// Runtime runs one agent: a heartbeat loop plus a listener loop
	// that dispatches each inbound envelope on its own goroutine.
	Runtime struct {
		agent      Agent
		b          bus.Bus
		name       string
		pub        *Publisher
		hbInterval time.Duration
		hbTTL      time.Duration
		log        telemetry.Logger

		mu     sync.Mutex
		state  atomic.Int32
		cancel context.CancelFunc
		sub    bus.Subscription
		wg     sync.WaitGroup
	}
)

// New validates the configuration and builds a Runtime in the created
// state.
func New(cfg Config) (*Runtime, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if cfg.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	log := cfg.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = NewPublisher(cfg.Bus, cfg.Name, WithPublisherLogger(log))
	}
	hbInterval := cfg.HeartbeatInterval
	if hbInterval <= 0 {
		hbInterval = DefaultHeartbeatInterval
	}
	hbTTL := cfg.HeartbeatTTL
	if hbTTL <= 0 {
		hbTTL = DefaultHeartbeatTTL
	}
	return &Runtime{
		agent:      cfg.Agent,
		b:          cfg.Bus,
		name:       cfg.Name,
		pub:        pub,
		hbInterval: hbInterval,
		hbTTL:      hbTTL,
		log:        log,
	}, nil
}

// Name returns the agent identity this runtime serves.
func (r *Runtime) Name() string { return r.name }

// Publisher returns the outbound publisher, shared with the persona.
func (r *Runtime) Publisher() *Publisher { return r.pub }

// State returns the current lifecycle phase.
func (r *Runtime) State() State { return State(r.state.Load()) }

// Start subscribes to the agent channel and spawns the heartbeat and
// listener loops. It returns once both are running.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.State(); st != StateCreated {
		return fmt.Errorf("start %s: already %s", r.name, st)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub, err := r.b.Subscribe(ctx, bus.AgentChannel(r.name))
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", bus.AgentChannel(r.name), err)
	}
	r.cancel = cancel
	r.sub = sub
	r.state.Store(int32(StateInitialized))

	r.wg.Add(2)
	go r.heartbeatLoop(ctx)
	go r.listenLoop(ctx)

	r.state.Store(int32(StateRunning))
	r.log.Info(ctx, "agent started", "agent", r.name)
	return nil
}

// Stop cancels both loops, waits for in-flight handlers bounded by ctx
// and releases the subscription. Stopping an agent that never started
// is a no-op.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	st := r.State()
	if st != StateInitialized && st != StateRunning {
		r.mu.Unlock()
		return nil
	}
	r.state.Store(int32(StateStopping))
	cancel, sub := r.cancel, r.sub
	r.mu.Unlock()

	cancel()
	sub.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.state.Store(int32(StateStopped))
		return fmt.Errorf("stop %s: %w", r.name, ctx.Err())
	}
	r.state.Store(int32(StateStopped))
	r.log.Info(ctx, "agent stopped", "agent", r.name)
	return nil
}

// Run starts the agent and blocks until ctx is canceled, then stops it
// with a bounded grace period.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	return r.Stop(stopCtx)
}

// heartbeatLoop refreshes the liveness key every interval. Failed
// writes double the sleep, capped at twice the interval, so a broken
// bus is retried without hammering it.
func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	sleep := r.hbInterval
	for {
		if err := r.b.SetWithTTL(ctx, bus.HeartbeatKey(r.name), bus.HeartbeatAlive, r.hbTTL); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn(ctx, "heartbeat write failed", "agent", r.name, "err", err)
			sleep = min(sleep*2, 2*r.hbInterval)
		} else {
			sleep = r.hbInterval
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// listenLoop drains the agent channel. Undecodable payloads produce a
// single log line; everything else is handled on its own goroutine so
// a slow handler never stalls the listener.
func (r *Runtime) listenLoop(ctx context.Context) {
	defer r.wg.Done()
	for data := range r.sub.Messages() {
		env, err := wire.Decode(data)
		if err != nil {
			r.log.Warn(ctx, "drop undecodable envelope", "agent", r.name, "err", err)
			continue
		}
		r.wg.Add(1)
		go r.handle(ctx, env)
	}
}

// handle dispatches one envelope with crash containment: a panic or a
// returned error is logged and reported best-effort as a failure
// result for the envelope's task.
func (r *Runtime) handle(ctx context.Context, env wire.Envelope) {
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error(ctx, "handler panic", "agent", r.name, "panic", rec, "stack", string(debug.Stack()))
			r.reportFailure(ctx, env, fmt.Sprintf("handler crashed: %v", rec))
		}
	}()

	r.log.Debug(ctx, "dispatch", "agent", r.name, "intent", string(intentOf(env)), "kind", string(env.Kind()), "task_id", taskIDOf(env))
	if err := r.dispatch(ctx, env); err != nil {
		r.log.Error(ctx, "handle envelope", "agent", r.name, "intent", string(intentOf(env)), "err", err)
		r.reportFailure(ctx, env, err.Error())
	}
}

func (r *Runtime) reportFailure(ctx context.Context, env wire.Envelope, reason string) {
	taskID := taskIDOf(env)
	if taskID == "" {
		return
	}
	if err := r.pub.Error(ctx, taskID, reason, ""); err != nil {
		r.log.Error(ctx, "publish failure report", "agent", r.name, "task_id", taskID, "err", err)
	}
}

// dispatch places the envelope by (intent, body type). Combinations
// outside the table land in HandleUnknown.
func (r *Runtime) dispatch(ctx context.Context, env wire.Envelope) error {
	switch intentOf(env) {
	case wire.IntentStartTask:
		if t, ok := env.(*wire.Task); ok {
			return r.agent.HandleStartTask(ctx, t)
		}
	case wire.IntentModifyTask:
		switch env.(type) {
		case *wire.Task, *wire.TaskResult:
			return r.agent.HandleModifyTask(ctx, env)
		}
	case wire.IntentChat:
		if m, ok := env.(*wire.Message); ok {
			return r.agent.HandleChatMessage(ctx, m)
		}
	case wire.IntentCheckStatus:
		return r.agent.HandleCheckStatus(ctx, env)
	case wire.IntentToolResponse:
		if res, ok := env.(*wire.TaskResult); ok {
			return r.agent.HandleToolResponse(ctx, res)
		}
	case wire.IntentSystem:
		if m, ok := env.(*wire.Message); ok {
			return r.agent.HandleSystemMessage(ctx, m)
		}
	case wire.IntentOrchestration:
		if m, ok := env.(*wire.Message); ok {
			return r.agent.HandleOrchestrationMessage(ctx, m)
		}
	}
	return r.agent.HandleUnknown(ctx, env)
}

// intentOf extracts the intent from variants that carry one.
func intentOf(env wire.Envelope) wire.MessageIntent {
	switch e := env.(type) {
	case *wire.Message:
		return e.Intent
	case *wire.Task:
		return e.Intent
	case *wire.TaskResult:
		return e.Intent
	default:
		return ""
	}
}

// taskIDOf extracts the task correlation id from variants that carry one.
func taskIDOf(env wire.Envelope) string {
	switch e := env.(type) {
	case *wire.Message:
		return e.TaskID
	case *wire.Task:
		return e.TaskID
	case *wire.TaskResult:
		return e.TaskID
	case *wire.StreamUpdate:
		return e.TaskID
	default:
		return ""
	}
}
