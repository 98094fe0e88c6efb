// Package coordinator aggregates agent liveness into readiness
// snapshots. It polls the heartbeat key of every required agent,
// stores the aggregate under the system status key and broadcasts it
// to the frontend so operators and clients see the same picture.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parleylabs/parley/bus"
	"github.com/parleylabs/parley/runtime"
	"github.com/parleylabs/parley/telemetry"
	"github.com/parleylabs/parley/wire"
)

const (
	// DefaultName is the coordinator's bus identity.
	DefaultName = "coordinator"
	// DefaultReadyTimeout bounds the startup wait for required agents.
	DefaultReadyTimeout = 60 * time.Second
	// DefaultCheckInterval is the base heartbeat polling period. The
	// monitor loop runs at twice this so the coordinator never races
	// the agents' own heartbeat writes.
	DefaultCheckInterval = 10 * time.Second
)

type (
	// Status is one readiness snapshot.
	Status struct {
		SystemReady   bool              `json:"system_ready"`
		AgentStatus   map[string]string `json:"agent_status"`
		MissingAgents []string          `json:"missing_agents"`
		Timestamp     wire.Time         `json:"timestamp"`
	}

	// Config assembles a Coordinator. Bus is required.
	Config struct {
		// Bus supplies heartbeat reads, status writes and publishing.
		Bus bus.Bus
		// RequiredAgents are the identities readiness is judged on.
		// With none configured the system counts as ready.
		RequiredAgents []string
		// Name defaults to DefaultName.
		Name string
		// FrontendChannel overrides the broadcast topic.
		FrontendChannel string
		// ReadyTimeout bounds WaitForAgents. Defaults to 60s.
		ReadyTimeout time.Duration
		// CheckInterval is the poll period. Defaults to 10s.
		CheckInterval time.Duration
		// HeartbeatInterval and HeartbeatTTL tune the coordinator's
		// own liveness marker.
		HeartbeatInterval time.Duration
		HeartbeatTTL      time.Duration
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
		// Metrics defaults to the noop sink.
		Metrics telemetry.Metrics
	}

	// Coordinator monitors required agents and publishes readiness.
	Coordinator struct {
		runtime.NopAgent

		b             bus.Bus
		name          string
		required      []string
		readyTimeout  time.Duration
		checkInterval time.Duration
		hbInterval    time.Duration
		hbTTL         time.Duration
		pub           *runtime.Publisher
		log           telemetry.Logger
		metrics       telemetry.Metrics
	}
)

// New builds a Coordinator from cfg.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Bus == nil {
		return nil, errors.New("coordinator: bus is required")
	}
	name := cfg.Name
	if name == "" {
		name = DefaultName
	}
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	checkInterval := cfg.CheckInterval
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	popts := []runtime.PublisherOption{runtime.WithPublisherLogger(logger)}
	if cfg.FrontendChannel != "" {
		popts = append(popts, runtime.WithFrontendChannel(cfg.FrontendChannel))
	}
	return &Coordinator{
		b:             cfg.Bus,
		name:          name,
		required:      cfg.RequiredAgents,
		readyTimeout:  readyTimeout,
		checkInterval: checkInterval,
		hbInterval:    cfg.HeartbeatInterval,
		hbTTL:         cfg.HeartbeatTTL,
		pub:           runtime.NewPublisher(cfg.Bus, name, popts...),
		log:           logger,
		metrics:       metrics,
	}, nil
}

// Check reads every required agent's heartbeat and aggregates the
// result. Agents whose key is missing, expired or unreadable count as
// offline.
func (c *Coordinator) Check(ctx context.Context) Status {
	agents := make(map[string]string, len(c.required))
	missing := make([]string, 0)
	for _, agent := range c.required {
		v, ok, err := c.b.Get(ctx, bus.HeartbeatKey(agent))
		if err != nil {
			c.log.Warn(ctx, "heartbeat read failed", "agent", agent, "err", err)
		}
		if err == nil && ok && v == bus.HeartbeatAlive {
			agents[agent] = "alive"
			continue
		}
		agents[agent] = "offline"
		missing = append(missing, agent)
	}
	return Status{
		SystemReady:   len(missing) == 0,
		AgentStatus:   agents,
		MissingAgents: missing,
		Timestamp:     wire.Now(),
	}
}

// publishStatus stores one snapshot under the system status key and
// broadcasts it to the frontend.
func (c *Coordinator) publishStatus(ctx context.Context) error {
	st := c.Check(ctx)
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := c.b.SetWithTTL(ctx, bus.SystemStatusKey, string(data), bus.SystemStatusTTL); err != nil {
		return fmt.Errorf("store status: %w", err)
	}
	env := wire.NewWSEnvelope("system_status_update", map[string]any{
		"system_ready":   st.SystemReady,
		"agent_status":   st.AgentStatus,
		"missing_agents": st.MissingAgents,
		"timestamp":      st.Timestamp,
	})
	if err := c.pub.ToFrontend(ctx, env); err != nil {
		return err
	}
	c.metrics.IncCounter("coordinator_status_published", 1, "ready", strconv.FormatBool(st.SystemReady))
	return nil
}

// WaitForAgents blocks until every required agent reports alive, the
// ready timeout elapses or ctx is canceled. It reports whether the
// system became ready.
func (c *Coordinator) WaitForAgents(ctx context.Context) bool {
	c.log.Info(ctx, "waiting for required agents",
		"agents", strings.Join(c.required, ","), "timeout", c.readyTimeout)
	deadline := time.Now().Add(c.readyTimeout)
	for {
		st := c.Check(ctx)
		if st.SystemReady {
			c.log.Info(ctx, "all required agents ready")
			return true
		}
		if !time.Now().Before(deadline) {
			c.log.Warn(ctx, "agents not ready before timeout",
				"missing", strings.Join(st.MissingAgents, ","))
			return false
		}
		c.log.Info(ctx, "still waiting for agents",
			"missing", strings.Join(st.MissingAgents, ","))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.checkInterval):
		}
	}
}

// monitor publishes snapshots until ctx is canceled, backing off after
// publish failures.
func (c *Coordinator) monitor(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		interval := c.checkInterval * 2
		if err := c.publishStatus(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error(ctx, "status publish failed", "err", err)
			interval = c.checkInterval * 4
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Run announces the coordinator, waits for the required agents and
// then monitors them until ctx is canceled. The initial wait never
// blocks monitoring forever: after the ready timeout the loop starts
// regardless and keeps reporting the degraded state.
func (c *Coordinator) Run(ctx context.Context) error {
	rt, err := runtime.New(runtime.Config{
		Bus:               c.b,
		Agent:             c,
		Name:              c.name,
		Publisher:         c.pub,
		HeartbeatInterval: c.hbInterval,
		HeartbeatTTL:      c.hbTTL,
		Logger:            c.log,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.pub.System(ctx, fmt.Sprintf("%s online and monitoring system health.", c.name), "system_init"); err != nil {
		c.log.Warn(ctx, "startup announcement failed", "err", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if !c.WaitForAgents(ctx) && ctx.Err() == nil {
			c.log.Warn(ctx, "not all required agents ready, monitoring anyway")
		}
		c.monitor(ctx)
	}()

	err = rt.Run(ctx)
	wg.Wait()
	return err
}

// HandleChatMessage answers status queries and acknowledges the rest.
func (c *Coordinator) HandleChatMessage(ctx context.Context, m *wire.Message) error {
	if !strings.Contains(strings.ToLower(m.Content), "status") {
		reply := wire.NewMessage(wire.IntentChat, c.name, "Coordinator acknowledges chat.", m.Agent)
		reply.TaskID = m.TaskID
		return c.pub.ToAgent(ctx, m.Agent, reply)
	}
	st := c.Check(ctx)
	readiness := "not ready"
	if st.SystemReady {
		readiness = "ready"
	}
	missing := "none"
	if len(st.MissingAgents) > 0 {
		missing = strings.Join(st.MissingAgents, ", ")
	}
	reply := wire.NewMessage(wire.IntentChat, c.name,
		fmt.Sprintf("System is %s. Missing agents: %s.", readiness, missing), m.Agent)
	reply.TaskID = m.TaskID
	return errors.Join(
		c.pub.ToAgent(ctx, m.Agent, reply),
		c.pub.ToFrontend(ctx, reply),
	)
}

// HandleStartTask rejects general work; the coordinator only monitors.
func (c *Coordinator) HandleStartTask(ctx context.Context, t *wire.Task) error {
	c.log.Warn(ctx, "unexpected task", "task_id", t.TaskID, "from", t.Agent)
	return c.pub.Error(ctx, t.TaskID, "Coordinator does not accept general tasks.", t.Agent)
}

// HandleCheckStatus reports the current aggregate to the prober.
func (c *Coordinator) HandleCheckStatus(ctx context.Context, env wire.Envelope) error {
	st := c.Check(ctx)
	return c.pub.Update(ctx, envelopeTaskID(env), wire.EventInfo,
		fmt.Sprintf("System ready: %t. Offline: %d of %d required agents.",
			st.SystemReady, len(st.MissingAgents), len(c.required)), env.Sender())
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
