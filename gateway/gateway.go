// Package gateway multiplexes websocket frontends onto the bus. Each
// client's utterances become Task envelopes addressed to the
// orchestrator; everything published on the frontend channel is
// classified and broadcast to every attached client.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"goa.design/clue/health"
	"golang.org/x/time/rate"

	"github.com/parleylabs/parley/bus"
	"github.com/parleylabs/parley/runtime"
	"github.com/parleylabs/parley/stream"
	"github.com/parleylabs/parley/telemetry"
	"github.com/parleylabs/parley/wire"
)

const (
	// DefaultName is the identity the gateway publishes under.
	DefaultName = "gateway"
	// DefaultSendBuffer is the per-client outbound queue length. A
	// client that falls this far behind is dropped.
	DefaultSendBuffer = 32
	// DefaultRateLimit caps sustained inbound messages per client.
	DefaultRateLimit rate.Limit = 10
	// DefaultRateBurst is the matching burst allowance.
	DefaultRateBurst = 20
)

// Inbound message types clients may send.
const (
	TypeChatMessage    = "chat_message"
	TypeStartTask      = "start_task"
	TypeGetAgentStatus = "get_agent_status"
)

type (
	// Config assembles a Gateway. Bus is required.
	Config struct {
		// Bus carries tasks out and frontend traffic in.
		Bus bus.Bus
		// OrchestratorName defaults to the publisher default.
		OrchestratorName string
		// FrontendChannel defaults to bus.DefaultFrontendChannel.
		FrontendChannel string
		// RequiredAgents answers get_agent_status probes.
		RequiredAgents []string
		// RateLimit and RateBurst bound inbound traffic per client.
		// Zero values take the defaults.
		RateLimit rate.Limit
		RateBurst int
		// SendBuffer defaults to DefaultSendBuffer.
		SendBuffer int
		// Streams relays generation deltas to clients when set.
		Streams *stream.Subscriber
		// Pingers back the health endpoint.
		Pingers []health.Pinger
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
		// Metrics defaults to the noop sink.
		Metrics telemetry.Metrics
	}

	// Gateway accepts websocket clients and bridges them to the bus.
	Gateway struct {
		bus             bus.Bus
		pub             *runtime.Publisher
		orchestrator    string
		frontendChannel string
		required        []string
		limit           rate.Limit
		burst           int
		sendBuffer      int
		streams         *stream.Subscriber
		pingers         []health.Pinger
		log             telemetry.Logger
		metrics         telemetry.Metrics
		upgrader        websocket.Upgrader

		mu      sync.RWMutex
		clients map[string]*client
	}
)

// New builds a Gateway from cfg.
func New(cfg Config) (*Gateway, error) {
	if cfg.Bus == nil {
		return nil, errors.New("gateway: bus is required")
	}
	frontendChannel := cfg.FrontendChannel
	if frontendChannel == "" {
		frontendChannel = bus.DefaultFrontendChannel
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = DefaultRateBurst
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	popts := []runtime.PublisherOption{
		runtime.WithFrontendChannel(frontendChannel),
		runtime.WithPublisherLogger(logger),
	}
	if cfg.OrchestratorName != "" {
		popts = append(popts, runtime.WithOrchestratorName(cfg.OrchestratorName))
	}
	pub := runtime.NewPublisher(cfg.Bus, DefaultName, popts...)
	return &Gateway{
		bus:             cfg.Bus,
		pub:             pub,
		orchestrator:    pub.Orchestrator(),
		frontendChannel: frontendChannel,
		required:        cfg.RequiredAgents,
		limit:           limit,
		burst:           burst,
		sendBuffer:      sendBuffer,
		streams:         cfg.Streams,
		pingers:         cfg.Pingers,
		log:             logger,
		metrics:         metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}, nil
}

// Handler returns the gateway router: the websocket endpoint and the
// health probe. Callers wrap it with whatever middleware the process
// uses.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", g.handleWS)
	r.Get("/healthz", health.Handler(health.NewChecker(g.pingers...)))
	return r
}

// Run relays frontend channel traffic to connected clients until ctx
// is canceled. When a delta stream subscriber is configured its
// updates are relayed too.
func (g *Gateway) Run(ctx context.Context) error {
	sub, err := g.bus.Subscribe(ctx, g.frontendChannel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", g.frontendChannel, err)
	}
	defer sub.Close()

	if g.streams != nil {
		updates, errs, stop, err := g.streams.Subscribe(ctx)
		if err != nil {
			// Deltas are an enhancement: run without them.
			g.log.Warn(ctx, "delta stream unavailable", "err", err)
		} else {
			defer stop()
			go g.relayDeltas(ctx, updates, errs)
		}
	}

	g.log.Info(ctx, "gateway relaying", "channel", g.frontendChannel)
	for {
		select {
		case <-ctx.Done():
			g.closeAll()
			return nil
		case data, ok := <-sub.Messages():
			if !ok {
				g.closeAll()
				return nil
			}
			g.relay(ctx, data)
		}
	}
}

// relay classifies one frontend channel envelope and broadcasts it.
func (g *Gateway) relay(ctx context.Context, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		g.log.Warn(ctx, "drop undecodable frontend envelope", "err", err)
		g.metrics.IncCounter("gateway_decode_errors", 1)
		return
	}
	// Never echo a client's own traffic back to the frontend.
	if g.isClient(env.Sender()) {
		return
	}
	g.broadcast(ctx, classify(env))
}

// relayDeltas forwards generation deltas as stream_update frames.
func (g *Gateway) relayDeltas(ctx context.Context, updates <-chan *wire.StreamUpdate, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if ok && err != nil {
				g.log.Warn(ctx, "delta stream error", "err", err)
			}
		case u, ok := <-updates:
			if !ok {
				return
			}
			g.broadcast(ctx, wire.NewWSEnvelope("stream_update", map[string]any{
				"agent":   u.Agent,
				"task_id": u.TaskID,
				"delta":   u.Delta,
				"seq":     u.Seq,
				"done":    u.Done,
			}))
		}
	}
}

// classify maps a bus envelope to its frontend frame. Envelopes that
// are already frontend-shaped pass through unchanged.
func classify(env wire.Envelope) *wire.WSEnvelope {
	switch e := env.(type) {
	case *wire.TaskResult:
		payload := map[string]any{
			"agent":      e.Agent,
			"content":    e.Content,
			"task_id":    e.TaskID,
			"event":      e.Event,
			"outcome":    e.Outcome,
			"confidence": e.Confidence,
		}
		if len(e.ContributingAgents) > 0 {
			payload["contributing_agents"] = e.ContributingAgents
		}
		return wire.NewWSEnvelope("task_result", payload)
	case *wire.Task:
		return wire.NewWSEnvelope("task_update", map[string]any{
			"agent":        e.Agent,
			"content":      e.Content,
			"task_id":      e.TaskID,
			"event":        e.Event,
			"target_agent": e.TargetAgent,
			"confidence":   e.Confidence,
		})
	case *wire.Message:
		eventType := TypeChatMessage
		if e.Intent == wire.IntentSystem || e.Intent == wire.IntentOrchestration {
			eventType = "system_info"
		}
		return wire.NewWSEnvelope(eventType, map[string]any{
			"agent":   e.Agent,
			"content": e.Content,
			"intent":  e.Intent,
			"task_id": e.TaskID,
		})
	case *wire.WSEnvelope:
		return e
	default:
		return wire.NewWSEnvelope("error", map[string]any{
			"error": fmt.Sprintf("unsupported envelope kind %q", env.Kind()),
		})
	}
}

// broadcast fans an envelope to every client, dropping the stalled.
func (g *Gateway) broadcast(ctx context.Context, env *wire.WSEnvelope) {
	g.mu.RLock()
	targets := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		targets = append(targets, c)
	}
	g.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(env) {
			g.log.Warn(ctx, "drop stalled client", "client_id", c.id)
			g.drop(c)
		}
	}
	g.metrics.IncCounter("gateway_broadcasts", 1, "type", env.EventType)
}

// handleWS upgrades one connection and serves it until it closes.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied to the client.
		g.log.Warn(r.Context(), "websocket upgrade failed", "err", err)
		return
	}
	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan *wire.WSEnvelope, g.sendBuffer),
		limiter: rate.NewLimiter(g.limit, g.burst),
		gw:      g,
	}
	go c.writeLoop(r.Context())

	// The greeting goes out before the client can see any broadcast.
	c.enqueue(wire.NewWSEnvelope("system", map[string]any{
		"message":   "Connected",
		"client_id": c.id,
	}))
	g.register(c)
	g.metrics.IncCounter("gateway_connections", 1)
	g.log.Info(r.Context(), "client connected", "client_id", c.id)

	c.readLoop(r.Context())

	g.drop(c)
	g.log.Info(r.Context(), "client disconnected", "client_id", c.id)
}

func (g *Gateway) register(c *client) {
	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()
}

// drop unregisters and closes a client. Safe to call more than once.
func (g *Gateway) drop(c *client) {
	g.mu.Lock()
	delete(g.clients, c.id)
	g.mu.Unlock()
	c.close()
}

// isClient reports whether id belongs to a connected client.
func (g *Gateway) isClient(id string) bool {
	if id == "" {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.clients[id]
	return ok
}

// ClientCount returns the number of attached clients.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

func (g *Gateway) closeAll() {
	g.mu.Lock()
	clients := g.clients
	g.clients = make(map[string]*client)
	g.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
