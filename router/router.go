// Package router picks the agent a fresh task should go to and learns from
// how past assignments went.
//
// Selection runs through a fixed policy chain: a pluggable cluster model
// when one is configured and has a recommendation, per-agent performance
// scores when statistics exist for every candidate, uniform random
// otherwise. An exploration knob occasionally overrides the chain so new
// agents keep receiving traffic. Every decision is kept in a bounded
// in-memory log and appended to a DecisionStore for offline analysis.
package router

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/parleylabs/parley/effort"
	"github.com/parleylabs/parley/telemetry"
	"github.com/parleylabs/parley/wire"
)

// Selection methods recorded on decisions, in priority order.
const (
	MethodCluster     = "cluster_based"
	MethodPerformance = "performance_based"
	MethodRandom      = "random"
)

// Confidence assigned per selection method.
const (
	clusterConfidence     = 0.8
	performanceConfidence = 0.7
	randomConfidence      = 0.3
)

const (
	// DefaultLearningRate is the probability an exploration override
	// replaces the chain's pick.
	DefaultLearningRate = 0.1

	// DefaultClusterUpdateFrequency is how many completions pass between
	// cluster model retraining hooks.
	DefaultClusterUpdateFrequency = 50

	// decisionMemory bounds the in-memory decision log.
	decisionMemory = 1000
)

// ErrNoAgents is returned when Route is called with no candidates.
var ErrNoAgents = errors.New("route: no available agents")

type (
	// Decision records one routing choice.
	Decision struct {
		TaskID                 string    `json:"task_id" bson:"task_id"`
		Timestamp              wire.Time `json:"timestamp" bson:"timestamp"`
		Method                 string    `json:"method" bson:"method"`
		ChosenAgent            string    `json:"chosen_agent" bson:"chosen_agent"`
		Confidence             float64   `json:"confidence" bson:"confidence"`
		Alternatives           []string  `json:"alternatives,omitempty" bson:"alternatives,omitempty"`
		Exploration            bool      `json:"exploration,omitempty" bson:"exploration,omitempty"`
		OriginalRecommendation string    `json:"original_recommendation,omitempty" bson:"original_recommendation,omitempty"`
	}

	// Stats aggregates one agent's completed work. All fields update
	// incrementally on each completion.
	Stats struct {
		TasksCompleted int           `json:"tasks_completed"`
		SuccessRate    float64       `json:"success_rate"`
		AvgDuration    time.Duration `json:"avg_duration"`
		// NormalizedDuration is the average duration in minutes; the
		// performance score uses it so second-scale noise stays flat.
		NormalizedDuration float64 `json:"normalized_duration"`
	}

	// Completion is one finished assignment, batched to the cluster model
	// on its update cadence.
	Completion struct {
		Agent    string
		Duration time.Duration
		Success  bool
		At       time.Time
	}

	// ClusterModel supplies cluster-based recommendations. Recommend
	// returns ok=false when the model has nothing to say for this task;
	// Update lets the model retrain from completions accumulated since the
	// previous call.
	ClusterModel interface {
		Recommend(taskID, content string, available []string, diag *effort.Diagnostics) (agent string, ok bool)
		Update(ctx context.Context, recent []Completion)
	}

	// DecisionStore persists routing decisions. Append failures are logged
	// by the router and never fail the route.
	DecisionStore interface {
		Append(ctx context.Context, d *Decision) error
	}

	// Router selects agents and tracks their performance.
	Router struct {
		mu          sync.Mutex
		stats       map[string]*Stats
		decisions   []Decision
		pending     []Completion
		sinceUpdate int
		rng         *rand.Rand

		learningRate float64
		updateFreq   int
		model        ClusterModel
		store        DecisionStore
		log          telemetry.Logger
	}

	// Option configures a Router.
	Option func(*Router)
)

// WithLearningRate sets the exploration probability. Zero disables
// exploration entirely, making selection deterministic given fixed stats.
func WithLearningRate(rate float64) Option {
	return func(r *Router) {
		if rate >= 0 && rate <= 1 {
			r.learningRate = rate
		}
	}
}

// WithModel plugs in a cluster model as the first-priority selector.
func WithModel(m ClusterModel) Option {
	return func(r *Router) { r.model = m }
}

// WithStore sets the decision persistence backend.
func WithStore(s DecisionStore) Option {
	return func(r *Router) { r.store = s }
}

// WithLogger sets the logger used for store append failures.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Router) { r.log = l }
}

// WithClusterUpdateFrequency sets how many completions trigger one model
// update.
func WithClusterUpdateFrequency(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.updateFreq = n
		}
	}
}

// WithRand injects the random source, letting tests pin exploration and
// random selection.
func WithRand(rng *rand.Rand) Option {
	return func(r *Router) { r.rng = rng }
}

// New returns a Router with default learning rate and update frequency.
func New(opts ...Option) *Router {
	r := &Router{
		stats:        make(map[string]*Stats),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		learningRate: DefaultLearningRate,
		updateFreq:   DefaultClusterUpdateFrequency,
		log:          telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route picks an agent for the task. The decision is recorded in memory and
// appended to the configured store; a store failure is logged, never
// returned. Diagnostics from the effort estimate are forwarded to the
// cluster model as features.
func (r *Router) Route(ctx context.Context, taskID, content string, available []string, diag *effort.Diagnostics) (string, *Decision, error) {
	if len(available) == 0 {
		return "", nil, ErrNoAgents
	}

	r.mu.Lock()
	chosen, method, confidence := r.selectLocked(taskID, content, available, diag)

	exploration := false
	original := ""
	if r.learningRate > 0 && len(available) > 1 && r.rng.Float64() < r.learningRate {
		others := alternatives(available, chosen)
		original = chosen
		chosen = others[r.rng.Intn(len(others))]
		exploration = true
	}

	decision := &Decision{
		TaskID:                 taskID,
		Timestamp:              wire.Now(),
		Method:                 method,
		ChosenAgent:            chosen,
		Confidence:             confidence,
		Alternatives:           alternatives(available, chosen),
		Exploration:            exploration,
		OriginalRecommendation: original,
	}
	r.decisions = append(r.decisions, *decision)
	if len(r.decisions) > decisionMemory {
		r.decisions = r.decisions[len(r.decisions)-decisionMemory:]
	}
	store := r.store
	r.mu.Unlock()

	if store != nil {
		if err := store.Append(ctx, decision); err != nil {
			r.log.Error(ctx, "append routing decision", "task_id", taskID, "err", err)
		}
	}
	return chosen, decision, nil
}

func (r *Router) selectLocked(taskID, content string, available []string, diag *effort.Diagnostics) (string, string, float64) {
	if r.model != nil {
		if agent, ok := r.model.Recommend(taskID, content, available, diag); ok && contains(available, agent) {
			return agent, MethodCluster, clusterConfidence
		}
	}
	if r.statsCoverLocked(available) {
		best := ""
		bestScore := math.Inf(-1)
		for _, agent := range available {
			s := r.stats[agent]
			score := 0.6*s.SuccessRate + 0.4*(1/(s.NormalizedDuration+1))
			if score > bestScore {
				best, bestScore = agent, score
			}
		}
		return best, MethodPerformance, performanceConfidence
	}
	return available[r.rng.Intn(len(available))], MethodRandom, randomConfidence
}

func (r *Router) statsCoverLocked(available []string) bool {
	for _, agent := range available {
		if s := r.stats[agent]; s == nil || s.TasksCompleted == 0 {
			return false
		}
	}
	return true
}

// RecordCompletion folds one finished assignment into the agent's running
// statistics. Every updateFreq-th completion hands the accumulated batch to
// the cluster model's Update hook, outside the router lock.
func (r *Router) RecordCompletion(ctx context.Context, agent string, duration time.Duration, success bool) {
	r.mu.Lock()
	s := r.stats[agent]
	if s == nil {
		s = &Stats{}
		r.stats[agent] = s
	}
	s.TasksCompleted++
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	n := float64(s.TasksCompleted)
	s.SuccessRate += (outcome - s.SuccessRate) / n
	s.AvgDuration += time.Duration(float64(duration-s.AvgDuration) / n)
	s.NormalizedDuration = s.AvgDuration.Minutes()

	var (
		model ClusterModel
		batch []Completion
	)
	if r.model != nil {
		r.pending = append(r.pending, Completion{Agent: agent, Duration: duration, Success: success, At: time.Now()})
		r.sinceUpdate++
		if r.sinceUpdate >= r.updateFreq {
			r.sinceUpdate = 0
			model = r.model
			batch = r.pending
			r.pending = nil
		}
	}
	r.mu.Unlock()

	if model != nil {
		model.Update(ctx, batch)
	}
}

// StatsFor returns a snapshot of one agent's statistics.
func (r *Router) StatsFor(agent string) (Stats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats[agent]
	if s == nil {
		return Stats{}, false
	}
	return *s, true
}

// Decisions returns a copy of the in-memory decision log, oldest first.
func (r *Router) Decisions() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Decision, len(r.decisions))
	copy(out, r.decisions)
	return out
}

func alternatives(available []string, chosen string) []string {
	out := make([]string, 0, len(available)-1)
	for _, a := range available {
		if a != chosen {
			out = append(out, a)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
