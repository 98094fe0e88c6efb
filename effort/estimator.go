// Package effort grades how much reasoning a task demands. The grade drives
// the reasoning strategy stamped on task envelopes and feeds the router's
// scheduling decisions.
//
// Estimation is a deterministic pure function of the task content plus
// optional routing signals (lifecycle event, intent, sender confidence,
// deadline pressure). Content is scored against fixed keyword categories;
// word-count thresholds scale down as the score rises, so short but dense
// prompts still grade high. Diagnostics record the full derivation,
// including every adjustment that fired.
//
// An Estimator with tuning enabled additionally learns from recorded task
// outcomes, nudging category weights and base thresholds inside fixed clamp
// ranges. The package-level helpers use a shared untuned Estimator and are
// safe for concurrent use.
package effort

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/parleylabs/parley/wire"
)

// Category names a keyword family contributing to the complexity score.
type Category string

const (
	Analytical  Category = "analytical"
	Comparative Category = "comparative"
	Creative    Category = "creative"
	Complex     Category = "complex"
)

// Base word-count thresholds and their per-score scaling factors. A task's
// effective thresholds shrink as its complexity score grows.
const (
	defaultHighBase   = 50.0
	defaultMediumBase = 20.0
	highScaling       = 5.0
	mediumScaling     = 2.0
	highThresholdMin  = 10.0
	medThresholdMin   = 5.0
)

var keywordTable = map[Category][]string{
	Analytical: {
		"analyze", "evaluate", "assess", "research", "investigate", "study",
		"examine", "review", "diagnose", "audit", "survey", "inspect",
	},
	Comparative: {
		"compare", "contrast", "differentiate", "versus", "pros and cons",
		"trade-off", "benchmark", "measure against", "weigh", "rank",
	},
	Creative: {
		"design", "create", "optimize", "improve", "innovate", "develop",
		"build", "construct", "craft", "devise", "formulate", "invent",
	},
	Complex: {
		"hypothesize", "synthesize", "debate", "refactor", "architect",
		"theorize", "model", "simulate", "predict", "extrapolate",
		"integrate", "transform", "restructure",
	},
}

var defaultWeights = map[Category]float64{
	Analytical:  1.0,
	Comparative: 1.5,
	Creative:    2.0,
	Complex:     2.5,
}

// matcher counts occurrences of one keyword. Single words match on word
// boundaries; phrases with spaces match as substrings.
type matcher struct {
	keyword string
	re      *regexp.Regexp
}

var matchers = buildMatchers()

func buildMatchers() map[Category][]matcher {
	out := make(map[Category][]matcher, len(keywordTable))
	for cat, words := range keywordTable {
		ms := make([]matcher, 0, len(words))
		for _, w := range words {
			m := matcher{keyword: w}
			if !strings.Contains(w, " ") {
				m.re = regexp.MustCompile(`\b` + regexp.QuoteMeta(w) + `\b`)
			}
			ms = append(ms, m)
		}
		out[cat] = ms
	}
	return out
}

type (
	// Estimator computes effort grades. A fresh Estimator is deterministic
	// and side-effect free; enabling tuning lets recorded outcomes adjust
	// category weights and word-count thresholds within clamp ranges.
	Estimator struct {
		mu         sync.Mutex
		weights    map[Category]float64
		highBase   float64
		mediumBase float64

		tuning       bool
		minSamples   int
		analyzeEvery int
		history      []Outcome
		sinceAnalyze int
	}

	// EstimatorOption configures a new Estimator.
	EstimatorOption func(*Estimator)

	// Option supplies one optional estimation signal.
	Option func(*signals)

	signals struct {
		event            wire.TaskEvent
		intent           wire.MessageIntent
		confidence       *float64
		deadlinePressure *float64
	}

	// Thresholds are the word-count boundaries in effect for one estimate,
	// already scaled down by the complexity score.
	Thresholds struct {
		High   float64 `json:"high"`
		Medium float64 `json:"medium"`
	}

	// Diagnostics explains one estimate: the measured inputs, the base
	// grade, and every adjustment that fired, in application order. An
	// empty adjustment string means the rule did not fire.
	Diagnostics struct {
		WordCount       int                   `json:"word_count"`
		ComplexityScore float64               `json:"complexity_score"`
		CategoryScores  map[Category]int      `json:"category_scores"`
		MatchedKeywords map[Category][]string `json:"matched_keywords,omitempty"`
		OverlapBonus    float64               `json:"overlap_bonus,omitempty"`
		BaseEffort      wire.ReasoningEffort  `json:"base_effort"`
		Thresholds      Thresholds            `json:"thresholds"`

		EventAdjustment      string `json:"event_adjustment,omitempty"`
		IntentAdjustment     string `json:"intent_adjustment,omitempty"`
		ConfidenceAdjustment string `json:"confidence_adjustment,omitempty"`
		DeadlineAdjustment   string `json:"deadline_adjustment,omitempty"`
		CategoryAdjustment   string `json:"category_adjustment,omitempty"`

		FinalEffort wire.ReasoningEffort `json:"final_effort"`
	}
)

// WithTuning enables adaptive adjustment of weights and thresholds from
// recorded outcomes. Off by default.
func WithTuning() EstimatorOption {
	return func(e *Estimator) { e.tuning = true }
}

// WithMinSamples sets how many outcomes a category needs before its weight
// may move. Default 10.
func WithMinSamples(n int) EstimatorOption {
	return func(e *Estimator) {
		if n > 0 {
			e.minSamples = n
		}
	}
}

// WithAnalyzeEvery sets how many recorded outcomes trigger one analysis
// pass. Default 100.
func WithAnalyzeEvery(n int) EstimatorOption {
	return func(e *Estimator) {
		if n > 0 {
			e.analyzeEvery = n
		}
	}
}

// New returns an Estimator with the default weights and thresholds.
func New(opts ...EstimatorOption) *Estimator {
	e := &Estimator{
		weights:      make(map[Category]float64, len(defaultWeights)),
		highBase:     defaultHighBase,
		mediumBase:   defaultMediumBase,
		minSamples:   defaultMinSamples,
		analyzeEvery: defaultAnalyzeEvery,
	}
	for cat, w := range defaultWeights {
		e.weights[cat] = w
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// defaultEstimator backs the package-level helpers. It never tunes, so its
// state is effectively immutable and safe to share.
var defaultEstimator = New()

// WithEvent supplies the lifecycle event the task carries.
func WithEvent(e wire.TaskEvent) Option {
	return func(s *signals) { s.event = e }
}

// WithIntent supplies the envelope intent.
func WithIntent(i wire.MessageIntent) Option {
	return func(s *signals) { s.intent = i }
}

// WithConfidence supplies the sender's confidence in [0,1].
func WithConfidence(c float64) Option {
	return func(s *signals) { s.confidence = &c }
}

// WithDeadlinePressure supplies schedule pressure in [0,1]; values above
// 0.8 force a high grade.
func WithDeadlinePressure(p float64) Option {
	return func(s *signals) { s.deadlinePressure = &p }
}

// Estimate grades content with the shared default Estimator.
func Estimate(content string, opts ...Option) (wire.ReasoningEffort, *Diagnostics) {
	return defaultEstimator.Estimate(content, opts...)
}

// Assign stamps a task with the shared default Estimator.
func Assign(t *wire.Task, opts ...Option) *Diagnostics {
	return defaultEstimator.Assign(t, opts...)
}

// Estimate grades the content. Signals refine the grade: revisiting events,
// the modify_task intent and deadline pressure force high; low confidence
// bumps one level; plan/execute lifts low to medium. Complex keywords never
// leave a task at low.
func (e *Estimator) Estimate(content string, opts ...Option) (wire.ReasoningEffort, *Diagnostics) {
	var sig signals
	for _, opt := range opts {
		opt(&sig)
	}

	e.mu.Lock()
	weights := make(map[Category]float64, len(e.weights))
	for cat, w := range e.weights {
		weights[cat] = w
	}
	highBase, mediumBase := e.highBase, e.mediumBase
	e.mu.Unlock()

	total, counts, matched, bonus := scoreContent(content, weights)
	words := len(strings.Fields(content))

	d := &Diagnostics{
		WordCount:       words,
		ComplexityScore: total,
		CategoryScores:  counts,
		MatchedKeywords: matched,
		OverlapBonus:    bonus,
		Thresholds: Thresholds{
			High:   math.Max(highThresholdMin, highBase-highScaling*total),
			Medium: math.Max(medThresholdMin, mediumBase-mediumScaling*total),
		},
	}

	base := wire.EffortLow
	switch {
	case total >= 3 || float64(words) > d.Thresholds.High:
		base = wire.EffortHigh
	case total >= 1 || float64(words) > d.Thresholds.Medium:
		base = wire.EffortMedium
	}
	d.BaseEffort = base
	final := base

	switch sig.event {
	case wire.EventRefine, wire.EventEscalate, wire.EventCritique, wire.EventConclude:
		// Steps that revisit earlier work always warrant full effort.
		if final != wire.EffortHigh {
			final = wire.EffortHigh
			d.EventAdjustment = fmt.Sprintf("raised to high: %s event", sig.event)
		}
	case wire.EventPlan, wire.EventExecute:
		if final == wire.EffortLow {
			final = wire.EffortMedium
			d.EventAdjustment = fmt.Sprintf("raised to medium: %s event", sig.event)
		}
	}

	if sig.intent == wire.IntentModifyTask && final != wire.EffortHigh {
		final = wire.EffortHigh
		d.IntentAdjustment = "raised to high: modify_task intent"
	}

	if sig.confidence != nil && *sig.confidence < 0.7 {
		switch final {
		case wire.EffortLow:
			final = wire.EffortMedium
			d.ConfidenceAdjustment = fmt.Sprintf("raised to medium: confidence %.2f", *sig.confidence)
		case wire.EffortMedium:
			final = wire.EffortHigh
			d.ConfidenceAdjustment = fmt.Sprintf("raised to high: confidence %.2f", *sig.confidence)
		}
	}

	if sig.deadlinePressure != nil && *sig.deadlinePressure > 0.8 && final != wire.EffortHigh {
		d.DeadlineAdjustment = fmt.Sprintf("raised from %s to high: deadline pressure %.2f", final, *sig.deadlinePressure)
		final = wire.EffortHigh
	}

	if counts[Complex] > 0 && final == wire.EffortLow {
		final = wire.EffortMedium
		d.CategoryAdjustment = "raised to medium: complex keywords present"
	}

	d.FinalEffort = final
	return final, d
}

// Assign estimates the task's effort, stamps the level and derived strategy,
// and records the diagnostics under metadata["diagnostics"]. Event, intent
// and confidence default to the task's own fields; explicit options apply on
// top.
func (e *Estimator) Assign(t *wire.Task, opts ...Option) *Diagnostics {
	all := make([]Option, 0, len(opts)+3)
	all = append(all, WithEvent(t.Event), WithIntent(t.Intent), WithConfidence(t.Confidence))
	all = append(all, opts...)

	effort, d := e.Estimate(t.Content, all...)
	t.SetEffort(effort)
	if t.Metadata == nil {
		t.Metadata = make(map[string]any, 1)
	}
	t.Metadata["diagnostics"] = d
	return d
}

// scoreContent tallies keyword occurrences per category, returning the
// weighted total, per-category counts, matched keywords (sorted for stable
// diagnostics) and the overlap bonus applied when three or more categories
// are present.
func scoreContent(content string, weights map[Category]float64) (float64, map[Category]int, map[Category][]string, float64) {
	lower := strings.ToLower(content)
	counts := make(map[Category]int, len(matchers))
	matched := make(map[Category][]string)
	var total float64

	for cat, ms := range matchers {
		n := 0
		for _, m := range ms {
			var c int
			if m.re != nil {
				c = len(m.re.FindAllStringIndex(lower, -1))
			} else {
				c = strings.Count(lower, m.keyword)
			}
			if c > 0 {
				matched[cat] = append(matched[cat], m.keyword)
			}
			n += c
		}
		counts[cat] = n
		total += float64(n) * weights[cat]
	}
	for _, words := range matched {
		sort.Strings(words)
	}

	active := 0
	for _, n := range counts {
		if n > 0 {
			active++
		}
	}
	var bonus float64
	if active > 2 {
		bonus = 0.5 * float64(active-2)
		total += bonus
	}
	return total, counts, matched, bonus
}
