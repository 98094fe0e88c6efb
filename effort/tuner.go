package effort

import (
	"math"
	"time"

	"github.com/parleylabs/parley/wire"
)

// Clamp ranges for tuning. Adjustments never move weights or thresholds
// outside these bounds.
const (
	minWeight     = 0.5
	maxWeight     = 5.0
	minMediumBase = 5.0
	maxMediumBase = 30.0
	minHighBase   = 30.0
	maxHighBase   = 100.0

	historyLimit        = 1000
	defaultMinSamples   = 10
	defaultAnalyzeEvery = 100
)

// Outcome ties a completed task back to the estimate that graded it.
type Outcome struct {
	TaskID      string
	Diagnostics *Diagnostics
	Duration    time.Duration
	Success     bool
	RecordedAt  time.Time
}

// RecordOutcome appends one completed task to the bounded outcome history.
// With tuning enabled, every analyzeEvery-th sample triggers an analysis
// pass that may adjust weights and thresholds within their clamp ranges.
// Without tuning the history is still kept for inspection but nothing moves.
func (e *Estimator) RecordOutcome(taskID string, d *Diagnostics, duration time.Duration, success bool) {
	if d == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, Outcome{
		TaskID:      taskID,
		Diagnostics: d,
		Duration:    duration,
		Success:     success,
		RecordedAt:  time.Now(),
	})
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}

	if !e.tuning {
		return
	}
	e.sinceAnalyze++
	if e.sinceAnalyze >= e.analyzeEvery {
		e.sinceAnalyze = 0
		e.analyzeLocked()
	}
}

// History returns a copy of the recorded outcomes, oldest first.
func (e *Estimator) History() []Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Outcome, len(e.history))
	copy(out, e.history)
	return out
}

// Tuning is a point-in-time view of the estimator's adjustable state.
type Tuning struct {
	Weights         map[Category]float64
	HighThreshold   float64
	MediumThreshold float64
	Samples         int
}

// Snapshot returns the current weights, base thresholds and sample count.
func (e *Estimator) Snapshot() Tuning {
	e.mu.Lock()
	defer e.mu.Unlock()
	weights := make(map[Category]float64, len(e.weights))
	for cat, w := range e.weights {
		weights[cat] = w
	}
	return Tuning{
		Weights:         weights,
		HighThreshold:   e.highBase,
		MediumThreshold: e.mediumBase,
		Samples:         len(e.history),
	}
}

// analyzeLocked inspects the outcome history and applies bounded
// adjustments. Caller holds e.mu.
//
// Weight rule: a category whose average task duration deviates from the
// cross-category mean by more than 1.5 population sigma gets its weight
// scaled by 1.2 (slower than 1.3x mean) or 0.8 (faster than 0.7x mean),
// clamped to [minWeight, maxWeight]. Only categories with at least
// minSamples outcomes participate.
//
// Threshold rule: when low-graded tasks run nearly as long as medium ones
// the medium threshold rises by 5 (letting fewer tasks grade low); when
// high-graded tasks finish fast and nearly always succeed the high
// threshold drops by 5.
func (e *Estimator) analyzeLocked() {
	type catAgg struct {
		n   int
		sum time.Duration
	}
	cats := make(map[Category]*catAgg)
	for i := range e.history {
		o := &e.history[i]
		for cat, count := range o.Diagnostics.CategoryScores {
			if count == 0 {
				continue
			}
			agg := cats[cat]
			if agg == nil {
				agg = &catAgg{}
				cats[cat] = agg
			}
			agg.n++
			agg.sum += o.Duration
		}
	}

	avgs := make(map[Category]float64, len(cats))
	for cat, agg := range cats {
		if agg.n >= e.minSamples {
			avgs[cat] = agg.sum.Seconds() / float64(agg.n)
		}
	}
	if len(avgs) > 1 {
		mean, sigma := meanSigma(avgs)
		for cat, avg := range avgs {
			if math.Abs(avg-mean) <= 1.5*sigma {
				continue
			}
			switch {
			case avg > mean*1.3:
				e.weights[cat] = math.Min(maxWeight, e.weights[cat]*1.2)
			case avg < mean*0.7:
				e.weights[cat] = math.Max(minWeight, e.weights[cat]*0.8)
			}
		}
	}

	type effortAgg struct {
		n       int
		sum     time.Duration
		success int
	}
	efforts := make(map[wire.ReasoningEffort]*effortAgg, 3)
	for i := range e.history {
		o := &e.history[i]
		agg := efforts[o.Diagnostics.FinalEffort]
		if agg == nil {
			agg = &effortAgg{}
			efforts[o.Diagnostics.FinalEffort] = agg
		}
		agg.n++
		agg.sum += o.Duration
		if o.Success {
			agg.success++
		}
	}
	low, medium, high := efforts[wire.EffortLow], efforts[wire.EffortMedium], efforts[wire.EffortHigh]
	if low != nil && medium != nil && low.n >= e.minSamples && medium.n >= e.minSamples {
		lowAvg := low.sum.Seconds() / float64(low.n)
		medAvg := medium.sum.Seconds() / float64(medium.n)
		if lowAvg > medAvg*0.8 {
			e.mediumBase = math.Min(maxMediumBase, e.mediumBase+5)
		}
	}
	if high != nil && medium != nil && high.n >= e.minSamples && medium.n >= e.minSamples {
		highAvg := high.sum.Seconds() / float64(high.n)
		medAvg := medium.sum.Seconds() / float64(medium.n)
		rate := float64(high.success) / float64(high.n)
		if highAvg < medAvg*1.5 && rate > 0.9 {
			e.highBase = math.Max(minHighBase, e.highBase-5)
		}
	}
	if e.mediumBase < minMediumBase {
		e.mediumBase = minMediumBase
	}
	if e.highBase > maxHighBase {
		e.highBase = maxHighBase
	}
}

func meanSigma(values map[Category]float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(variance / float64(len(values)))
}
