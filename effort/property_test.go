package effort

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/parleylabs/parley/wire"
)

func effortRank(e wire.ReasoningEffort) int {
	switch e {
	case wire.EffortLow:
		return 0
	case wire.EffortMedium:
		return 1
	case wire.EffortHigh:
		return 2
	default:
		return -1
	}
}

func genEvent() gopter.Gen {
	return gen.OneConstOf(wire.EventPlan, wire.EventExecute, wire.EventCritique,
		wire.EventRefine, wire.EventConclude, wire.EventComplete, wire.EventFail,
		wire.EventEscalate, wire.EventInfo)
}

// TestEstimateProperties checks the estimator's invariants across arbitrary
// content: the grade is always a valid enum, matches the diagnostics, and
// signals only ever raise it.
func TestEstimateProperties(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("grade is valid and recorded", prop.ForAll(
		func(content string, event wire.TaskEvent) bool {
			got, d := Estimate(content, WithEvent(event))
			return got.Valid() && d.FinalEffort == got && d.BaseEffort.Valid()
		},
		gen.AnyString(), genEvent(),
	))

	properties.Property("low confidence never lowers the grade", prop.ForAll(
		func(content string) bool {
			plain, _ := Estimate(content)
			shaky, _ := Estimate(content, WithConfidence(0.3))
			return effortRank(shaky) >= effortRank(plain)
		},
		gen.AnyString(),
	))

	properties.Property("deadline pressure above cutoff forces high", prop.ForAll(
		func(content string) bool {
			got, _ := Estimate(content, WithDeadlinePressure(0.95))
			return got == wire.EffortHigh
		},
		gen.AnyString(),
	))

	properties.Property("strategy derivation agrees with the stamp", prop.ForAll(
		func(content string) bool {
			task := wire.NewTask("a", content, "b")
			Assign(task)
			return task.ReasoningStrategy == wire.StrategyFor(task.ReasoningEffort)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
