package plan

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genDAGPlan builds a plan whose tasks only depend on earlier tasks, so the
// dependency relation is acyclic by construction. Task 1 always depends on
// task 0 so every generated plan has at least one edge.
func genDAGPlan() gopter.Gen {
	agents := AgentIDs()
	return gopter.CombineGens(
		gen.IntRange(2, 12),
		gen.Int64(),
	).Map(func(vals []any) Plan {
		n := vals[0].(int)
		rng := rand.New(rand.NewSource(vals[1].(int64)))

		tasks := make([]Task, n)
		for i := 0; i < n; i++ {
			t := Task{
				ID:       fmt.Sprintf("t%d", i),
				AgentID:  agents[rng.Intn(len(agents))],
				Priority: rng.Intn(10),
			}
			if i == 1 {
				t.DependsOn = []string{"t0"}
			} else if i > 1 {
				for j := 0; j < i; j++ {
					if rng.Intn(3) == 0 {
						t.DependsOn = append(t.DependsOn, fmt.Sprintf("t%d", j))
					}
				}
			}
			tasks[i] = t
		}
		return Plan{ID: "plan", UserMessage: "m", Tasks: tasks}
	})
}

func TestDAGClosureProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("plans with only backward-referencing dependencies validate cleanly", prop.ForAll(
		func(p Plan) bool {
			return Validate(p) == nil
		},
		genDAGPlan(),
	))

	properties.Property("reversing an existing edge is always reported as a cycle naming both endpoints", prop.ForAll(
		func(p Plan) bool {
			// t1 depends on t0 by construction; add the reverse edge.
			mutated := Normalize(p)
			mutated.Tasks[0].DependsOn = append(mutated.Tasks[0].DependsOn, "t1")

			err := Validate(mutated)
			verr, ok := err.(*ValidationError)
			if !ok || verr.Code != CodeCycle {
				return false
			}
			found := map[string]bool{}
			for _, id := range verr.CycleTaskIDs {
				found[id] = true
			}
			return found["t0"] && found["t1"]
		},
		genDAGPlan(),
	))

	properties.Property("normalize is idempotent", prop.ForAll(
		func(p Plan) bool {
			once := Normalize(p)
			twice := Normalize(once)
			if len(once.Tasks) != len(twice.Tasks) {
				return false
			}
			for i := range once.Tasks {
				if once.Tasks[i].ID != twice.Tasks[i].ID {
					return false
				}
				if len(once.Tasks[i].DependsOn) != len(twice.Tasks[i].DependsOn) {
					return false
				}
				for j := range once.Tasks[i].DependsOn {
					if once.Tasks[i].DependsOn[j] != twice.Tasks[i].DependsOn[j] {
						return false
					}
				}
			}
			return true
		},
		genDAGPlan(),
	))

	properties.TestingRun(t)
}
