// Package schedule linearizes a validated plan into waves: ordered task
// batches that respect dependencies, priority and execution mode. The
// executor runs waves in order and the tasks inside a wave concurrently.
package schedule

import (
	"fmt"
	"sort"
	"strings"

	"goa.design/loom/runtime/fault"
	"goa.design/loom/runtime/plan"
)

type (
	// Group is one scheduled wave: either a single serial task, a single
	// pipeline task, or every ready parallel task at that step.
	Group struct {
		// ID is "group-{wave}".
		ID string
		// Mode is the execution mode shared by the group's tasks.
		Mode plan.Mode
		// TaskIDs lists the member tasks in rank order.
		TaskIDs []string
		// Wave is the 1-based position of the group in the run.
		Wave int
	}

	// Schedule is the full linearization of a plan.
	Schedule struct {
		// Groups holds the waves in execution order.
		Groups []Group
		// OrderedTaskIDs is the flat task trace across all waves.
		OrderedTaskIDs []string
		// HasCycle is retained for the wire shape consumed by downstream
		// reporting. Build never returns a schedule with it set: cycles
		// surface as errors instead.
		HasCycle bool
	}

	// CycleError reports tasks that could not be scheduled because their
	// dependencies never resolve. Validated plans cannot produce it; it
	// guards against callers skipping validation.
	CycleError struct {
		// TaskIDs lists, sorted, the unschedulable tasks.
		TaskIDs []string
	}
)

// Error implements error.
func (e *CycleError) Error() string {
	return fmt.Sprintf("unschedulable tasks (dependency cycle): %s", strings.Join(e.TaskIDs, ", "))
}

// Unwrap classifies the error as a dependency-cycle fault.
func (e *CycleError) Unwrap() error {
	return fault.New(fault.KindDependencyCycle, e.Error())
}

// Build computes the wave schedule for a validated plan. At each step the
// ready set (tasks whose dependencies have all been scheduled) is ranked by
// descending priority with task id as the tie-break, then batched by mode
// precedence: a ready serial task runs alone ahead of everything, then a
// ready pipeline task alone, and only when neither is ready do all parallel
// tasks share one wave.
func Build(p plan.Plan) (Schedule, error) {
	pending := make(map[string]plan.Task, len(p.Tasks))
	indegree := make(map[string]int, len(p.Tasks))
	dependents := make(map[string][]string, len(p.Tasks))
	for _, t := range p.Tasks {
		pending[t.ID] = t
		indegree[t.ID] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var s Schedule
	wave := 0
	for len(pending) > 0 {
		ready := readyTasks(pending, indegree)
		if len(ready) == 0 {
			ids := make([]string, 0, len(pending))
			for id := range pending {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			return Schedule{}, &CycleError{TaskIDs: ids}
		}

		sort.SliceStable(ready, func(i, j int) bool {
			if ready[i].Priority != ready[j].Priority {
				return ready[i].Priority > ready[j].Priority
			}
			return ready[i].ID < ready[j].ID
		})

		batch := selectBatch(ready)
		wave++
		g := Group{
			ID:   fmt.Sprintf("group-%d", wave),
			Mode: batch[0].EffectiveMode(),
			Wave: wave,
		}
		for _, t := range batch {
			g.TaskIDs = append(g.TaskIDs, t.ID)
			s.OrderedTaskIDs = append(s.OrderedTaskIDs, t.ID)
			delete(pending, t.ID)
			for _, next := range dependents[t.ID] {
				if indegree[next] > 0 {
					indegree[next]--
				}
			}
		}
		s.Groups = append(s.Groups, g)
	}
	return s, nil
}

// readyTasks returns the pending tasks whose dependencies are all scheduled.
func readyTasks(pending map[string]plan.Task, indegree map[string]int) []plan.Task {
	var ready []plan.Task
	for id, t := range pending {
		if indegree[id] == 0 {
			ready = append(ready, t)
		}
	}
	return ready
}

// selectBatch applies mode precedence to the ranked ready set: the single
// best serial task, else the single best pipeline task, else every ready
// parallel task.
func selectBatch(ready []plan.Task) []plan.Task {
	for _, t := range ready {
		if t.EffectiveMode() == plan.ModeSerial {
			return []plan.Task{t}
		}
	}
	for _, t := range ready {
		if t.EffectiveMode() == plan.ModePipeline {
			return []plan.Task{t}
		}
	}
	return ready
}
