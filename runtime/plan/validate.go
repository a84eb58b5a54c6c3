package plan

import (
	"fmt"
	"sort"
	"strings"

	"goa.design/loom/runtime/fault"
)

// Validation error codes, in the order checks run. Validation is fail-fast:
// the first failing check reports and later checks do not run.
const (
	// CodeEmptyID reports a task with a missing or whitespace-only id.
	CodeEmptyID = "E_EMPTY_ID"
	// CodeDupID reports two or more tasks sharing an id.
	CodeDupID = "E_DUP_ID"
	// CodeMissingDep reports a dependency on a task id not in the plan.
	CodeMissingDep = "E_MISSING_DEP"
	// CodeCycle reports a dependency cycle.
	CodeCycle = "E_CYCLE"
)

type (
	// MissingRef identifies one dangling dependency edge.
	MissingRef struct {
		// TaskID is the task declaring the dependency.
		TaskID string
		// DependsOn is the referenced id that no task carries.
		DependsOn string
	}

	// ValidationError describes why a plan was rejected. Code identifies
	// the failing check; the remaining fields carry the offending ids for
	// the check that failed.
	ValidationError struct {
		// Code is one of the CodeXxx constants.
		Code string
		// Duplicates lists ids carried by more than one task (CodeDupID).
		Duplicates []string
		// MissingRefs lists dangling dependency edges (CodeMissingDep).
		MissingRefs []MissingRef
		// CycleTaskIDs lists, sorted, every task id on a dependency cycle
		// (CodeCycle).
		CycleTaskIDs []string
	}
)

// Error implements error.
func (e *ValidationError) Error() string {
	switch e.Code {
	case CodeEmptyID:
		return fmt.Sprintf("%s: plan contains a task with an empty id", e.Code)
	case CodeDupID:
		return fmt.Sprintf("%s: duplicate task ids: %s", e.Code, strings.Join(e.Duplicates, ", "))
	case CodeMissingDep:
		refs := make([]string, len(e.MissingRefs))
		for i, r := range e.MissingRefs {
			refs[i] = fmt.Sprintf("%s->%s", r.TaskID, r.DependsOn)
		}
		return fmt.Sprintf("%s: unknown dependencies: %s", e.Code, strings.Join(refs, ", "))
	case CodeCycle:
		return fmt.Sprintf("%s: dependency cycle through tasks: %s", e.Code, strings.Join(e.CycleTaskIDs, ", "))
	}
	return e.Code
}

// Unwrap classifies the error for fault kind inspection: cycles unwrap to a
// dependency-cycle fault, everything else to a validation fault.
func (e *ValidationError) Unwrap() error {
	kind := fault.KindValidation
	if e.Code == CodeCycle {
		kind = fault.KindDependencyCycle
	}
	return fault.New(kind, e.Error())
}

// Validate checks a normalized plan and returns nil or a *ValidationError.
// Checks run in a fixed order (empty ids, duplicate ids, unknown
// dependencies, cycles) and the first failure wins. Callers should
// Normalize first; Validate does not trim.
func Validate(p Plan) error {
	ids := make(map[string]int, len(p.Tasks))
	var dups []string
	for _, t := range p.Tasks {
		if t.ID == "" {
			return &ValidationError{Code: CodeEmptyID}
		}
		ids[t.ID]++
		if ids[t.ID] == 2 {
			dups = append(dups, t.ID)
		}
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return &ValidationError{Code: CodeDupID, Duplicates: dups}
	}

	var missing []MissingRef
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := ids[dep]; !ok {
				missing = append(missing, MissingRef{TaskID: t.ID, DependsOn: dep})
			}
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Code: CodeMissingDep, MissingRefs: missing}
	}

	if cyc := cycleMembers(p.Tasks); len(cyc) > 0 {
		return &ValidationError{Code: CodeCycle, CycleTaskIDs: cyc}
	}
	return nil
}

// cycleMembers runs Kahn's algorithm over the dependency edges: drain
// zero in-degree tasks, decrementing dependents as they go. Tasks left
// undrained sit on a cycle or behind one; their sorted ids are returned.
// A self-loop never reaches zero in-degree and so reports itself.
func cycleMembers(tasks []Task) []string {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		if _, ok := indegree[t.ID]; !ok {
			indegree[t.ID] = 0
		}
		for _, dep := range t.DependsOn {
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	queue := make([]string, 0, len(tasks))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	resolved := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if resolved == len(indegree) {
		return nil
	}

	var members []string
	for id, deg := range indegree {
		if deg > 0 {
			members = append(members, id)
		}
	}
	sort.Strings(members)
	return members
}
