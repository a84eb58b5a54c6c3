// Package plan defines execution plans and their validation. A plan is the
// DAG of typed agent tasks the scheduler and executor operate on, produced
// once per user prompt by the upstream analysis agents; replanning produces
// a new revision rather than mutating the original.
package plan

import (
	"strings"
	"time"
)

// AgentID identifies one of the closed set of pipeline agents a task can be
// assigned to.
type AgentID string

const (
	// AgentScaffold lays down project structure and build wiring.
	AgentScaffold AgentID = "scaffold"
	// AgentPage generates page-level components and routes.
	AgentPage AgentID = "page"
	// AgentInteraction wires event handlers and client-side behavior.
	AgentInteraction AgentID = "interaction"
	// AgentState generates state management stores and data flow.
	AgentState AgentID = "state"
	// AgentStyle produces styling and design tokens.
	AgentStyle AgentID = "style"
	// AgentQuality reviews output and files quality findings.
	AgentQuality AgentID = "quality"
	// AgentRepair fixes defects reported by quality or reflection.
	AgentRepair AgentID = "repair"
	// AgentPlanner decomposes requests into task graphs.
	AgentPlanner AgentID = "planner"
	// AgentArchitect makes structural and dependency decisions.
	AgentArchitect AgentID = "architect"
	// AgentResearch gathers references and third-party API knowledge.
	AgentResearch AgentID = "research"
)

// AgentIDs returns the closed agent vocabulary in declaration order.
func AgentIDs() []AgentID {
	return []AgentID{
		AgentScaffold, AgentPage, AgentInteraction, AgentState, AgentStyle,
		AgentQuality, AgentRepair, AgentPlanner, AgentArchitect, AgentResearch,
	}
}

// Valid reports whether a names a known agent.
func (a AgentID) Valid() bool {
	switch a {
	case AgentScaffold, AgentPage, AgentInteraction, AgentState, AgentStyle,
		AgentQuality, AgentRepair, AgentPlanner, AgentArchitect, AgentResearch:
		return true
	}
	return false
}

// Mode selects how a task is scheduled relative to its wave peers.
type Mode string

const (
	// ModeSerial tasks run alone in their wave, ahead of any pipeline or
	// parallel work that is ready at the same time.
	ModeSerial Mode = "serial"
	// ModePipeline tasks also run alone in their wave but yield to ready
	// serial tasks.
	ModePipeline Mode = "pipeline"
	// ModeParallel tasks share a wave with every other ready parallel task.
	ModeParallel Mode = "parallel"
)

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSerial, ModePipeline, ModeParallel:
		return true
	}
	return false
}

type (
	// Task is a single typed unit of agent work within a plan.
	Task struct {
		// ID uniquely identifies the task within its plan.
		ID string `json:"id"`

		// AgentID names the agent responsible for executing the task.
		AgentID AgentID `json:"agentId"`

		// Phase is a free-form label grouping tasks for reporting.
		Phase string `json:"phase,omitempty"`

		// Mode selects the scheduling behavior. Empty defaults to parallel.
		Mode Mode `json:"mode,omitempty"`

		// Priority orders ready tasks within a scheduling step; higher runs
		// first.
		Priority int `json:"priority,omitempty"`

		// DependsOn lists the ids of tasks that must complete before this
		// one starts.
		DependsOn []string `json:"dependencies,omitempty"`

		// LegacyDeps carries the deprecated dependency field still emitted
		// by older planners. Normalize folds it into DependsOn.
		LegacyDeps []string `json:"deps,omitempty"`

		// TimeoutMs bounds the task end to end, retries included. Zero
		// uses the executor default.
		TimeoutMs int `json:"timeoutMs,omitempty"`

		// RetryLimit caps transient-failure retries. Zero means no retries.
		RetryLimit int `json:"retryLimit,omitempty"`
	}

	// ReplanPolicy bounds the reflection-driven iteration loop.
	ReplanPolicy struct {
		// MaxReplanDepth is the number of replans after which reflection is
		// forced to stop iterating.
		MaxReplanDepth int `json:"maxReplanDepth"`
	}

	// Plan is the validated unit of pipeline work: an immutable task DAG
	// plus the routing and iteration policy that produced it.
	Plan struct {
		// ID uniquely identifies the plan revision.
		ID string `json:"id"`

		// CreatedAt records when the revision was produced.
		CreatedAt time.Time `json:"createdAt"`

		// UserMessage is the originating prompt. Immutable across revisions.
		UserMessage string `json:"userMessage"`

		// RouteDecision names the generation mode selected by the router.
		RouteDecision string `json:"routeDecision,omitempty"`

		// MaxIterations caps the execute→reflect loop.
		MaxIterations int `json:"maxIterations,omitempty"`

		// ReplanPolicy bounds replanning depth.
		ReplanPolicy ReplanPolicy `json:"replanPolicy"`

		// Tasks is the ordered task list forming the DAG.
		Tasks []Task `json:"tasks"`

		// Metadata carries free-form planner annotations.
		Metadata map[string]any `json:"metadata,omitempty"`
	}
)

// EffectiveMode returns the task mode, defaulting to parallel when unset.
func (t Task) EffectiveMode() Mode {
	if t.Mode == "" {
		return ModeParallel
	}
	return t.Mode
}

// Normalize trims task and dependency ids and folds the legacy dependency
// field into DependsOn, deduplicating while preserving first-seen order.
// It returns a copy; the input plan is not modified.
func Normalize(p Plan) Plan {
	out := p
	out.Tasks = make([]Task, len(p.Tasks))
	for i, t := range p.Tasks {
		nt := t
		nt.ID = strings.TrimSpace(t.ID)
		nt.DependsOn = normalizeDeps(t.DependsOn, t.LegacyDeps)
		nt.LegacyDeps = nil
		out.Tasks[i] = nt
	}
	return out
}

func normalizeDeps(deps, legacy []string) []string {
	seen := make(map[string]struct{}, len(deps)+len(legacy))
	var out []string
	for _, group := range [][]string{deps, legacy} {
		for _, d := range group {
			d = strings.TrimSpace(d)
			if d == "" {
				continue
			}
			if _, dup := seen[d]; dup {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}
