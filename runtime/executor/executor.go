// Package executor drives validated, scheduled plans: waves execute in
// strict order, parallel members run concurrently under the fan-out bound,
// and every task gets dependency gating, a timeout, and retry with
// exponential back-off. Task lifecycle events publish to the blackboard in
// the order started, progress, then exactly one completed or blocked.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/loom/runtime/blackboard"
	"goa.design/loom/runtime/fault"
	"goa.design/loom/runtime/memory"
	"goa.design/loom/runtime/merge"
	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/plan"
	"goa.design/loom/runtime/retry"
	"goa.design/loom/runtime/schedule"
	"goa.design/loom/runtime/telemetry"
)

// Status is the terminal state of one task execution.
type Status string

const (
	// StatusCompleted means the task produced its result.
	StatusCompleted Status = "completed"
	// StatusFailed means the task exhausted its attempts or hit a fatal
	// error.
	StatusFailed Status = "failed"
	// StatusCancelled means the task was cancelled before or during
	// execution, by plan abort or a failed dependency.
	StatusCancelled Status = "cancelled"
	// StatusTimedOut means the task exceeded its timeout budget.
	StatusTimedOut Status = "timed_out"
)

// Defaults.
const (
	// DefaultParallelFanOut bounds concurrent tasks within a wave.
	DefaultParallelFanOut = 8

	// DefaultTaskTimeout bounds one task execution including retries.
	DefaultTaskTimeout = 60 * time.Second
)

type (
	// TaskResult is the terminal outcome of one task.
	TaskResult struct {
		// TaskID names the task.
		TaskID string

		// AgentID names the executing agent.
		AgentID plan.AgentID

		// Status is the terminal status.
		Status Status

		// Intents holds the file edits the task proposed. Empty unless
		// the task completed.
		Intents []merge.Intent

		// Err carries the terminal error for non-completed tasks.
		Err error

		// Attempts counts executions, including the first.
		Attempts int

		// Duration is the wall time from submission to terminal status.
		Duration time.Duration
	}

	// Executor holds the agent set and execution policy shared by runs.
	Executor struct {
		agents         AgentSet
		board          blackboard.Board
		log            telemetry.Logger
		metrics        telemetry.Metrics
		store          *memory.Store
		fanOut         int
		defaultTimeout time.Duration
		backoff        retry.Config
	}

	// Option configures an Executor.
	Option func(*Executor)

	// RunOption configures a Run.
	RunOption func(*Run)

	// Run is the mutable state of one plan execution: terminal statuses
	// accumulate across waves so later waves can gate on dependencies and
	// failures can cancel their downstream closure.
	Run struct {
		exec  *Executor
		plan  plan.Plan
		runID string

		mu         sync.Mutex
		results    map[string]TaskResult
		tasks      map[string]plan.Task
		dependents map[string][]string
	}
)

// WithBoard publishes task lifecycle events to the given blackboard.
func WithBoard(b blackboard.Board) Option {
	return func(e *Executor) { e.board = b }
}

// WithLogger replaces the no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithMetrics replaces the no-op metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithMemory assembles per-task context from the given session store.
func WithMemory(s *memory.Store) Option {
	return func(e *Executor) { e.store = s }
}

// WithParallelFanOut bounds concurrent tasks within a wave.
func WithParallelFanOut(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.fanOut = n
		}
	}
}

// WithDefaultTimeout sets the task timeout applied when a task does not
// carry its own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithRetryBackoff sets the delay policy between task retry attempts.
func WithRetryBackoff(cfg retry.Config) Option {
	return func(e *Executor) { e.backoff = cfg }
}

// New constructs an Executor around the agent dispatch table.
func New(agents AgentSet, opts ...Option) *Executor {
	e := &Executor{
		agents:         agents,
		log:            telemetry.NewNoopLogger(),
		metrics:        telemetry.NewNoopMetrics(),
		fanOut:         DefaultParallelFanOut,
		defaultTimeout: DefaultTaskTimeout,
		backoff:        retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithRunID pins the run identifier instead of generating one. The pipeline
// uses it to keep one id across every pass of a plan execution.
func WithRunID(id string) RunOption {
	return func(r *Run) {
		if id != "" {
			r.runID = id
		}
	}
}

// NewRun prepares the execution state for one plan revision. The plan must
// be validated; without WithRunID the run id is freshly generated.
func (e *Executor) NewRun(p plan.Plan, opts ...RunOption) *Run {
	r := &Run{
		exec:       e,
		plan:       p,
		runID:      uuid.NewString(),
		results:    make(map[string]TaskResult, len(p.Tasks)),
		tasks:      make(map[string]plan.Task, len(p.Tasks)),
		dependents: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, t := range p.Tasks {
		r.tasks[t.ID] = t
		for _, dep := range t.DependsOn {
			r.dependents[dep] = append(r.dependents[dep], t.ID)
		}
	}
	return r
}

// ID returns the run identifier carried by every published event.
func (r *Run) ID() string { return r.runID }

// Plan returns the plan revision under execution.
func (r *Run) Plan() plan.Plan { return r.plan }

// ExecuteWave runs one scheduled group to completion and returns the
// terminal results of its tasks in rank order. Tasks whose dependencies
// did not complete are cancelled without starting; failures cancel their
// downstream transitive closure so later waves skip them.
func (r *Run) ExecuteWave(ctx context.Context, g schedule.Group) []TaskResult {
	e := r.exec
	sem := make(chan struct{}, e.fanOut)
	var wg sync.WaitGroup

	for _, id := range g.TaskIDs {
		task, ok := r.tasks[id]
		if !ok {
			r.record(TaskResult{
				TaskID: id,
				Status: StatusFailed,
				Err:    fault.Newf(fault.KindInternal, "scheduled task %q not in plan", id),
			})
			continue
		}
		if _, done := r.result(id); done {
			// Already cancelled by an upstream failure.
			continue
		}
		if blockedBy, ok := r.unmetDependency(task); ok {
			r.cancelBlocked(ctx, task, fmt.Sprintf("dependency %s %s", blockedBy.TaskID, blockedBy.Status))
			continue
		}
		if ctx.Err() != nil {
			r.cancelBlocked(ctx, task, "plan aborted")
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(task plan.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			r.record(e.runTask(ctx, r, g, task))
		}(task)
	}
	wg.Wait()

	r.cancelDownstreamOfFailures(ctx, g.TaskIDs)
	return r.waveResults(g.TaskIDs)
}

// CancelPending marks every task without a terminal status as cancelled.
// The pipeline calls it after a plan-level abort so the final result set
// covers the whole plan.
func (r *Run) CancelPending(ctx context.Context, reason string) {
	for _, t := range r.plan.Tasks {
		if _, done := r.result(t.ID); done {
			continue
		}
		r.cancelBlocked(ctx, t, reason)
	}
}

// Results returns the terminal results recorded so far, in plan task
// order.
func (r *Run) Results() []TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskResult, 0, len(r.results))
	for _, t := range r.plan.Tasks {
		if res, ok := r.results[t.ID]; ok {
			out = append(out, res)
		}
	}
	return out
}

// Intents returns every intent produced by completed tasks so far, in plan
// task order.
func (r *Run) Intents() []merge.Intent {
	var out []merge.Intent
	for _, res := range r.Results() {
		out = append(out, res.Intents...)
	}
	return out
}

// runTask executes one task to a terminal status: timeout budget around
// the whole attempt loop, retries for retryable provider failures only.
func (e *Executor) runTask(ctx context.Context, r *Run, g schedule.Group, task plan.Task) TaskResult {
	start := time.Now()
	res := TaskResult{TaskID: task.ID, AgentID: task.AgentID}

	agent, ok := e.agents.Resolve(task.AgentID)
	if !ok {
		res.Status = StatusFailed
		res.Err = fault.Newf(fault.KindValidation, "no agent registered for %q", task.AgentID)
		res.Duration = time.Since(start)
		return res
	}

	timeout := e.defaultTimeout
	if task.TimeoutMs > 0 {
		timeout = time.Duration(task.TimeoutMs) * time.Millisecond
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.publish(ctx, blackboard.NewTaskStartedEvent(r.runID, task.ID, string(task.AgentID), g.Wave))
	e.log.Debug(ctx, "task started", "run", r.runID, "task", task.ID, "agent", task.AgentID, "wave", g.Wave)

	system, msgs := e.assembleContext()
	inv := Invocation{
		RunID:        r.runID,
		GroupID:      g.ID,
		Wave:         g.Wave,
		Task:         task,
		SystemPrefix: system,
		Messages:     msgs,
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1
		inv.Attempt = attempt

		intents, err := agent.Run(taskCtx, inv)
		if err == nil {
			res.Status = StatusCompleted
			res.Intents = intents
			break
		}
		lastErr = err

		if taskCtx.Err() != nil || !retry.Retryable(err) || attempt >= task.RetryLimit {
			break
		}

		e.metrics.IncCounter("executor.task.retries", 1, "agent", string(task.AgentID))
		e.publish(ctx, blackboard.NewTaskProgressEvent(
			r.runID, task.ID, string(task.AgentID),
			"retry", fmt.Sprintf("attempt %d: %v", attempt+1, err),
		))
		if err := retry.Sleep(taskCtx, e.backoff.Backoff(attempt + 1)); err != nil {
			break
		}
	}

	if res.Status == "" {
		res.Status, res.Err = classify(ctx, taskCtx, task, lastErr)
	}
	res.Duration = time.Since(start)

	e.publish(ctx, blackboard.NewTaskCompletedEvent(
		r.runID, task.ID, string(task.AgentID),
		res.Status == StatusCompleted, string(res.Status),
	))
	e.metrics.IncCounter("executor.task.total", 1, "agent", string(task.AgentID), "status", string(res.Status))
	e.metrics.RecordTimer("executor.task.duration", res.Duration, "agent", string(task.AgentID), "status", string(res.Status))
	if res.Err != nil {
		e.log.Warn(ctx, "task finished", "run", r.runID, "task", task.ID, "status", res.Status, "err", res.Err)
	} else {
		e.log.Debug(ctx, "task finished", "run", r.runID, "task", task.ID, "status", res.Status)
	}
	return res
}

// classify maps the last attempt error to a terminal status, honoring the
// precedence: plan abort, then task timeout, then provider exhaustion.
func classify(ctx, taskCtx context.Context, task plan.Task, lastErr error) (Status, error) {
	switch {
	case ctx.Err() != nil:
		return StatusCancelled, fault.Wrap(fault.KindTaskCancelled, "plan aborted", lastErr)
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded) || errors.Is(lastErr, context.DeadlineExceeded):
		return StatusTimedOut, fault.Wrap(fault.KindTaskTimeout,
			fmt.Sprintf("task %s exceeded %dms", task.ID, task.TimeoutMs), lastErr)
	case retry.Retryable(lastErr):
		return StatusFailed, fault.Wrap(fault.KindProviderFatal,
			fmt.Sprintf("task %s exhausted %d attempts", task.ID, task.RetryLimit+1), lastErr)
	default:
		return StatusFailed, lastErr
	}
}

// assembleContext converts the session store into the model conversation:
// system messages fold into the system prefix, everything else becomes a
// conversation turn.
func (e *Executor) assembleContext() (string, []*model.Message) {
	if e.store == nil {
		return "", nil
	}
	var (
		system strings.Builder
		msgs   []*model.Message
	)
	for _, m := range e.store.Active() {
		switch m.Role {
		case memory.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case memory.RoleAssistant:
			msgs = append(msgs, model.Text(model.RoleAssistant, m.Content))
		case memory.RoleToolResult:
			msgs = append(msgs, model.Text(model.RoleToolResult, m.Content))
		default:
			msgs = append(msgs, model.Text(model.RoleUser, m.Content))
		}
	}
	return system.String(), msgs
}

// publish sends an event to the board when one is configured. Subscriber
// failures are logged, not propagated: a broken feed must not fail tasks.
func (e *Executor) publish(ctx context.Context, evt blackboard.Event) {
	if e.board == nil {
		return
	}
	if err := e.board.Publish(ctx, evt); err != nil {
		e.log.Warn(ctx, "event publish failed", "type", evt.Type(), "err", err)
	}
}

func (r *Run) record(res TaskResult) {
	r.mu.Lock()
	r.results[res.TaskID] = res
	r.mu.Unlock()
}

func (r *Run) result(id string) (TaskResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	return res, ok
}

// unmetDependency returns the first dependency of task that reached a
// non-completed terminal status.
func (r *Run) unmetDependency(task plan.Task) (TaskResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range task.DependsOn {
		if res, ok := r.results[dep]; ok && res.Status != StatusCompleted {
			return res, true
		}
	}
	return TaskResult{}, false
}

// cancelBlocked records a cancelled result for a task that never started
// and publishes the blocked event.
func (r *Run) cancelBlocked(ctx context.Context, task plan.Task, reason string) {
	r.record(TaskResult{
		TaskID:  task.ID,
		AgentID: task.AgentID,
		Status:  StatusCancelled,
		Err:     fault.New(fault.KindTaskCancelled, reason),
	})
	r.exec.publish(ctx, blackboard.NewTaskBlockedEvent(r.runID, task.ID, string(task.AgentID), reason))
}

// cancelDownstreamOfFailures walks the dependents of every non-completed
// task in the finished wave and cancels the transitive closure.
func (r *Run) cancelDownstreamOfFailures(ctx context.Context, waveTaskIDs []string) {
	var failed []TaskResult
	r.mu.Lock()
	for _, id := range waveTaskIDs {
		if res, ok := r.results[id]; ok && res.Status != StatusCompleted {
			failed = append(failed, res)
		}
	}
	r.mu.Unlock()

	for _, res := range failed {
		queue := append([]string(nil), r.dependents[res.TaskID]...)
		reason := fmt.Sprintf("dependency %s %s", res.TaskID, res.Status)
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if _, done := r.result(id); done {
				continue
			}
			task, ok := r.tasks[id]
			if !ok {
				continue
			}
			r.cancelBlocked(ctx, task, reason)
			queue = append(queue, r.dependents[id]...)
		}
	}
}

// waveResults returns the recorded results for the given task ids in rank
// order.
func (r *Run) waveResults(ids []string) []TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskResult, 0, len(ids))
	for _, id := range ids {
		if res, ok := r.results[id]; ok {
			out = append(out, res)
		}
	}
	return out
}
