// Package pipeline coordinates a full plan execution: validate, schedule,
// execute wave by wave, merge each wave's intents into the app graph, then
// run the reflection gate and replan while it asks for another pass. The
// pipeline owns the plan-level abort: context cancellation stops wave
// submission, cancels pending tasks, and skips reflection.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"goa.design/loom/runtime/blackboard"
	"goa.design/loom/runtime/executor"
	"goa.design/loom/runtime/fault"
	"goa.design/loom/runtime/graph"
	"goa.design/loom/runtime/merge"
	"goa.design/loom/runtime/plan"
	"goa.design/loom/runtime/reflection"
	"goa.design/loom/runtime/schedule"
	"goa.design/loom/runtime/telemetry"
)

// DefaultMaxIterations caps the execute-reflect loop when the plan does not
// carry its own cap.
const DefaultMaxIterations = 3

type (
	// Replanner produces the next plan revision after a failing
	// reflection. Implementations typically call back into the planner
	// agent with the issue list.
	Replanner interface {
		Replan(ctx context.Context, req ReplanRequest) (plan.Plan, error)
	}

	// ReplannerFunc adapts a function to the Replanner interface.
	ReplannerFunc func(ctx context.Context, req ReplanRequest) (plan.Plan, error)

	// ReplanRequest carries everything a replanner needs to produce the
	// next revision.
	ReplanRequest struct {
		// Plan is the revision that just executed.
		Plan plan.Plan

		// Depth counts the replans that produced Plan.
		Depth int

		// Reflection is the failing evaluation.
		Reflection reflection.Result

		// TaskResults holds the terminal status of every task.
		TaskResults []executor.TaskResult
	}

	// WaveOutcome records one executed wave.
	WaveOutcome struct {
		// Group is the scheduled wave.
		Group schedule.Group

		// Results holds the wave's terminal task results in rank order.
		Results []executor.TaskResult

		// Merge is the conflict-aware merge of the wave's intents.
		Merge merge.Result

		// ApplyErr carries the graph application failure that aborted the
		// iteration, if any.
		ApplyErr error
	}

	// Iteration records one pass of the execute-reflect loop.
	Iteration struct {
		// RunID identifies the execution; events carry it.
		RunID string

		// Plan is the revision this pass executed.
		Plan plan.Plan

		// Depth counts the replans that produced the revision.
		Depth int

		// Waves holds the executed waves in order.
		Waves []WaveOutcome

		// TaskResults holds every task's terminal result in plan order.
		TaskResults []executor.TaskResult

		// Reflection is the quality gate outcome. Zero when the pass was
		// aborted before reflection.
		Reflection reflection.Result
	}

	// Result is the outcome of a pipeline execution.
	Result struct {
		// RunID identifies the execution. Every pass and every published
		// event carries it.
		RunID string

		// Iterations holds every pass in order; the last one is final.
		Iterations []Iteration

		// Graph is the app graph after the last applied wave.
		Graph *graph.Graph

		// Aborted reports a plan-level abort; reflection was skipped.
		Aborted bool
	}

	// Pipeline ties the execution stages together.
	Pipeline struct {
		exec          *executor.Executor
		eval          *reflection.Evaluator
		board         blackboard.Board
		log           telemetry.Logger
		metrics       telemetry.Metrics
		tracer        telemetry.Tracer
		replanner     Replanner
		maxIterations int
	}

	// Option configures a Pipeline.
	Option func(*Pipeline)

	// ExecuteOption configures one Execute call.
	ExecuteOption func(*executeOptions)

	executeOptions struct {
		runID string
	}
)

// Replan implements Replanner.
func (f ReplannerFunc) Replan(ctx context.Context, req ReplanRequest) (plan.Plan, error) {
	return f(ctx, req)
}

// WithEvaluator replaces the default reflection evaluator.
func WithEvaluator(e *reflection.Evaluator) Option {
	return func(p *Pipeline) { p.eval = e }
}

// WithBoard publishes wave and replan events to the given blackboard.
func WithBoard(b blackboard.Board) Option {
	return func(p *Pipeline) { p.board = b }
}

// WithLogger replaces the no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMetrics replaces the no-op metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer replaces the no-op tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithReplanner enables the replan loop. Without one the pipeline runs a
// single pass regardless of the reflection outcome.
func WithReplanner(r Replanner) Option {
	return func(p *Pipeline) { p.replanner = r }
}

// WithMaxIterations caps the execute-reflect loop for plans that do not
// carry their own cap.
func WithMaxIterations(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxIterations = n
		}
	}
}

// WithRunID pins the execution's run id. Callers that hand the id out
// before starting the run, like the event feed, use it to let consumers
// subscribe first.
func WithRunID(id string) ExecuteOption {
	return func(o *executeOptions) { o.runID = id }
}

// New constructs a Pipeline around the executor.
func New(exec *executor.Executor, opts ...Option) *Pipeline {
	p := &Pipeline{
		exec:          exec,
		eval:          reflection.NewEvaluator(),
		log:           telemetry.NewNoopLogger(),
		metrics:       telemetry.NewNoopMetrics(),
		tracer:        telemetry.NewNoopTracer(),
		maxIterations: DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewGraph returns an empty app graph ready for the pipeline: a fresh id,
// version zero, and an empty file tree at /files.
func NewGraph() *graph.Graph {
	return &graph.Graph{
		GraphID: uuid.NewString(),
		Root:    map[string]any{"files": map[string]any{}},
	}
}

// Execute runs the plan until reflection passes, the iteration budget is
// spent, or the context is cancelled. The returned result is valid even
// when err is non-nil: it covers every pass that ran.
func (p *Pipeline) Execute(ctx context.Context, pl plan.Plan, opts ...ExecuteOption) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.execute")
	defer span.End()
	start := time.Now()
	defer func() { p.metrics.RecordTimer("pipeline.run.duration", time.Since(start)) }()

	var eo executeOptions
	for _, opt := range opts {
		opt(&eo)
	}
	if eo.runID == "" {
		eo.runID = uuid.NewString()
	}

	result := &Result{RunID: eo.runID, Graph: NewGraph()}
	depth := 0

	for iter := 0; ; iter++ {
		pl = plan.Normalize(pl)
		if err := plan.Validate(pl); err != nil {
			span.SetStatus(codes.Error, "plan rejected")
			return result, err
		}
		sched, err := schedule.Build(pl)
		if err != nil {
			span.SetStatus(codes.Error, "plan unschedulable")
			return result, err
		}

		it, err := p.executePass(ctx, eo.runID, pl, sched, depth, result)
		result.Iterations = append(result.Iterations, it)
		p.metrics.IncCounter("pipeline.iterations", 1)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return result, err
		}
		if result.Aborted {
			return result, ctx.Err()
		}

		p.metrics.RecordGauge("pipeline.reflection.score", float64(it.Reflection.Score))
		p.log.Info(ctx, "pass evaluated",
			"run", it.RunID, "plan", pl.ID, "depth", depth,
			"score", it.Reflection.Score, "iterate", it.Reflection.ShouldIterate)

		if !it.Reflection.ShouldIterate || p.replanner == nil {
			return result, nil
		}
		if iter+1 >= p.iterationCap(pl) {
			p.log.Info(ctx, "iteration budget spent", "plan", pl.ID, "iterations", iter+1)
			return result, nil
		}

		next, err := p.replanner.Replan(ctx, ReplanRequest{
			Plan:        pl,
			Depth:       depth,
			Reflection:  it.Reflection,
			TaskResults: it.TaskResults,
		})
		if err != nil {
			return result, fmt.Errorf("replan after %s: %w", pl.ID, err)
		}
		depth++
		p.publish(ctx, blackboard.NewPlanReplannedEvent(
			it.RunID, pl.ID, next.ID, depth, replanReason(it.Reflection)))
		pl = next
	}
}

// executePass runs every scheduled wave of one plan revision and evaluates
// the outcome. The graph in result advances with each applied wave.
func (p *Pipeline) executePass(ctx context.Context, runID string, pl plan.Plan, sched schedule.Schedule, depth int, result *Result) (Iteration, error) {
	run := p.exec.NewRun(pl, executor.WithRunID(runID))
	it := Iteration{RunID: run.ID(), Plan: pl, Depth: depth}

	var touched []string
	for _, grp := range sched.Groups {
		if ctx.Err() != nil {
			result.Aborted = true
			return p.abortPass(ctx, run, it), nil
		}

		waveCtx, waveSpan := p.tracer.Start(ctx, "pipeline.wave")
		p.publish(waveCtx, blackboard.NewWaveStartedEvent(run.ID(), grp.ID, grp.Wave, grp.TaskIDs))

		results := run.ExecuteWave(waveCtx, grp)
		merged := merge.Merge(waveIntents(results))
		applied, applyErr := p.applyWave(result.Graph, merged)
		result.Graph = applied
		touched = append(touched, merged.TouchedFiles...)

		it.Waves = append(it.Waves, WaveOutcome{
			Group:    grp,
			Results:  results,
			Merge:    merged,
			ApplyErr: applyErr,
		})

		succeeded, failed := tally(results)
		p.publish(waveCtx, blackboard.NewWaveCompletedEvent(
			run.ID(), grp.ID, grp.Wave, succeeded, failed, len(merged.Conflicts)))
		p.metrics.IncCounter("pipeline.waves", 1)
		waveSpan.End()

		if ctx.Err() != nil {
			result.Aborted = true
			return p.abortPass(ctx, run, it), nil
		}
		if applyErr != nil {
			// A rejected envelope invalidates every later wave; stop,
			// cancel what never ran, and let reflection decide whether
			// to replan.
			p.log.Error(ctx, "wave apply failed", "run", run.ID(), "wave", grp.Wave, "err", applyErr)
			run.CancelPending(ctx, "wave apply failed")
			break
		}
		if err := internalFault(results); err != nil {
			run.CancelPending(ctx, "internal fault")
			it.TaskResults = run.Results()
			result.Aborted = true
			return it, err
		}
	}

	it.TaskResults = run.Results()
	it.Reflection = p.eval.Evaluate(reflectionInput(pl, depth, it.TaskResults, touched, result.Graph))
	return it, nil
}

// abortPass finalizes an iteration after a plan-level abort: pending tasks
// cancel and reflection is skipped.
func (p *Pipeline) abortPass(ctx context.Context, run *executor.Run, it Iteration) Iteration {
	run.CancelPending(ctx, "plan aborted")
	it.TaskResults = run.Results()
	p.log.Warn(ctx, "plan aborted", "run", run.ID(), "tasks", len(it.TaskResults))
	return it
}

// applyWave turns the merged patches into one RFC 6902 envelope against the
// /files subtree and applies it strictly. The returned graph is the new
// revision; on failure the input graph is returned unchanged.
func (p *Pipeline) applyWave(g *graph.Graph, res merge.Result) (*graph.Graph, error) {
	if len(res.Merged) == 0 {
		return g, nil
	}
	existing := graphFiles(g)
	ops := make([]graph.Operation, 0, len(res.Merged))
	for _, patch := range res.Merged {
		op := graph.OpAdd
		if _, ok := existing[patch.FilePath]; ok {
			op = graph.OpReplace
		}
		ops = append(ops, graph.Operation{
			Op:    op,
			Path:  "/files/" + graph.EscapeToken(patch.FilePath),
			Value: patch.Content,
		})
	}
	out, err := g.Apply(graph.NewEnvelope(g, ops), graph.WithStrict())
	if err != nil {
		return g, err
	}
	return out.Graph, nil
}

// publish sends an event to the board when one is configured.
func (p *Pipeline) publish(ctx context.Context, evt blackboard.Event) {
	if p.board == nil {
		return
	}
	if err := p.board.Publish(ctx, evt); err != nil {
		p.log.Warn(ctx, "event publish failed", "type", evt.Type(), "err", err)
	}
}

// iterationCap returns the plan's own cap when set, else the pipeline's.
func (p *Pipeline) iterationCap(pl plan.Plan) int {
	if pl.MaxIterations > 0 {
		return pl.MaxIterations
	}
	return p.maxIterations
}

// waveIntents gathers the intents of the wave's completed tasks.
func waveIntents(results []executor.TaskResult) []merge.Intent {
	var intents []merge.Intent
	for _, res := range results {
		intents = append(intents, res.Intents...)
	}
	return intents
}

func tally(results []executor.TaskResult) (succeeded, failed int) {
	for _, res := range results {
		if res.Status == executor.StatusCompleted {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// internalFault returns the first internal fault among the results, if any.
func internalFault(results []executor.TaskResult) error {
	for _, res := range results {
		if res.Err != nil && fault.KindOf(res.Err) == fault.KindInternal {
			return res.Err
		}
	}
	return nil
}

// reflectionInput assembles the evaluator's view of one pass from the task
// results and the post-merge graph.
func reflectionInput(pl plan.Plan, depth int, results []executor.TaskResult, touched []string, g *graph.Graph) reflection.Input {
	taskResults := make([]reflection.TaskResult, len(results))
	for i, res := range results {
		taskResults[i] = reflection.TaskResult{TaskID: res.TaskID, Status: string(res.Status)}
	}

	paths := dedupeSorted(touched)
	files := graphFiles(g)
	artifacts := make([]reflection.Artifact, 0, len(paths))
	for _, path := range paths {
		content, _ := files[path].(string)
		artifacts = append(artifacts, reflection.Artifact{Path: path, Content: content})
	}

	return reflection.Input{
		Plan:               pl,
		ReplanDepth:        depth,
		TaskResults:        taskResults,
		FilesGenerated:     len(paths),
		TouchedFilePaths:   paths,
		GeneratedArtifacts: artifacts,
		PromptMessage:      pl.UserMessage,
	}
}

// graphFiles returns the /files subtree of the graph root, or an empty map
// when the root does not carry one.
func graphFiles(g *graph.Graph) map[string]any {
	root, _ := g.Root.(map[string]any)
	files, _ := root["files"].(map[string]any)
	if files == nil {
		return map[string]any{}
	}
	return files
}

func dedupeSorted(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// replanReason names the dominant finding for the plan.replanned event.
func replanReason(res reflection.Result) string {
	if len(res.Issues) == 0 {
		return fmt.Sprintf("score %d below pass bar", res.Score)
	}
	return string(res.Issues[0].Code)
}
