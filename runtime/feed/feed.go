// Package feed exposes the orchestration runtime over HTTP: plan
// validation, run submission, run state, and a live server-sent-events feed
// of blackboard events. The feed is live only; events published before a
// client connects are not replayed, the journal is the durable record.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/health"
	goahttp "goa.design/goa/v3/http"

	"goa.design/loom/runtime/blackboard"
	"goa.design/loom/runtime/pipeline"
	"goa.design/loom/runtime/plan"
	"goa.design/loom/runtime/reflection"
	"goa.design/loom/runtime/telemetry"
)

type (
	// Runner starts a plan execution. *pipeline.Pipeline satisfies it.
	Runner interface {
		Execute(ctx context.Context, pl plan.Plan, opts ...pipeline.ExecuteOption) (*pipeline.Result, error)
	}

	// Service is the HTTP surface of the runtime. Mount attaches its
	// handlers to a goa muxer.
	Service struct {
		runner  Runner
		board   blackboard.Board
		log     telemetry.Logger
		pingers []health.Pinger
		idle    time.Duration
		// base is the parent context of run executions, which outlive the
		// submitting request.
		base context.Context

		mu   sync.RWMutex
		runs map[string]*RunState
	}

	// Option configures the service.
	Option func(*Service)

	// RunStatus is the lifecycle state of a submitted run.
	RunStatus string

	// RunState is the registry entry for one submitted run. It is the
	// response body of GET /runs/{id}.
	RunState struct {
		// RunID identifies the run; events on the feed carry it.
		RunID string `json:"runId"`

		// PlanID is the submitted plan revision.
		PlanID string `json:"planId"`

		// Status is the current lifecycle state.
		Status RunStatus `json:"status"`

		// StartedAt is the submission time.
		StartedAt time.Time `json:"startedAt"`

		// FinishedAt is set once the run reaches a terminal status.
		FinishedAt *time.Time `json:"finishedAt,omitempty"`

		// Iterations counts the executed passes.
		Iterations int `json:"iterations,omitempty"`

		// Reflection is the final quality gate outcome. Unset while
		// running and after an abort.
		Reflection *reflection.Result `json:"reflection,omitempty"`

		// Error is the terminal error text for failed and aborted runs.
		Error string `json:"error,omitempty"`
	}

	// ValidateResult is the response body of POST /plans/validate.
	ValidateResult struct {
		Valid  bool   `json:"valid"`
		PlanID string `json:"planId,omitempty"`
		Tasks  int    `json:"tasks,omitempty"`
	}

	// SubmitResult is the response body of POST /runs.
	SubmitResult struct {
		RunID  string `json:"runId"`
		PlanID string `json:"planId"`
	}

	// errorBody is the error envelope of every non-2xx JSON response.
	errorBody struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
)

const (
	// RunRunning means the run was accepted and is executing.
	RunRunning RunStatus = "running"

	// RunCompleted means the run finished and reflection gated it.
	RunCompleted RunStatus = "completed"

	// RunFailed means the run returned an error.
	RunFailed RunStatus = "failed"

	// RunAborted means the run was cancelled before reflection.
	RunAborted RunStatus = "aborted"
)

const (
	// DefaultIdleTimeout closes an event stream that carried no event for
	// this long. Clients reconnect with the same run id.
	DefaultIdleTimeout = 30 * time.Second

	// maxBodyBytes bounds plan documents.
	maxBodyBytes = 1 << 20

	// eventBuffer is the per-subscriber channel depth. A subscriber that
	// falls further behind loses events rather than stalling publishers.
	eventBuffer = 64
)

// codeSchema is the error code for plan documents rejected before
// graph validation, by the JSON codec or the schema.
const codeSchema = "E_SCHEMA"

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithIdleTimeout overrides the event stream idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Service) { s.idle = d }
}

// WithHealthPingers adds dependencies to the health endpoint.
func WithHealthPingers(ps ...health.Pinger) Option {
	return func(s *Service) { s.pingers = append(s.pingers, ps...) }
}

// WithBaseContext sets the parent context of run executions so shutdown can
// cancel in-flight runs. Defaults to context.Background.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Service) { s.base = ctx }
}

// New constructs the service. The runner executes submitted plans and the
// board is the bus their events are published on.
func New(runner Runner, board blackboard.Board, opts ...Option) *Service {
	s := &Service{
		runner: runner,
		board:  board,
		log:    telemetry.NewNoopLogger(),
		idle:   DefaultIdleTimeout,
		base:   context.Background(),
		runs:   make(map[string]*RunState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mount attaches the handlers to mux.
func (s *Service) Mount(mux goahttp.Muxer) {
	mux.Handle("POST", "/plans/validate", s.handleValidatePlan)
	mux.Handle("POST", "/runs", s.handleSubmitRun)
	mux.Handle("GET", "/runs/{id}", s.handleRunState(mux))
	mux.Handle("GET", "/runs/{id}/events", s.handleRunEvents(mux))
	mux.Handle("GET", "/healthz", health.Handler(health.NewChecker(s.pingers...)))
}

// Run returns the registry entry for a run id.
func (s *Service) Run(id string) (RunState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.runs[id]
	if !ok {
		return RunState{}, false
	}
	return *st, true
}

// handleValidatePlan decodes and validates a plan document without running
// it. Invalid documents yield 422 with the validation code.
func (s *Service) handleValidatePlan(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodePlan(w, r)
	if !ok {
		return
	}
	s.respond(r.Context(), w, http.StatusOK, ValidateResult{
		Valid:  true,
		PlanID: p.ID,
		Tasks:  len(p.Tasks),
	})
}

// handleSubmitRun validates the plan, registers a run, and starts execution
// in the background. The response carries the run id so the client can
// subscribe to the event feed before the first wave starts.
func (s *Service) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodePlan(w, r)
	if !ok {
		return
	}

	runID := uuid.NewString()
	now := time.Now().UTC()
	s.mu.Lock()
	s.runs[runID] = &RunState{
		RunID:     runID,
		PlanID:    p.ID,
		Status:    RunRunning,
		StartedAt: now,
	}
	s.mu.Unlock()

	go s.execute(runID, p)

	w.Header().Set("Location", "/runs/"+runID)
	s.respond(r.Context(), w, http.StatusAccepted, SubmitResult{RunID: runID, PlanID: p.ID})
}

// handleRunState serves the registry entry of one run.
func (s *Service) handleRunState(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		st, ok := s.Run(id)
		if !ok {
			s.respondError(r.Context(), w, http.StatusNotFound, "E_UNKNOWN_RUN", fmt.Errorf("unknown run %q", id))
			return
		}
		s.respond(r.Context(), w, http.StatusOK, st)
	}
}

// handleRunEvents streams the run's blackboard events as server-sent
// events. The subscription is registered before the response header is
// written, so an event published after the client sees the 200 is not
// lost. The stream closes on client disconnect or after the idle timeout.
func (s *Service) handleRunEvents(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if _, ok := s.Run(id); !ok {
			s.respondError(r.Context(), w, http.StatusNotFound, "E_UNKNOWN_RUN", fmt.Errorf("unknown run %q", id))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			s.respondError(r.Context(), w, http.StatusInternalServerError, "E_STREAMING", errors.New("response writer does not support streaming"))
			return
		}

		events := make(chan blackboard.Event, eventBuffer)
		sub, err := s.board.Register(blackboard.SubscriberFunc(func(_ context.Context, evt blackboard.Event) error {
			// Publishers never wait on a slow client.
			select {
			case events <- evt:
			default:
			}
			return nil
		}), blackboard.WithRunScope(id))
		if err != nil {
			s.respondError(r.Context(), w, http.StatusInternalServerError, "E_SUBSCRIBE", err)
			return
		}
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		idle := time.NewTimer(s.idle)
		defer idle.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-idle.C:
				return
			case evt := <-events:
				if err := s.writeEvent(w, flusher, evt); err != nil {
					s.log.Debug(r.Context(), "event stream closed", "run_id", id, "err", err)
					return
				}
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(s.idle)
			}
		}
	}
}

// execute runs the plan to completion and records the terminal state.
func (s *Service) execute(runID string, p plan.Plan) {
	res, err := s.runner.Execute(s.base, p, pipeline.WithRunID(runID))

	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.runs[runID]
	if !ok {
		return
	}
	st.FinishedAt = &now
	switch {
	case res != nil && res.Aborted:
		st.Status = RunAborted
	case err != nil:
		st.Status = RunFailed
	default:
		st.Status = RunCompleted
	}
	if err != nil {
		st.Error = err.Error()
	}
	if res == nil {
		return
	}
	st.Iterations = len(res.Iterations)
	if n := len(res.Iterations); n > 0 && !res.Aborted {
		refl := res.Iterations[n-1].Reflection
		st.Reflection = &refl
	}
}

// decodePlan reads and validates the request body. On failure it writes the
// error response and returns ok false.
func (s *Service) decodePlan(w http.ResponseWriter, r *http.Request) (plan.Plan, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondError(r.Context(), w, http.StatusBadRequest, "E_BODY", fmt.Errorf("read request body: %w", err))
		return plan.Plan{}, false
	}
	p, err := plan.Decode(body)
	if err != nil {
		s.respondError(r.Context(), w, http.StatusUnprocessableEntity, validationCode(err), err)
		return plan.Plan{}, false
	}
	return p, true
}

// writeEvent frames one event as an SSE record and flushes it. A write
// error means the client went away.
func (s *Service) writeEvent(w io.Writer, flusher http.Flusher, evt blackboard.Event) error {
	data, err := blackboard.Encode(evt)
	if err != nil {
		s.log.Warn(context.Background(), "encode event", "type", evt.Type(), "err", err)
		return nil
	}
	if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", evt.Type(), evt.Seq(), data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()
	return nil
}

// respond encodes v with the negotiated encoder after writing the status.
func (s *Service) respond(ctx context.Context, w http.ResponseWriter, status int, v any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		s.log.Error(ctx, "encode response", "err", err)
	}
}

func (s *Service) respondError(ctx context.Context, w http.ResponseWriter, status int, code string, err error) {
	s.respond(ctx, w, status, errorBody{Code: code, Error: err.Error()})
}

// validationCode maps a plan.Decode error to its wire code.
func validationCode(err error) string {
	var verr *plan.ValidationError
	if errors.As(err, &verr) {
		return verr.Code
	}
	return codeSchema
}
