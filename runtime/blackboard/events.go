package blackboard

import "time"

// EventType identifies the kind of a blackboard event. The family is
// closed: consumers switch exhaustively over these constants.
type EventType string

const (
	// TaskStarted fires when the executor begins a task attempt.
	TaskStarted EventType = "agent.task.started"
	// TaskProgress fires on intermediate task milestones.
	TaskProgress EventType = "agent.task.progress"
	// TaskCompleted fires when a task reaches a terminal status.
	TaskCompleted EventType = "agent.task.completed"
	// TaskBlocked fires when a task cannot proceed, for example when a
	// dependency failed and the task was cancelled.
	TaskBlocked EventType = "agent.task.blocked"
	// WaveStarted fires when a scheduled group begins executing.
	WaveStarted EventType = "wave.started"
	// WaveCompleted fires after a group drained and its intents merged.
	WaveCompleted EventType = "wave.completed"
	// PlanReplanned fires when reflection triggers a new plan revision.
	PlanReplanned EventType = "plan.replanned"
)

type (
	// Event is the interface every blackboard event implements. The board
	// stamps each published event with a per-board monotonic sequence
	// number; the timestamp is set at creation so subscribers can measure
	// latencies between related events.
	//
	// Subscribers use type switches to access event-specific fields:
	//
	//	func (s *MySubscriber) HandleEvent(ctx context.Context, evt Event) error {
	//	    switch e := evt.(type) {
	//	    case *TaskCompletedEvent:
	//	        log.Printf("task %s success=%v", e.TaskID(), e.Success)
	//	    case *WaveCompletedEvent:
	//	        log.Printf("wave %d merged", e.Wave)
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// Seq returns the board-assigned monotonic sequence number. Zero
		// means the event has not been published yet.
		Seq() uint64
		// Timestamp returns the Unix timestamp in milliseconds when the
		// event was created.
		Timestamp() int64
		// RunID returns the plan execution the event belongs to.
		RunID() string
		// TaskID returns the originating task id, empty for wave and plan
		// scoped events.
		TaskID() string
		// AgentID returns the originating agent id, empty for wave and
		// plan scoped events.
		AgentID() string
	}

	// TaskStartedEvent fires when the executor begins a task attempt.
	TaskStartedEvent struct {
		baseEvent
		// Wave is the 1-based index of the group the task runs in.
		Wave int
	}

	// TaskProgressEvent fires on intermediate task milestones.
	TaskProgressEvent struct {
		baseEvent
		// Stage labels the milestone, for example "context" or "invoke".
		Stage string
		// Message is an optional human-readable progress note.
		Message string
	}

	// TaskCompletedEvent fires when a task reaches a terminal status.
	TaskCompletedEvent struct {
		baseEvent
		// Success reports whether the task completed without error.
		Success bool
		// Status is the terminal executor status string.
		Status string
	}

	// TaskBlockedEvent fires when a task cannot proceed.
	TaskBlockedEvent struct {
		baseEvent
		// Reason explains why the task was blocked, for example the id of
		// the failed dependency.
		Reason string
	}

	// WaveStartedEvent fires when a scheduled group begins executing.
	WaveStartedEvent struct {
		baseEvent
		// GroupID is the scheduled group id.
		GroupID string
		// Wave is the group's 1-based index.
		Wave int
		// TaskIDs lists the group members in rank order.
		TaskIDs []string
	}

	// WaveCompletedEvent fires after a group drained and merged.
	WaveCompletedEvent struct {
		baseEvent
		// GroupID is the scheduled group id.
		GroupID string
		// Wave is the group's 1-based index.
		Wave int
		// Succeeded counts tasks that completed.
		Succeeded int
		// Failed counts tasks that failed, timed out, or were cancelled.
		Failed int
		// Conflicts counts merge conflicts recorded for the wave.
		Conflicts int
	}

	// PlanReplannedEvent fires when reflection triggers a new revision.
	PlanReplannedEvent struct {
		baseEvent
		// PlanID identifies the revision that was just executed.
		PlanID string
		// NextPlanID identifies the replacement revision.
		NextPlanID string
		// Depth is the replan depth after this revision.
		Depth int
		// Reason summarizes the reflection issues that forced the replan.
		Reason string
	}

	// baseEvent carries the fields shared by every event.
	baseEvent struct {
		runID   string
		taskID  string
		agentID string
		seq     uint64
		// timestamp is Unix milliseconds at event creation.
		timestamp int64
	}
)

// NewTaskStartedEvent constructs a TaskStartedEvent with the current
// timestamp.
func NewTaskStartedEvent(runID, taskID, agentID string, wave int) *TaskStartedEvent {
	return &TaskStartedEvent{baseEvent: newBaseEvent(runID, taskID, agentID), Wave: wave}
}

// NewTaskProgressEvent constructs a TaskProgressEvent.
func NewTaskProgressEvent(runID, taskID, agentID, stage, message string) *TaskProgressEvent {
	return &TaskProgressEvent{
		baseEvent: newBaseEvent(runID, taskID, agentID),
		Stage:     stage,
		Message:   message,
	}
}

// NewTaskCompletedEvent constructs a TaskCompletedEvent. Status is the
// terminal executor status; success must be true only for "completed".
func NewTaskCompletedEvent(runID, taskID, agentID string, success bool, status string) *TaskCompletedEvent {
	return &TaskCompletedEvent{
		baseEvent: newBaseEvent(runID, taskID, agentID),
		Success:   success,
		Status:    status,
	}
}

// NewTaskBlockedEvent constructs a TaskBlockedEvent.
func NewTaskBlockedEvent(runID, taskID, agentID, reason string) *TaskBlockedEvent {
	return &TaskBlockedEvent{
		baseEvent: newBaseEvent(runID, taskID, agentID),
		Reason:    reason,
	}
}

// NewWaveStartedEvent constructs a WaveStartedEvent.
func NewWaveStartedEvent(runID, groupID string, wave int, taskIDs []string) *WaveStartedEvent {
	return &WaveStartedEvent{
		baseEvent: newBaseEvent(runID, "", ""),
		GroupID:   groupID,
		Wave:      wave,
		TaskIDs:   append([]string(nil), taskIDs...),
	}
}

// NewWaveCompletedEvent constructs a WaveCompletedEvent.
func NewWaveCompletedEvent(runID, groupID string, wave, succeeded, failed, conflicts int) *WaveCompletedEvent {
	return &WaveCompletedEvent{
		baseEvent: newBaseEvent(runID, "", ""),
		GroupID:   groupID,
		Wave:      wave,
		Succeeded: succeeded,
		Failed:    failed,
		Conflicts: conflicts,
	}
}

// NewPlanReplannedEvent constructs a PlanReplannedEvent.
func NewPlanReplannedEvent(runID, planID, nextPlanID string, depth int, reason string) *PlanReplannedEvent {
	return &PlanReplannedEvent{
		baseEvent:  newBaseEvent(runID, "", ""),
		PlanID:     planID,
		NextPlanID: nextPlanID,
		Depth:      depth,
		Reason:     reason,
	}
}

// newBaseEvent constructs a baseEvent with the current timestamp.
func newBaseEvent(runID, taskID, agentID string) baseEvent {
	return baseEvent{
		runID:     runID,
		taskID:    taskID,
		agentID:   agentID,
		timestamp: time.Now().UnixMilli(),
	}
}

// Seq returns the board-assigned sequence number.
func (e baseEvent) Seq() uint64 { return e.seq }

// Timestamp returns the creation time in Unix milliseconds.
func (e baseEvent) Timestamp() int64 { return e.timestamp }

// RunID returns the owning plan execution id.
func (e baseEvent) RunID() string { return e.runID }

// TaskID returns the originating task id, if any.
func (e baseEvent) TaskID() string { return e.taskID }

// AgentID returns the originating agent id, if any.
func (e baseEvent) AgentID() string { return e.agentID }

// stamp assigns the board sequence number at publish time.
func (e *baseEvent) stamp(seq uint64) { e.seq = seq }

// Type method implementations

func (e *TaskStartedEvent) Type() EventType   { return TaskStarted }
func (e *TaskProgressEvent) Type() EventType  { return TaskProgress }
func (e *TaskCompletedEvent) Type() EventType { return TaskCompleted }
func (e *TaskBlockedEvent) Type() EventType   { return TaskBlocked }
func (e *WaveStartedEvent) Type() EventType   { return WaveStarted }
func (e *WaveCompletedEvent) Type() EventType { return WaveCompleted }
func (e *PlanReplannedEvent) Type() EventType { return PlanReplanned }
