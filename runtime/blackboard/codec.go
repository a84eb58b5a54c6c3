package blackboard

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

type (
	// wireEvent is the JSON Lines envelope. Base fields ride the envelope;
	// event-specific fields ride the payload.
	wireEvent struct {
		Type    EventType       `json:"type"`
		Seq     uint64          `json:"seq"`
		TS      int64           `json:"ts"`
		RunID   string          `json:"runId,omitempty"`
		TaskID  string          `json:"taskId,omitempty"`
		AgentID string          `json:"agentId,omitempty"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	taskStartedPayload struct {
		Wave int `json:"wave,omitempty"`
	}

	taskProgressPayload struct {
		Stage   string `json:"stage,omitempty"`
		Message string `json:"message,omitempty"`
	}

	taskCompletedPayload struct {
		Success bool   `json:"success"`
		Status  string `json:"status,omitempty"`
	}

	taskBlockedPayload struct {
		Reason string `json:"reason,omitempty"`
	}

	waveStartedPayload struct {
		GroupID string   `json:"groupId"`
		Wave    int      `json:"wave"`
		TaskIDs []string `json:"taskIds,omitempty"`
	}

	waveCompletedPayload struct {
		GroupID   string `json:"groupId"`
		Wave      int    `json:"wave"`
		Succeeded int    `json:"succeeded"`
		Failed    int    `json:"failed"`
		Conflicts int    `json:"conflicts"`
	}

	planReplannedPayload struct {
		PlanID     string `json:"planId,omitempty"`
		NextPlanID string `json:"nextPlanId,omitempty"`
		Depth      int    `json:"depth"`
		Reason     string `json:"reason,omitempty"`
	}
)

// Encode renders the event as a single JSON object suitable for one JSON
// Lines record.
func Encode(evt Event) ([]byte, error) {
	var payload any
	switch e := evt.(type) {
	case *TaskStartedEvent:
		payload = taskStartedPayload{Wave: e.Wave}
	case *TaskProgressEvent:
		payload = taskProgressPayload{Stage: e.Stage, Message: e.Message}
	case *TaskCompletedEvent:
		payload = taskCompletedPayload{Success: e.Success, Status: e.Status}
	case *TaskBlockedEvent:
		payload = taskBlockedPayload{Reason: e.Reason}
	case *WaveStartedEvent:
		payload = waveStartedPayload{GroupID: e.GroupID, Wave: e.Wave, TaskIDs: e.TaskIDs}
	case *WaveCompletedEvent:
		payload = waveCompletedPayload{
			GroupID:   e.GroupID,
			Wave:      e.Wave,
			Succeeded: e.Succeeded,
			Failed:    e.Failed,
			Conflicts: e.Conflicts,
		}
	case *PlanReplannedEvent:
		payload = planReplannedPayload{
			PlanID:     e.PlanID,
			NextPlanID: e.NextPlanID,
			Depth:      e.Depth,
			Reason:     e.Reason,
		}
	default:
		return nil, fmt.Errorf("encode event: unknown type %q", evt.Type())
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", evt.Type(), err)
	}
	return json.Marshal(wireEvent{
		Type:    evt.Type(),
		Seq:     evt.Seq(),
		TS:      evt.Timestamp(),
		RunID:   evt.RunID(),
		TaskID:  evt.TaskID(),
		AgentID: evt.AgentID(),
		Payload: raw,
	})
}

// Decode parses one JSON Lines record back into its typed event.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	be := baseEvent{
		runID:     w.RunID,
		taskID:    w.TaskID,
		agentID:   w.AgentID,
		seq:       w.Seq,
		timestamp: w.TS,
	}
	unmarshal := func(v any) error {
		if len(w.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(w.Payload, v); err != nil {
			return fmt.Errorf("decode %s payload: %w", w.Type, err)
		}
		return nil
	}
	switch w.Type {
	case TaskStarted:
		var p taskStartedPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &TaskStartedEvent{baseEvent: be, Wave: p.Wave}, nil
	case TaskProgress:
		var p taskProgressPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &TaskProgressEvent{baseEvent: be, Stage: p.Stage, Message: p.Message}, nil
	case TaskCompleted:
		var p taskCompletedPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &TaskCompletedEvent{baseEvent: be, Success: p.Success, Status: p.Status}, nil
	case TaskBlocked:
		var p taskBlockedPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &TaskBlockedEvent{baseEvent: be, Reason: p.Reason}, nil
	case WaveStarted:
		var p waveStartedPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &WaveStartedEvent{baseEvent: be, GroupID: p.GroupID, Wave: p.Wave, TaskIDs: p.TaskIDs}, nil
	case WaveCompleted:
		var p waveCompletedPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &WaveCompletedEvent{
			baseEvent: be,
			GroupID:   p.GroupID,
			Wave:      p.Wave,
			Succeeded: p.Succeeded,
			Failed:    p.Failed,
			Conflicts: p.Conflicts,
		}, nil
	case PlanReplanned:
		var p planReplannedPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return &PlanReplannedEvent{
			baseEvent:  be,
			PlanID:     p.PlanID,
			NextPlanID: p.NextPlanID,
			Depth:      p.Depth,
			Reason:     p.Reason,
		}, nil
	default:
		return nil, fmt.Errorf("decode event: unknown type %q", w.Type)
	}
}

type (
	// Encoder writes events as JSON Lines.
	Encoder struct {
		w io.Writer
	}

	// Decoder reads events from a JSON Lines stream.
	Decoder struct {
		sc *bufio.Scanner
	}
)

// NewEncoder constructs an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// Encode writes one event followed by a newline.
func (e *Encoder) Encode(evt Event) error {
	b, err := Encode(evt)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// NewDecoder constructs a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{sc: bufio.NewScanner(r)}
}

// Next returns the next event in the stream, io.EOF once drained. Blank
// lines are skipped.
func (d *Decoder) Next() (Event, error) {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		return Decode(line)
	}
	if err := d.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
