package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Accumulator folds stream events into the final Response. Drivers feed it
// every event they emit so the done event and Complete both return the same
// aggregate. Tool call argument fragments accumulate between the start and
// end events of each call; the arguments decode once at tool_call_end.
//
// An Accumulator is single-goroutine, like the stream that feeds it.
type Accumulator struct {
	text   strings.Builder
	order  []string
	open   map[string]*pendingCall
	closed map[string]bool
	usage  Usage
	finish FinishReason
}

type pendingCall struct {
	name string
	args strings.Builder
	call *ToolCall
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{open: make(map[string]*pendingCall), closed: make(map[string]bool)}
}

// Feed incorporates one stream event. done events are ignored; the
// accumulator is what produces them. Feeding a delta or end for an unknown
// call id, or a second start for the same id, is a driver bug and errors.
func (a *Accumulator) Feed(ev Event) error {
	switch ev.Type {
	case EventTextDelta:
		a.text.WriteString(ev.Text)

	case EventToolCallStart:
		if _, dup := a.open[ev.ToolCallID]; dup || a.closed[ev.ToolCallID] {
			return fmt.Errorf("model: duplicate tool call start %q", ev.ToolCallID)
		}
		a.open[ev.ToolCallID] = &pendingCall{name: ev.ToolName}
		a.order = append(a.order, ev.ToolCallID)

	case EventToolCallDelta:
		pc, ok := a.open[ev.ToolCallID]
		if !ok {
			return fmt.Errorf("model: tool call delta for unknown call %q", ev.ToolCallID)
		}
		pc.args.WriteString(ev.ArgumentsDelta)

	case EventToolCallEnd:
		pc, ok := a.open[ev.ToolCallID]
		if !ok {
			return fmt.Errorf("model: tool call end for unknown call %q", ev.ToolCallID)
		}
		call, err := pc.finish(ev.ToolCallID)
		if err != nil {
			return err
		}
		pc.call = call
		a.closed[ev.ToolCallID] = true

	case EventDone:
		// Produced, not consumed.
	}
	return nil
}

// finish decodes the accumulated argument fragments. Empty arguments decode
// to an empty map.
func (pc *pendingCall) finish(id string) (*ToolCall, error) {
	input := map[string]any{}
	if raw := strings.TrimSpace(pc.args.String()); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			return nil, fmt.Errorf("model: tool call %q arguments are not valid JSON: %w", id, err)
		}
	}
	return &ToolCall{ID: id, Name: pc.name, Input: input}, nil
}

// SetFinishReason records the provider's stop reason.
func (a *Accumulator) SetFinishReason(r FinishReason) { a.finish = r }

// AddUsage accumulates token usage deltas.
func (a *Accumulator) AddUsage(u Usage) {
	a.usage.In += u.In
	a.usage.Out += u.Out
	a.usage.Total += u.Total
}

// Response builds the aggregated response. Calls still open are decoded
// leniently so a stream truncated after its last delta still yields the
// arguments received. When the provider never reported a finish reason one
// is derived: tool_use when calls exist, stop otherwise.
func (a *Accumulator) Response() (*Response, error) {
	calls := make([]ToolCall, 0, len(a.order))
	for _, id := range a.order {
		pc := a.open[id]
		if pc.call == nil {
			call, err := pc.finish(id)
			if err != nil {
				return nil, err
			}
			pc.call = call
		}
		calls = append(calls, *pc.call)
	}

	finish := a.finish
	if finish == "" {
		if len(calls) > 0 {
			finish = FinishToolUse
		} else {
			finish = FinishStop
		}
	}

	usage := a.usage
	if usage.Total == 0 {
		usage.Total = usage.In + usage.Out
	}

	resp := &Response{
		Text:         a.text.String(),
		FinishReason: finish,
		Usage:        usage,
	}
	if len(calls) > 0 {
		resp.ToolCalls = calls
	}
	return resp, nil
}
