// Package sse decodes server-sent event streams with the exact line grammar
// the provider adapters rely on: lines split on LF (a trailing CR is
// stripped), "event:" and "data:" fields, multi-line data joined with LF, a
// blank line dispatching the pending event, comment lines (leading ":") and
// unknown fields ignored, the "[DONE]" sentinel terminating the stream, and
// any partial line left at end-of-stream processed before termination.
// Payload interpretation stays with the caller; this package never parses
// JSON.
package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"time"
)

// DefaultIdleTimeout bounds the gap between stream lines before the reader
// gives up. Idle streams surface as retryable provider failures upstream.
const DefaultIdleTimeout = 30 * time.Second

// Sentinel data payload that terminates the stream.
const doneSentinel = "[DONE]"

// ErrIdleTimeout reports that the stream went silent for longer than the
// configured idle timeout.
var ErrIdleTimeout = errors.New("sse: stream idle timeout")

type (
	// Event is one dispatched server-sent event.
	Event struct {
		// Name is the value of the event: field, empty when absent.
		Name string

		// Data is the concatenated data: payload, multi-line values joined
		// with LF.
		Data string
	}

	// Reader decodes events from a byte stream. Create one per response
	// body; a Reader is single-goroutine like the stream it wraps.
	Reader struct {
		src     io.Reader
		idle    time.Duration
		lines   chan lineMsg
		quit    chan struct{}
		started bool
		done    bool
	}

	lineMsg struct {
		text string
		err  error
	}

	// Option configures a Reader.
	Option func(*Reader)
)

// WithIdleTimeout overrides the idle timeout. Zero or negative disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Reader) { r.idle = d }
}

// NewReader wraps src, typically an HTTP response body.
func NewReader(src io.Reader, opts ...Option) *Reader {
	r := &Reader{
		src:   src,
		idle:  DefaultIdleTimeout,
		lines: make(chan lineMsg, 16),
		quit:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Next returns the next dispatched event. It returns io.EOF once the stream
// ends or the [DONE] sentinel arrives, and ErrIdleTimeout when no line
// arrives within the idle window. An event pending at end-of-stream without
// a final blank line is dispatched before io.EOF.
func (r *Reader) Next() (Event, error) {
	if r.done {
		return Event{}, io.EOF
	}
	if !r.started {
		r.started = true
		go r.pump()
	}

	var (
		name     string
		data     []string
		pending  bool
		deadline *time.Timer
	)
	if r.idle > 0 {
		deadline = time.NewTimer(r.idle)
		defer deadline.Stop()
	}

	for {
		var msg lineMsg
		if deadline != nil {
			select {
			case msg = <-r.lines:
				deadline.Reset(r.idle)
			case <-deadline.C:
				r.done = true
				return Event{}, ErrIdleTimeout
			}
		} else {
			msg = <-r.lines
		}

		if msg.err != nil {
			r.done = true
			if !errors.Is(msg.err, io.EOF) {
				return Event{}, msg.err
			}
			// Dispatch whatever the truncated stream left behind.
			if pending {
				return r.dispatch(name, data)
			}
			return Event{}, io.EOF
		}

		line := msg.text
		switch {
		case line == "":
			if !pending {
				continue
			}
			return r.dispatch(name, data)

		case strings.HasPrefix(line, ":"):
			// Comment.

		default:
			field, value := splitField(line)
			switch field {
			case "event":
				name = value
				pending = true
			case "data":
				data = append(data, value)
				pending = true
			default:
				// Unknown field, ignored.
			}
		}
	}
}

// dispatch assembles the pending event, terminating on the sentinel.
func (r *Reader) dispatch(name string, data []string) (Event, error) {
	payload := strings.Join(data, "\n")
	if strings.TrimSpace(payload) == doneSentinel {
		r.done = true
		return Event{}, io.EOF
	}
	return Event{Name: name, Data: payload}, nil
}

// Close stops the reader and closes the underlying stream when it is a
// Closer. Safe to call more than once.
func (r *Reader) Close() error {
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
	r.done = true
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// pump feeds lines to Next. The scanner splits on LF, strips a trailing CR,
// and returns a final unterminated line, which is exactly the wire grammar.
func (r *Reader) pump() {
	scanner := bufio.NewScanner(r.src)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		select {
		case r.lines <- lineMsg{text: scanner.Text()}:
		case <-r.quit:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case r.lines <- lineMsg{err: err}:
	case <-r.quit:
	}
}

// splitField splits an SSE line at the first colon, stripping the single
// optional space after it. A line without a colon is a field with an empty
// value.
func splitField(line string) (field, value string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	value = strings.TrimPrefix(value, " ")
	return field, value
}
