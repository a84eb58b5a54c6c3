// Package httpsse implements model.Client over raw HTTP with server-sent
// event streaming, for self-hosted and proxy endpoints that speak a known
// provider wire format without an SDK. The driver owns transport, retry with
// exponential back-off, cancellation and usage accounting; the wire dialect
// is supplied by an Adapter. Shipped adapters cover the Anthropic Messages
// and OpenAI Chat Completions formats.
package httpsse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/model/sse"
	"goa.design/loom/runtime/retry"
)

// maxResponseSize bounds a non-streaming response body.
const maxResponseSize = 10 * 1024 * 1024

// maxErrorSize bounds how much of an error body is read for diagnostics.
const maxErrorSize = 64 * 1024

type (
	// Adapter supplies the wire dialect: how to build request bodies, parse
	// responses and stream events, and classify failures. Adapters hold no
	// per-call state and must be safe for concurrent use; per-stream
	// bookkeeping lives in the StreamState the driver passes to ParseEvent.
	Adapter interface {
		// Name identifies the dialect in errors and metadata.
		Name() string

		// Endpoint returns the request path joined to the base URL.
		Endpoint() string

		// SetHeaders adds dialect headers, including credentials when the
		// key is non-empty.
		SetHeaders(h http.Header, apiKey string)

		// ConvertTools encodes tool definitions into the dialect's schema
		// list, or nil when defs is empty.
		ConvertTools(defs []*model.ToolDefinition) (json.RawMessage, error)

		// BuildRequest encodes the resolved call into a request body.
		BuildRequest(call *Call) ([]byte, error)

		// ParseResponse decodes a non-streaming 200 response body.
		ParseResponse(body []byte) (*model.Response, error)

		// ParseEvent translates one wire event into its normalized effect.
		ParseEvent(state *StreamState, ev sse.Event) (StreamUpdate, error)

		// ConvertError maps a non-2xx response to an error, normally a
		// *model.ProviderError classified by status.
		ConvertError(operation string, status int, body []byte) error
	}

	// Call is a fully resolved invocation handed to BuildRequest: defaults
	// applied and tools already converted.
	Call struct {
		// Model is the resolved model identifier.
		Model string

		// Request is the originating normalized request.
		Request *model.Request

		// Tools is the dialect-encoded tool list, nil when absent.
		Tools json.RawMessage

		// MaxTokens is the resolved completion cap, zero when unset.
		MaxTokens int

		// Temperature is the resolved sampling temperature, zero when
		// unset.
		Temperature float64

		// TopP is the nucleus sampling parameter, zero when unset.
		TopP float64

		// Stream selects the dialect's streaming mode.
		Stream bool
	}

	// StreamUpdate is the normalized effect of one wire event.
	StreamUpdate struct {
		// Events are forwarded to the consumer in order.
		Events []model.Event

		// Usage carries token totals when the event reported any. Fields
		// merge over earlier reports; zero fields leave prior values.
		Usage *model.Usage

		// Finish is the reported stop reason, empty when the event carried
		// none.
		Finish model.FinishReason
	}

	// StreamState correlates wire fragments across events of one stream.
	// Dialects bind their native slot key (a block or choice index) to the
	// tool call identifier when a call opens and release it when the call
	// closes. Open slots remaining at end of stream get synthesized end
	// events in binding order.
	StreamState struct {
		calls map[string]string
		order []string
	}

	// Options configures a Client.
	Options struct {
		// BaseURL is the endpoint root, e.g. "http://localhost:8000".
		// Required.
		BaseURL string

		// APIKey is passed to the adapter's SetHeaders. Optional; many
		// self-hosted endpoints are unauthenticated.
		APIKey string

		// DefaultModel is used when Request.Model is empty. Required.
		DefaultModel string

		// MaxOutputTokens is the completion cap used when the request does
		// not set one. Zero leaves the cap to the dialect.
		MaxOutputTokens int

		// Temperature is used when the request does not set one.
		Temperature float64

		// HTTPClient overrides the transport. Nil selects a client with a
		// generous timeout suited to model latencies.
		HTTPClient *http.Client

		// Retry bounds the back-off loop around retryable failures. Nil
		// selects retry.DefaultConfig.
		Retry *retry.Config

		// IdleTimeout bounds the silence between stream events. Zero
		// selects sse.DefaultIdleTimeout.
		IdleTimeout time.Duration
	}

	// Client implements model.Client over HTTP+SSE.
	Client struct {
		adapter      Adapter
		http         *http.Client
		baseURL      string
		apiKey       string
		defaultModel string
		maxTokens    int
		temperature  float64
		retry        retry.Config
		idle         time.Duration
	}
)

// NewStreamState returns empty per-stream bookkeeping.
func NewStreamState() *StreamState {
	return &StreamState{calls: make(map[string]string)}
}

// Bind opens a tool call under the dialect's slot key.
func (s *StreamState) Bind(slot, callID string) {
	if _, exists := s.calls[slot]; !exists {
		s.order = append(s.order, slot)
	}
	s.calls[slot] = callID
}

// Lookup returns the call bound to slot.
func (s *StreamState) Lookup(slot string) (string, bool) {
	id, ok := s.calls[slot]
	return id, ok
}

// Release closes the slot and returns the call that was bound to it.
func (s *StreamState) Release(slot string) (string, bool) {
	id, ok := s.calls[slot]
	if ok {
		delete(s.calls, slot)
	}
	return id, ok
}

// Open returns the still-bound calls in binding order.
func (s *StreamState) Open() []string {
	open := make([]string, 0, len(s.calls))
	for _, slot := range s.order {
		if id, ok := s.calls[slot]; ok {
			open = append(open, id)
		}
	}
	return open
}

// New builds a client for the given dialect.
func New(adapter Adapter, opts Options) (*Client, error) {
	if adapter == nil {
		return nil, errors.New("httpsse: adapter is required")
	}
	if opts.BaseURL == "" {
		return nil, errors.New("httpsse: base URL is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("httpsse: default model identifier is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 180 * time.Second}
	}
	cfg := retry.DefaultConfig()
	if opts.Retry != nil {
		cfg = *opts.Retry
	}
	idle := opts.IdleTimeout
	if idle == 0 {
		idle = sse.DefaultIdleTimeout
	}
	return &Client{
		adapter:      adapter,
		http:         httpClient,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxOutputTokens,
		temperature:  opts.Temperature,
		retry:        cfg,
		idle:         idle,
	}, nil
}

// Complete issues a non-streaming call, retrying retryable failures.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	call, err := c.resolve(req, false)
	if err != nil {
		return nil, err
	}
	body, err := c.adapter.BuildRequest(call)
	if err != nil {
		return nil, err
	}

	var out *model.Response
	err = retry.Do(ctx, c.retry, func(ctx context.Context) error {
		resp, err := c.post(ctx, body, false)
		if err != nil {
			return c.transportError("complete", err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return c.transportError("complete", err)
		}
		if resp.StatusCode != http.StatusOK {
			return c.adapter.ConvertError("complete", resp.StatusCode, raw)
		}
		out, err = c.adapter.ParseResponse(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stream issues a streaming call. Retry applies to establishing the stream;
// once events flow, failures surface through the Streamer.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	call, err := c.resolve(req, true)
	if err != nil {
		return nil, err
	}
	body, err := c.adapter.BuildRequest(call)
	if err != nil {
		return nil, err
	}

	var s model.Streamer
	err = retry.Do(ctx, c.retry, func(ctx context.Context) error {
		resp, err := c.post(ctx, body, true)
		if err != nil {
			return c.transportError("stream", err)
		}
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorSize))
			resp.Body.Close()
			return c.adapter.ConvertError("stream", resp.StatusCode, raw)
		}
		reader := sse.NewReader(resp.Body, sse.WithIdleTimeout(c.idle))
		s = newStreamer(ctx, c.adapter, reader, call.Model)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Client) resolve(req *model.Request, stream bool) (*Call, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%s: messages are required", c.adapter.Name())
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	tools, err := c.adapter.ConvertTools(req.Tools)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.temperature
	}
	return &Call{
		Model:       modelID,
		Request:     req,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        req.TopP,
		Stream:      stream,
	}, nil
}

func (c *Client) post(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.adapter.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	c.adapter.SetHeaders(req.Header, c.apiKey)
	return c.http.Do(req)
}

// transportError classifies a failure below the HTTP status line. Network
// faults are retryable; cancellation passes through untouched.
func (c *Client) transportError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return model.NewProviderError(c.adapter.Name(), operation, 0, model.ProviderErrorKindUnavailable, "", err.Error(), "", true, err)
}
