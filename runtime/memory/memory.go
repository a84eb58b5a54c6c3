// Package memory implements the session context store: the ordered message
// list an agent run accumulates, with token accounting, pruning of stale
// tool output, whole-history compaction, and budgeted prompt-section
// selection. The store is safe for concurrent use; all mutating operations
// take the write lock and readers receive copies.
package memory

import (
	"sync"

	"goa.design/loom/runtime/cache"
	"goa.design/loom/runtime/tokens"
)

// Role is a context message role.
type Role string

const (
	// RoleUser marks end-user input.
	RoleUser Role = "user"
	// RoleAssistant marks model output.
	RoleAssistant Role = "assistant"
	// RoleSystem marks instructions and synthetic summaries.
	RoleSystem Role = "system"
	// RoleToolResult marks tool output fed back to the model.
	RoleToolResult Role = "tool_result"
)

type (
	// Part records one tool invocation carried by a message. Messages with
	// parts are the pruning candidates: their content is tool output that
	// can be rewritten into a structured digest once it leaves the recency
	// window.
	Part struct {
		// ToolName names the invoked tool.
		ToolName string `json:"toolName"`

		// ToolUseID correlates the part with the provider tool call.
		ToolUseID string `json:"toolUseId,omitempty"`
	}

	// Message is one entry of the session transcript. Content is rewritten
	// in place by pruning and flagged rather than removed by compaction so
	// journals retain the full history.
	Message struct {
		// Role is the message role.
		Role Role `json:"role"`

		// Content is the message body.
		Content string `json:"content"`

		// Tokens is the known token count. Zero means unknown; accounting
		// falls back to an estimate of Content.
		Tokens int `json:"tokens,omitempty"`

		// Parts carries tool-call metadata when the message holds tool
		// output.
		Parts []Part `json:"parts,omitempty"`

		// Truncated reports that pruning replaced Content with a digest.
		Truncated bool `json:"truncated,omitempty"`

		// Compacted reports that the message was folded into a synthetic
		// summary and no longer participates in prompt assembly.
		Compacted bool `json:"compacted,omitempty"`
	}

	// Store holds the ordered transcript of one session.
	Store struct {
		mu sync.RWMutex

		sessionID string
		msgs      []Message

		pruning    PruningPolicy
		compaction CompactionPolicy
		sections   *cache.Shard
	}

	// Option configures a Store.
	Option func(*Store)
)

// WithPruning overrides the pruning policy.
func WithPruning(p PruningPolicy) Option {
	return func(s *Store) { s.pruning = p }
}

// WithCompaction overrides the compaction policy.
func WithCompaction(p CompactionPolicy) Option {
	return func(s *Store) { s.compaction = p }
}

// WithSectionCache routes section selection through the given cache store's
// sections shard.
func WithSectionCache(c *cache.Store) Option {
	return func(s *Store) {
		if c != nil {
			s.sections = c.Sections
		}
	}
}

// New constructs a Store for the given session with default policies.
func New(sessionID string, opts ...Option) *Store {
	s := &Store{
		sessionID:  sessionID,
		pruning:    DefaultPruning(),
		compaction: DefaultCompaction(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionID returns the session the store belongs to.
func (s *Store) SessionID() string { return s.sessionID }

// Append adds messages to the end of the transcript.
func (s *Store) Append(msgs ...Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msgs...)
	s.mu.Unlock()
}

// Messages returns a copy of the full transcript, compacted entries
// included.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Active returns a copy of the messages that participate in prompt
// assembly, excluding compacted entries.
func (s *Store) Active() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if m.Compacted {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Len returns the total number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// TokenCount returns the token load of the active transcript.
func (s *Store) TokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, m := range s.msgs {
		if m.Compacted {
			continue
		}
		total += messageTokens(m)
	}
	return total
}

// CountTokens sums token counts across msgs, using the per-message count
// when known and estimating the content otherwise.
func CountTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += messageTokens(m)
	}
	return total
}

func messageTokens(m Message) int {
	if m.Tokens > 0 {
		return m.Tokens
	}
	return tokens.Estimate(m.Content)
}

// isTool reports whether the message carries tool output.
func (m Message) isTool() bool {
	return len(m.Parts) > 0 || m.Role == RoleToolResult
}

// toolNames returns the distinct tool names carried by the message, in
// first-seen order.
func (m Message) toolNames() []string {
	seen := make(map[string]struct{}, len(m.Parts))
	names := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.ToolName == "" {
			continue
		}
		if _, ok := seen[p.ToolName]; ok {
			continue
		}
		seen[p.ToolName] = struct{}{}
		names = append(names, p.ToolName)
	}
	return names
}
