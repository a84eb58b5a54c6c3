package memory

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"goa.design/loom/runtime/tokens"
)

// Pruning defaults.
const (
	// DefaultProtectWindow is the token span at the end of the transcript
	// that pruning never touches.
	DefaultProtectWindow = 40000

	// DefaultMinSavings is the minimum token saving below which a prune or
	// compaction pass is discarded.
	DefaultMinSavings = 20000
)

type (
	// PruningPolicy controls which tool outputs are rewritten into digests
	// and when the rewrite is worth keeping.
	PruningPolicy struct {
		// ProtectWindow is the token budget of the transcript suffix that
		// stays untouched. A message is prunable only when the tokens from
		// it to the end of the transcript exceed the window.
		ProtectWindow int `json:"protectWindow" yaml:"protectWindow"`

		// MinSavings is the total token saving required for the pass to
		// take effect. Below it the transcript is returned unchanged.
		MinSavings int `json:"minSavings" yaml:"minSavings"`

		// ProtectedTools lists tool names whose output is never rewritten.
		ProtectedTools []string `json:"protectedTools" yaml:"protectedTools"`
	}
)

// DefaultPruning returns the standard policy.
func DefaultPruning() PruningPolicy {
	return PruningPolicy{
		ProtectWindow:  DefaultProtectWindow,
		MinSavings:     DefaultMinSavings,
		ProtectedTools: []string{"skill", "lsp"},
	}
}

func (p PruningPolicy) protected(names []string) bool {
	for _, n := range names {
		for _, pt := range p.ProtectedTools {
			if n == pt {
				return true
			}
		}
	}
	return false
}

// Prune rewrites stale tool output in the store into structured digests and
// returns the tokens saved. When the pass would save fewer than
// MinSavings tokens the transcript is left unchanged and 0 is returned.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned, saved := s.pruning.Apply(s.msgs)
	if saved == 0 {
		return 0
	}
	s.msgs = pruned
	return saved
}

// Apply runs one pruning pass over msgs and returns the resulting
// transcript with the total tokens saved. The input slice is never
// mutated; when nothing qualifies or the saving falls below MinSavings the
// input slice is returned with a zero saving.
func (p PruningPolicy) Apply(msgs []Message) ([]Message, int) {
	if len(msgs) == 0 {
		return msgs, 0
	}

	// suffix[i] holds the token load from msgs[i] to the end. Messages
	// whose suffix fits inside the protect window are recent enough to
	// keep verbatim.
	suffix := make([]int, len(msgs)+1)
	for i := len(msgs) - 1; i >= 0; i-- {
		suffix[i] = suffix[i+1] + messageTokens(msgs[i])
	}

	out := make([]Message, len(msgs))
	copy(out, msgs)

	saved := 0
	for i, m := range msgs {
		if suffix[i] <= p.ProtectWindow {
			break
		}
		if m.Role == RoleSystem || m.Compacted || m.Truncated {
			continue
		}
		if !m.isTool() || p.protected(m.toolNames()) {
			continue
		}
		before := messageTokens(m)
		digest := truncateToolOutput(m, before)
		after := tokens.Estimate(digest)
		if after >= before {
			continue
		}
		out[i].Content = digest
		out[i].Tokens = after
		out[i].Truncated = true
		saved += before - after
	}

	if saved < p.MinSavings {
		return msgs, 0
	}
	return out, saved
}

var (
	errorLineRE = regexp.MustCompile(`(?i)error|failed`)
	filePathRE  = regexp.MustCompile(`[\w-]+\.[\w]+`)
	codeBlockRE = regexp.MustCompile("(?s)```[^\n]*\n(.*?)```")
)

// Extraction caps for the structured truncation.
const (
	maxErrorLines = 3
	maxFilePaths  = 5
	maxDigests    = 3
)

// truncateToolOutput renders the structured digest that replaces a pruned
// tool message: original size, called tools, surviving error lines, touched
// file paths, code-block digests, and a content hash for verification.
func truncateToolOutput(m Message, originalTokens int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[truncated tool output: ~%d tokens]\n", originalTokens)
	if names := m.toolNames(); len(names) > 0 {
		fmt.Fprintf(&b, "tools: %s\n", strings.Join(names, ", "))
	}

	if errs := errorLines(m.Content, maxErrorLines); len(errs) > 0 {
		b.WriteString("errors:\n")
		for _, e := range errs {
			fmt.Fprintf(&b, "  %s\n", e)
		}
	}

	if paths := filePaths(m.Content, maxFilePaths); len(paths) > 0 {
		fmt.Fprintf(&b, "files: %s\n", strings.Join(paths, ", "))
	}

	if digests := codeDigests(m.Content, maxDigests); len(digests) > 0 {
		b.WriteString("code:\n")
		for _, d := range digests {
			fmt.Fprintf(&b, "  %s\n", d.String())
		}
	}

	fmt.Fprintf(&b, "hash: %s", contentHash32(m.Content))
	return b.String()
}

// errorLines returns up to max trimmed lines matching the error pattern.
func errorLines(content string, max int) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !errorLineRE.MatchString(line) {
			continue
		}
		out = append(out, line)
		if len(out) == max {
			break
		}
	}
	return out
}

// filePaths returns up to max distinct file-like tokens in first-seen
// order.
func filePaths(content string, max int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range filePathRE.FindAllString(content, -1) {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
		if len(out) == max {
			break
		}
	}
	return out
}

// contentHash32 returns the 32-bit FNV-1a hash of content in hex, prefixed
// so digest readers can identify the scheme.
func contentHash32(content string) string {
	h := fnv.New32a()
	h.Write([]byte(content))
	return fmt.Sprintf("fnv32:%08x", h.Sum32())
}
