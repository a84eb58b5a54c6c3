package memory

import (
	"fmt"
	"regexp"
	"strings"

	"goa.design/loom/runtime/tokens"
)

// Compaction defaults.
const (
	// DefaultMaxTokens is the context window budget compaction defends.
	DefaultMaxTokens = 180000

	// DefaultCompressionThreshold is the fraction of MaxTokens above which
	// compaction triggers.
	DefaultCompressionThreshold = 0.8
)

type (
	// CompactionPolicy controls when the transcript is folded into a
	// synthetic summary and how much it must save.
	CompactionPolicy struct {
		// MaxTokens is the context window the policy protects.
		MaxTokens int `json:"maxTokens" yaml:"maxTokens"`

		// CompressionThreshold is the load fraction that triggers
		// compaction.
		CompressionThreshold float64 `json:"compressionThreshold" yaml:"compressionThreshold"`

		// MinSavings is the minimum token saving required for the summary
		// to replace the transcript.
		MinSavings int `json:"minSavings" yaml:"minSavings"`
	}
)

// DefaultCompaction returns the standard policy.
func DefaultCompaction() CompactionPolicy {
	return CompactionPolicy{
		MaxTokens:            DefaultMaxTokens,
		CompressionThreshold: DefaultCompressionThreshold,
		MinSavings:           DefaultMinSavings,
	}
}

// ShouldCompact reports whether the given token load exceeds the
// compaction threshold.
func (p CompactionPolicy) ShouldCompact(tokenLoad int) bool {
	return float64(tokenLoad) > p.CompressionThreshold*float64(p.MaxTokens)
}

// decisionRE matches technical decision lines in generated conversations.
// The planner agents record choices in Chinese ("决定"/"选择"/"使用"...)
// followed by a full-width or ASCII colon.
var decisionRE = regexp.MustCompile(`(?:决定|决策|选择|使用|采用)[:：]\s*(.+)`)

// topicVocabulary is the closed set of framework and platform names the
// summarizer recognizes in user prompts, scanned in order.
var topicVocabulary = []string{
	"react", "vue", "angular", "svelte", "solid",
	"next", "nuxt", "taro", "uniapp", "flutter", "electron",
	"express", "nest", "koa",
	"typescript", "javascript", "tailwind",
	"web", "h5", "mobile", "ios", "android", "desktop",
	"wechat", "微信", "小程序", "管理后台",
}

// Compact folds the active transcript into a synthetic system summary when
// the token load exceeds the threshold and the summary saves at least
// MinSavings tokens. It returns the tokens saved, zero when nothing
// changed.
func (s *Store) Compact() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := make([]Message, 0, len(s.msgs))
	original := 0
	for _, m := range s.msgs {
		if m.Compacted {
			continue
		}
		active = append(active, m)
		original += messageTokens(m)
	}
	if !s.compaction.ShouldCompact(original) {
		return 0
	}

	summary := summarize(active)
	summaryTokens := tokens.Estimate(summary)
	if original-summaryTokens < s.compaction.MinSavings {
		return 0
	}

	compacted := make([]Message, 0, len(s.msgs)+1)
	compacted = append(compacted, Message{
		Role:    RoleSystem,
		Content: summary,
		Tokens:  summaryTokens,
	})
	for _, m := range s.msgs {
		if !m.Compacted {
			m.Compacted = true
		}
		compacted = append(compacted, m)
	}
	s.msgs = compacted
	return original - summaryTokens
}

// summarize renders the compaction summary: user topics, assistant
// code-block volume, and recorded technical decisions.
func summarize(msgs []Message) string {
	var (
		userText  strings.Builder
		blocks    int
		decisions []string
		seen      = make(map[string]struct{})
	)
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			userText.WriteString(m.Content)
			userText.WriteString("\n")
		case RoleAssistant:
			blocks += len(codeBlockRE.FindAllString(m.Content, -1))
		}
		for _, d := range decisionRE.FindAllStringSubmatch(m.Content, -1) {
			line := strings.TrimSpace(d[1])
			if line == "" {
				continue
			}
			if _, ok := seen[line]; ok {
				continue
			}
			seen[line] = struct{}{}
			decisions = append(decisions, line)
		}
	}

	var b strings.Builder
	b.WriteString("[context summary]\n")
	if topics := matchTopics(userText.String()); len(topics) > 0 {
		fmt.Fprintf(&b, "topics: %s\n", strings.Join(topics, ", "))
	}
	fmt.Fprintf(&b, "assistant code blocks: %d\n", blocks)
	if len(decisions) > 0 {
		b.WriteString("decisions:\n")
		for _, d := range decisions {
			fmt.Fprintf(&b, "  - %s\n", d)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// matchTopics returns the vocabulary terms present in text, in vocabulary
// order. ASCII terms match case-insensitively.
func matchTopics(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, term := range topicVocabulary {
		if strings.Contains(lower, term) {
			out = append(out, term)
		}
	}
	return out
}
