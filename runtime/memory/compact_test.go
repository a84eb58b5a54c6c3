package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compactPolicy() CompactionPolicy {
	return CompactionPolicy{MaxTokens: 100, CompressionThreshold: 0.5, MinSavings: 10}
}

func TestCompactFoldsTranscript(t *testing.T) {
	s := New("session-1", WithCompaction(compactPolicy()))
	s.Append(
		Message{Role: RoleUser, Content: "用 React 做一个微信小程序 " + strings.Repeat("requirements detail ", 30)},
		Message{Role: RoleAssistant, Content: "```tsx\ncode\n```\n```css\nstyles\n```"},
		Message{Role: RoleAssistant, Content: "决定: 使用 Zustand 管理状态"},
	)
	before := s.TokenCount()

	saved := s.Compact()
	require.Greater(t, saved, 0)

	msgs := s.Messages()
	require.Len(t, msgs, 4)
	summary := msgs[0]
	assert.Equal(t, RoleSystem, summary.Role)
	assert.Contains(t, summary.Content, "[context summary]")
	assert.Contains(t, summary.Content, "react")
	assert.Contains(t, summary.Content, "微信")
	assert.Contains(t, summary.Content, "小程序")
	assert.Contains(t, summary.Content, "assistant code blocks: 2")
	assert.Contains(t, summary.Content, "使用 Zustand 管理状态")

	for _, m := range msgs[1:] {
		assert.True(t, m.Compacted)
	}
	require.Len(t, s.Active(), 1)
	assert.Less(t, s.TokenCount(), before)
}

func TestCompactBelowThresholdIsNoop(t *testing.T) {
	s := New("session-1", WithCompaction(compactPolicy()))
	s.Append(Message{Role: RoleUser, Content: "tiny"})
	assert.Zero(t, s.Compact())
	assert.Len(t, s.Messages(), 1)
	assert.False(t, s.Messages()[0].Compacted)
}

func TestCompactBelowMinSavingsIsNoop(t *testing.T) {
	p := compactPolicy()
	p.MinSavings = 1 << 20
	s := New("session-1", WithCompaction(p))
	s.Append(Message{Role: RoleUser, Content: strings.Repeat("react feature work ", 40)})
	assert.Zero(t, s.Compact())
	assert.False(t, s.Messages()[0].Compacted)
}

func TestSummarizeDeduplicatesDecisions(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "vue admin dashboard"},
		{Role: RoleAssistant, Content: "选择: pinia\n选择: pinia"},
	}
	sum := summarize(msgs)
	assert.Equal(t, 1, strings.Count(sum, "pinia"))
	assert.Contains(t, sum, "topics: vue")
}

func TestShouldCompact(t *testing.T) {
	p := compactPolicy()
	assert.False(t, p.ShouldCompact(50))
	assert.True(t, p.ShouldCompact(51))
}
