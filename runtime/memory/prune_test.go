package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var toolOutput = "Error: failed to resolve import\n" +
	"wrote src/App.tsx and package.json\n" +
	"```tsx\n" +
	"// Login form\n" +
	"export const LoginForm = (props) => null\n" +
	"interface LoginProps {}\n" +
	"const mockUsers = []\n" +
	"function validate(email, password) { return true }\n" +
	"```\n" +
	strings.Repeat("lorem ipsum dolor sit amet consectetur ", 60)

func testPolicy() PruningPolicy {
	return PruningPolicy{ProtectWindow: 50, MinSavings: 10, ProtectedTools: []string{"skill", "lsp"}}
}

func TestPruneRewritesStaleToolOutput(t *testing.T) {
	msgs := []Message{
		{Role: RoleAssistant, Content: toolOutput, Parts: []Part{{ToolName: "read_file"}}},
		{Role: RoleUser, Content: "keep me"},
	}

	out, saved := testPolicy().Apply(msgs)
	require.Greater(t, saved, 0)

	digest := out[0].Content
	assert.True(t, out[0].Truncated)
	assert.Contains(t, digest, "[truncated tool output: ~")
	assert.Contains(t, digest, "tools: read_file")
	assert.Contains(t, digest, "Error: failed to resolve import")
	assert.Contains(t, digest, "App.tsx")
	assert.Contains(t, digest, "package.json")
	assert.Contains(t, digest, "exports LoginForm")
	assert.Contains(t, digest, "funcs validate(email, password)")
	assert.Contains(t, digest, "interfaces LoginProps")
	assert.Contains(t, digest, "mocks mockUsers")
	assert.Contains(t, digest, "// Login form")
	assert.Contains(t, digest, "hash: fnv32:")

	// Recent messages and the input slice stay untouched.
	assert.Equal(t, "keep me", out[1].Content)
	assert.False(t, msgs[0].Truncated)
	assert.Equal(t, toolOutput, msgs[0].Content)
}

func TestPruneSkipsProtectedTools(t *testing.T) {
	msgs := []Message{
		{Role: RoleAssistant, Content: toolOutput, Parts: []Part{{ToolName: "skill"}}},
		{Role: RoleUser, Content: "keep me"},
	}
	out, saved := testPolicy().Apply(msgs)
	assert.Zero(t, saved)
	assert.Equal(t, toolOutput, out[0].Content)
}

func TestPruneSkipsSystemMessages(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: toolOutput, Parts: []Part{{ToolName: "read_file"}}},
		{Role: RoleUser, Content: "keep me"},
	}
	out, saved := testPolicy().Apply(msgs)
	assert.Zero(t, saved)
	assert.False(t, out[0].Truncated)
}

func TestPruneRespectsProtectWindow(t *testing.T) {
	p := testPolicy()
	p.ProtectWindow = 1 << 20
	msgs := []Message{
		{Role: RoleAssistant, Content: toolOutput, Parts: []Part{{ToolName: "read_file"}}},
	}
	out, saved := p.Apply(msgs)
	assert.Zero(t, saved)
	assert.False(t, out[0].Truncated)
}

func TestPruneDiscardedBelowMinSavings(t *testing.T) {
	p := testPolicy()
	p.MinSavings = 1 << 20
	msgs := []Message{
		{Role: RoleAssistant, Content: toolOutput, Parts: []Part{{ToolName: "read_file"}}},
		{Role: RoleUser, Content: "keep me"},
	}
	out, saved := p.Apply(msgs)
	assert.Zero(t, saved)
	assert.False(t, out[0].Truncated)
}

func TestStorePruneIsIdempotent(t *testing.T) {
	s := New("session-1", WithPruning(testPolicy()))
	s.Append(
		Message{Role: RoleAssistant, Content: toolOutput, Parts: []Part{{ToolName: "read_file"}}},
		Message{Role: RoleUser, Content: "keep me"},
	)

	saved := s.Prune()
	require.Greater(t, saved, 0)
	assert.True(t, s.Messages()[0].Truncated)

	// Already truncated messages are not rewritten again.
	assert.Zero(t, s.Prune())
}

func TestErrorLinesCapAndMatch(t *testing.T) {
	content := "ok line\nError: one\nbuild FAILED\nsomething errored\nError: four\n"
	lines := errorLines(content, 3)
	require.Len(t, lines, 3)
	assert.Equal(t, "Error: one", lines[0])
	assert.Equal(t, "build FAILED", lines[1])
}

func TestFilePathsDistinctAndCapped(t *testing.T) {
	content := "a.ts b.ts a.ts c.css d.json e.html f.txt"
	paths := filePaths(content, 5)
	assert.Equal(t, []string{"a.ts", "b.ts", "c.css", "d.json", "e.html"}, paths)
}

func TestCodeDigestDegraded(t *testing.T) {
	ds := codeDigests("```\njust some prose without structure\n```", 3)
	require.Len(t, ds, 1)
	assert.True(t, ds[0].Degraded)
	assert.Contains(t, ds[0].String(), "(degraded)")
}

func TestCodeDigestsCapped(t *testing.T) {
	block := "```\nexport const A = 1\n```\n"
	ds := codeDigests(strings.Repeat(block, 5), 3)
	assert.Len(t, ds, 3)
}
