package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/loom/runtime/cache"
)

func testCatalog() Catalog {
	return Catalog{
		Core: []Section{
			{ID: "core-style", Content: "style guide", Tokens: 10},
			{ID: "core-quality", Content: "quality bar", Tokens: 10},
		},
		TechStack: map[string][]Section{
			"react": {{ID: "react-hooks", Content: "hooks rules", Tokens: 10}},
			"vue":   {{ID: "vue-sfc", Content: "sfc rules", Tokens: 10}},
		},
		Platform: map[string][]Section{
			"wechat": {{ID: "wechat-pages", Content: "page conventions", Tokens: 10}},
		},
	}
}

func TestSelectPriorityOrder(t *testing.T) {
	got := testCatalog().Select(SelectRequest{
		Platform:  "wechat",
		TechStack: []string{"react"},
		Custom:    []Section{{ID: "cust-1", Content: "project notes", Tokens: 10}},
		MaxTokens: 1000, // budget 400
	})

	ids := make([]string, len(got))
	for i, s := range got {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"core-style", "core-quality", "react-hooks", "wechat-pages", "cust-1"}, ids)
}

func TestSelectHonorsBudget(t *testing.T) {
	// Budget 0.4*100 = 40 tokens: four 10-token sections fit, the fifth is
	// dropped.
	got := testCatalog().Select(SelectRequest{
		Platform:  "wechat",
		TechStack: []string{"react"},
		Custom:    []Section{{ID: "cust-1", Tokens: 10}},
		MaxTokens: 100,
	})
	require.Len(t, got, 4)
	assert.Equal(t, "wechat-pages", got[3].ID)
}

func TestSelectSkipsOversizedAndContinues(t *testing.T) {
	cat := Catalog{Core: []Section{
		{ID: "huge", Tokens: 1000},
		{ID: "small", Tokens: 5},
	}}
	got := cat.Select(SelectRequest{MaxTokens: 100})
	require.Len(t, got, 1)
	assert.Equal(t, "small", got[0].ID)
}

func TestSelectDeduplicatesByID(t *testing.T) {
	cat := testCatalog()
	cat.TechStack["react"] = append(cat.TechStack["react"], Section{ID: "core-style", Tokens: 10})
	got := cat.Select(SelectRequest{TechStack: []string{"react"}, MaxTokens: 1000})

	count := 0
	for _, s := range got {
		if s.ID == "core-style" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestSelectEstimatesMissingTokenCounts(t *testing.T) {
	cat := Catalog{Core: []Section{{ID: "a", Content: "12345678"}}} // 2 tokens
	got := cat.Select(SelectRequest{MaxTokens: 10})                 // budget 4
	assert.Len(t, got, 1)
}

func TestSelectSectionsUsesCache(t *testing.T) {
	cs := cache.NewStore(cache.Config{})
	s := New("session-1", WithSectionCache(cs))
	req := SelectRequest{Platform: "wechat", TechStack: []string{"react"}, MaxTokens: 1000}

	first := s.SelectSections(testCatalog(), req)
	second := s.SelectSections(testCatalog(), req)
	assert.Equal(t, first, second)

	hits, misses := cs.Sections.Counters()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestSelectSectionsDefaultsWindow(t *testing.T) {
	s := New("session-1")
	got := s.SelectSections(testCatalog(), SelectRequest{TechStack: []string{"vue"}})
	require.NotEmpty(t, got)
	assert.Equal(t, "core-style", got[0].ID)
}
