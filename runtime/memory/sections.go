package memory

import (
	"strconv"
	"strings"

	"goa.design/loom/runtime/tokens"
)

// SectionBudgetRatio is the fraction of the context window available to
// prompt sections.
const SectionBudgetRatio = 0.4

type (
	// Section is one reusable prompt fragment.
	Section struct {
		// ID uniquely identifies the section across the catalog.
		ID string `json:"id"`

		// Content is the section body.
		Content string `json:"content"`

		// Tokens is the known token count. Zero means unknown.
		Tokens int `json:"tokens,omitempty"`
	}

	// Catalog groups the prompt sections available for assembly. Core
	// sections always rank first, then sections mapped from the requested
	// tech stack, then platform sections, then request-specific extras.
	Catalog struct {
		// Core sections are included for every request, budget permitting.
		Core []Section

		// TechStack maps a technology name to its sections.
		TechStack map[string][]Section

		// Platform maps a platform name to its sections.
		Platform map[string][]Section
	}

	// SelectRequest describes one prompt assembly.
	SelectRequest struct {
		// Mode is the generation mode, recorded in the cache key.
		Mode string

		// Platform selects platform sections.
		Platform string

		// TechStack selects technology sections in order.
		TechStack []string

		// Custom carries caller-provided sections ranked last.
		Custom []Section

		// MaxTokens is the context window the budget derives from. Zero
		// uses the store's compaction window.
		MaxTokens int
	}
)

// Select picks sections in priority order, core first, then tech stack,
// then platform, then custom, deduplicating by id and skipping sections
// that no longer fit the budget. The budget is SectionBudgetRatio of the
// request window.
func (c Catalog) Select(req SelectRequest) []Section {
	budget := int(SectionBudgetRatio * float64(req.MaxTokens))
	if budget <= 0 {
		return nil
	}

	var (
		out  []Section
		seen = make(map[string]struct{})
	)
	take := func(secs []Section) {
		for _, s := range secs {
			if _, ok := seen[s.ID]; ok {
				continue
			}
			n := sectionTokens(s)
			if n > budget {
				continue
			}
			seen[s.ID] = struct{}{}
			budget -= n
			out = append(out, s)
		}
	}

	take(c.Core)
	for _, tech := range req.TechStack {
		take(c.TechStack[tech])
	}
	take(c.Platform[req.Platform])
	take(req.Custom)
	return out
}

// SelectSections assembles prompt sections for the request, serving
// repeated lookups from the sections cache shard when one is configured.
func (s *Store) SelectSections(cat Catalog, req SelectRequest) []Section {
	if req.MaxTokens <= 0 {
		req.MaxTokens = s.compaction.MaxTokens
	}
	if s.sections == nil {
		return cat.Select(req)
	}

	key := req.cacheKey()
	if v, ok := s.sections.Get(key); ok {
		if secs, ok := v.([]Section); ok {
			return secs
		}
	}
	secs := cat.Select(req)
	size := 0
	for _, sec := range secs {
		size += sectionTokens(sec)
	}
	s.sections.SetSized(key, secs, size)
	return secs
}

func (r SelectRequest) cacheKey() string {
	parts := []string{r.Mode, r.Platform, strings.Join(r.TechStack, "+"), strconv.Itoa(r.MaxTokens)}
	ids := make([]string, 0, len(r.Custom))
	for _, s := range r.Custom {
		ids = append(ids, s.ID)
	}
	parts = append(parts, strings.Join(ids, "+"))
	return strings.Join(parts, "|")
}

func sectionTokens(s Section) int {
	if s.Tokens > 0 {
		return s.Tokens
	}
	return tokens.Estimate(s.Content)
}
