// Package tokens provides cheap token-count heuristics used for context
// budgeting and rate limiting. The estimates do not depend on any provider
// tokenizer: CJK ideographs average roughly 1.5 characters per token while
// other text averages roughly 4, which is accurate enough for budget
// decisions without shipping tokenizer tables.
package tokens

import "math"

const (
	// cjkCharsPerToken is the average number of CJK ideographs per token.
	cjkCharsPerToken = 1.5

	// otherCharsPerToken is the average number of non-CJK characters per token.
	otherCharsPerToken = 4.0
)

// Estimate returns the approximate token count of text. CJK unified
// ideographs (U+4E00 through U+9FA5) weigh in at one token per 1.5
// characters; everything else at one token per 4 characters. The result is
// rounded up. Empty input yields 0.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FA5 {
			cjk++
		} else {
			other++
		}
	}
	return int(math.Ceil(float64(cjk)/cjkCharsPerToken + float64(other)/otherCharsPerToken))
}

// EstimateAll returns the sum of Estimate over texts.
func EstimateAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += Estimate(t)
	}
	return total
}
