package tokens

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestEstimateSubadditivityProperty verifies that concatenation never costs
// more than the parts plus the single token lost to rounding: for all a, b,
// Estimate(a+b) <= Estimate(a) + Estimate(b) + 1.
func TestEstimateSubadditivityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("estimate of concatenation is subadditive", prop.ForAll(
		func(a, b string) bool {
			return Estimate(a+b) <= Estimate(a)+Estimate(b)+1
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("estimate is non-negative and zero only for empty input", prop.ForAll(
		func(s string) bool {
			n := Estimate(s)
			if s == "" {
				return n == 0
			}
			return n >= 1
		},
		gen.AnyString(),
	))

	properties.Property("estimate grows monotonically under append", prop.ForAll(
		func(s, suffix string) bool {
			return Estimate(s+suffix) >= Estimate(s)
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
