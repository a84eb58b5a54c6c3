package cache

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCacheLivenessProperty verifies that a freshly written entry is always
// readable before any eviction or expiry can occur, and that the read both
// returns the stored value and counts as a hit.
func TestCacheLivenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("set then get returns the value and records a hit", prop.ForAll(
		func(key, value string) bool {
			s := NewShard(8, WithJitter(0))
			s.Set(key, value)

			got, ok := s.Get(key)
			if !ok || got != value {
				return false
			}
			hits, misses := s.Counters()
			return hits == 1 && misses == 0
		},
		gen.Identifier(),
		gen.AnyString(),
	))

	properties.Property("eviction never grows the shard beyond capacity", prop.ForAll(
		func(keys []string) bool {
			s := NewShard(4, WithJitter(0))
			for _, k := range keys {
				s.Set(k, k)
			}
			return s.Len() <= 4
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.Property("the most recent write always survives eviction", prop.ForAll(
		func(keys []string) bool {
			if len(keys) == 0 {
				return true
			}
			s := NewShard(2, WithJitter(0))
			for _, k := range keys {
				s.Set(k, k)
			}
			last := keys[len(keys)-1]
			got, ok := s.Get(last)
			return ok && got == last
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
