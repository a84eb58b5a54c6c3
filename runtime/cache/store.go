package cache

import "time"

// Default shard capacities. Sections and skills are small documents reused
// across prompts; contents are larger file bodies; parse results are heavy
// AST digests kept deliberately scarce.
const (
	DefaultMaxSections     = 50
	DefaultMaxContents     = 100
	DefaultMaxSkills       = 50
	DefaultMaxParseResults = 20
)

type (
	// Store groups the four shards used by the context pipeline and exposes
	// unified statistics across them.
	Store struct {
		Sections     *Shard
		Contents     *Shard
		Skills       *Shard
		ParseResults *Shard
	}

	// Config sizes the four shards and sets the shared TTL policy. Zero
	// values fall back to the package defaults.
	Config struct {
		MaxSections     int
		MaxContents     int
		MaxSkills       int
		MaxParseResults int
		TTL             time.Duration
		Jitter          float64
	}

	// Stats reports cumulative hit and miss counters per shard along with
	// the combined hit rate.
	Stats struct {
		Sections     ShardStats
		Contents     ShardStats
		Skills       ShardStats
		ParseResults ShardStats
	}

	// ShardStats holds the counters of a single shard.
	ShardStats struct {
		Hits   uint64
		Misses uint64
	}
)

// NewStore constructs the four-shard store. Shard capacities, TTL and jitter
// default per the package constants when cfg fields are zero.
func NewStore(cfg Config, opts ...Option) *Store {
	capOr := func(v, def int) int {
		if v > 0 {
			return v
		}
		return def
	}
	shardOpts := make([]Option, 0, len(opts)+2)
	if cfg.TTL > 0 {
		shardOpts = append(shardOpts, WithTTL(cfg.TTL))
	}
	if cfg.Jitter > 0 {
		shardOpts = append(shardOpts, WithJitter(cfg.Jitter))
	}
	shardOpts = append(shardOpts, opts...)
	return &Store{
		Sections:     NewShard(capOr(cfg.MaxSections, DefaultMaxSections), shardOpts...),
		Contents:     NewShard(capOr(cfg.MaxContents, DefaultMaxContents), shardOpts...),
		Skills:       NewShard(capOr(cfg.MaxSkills, DefaultMaxSkills), shardOpts...),
		ParseResults: NewShard(capOr(cfg.MaxParseResults, DefaultMaxParseResults), shardOpts...),
	}
}

// ClearExpired sweeps all shards and returns the total number of entries
// removed. Callers typically run this on a ticker.
func (s *Store) ClearExpired() int {
	return s.Sections.ClearExpired() +
		s.Contents.ClearExpired() +
		s.Skills.ClearExpired() +
		s.ParseResults.ClearExpired()
}

// Clear empties every shard.
func (s *Store) Clear() {
	s.Sections.Clear()
	s.Contents.Clear()
	s.Skills.Clear()
	s.ParseResults.Clear()
}

// Stats returns the per-shard counters.
func (s *Store) Stats() Stats {
	read := func(sh *Shard) ShardStats {
		h, m := sh.Counters()
		return ShardStats{Hits: h, Misses: m}
	}
	return Stats{
		Sections:     read(s.Sections),
		Contents:     read(s.Contents),
		Skills:       read(s.Skills),
		ParseResults: read(s.ParseResults),
	}
}

// HitRate returns the combined hit rate across all shards in [0, 1].
// A store that has served no reads reports 0.
func (st Stats) HitRate() float64 {
	hits := st.Sections.Hits + st.Contents.Hits + st.Skills.Hits + st.ParseResults.Hits
	total := hits + st.Sections.Misses + st.Contents.Misses + st.Skills.Misses + st.ParseResults.Misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
