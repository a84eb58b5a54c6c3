// Package cache implements the bounded LRU+TTL stores backing prompt section
// lookup, file content reuse, skill documents, and parse results. Shards are
// independent: each has its own capacity and lock so hot shards do not
// contend with cold ones. Entry TTLs are jittered at write time to avoid
// synchronized expiry storms when many entries are created together.
package cache

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTTL is the per-entry time to live applied when a shard is
	// constructed without an explicit TTL.
	DefaultTTL = 5 * time.Minute

	// DefaultJitter is the relative TTL spread applied on each write. An
	// entry TTL becomes base*(1+u) with u drawn uniformly from
	// [-DefaultJitter, +DefaultJitter].
	DefaultJitter = 0.1
)

type (
	// Shard is a bounded most-recently-used key-value store with per-entry
	// expiry. All methods are safe for concurrent use.
	Shard struct {
		mu       sync.Mutex
		entries  map[string]*entry
		capacity int
		ttl      time.Duration
		jitter   float64
		seq      uint64

		now  func() time.Time
		rand func() float64

		hits   atomic.Uint64
		misses atomic.Uint64
	}

	// entry is the stored record. recency orders entries for LRU eviction;
	// it increases on every write and every successful read.
	entry struct {
		data      any
		timestamp time.Time
		hits      int
		size      int
		ttl       time.Duration
		recency   uint64
	}

	// Entry is a read-only snapshot of a cached record, returned by Entries.
	Entry struct {
		Key  string
		Hits int
		Size int
		Age  time.Duration
	}

	// Option configures a Shard during construction.
	Option func(*Shard)
)

// WithTTL sets the base TTL applied to new entries. Zero or negative values
// fall back to DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Shard) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithJitter sets the relative TTL spread applied on writes. Values outside
// [0, 1) fall back to DefaultJitter.
func WithJitter(j float64) Option {
	return func(s *Shard) {
		if j >= 0 && j < 1 {
			s.jitter = j
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Shard) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRand overrides the jitter randomness source. Intended for tests.
func WithRand(r func() float64) Option {
	return func(s *Shard) {
		if r != nil {
			s.rand = r
		}
	}
}

// NewShard constructs a shard holding at most capacity entries. A capacity
// of zero or less creates a shard with capacity 1 so writes always succeed.
func NewShard(capacity int, opts ...Option) *Shard {
	if capacity <= 0 {
		capacity = 1
	}
	s := &Shard{
		entries:  make(map[string]*entry, capacity),
		capacity: capacity,
		ttl:      DefaultTTL,
		jitter:   DefaultJitter,
		now:      time.Now,
		rand:     rand.Float64,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the cached value for key. A hit moves the entry to
// most-recently-used and increments its hit counter. An expired entry counts
// as a miss and is removed.
func (s *Shard) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	if s.expired(e) {
		delete(s.entries, key)
		s.misses.Add(1)
		return nil, false
	}
	e.hits++
	s.seq++
	e.recency = s.seq
	s.hits.Add(1)
	return e.data, true
}

// Set stores value under key, evicting the least-recently-used entry when
// the shard is at capacity. The entry TTL is the shard base TTL spread by
// the configured jitter. Size records the approximate footprint: the byte
// length for string and []byte values, 1 otherwise.
func (s *Shard) Set(key string, value any) {
	size := 1
	switch v := value.(type) {
	case string:
		size = len(v)
	case []byte:
		size = len(v)
	}
	s.SetSized(key, value, size)
}

// SetSized stores value under key with an explicit size.
func (s *Shard) SetSized(key string, value any, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.capacity {
		s.evictLocked()
	}
	s.seq++
	s.entries[key] = &entry{
		data:      value,
		timestamp: s.now(),
		size:      size,
		ttl:       s.jitteredTTL(),
		recency:   s.seq,
	}
}

// Delete removes key from the shard. Removing an absent key is a no-op.
func (s *Shard) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Clear removes every entry. Hit and miss counters are preserved.
func (s *Shard) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry, s.capacity)
}

// Len returns the number of live and expired-but-unswept entries.
func (s *Shard) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns a point-in-time snapshot of the shard contents.
func (s *Shard) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]Entry, 0, len(s.entries))
	for k, e := range s.entries {
		out = append(out, Entry{Key: k, Hits: e.hits, Size: e.size, Age: now.Sub(e.timestamp)})
	}
	return out
}

// ClearExpired removes every entry whose TTL has elapsed and returns the
// number of entries removed.
func (s *Shard) ClearExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Counters returns the cumulative hit and miss counts for the shard.
func (s *Shard) Counters() (hits, misses uint64) {
	return s.hits.Load(), s.misses.Load()
}

// expired reports whether e has outlived its TTL. Callers hold s.mu.
func (s *Shard) expired(e *entry) bool {
	ttl := e.ttl
	if ttl <= 0 {
		ttl = s.ttl
	}
	return s.now().Sub(e.timestamp) >= ttl
}

// evictLocked removes the least-recently-used entry. Callers hold s.mu.
func (s *Shard) evictLocked() {
	var victim string
	var oldest uint64
	first := true
	for k, e := range s.entries {
		if first || e.recency < oldest {
			victim, oldest, first = k, e.recency, false
		}
	}
	if !first {
		delete(s.entries, victim)
	}
}

// jitteredTTL spreads the base TTL by the configured jitter. Callers hold
// s.mu for the randomness source.
func (s *Shard) jitteredTTL() time.Duration {
	if s.jitter == 0 {
		return s.ttl
	}
	u := s.rand()*2 - 1
	return time.Duration(float64(s.ttl) * (1 + u*s.jitter))
}
