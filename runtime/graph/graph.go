package graph

import (
	"time"

	"github.com/google/uuid"

	"goa.design/loom/runtime/fault"
)

type (
	// Graph is the versioned app graph patches apply to. The node tree is
	// opaque to the engine; only identity and version carry semantics.
	Graph struct {
		// GraphID identifies the graph across revisions.
		GraphID string `json:"graphId"`

		// Version increases monotonically with every applied envelope.
		Version int64 `json:"version"`

		// UpdatedAt records the last successful envelope application.
		UpdatedAt time.Time `json:"updatedAt"`

		// Root is the document the operations patch.
		Root any `json:"root"`
	}

	// Envelope is a versioned batch of patch operations applied atomically.
	Envelope struct {
		// ID identifies the envelope for journaling.
		ID string `json:"id,omitempty"`

		// GraphID must match the target graph.
		GraphID string `json:"graphId"`

		// BaseVersion is the graph version the operations were computed
		// against.
		BaseVersion int64 `json:"baseVersion"`

		// TargetVersion, when set, becomes the graph version after a
		// successful application.
		TargetVersion *int64 `json:"targetVersion,omitempty"`

		// Operations is the ordered RFC 6902 batch.
		Operations []Operation `json:"operations"`
	}

	// Outcome reports the result of applying an envelope.
	Outcome struct {
		// Graph is the resulting graph. When the envelope was rejected it
		// is the input graph unchanged.
		Graph *Graph

		// Applied reports whether the operations ran.
		Applied bool

		// Skipped lists operations skipped in non-strict mode.
		Skipped []*OpError

		// Rejected carries the version-check fault when the envelope was
		// refused in non-strict mode.
		Rejected *fault.Fault
	}

	// Option tunes patch and envelope application.
	Option func(*options)

	options struct {
		strict           bool
		mutate           bool
		skipVersionCheck bool
		clock            func() time.Time
	}
)

// WithStrict makes the first failing operation abort the whole application
// instead of being skipped.
func WithStrict() Option {
	return func(o *options) { o.strict = true }
}

// WithMutate patches the input document in place instead of a deep clone.
// On failure partial effects stay visible; callers own the trade-off.
func WithMutate() Option {
	return func(o *options) { o.mutate = true }
}

// WithSkipVersionCheck waives the baseVersion equality check. The graphId
// check always runs.
func WithSkipVersionCheck() Option {
	return func(o *options) { o.skipVersionCheck = true }
}

// WithClock overrides the time source used to stamp UpdatedAt. Tests use it
// for deterministic timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewEnvelope builds an envelope against the graph's current version with a
// fresh id.
func NewEnvelope(g *Graph, ops []Operation) *Envelope {
	return &Envelope{
		ID:          uuid.NewString(),
		GraphID:     g.GraphID,
		BaseVersion: g.Version,
		Operations:  ops,
	}
}

// Apply applies the envelope to the graph. The envelope must name the same
// graphId and, unless WithSkipVersionCheck, the graph's current version as
// its baseVersion. Version-check failures return a version-mismatch fault in
// strict mode and a rejected outcome otherwise. On success the new version
// is the envelope's targetVersion when set, else max(version+1,
// baseVersion+1), and UpdatedAt is stamped.
//
// Unless WithMutate the returned graph is a fresh value and the input graph
// is never modified.
func (g *Graph) Apply(env *Envelope, opts ...Option) (*Outcome, error) {
	o := buildOptions(opts)

	if rej := g.checkEnvelope(env, o); rej != nil {
		if o.strict {
			return nil, rej
		}
		return &Outcome{Graph: g, Rejected: rej}, nil
	}

	root, skipped, err := Apply(g.Root, env.Operations, opts...)
	if err != nil {
		return nil, err
	}

	next := g
	if !o.mutate {
		clone := *g
		next = &clone
	}
	next.Root = root
	if env.TargetVersion != nil {
		next.Version = *env.TargetVersion
	} else {
		next.Version = max(g.Version+1, env.BaseVersion+1)
	}
	next.UpdatedAt = o.clock().UTC()

	return &Outcome{Graph: next, Applied: true, Skipped: skipped}, nil
}

// checkEnvelope validates envelope identity and base version against the
// graph and returns the version-mismatch fault on violation.
func (g *Graph) checkEnvelope(env *Envelope, o options) *fault.Fault {
	if env.GraphID != g.GraphID {
		return fault.Newf(fault.KindVersionMismatch,
			"envelope targets graph %q, have %q", env.GraphID, g.GraphID).
			WithDetail("envelopeGraphId", env.GraphID).
			WithDetail("graphId", g.GraphID)
	}
	if !o.skipVersionCheck && env.BaseVersion != g.Version {
		return fault.Newf(fault.KindVersionMismatch,
			"envelope base version %d does not match graph version %d", env.BaseVersion, g.Version).
			WithDetail("baseVersion", env.BaseVersion).
			WithDetail("graphVersion", g.Version)
	}
	return nil
}
