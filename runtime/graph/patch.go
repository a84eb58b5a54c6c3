// Package graph applies RFC 6902 JSON Patch operations to the versioned app
// graph. The engine works over the opaque node tree decoded from JSON
// (map[string]any, []any, scalars), guards every pointer against
// prototype-pollution tokens, and by default patches a deep clone so the
// input document survives failures untouched. Envelope application adds
// graph identity and version checks on top.
package graph

import (
	"fmt"
	"reflect"

	"goa.design/loom/runtime/fault"
)

// Op names an RFC 6902 operation.
type Op string

const (
	// OpAdd inserts or replaces the value at path.
	OpAdd Op = "add"
	// OpRemove deletes the value at path, which must exist.
	OpRemove Op = "remove"
	// OpReplace overwrites the value at path, which must exist.
	OpReplace Op = "replace"
	// OpMove removes the value at from and adds it at path.
	OpMove Op = "move"
	// OpCopy adds a deep copy of the value at from at path.
	OpCopy Op = "copy"
	// OpTest asserts deep equality between the value at path and value.
	OpTest Op = "test"
)

type (
	// Operation is a single RFC 6902 patch operation with the wire field
	// names verbatim.
	Operation struct {
		// Op selects the operation.
		Op Op `json:"op"`

		// Path addresses the operation target.
		Path string `json:"path"`

		// From addresses the source of move and copy.
		From string `json:"from,omitempty"`

		// Value carries the operand of add, replace, and test.
		Value any `json:"value,omitempty"`
	}

	// OpError records the failure of one operation together with its index
	// in the operation list and the operation itself.
	OpError struct {
		// Index is the zero-based position of the failing operation.
		Index int

		// Op is the failing operation.
		Op Operation

		// Err is the underlying failure.
		Err error
	}
)

// Error implements error.
func (e *OpError) Error() string {
	return fmt.Sprintf("op %d (%s %s): %s", e.Index, e.Op.Op, e.Op.Path, e.Err)
}

// Unwrap exposes the underlying failure so errors.Is sees sentinel errors
// such as ErrForbiddenToken through the wrapper.
func (e *OpError) Unwrap() error { return e.Err }

// Apply applies ops to doc in order and returns the patched document. Unless
// WithMutate is set the input is deep-cloned first and never modified, even
// on failure. In strict mode (WithStrict) the first failing operation aborts
// and returns a patch-apply fault wrapping the *OpError; otherwise failing
// operations are skipped, collected, and returned alongside the result.
func Apply(doc any, ops []Operation, opts ...Option) (any, []*OpError, error) {
	o := buildOptions(opts)
	if !o.mutate {
		doc = deepClone(doc)
	}

	var skipped []*OpError
	for i, op := range ops {
		next, err := applyOne(doc, op)
		if err != nil {
			oe := &OpError{Index: i, Op: op, Err: err}
			if o.strict {
				return nil, nil, fault.Wrap(fault.KindPatchApplyFailed, oe.Error(), oe)
			}
			skipped = append(skipped, oe)
			continue
		}
		doc = next
	}
	return doc, skipped, nil
}

// applyOne dispatches a single operation against doc and returns the new
// document root.
func applyOne(doc any, op Operation) (any, error) {
	path, err := parsePointer(op.Path)
	if err != nil {
		return nil, err
	}

	switch op.Op {
	case OpAdd:
		return addAt(doc, path, op.Value)

	case OpRemove:
		doc, _, err = removeAt(doc, path)
		return doc, err

	case OpReplace:
		return replaceAt(doc, path, op.Value)

	case OpMove:
		from, err := parsePointer(op.From)
		if err != nil {
			return nil, err
		}
		if isPrefix(from, path) {
			return nil, fmt.Errorf("cannot move %q into its own child %q", op.From, op.Path)
		}
		doc, moved, err := removeAt(doc, from)
		if err != nil {
			return nil, err
		}
		out, err := addAt(doc, path, moved)
		if err != nil {
			// removeAt already ran against the live document, so a failed
			// destination must not consume the source: put the value back
			// before reporting, leaving the document as it was.
			if _, rerr := addAt(doc, from, moved); rerr != nil {
				return nil, fmt.Errorf("move to %q: %w (source %q not restored: %v)", op.Path, err, op.From, rerr)
			}
			return nil, err
		}
		return out, nil

	case OpCopy:
		from, err := parsePointer(op.From)
		if err != nil {
			return nil, err
		}
		val, err := valueAt(doc, from)
		if err != nil {
			return nil, err
		}
		return addAt(doc, path, deepClone(val))

	case OpTest:
		val, err := valueAt(doc, path)
		if err != nil {
			return nil, err
		}
		if !reflect.DeepEqual(val, op.Value) {
			return nil, fmt.Errorf("test failed at %q", op.Path)
		}
		return doc, nil
	}
	return nil, fmt.Errorf("unknown op %q", op.Op)
}

// addAt inserts value at the pointer, replacing the whole document when the
// pointer is empty. Map keys are created or overwritten; array inserts
// accept indices up to and including the length, with "-" meaning append.
func addAt(doc any, tokens []string, value any) (any, error) {
	if len(tokens) == 0 {
		return value, nil
	}
	return navigate(doc, tokens, func(parent any, key string) (any, error) {
		switch c := parent.(type) {
		case map[string]any:
			c[key] = value
			return c, nil
		case []any:
			idx, err := arrayIndex(key, len(c), true)
			if err != nil {
				return nil, err
			}
			out := make([]any, 0, len(c)+1)
			out = append(out, c[:idx]...)
			out = append(out, value)
			out = append(out, c[idx:]...)
			return out, nil
		default:
			return nil, fmt.Errorf("cannot add to %T", parent)
		}
	})
}

// removeAt deletes the value at the pointer and returns the new document
// root together with the removed value.
func removeAt(doc any, tokens []string) (any, any, error) {
	if len(tokens) == 0 {
		return nil, nil, fmt.Errorf("cannot remove the whole document")
	}
	var removed any
	doc, err := navigate(doc, tokens, func(parent any, key string) (any, error) {
		switch c := parent.(type) {
		case map[string]any:
			val, ok := c[key]
			if !ok {
				return nil, fmt.Errorf("key %q not found", key)
			}
			removed = val
			delete(c, key)
			return c, nil
		case []any:
			idx, err := arrayIndex(key, len(c), false)
			if err != nil {
				return nil, err
			}
			removed = c[idx]
			out := make([]any, 0, len(c)-1)
			out = append(out, c[:idx]...)
			out = append(out, c[idx+1:]...)
			return out, nil
		default:
			return nil, fmt.Errorf("cannot remove from %T", parent)
		}
	})
	return doc, removed, err
}

// replaceAt overwrites the value at the pointer, which must already exist.
func replaceAt(doc any, tokens []string, value any) (any, error) {
	if len(tokens) == 0 {
		return value, nil
	}
	return navigate(doc, tokens, func(parent any, key string) (any, error) {
		switch c := parent.(type) {
		case map[string]any:
			if _, ok := c[key]; !ok {
				return nil, fmt.Errorf("key %q not found", key)
			}
			c[key] = value
			return c, nil
		case []any:
			idx, err := arrayIndex(key, len(c), false)
			if err != nil {
				return nil, err
			}
			c[idx] = value
			return c, nil
		default:
			return nil, fmt.Errorf("cannot replace in %T", parent)
		}
	})
}

// valueAt reads the value at the pointer without modifying the document.
func valueAt(doc any, tokens []string) (any, error) {
	node := doc
	for _, t := range tokens {
		switch c := node.(type) {
		case map[string]any:
			val, ok := c[t]
			if !ok {
				return nil, fmt.Errorf("key %q not found", t)
			}
			node = val
		case []any:
			idx, err := arrayIndex(t, len(c), false)
			if err != nil {
				return nil, err
			}
			node = c[idx]
		default:
			return nil, fmt.Errorf("cannot descend into %T at %q", node, t)
		}
	}
	return node, nil
}

// navigate walks doc to the parent container of the final token, applies fn
// there, and writes modified containers back up the path. Array inserts and
// removals produce new slice headers, so every level rewrites its child
// slot.
func navigate(node any, tokens []string, fn func(parent any, key string) (any, error)) (any, error) {
	if len(tokens) == 1 {
		return fn(node, tokens[0])
	}
	head, rest := tokens[0], tokens[1:]
	switch c := node.(type) {
	case map[string]any:
		child, ok := c[head]
		if !ok {
			return nil, fmt.Errorf("key %q not found", head)
		}
		updated, err := navigate(child, rest, fn)
		if err != nil {
			return nil, err
		}
		c[head] = updated
		return c, nil
	case []any:
		idx, err := arrayIndex(head, len(c), false)
		if err != nil {
			return nil, err
		}
		updated, err := navigate(c[idx], rest, fn)
		if err != nil {
			return nil, err
		}
		c[idx] = updated
		return c, nil
	default:
		return nil, fmt.Errorf("cannot descend into %T at %q", node, head)
	}
}

// deepClone copies the JSON node tree. Scalars are immutable and shared.
func deepClone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepClone(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepClone(val)
		}
		return out
	default:
		return v
	}
}
