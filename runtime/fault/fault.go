// Package fault defines the closed error taxonomy shared by the orchestration
// core. Every failure that crosses a package boundary is classified into a
// Kind so callers (executor, pipeline, reflection) can make retry and
// propagation decisions without parsing error strings. Fault preserves error
// chains and supports errors.Is/As.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies orchestration failures into a small closed set of
// categories suitable for propagation and retry decisions.
type Kind string

const (
	// KindValidation indicates a plan document was rejected before execution.
	KindValidation Kind = "VALIDATION"

	// KindDependencyCycle indicates the task dependency relation is cyclic.
	KindDependencyCycle Kind = "DEPENDENCY_CYCLE"

	// KindTaskTimeout indicates a task exceeded its configured timeout.
	KindTaskTimeout Kind = "TASK_TIMEOUT"

	// KindTaskCancelled indicates a task was cancelled, either by plan abort
	// or because an upstream dependency failed.
	KindTaskCancelled Kind = "TASK_CANCELLED"

	// KindProviderRetryable indicates a transient provider failure where a
	// retry may succeed. The model client swallows these up to the task's
	// retry limit.
	KindProviderRetryable Kind = "PROVIDER_RETRYABLE"

	// KindProviderFatal indicates a provider failure that retrying cannot
	// fix, or a retryable failure whose retry budget is exhausted.
	KindProviderFatal Kind = "PROVIDER_FATAL"

	// KindPatchConflict indicates concurrent intents touched the same file.
	// Conflicts are recorded in merge output and never surfaced as errors;
	// the kind exists so journals and logs classify them uniformly.
	KindPatchConflict Kind = "PATCH_CONFLICT"

	// KindPatchApplyFailed indicates a JSON Patch operation failed in strict
	// mode. The current wave aborts and the failure surfaces to reflection.
	KindPatchApplyFailed Kind = "PATCH_APPLY_FAILED"

	// KindVersionMismatch indicates a patch envelope targeted a graph whose
	// identity or version did not match the envelope header.
	KindVersionMismatch Kind = "VERSION_MISMATCH"

	// KindInternal indicates an unclassified failure. Internal faults are
	// always fatal and abort the plan.
	KindInternal Kind = "INTERNAL"
)

// Fault is a classified orchestration error. It carries the closed Kind, a
// human-readable message, an optional structured detail map, and the wrapped
// cause when one exists.
type Fault struct {
	kind    Kind
	message string
	detail  map[string]any
	cause   error
}

// New constructs a Fault with the given kind and message.
func New(kind Kind, message string) *Fault {
	if kind == "" {
		kind = KindInternal
	}
	return &Fault{kind: kind, message: message}
}

// Newf constructs a Fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap constructs a Fault that wraps an underlying error. The cause is
// reachable through errors.Unwrap so errors.Is/As keep working across
// package boundaries.
func Wrap(kind Kind, message string, cause error) *Fault {
	f := New(kind, message)
	f.cause = cause
	return f
}

// WithDetail returns the fault with key set in its detail map. The receiver
// is returned to allow chaining at construction sites.
func (f *Fault) WithDetail(key string, value any) *Fault {
	if f.detail == nil {
		f.detail = make(map[string]any)
	}
	f.detail[key] = value
	return f
}

// Kind returns the fault classification.
func (f *Fault) Kind() Kind { return f.kind }

// Message returns the human-readable summary without the kind prefix.
func (f *Fault) Message() string { return f.message }

// Detail returns the structured detail value for key, if any.
func (f *Fault) Detail(key string) (any, bool) {
	v, ok := f.detail[key]
	return v, ok
}

// Error implements the error interface.
func (f *Fault) Error() string {
	msg := f.message
	if msg == "" && f.cause != nil {
		msg = f.cause.Error()
	}
	if msg == "" {
		return string(f.kind)
	}
	return fmt.Sprintf("%s: %s", f.kind, msg)
}

// Unwrap returns the wrapped cause to preserve the original error chain.
func (f *Fault) Unwrap() error { return f.cause }

// As returns the first Fault in err's chain, if any.
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// KindOf reports the classification of err. Nil errors yield the empty kind;
// errors without a Fault in their chain classify as KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if f, ok := As(err); ok {
		return f.kind
	}
	return KindInternal
}

// Is reports whether err carries a Fault of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err may succeed when retried without changing
// the request. Only provider-retryable faults qualify.
func Retryable(err error) bool {
	return Is(err, KindProviderRetryable)
}
