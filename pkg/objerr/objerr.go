// Package objerr defines the closed set of error kinds the object
// graph subsystem raises (spec §7). Every fallible operation in
// internal/blockstore, internal/objectstore, internal/index,
// internal/branch, internal/remotebranch, and internal/snapshot
// returns errors wrapping one of these kinds so callers can recover
// with errors.As.
package objerr

import "fmt"

// Kind is a closed tagged variant; a switch over Kind values should be
// exhaustive wherever one appears.
type Kind int

const (
	// Corruption: stored bytes fail the hash check, or the tag byte is
	// unknown. Surface to the caller; do not retry at this layer.
	Corruption Kind = iota
	// Missing: load of an absent ObjectId.
	Missing
	// VersionRegression: a commit attempts to set a user's version
	// below its current value.
	VersionRegression
	// Unexpected: RemoteBranch.InsertObject received an id not present
	// in missing_objects.
	Unexpected
	// IO: the underlying block store or filesystem failed.
	IO
	// RefcountUnderflow: an attempted decrement below zero. This kind
	// is never returned as an error value — it is raised via panic
	// (see Panic below) because it indicates a bug in the protocol
	// implementation, not a recoverable runtime condition.
	RefcountUnderflow
)

func (k Kind) String() string {
	switch k {
	case Corruption:
		return "corruption"
	case Missing:
		return "missing"
	case VersionRegression:
		return "version_regression"
	case Unexpected:
		return "unexpected"
	case IO:
		return "io"
	case RefcountUnderflow:
		return "refcount_underflow"
	default:
		return "unknown"
	}
}

// Error is the typed error every subsystem operation returns.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("objgraph: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("objgraph: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Panic raises a RefcountUnderflow as a panic, per spec §7: all
// refcount assertions are fatal, indicating a bug in the protocol
// implementation rather than a recoverable runtime condition.
func Panic(op string, err error) {
	panic(New(RefcountUnderflow, op, err))
}

// New constructs a Kind-tagged error.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind, for use with
// errors.Is-style call sites that only care about the kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as(err, &e) {
		return e.Kind == kind
	}
	return false
}

// as is a tiny indirection over errors.As kept local to avoid an
// import cycle with a hypothetical errors-helpers package; it mirrors
// the standard library exactly.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
