package aggregate

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/kgstream/pkg/kgstream/entity"
)

// RejectionKind classifies why a command produced no event.
type RejectionKind int

const (
	// IncorrectRevision means the command was built against a stale revision.
	IncorrectRevision RejectionKind = iota + 1
	// NotFound means the entity (or requested revision) does not exist.
	NotFound
	// AlreadyExists means a create command targeted an existing entity.
	AlreadyExists
	// Invalid means the command violates a domain invariant.
	Invalid
	// DependencyFailed means an external check required by the command failed.
	DependencyFailed
)

// String returns the kind name.
func (k RejectionKind) String() string {
	switch k {
	case IncorrectRevision:
		return "incorrect-revision"
	case NotFound:
		return "not-found"
	case AlreadyExists:
		return "already-exists"
	case Invalid:
		return "invalid"
	case DependencyFailed:
		return "dependency-failed"
	default:
		return "unknown"
	}
}

// Rejection is the typed refusal to apply a command.
// A rejected command never appends an event.
type Rejection struct {
	Kind     RejectionKind
	EntityID entity.ID

	// Provided and Expected are set for IncorrectRevision.
	Provided uint64
	Expected uint64

	Reason string
	Err    error
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	switch r.Kind {
	case IncorrectRevision:
		return fmt.Sprintf("%s: incorrect revision %d provided, expected %d", r.EntityID, r.Provided, r.Expected)
	case NotFound:
		if r.Reason != "" {
			return fmt.Sprintf("%s: not found: %s", r.EntityID, r.Reason)
		}
		return fmt.Sprintf("%s: not found", r.EntityID)
	case AlreadyExists:
		return fmt.Sprintf("%s: already exists", r.EntityID)
	case DependencyFailed:
		return fmt.Sprintf("%s: dependency failed: %v", r.EntityID, r.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", r.EntityID, r.Kind, r.Reason)
	}
}

// Unwrap returns the wrapped dependency error, if any.
func (r *Rejection) Unwrap() error {
	return r.Err
}

// AsRejection extracts a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// IsRejection reports whether err is a rejection of the given kind.
func IsRejection(err error, kind RejectionKind) bool {
	r, ok := AsRejection(err)
	return ok && r.Kind == kind
}

// RejectIncorrectRevision builds an IncorrectRevision rejection.
func RejectIncorrectRevision(provided, expected uint64) *Rejection {
	return &Rejection{Kind: IncorrectRevision, Provided: provided, Expected: expected}
}

// RejectNotFound builds a NotFound rejection.
func RejectNotFound(reason string) *Rejection {
	return &Rejection{Kind: NotFound, Reason: reason}
}

// RejectAlreadyExists builds an AlreadyExists rejection.
func RejectAlreadyExists() *Rejection {
	return &Rejection{Kind: AlreadyExists}
}

// RejectInvalid builds an Invalid rejection.
func RejectInvalid(format string, args ...any) *Rejection {
	return &Rejection{Kind: Invalid, Reason: fmt.Sprintf(format, args...)}
}

// RejectDependency wraps the failure of an external check.
func RejectDependency(err error) *Rejection {
	return &Rejection{Kind: DependencyFailed, Err: err}
}

// CheckRevision rejects a command whose provided revision differs from the
// entity's current revision.
func CheckRevision(provided, current uint64) error {
	if provided != current {
		return RejectIncorrectRevision(provided, current)
	}
	return nil
}
