// Package batcherr defines the error taxonomy the engine uses to decide
// whether a failure stops a granule, a site, a job, or nothing at all.
package batcherr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how far its blast radius reaches.
type Kind int

const (
	// KindValidation rejects a single input row or field before any work starts.
	KindValidation Kind = iota
	// KindPlanning rejects a job's parameters before any site is touched.
	KindPlanning
	// KindTransient is a granule-level failure that should be recorded and
	// skipped without failing the owning site.
	KindTransient
	// KindFatalGranule fails one granule only; the site's other granules
	// are still fetched.
	KindFatalGranule
	// KindFatalSite aborts one site but lets the job continue with the rest.
	KindFatalSite
	// KindFatalJob aborts the whole job.
	KindFatalJob
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPlanning:
		return "planning"
	case KindTransient:
		return "transient"
	case KindFatalGranule:
		return "fatal_granule"
	case KindFatalSite:
		return "fatal_site"
	case KindFatalJob:
		return "fatal_job"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a taxonomy Kind so callers can
// branch with errors.As without parsing message strings.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var be *Error
		if !errors.As(err, &be) {
			return false
		}
		if be.Kind == kind {
			return true
		}
		err = be.Err
	}
	return false
}
