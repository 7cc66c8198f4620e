package runtime

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Outcome classes of a controlled iteration. Bugs (assertion, deadlock,
// liveness) are expected results of search; the rest abort the run.
var (
	ErrAssertion        = errors.New("assertion failure")
	ErrDeadlock         = errors.New("deadlock")
	ErrLiveness         = errors.New("liveness violation")
	ErrReplayDivergence = errors.New("replay divergence")
	ErrUncontrolled     = errors.New("uncontrolled concurrency")
	ErrInternal         = errors.New("internal scheduler error")
)

// Verdict is the terminal outcome of one iteration.
type Verdict uint8

const (
	VerdictPass Verdict = iota
	VerdictStepBoundReached
	VerdictAssertionFailure
	VerdictDeadlock
	VerdictLivenessViolation
	VerdictReplayDivergence
	VerdictUncontrolledConcurrency
	VerdictInternal
	VerdictCanceled
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictStepBoundReached:
		return "step-bound-reached"
	case VerdictAssertionFailure:
		return "assertion-failure"
	case VerdictDeadlock:
		return "deadlock"
	case VerdictLivenessViolation:
		return "liveness-violation"
	case VerdictReplayDivergence:
		return "replay-divergence"
	case VerdictUncontrolledConcurrency:
		return "uncontrolled-concurrency"
	case VerdictInternal:
		return "internal-error"
	case VerdictCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// IsBug reports whether v is a violation found by search.
func (v Verdict) IsBug() bool {
	switch v {
	case VerdictAssertionFailure, VerdictDeadlock, VerdictLivenessViolation:
		return true
	}
	return false
}

// IsFatal reports whether v aborts the whole run.
func (v Verdict) IsFatal() bool {
	switch v {
	case VerdictReplayDivergence, VerdictUncontrolledConcurrency, VerdictInternal:
		return true
	}
	return false
}

// VerdictOf classifies err by the sentinel it wraps. A nil error passes.
func VerdictOf(err error) Verdict {
	switch {
	case err == nil:
		return VerdictPass
	case errors.Is(err, ErrAssertion):
		return VerdictAssertionFailure
	case errors.Is(err, ErrDeadlock):
		return VerdictDeadlock
	case errors.Is(err, ErrLiveness):
		return VerdictLivenessViolation
	case errors.Is(err, ErrReplayDivergence):
		return VerdictReplayDivergence
	case errors.Is(err, ErrUncontrolled):
		return VerdictUncontrolledConcurrency
	case errors.IsAny(err, context.Canceled, context.DeadlineExceeded):
		return VerdictCanceled
	default:
		return VerdictInternal
	}
}

// IsBug reports whether err is a violation found by search.
func IsBug(err error) bool {
	return VerdictOf(err).IsBug()
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	return VerdictOf(err).IsFatal()
}
