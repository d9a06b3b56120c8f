package fleet

import (
	"context"
	"errors"
	"fmt"
)

// Reason classifies why an operation failed. Every terminal Failed record
// carries one.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonNotFound              Reason = "not_found"
	ReasonAgentUnreachable      Reason = "agent_unreachable"
	ReasonTransferInProgress    Reason = "transfer_in_progress"
	ReasonActivationInProgress  Reason = "activation_in_progress"
	ReasonUnknownArtifact       Reason = "unknown_artifact"
	ReasonIncompleteClosure     Reason = "incomplete_closure"
	ReasonHashMismatch          Reason = "hash_mismatch"
	ReasonActivationHookFailure Reason = "activation_hook_failure"
	ReasonStorageExhausted      Reason = "storage_exhausted"
	ReasonCanceled              Reason = "canceled"
	ReasonInternal              Reason = "internal"
)

// Retryable reports whether re-issuing the same request may succeed later.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonAgentUnreachable, ReasonTransferInProgress, ReasonActivationInProgress,
		ReasonHashMismatch, ReasonCanceled:
		return true
	case ReasonNone, ReasonNotFound, ReasonUnknownArtifact, ReasonIncompleteClosure,
		ReasonActivationHookFailure, ReasonStorageExhausted, ReasonInternal:
		return false
	default:
		return false
	}
}

var (
	ErrNotFound              = errors.New("not found")
	ErrAgentUnreachable      = errors.New("agent unreachable")
	ErrTransferInProgress    = errors.New("transfer in progress")
	ErrActivationInProgress  = errors.New("activation in progress")
	ErrUnknownArtifact       = errors.New("unknown artifact")
	ErrIncompleteClosure     = errors.New("incomplete closure")
	ErrHashMismatch          = errors.New("hash mismatch")
	ErrActivationHookFailure = errors.New("activation hook failure")
	ErrStorageExhausted      = errors.New("storage exhausted")
)

var sentinels = map[Reason]error{
	ReasonNotFound:              ErrNotFound,
	ReasonAgentUnreachable:      ErrAgentUnreachable,
	ReasonTransferInProgress:    ErrTransferInProgress,
	ReasonActivationInProgress:  ErrActivationInProgress,
	ReasonUnknownArtifact:       ErrUnknownArtifact,
	ReasonIncompleteClosure:     ErrIncompleteClosure,
	ReasonHashMismatch:          ErrHashMismatch,
	ReasonActivationHookFailure: ErrActivationHookFailure,
	ReasonStorageExhausted:      ErrStorageExhausted,
	ReasonCanceled:              context.Canceled,
}

// Error is a classified failure. It matches the sentinel for its reason
// under errors.Is.
type Error struct {
	Op     string
	Reason Reason
	Detail string
	Err    error
}

// Errorf builds an *Error for op with a formatted detail.
func Errorf(op string, reason Reason, format string, args ...any) *Error {
	return &Error{Op: op, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under reason. A nil err yields nil.
func Wrap(op string, reason Reason, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	msg := e.Op
	if msg != "" {
		msg += ": "
	}
	msg += string(e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Reason]
	return ok && sentinel == target
}

// ReasonOf extracts the failure reason carried by err.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	for reason, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return reason
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonAgentUnreachable
	}
	return ReasonInternal
}
