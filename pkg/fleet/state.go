// Package fleet holds the vocabulary shared by the server components and the
// agent runtime: the closed state variants and the failure taxonomy.
package fleet

import (
	"fmt"
	"strings"
)

// ConnectionState reports whether a live channel to an agent exists.
type ConnectionState uint8

const (
	Offline ConnectionState = iota
	Online
)

func (s ConnectionState) String() string {
	switch s {
	case Offline:
		return "offline"
	case Online:
		return "online"
	default:
		return fmt.Sprintf("connection(%d)", uint8(s))
	}
}

// ParseConnectionState is the inverse of ConnectionState.String.
func ParseConnectionState(raw string) (ConnectionState, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "offline":
		return Offline, nil
	case "online":
		return Online, nil
	default:
		return Offline, fmt.Errorf("unknown connection state %q", raw)
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ConnectionState) UnmarshalText(b []byte) error {
	v, err := ParseConnectionState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// TransferStatus is the lifecycle of a single closure delivery attempt.
type TransferStatus uint8

const (
	TransferPlanning TransferStatus = iota
	TransferInProgress
	TransferCompleted
	TransferFailed
)

func (s TransferStatus) String() string {
	switch s {
	case TransferPlanning:
		return "planning"
	case TransferInProgress:
		return "in_progress"
	case TransferCompleted:
		return "completed"
	case TransferFailed:
		return "failed"
	default:
		return fmt.Sprintf("transfer(%d)", uint8(s))
	}
}

// Terminal reports whether no further delivery happens without a new Execute.
func (s TransferStatus) Terminal() bool {
	switch s {
	case TransferCompleted, TransferFailed:
		return true
	case TransferPlanning, TransferInProgress:
		return false
	default:
		return false
	}
}

func ParseTransferStatus(raw string) (TransferStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "planning":
		return TransferPlanning, nil
	case "in_progress":
		return TransferInProgress, nil
	case "completed":
		return TransferCompleted, nil
	case "failed":
		return TransferFailed, nil
	default:
		return TransferPlanning, fmt.Errorf("unknown transfer status %q", raw)
	}
}

func (s TransferStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *TransferStatus) UnmarshalText(b []byte) error {
	v, err := ParseTransferStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ActivationState follows
//
//	Idle -> Requested -> VerifyingClosure -> Activating -> Active
//	                                   \-> Failed -> Idle
//	Requested -> Failed -> Idle
//	Active -> Requested
type ActivationState uint8

const (
	ActivationIdle ActivationState = iota
	ActivationRequested
	ActivationVerifyingClosure
	ActivationActivating
	ActivationActive
	ActivationFailed
)

func (s ActivationState) String() string {
	switch s {
	case ActivationIdle:
		return "idle"
	case ActivationRequested:
		return "requested"
	case ActivationVerifyingClosure:
		return "verifying_closure"
	case ActivationActivating:
		return "activating"
	case ActivationActive:
		return "active"
	case ActivationFailed:
		return "failed"
	default:
		return fmt.Sprintf("activation(%d)", uint8(s))
	}
}

// Terminal reports whether the request has resolved.
func (s ActivationState) Terminal() bool {
	switch s {
	case ActivationActive, ActivationFailed:
		return true
	case ActivationIdle, ActivationRequested, ActivationVerifyingClosure, ActivationActivating:
		return false
	default:
		return false
	}
}

// CanTransition reports whether next is a legal successor of s.
func (s ActivationState) CanTransition(next ActivationState) bool {
	switch s {
	case ActivationIdle:
		return next == ActivationRequested
	case ActivationRequested:
		return next == ActivationVerifyingClosure || next == ActivationFailed
	case ActivationVerifyingClosure:
		return next == ActivationActivating || next == ActivationFailed
	case ActivationActivating:
		return next == ActivationActive || next == ActivationFailed
	case ActivationActive:
		return next == ActivationRequested
	case ActivationFailed:
		return next == ActivationIdle || next == ActivationRequested
	default:
		return false
	}
}

func ParseActivationState(raw string) (ActivationState, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "idle", "":
		return ActivationIdle, nil
	case "requested":
		return ActivationRequested, nil
	case "verifying_closure":
		return ActivationVerifyingClosure, nil
	case "activating":
		return ActivationActivating, nil
	case "active":
		return ActivationActive, nil
	case "failed":
		return ActivationFailed, nil
	default:
		return ActivationIdle, fmt.Errorf("unknown activation state %q", raw)
	}
}

func (s ActivationState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ActivationState) UnmarshalText(b []byte) error {
	v, err := ParseActivationState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
