// Copyright 2024-2026 Aiku AI

package e2ee

import (
	"errors"
	"fmt"
)

// FailureReason classifies a DecryptFailure.
type FailureReason string

const (
	UnknownSession     FailureReason = "unknown_session"
	ReplayedMessage    FailureReason = "replayed_message"
	MembershipMismatch FailureReason = "membership_mismatch"
)

// DecryptFailure is returned by Decrypt when a payload can't or mustn't be
// decrypted. The conversation continues after one.
type DecryptFailure struct {
	Reason     FailureReason
	PortalID   string
	Generation uint32
	Err        error
}

func (e *DecryptFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to decrypt message in %s (generation %d): %s: %v", e.PortalID, e.Generation, e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to decrypt message in %s (generation %d): %s", e.PortalID, e.Generation, e.Reason)
}

func (e *DecryptFailure) Unwrap() error {
	return e.Err
}

// AsDecryptFailure extracts a DecryptFailure from err.
func AsDecryptFailure(err error) (*DecryptFailure, bool) {
	var df *DecryptFailure
	ok := errors.As(err, &df)
	return df, ok
}

var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrNoOneTimeKey      = errors.New("peer device has no one-time keys left")
	ErrInvalidSignature  = errors.New("invalid key signature")
	ErrNoPairwiseSession = errors.New("no pairwise session with device")
	ErrUntrustedSender   = errors.New("to-device message from unknown or revoked device")
)
