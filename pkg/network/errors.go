// Copyright 2024-2026 Aiku AI

package network

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReasonCode explains why a message ended up FAILED.
type ReasonCode string

const (
	ReasonPermissionDenied  ReasonCode = "permission_denied"
	ReasonTargetDeleted     ReasonCode = "target_deleted"
	ReasonBadRequest        ReasonCode = "bad_request"
	ReasonUnsupported       ReasonCode = "unsupported"
	ReasonRetriesExhausted  ReasonCode = "retries_exhausted"
	ReasonDecryptFailed     ReasonCode = "decrypt_failed"
	ReasonTranslationFailed ReasonCode = "translation_failed"
	ReasonUnknown           ReasonCode = "unknown"
)

// TransientNetworkError is a failure that is expected to go away on retry,
// such as a timeout, rate limit or server error.
type TransientNetworkError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transient network error: %v", e.Err)
	}
	return fmt.Sprintf("transient network error in %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// PermanentDeliveryError is a failure that no amount of retrying will fix,
// such as a deleted target or missing permission.
type PermanentDeliveryError struct {
	Reason ReasonCode
	Err    error
}

func (e *PermanentDeliveryError) Error() string {
	return fmt.Sprintf("permanent delivery error (%s): %v", e.Reason, e.Err)
}

func (e *PermanentDeliveryError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientNetworkError.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientNetworkError{Op: op, Err: err}
}

// Permanent wraps err as a PermanentDeliveryError with the given reason.
func Permanent(reason ReasonCode, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentDeliveryError{Reason: reason, Err: err}
}

// IsPermanent reports whether err must not be retried. Deadline expiry is
// never permanent on its own.
func IsPermanent(err error) bool {
	var perm *PermanentDeliveryError
	return errors.As(err, &perm)
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// ReasonOf returns the reason code carried by err.
func ReasonOf(err error) ReasonCode {
	var perm *PermanentDeliveryError
	if errors.As(err, &perm) {
		return perm.Reason
	}
	return ReasonUnknown
}

// RetryAfterOf returns the server requested delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var tr *TransientNetworkError
	if errors.As(err, &tr) {
		return tr.RetryAfter
	}
	return 0
}
