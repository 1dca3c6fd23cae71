// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable is returned when the local persistent store cannot be opened,
	// read or written. Callers surface it as "offline mode unavailable".
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRecordNotFound is returned when a queued submission no longer exists,
	// typically because a concurrent drain already removed it.
	ErrRecordNotFound = errors.New("record not found")

	// ErrOfflineUnavailable is returned by the submission façade when a record has to be
	// queued but the local store could not be opened.
	ErrOfflineUnavailable = fmt.Errorf("offline mode unavailable: %w", ErrStorageUnavailable)
)

// ErrorKind distinguishes transport failures from remote-side data rejections.
type ErrorKind string

const (
	// ErrorKindNetwork covers timeouts, DNS failures, refused or reset connections and
	// server-side unavailability. Always retryable.
	ErrorKindNetwork ErrorKind = "network"
	// ErrorKindRejection means the remote store explicitly refused the payload
	// (constraint violation, auth failure, schema mismatch). Not retryable by the queue.
	ErrorKindRejection ErrorKind = "rejection"
)

// RemoteError is returned by RemoteStore implementations.
type RemoteError struct {
	Kind       ErrorKind
	StatusCode int    // HTTP status when the error came from a response, 0 otherwise
	Code       string // machine-readable code from the remote, e.g. "constraint_violation"
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("remote %s (%s): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("remote %s: %s", e.Kind, msg)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// NetworkError wraps err as a network-class RemoteError.
func NetworkError(err error) *RemoteError {
	return &RemoteError{Kind: ErrorKindNetwork, Message: err.Error(), Err: err}
}

// Classify returns the kind of a remote insert failure. Only an explicit rejection is
// reported as ErrorKindRejection; timeouts, transport errors and anything unrecognised are
// treated as network-class so the record is kept and retried.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) && remoteErr.Kind == ErrorKindRejection {
		return ErrorKindRejection
	}
	return ErrorKindNetwork
}

// IsRejection reports whether err is a remote-side data rejection.
func IsRejection(err error) bool {
	return Classify(err) == ErrorKindRejection
}

func storageErr(op string, err error) error {
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
