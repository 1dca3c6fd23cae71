// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"encoding/json"
	"time"
)

// Record is a flat survey record as produced by the form layer. The queue treats it as opaque.
type Record map[string]any

// Status is the lifecycle state of a queued submission.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
	StatusSynced  Status = "synced"
)

// Eligible reports whether a record in this status is selected by a drain pass.
func (s Status) Eligible() bool {
	return s == StatusPending || s == StatusFailed
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusFailed, StatusSynced:
		return true
	}
	return false
}

// QueuedSubmission is a survey record waiting to be delivered to the remote store.
// A stored payload that cannot be decoded yields a nil Payload and a LastError describing
// the problem; such a record is never sent and can only be discarded.
type QueuedSubmission struct {
	LocalID       int64
	Table         string
	Payload       Record
	EnqueuedAt    time.Time
	Status        Status
	AttemptCount  int
	LastAttemptAt *time.Time
	LastError     *string

	decodeErr error // payload could not be decoded; Payload is nil
}

// CachedEntry is a row of the cached-data side table.
type CachedEntry struct {
	Key       string
	Data      json.RawMessage
	Timestamp time.Time
}

// metadataKeys are local bookkeeping fields that must never reach the remote store.
var metadataKeys = []string{
	"localId", "enqueuedAt", "status", "attemptCount", "lastAttemptAt", "lastError",
	"local_id", "enqueued_at", "attempt_count", "last_attempt_at", "last_error",
}

// stripMetadata returns a shallow copy of payload without the local-only metadata keys.
func stripMetadata(payload Record) Record {
	clean := make(Record, len(payload))
	for k, v := range payload {
		clean[k] = v
	}
	for _, k := range metadataKeys {
		delete(clean, k)
	}
	return clean
}
