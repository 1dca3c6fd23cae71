// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Outcome tells the form layer what happened to a submission.
type Outcome string

const (
	OutcomeSubmitted Outcome = "submitted"
	OutcomeQueued    Outcome = "queued"
)

// ReasonNetworkFallback marks a submission queued because the online attempt hit a
// network-class failure.
const ReasonNetworkFallback = "network-error-fallback"

// SubmitResult is returned by Submit for both delivered and queued records.
type SubmitResult struct {
	Outcome Outcome
	Reason  string // empty, or ReasonNetworkFallback
	LocalID int64  // set when queued
	Record  Record // stored row echoed by the remote, set when submitted
}

// Submitter is the single entry point used by the form-submit flow: deliver directly when
// online, otherwise (or on a network-class failure) queue for a later drain.
type Submitter struct {
	store         *Store // nil when offline storage is unavailable
	remote        RemoteStore
	monitor       *Monitor
	status        *StatusSurface
	insertTimeout time.Duration
	logger        *slog.Logger
}

// NewSubmitter creates a submission façade. store and status may be nil.
func NewSubmitter(store *Store, remote RemoteStore, monitor *Monitor, status *StatusSurface, config *Config) *Submitter {
	if config == nil {
		config = DefaultConfig("")
	}
	return &Submitter{
		store:         store,
		remote:        remote,
		monitor:       monitor,
		status:        status,
		insertTimeout: config.InsertTimeout,
		logger:        config.logger(),
	}
}

// Submit delivers record to table or queues it. A remote rejection is returned as-is and
// nothing is queued. ErrOfflineUnavailable is returned when the record would have to be
// queued but local storage is unavailable.
func (s *Submitter) Submit(ctx context.Context, table string, record Record) (*SubmitResult, error) {
	if table == "" {
		return nil, errors.New("submit: table is required")
	}
	if record == nil {
		record = Record{}
	}

	if !s.monitor.IsOnline() {
		return s.enqueue(ctx, table, record, "")
	}

	stored, err := insertWithTimeout(ctx, s.remote, table, stripMetadata(record), s.insertTimeout)
	if err == nil {
		s.logger.Debug("Submission delivered", "table", table)
		return &SubmitResult{Outcome: OutcomeSubmitted, Record: stored}, nil
	}
	if IsRejection(err) {
		s.logger.Info("Submission rejected by remote", "table", table, "error", err)
		return nil, err
	}
	if ctx.Err() != nil {
		// The caller gave up; queueing now would surprise it.
		return nil, err
	}

	s.logger.Warn("Online submission failed, queueing", "table", table, "error", err)
	return s.enqueue(ctx, table, record, ReasonNetworkFallback)
}

func (s *Submitter) enqueue(ctx context.Context, table string, record Record, reason string) (*SubmitResult, error) {
	if s.store == nil {
		return nil, ErrOfflineUnavailable
	}
	id, err := s.store.Enqueue(ctx, table, record)
	if err != nil {
		if errors.Is(err, ErrStorageUnavailable) {
			return nil, fmt.Errorf("%w: %w", ErrOfflineUnavailable, err)
		}
		return nil, fmt.Errorf("failed to queue submission: %w", err)
	}
	if s.status != nil {
		_, _ = s.status.Refresh(ctx)
	}
	return &SubmitResult{Outcome: OutcomeQueued, Reason: reason, LocalID: id}, nil
}
