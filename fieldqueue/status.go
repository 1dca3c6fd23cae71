// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PassSummary is the ephemeral outcome of one drain pass.
type PassSummary struct {
	SyncedCount int
	FailedCount int // includes pruned records
	PrunedCount int
	Message     string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// StatusSurface is the read-only projection of queue depth and drain outcomes for UI
// consumption. Queue-change subscribers fire only when the eligible count differs from
// the last value observed.
type StatusSurface struct {
	store  *Store
	logger *slog.Logger

	mu        sync.Mutex
	lastCount int // -1 until the first observation
	lastPass  *PassSummary

	queueSubs *listeners[int]
	passSubs  *listeners[PassSummary]
}

// NewStatusSurface creates a status surface over store. store may be nil when offline
// storage is unavailable; PendingCount then reports ErrOfflineUnavailable.
func NewStatusSurface(store *Store, logger *slog.Logger) *StatusSurface {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusSurface{
		store:     store,
		logger:    logger,
		lastCount: -1,
		queueSubs: newListeners[int]("queue-change", logger),
		passSubs:  newListeners[PassSummary]("sync-complete", logger),
	}
}

// PendingCount returns the number of pending or failed submissions.
func (s *StatusSurface) PendingCount(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, ErrOfflineUnavailable
	}
	return s.store.CountEligible(ctx)
}

// LastPassSummary returns the most recent drain summary, if any pass has completed.
func (s *StatusSurface) LastPassSummary() (PassSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPass == nil {
		return PassSummary{}, false
	}
	return *s.lastPass, true
}

// OnQueueChange registers callback for queue depth changes.
func (s *StatusSurface) OnQueueChange(callback func(pendingCount int)) (unsubscribe func()) {
	return s.queueSubs.add(callback)
}

// OnSyncComplete registers callback for finished drain passes.
func (s *StatusSurface) OnSyncComplete(callback func(summary PassSummary)) (unsubscribe func()) {
	return s.passSubs.add(callback)
}

// Refresh re-reads the queue depth and notifies queue-change subscribers if it moved.
func (s *StatusSurface) Refresh(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, ErrOfflineUnavailable
	}
	n, err := s.store.CountEligible(ctx)
	if err != nil {
		s.logger.Warn("Failed to refresh queue depth", "error", err)
		return 0, err
	}

	s.mu.Lock()
	changed := n != s.lastCount
	s.lastCount = n
	s.mu.Unlock()

	if changed {
		s.queueSubs.notify(n)
	}
	return n, nil
}

func (s *StatusSurface) publishPass(ctx context.Context, summary PassSummary) {
	s.mu.Lock()
	s.lastPass = &summary
	s.mu.Unlock()

	s.passSubs.notify(summary)
	_, _ = s.Refresh(ctx)
}
