// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"
)

const msgNothingToSync = "Nothing to sync"

// SyncEngine drains the queue against the remote store. At most one pass runs at a time;
// reconnection-triggered and manual drains share the same guard.
type SyncEngine struct {
	store   *Store
	remote  RemoteStore
	monitor *Monitor
	status  *StatusSurface

	insertTimeout      time.Duration
	pruneRejectedAfter int
	logger             *slog.Logger

	draining atomic.Bool
}

// NewSyncEngine creates a sync engine. status may be nil.
func NewSyncEngine(store *Store, remote RemoteStore, monitor *Monitor, status *StatusSurface, config *Config) *SyncEngine {
	if config == nil {
		config = DefaultConfig("")
	}
	return &SyncEngine{
		store:              store,
		remote:             remote,
		monitor:            monitor,
		status:             status,
		insertTimeout:      config.InsertTimeout,
		pruneRejectedAfter: config.PruneRejectedAfter,
		logger:             config.logger(),
	}
}

// Draining reports whether a pass is currently running.
func (e *SyncEngine) Draining() bool {
	return e.draining.Load()
}

// Drain runs one full pass over the eligible submissions, oldest first. It returns
// (nil, nil) without touching the queue when the device is offline or another pass is
// already running. Individual record failures never abort the pass; only a failure to
// list the queue is returned as an error, in which case nothing is emitted.
func (e *SyncEngine) Drain(ctx context.Context) (*PassSummary, error) {
	if !e.monitor.IsOnline() {
		e.logger.Debug("Drain skipped: offline")
		return nil, nil
	}
	if !e.draining.CompareAndSwap(false, true) {
		e.logger.Debug("Drain skipped: pass already in progress")
		return nil, nil
	}
	defer e.draining.Store(false)

	summary := PassSummary{StartedAt: time.Now()}

	all, err := e.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued submissions: %w", err)
	}

	eligible := make([]QueuedSubmission, 0, len(all))
	for _, sub := range all {
		if sub.Status.Eligible() {
			eligible = append(eligible, sub)
		}
	}
	sortFIFO(eligible)

	e.logger.Info("Drain pass started", "eligible", len(eligible))

	for i := range eligible {
		if ctx.Err() != nil {
			e.logger.Warn("Drain pass interrupted", "remaining", len(eligible)-i, "error", ctx.Err())
			break
		}
		switch e.syncOne(ctx, &eligible[i]) {
		case itemSynced:
			summary.SyncedCount++
		case itemFailed:
			summary.FailedCount++
		case itemPruned:
			summary.FailedCount++
			summary.PrunedCount++
		}
	}

	summary.FinishedAt = time.Now()
	summary.Message = passMessage(len(eligible), summary.SyncedCount, summary.FailedCount)

	e.logger.Info("Drain pass finished", "synced", summary.SyncedCount, "failed", summary.FailedCount,
		"pruned", summary.PrunedCount, "duration", summary.FinishedAt.Sub(summary.StartedAt))

	if e.status != nil {
		e.status.publishPass(context.WithoutCancel(ctx), summary)
	}
	return &summary, nil
}

// sortFIFO orders submissions by enqueue time, breaking ties by local id.
func sortFIFO(subs []QueuedSubmission) {
	sort.SliceStable(subs, func(i, j int) bool {
		if !subs[i].EnqueuedAt.Equal(subs[j].EnqueuedAt) {
			return subs[i].EnqueuedAt.Before(subs[j].EnqueuedAt)
		}
		return subs[i].LocalID < subs[j].LocalID
	})
}

func passMessage(selected, synced, failed int) string {
	switch {
	case selected == 0:
		return msgNothingToSync
	case failed == 0:
		return fmt.Sprintf("Successfully synced %d", synced)
	default:
		return fmt.Sprintf("Synced %d, failed %d", synced, failed)
	}
}

type itemOutcome int

const (
	itemSkipped itemOutcome = iota
	itemSynced
	itemFailed
	itemPruned
)

func (e *SyncEngine) syncOne(ctx context.Context, sub *QueuedSubmission) itemOutcome {
	log := e.logger.With("local_id", sub.LocalID, "table", sub.Table)

	if sub.decodeErr != nil {
		if err := e.store.UpdateStatus(ctx, sub.LocalID, StatusFailed, sub.decodeErr); err != nil &&
			!errors.Is(err, ErrRecordNotFound) {
			log.Error("Failed to mark unreadable submission as failed", "error", err)
		}
		log.Warn("Submission payload unreadable, not sent", "error", sub.decodeErr)
		return itemFailed
	}

	if err := e.store.UpdateStatus(ctx, sub.LocalID, StatusSyncing, nil); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			log.Info("Submission disappeared before sync, skipping")
			return itemSkipped
		}
		// Still pending or failed in storage, so the next pass picks it up.
		log.Error("Failed to mark submission as syncing", "error", err)
		return itemFailed
	}
	attempts := sub.AttemptCount + 1

	// Status writes below must land even if the caller gives up mid-insert, otherwise
	// the record is left in "syncing".
	storeCtx := context.WithoutCancel(ctx)

	_, insertErr := insertWithTimeout(ctx, e.remote, sub.Table, stripMetadata(sub.Payload), e.insertTimeout)
	if insertErr == nil {
		if err := e.store.Remove(storeCtx, sub.LocalID); err != nil {
			// Delivered but still queued: park it as synced so it is never resent.
			log.Error("Failed to remove delivered submission", "error", err)
			if err := e.store.UpdateStatus(storeCtx, sub.LocalID, StatusSynced, nil); err != nil &&
				!errors.Is(err, ErrRecordNotFound) {
				log.Error("Failed to park delivered submission", "error", err)
			}
		}
		log.Debug("Submission synced", "attempts", attempts)
		return itemSynced
	}

	kind := Classify(insertErr)
	if kind == ErrorKindRejection && e.pruneRejectedAfter > 0 && attempts >= e.pruneRejectedAfter {
		err := e.store.Remove(storeCtx, sub.LocalID)
		if err == nil {
			log.Warn("Pruned repeatedly rejected submission", "attempts", attempts, "error", insertErr)
			return itemPruned
		}
		log.Error("Failed to prune rejected submission", "error", err)
	}

	if err := e.store.UpdateStatus(storeCtx, sub.LocalID, StatusFailed, insertErr); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			log.Info("Submission disappeared during sync", "error", insertErr)
		} else {
			log.Error("Failed to mark submission as failed", "error", err)
		}
	}
	log.Warn("Submission sync failed", "kind", kind, "attempts", attempts, "error", insertErr)
	return itemFailed
}

// insertWithTimeout races remote.Insert against timeout so an implementation that ignores
// its context still cannot stall the caller. A timeout is reported as a network error.
func insertWithTimeout(ctx context.Context, remote RemoteStore, table string, record Record, timeout time.Duration) (Record, error) {
	if timeout <= 0 {
		return safeInsert(ctx, remote, table, record)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		rec Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := safeInsert(ctx, remote, table, record)
		done <- result{rec: rec, err: err}
	}()

	select {
	case res := <-done:
		return res.rec, res.err
	case <-ctx.Done():
		select {
		case res := <-done:
			return res.rec, res.err
		default:
		}
		return nil, NetworkError(fmt.Errorf("remote insert into %s: %w", table, ctx.Err()))
	}
}

// safeInsert turns a panicking remote into an unclassified (network-class) error.
func safeInsert(ctx context.Context, remote RemoteStore, table string, record Record) (rec Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec, err = nil, fmt.Errorf("remote insert into %s panicked: %v", table, r)
		}
	}()
	return remote.Insert(ctx, table, record)
}
