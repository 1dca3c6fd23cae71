// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldqueue lets a field-survey device keep accepting submissions without network
// connectivity. Records are delivered to the remote store directly when possible, queued in
// a local SQLite database otherwise, and drained in FIFO order once the device is back online.
package fieldqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Client wires the queue store, connectivity monitor, sync engine, submission façade and
// status surface together. A "became online" transition triggers an automatic drain, as
// does construction while online with submissions already queued.
type Client struct {
	store     *Store // nil in online-only mode
	monitor   *Monitor
	engine    *SyncEngine
	submitter *Submitter
	status    *StatusSurface
	config    *Config
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	wg          sync.WaitGroup
	unsubscribe func()
}

// NewClient creates the offline submission client over db. If the local store cannot be
// opened the client still works for direct online submission; OfflineAvailable reports false
// and queueing paths return ErrOfflineUnavailable.
func NewClient(db *sql.DB, remote RemoteStore, config *Config) (*Client, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.DefaultTable == "" {
		return nil, fmt.Errorf("config.DefaultTable must be provided")
	}
	logger := config.logger()

	store := NewStore(db, &StoreConfig{RecoverOrphans: config.RecoverOrphans, Logger: logger})
	if err := store.Open(context.Background()); err != nil {
		if !errors.Is(err, ErrStorageUnavailable) {
			return nil, fmt.Errorf("failed to open queue store: %w", err)
		}
		logger.Warn("Offline mode unavailable, continuing online-only", "error", err)
		store = nil
	}

	monitor := config.Monitor
	if monitor == nil {
		monitor = NewMonitor(config.AssumeOnlineWhenUnknown, logger)
	}

	status := NewStatusSurface(store, logger)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		store:     store,
		monitor:   monitor,
		status:    status,
		submitter: NewSubmitter(store, remote, monitor, status, config),
		config:    config,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	if store != nil {
		c.engine = NewSyncEngine(store, remote, monitor, status, config)
		c.unsubscribe = monitor.OnChange(func(online bool) {
			if online {
				c.drainInBackground()
			}
		})
		// A backlog from a previous session is drained now: when the monitor already
		// reports online there is no transition to trigger it.
		if pending, err := status.Refresh(ctx); err == nil && pending > 0 && monitor.IsOnline() {
			logger.Info("Draining submissions left from a previous session", "pending", pending)
			c.drainInBackground()
		}
	}
	return c, nil
}

func (c *Client) drainInBackground() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.engine.Drain(c.ctx); err != nil {
			c.logger.Error("Automatic drain failed", "error", err)
		}
	}()
}

// OfflineAvailable reports whether the local queue store could be opened.
func (c *Client) OfflineAvailable() bool { return c.store != nil }

// Monitor returns the connectivity monitor; platform code feeds it with SetOnline.
func (c *Client) Monitor() *Monitor { return c.monitor }

// Submit delivers record to the configured default table, or queues it.
func (c *Client) Submit(ctx context.Context, record Record) (*SubmitResult, error) {
	return c.submitter.Submit(ctx, c.config.DefaultTable, record)
}

// SubmitTo delivers record to table, or queues it.
func (c *Client) SubmitTo(ctx context.Context, table string, record Record) (*SubmitResult, error) {
	return c.submitter.Submit(ctx, table, record)
}

// DrainNow runs a drain pass on the caller's goroutine (the manual "Sync Now" action).
// It returns (nil, nil) if the device is offline or a pass is already in progress.
func (c *Client) DrainNow(ctx context.Context) (*PassSummary, error) {
	if c.engine == nil {
		return nil, ErrOfflineUnavailable
	}
	return c.engine.Drain(ctx)
}

// PendingCount returns the number of pending or failed submissions.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	return c.status.PendingCount(ctx)
}

// Queued returns every stored submission, oldest first, so failed records can be inspected.
func (c *Client) Queued(ctx context.Context) ([]QueuedSubmission, error) {
	if c.store == nil {
		return nil, ErrOfflineUnavailable
	}
	subs, err := c.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	sortFIFO(subs)
	return subs, nil
}

// Discard removes a queued submission, typically one the remote keeps rejecting.
func (c *Client) Discard(ctx context.Context, localID int64) error {
	if c.store == nil {
		return ErrOfflineUnavailable
	}
	if err := c.store.Remove(ctx, localID); err != nil {
		return err
	}
	c.logger.Info("Discarded queued submission", "local_id", localID)
	_, _ = c.status.Refresh(ctx)
	return nil
}

// OnQueueChange registers callback for queue depth changes.
func (c *Client) OnQueueChange(callback func(pendingCount int)) (unsubscribe func()) {
	return c.status.OnQueueChange(callback)
}

// OnSyncComplete registers callback for finished drain passes.
func (c *Client) OnSyncComplete(callback func(summary PassSummary)) (unsubscribe func()) {
	return c.status.OnSyncComplete(callback)
}

// LastPassSummary returns the most recent drain summary, if any.
func (c *Client) LastPassSummary() (PassSummary, bool) {
	return c.status.LastPassSummary()
}

// GetCachedFresh decodes the cached value for key into dest when it is younger than maxAge.
// maxAge <= 0 accepts any age. It reports whether dest was filled.
func (c *Client) GetCachedFresh(ctx context.Context, key string, maxAge time.Duration, dest any) (bool, error) {
	if c.store == nil {
		return false, ErrOfflineUnavailable
	}
	entry, found, err := c.store.GetCached(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if maxAge > 0 && time.Since(entry.Timestamp) > maxAge {
		return false, nil
	}
	if err := json.Unmarshal(entry.Data, dest); err != nil {
		return false, fmt.Errorf("failed to decode cached %q: %w", key, err)
	}
	return true, nil
}

// SetCached stores data under key.
func (c *Client) SetCached(ctx context.Context, key string, data any) error {
	if c.store == nil {
		return ErrOfflineUnavailable
	}
	return c.store.SetCached(ctx, key, data)
}

// Close detaches the automatic drain, cancels a running background pass and waits for it.
// The database handle is owned by the caller and is not closed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.cancel()
	c.wg.Wait()
	return nil
}
