// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

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

// StoreConfig configures the durable queue store.
type StoreConfig struct {
	// RecoverOrphans resets records left in "syncing" by a pass that never finished
	// (process killed mid-drain) back to "pending" when the store is opened.
	RecoverOrphans bool
	Logger         *slog.Logger
}

// DefaultStoreConfig returns the store defaults.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{RecoverOrphans: true}
}

// Store is the durable, transactional queue of survey submissions plus a small
// cached-data side table. It is safe for concurrent use.
type Store struct {
	db             *sql.DB
	logger         *slog.Logger
	recoverOrphans bool
	now            func() time.Time

	writeMu sync.Mutex // serializes writes so read-modify-write sequences never interleave
	openMu  sync.Mutex
	opened  bool
}

// NewStore wraps db. Open must be called before any other operation.
func NewStore(db *sql.DB, config *StoreConfig) *Store {
	if config == nil {
		config = DefaultStoreConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:             db,
		logger:         logger,
		recoverOrphans: config.RecoverOrphans,
		now:            time.Now,
	}
}

// Open creates the queue and cached-data tables on first use. It is idempotent.
func (s *Store) Open(ctx context.Context) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	if s.opened {
		return nil
	}
	if s.db == nil {
		return fmt.Errorf("%w: no database handle", ErrStorageUnavailable)
	}
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}

	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return storageErr("enable WAL mode", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout=5000`); err != nil {
		return storageErr("set busy timeout", err)
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS _fq_submissions (
			local_id        INTEGER PRIMARY KEY AUTOINCREMENT, -- AUTOINCREMENT: ids are never reused
			table_name      TEXT    NOT NULL,
			payload         TEXT    NOT NULL,
			enqueued_at     INTEGER NOT NULL,                  -- unix nanoseconds
			status          TEXT    NOT NULL CHECK (status IN ('pending','syncing','failed','synced')),
			attempt_count   INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER,
			last_error      TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fq_submissions_enqueued_at ON _fq_submissions(enqueued_at)`,
		`CREATE INDEX IF NOT EXISTS idx_fq_submissions_status ON _fq_submissions(status)`,
		`CREATE TABLE IF NOT EXISTS _fq_cached_data (
			key       TEXT    PRIMARY KEY,
			data      TEXT    NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fq_cached_data_timestamp ON _fq_cached_data(timestamp)`,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin schema transaction", err)
	}
	defer tx.Rollback()

	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storageErr("create queue schema", err)
		}
	}

	if s.recoverOrphans {
		res, err := tx.ExecContext(ctx,
			`UPDATE _fq_submissions SET status = 'pending' WHERE status = 'syncing'`)
		if err != nil {
			return storageErr("recover orphaned submissions", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.logger.Warn("Recovered submissions left in syncing state", "count", n)
		}
	}

	// Delivered records whose removal failed; they must never be resent.
	res, err := tx.ExecContext(ctx, `DELETE FROM _fq_submissions WHERE status = 'synced'`)
	if err != nil {
		return storageErr("purge synced submissions", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("Purged delivered submissions", "count", n)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit queue schema", err)
	}

	s.opened = true
	return nil
}

func (s *Store) ensureOpen() error {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if !s.opened {
		return fmt.Errorf("%w: store is not open", ErrStorageUnavailable)
	}
	return nil
}

// Enqueue persists payload as a new pending submission for table and returns its local id.
// Every call creates a new record; identical payloads are not coalesced.
func (s *Store) Enqueue(ctx context.Context, table string, payload Record) (int64, error) {
	if table == "" {
		return 0, errors.New("enqueue: table is required")
	}
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	if payload == nil {
		payload = Record{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("enqueue: encode payload: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO _fq_submissions (table_name, payload, enqueued_at, status, attempt_count)
		VALUES (?, ?, ?, 'pending', 0)
	`, table, string(data), s.now().UnixNano())
	if err != nil {
		return 0, storageErr("enqueue", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("enqueue: read local id", err)
	}
	s.logger.Debug("Enqueued submission", "local_id", id, "table", table)
	return id, nil
}

const submissionColumns = `local_id, table_name, payload, enqueued_at, status, attempt_count, last_attempt_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (QueuedSubmission, error) {
	var (
		sub           QueuedSubmission
		payload       string
		enqueuedAt    int64
		status        string
		lastAttemptAt sql.NullInt64
		lastError     sql.NullString
	)
	if err := row.Scan(&sub.LocalID, &sub.Table, &payload, &enqueuedAt, &status,
		&sub.AttemptCount, &lastAttemptAt, &lastError); err != nil {
		return sub, err
	}
	sub.EnqueuedAt = time.Unix(0, enqueuedAt)
	sub.Status = Status(status)
	if lastAttemptAt.Valid {
		t := time.Unix(0, lastAttemptAt.Int64)
		sub.LastAttemptAt = &t
	}
	if lastError.Valid {
		msg := lastError.String
		sub.LastError = &msg
	}
	if err := json.Unmarshal([]byte(payload), &sub.Payload); err != nil {
		// Kept visible so it is counted, listed and can be discarded.
		sub.Payload = nil
		sub.decodeErr = fmt.Errorf("decode payload of submission %d: %w", sub.LocalID, err)
		msg := sub.decodeErr.Error()
		sub.LastError = &msg
	}
	return sub, nil
}

// ListAll returns every stored submission. The result is a consistent snapshot taken by
// a single query; no particular order is guaranteed.
func (s *Store) ListAll(ctx context.Context) ([]QueuedSubmission, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+submissionColumns+` FROM _fq_submissions`)
	if err != nil {
		return nil, storageErr("list submissions", err)
	}
	defer rows.Close()

	var subs []QueuedSubmission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, storageErr("scan submission", err)
		}
		if sub.decodeErr != nil {
			s.logger.Error("Unreadable submission payload", "local_id", sub.LocalID, "error", sub.decodeErr)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate submissions", err)
	}
	return subs, nil
}

// Get returns a single submission or ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, localID int64) (*QueuedSubmission, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM _fq_submissions WHERE local_id = ?`, localID)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %d: %w", localID, ErrRecordNotFound)
	}
	if err != nil {
		return nil, storageErr("get submission", err)
	}
	return &sub, nil
}

// UpdateStatus moves a submission to status. Moving to StatusSyncing starts a delivery
// attempt: attempt_count is incremented and last_attempt_at is stamped. lastErr, when
// non-nil, replaces the stored error message; otherwise the previous message is kept.
// Returns ErrRecordNotFound if the submission no longer exists.
func (s *Store) UpdateStatus(ctx context.Context, localID int64, status Status, lastErr error) error {
	if !status.valid() {
		return fmt.Errorf("update status: invalid status %q", status)
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}

	var errText sql.NullString
	if lastErr != nil {
		errText = sql.NullString{String: lastErr.Error(), Valid: true}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		res sql.Result
		err error
	)
	if status == StatusSyncing {
		res, err = s.db.ExecContext(ctx, `
			UPDATE _fq_submissions
			SET status = ?, attempt_count = attempt_count + 1, last_attempt_at = ?,
			    last_error = COALESCE(?, last_error)
			WHERE local_id = ?
		`, string(status), s.now().UnixNano(), errText, localID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE _fq_submissions
			SET status = ?, last_error = COALESCE(?, last_error)
			WHERE local_id = ?
		`, string(status), errText, localID)
	}
	if err != nil {
		return storageErr("update status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update status: rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("submission %d: %w", localID, ErrRecordNotFound)
	}
	return nil
}

// Remove deletes a submission. Removing an id that is already gone succeeds.
func (s *Store) Remove(ctx context.Context, localID int64) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM _fq_submissions WHERE local_id = ?`, localID); err != nil {
		return storageErr("remove submission", err)
	}
	return nil
}

// CountEligible returns the number of pending or failed submissions.
func (s *Store) CountEligible(ctx context.Context) (int, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _fq_submissions WHERE status IN ('pending', 'failed')`).Scan(&n)
	if err != nil {
		return 0, storageErr("count submissions", err)
	}
	return n, nil
}

// GetCached returns the cached entry for key. found is false when no entry exists.
func (s *Store) GetCached(ctx context.Context, key string) (entry CachedEntry, found bool, err error) {
	if err := s.ensureOpen(); err != nil {
		return CachedEntry{}, false, err
	}
	var (
		data string
		ts   int64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT data, timestamp FROM _fq_cached_data WHERE key = ?`, key).Scan(&data, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedEntry{}, false, nil
	}
	if err != nil {
		return CachedEntry{}, false, storageErr("get cached data", err)
	}
	return CachedEntry{Key: key, Data: json.RawMessage(data), Timestamp: time.Unix(0, ts)}, true, nil
}

// SetCached stores data under key, overwriting any previous value. No expiry is enforced here.
func (s *Store) SetCached(ctx context.Context, key string, data any) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("set cached data: encode: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO _fq_cached_data (key, data, timestamp) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, timestamp = excluded.timestamp
	`, key, string(encoded), s.now().UnixNano())
	if err != nil {
		return storageErr("set cached data", err)
	}
	return nil
}
