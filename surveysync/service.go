// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package surveysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SurveyTable is a survey form accepted by the service.
type SurveyTable struct {
	Name           string   `json:"name"`            // e.g. "property_surveys"
	RequiredFields []string `json:"required_fields"` // top-level keys that must be present and non-empty
	UniqueFields   []string `json:"unique_fields"`   // top-level keys unique across the table (e.g. parcel_id)
}

// RecordService stores survey records submitted by field devices.
type RecordService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig
	tables map[string]SurveyTable

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the record service
type ServiceConfig struct {
	AppName string        // Application name for connection tracking
	Tables  []SurveyTable // Survey tables accepted by the service (required)

	MaxPayloadBytes int // Maximum JSON size of a single record in bytes (0 = unlimited)
	MaxRetries      int // Retries of an insert on serialization/deadlock errors (0 = default of 3)

	StageMetrics    StageMetricsRecorder // Optional stage timing sink
	LogStageTimings bool                 // Log stage timings at debug level
}

// NewRecordService creates a record service from an existing pool and initializes its
// schema. The pool is not owned by the service.
func NewRecordService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*RecordService, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if config == nil {
		config = &ServiceConfig{AppName: "go-fieldsync-app"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &RecordService{
		pool:   pool,
		logger: logger,
		config: config,
		tables: make(map[string]SurveyTable),
	}

	for _, t := range config.Tables {
		name := normalizeTableName(t.Name)
		if !isValidName(name) {
			return nil, fmt.Errorf("invalid table name %q", t.Name)
		}
		for _, f := range t.UniqueFields {
			if !isValidName(f) {
				return nil, fmt.Errorf("invalid unique field %q on table %s", f, name)
			}
		}
		t.Name = name
		service.tables[name] = t
		logger.Debug("Registered survey table", "table", name, "unique_fields", t.UniqueFields)
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := service.initializeSchemaInTx(ctx, tx); err != nil {
			logger.Error("Failed to initialize database schema", "error", err)
			return err
		}
		logger.Debug("Database schema initialized successfully")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize record service: %w", err)
	}

	return service, nil
}

// Close marks the service closed. It does NOT close the database pool.
func (s *RecordService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Record service shutdown complete")
	return nil
}

// Pool returns the underlying database connection pool
func (s *RecordService) Pool() *pgxpool.Pool {
	return s.pool
}

// IsTableRegistered reports whether records may be submitted to table.
func (s *RecordService) IsTableRegistered(table string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[normalizeTableName(table)]
	return ok
}

func (s *RecordService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

func (s *RecordService) maxRetries() int {
	if s.config.MaxRetries > 0 {
		return s.config.MaxRetries
	}
	return 3
}

// Insert validates and stores one record. Unique field collisions are reported as
// ErrConstraintViolation; every insert is a new row, the service never merges records.
func (s *RecordService) Insert(ctx context.Context, surveyorID, deviceID, table string, record map[string]any) (*StoredRecord, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	totalStart := s.stageStart()
	var opErr error
	defer func() {
		s.observeStage(ctx, MetricsOpInsert, MetricsStageTotal, totalStart, 1, 0, opErr != nil)
	}()

	table = normalizeTableName(table)
	validateStart := s.stageStart()
	opErr = s.validateRecord(table, record)
	s.observeStage(ctx, MetricsOpInsert, MetricsStageValidate, validateStart, 1, 0, opErr != nil)
	if opErr != nil {
		return nil, opErr
	}

	payload, err := json.Marshal(record)
	if err != nil {
		opErr = fmt.Errorf("%w: %v", ErrBadPayload, err)
		return nil, opErr
	}

	stored := &StoredRecord{
		ID:          uuid.New(),
		Table:       table,
		SubmittedBy: surveyorID,
		DeviceID:    deviceID,
		Record:      record,
	}

	maxRetries := s.maxRetries()
	for attempt := 0; ; attempt++ {
		txStart := s.stageStart()
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
			return tx.QueryRow(ctx, `
				INSERT INTO `+recordsSchema+`.survey_records (id, table_name, submitted_by, device_id, record)
				VALUES (@id::uuid, @table_name, @submitted_by, @device_id, @record::jsonb)
				RETURNING received_at`,
				pgx.NamedArgs{
					"id":           stored.ID,
					"table_name":   table,
					"submitted_by": surveyorID,
					"device_id":    deviceID,
					"record":       payload,
				},
			).Scan(&stored.ReceivedAt)
		})
		s.observeStage(ctx, MetricsOpInsert, MetricsStageInsertTx, txStart, 1, attempt, err != nil)
		if err == nil {
			break
		}
		if pgErr, ok := constraintViolation(err); ok {
			s.logger.Info("Record rejected by constraint",
				"table", table, "surveyor_id", surveyorID, "constraint", pgErr.ConstraintName)
			opErr = fmt.Errorf("%w: %s", ErrConstraintViolation, constraintMessage(pgErr.ConstraintName, table))
			return nil, opErr
		}
		if isRetryablePGTxError(err) && attempt < maxRetries {
			s.logger.Debug("Retrying record insert", "table", table, "attempt", attempt+1, "error", err)
			if serr := sleepWithContext(ctx, retryBackoff(attempt+1)); serr != nil {
				opErr = serr
				return nil, serr
			}
			continue
		}
		opErr = fmt.Errorf("failed to insert record into %s: %w", table, err)
		return nil, opErr
	}

	stored.ReceivedAt = stored.ReceivedAt.UTC()
	s.logger.Debug("Stored survey record", "table", table, "id", stored.ID, "surveyor_id", surveyorID, "device_id", deviceID)
	return stored, nil
}

// constraintMessage turns an index name like ux_property_surveys_parcel_id into a message
// naming the duplicated field.
func constraintMessage(constraint, table string) string {
	prefix := "ux_" + table + "_"
	if len(constraint) > len(prefix) && constraint[:len(prefix)] == prefix {
		return fmt.Sprintf("a %s record with this %s already exists", table, constraint[len(prefix):])
	}
	if constraint != "" {
		return "violates constraint " + constraint
	}
	return "record violates a table constraint"
}

// List returns the surveyor's records in table, newest first.
func (s *RecordService) List(ctx context.Context, surveyorID, table string, limit int) (*ListResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	table = normalizeTableName(table)
	if !s.IsTableRegistered(table) {
		return nil, fmt.Errorf("%w: table not registered %s", ErrUnregisteredTable, table)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	fetchStart := s.stageStart()
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, table_name, submitted_by, device_id, received_at, record
		FROM `+recordsSchema+`.survey_records
		WHERE table_name = @table_name AND submitted_by = @submitted_by
		ORDER BY received_at DESC, id
		LIMIT @limit`,
		pgx.NamedArgs{"table_name": table, "submitted_by": surveyorID, "limit": limit},
	)
	if err != nil {
		s.observeStage(ctx, MetricsOpList, MetricsStageFetch, fetchStart, 0, 0, true)
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]StoredRecord, 0)
	for rows.Next() {
		var (
			id         string
			rec        StoredRecord
			receivedAt time.Time
			raw        []byte
		)
		if err := rows.Scan(&id, &rec.Table, &rec.SubmittedBy, &rec.DeviceID, &receivedAt, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("failed to parse record id %q: %w", id, err)
		}
		if err := json.Unmarshal(raw, &rec.Record); err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
		}
		rec.ReceivedAt = receivedAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	s.observeStage(ctx, MetricsOpList, MetricsStageFetch, fetchStart, len(records), 0, false)

	return &ListResponse{Table: table, Count: len(records), Records: records}, nil
}
