// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package surveysync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the record store and per-table unique indexes. Table and
// field names are validated before they reach this point, so interpolating them is safe.
func (s *RecordService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	// Serialize concurrent service start-ups against the same database.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('fieldsync.schema'))`); err != nil {
		return fmt.Errorf("failed to acquire schema lock: %w", err)
	}

	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS ` + recordsSchema,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS ` + recordsSchema + `.survey_records (
			id           UUID        PRIMARY KEY,
			table_name   TEXT        NOT NULL,
			submitted_by TEXT        NOT NULL,
			device_id    TEXT        NOT NULL,
			received_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			record       JSONB       NOT NULL CHECK (jsonb_typeof(record) = 'object')
		)`,

		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS survey_records_owner_idx
			ON ` + recordsSchema + `.survey_records (table_name, submitted_by, received_at DESC)`,
	}

	for _, tbl := range s.tables {
		for _, field := range tbl.UniqueFields {
			migrations = append(migrations, fmt.Sprintf(
				/*language=postgresql*/ `CREATE UNIQUE INDEX IF NOT EXISTS ux_%s_%s
					ON %s.survey_records ((record->>'%s'))
					WHERE table_name = '%s'`,
				tbl.Name, field, recordsSchema, field, tbl.Name))
		}
	}

	for _, stmt := range migrations {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}
