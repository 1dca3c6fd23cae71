// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package surveysync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Error sentinels for mapping service failures to HTTP responses
var (
	ErrBadPayload          = errors.New("bad_payload")
	ErrUnregisteredTable   = errors.New("unregistered_table")
	ErrConstraintViolation = errors.New("constraint_violation")
	ErrServiceClosed       = errors.New("record service has been closed")
)

func normalizeTableName(table string) string {
	return strings.ToLower(strings.TrimSpace(table))
}

// validateRecord checks a record against the registered table rules. table must already
// be normalized.
func (s *RecordService) validateRecord(table string, record map[string]any) error {
	if !isValidName(table) {
		return fmt.Errorf("%w: invalid table name %q", ErrBadPayload, table)
	}
	tbl, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("%w: table not registered %s", ErrUnregisteredTable, table)
	}
	if record == nil {
		return fmt.Errorf("%w: record must be a JSON object", ErrBadPayload)
	}

	if s.config.MaxPayloadBytes > 0 {
		raw, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("%w: record is not serializable: %v", ErrBadPayload, err)
		}
		if len(raw) > s.config.MaxPayloadBytes {
			return fmt.Errorf("%w: payload too large: %d > %d", ErrBadPayload, len(raw), s.config.MaxPayloadBytes)
		}
	}

	for _, key := range reservedRecordKeys {
		if _, ok := record[key]; ok {
			return fmt.Errorf("%w: record may not contain %s", ErrBadPayload, key)
		}
	}

	for _, field := range tbl.RequiredFields {
		v, ok := record[field]
		if !ok || v == nil {
			return fmt.Errorf("%w: missing required field %s", ErrBadPayload, field)
		}
		if str, isStr := v.(string); isStr && strings.TrimSpace(str) == "" {
			return fmt.Errorf("%w: required field %s is empty", ErrBadPayload, field)
		}
	}
	return nil
}

// isValidName checks if a table or field name matches ^[a-z0-9_]+$
func isValidName(name string) bool {
	if len(name) == 0 || len(name) > 48 {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_') {
			return false
		}
	}
	return true
}
