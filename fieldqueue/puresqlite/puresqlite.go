// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package puresqlite opens queue databases with the pure-Go modernc.org/sqlite driver,
// for device builds where cgo is not available.
package puresqlite

import (
	"database/sql"
	"fmt"

	"github.com/mobiletoly/go-fieldsync/fieldqueue"
	_ "modernc.org/sqlite"
)

// OpenDatabase opens (creating if needed) the SQLite file at path. Like
// fieldqueue.OpenDatabase it keeps a single connection.
func OpenDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", fieldqueue.ErrStorageUnavailable, path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
