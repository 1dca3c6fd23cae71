// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// OpenDatabase opens (creating if needed) the SQLite file at path with the cgo driver.
// The pool is limited to one connection: SQLite serializes writers anyway, and a single
// connection keeps ":memory:" databases alive for the lifetime of the handle.
func OpenDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorageUnavailable, path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
