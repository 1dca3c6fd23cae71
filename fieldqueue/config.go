// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"log/slog"
	"time"
)

// Config holds configuration for the offline submission client.
type Config struct {
	DefaultTable  string        // table used by Client.Submit, e.g. "surveys"
	InsertTimeout time.Duration // upper bound for a single remote insert, e.g. 15s

	// AssumeOnlineWhenUnknown is what the connectivity monitor reports before the first
	// platform signal arrives. Ignored when Monitor is set.
	AssumeOnlineWhenUnknown bool

	// RecoverOrphans resets submissions stuck in "syncing" back to "pending" at open.
	RecoverOrphans bool

	// PruneRejectedAfter removes a submission once it has been rejected by the remote
	// and its attempt count reached this value. 0 keeps rejected submissions forever.
	PruneRejectedAfter int

	Monitor *Monitor     // optional externally driven monitor
	Logger  *slog.Logger // defaults to slog.Default()
}

// DefaultConfig returns a default configuration writing to table.
func DefaultConfig(table string) *Config {
	return &Config{
		DefaultTable:            table,
		InsertTimeout:           15 * time.Second,
		AssumeOnlineWhenUnknown: true,
		RecoverOrphans:          true,
		PruneRejectedAfter:      0,
	}
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
