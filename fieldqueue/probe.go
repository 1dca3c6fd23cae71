// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Prober derives the connectivity signal for headless devices by periodically requesting
// the remote health endpoint and feeding the result into a Monitor.
type Prober struct {
	URL      string // e.g. "http://localhost:8080/health"
	Interval time.Duration
	Timeout  time.Duration
	HTTP     *http.Client
	monitor  *Monitor
	logger   *slog.Logger
}

// NewProber creates a prober that checks baseURL + "/health".
func NewProber(baseURL string, monitor *Monitor, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		URL:      strings.TrimRight(baseURL, "/") + "/health",
		Interval: 5 * time.Second,
		Timeout:  3 * time.Second,
		HTTP:     &http.Client{},
		monitor:  monitor,
		logger:   logger,
	}
}

// ProbeOnce performs a single reachability check, updates the monitor and returns the result.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err == nil {
		resp, err := p.HTTP.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			online = resp.StatusCode < http.StatusInternalServerError
		} else {
			p.logger.Debug("Reachability probe failed", "url", p.URL, "error", err)
		}
	}
	if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
		// Parent cancelled: do not report a spurious offline transition.
		return p.monitor.IsOnline()
	}
	p.monitor.SetOnline(online)
	return online
}

// Run probes immediately and then every Interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}
