// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package surveysync

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mobiletoly/go-fieldsync/internal/auth"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per surveyor. Requests without an authenticated surveyor are
// keyed by remote address. A device that reconnects after a long offline period drains its
// queue one insert at a time, so the burst should cover a typical backlog.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	requests int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter allows requests per window for each key, with a burst of requests.
func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	if requests <= 0 {
		requests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		requests: requests,
		window:   window,
		now:      time.Now,
	}
}

// GetLimiter returns the limiter for key, creating it on first use.
func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.limiters[key]
	if !ok {
		perSecond := float64(rl.requests) / rl.window.Seconds()
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(perSecond), rl.requests)}
		rl.limiters[key] = e
	}
	e.lastSeen = rl.now()
	return e.limiter
}

// Middleware rejects requests over the limit with 429 rate_limited. Install it after the
// JWT middleware so limits apply per surveyor.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := auth.GetSurveyorID(r.Context())
		if !ok {
			key = remoteHost(r)
		}
		if !rl.GetLimiter(key).Allow() {
			retryAfter := int(rl.window.Seconds() / float64(rl.requests))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded. Please try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Prune drops limiters idle for longer than maxIdle and returns how many were removed.
func (rl *RateLimiter) Prune(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-maxIdle)
	removed := 0
	for key, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// RunCleanup prunes idle limiters every interval until ctx is cancelled.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Prune(interval)
		}
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
