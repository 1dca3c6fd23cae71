// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"log/slog"
	"sync"
)

// ConnectivityState is the last reachability signal received from the platform.
type ConnectivityState int

const (
	StateUnknown ConnectivityState = iota // no signal received yet
	StateOnline
	StateOffline
)

func (s ConnectivityState) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Monitor tracks online/offline transitions and notifies subscribers.
// It is a best-effort signal: "online" does not guarantee the remote store is reachable.
type Monitor struct {
	mu           sync.Mutex
	state        ConnectivityState
	assumeOnline bool // effective value reported while state is unknown
	subs         *listeners[bool]
	logger       *slog.Logger
}

// NewMonitor creates a monitor in the unknown state. assumeOnline selects what IsOnline
// reports until the first real signal arrives.
func NewMonitor(assumeOnline bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		state:        StateUnknown,
		assumeOnline: assumeOnline,
		subs:         newListeners[bool]("connectivity", logger),
		logger:       logger,
	}
}

// IsOnline reads the current reachability flag.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveLocked()
}

// State returns the raw connectivity state, including StateUnknown.
func (m *Monitor) State() ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) effectiveLocked() bool {
	if m.state == StateUnknown {
		return m.assumeOnline
	}
	return m.state == StateOnline
}

// SetOnline records a platform reachability signal. Subscribers are notified synchronously,
// once, only when the effective online value actually changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	before := m.effectiveLocked()
	if online {
		m.state = StateOnline
	} else {
		m.state = StateOffline
	}
	changed := before != online
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info("Connectivity changed", "online", online)
	m.subs.notify(online)
}

// OnChange registers callback for online/offline transitions. The returned function
// detaches the subscription; calling it more than once is harmless.
func (m *Monitor) OnChange(callback func(isOnlineNow bool)) (unsubscribe func()) {
	return m.subs.add(callback)
}
