package fieldqueue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMonitorUnknownState(t *testing.T) {
	optimistic := NewMonitor(true, quietLogger())
	require.Equal(t, StateUnknown, optimistic.State())
	require.True(t, optimistic.IsOnline())

	pessimistic := NewMonitor(false, quietLogger())
	require.False(t, pessimistic.IsOnline())
}

func TestMonitorNotifiesOnlyOnGenuineTransitions(t *testing.T) {
	m := NewMonitor(false, quietLogger())
	var events []bool
	m.OnChange(func(online bool) { events = append(events, online) })

	m.SetOnline(false) // unknown(offline) -> offline: no effective change
	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)

	require.Equal(t, []bool{true, false, true}, events)
	require.Equal(t, StateOnline, m.State())
}

func TestMonitorSubscribersInOrderAndIsolated(t *testing.T) {
	m := NewMonitor(true, quietLogger())
	var order []string
	m.OnChange(func(bool) { order = append(order, "first") })
	m.OnChange(func(bool) { panic("boom") })
	m.OnChange(func(bool) { order = append(order, "third") })

	require.NotPanics(t, func() { m.SetOnline(false) })
	require.Equal(t, []string{"first", "third"}, order)
}

func TestMonitorUnsubscribe(t *testing.T) {
	m := NewMonitor(true, quietLogger())
	calls := 0
	unsubscribe := m.OnChange(func(bool) { calls++ })
	other := 0
	m.OnChange(func(bool) { other++ })

	m.SetOnline(false)
	unsubscribe()
	unsubscribe()
	m.SetOnline(true)

	require.Equal(t, 1, calls)
	require.Equal(t, 2, other)
	require.Equal(t, 1, m.subs.len())
}

func TestProberFeedsMonitor(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	m := NewMonitor(false, quietLogger())
	p := NewProber(srv.URL+"/", m, quietLogger())

	require.True(t, p.ProbeOnce(context.Background()))
	require.True(t, m.IsOnline())

	healthy.Store(false)
	require.False(t, p.ProbeOnce(context.Background()))
	require.False(t, m.IsOnline())
	require.Equal(t, StateOffline, m.State())
}

func TestProberUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := NewMonitor(true, quietLogger())
	p := NewProber(url, m, quietLogger())
	require.False(t, p.ProbeOnce(context.Background()))
	require.Equal(t, StateOffline, m.State())
}
