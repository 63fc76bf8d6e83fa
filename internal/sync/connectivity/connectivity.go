// Package connectivity tracks whether the upstream API is reachable.
//
// The state is set from platform signals (Set) or derived from an HTTP
// probe (Probe). Transitions are delivered to watchers so the auto-sync
// loop can react to reconnects.
package connectivity

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/logging"
)

// Monitor holds the current online/offline state.
type Monitor struct {
	online atomic.Bool

	mu       sync.Mutex
	watchers []chan bool
}

// New creates a Monitor with the given initial state.
func New(online bool) *Monitor {
	m := &Monitor{}
	m.online.Store(online)
	return m
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// Set records the state and reports whether it changed.
func (m *Monitor) Set(online bool) bool {
	// the swap and the notification happen under one lock so watchers see
	// transitions in the order they were made
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online.Swap(online) == online {
		return false
	}

	logging.Info("connectivity changed", map[string]interface{}{"is_online": online})

	for _, ch := range m.watchers {
		// keep only the latest transition for slow watchers
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	return true
}

// Watch returns a channel receiving the new state on every transition.
// A watcher that falls behind sees only the most recent transition.
func (m *Monitor) Watch() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()
	return ch
}

// Probe sends a HEAD request to target and sets the state from the
// outcome. Any HTTP response counts as online; only a transport error
// means offline.
func (m *Monitor) Probe(ctx context.Context, client *http.Client, target string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		logging.Warn("connectivity: bad probe url", map[string]interface{}{"url": target, "error": err.Error()})
		return m.IsOnline()
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return m.IsOnline()
		}
		m.Set(false)
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	m.Set(true)
	return true
}
