package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// TestMonitor_Set verifies only real transitions are reported.
func TestMonitor_Set(t *testing.T) {
	m := New(true)
	if !m.IsOnline() {
		t.Fatal("IsOnline() = false, want initial true")
	}

	steps := []struct {
		online  bool
		changed bool
	}{
		{true, false},
		{false, true},
		{false, false},
		{true, true},
	}
	for i, s := range steps {
		if got := m.Set(s.online); got != s.changed {
			t.Errorf("step %d: Set(%v) = %v, want %v", i, s.online, got, s.changed)
		}
		if m.IsOnline() != s.online {
			t.Errorf("step %d: IsOnline() = %v", i, m.IsOnline())
		}
	}
}

// TestMonitor_Watch verifies watchers see transitions, latest first.
func TestMonitor_Watch(t *testing.T) {
	m := New(false)
	a := m.Watch()
	b := m.Watch()

	m.Set(true)
	if got := <-a; !got {
		t.Error("watcher a received offline, want online")
	}

	// b never read; it should hold only the latest state
	m.Set(false)
	m.Set(true)
	m.Set(false)
	if got := <-b; got {
		t.Error("watcher b received online, want the latest (offline)")
	}
	select {
	case v := <-b:
		t.Errorf("watcher b has a stale transition queued: %v", v)
	default:
	}

	m.Set(false)
	if got := <-a; got {
		t.Error("watcher a should see offline")
	}
}

// TestMonitor_concurrentSet verifies a watcher's last value always agrees
// with the final state, however calls interleave.
func TestMonitor_concurrentSet(t *testing.T) {
	for round := 0; round < 50; round++ {
		m := New(false)
		w := m.Watch()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					m.Set((i+j)%2 == 0)
				}
			}()
		}
		wg.Wait()

		select {
		case last := <-w:
			if last != m.IsOnline() {
				t.Fatalf("round %d: watcher saw %v last, IsOnline() = %v", round, last, m.IsOnline())
			}
		default:
			if m.IsOnline() {
				t.Fatalf("round %d: online without any transition delivered", round)
			}
		}
	}
}

// TestMonitor_Probe verifies any response means online and a dead target offline.
func TestMonitor_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("probe method = %s, want HEAD", r.Method)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	client := srv.Client()
	target := srv.URL

	m := New(false)
	if !m.Probe(t.Context(), client, target) || !m.IsOnline() {
		t.Fatal("a 500 response should still count as online")
	}

	srv.Close()
	if m.Probe(t.Context(), client, target) || m.IsOnline() {
		t.Error("an unreachable target should be offline")
	}
}

// TestMonitor_ProbeCancelled verifies a cancelled probe keeps the state.
func TestMonitor_ProbeCancelled(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	m := New(true)
	if !m.Probe(ctx, srv.Client(), srv.URL) || !m.IsOnline() {
		t.Error("cancelled probe should keep the online state")
	}

	m = New(true)
	if !m.Probe(t.Context(), srv.Client(), "::not a url") {
		t.Error("bad probe url should keep the online state")
	}
}
