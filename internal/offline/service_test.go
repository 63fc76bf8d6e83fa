// Integration tests for the assembled offline layer.
package offline

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/config"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/interceptor"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/logging"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/sync/scheduler"
)

// upstreamAPI is a minimal widgets API that records writes.
type upstreamAPI struct {
	mu     sync.Mutex
	writes []string
}

func (u *upstreamAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodGet {
		io.WriteString(w, `[{"id":1,"name":"a"}]`)
		return
	}
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.writes = append(u.writes, r.Method+" "+r.URL.Path+" "+string(body))
	u.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, `{"ok":true}`)
}

func (u *upstreamAPI) Writes() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.writes...)
}

func openTestService(t *testing.T, dataDir string, upstream *httptest.Server) *Service {
	t.Helper()
	base, _ := url.Parse(upstream.URL)
	svc, err := Open(Options{
		DataDir:     dataDir,
		APIBase:     base,
		PathPrefix:  "/api",
		StartOnline: true,
		Network:     upstream.Client().Transport,
		Logger:      logging.New(io.Discard, logging.LevelError),
		Scheduler: &scheduler.SchedulerConfig{
			SyncInterval: time.Hour,
			SettleDelay:  10 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// TestService_offlineRoundTrip walks a read, a disconnect, an offline write
// and the reconnect that delivers it.
func TestService_offlineRoundTrip(t *testing.T) {
	api := &upstreamAPI{}
	upstream := httptest.NewServer(api)
	defer upstream.Close()

	svc := openTestService(t, t.TempDir(), upstream)
	ctx := t.Context()
	svc.Start(ctx)
	client := svc.Client()

	t.Run("OnlineRead", func(t *testing.T) {
		resp, err := client.Get(upstream.URL + "/api/widgets")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("StatusCode = %d", resp.StatusCode)
		}
	})

	svc.SetOnline(false)

	t.Run("OfflineRead", func(t *testing.T) {
		resp, err := client.Get(upstream.URL + "/api/widgets")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.Header.Get(interceptor.HeaderCache) != "HIT" {
			t.Error("offline read was not served from cache")
		}
		var widgets []map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&widgets); err != nil || len(widgets) != 1 {
			t.Errorf("cached widgets = %v, err = %v", widgets, err)
		}
	})

	t.Run("OfflineWrite", func(t *testing.T) {
		resp, err := client.Post(upstream.URL+"/api/widgets", "application/json", strings.NewReader(`{"name":"x"}`))
		if err != nil {
			t.Fatalf("Post() failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("StatusCode = %d, want 503", resp.StatusCode)
		}
		if st := svc.Status(ctx); !st.HasPendingSyncs || st.IsOnline {
			t.Errorf("status = %+v, want offline with pending syncs", st)
		}
		if len(api.Writes()) != 0 {
			t.Error("write reached the network while offline")
		}
	})

	t.Run("Reconnect", func(t *testing.T) {
		svc.SetOnline(true)
		if !waitFor(t, func() bool { return len(api.Writes()) == 1 }) {
			t.Fatalf("writes = %v, want the queued POST", api.Writes())
		}
		if got := api.Writes()[0]; got != `POST /api/widgets {"name":"x"}` {
			t.Errorf("replayed = %q", got)
		}
		if !waitFor(t, func() bool { n, _ := svc.Queue().Len(ctx); return n == 0 }) {
			t.Error("queue not empty after reconnect")
		}
	})
}

// TestService_QueueForSync verifies value bodies are JSON encoded and replayed by a manual sync.
func TestService_QueueForSync(t *testing.T) {
	api := &upstreamAPI{}
	upstream := httptest.NewServer(api)
	defer upstream.Close()

	svc := openTestService(t, t.TempDir(), upstream)
	ctx := t.Context()

	id, err := svc.QueueForSync(ctx, "/api/routines", http.MethodPut, map[string]int{"reps": 10}, nil)
	if err != nil {
		t.Fatalf("QueueForSync() failed: %v", err)
	}
	items, _ := svc.Queue().Pending(ctx)
	if len(items) != 1 || items[0].ID != id || items[0].Headers["Content-Type"] != "application/json" {
		t.Fatalf("items = %+v", items)
	}

	res := svc.SyncPendingRequests(ctx)
	if res.Succeeded != 1 {
		t.Errorf("SyncPendingRequests() = %+v", res)
	}
	if w := api.Writes(); len(w) != 1 || w[0] != `PUT /api/routines {"reps":10}` {
		t.Errorf("writes = %v", w)
	}

	if _, err := svc.QueueForSync(ctx, "/api/routines", http.MethodPost, func() {}, nil); err == nil {
		t.Error("QueueForSync() with an unencodable body should fail")
	}
}

// TestService_persistsAcrossRestart verifies cache, snapshots and queue survive reopening.
func TestService_persistsAcrossRestart(t *testing.T) {
	upstream := httptest.NewServer(&upstreamAPI{})
	defer upstream.Close()
	dir := t.TempDir()

	svc := openTestService(t, dir, upstream)
	ctx := t.Context()
	svc.CacheData(ctx, "profile", map[string]string{"name": "coach"}, 0)
	if err := svc.SaveOfflineData(ctx, "appState", map[string]int{"tab": 2}); err != nil {
		t.Fatalf("SaveOfflineData() failed: %v", err)
	}
	if _, err := svc.QueueForSync(ctx, "/api/x", http.MethodDelete, nil, nil); err != nil {
		t.Fatalf("QueueForSync() failed: %v", err)
	}
	if svc.Degraded() {
		t.Fatal("service should use the durable store")
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reopened := openTestService(t, dir, upstream)
	var profile map[string]string
	if !reopened.GetCachedData(ctx, "profile", &profile) || profile["name"] != "coach" {
		t.Errorf("cached profile = %v", profile)
	}
	var state map[string]int
	if !reopened.GetOfflineData(ctx, "appState", &state) || state["tab"] != 2 {
		t.Errorf("snapshot = %v", state)
	}
	if n, _ := reopened.Queue().Len(ctx); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

// TestService_appState verifies install and update flags are published to
// subscribers and carried by Status.
func TestService_appState(t *testing.T) {
	upstream := httptest.NewServer(&upstreamAPI{})
	defer upstream.Close()

	svc := openTestService(t, t.TempDir(), upstream)
	updates, unsubscribe := svc.Subscribe()
	defer unsubscribe()
	<-updates

	svc.SetUpdateAvailable(true)
	select {
	case st := <-updates:
		if !st.UpdateAvailable || st.Installable {
			t.Errorf("published status = %+v, want only updateAvailable", st)
		}
	case <-time.After(time.Second):
		t.Fatal("no status published after SetUpdateAvailable")
	}

	svc.SetInstallable(true)
	if st := svc.Status(t.Context()); !st.Installable || !st.UpdateAvailable {
		t.Errorf("Status() = %+v, want installable with update available", st)
	}
}

// TestService_memoryFallback verifies an unusable data directory degrades to memory.
func TestService_memoryFallback(t *testing.T) {
	upstream := httptest.NewServer(&upstreamAPI{})
	defer upstream.Close()

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	svc := openTestService(t, filepath.Join(blocker, "data"), upstream)
	if !svc.Degraded() {
		t.Fatal("Degraded() = false, want true")
	}

	ctx := t.Context()
	svc.CacheData(ctx, "k", 1, 0)
	var v int
	if !svc.GetCachedData(ctx, "k", &v) || v != 1 {
		t.Errorf("memory store cache = %d", v)
	}
}

// TestOptionsFromConfig verifies the mapping from configuration.
func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.API.BaseURL = "https://api.example.com"
	cfg.Sync.MaxRetries = 4

	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		t.Fatalf("OptionsFromConfig() failed: %v", err)
	}
	if opts.APIBase.Host != "api.example.com" || opts.MaxRetries != 4 || opts.CacheTTL != 24*time.Hour {
		t.Errorf("opts = %+v", opts)
	}
	if opts.Scheduler.SyncInterval != 5*time.Second || opts.Scheduler.SettleDelay != time.Second {
		t.Errorf("scheduler = %+v", opts.Scheduler)
	}

	cfg.API.BaseURL = "not a url"
	if _, err := OptionsFromConfig(cfg); err == nil {
		t.Error("OptionsFromConfig() should reject an invalid base URL")
	}
}
