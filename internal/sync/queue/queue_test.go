// Package queue provides unit tests for the sync queue.
package queue

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/db"
	apperrors "github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/errors"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/logging"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/models"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/uuid"
)

// recorder is an upstream that records replayed requests and fails the
// paths listed in failPaths.
type recorder struct {
	mu        sync.Mutex
	calls     []string
	bodies    []string
	headers   []http.Header
	failPaths map[string]int // path -> status
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.calls = append(r.calls, req.Method+" "+req.URL.Path)
	r.bodies = append(r.bodies, string(body))
	r.headers = append(r.headers, req.Header.Clone())
	status, fail := r.failPaths[req.URL.Path]
	r.mu.Unlock()

	if fail {
		w.WriteHeader(status)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (r *recorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestQueue(t *testing.T, upstream http.Handler, opts ...Option) (*Queue, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	store := db.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	base, _ := url.Parse(srv.URL)
	all := append([]Option{
		WithClient(srv.Client()),
		WithBaseURL(base),
		WithLogger(logging.New(io.Discard, logging.LevelError)),
	}, opts...)
	return New(store, all...), srv
}

// =====================================================
// Enqueue
// =====================================================

// TestEnqueue verifies the persisted item.
func TestEnqueue(t *testing.T) {
	q, _ := newTestQueue(t, &recorder{})
	ctx := t.Context()

	id, err := q.Enqueue(ctx, "/api/widgets", "post", []byte(`{"name":"x"}`), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if !uuid.IsValid(id.String()) {
		t.Errorf("id %q is not a UUID", id)
	}

	items, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Pending() returned %d items, want 1", len(items))
	}

	item := items[0]
	if item.ID != id || item.Method != http.MethodPost || item.URL != "/api/widgets" {
		t.Errorf("item = %+v", item)
	}
	if string(item.Body) != `{"name":"x"}` {
		t.Errorf("Body = %s", item.Body)
	}
	if item.Retries != 0 {
		t.Errorf("Retries = %d, want 0", item.Retries)
	}
	if item.Headers["Content-Type"] != "application/json" {
		t.Errorf("Headers = %v", item.Headers)
	}
}

// TestEnqueue_rejectsReads verifies GET and HEAD are never queued.
func TestEnqueue_rejectsReads(t *testing.T) {
	q, _ := newTestQueue(t, &recorder{})
	ctx := t.Context()

	for _, m := range []string{http.MethodGet, http.MethodHead} {
		if _, err := q.Enqueue(ctx, "/api/widgets", m, nil, nil); !apperrors.Is(err, apperrors.ErrInvalid) {
			t.Errorf("Enqueue(%s) error = %v, want INVALID_INPUT", m, err)
		}
	}
	if _, err := q.Enqueue(ctx, "", http.MethodPost, nil, nil); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Enqueue(empty url) error = %v, want INVALID_INPUT", err)
	}

	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

// TestEnqueue_uniqueOrderedIDs verifies ids are distinct and queue order is insertion order.
func TestEnqueue_uniqueOrderedIDs(t *testing.T) {
	q, _ := newTestQueue(t, &recorder{})
	ctx := t.Context()

	var ids []models.UUID
	for i := 0; i < 50; i++ {
		id, err := q.Enqueue(ctx, "/api/w", http.MethodPut, nil, nil)
		if err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		ids = append(ids, id)
	}

	items, _ := q.Pending(ctx)
	seen := make(map[models.UUID]bool)
	for i, item := range items {
		if seen[item.ID] {
			t.Fatalf("duplicate id %s", item.ID)
		}
		seen[item.ID] = true
		if item.ID != ids[i] {
			t.Errorf("items[%d] = %s, want %s", i, item.ID, ids[i])
		}
	}
}

// =====================================================
// Drain
// =====================================================

// TestDrain_allSucceed verifies the queue empties when every replay succeeds.
func TestDrain_allSucceed(t *testing.T) {
	up := &recorder{}
	var replayed []models.UUID
	q, _ := newTestQueue(t, up, OnReplay(func(item models.PendingSyncItem) {
		replayed = append(replayed, item.ID)
	}))
	ctx := t.Context()

	for _, p := range []string{"/api/a", "/api/b", "/api/c"} {
		q.Enqueue(ctx, p, http.MethodPost, []byte(`{"p":"`+p+`"}`), map[string]string{"X-Trace": "1"})
	}

	res := q.Drain(ctx)
	if res.Attempted != 3 || res.Succeeded != 3 || res.Skipped {
		t.Errorf("Drain() = %+v, want 3 attempted and succeeded", res)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
	if len(replayed) != 3 {
		t.Errorf("OnReplay called %d times, want 3", len(replayed))
	}

	want := []string{"POST /api/a", "POST /api/b", "POST /api/c"}
	for i, call := range up.calls {
		if call != want[i] {
			t.Errorf("call %d = %q, want %q", i, call, want[i])
		}
	}
	if up.bodies[1] != `{"p":"/api/b"}` {
		t.Errorf("replayed body = %s", up.bodies[1])
	}
	if up.headers[0].Get("X-Trace") != "1" {
		t.Error("queued headers were not replayed")
	}
}

// TestDrain_partialFailure verifies one failure does not block the others.
func TestDrain_partialFailure(t *testing.T) {
	up := &recorder{failPaths: map[string]int{"/api/2": http.StatusInternalServerError}}
	q, _ := newTestQueue(t, up)
	ctx := t.Context()

	q.Enqueue(ctx, "/api/1", http.MethodPost, nil, nil)
	failing, _ := q.Enqueue(ctx, "/api/2", http.MethodPatch, nil, nil)
	q.Enqueue(ctx, "/api/3", http.MethodDelete, nil, nil)

	res := q.Drain(ctx)
	if res.Succeeded != 2 || res.Retried != 1 || res.Dropped != 0 {
		t.Errorf("Drain() = %+v, want 2 succeeded and 1 retried", res)
	}

	items, _ := q.Pending(ctx)
	if len(items) != 1 {
		t.Fatalf("Pending() returned %d items, want 1", len(items))
	}
	if items[0].ID != failing || items[0].Retries != 1 {
		t.Errorf("remaining item = %+v, want %s with retries=1", items[0], failing)
	}
	if !strings.Contains(items[0].LastError, "500") {
		t.Errorf("LastError = %q, want mention of 500", items[0].LastError)
	}
}

// TestDrain_clientErrorsAreRetried verifies 4xx responses count as failed deliveries.
func TestDrain_clientErrorsAreRetried(t *testing.T) {
	up := &recorder{failPaths: map[string]int{"/api/x": http.StatusBadRequest}}
	q, _ := newTestQueue(t, up)
	ctx := t.Context()

	q.Enqueue(ctx, "/api/x", http.MethodPost, nil, nil)
	res := q.Drain(ctx)
	if res.Retried != 1 {
		t.Errorf("Drain() = %+v, want 1 retried", res)
	}
}

// TestDrain_maxRetriesEviction verifies the item is dropped on the third failure.
func TestDrain_maxRetriesEviction(t *testing.T) {
	up := &recorder{failPaths: map[string]int{"/api/x": http.StatusServiceUnavailable}}
	var dropErr error
	q, _ := newTestQueue(t, up, OnDrop(func(_ models.PendingSyncItem, err error) { dropErr = err }))
	ctx := t.Context()

	q.Enqueue(ctx, "/api/x", http.MethodPost, nil, nil)

	for i := 1; i <= 2; i++ {
		q.Drain(ctx)
		items, _ := q.Pending(ctx)
		if len(items) != 1 || items[0].Retries != i {
			t.Fatalf("after drain %d: items = %+v, want one with retries=%d", i, items, i)
		}
	}

	res := q.Drain(ctx)
	if res.Dropped != 1 {
		t.Errorf("third Drain() = %+v, want 1 dropped", res)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len() = %d after third failure, want 0", n)
	}
	if !apperrors.Is(dropErr, apperrors.ErrMaxRetriesExceeded) {
		t.Errorf("OnDrop error = %v, want MAX_RETRIES_EXCEEDED", dropErr)
	}

	res = q.Drain(ctx)
	if res.Attempted != 0 {
		t.Errorf("fourth Drain() attempted %d, want 0", res.Attempted)
	}
	if got := up.callCount(); got != 3 {
		t.Errorf("upstream calls = %d, want 3", got)
	}
}

// TestDrain_cancelledCallerDoesNotCountAsFailure verifies a drain whose
// context expires mid-replay lets the replay finish instead of charging it
// a retry.
func TestDrain_cancelledCallerDoesNotCountAsFailure(t *testing.T) {
	up := &recorder{}
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		up.ServeHTTP(w, r)
	})
	var dropped atomic.Int32
	q, _ := newTestQueue(t, slow, OnDrop(func(models.PendingSyncItem, error) { dropped.Add(1) }))

	q.Enqueue(t.Context(), "/api/a", http.MethodPost, []byte(`{"n":1}`), nil)
	q.Enqueue(t.Context(), "/api/b", http.MethodPost, []byte(`{"n":2}`), nil)

	var total DrainResult
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		res := q.Drain(ctx)
		cancel()

		if res.Attempted > 1 {
			t.Errorf("drain %d attempted %d items after its context expired", i+1, res.Attempted)
		}
		total.Succeeded += res.Succeeded
		total.Retried += res.Retried
		total.Dropped += res.Dropped
	}

	if total.Succeeded != 2 || total.Retried != 0 || total.Dropped != 0 {
		t.Errorf("drains = %+v, want 2 succeeded and nothing retried or dropped", total)
	}
	if dropped.Load() != 0 {
		t.Errorf("OnDrop called %d times", dropped.Load())
	}
	if got := up.callCount(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
	if n, _ := q.Len(t.Context()); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

// TestDrain_networkError verifies unreachable upstreams count as failures.
func TestDrain_networkError(t *testing.T) {
	q, srv := newTestQueue(t, &recorder{})
	ctx := t.Context()
	srv.Close()

	q.Enqueue(ctx, "/api/x", http.MethodPost, nil, nil)
	res := q.Drain(ctx)
	if res.Retried != 1 {
		t.Errorf("Drain() = %+v, want 1 retried", res)
	}

	items, _ := q.Pending(ctx)
	if len(items) != 1 || items[0].Retries != 1 {
		t.Errorf("items = %+v", items)
	}
}

// TestDrain_offline verifies no side effects while offline.
func TestDrain_offline(t *testing.T) {
	up := &recorder{}
	q, _ := newTestQueue(t, up, WithOnline(func() bool { return false }))
	ctx := t.Context()

	q.Enqueue(ctx, "/api/x", http.MethodPost, nil, nil)
	res := q.Drain(ctx)
	if !res.Skipped || res.Attempted != 0 {
		t.Errorf("Drain() = %+v, want skipped", res)
	}
	if up.callCount() != 0 {
		t.Error("no request should be sent while offline")
	}
	if q.IsDraining() {
		t.Error("guard must be released after an offline return")
	}
}

// TestDrain_singleFlight verifies a concurrent drain is a no-op.
func TestDrain_singleFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	var once sync.Once
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		once.Do(func() { close(entered) })
		<-release
		w.WriteHeader(http.StatusOK)
	})
	q, _ := newTestQueue(t, upstream)
	ctx := t.Context()
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	q.Enqueue(ctx, "/api/a", http.MethodPost, nil, nil)
	q.Enqueue(ctx, "/api/b", http.MethodPost, nil, nil)

	done := make(chan DrainResult)
	go func() { done <- q.Drain(ctx) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first drain never reached the network")
	}

	second := q.Drain(ctx)
	if !second.Skipped || second.Attempted != 0 {
		t.Errorf("concurrent Drain() = %+v, want skipped", second)
	}

	unblock()
	first := <-done
	if first.Succeeded != 2 {
		t.Errorf("first Drain() = %+v, want 2 succeeded", first)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("network calls = %d, want 2 (one pass)", got)
	}
	if q.IsDraining() {
		t.Error("guard must be released after drain")
	}
}

// TestDrain_absoluteURL verifies absolute item URLs ignore the base URL.
func TestDrain_absoluteURL(t *testing.T) {
	up := &recorder{}
	other := httptest.NewServer(up)
	defer other.Close()

	q, _ := newTestQueue(t, http.NotFoundHandler())
	ctx := t.Context()

	q.Enqueue(ctx, other.URL+"/api/abs", http.MethodPut, nil, nil)
	res := q.Drain(ctx)
	if res.Succeeded != 1 {
		t.Errorf("Drain() = %+v, want 1 succeeded", res)
	}
	if up.callCount() != 1 || up.calls[0] != "PUT /api/abs" {
		t.Errorf("calls = %v", up.calls)
	}
}

// TestRemoveAndClear verifies manual queue management.
func TestRemoveAndClear(t *testing.T) {
	q, _ := newTestQueue(t, &recorder{})
	ctx := t.Context()

	a, _ := q.Enqueue(ctx, "/api/a", http.MethodPost, nil, nil)
	q.Enqueue(ctx, "/api/b", http.MethodPost, nil, nil)
	q.Enqueue(ctx, "/api/c", http.MethodPost, nil, nil)

	if err := q.Remove(ctx, a); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if n, _ := q.Len(ctx); n != 2 {
		t.Errorf("Len() = %d, want 2", n)
	}
	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

// TestWithMaxRetries verifies the override and that non-positive values are ignored.
func TestWithMaxRetries(t *testing.T) {
	store := db.NewMemoryStore()
	defer store.Close()

	if got := New(store, WithMaxRetries(5)).MaxRetries(); got != 5 {
		t.Errorf("MaxRetries() = %d, want 5", got)
	}
	if got := New(store, WithMaxRetries(0)).MaxRetries(); got != DefaultMaxRetries {
		t.Errorf("MaxRetries() = %d, want %d", got, DefaultMaxRetries)
	}
}
