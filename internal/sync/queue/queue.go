// Package queue provides the durable queue of mutating requests that could
// not be delivered, and the drain algorithm that replays them.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/db"
	apperrors "github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/errors"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/logging"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/models"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/uuid"
)

// DefaultMaxRetries is the number of failed replays after which an item is
// dropped.
const DefaultMaxRetries = 3

// ReplayTimeout bounds a single replay, which is not cut short when the
// drain's context is cancelled.
const ReplayTimeout = 30 * time.Second

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Retried   int  `json:"retried"`
	Dropped   int  `json:"dropped"`
	Skipped   bool `json:"skipped"` // another drain was in progress, or offline
}

// Queue stores PendingSyncItem records in the pending_sync partition.
type Queue struct {
	store      db.Store
	client     Doer
	online     func() bool
	baseURL    *url.URL
	maxRetries int
	now        func() time.Time
	log        *logging.Logger

	onReplay func(item models.PendingSyncItem)
	onDrop   func(item models.PendingSyncItem, err error)

	// at most one drain runs at a time
	draining atomic.Bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithClient sets the network client used for replay. It must reach the
// real network, not the request policy.
func WithClient(c Doer) Option {
	return func(q *Queue) { q.client = c }
}

// WithOnline sets the connectivity predicate consulted by Drain.
func WithOnline(online func() bool) Option {
	return func(q *Queue) { q.online = online }
}

// WithBaseURL resolves relative item URLs against base.
func WithBaseURL(base *url.URL) Option {
	return func(q *Queue) { q.baseURL = base }
}

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// OnReplay registers a callback for items delivered by a drain.
func OnReplay(fn func(item models.PendingSyncItem)) Option {
	return func(q *Queue) { q.onReplay = fn }
}

// OnDrop registers a callback for items dropped after MaxRetries failures.
func OnDrop(fn func(item models.PendingSyncItem, err error)) Option {
	return func(q *Queue) { q.onDrop = fn }
}

// New creates a Queue over store.
func New(store db.Store, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		client:     http.DefaultClient,
		online:     func() bool { return true },
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.log == nil {
		q.log = logging.Get()
	}
	return q
}

// MaxRetries returns the configured retry limit.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue persists a mutating request for later replay and returns its id.
// Only POST, PUT, PATCH and DELETE may be queued.
func (q *Queue) Enqueue(ctx context.Context, rawURL, method string, body []byte, headers map[string]string) (models.UUID, error) {
	if !models.IsMutatingMethod(method) {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("method %q cannot be queued", method))
	}
	if rawURL == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "url is required")
	}

	item := models.PendingSyncItem{
		ID:         models.UUID(uuid.New()),
		URL:        rawURL,
		Method:     strings.ToUpper(method),
		Body:       body,
		Headers:    headers,
		EnqueuedAt: q.now().UnixMilli(),
	}
	if err := q.save(ctx, &item); err != nil {
		return "", err
	}

	q.log.Info("queue: request queued", map[string]interface{}{
		"id":     item.ID.String(),
		"method": item.Method,
		"url":    item.URL,
	})
	return item.ID, nil
}

func (q *Queue) save(ctx context.Context, item *models.PendingSyncItem) error {
	value, err := json.Marshal(item)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrEncoding, "failed to encode queue item", err)
	}
	return q.store.Put(ctx, db.PartitionPendingSync, item.ID.String(), value)
}

// Pending returns the queued items in insertion order. Undecodable records
// are skipped.
func (q *Queue) Pending(ctx context.Context) ([]models.PendingSyncItem, error) {
	records, err := q.store.GetAll(ctx, db.PartitionPendingSync)
	if err != nil {
		return nil, err
	}

	items := make([]models.PendingSyncItem, 0, len(records))
	for _, r := range records {
		var item models.PendingSyncItem
		if err := json.Unmarshal(r.Value, &item); err != nil {
			q.log.WarnWithCode("queue: corrupt item skipped", string(apperrors.ErrEncoding), err, map[string]interface{}{"id": r.Key})
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Len returns the number of queued items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	records, err := q.store.GetAll(ctx, db.PartitionPendingSync)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Remove deletes a queued item without replaying it.
func (q *Queue) Remove(ctx context.Context, id models.UUID) error {
	return q.store.Delete(ctx, db.PartitionPendingSync, id.String())
}

// Clear deletes every queued item.
func (q *Queue) Clear(ctx context.Context) error {
	return q.store.Clear(ctx, db.PartitionPendingSync)
}

// IsDraining reports whether a drain is in progress.
func (q *Queue) IsDraining() bool {
	return q.draining.Load()
}

// Drain replays every queued item once. Delivered items are removed; failed
// items have their retry count incremented and are dropped once it reaches
// MaxRetries. A call made while another drain is running, or while offline,
// returns at once with Skipped set.
//
// Network errors and non-2xx statuses are both treated as retryable.
// Cancelling ctx stops the drain before the next item; the item in flight
// is settled first and its retry count is untouched by the cancellation.
func (q *Queue) Drain(ctx context.Context) DrainResult {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true}
	}
	defer q.draining.Store(false)

	if !q.online() {
		return DrainResult{Skipped: true}
	}

	items, err := q.Pending(ctx)
	if err != nil {
		q.log.Absorbed("queue: failed to load pending items", err)
		return DrainResult{}
	}

	var res DrainResult
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++
		q.settle(ctx, &item, &res)
	}

	if res.Attempted > 0 {
		q.log.Info("queue: drain finished", map[string]interface{}{
			"attempted": res.Attempted,
			"succeeded": res.Succeeded,
			"retried":   res.Retried,
			"dropped":   res.Dropped,
		})
	}
	return res
}

// settle replays one item and records the outcome. Once started, the replay
// and its bookkeeping run to completion even if ctx is cancelled; only
// ReplayTimeout bounds them.
func (q *Queue) settle(ctx context.Context, item *models.PendingSyncItem, res *DrainResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ReplayTimeout)
	defer cancel()

	replayErr := q.replay(ctx, item)
	if replayErr == nil {
		if err := q.Remove(ctx, item.ID); err != nil {
			q.log.Absorbed("queue: delivered item not removed", err, map[string]interface{}{"id": item.ID.String()})
		}
		res.Succeeded++
		if q.onReplay != nil {
			q.onReplay(*item)
		}
		return
	}

	item.Retries++
	item.LastError = replayErr.Error()
	if item.Retries >= q.maxRetries {
		if err := q.Remove(ctx, item.ID); err != nil {
			q.log.Absorbed("queue: dropped item not removed", err, map[string]interface{}{"id": item.ID.String()})
		}
		res.Dropped++
		dropErr := apperrors.Wrap(apperrors.ErrMaxRetriesExceeded,
			fmt.Sprintf("%s %s dropped after %d attempts", item.Method, item.URL, item.Retries), replayErr)
		q.log.ErrorWithCode("queue: giving up on request", string(apperrors.ErrMaxRetriesExceeded), replayErr, map[string]interface{}{
			"id":      item.ID.String(),
			"method":  item.Method,
			"url":     item.URL,
			"retries": item.Retries,
		})
		if q.onDrop != nil {
			q.onDrop(*item, dropErr)
		}
		return
	}

	if err := q.save(ctx, item); err != nil {
		q.log.Absorbed("queue: retry count not persisted", err, map[string]interface{}{"id": item.ID.String()})
	}
	res.Retried++
	q.log.Warn("queue: replay failed, will retry", map[string]interface{}{
		"id":      item.ID.String(),
		"retries": item.Retries,
		"error":   replayErr.Error(),
	})
}

// replay sends item through the real network client.
func (q *Queue) replay(ctx context.Context, item *models.PendingSyncItem) error {
	target, err := q.resolve(item.URL)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "bad queued url", err)
	}

	var body io.Reader
	if len(item.Body) > 0 {
		body = bytes.NewReader(item.Body)
	}
	req, err := http.NewRequestWithContext(ctx, item.Method, target, body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "bad queued request", err)
	}
	for k, v := range item.Headers {
		req.Header.Set(k, v)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetworkFailure, "replay failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.New(apperrors.ErrUpstream, fmt.Sprintf("replay returned %s", resp.Status))
	}
	return nil
}

func (q *Queue) resolve(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.IsAbs() || q.baseURL == nil {
		return u.String(), nil
	}
	return q.baseURL.ResolveReference(u).String(), nil
}
