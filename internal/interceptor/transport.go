// Package interceptor implements the request policy every outgoing API
// call passes through. Online requests go to the network and successful
// responses are mirrored into the cache; when the network is unreachable
// the cache answers, and mutating requests without a cached answer are
// queued for replay.
package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/cache"
	apperrors "github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/errors"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/logging"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/models"
)

const (
	// HeaderCache marks responses synthesized by the policy.
	HeaderCache = "X-Offline-Cache"
	// HeaderStoredAt carries the time a cached response was stored.
	HeaderStoredAt = "X-Offline-Stored-At"

	// StatusFromCache is the status line of responses served from cache.
	StatusFromCache = "200 OK (from cache)"

	offlineMessage = "Offline - no cached data available"
)

// Cache is the part of the cache manager the policy needs.
type Cache interface {
	Lookup(ctx context.Context, key string) (*models.CacheEntry, bool)
	CacheResponse(ctx context.Context, key string, body []byte, contentType string, ttl time.Duration)
}

// Enqueuer is the part of the sync queue the policy needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, rawURL, method string, body []byte, headers map[string]string) (models.UUID, error)
}

// OfflineBody is the JSON body of the synthesized 503 response.
type OfflineBody struct {
	Message string      `json:"message"`
	Offline bool        `json:"offline"`
	Queued  bool        `json:"queued"`
	SyncID  models.UUID `json:"syncId,omitempty"`
}

// Transport is an http.RoundTripper applying the offline policy.
type Transport struct {
	next   http.RoundTripper
	cache  Cache
	queue  Enqueuer
	online func() bool

	apiBase    *url.URL
	pathPrefix string
	token      string
	ttl        time.Duration
	log        *logging.Logger

	group singleflight.Group
}

// Option configures a Transport.
type Option func(*Transport)

// WithAPI restricts the policy to requests for base's host whose path
// starts with prefix. Other requests pass through untouched. A nil base
// matches any host.
func WithAPI(base *url.URL, prefix string) Option {
	return func(t *Transport) {
		t.apiBase = base
		t.pathPrefix = prefix
	}
}

// WithToken attaches "Authorization: Bearer <token>" to API requests that
// carry no credentials of their own.
func WithToken(token string) Option {
	return func(t *Transport) { t.token = token }
}

// WithCacheTTL sets the lifetime of mirrored responses.
func WithCacheTTL(ttl time.Duration) Option {
	return func(t *Transport) { t.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// New creates a Transport sending network requests through next
// (http.DefaultTransport when nil).
func New(next http.RoundTripper, c Cache, q Enqueuer, online func() bool, opts ...Option) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	t := &Transport{
		next:   next,
		cache:  c,
		queue:  q,
		online: online,
		ttl:    cache.DefaultResponseTTL,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = logging.Get()
	}
	return t
}

// IsAPIRequest reports whether req is subject to the policy.
func (t *Transport) IsAPIRequest(req *http.Request) bool {
	if t.apiBase != nil && req.URL.Host != "" && !strings.EqualFold(req.URL.Host, t.apiBase.Host) {
		return false
	}
	return strings.HasPrefix(req.URL.Path, t.pathPrefix)
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.IsAPIRequest(req) {
		return t.next.RoundTrip(req)
	}

	req, body, err := t.prepare(req)
	if err != nil {
		return nil, err
	}
	key := cache.Key(req.Method, req.URL)

	if !t.online() {
		return t.cacheOrQueue(req, key, body), nil
	}

	resp, err := t.forward(req, key)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, err
		}
		t.log.WarnWithCode("interceptor: network failure, falling back", string(apperrors.ErrNetworkFailure), err, map[string]interface{}{"key": key})
		return t.cacheOrQueue(req, key, body), nil
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return t.mirror(req, key, resp)
	}

	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		if entry, ok := t.cache.Lookup(context.WithoutCancel(req.Context()), key); ok {
			t.log.Debug("interceptor: upstream error, serving cache", map[string]interface{}{
				"key":    key,
				"status": resp.StatusCode,
			})
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return fromCache(req, entry), nil
		}
	}
	return resp, nil
}

// prepare clones req with credentials attached and its body buffered so
// it can be both sent and queued.
func (t *Transport) prepare(req *http.Request) (*http.Request, []byte, error) {
	out := req.Clone(req.Context())

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to read request body", err)
		}
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		out.ContentLength = int64(len(body))
	}

	if t.token != "" && out.Header.Get("Authorization") == "" {
		out.Header.Set("Authorization", "Bearer "+t.token)
	}
	// Bodies are mirrored and replayed as plain bytes, so let the
	// transport negotiate and undo compression itself.
	out.Header.Del("Accept-Encoding")
	return out, body, nil
}

// captured is a fully read upstream response shared by coalesced callers.
type captured struct {
	status     string
	statusCode int
	header     http.Header
	body       []byte
}

func (c *captured) response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        c.status,
		StatusCode:    c.statusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        c.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(c.body)),
		ContentLength: int64(len(c.body)),
		Request:       req,
	}
}

// forward sends req to the network. Concurrent identical GETs from the
// same credentials share one upstream round trip.
func (t *Transport) forward(req *http.Request, key string) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.next.RoundTrip(req)
	}

	v, err, _ := t.group.Do(coalesceKey(req, key), func() (interface{}, error) {
		resp, err := t.next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &captured{
			status:     resp.Status,
			statusCode: resp.StatusCode,
			header:     resp.Header,
			body:       body,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*captured).response(req), nil
}

// coalesceKey identifies the callers that may share a response: the same
// request key sent with the same credentials.
func coalesceKey(req *http.Request, key string) string {
	return strings.Join([]string{
		key,
		req.Header.Get("Authorization"),
		strings.Join(req.Header.Values("Cookie"), "; "),
	}, "\x00")
}

// mirror stores a successful response body in the cache and returns an
// equivalent response to the caller. Cache failures never reach the caller.
func (t *Transport) mirror(req *http.Request, key string, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		if req.Context().Err() != nil {
			return nil, err
		}
		t.log.WarnWithCode("interceptor: response body lost, falling back", string(apperrors.ErrNetworkFailure), err, map[string]interface{}{"key": key})
		return t.cacheOrQueue(req, key, nil), nil
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	// the write completes even if the caller has gone away
	t.cache.CacheResponse(context.WithoutCancel(req.Context()), key, body, resp.Header.Get("Content-Type"), t.ttl)
	return resp, nil
}

// cacheOrQueue answers from cache, or queues a mutating request and
// answers with the offline error.
func (t *Transport) cacheOrQueue(req *http.Request, key string, body []byte) *http.Response {
	ctx := context.WithoutCancel(req.Context())

	if entry, ok := t.cache.Lookup(ctx, key); ok {
		return fromCache(req, entry)
	}

	result := OfflineBody{Message: offlineMessage, Offline: true}
	if models.IsMutatingMethod(req.Method) {
		id, err := t.queue.Enqueue(ctx, req.URL.String(), req.Method, body, flattenHeaders(req.Header))
		if err != nil {
			t.log.Absorbed("interceptor: request could not be queued", err, map[string]interface{}{"key": key})
		} else {
			result.Queued = true
			result.SyncID = id
		}
	}
	return offlineResponse(req, result)
}

// fromCache synthesizes a 200 response from a cache entry.
func fromCache(req *http.Request, entry *models.CacheEntry) *http.Response {
	body := cache.Body(entry)

	header := make(http.Header)
	header.Set("Content-Type", cache.ContentType(entry))
	header.Set(HeaderCache, "HIT")
	header.Set(HeaderStoredAt, entry.StoredAtTime().UTC().Format(http.TimeFormat))

	resp := &http.Response{
		Status:        StatusFromCache,
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
	if req.Method == http.MethodHead {
		resp.Body = http.NoBody
	}
	return resp
}

// offlineResponse synthesizes the 503 offline error.
func offlineResponse(req *http.Request, result OfflineBody) *http.Response {
	body, _ := json.Marshal(result)

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set(HeaderCache, "MISS")

	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// flattenHeaders keeps the first value of each replayable header.
func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 || isHopHeader(k) {
			continue
		}
		out[k] = v[0]
	}
	return out
}

func isHopHeader(k string) bool {
	switch http.CanonicalHeaderKey(k) {
	case "Connection", "Content-Length", "Keep-Alive", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}
