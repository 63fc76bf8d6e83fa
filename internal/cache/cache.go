// Package cache provides the freshness-aware view over the store's cache
// partition, plus the snapshot API over the offline_data partition.
//
// Cache operations are best-effort: storage and encoding failures are
// logged and reported as a miss, never returned to the caller.
package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/db"
	apperrors "github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/errors"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/logging"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/models"
)

// DefaultResponseTTL is how long mirrored API responses stay fresh.
const DefaultResponseTTL = 24 * time.Hour

// Body encodings recorded on response entries.
const (
	encodingJSON   = "json"
	encodingText   = "text"
	encodingBase64 = "base64"
)

type options struct {
	now func() time.Time
	log *logging.Logger
}

// Option configures a Manager or Snapshots.
type Option func(*options)

// WithClock replaces time.Now, mainly for TTL tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for swallowed errors.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.Get()
	}
	return o
}

// Key derives the cache key of a request: method, path and raw query.
// The query is part of the identity and is not normalized.
func Key(method string, u *url.URL) string {
	key := strings.ToUpper(method) + ":" + u.EscapedPath()
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

// Manager stores and retrieves CacheEntry records.
type Manager struct {
	store db.Store
	options
}

// New creates a Manager over store.
func New(store db.Store, opts ...Option) *Manager {
	return &Manager{store: store, options: buildOptions(opts)}
}

// CacheData stores data under key. A ttl of zero or less means the entry
// never expires by time. Failures are logged and swallowed.
func (m *Manager) CacheData(ctx context.Context, key string, data interface{}, ttl time.Duration) {
	raw, err := json.Marshal(data)
	if err != nil {
		m.log.WarnWithCode("cache: failed to encode value", string(apperrors.ErrEncoding), err, map[string]interface{}{"key": key})
		return
	}
	m.put(ctx, &models.CacheEntry{Key: key, Data: raw}, ttl)
}

// CacheResponse stores a raw HTTP response body under key. JSON bodies are
// kept as JSON values, text bodies as JSON strings, anything else as base64.
// A missing content type is sniffed from the body.
func (m *Manager) CacheResponse(ctx context.Context, key string, body []byte, contentType string, ttl time.Duration) {
	if contentType == "" {
		contentType = mimetype.Detect(body).String()
	}

	entry := &models.CacheEntry{Key: key, ContentType: contentType}
	switch {
	case isJSON(contentType) && json.Valid(body):
		entry.Data = append(json.RawMessage(nil), body...)
		entry.Encoding = encodingJSON
	case utf8.Valid(body):
		entry.Data, _ = json.Marshal(string(body))
		entry.Encoding = encodingText
	default:
		entry.Data, _ = json.Marshal(base64.StdEncoding.EncodeToString(body))
		entry.Encoding = encodingBase64
	}
	m.put(ctx, entry, ttl)
}

func (m *Manager) put(ctx context.Context, entry *models.CacheEntry, ttl time.Duration) {
	now := m.now()
	entry.StoredAt = now.UnixMilli()
	if ttl > 0 {
		expires := now.Add(ttl).UnixMilli()
		entry.ExpiresAt = &expires
	}

	value, err := json.Marshal(entry)
	if err != nil {
		m.log.WarnWithCode("cache: failed to encode entry", string(apperrors.ErrEncoding), err, map[string]interface{}{"key": entry.Key})
		return
	}
	if err := m.store.Put(ctx, db.PartitionCache, entry.Key, value); err != nil {
		m.log.Absorbed("cache: write failed", err, map[string]interface{}{"key": entry.Key})
	}
}

// Lookup returns the fresh entry for key. An expired entry is deleted and
// reported as a miss.
func (m *Manager) Lookup(ctx context.Context, key string) (*models.CacheEntry, bool) {
	value, found, err := m.store.Get(ctx, db.PartitionCache, key)
	if err != nil {
		m.log.Absorbed("cache: read failed", err, map[string]interface{}{"key": key})
		return nil, false
	}
	if !found {
		return nil, false
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		m.log.WarnWithCode("cache: corrupt entry dropped", string(apperrors.ErrEncoding), err, map[string]interface{}{"key": key})
		m.evict(ctx, key)
		return nil, false
	}
	if entry.IsExpired(m.now()) {
		m.evict(ctx, key)
		return nil, false
	}
	return &entry, true
}

// GetCachedData decodes the fresh value for key into out and reports
// whether it was found.
func (m *Manager) GetCachedData(ctx context.Context, key string, out interface{}) bool {
	entry, ok := m.Lookup(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(entry.Data, out); err != nil {
		m.log.WarnWithCode("cache: value does not fit destination", string(apperrors.ErrEncoding), err, map[string]interface{}{"key": key})
		return false
	}
	return true
}

func (m *Manager) evict(ctx context.Context, key string) {
	if err := m.store.Delete(ctx, db.PartitionCache, key); err != nil {
		m.log.Absorbed("cache: evict failed", err, map[string]interface{}{"key": key})
	}
}

// RemoveCachedData evicts key.
func (m *Manager) RemoveCachedData(ctx context.Context, key string) error {
	return m.store.Delete(ctx, db.PartitionCache, key)
}

// ClearCache evicts every entry.
func (m *Manager) ClearCache(ctx context.Context) error {
	return m.store.Clear(ctx, db.PartitionCache)
}

// Entries returns every stored entry, expired ones included, in insertion order.
func (m *Manager) Entries(ctx context.Context) ([]models.CacheEntry, error) {
	records, err := m.store.GetAll(ctx, db.PartitionCache)
	if err != nil {
		return nil, err
	}
	entries := make([]models.CacheEntry, 0, len(records))
	for _, r := range records {
		var entry models.CacheEntry
		if err := json.Unmarshal(r.Value, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Keys enumerates the stored keys in insertion order.
func (m *Manager) Keys(ctx context.Context) ([]string, error) {
	records, err := m.store.GetAll(ctx, db.PartitionCache)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key
	}
	return keys, nil
}

// Purge deletes every expired or unreadable entry and returns how many
// were removed.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	records, err := m.store.GetAll(ctx, db.PartitionCache)
	if err != nil {
		return 0, err
	}

	now := m.now()
	removed := 0
	for _, r := range records {
		var entry models.CacheEntry
		if err := json.Unmarshal(r.Value, &entry); err == nil && !entry.IsExpired(now) {
			continue
		}
		if err := m.store.Delete(ctx, db.PartitionCache, r.Key); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		m.log.Debug("cache: purged expired entries", map[string]interface{}{"count": removed})
	}
	return removed, nil
}

// Body returns the response body an entry was cached from. The recorded
// encoding decides the decoding, not the content type; entries written by
// CacheData carry none and are returned as JSON.
func Body(entry *models.CacheEntry) []byte {
	switch entry.Encoding {
	case encodingText, encodingBase64:
	default:
		return entry.Data
	}

	var s string
	if err := json.Unmarshal(entry.Data, &s); err != nil {
		return entry.Data
	}
	if entry.Encoding == encodingBase64 {
		if b, err := base64.StdEncoding.DecodeString(s); err == nil {
			return b
		}
	}
	return []byte(s)
}

// ContentType returns the content type to replay an entry with.
func ContentType(entry *models.CacheEntry) string {
	if entry.ContentType == "" {
		return "application/json"
	}
	return entry.ContentType
}

func isJSON(contentType string) bool {
	mt := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
