// Package models provides the persisted record types of the offline layer.
package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is a cached API response (or application value) keyed by its
// derived request key.
type CacheEntry struct {
	Key         string          `json:"key"`
	Data        json.RawMessage `json:"data"`
	ContentType string          `json:"contentType,omitempty"`
	Encoding    string          `json:"encoding,omitempty"`  // "json", "text" or "base64"; empty for CacheData values
	StoredAt    int64           `json:"storedAt"`            // ms since epoch
	ExpiresAt   *int64          `json:"expiresAt,omitempty"` // nil => no TTL
}

// TableName returns the partition name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache"
}

// IsExpired reports whether the entry is past its expiry at now.
// Entries without ExpiresAt never expire by time.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	if e.ExpiresAt == nil {
		return false
	}
	return now.UnixMilli() > *e.ExpiresAt
}

// StoredAtTime returns StoredAt as time.Time.
func (e *CacheEntry) StoredAtTime() time.Time {
	return time.UnixMilli(e.StoredAt)
}

// ExpiresAtTime returns ExpiresAt as time.Time, or the zero time when unset.
func (e *CacheEntry) ExpiresAtTime() time.Time {
	if e.ExpiresAt == nil {
		return time.Time{}
	}
	return time.UnixMilli(*e.ExpiresAt)
}
