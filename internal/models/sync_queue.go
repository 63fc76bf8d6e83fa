package models

import (
	"net/http"
	"strings"
	"time"
)

// UUID is a wrapper around string for identifier type safety.
type UUID string

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// PendingSyncItem is a mutating request waiting to be replayed.
type PendingSyncItem struct {
	ID         UUID              `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Body       []byte            `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt int64             `json:"enqueuedAt"` // ms since epoch
	Retries    int               `json:"retries"`
	LastError  string            `json:"lastError,omitempty"`
}

// TableName returns the partition name for PendingSyncItem.
func (PendingSyncItem) TableName() string {
	return "pending_sync"
}

// EnqueuedAtTime returns EnqueuedAt as time.Time.
func (p *PendingSyncItem) EnqueuedAtTime() time.Time {
	return time.UnixMilli(p.EnqueuedAt)
}

// IsMutatingMethod reports whether method is one of the verbs that may be
// queued for replay.
func IsMutatingMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
