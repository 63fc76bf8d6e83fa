package models

import (
	"encoding/json"
	"time"
)

// OfflineSnapshot is a coarse application-state freeze stored under an
// application-chosen key.
type OfflineSnapshot struct {
	Key      string          `json:"key"`
	Data     json.RawMessage `json:"data"`
	StoredAt int64           `json:"storedAt"`
}

// TableName returns the partition name for OfflineSnapshot.
func (OfflineSnapshot) TableName() string {
	return "offline_data"
}

// StoredAtTime returns StoredAt as time.Time.
func (s *OfflineSnapshot) StoredAtTime() time.Time {
	return time.UnixMilli(s.StoredAt)
}
