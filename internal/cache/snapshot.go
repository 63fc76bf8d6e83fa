package cache

import (
	"context"
	"encoding/json"

	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/db"
	apperrors "github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/errors"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/models"
)

// Snapshots stores whole application-state freezes in the offline_data
// partition. Snapshots never expire.
type Snapshots struct {
	store db.Store
	options
}

// NewSnapshots creates a Snapshots over store.
func NewSnapshots(store db.Store, opts ...Option) *Snapshots {
	return &Snapshots{store: store, options: buildOptions(opts)}
}

// SaveOfflineData stores a copy of data under key, replacing any previous
// snapshot. The JSON encoding is the copy: later changes to data are not
// reflected.
func (s *Snapshots) SaveOfflineData(ctx context.Context, key string, data interface{}) error {
	if key == "" {
		return apperrors.New(apperrors.ErrInvalid, "snapshot key is required")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrEncoding, "failed to encode snapshot", err)
	}
	value, err := json.Marshal(models.OfflineSnapshot{Key: key, Data: raw, StoredAt: s.now().UnixMilli()})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrEncoding, "failed to encode snapshot", err)
	}
	return s.store.Put(ctx, db.PartitionOfflineData, key, value)
}

// Lookup returns the snapshot stored under key.
func (s *Snapshots) Lookup(ctx context.Context, key string) (*models.OfflineSnapshot, bool) {
	value, found, err := s.store.Get(ctx, db.PartitionOfflineData, key)
	if err != nil {
		s.log.Absorbed("snapshot: read failed", err, map[string]interface{}{"key": key})
		return nil, false
	}
	if !found {
		return nil, false
	}

	var snap models.OfflineSnapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		s.log.WarnWithCode("snapshot: corrupt record", string(apperrors.ErrEncoding), err, map[string]interface{}{"key": key})
		return nil, false
	}
	return &snap, true
}

// GetOfflineData decodes the snapshot stored under key into out.
func (s *Snapshots) GetOfflineData(ctx context.Context, key string, out interface{}) bool {
	snap, ok := s.Lookup(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(snap.Data, out); err != nil {
		s.log.WarnWithCode("snapshot: value does not fit destination", string(apperrors.ErrEncoding), err, map[string]interface{}{"key": key})
		return false
	}
	return true
}

// RemoveOfflineData deletes the snapshot stored under key.
func (s *Snapshots) RemoveOfflineData(ctx context.Context, key string) error {
	return s.store.Delete(ctx, db.PartitionOfflineData, key)
}

// List returns every snapshot in insertion order.
func (s *Snapshots) List(ctx context.Context) ([]models.OfflineSnapshot, error) {
	records, err := s.store.GetAll(ctx, db.PartitionOfflineData)
	if err != nil {
		return nil, err
	}
	snaps := make([]models.OfflineSnapshot, 0, len(records))
	for _, r := range records {
		var snap models.OfflineSnapshot
		if err := json.Unmarshal(r.Value, &snap); err != nil {
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}
