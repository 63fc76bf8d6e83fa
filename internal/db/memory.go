package db

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/errors"
)

type memRecord struct {
	value     []byte
	seq       int64
	updatedAt int64
}

// MemoryStore is the degraded-mode Store used when the database cannot be
// opened. Contents are lost on exit.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[Partition]map[string]memRecord
	seq        int64
	closed     bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{partitions: make(map[Partition]map[string]memRecord, len(Partitions))}
	for _, p := range Partitions {
		s.partitions[p] = make(map[string]memRecord)
	}
	return s
}

func (s *MemoryStore) check(p Partition) error {
	if !p.Valid() {
		return invalidPartition(p)
	}
	if s.closed {
		return apperrors.New(apperrors.ErrStorageUnavailable, "memory store is closed")
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, p Partition, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(p); err != nil {
		return err
	}

	rec, ok := s.partitions[p][key]
	if !ok {
		s.seq++
		rec.seq = s.seq
	}
	rec.value = clone(value)
	rec.updatedAt = time.Now().UnixMilli()
	s.partitions[p][key] = rec
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, p Partition, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(p); err != nil {
		return nil, false, err
	}

	rec, ok := s.partitions[p][key]
	if !ok {
		return nil, false, nil
	}
	return clone(rec.value), true, nil
}

// GetAll implements Store.
func (s *MemoryStore) GetAll(ctx context.Context, p Partition) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(p); err != nil {
		return nil, err
	}

	type ordered struct {
		Record
		seq int64
	}
	all := make([]ordered, 0, len(s.partitions[p]))
	for key, rec := range s.partitions[p] {
		all = append(all, ordered{Record{Key: key, Value: clone(rec.value), UpdatedAt: rec.updatedAt}, rec.seq})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	records := make([]Record, len(all))
	for i, o := range all {
		records[i] = o.Record
	}
	return records, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, p Partition, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(p); err != nil {
		return err
	}
	delete(s.partitions[p], key)
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(ctx context.Context, p Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(p); err != nil {
		return err
	}
	s.partitions[p] = make(map[string]memRecord)
	return nil
}

// Close marks the store closed; later operations fail with
// STORAGE_UNAVAILABLE.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
