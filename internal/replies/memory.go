package replies

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Prince364133/hubsnap-sub002/internal/models"
)

// MemoryStore is a mutex-guarded Store for tests and database-less runs.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	nextID  int64
	byID    map[int64]*models.ReplyRecord
	byRawID map[string]int64
}

// NewMemoryStore returns an empty in-memory reply store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		byID:    make(map[int64]*models.ReplyRecord),
		byRawID: make(map[string]int64),
	}
}

func (s *MemoryStore) UpsertBatch(_ context.Context, records []*models.ReplyRecord) (int, error) {
	for _, r := range records {
		if err := validRecord(r); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created := s.now().UTC()
	inserted := 0
	for _, r := range records {
		if _, ok := s.byRawID[r.RawID]; ok {
			continue
		}
		s.nextID++
		c := r.Clone()
		c.ID = s.nextID
		c.CreatedAt = created
		c.ReceivedAt = c.ReceivedAt.UTC()
		if c.Status == "" {
			c.Status = models.ReplyStatusUnread
		}
		s.byID[c.ID] = c
		s.byRawID[c.RawID] = c.ID
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*models.ReplyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.ReplyRecord, 0, len(s.byID))
	for _, r := range s.byID {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit := clampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*models.ReplyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) MarkRead(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = models.ReplyStatusRead
	return nil
}
