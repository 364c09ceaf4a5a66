package mailqueue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Prince364133/hubsnap-sub002/internal/models"
)

// MemoryStore is a mutex-guarded Store used for tests, development and
// single-process runs without a database.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	nextID  int64
	nextLog int64
	entries map[int64]*models.QueueEntry
	logs    []*models.LogEntry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		entries: make(map[int64]*models.QueueEntry),
	}
}

// SetClock overrides the clock used for created_at stamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, entry *models.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := Prepare(entry, s.now().UTC()); err != nil {
		return err
	}
	s.nextID++
	entry.ID = s.nextID
	s.entries[entry.ID] = entry.Clone()
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, req ClaimRequest) ([]*models.QueueEntry, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	if req.Owner == "" {
		return nil, errors.New("claim requires an owner")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := req.Now.UTC()
	candidates := make([]*models.QueueEntry, 0)
	for _, e := range s.entries {
		if e.Eligible(now) {
			candidates = append(candidates, e)
		}
	}
	sortDispatchOrder(candidates)
	if len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}

	expires := now.Add(req.LeaseTTL)
	out := make([]*models.QueueEntry, 0, len(candidates))
	for _, e := range candidates {
		owner := req.Owner
		exp := expires
		e.LeaseOwner = &owner
		e.LeaseExpiresAt = &exp
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Apply(_ context.Context, batch Batch) (ApplyResult, error) {
	var result ApplyResult
	for _, o := range batch.Outcomes {
		if err := validOutcome(o); err != nil {
			return result, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	owned := func(id int64) (*models.QueueEntry, bool) {
		e, ok := s.entries[id]
		if !ok || e.LeaseOwner == nil || *e.LeaseOwner != batch.Owner {
			return nil, false
		}
		return e, true
	}

	// Validate against current state first so the batch applies all-or-nothing.
	for _, o := range batch.Outcomes {
		if e, ok := owned(o.ID); ok && e.Status == models.QueueStatusPending && o.RetryCount < e.RetryCount {
			return ApplyResult{}, errors.New("retry count cannot decrease")
		}
	}

	for _, o := range batch.Outcomes {
		e, ok := owned(o.ID)
		if !ok || e.Status != models.QueueStatusPending {
			result.Lost = append(result.Lost, o.ID)
			continue
		}
		e.Status = o.Status
		e.RetryCount = o.RetryCount
		e.LastError = cloneStr(o.LastError)
		e.NextRetryAt = cloneTm(o.NextRetryAt)
		e.SentAt = cloneTm(o.SentAt)
		e.MessageID = cloneStr(o.MessageID)
		e.LeaseOwner = nil
		e.LeaseExpiresAt = nil
		result.Applied++

		if o.Log != nil {
			s.nextLog++
			l := *o.Log
			l.ID = s.nextLog
			l.EmailID = o.ID
			l.Error = cloneStr(o.Log.Error)
			l.CampaignID = cloneStr(o.Log.CampaignID)
			l.MessageID = cloneStr(o.Log.MessageID)
			s.logs = append(s.logs, &l)
			result.Logged++
		}
	}

	for _, id := range batch.Release {
		if e, ok := owned(id); ok {
			e.LeaseOwner = nil
			e.LeaseExpiresAt = nil
			result.Released++
		}
	}
	return result, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.QueueEntry, 0)
	for _, e := range s.entries {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit := clampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats Stats
	for _, e := range s.entries {
		stats.add(e.Status, 1)
	}
	return stats, nil
}

func (s *MemoryStore) Logs(_ context.Context, filter LogFilter) ([]*models.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.LogEntry, 0)
	for i := len(s.logs) - 1; i >= 0; i-- {
		l := s.logs[i]
		if filter.EmailID > 0 && l.EmailID != filter.EmailID {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		c := *l
		c.Error = cloneStr(l.Error)
		c.CampaignID = cloneStr(l.CampaignID)
		c.MessageID = cloneStr(l.MessageID)
		out = append(out, &c)
		if len(out) == clampLimit(filter.Limit) {
			break
		}
	}
	return out, nil
}

// sortDispatchOrder orders entries by priority, then age, then id.
func sortDispatchOrder(entries []*models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTm(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
