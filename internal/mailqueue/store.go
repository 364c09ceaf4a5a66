package mailqueue

import (
	"context"
	"errors"
	"time"

	"github.com/Prince364133/hubsnap-sub002/internal/models"
)

var (
	// ErrNotFound is returned when a queue entry does not exist.
	ErrNotFound = errors.New("mail queue entry not found")
	// ErrInvalidEntry is returned when a producer violates the enqueue contract.
	ErrInvalidEntry = errors.New("invalid mail queue entry")
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store persists outbound queue entries and their delivery log.
type Store interface {
	// Enqueue validates and inserts a producer entry as pending.
	Enqueue(ctx context.Context, entry *models.QueueEntry) error
	// Claim leases up to req.Limit eligible entries in dispatch order.
	Claim(ctx context.Context, req ClaimRequest) ([]*models.QueueEntry, error)
	// Apply commits the staged outcomes of one dispatcher tick atomically.
	Apply(ctx context.Context, batch Batch) (ApplyResult, error)
	Get(ctx context.Context, id int64) (*models.QueueEntry, error)
	List(ctx context.Context, filter ListFilter) ([]*models.QueueEntry, error)
	Stats(ctx context.Context) (Stats, error)
	Logs(ctx context.Context, filter LogFilter) ([]*models.LogEntry, error)
}

// ClaimRequest selects and leases a dispatch batch.
type ClaimRequest struct {
	Owner    string
	Limit    int
	Now      time.Time
	LeaseTTL time.Duration
}

// Outcome is the staged result of one delivery attempt.
type Outcome struct {
	ID          int64
	Status      models.QueueStatus
	RetryCount  int
	LastError   *string
	NextRetryAt *time.Time
	SentAt      *time.Time
	MessageID   *string
	// Log is written in the same transaction when set.
	Log *models.LogEntry
}

// Batch groups every mutation produced by one tick.
type Batch struct {
	Owner    string
	Outcomes []Outcome
	// Release lists claimed entries that were not attempted.
	Release []int64
}

// Empty reports whether the batch carries no mutations.
func (b Batch) Empty() bool {
	return len(b.Outcomes) == 0 && len(b.Release) == 0
}

// ApplyResult reports what Apply actually changed.
type ApplyResult struct {
	Applied  int
	Logged   int
	Released int
	// Lost holds ids whose lease no longer belonged to the batch owner.
	Lost []int64
}

// ListFilter narrows List results.
type ListFilter struct {
	Status models.QueueStatus
	Limit  int
}

// LogFilter narrows Logs results.
type LogFilter struct {
	EmailID int64
	Status  models.LogStatus
	Limit   int
}

// Stats counts queue entries by status.
type Stats struct {
	Pending int64 `json:"pending"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Total   int64 `json:"total"`
}

func (s *Stats) add(status models.QueueStatus, n int64) {
	switch status {
	case models.QueueStatusPending:
		s.Pending += n
	case models.QueueStatusSent:
		s.Sent += n
	case models.QueueStatusFailed:
		s.Failed += n
	}
	s.Total += n
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func validOutcome(o Outcome) error {
	switch o.Status {
	case models.QueueStatusSent:
		if o.SentAt == nil || o.LastError != nil {
			return errors.New("sent outcome requires sentAt and no lastError")
		}
	case models.QueueStatusPending, models.QueueStatusFailed:
	default:
		return errors.New("unknown outcome status " + string(o.Status))
	}
	return nil
}
