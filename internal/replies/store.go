// Package replies stores inbound replies ingested by the inbox sync job.
package replies

import (
	"context"
	"errors"

	"github.com/Prince364133/hubsnap-sub002/internal/models"
)

// ErrNotFound is returned when a reply does not exist.
var ErrNotFound = errors.New("reply not found")

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store persists ReplyRecords keyed by their mailbox-native raw id.
type Store interface {
	// UpsertBatch inserts every record whose raw id is new, in one
	// transaction, and reports how many were inserted.
	UpsertBatch(ctx context.Context, records []*models.ReplyRecord) (int, error)
	List(ctx context.Context, filter Filter) ([]*models.ReplyRecord, error)
	Get(ctx context.Context, id int64) (*models.ReplyRecord, error)
	// MarkRead flips a reply to read. Marking a read reply again is a no-op.
	MarkRead(ctx context.Context, id int64) error
}

// Filter narrows List results.
type Filter struct {
	Status models.ReplyStatus
	Limit  int
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

func validRecord(r *models.ReplyRecord) error {
	if r == nil {
		return errors.New("nil reply record")
	}
	if r.RawID == "" {
		return errors.New("reply record requires a raw id")
	}
	return nil
}
