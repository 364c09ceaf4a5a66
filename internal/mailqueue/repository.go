package mailqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Prince364133/hubsnap-sub002/internal/models"
)

const queueColumns = `id, recipient, subject, html_body, text_body, priority, status,
		retry_count, last_error, next_retry_at, created_at, sent_at, campaign_id,
		kind, reply_to_id, message_id, lease_owner, lease_expires_at`

const logColumns = `id, email_id, recipient, subject, status, error, logged_at, campaign_id, message_id`

// SQLStore is the database-backed queue and log store.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// SQLOption customizes an SQLStore.
type SQLOption func(*SQLStore)

// WithSQLClock overrides the clock used for created_at stamps.
func WithSQLClock(now func() time.Time) SQLOption {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLStore creates a queue store over db. Queries are written with '?'
// placeholders and rebound for the driver.
func NewSQLStore(db *sqlx.DB, opts ...SQLOption) *SQLStore {
	s := &SQLStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue adds a new pending entry and assigns its id.
func (s *SQLStore) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	if err := Prepare(entry, s.now().UTC()); err != nil {
		return err
	}

	query := `
		INSERT INTO email_queue (
			recipient, subject, html_body, text_body, priority, status, retry_count,
			next_retry_at, created_at, campaign_id, kind, reply_to_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		entry.To, entry.Subject, entry.HTMLBody, entry.TextBody, entry.Priority,
		entry.Status, entry.RetryCount, entry.NextRetryAt, entry.CreatedAt,
		entry.CampaignID, entry.Kind, entry.ReplyToID,
	}

	if s.db.DriverName() == "postgres" {
		var id int64
		if err := s.db.QueryRowxContext(ctx, s.db.Rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return fmt.Errorf("failed to insert mail queue entry: %w", err)
		}
		entry.ID = id
		return nil
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to insert mail queue entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read mail queue entry id: %w", err)
	}
	entry.ID = id
	return nil
}

// Claim selects eligible entries in (priority, created_at, id) order and
// leases each one with a conditional update. Entries another dispatcher
// claimed in between are skipped.
func (s *SQLStore) Claim(ctx context.Context, req ClaimRequest) ([]*models.QueueEntry, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	if req.Owner == "" {
		return nil, errors.New("claim requires an owner")
	}
	now := req.Now.UTC()

	query := `
		SELECT ` + queueColumns + `
		FROM email_queue
		WHERE status = ?
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT ?`

	var candidates []*models.QueueEntry
	if err := s.db.SelectContext(ctx, &candidates, s.db.Rebind(query),
		models.QueueStatusPending, now, now, req.Limit); err != nil {
		return nil, fmt.Errorf("failed to query pending emails: %w", err)
	}

	lease := `
		UPDATE email_queue
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ? AND status = ?
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)`
	expires := now.Add(req.LeaseTTL)

	claimed := make([]*models.QueueEntry, 0, len(candidates))
	for _, entry := range candidates {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(lease),
			req.Owner, expires, entry.ID, models.QueueStatusPending, now)
		if err != nil {
			return claimed, fmt.Errorf("failed to lease mail queue entry %d: %w", entry.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("failed to lease mail queue entry %d: %w", entry.ID, err)
		}
		if n == 0 {
			continue
		}
		owner := req.Owner
		exp := expires
		entry.LeaseOwner = &owner
		entry.LeaseExpiresAt = &exp
		claimed = append(claimed, entry)
	}
	return claimed, nil
}

// Apply writes every outcome and release of a batch in one transaction.
func (s *SQLStore) Apply(ctx context.Context, batch Batch) (ApplyResult, error) {
	var result ApplyResult
	if batch.Empty() {
		return result, nil
	}
	for _, o := range batch.Outcomes {
		if err := validOutcome(o); err != nil {
			return result, fmt.Errorf("entry %d: %w", o.ID, err)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin mail queue batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	update := tx.Rebind(`
		UPDATE email_queue
		SET status = ?, retry_count = ?, last_error = ?, next_retry_at = ?,
			sent_at = ?, message_id = ?, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND status = ? AND lease_owner = ? AND retry_count <= ?`)
	insertLog := tx.Rebind(`
		INSERT INTO email_logs (
			email_id, recipient, subject, status, error, logged_at, campaign_id, message_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	release := tx.Rebind(`
		UPDATE email_queue
		SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND lease_owner = ?`)

	for _, o := range batch.Outcomes {
		var res sql.Result
		res, err = tx.ExecContext(ctx, update,
			o.Status, o.RetryCount, o.LastError, o.NextRetryAt, o.SentAt, o.MessageID,
			o.ID, models.QueueStatusPending, batch.Owner, o.RetryCount)
		if err != nil {
			err = fmt.Errorf("failed to update mail queue entry %d: %w", o.ID, err)
			return ApplyResult{}, err
		}
		var n int64
		if n, err = res.RowsAffected(); err != nil {
			err = fmt.Errorf("failed to update mail queue entry %d: %w", o.ID, err)
			return ApplyResult{}, err
		}
		if n == 0 {
			result.Lost = append(result.Lost, o.ID)
			continue
		}
		result.Applied++

		if o.Log == nil {
			continue
		}
		l := o.Log
		if _, err = tx.ExecContext(ctx, insertLog,
			o.ID, l.To, l.Subject, l.Status, l.Error, l.Timestamp.UTC(), l.CampaignID, l.MessageID); err != nil {
			err = fmt.Errorf("failed to insert email log for %d: %w", o.ID, err)
			return ApplyResult{}, err
		}
		result.Logged++
	}

	for _, id := range batch.Release {
		var res sql.Result
		if res, err = tx.ExecContext(ctx, release, id, batch.Owner); err != nil {
			err = fmt.Errorf("failed to release mail queue entry %d: %w", id, err)
			return ApplyResult{}, err
		}
		var n int64
		if n, err = res.RowsAffected(); err != nil {
			err = fmt.Errorf("failed to release mail queue entry %d: %w", id, err)
			return ApplyResult{}, err
		}
		result.Released += int(n)
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("failed to commit mail queue batch: %w", err)
		return ApplyResult{}, err
	}
	return result, nil
}

// Get loads a single entry by id.
func (s *SQLStore) Get(ctx context.Context, id int64) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	query := `SELECT ` + queueColumns + ` FROM email_queue WHERE id = ?`
	if err := s.db.GetContext(ctx, &entry, s.db.Rebind(query), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load mail queue entry %d: %w", id, err)
	}
	return &entry, nil
}

// List returns entries newest first, optionally filtered by status.
func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]*models.QueueEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := `SELECT ` + queueColumns + ` FROM email_queue`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, clampLimit(filter.Limit))

	entries := []*models.QueueEntry{}
	if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list mail queue entries: %w", err)
	}
	return entries, nil
}

// Stats counts entries per status.
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var rows []struct {
		Status models.QueueStatus `db:"status"`
		Count  int64              `db:"n"`
	}
	var stats Stats
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM email_queue GROUP BY status`); err != nil {
		return stats, fmt.Errorf("failed to count mail queue entries: %w", err)
	}
	for _, r := range rows {
		stats.add(r.Status, r.Count)
	}
	return stats, nil
}

// Logs returns delivery log rows newest first.
func (s *SQLStore) Logs(ctx context.Context, filter LogFilter) ([]*models.LogEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.EmailID > 0 {
		where = append(where, "email_id = ?")
		args = append(args, filter.EmailID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := `SELECT ` + logColumns + ` FROM email_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY logged_at DESC, id DESC LIMIT ?"
	args = append(args, clampLimit(filter.Limit))

	logs := []*models.LogEntry{}
	if err := s.db.SelectContext(ctx, &logs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list email logs: %w", err)
	}
	return logs, nil
}
