package replies

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Prince364133/hubsnap-sub002/internal/models"
)

const replyColumns = `id, raw_id, sender, subject, body, received_at, status, message_id, in_reply_to, created_at`

// SQLStore is the database-backed reply store.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLStore creates a reply store over db.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// insertQuery skips rows whose raw_id already exists, in the dialect of the
// connected driver.
func (s *SQLStore) insertQuery() string {
	const cols = `(raw_id, sender, subject, body, received_at, status, message_id, in_reply_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var q string
	switch s.db.DriverName() {
	case "postgres", "pgx":
		q = `INSERT INTO email_replies ` + cols + ` ON CONFLICT (raw_id) DO NOTHING`
	case "mysql":
		q = `INSERT IGNORE INTO email_replies ` + cols
	default:
		q = `INSERT OR IGNORE INTO email_replies ` + cols
	}
	return s.db.Rebind(q)
}

func (s *SQLStore) UpsertBatch(ctx context.Context, records []*models.ReplyRecord) (inserted int, err error) {
	if len(records) == 0 {
		return 0, nil
	}
	for _, r := range records {
		if err := validRecord(r); err != nil {
			return 0, err
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin reply batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := s.insertQuery()
	created := s.now().UTC()
	for _, r := range records {
		status := r.Status
		if status == "" {
			status = models.ReplyStatusUnread
		}
		var res sql.Result
		res, err = tx.ExecContext(ctx, query,
			r.RawID, r.From, r.Subject, r.Body, r.ReceivedAt.UTC(), status, r.MessageID, r.InReplyTo, created)
		if err != nil {
			err = fmt.Errorf("failed to insert reply %s: %w", r.RawID, err)
			return 0, err
		}
		var n int64
		if n, err = res.RowsAffected(); err != nil {
			err = fmt.Errorf("failed to insert reply %s: %w", r.RawID, err)
			return 0, err
		}
		inserted += int(n)
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("failed to commit reply batch: %w", err)
		return 0, err
	}
	return inserted, nil
}

// List returns replies newest first, optionally filtered by status.
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*models.ReplyRecord, error) {
	query := `SELECT ` + replyColumns + ` FROM email_replies`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY received_at DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(filter.Limit))

	out := []*models.ReplyRecord{}
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list replies: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*models.ReplyRecord, error) {
	var r models.ReplyRecord
	query := `SELECT ` + replyColumns + ` FROM email_replies WHERE id = ?`
	if err := s.db.GetContext(ctx, &r, s.db.Rebind(query), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load reply %d: %w", id, err)
	}
	return &r, nil
}

func (s *SQLStore) MarkRead(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE email_replies SET status = ? WHERE id = ?`),
		models.ReplyStatusRead, id)
	if err != nil {
		return fmt.Errorf("failed to mark reply %d read: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark reply %d read: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	// MySQL reports zero affected rows for an unchanged value.
	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM email_replies WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to mark reply %d read: %w", id, err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}
