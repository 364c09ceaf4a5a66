package replies

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prince364133/hubsnap-sub002/internal/models"
)

var replyColumnNames = []string{
	"id", "raw_id", "sender", "subject", "body", "received_at", "status", "message_id", "in_reply_to", "created_at",
}

func newMockStore(t *testing.T, driver string) (*SQLStore, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewSQLStore(sqlx.NewDb(db, driver))
	store.now = func() time.Time { return now }
	return store, mock, now
}

func sampleReplies() []*models.ReplyRecord {
	received := time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC)
	mid := "reply-1@example.com"
	return []*models.ReplyRecord{
		{RawID: "agent@mail.example:INBOX:1:10", From: "a@example.com", Subject: "Re: hi", Body: "thanks", ReceivedAt: received, MessageID: &mid},
		{RawID: "agent@mail.example:INBOX:1:11", From: "b@example.com", Subject: "Re: hi", Body: "ok", ReceivedAt: received},
	}
}

func TestUpsertBatchDialects(t *testing.T) {
	cases := []struct {
		driver string
		prefix string
		suffix string
	}{
		{driver: "postgres", prefix: "INSERT INTO email_replies", suffix: "ON CONFLICT (raw_id) DO NOTHING"},
		{driver: "mysql", prefix: "INSERT IGNORE INTO email_replies", suffix: "VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"},
		{driver: "sqlite3", prefix: "INSERT OR IGNORE INTO email_replies", suffix: "VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"},
	}
	for _, tc := range cases {
		t.Run(tc.driver, func(t *testing.T) {
			store, mock, now := newMockStore(t, tc.driver)
			records := sampleReplies()
			pattern := "(?s)" + regexp.QuoteMeta(tc.prefix) + ".*" + regexp.QuoteMeta(tc.suffix)
			if tc.driver == "postgres" {
				pattern = "(?s)" + regexp.QuoteMeta(tc.prefix) + `.*\$9\).*` + regexp.QuoteMeta(tc.suffix)
			}

			mock.ExpectBegin()
			mock.ExpectExec(pattern).
				WithArgs(records[0].RawID, "a@example.com", "Re: hi", "thanks", records[0].ReceivedAt,
					models.ReplyStatusUnread, records[0].MessageID, nil, now).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectExec(pattern).
				WithArgs(records[1].RawID, "b@example.com", "Re: hi", "ok", records[1].ReceivedAt,
					models.ReplyStatusUnread, nil, nil, now).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectCommit()

			inserted, err := store.UpsertBatch(context.Background(), records)
			require.NoError(t, err)
			assert.Equal(t, 1, inserted)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpsertBatchRollsBackOnError(t *testing.T) {
	store, mock, _ := newMockStore(t, "mysql")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO email_replies")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO email_replies")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	inserted, err := store.UpsertBatch(context.Background(), sampleReplies())
	require.ErrorContains(t, err, "disk full")
	assert.Zero(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatchRejectsMissingRawID(t *testing.T) {
	store, mock, _ := newMockStore(t, "mysql")
	_, err := store.UpsertBatch(context.Background(), []*models.ReplyRecord{{From: "x@example.com"}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListFiltersByStatus(t *testing.T) {
	store, mock, now := newMockStore(t, "postgres")

	rows := sqlmock.NewRows(replyColumnNames).
		AddRow(int64(7), "raw-7", "a@example.com", "Re: hi", "thanks", now, "unread", nil, nil, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, raw_id, sender, subject, body, received_at, status, message_id, in_reply_to, created_at FROM email_replies WHERE status = $1 ORDER BY received_at DESC, id DESC LIMIT $2")).
		WithArgs(models.ReplyStatusUnread, 10).
		WillReturnRows(rows)

	out, err := store.List(context.Background(), Filter{Status: models.ReplyStatusUnread, Limit: 10})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(7), out[0].ID)
	assert.Equal(t, "a@example.com", out[0].From)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	store, mock, _ := newMockStore(t, "mysql")
	mock.ExpectQuery(regexp.QuoteMeta("FROM email_replies WHERE id = ?")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(replyColumnNames))

	_, err := store.Get(context.Background(), 3)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRead(t *testing.T) {
	store, mock, _ := newMockStore(t, "mysql")
	update := regexp.QuoteMeta("UPDATE email_replies SET status = ? WHERE id = ?")
	count := regexp.QuoteMeta("SELECT COUNT(*) FROM email_replies WHERE id = ?")

	mock.ExpectExec(update).WithArgs(models.ReplyStatusRead, int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.MarkRead(context.Background(), 1))

	mock.ExpectExec(update).WithArgs(models.ReplyStatusRead, int64(2)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(count).WithArgs(int64(2)).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	require.NoError(t, store.MarkRead(context.Background(), 2))

	mock.ExpectExec(update).WithArgs(models.ReplyStatusRead, int64(3)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(count).WithArgs(int64(3)).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	assert.ErrorIs(t, store.MarkRead(context.Background(), 3), ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}
