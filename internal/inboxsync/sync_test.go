package inboxsync

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prince364133/hubsnap-sub002/internal/email/inbound/connector"
	"github.com/Prince364133/hubsnap-sub002/internal/email/inbound/filters"
	"github.com/Prince364133/hubsnap-sub002/internal/models"
	"github.com/Prince364133/hubsnap-sub002/internal/replies"
)

// fakeFetcher replays a fixed mailbox. Like the real connectors it commits
// batch handlers after every message was handled.
type fakeFetcher struct {
	messages []*connector.FetchedMessage
	failErr  error
	calls    int
}

func (f *fakeFetcher) Name() string { return "fake" }

func (f *fakeFetcher) Fetch(ctx context.Context, _ connector.Account, handler connector.Handler) error {
	f.calls++
	for _, m := range f.messages {
		if err := handler.Handle(ctx, m); err != nil {
			return err
		}
	}
	if f.failErr != nil {
		return f.failErr
	}
	if bh, ok := handler.(connector.BatchHandler); ok {
		return bh.Commit(ctx)
	}
	return nil
}

func rawMessage(from, subject, body string) []byte {
	return []byte(strings.Join([]string{
		"From: " + from,
		"Subject: " + subject,
		"Date: Mon, 01 Jun 2026 10:00:00 +0000",
		"Message-ID: <" + subject + "@customer.example>",
		"In-Reply-To: <1.abc@hubsnap.example>",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
		"",
	}, "\r\n"))
}

func mailbox() []*connector.FetchedMessage {
	return []*connector.FetchedMessage{
		{RemoteID: "agent@mail.example:INBOX:7:1", Raw: rawMessage("a@example.com", "first", "hello")},
		{RemoteID: "agent@mail.example:INBOX:7:2", Raw: rawMessage("b@example.com", "second", "world")},
	}
}

var configured = connector.Account{Type: "imap", Host: "mail.example", Username: "agent", Password: "secret"}

func newJob(account connector.Account, fetcher connector.Fetcher, store replies.Store) *Job {
	factory := connector.NewFactory(connector.WithFetcher(fetcher, "imap"))
	return New(account, factory, store, WithLogger(log.New(io.Discard, "", 0)))
}

func TestSyncOnceStoresReplies(t *testing.T) {
	store := replies.NewMemoryStore()
	job := newJob(configured, &fakeFetcher{messages: mailbox()}, store)

	res, err := job.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Fetched: 2, Inserted: 2}, res)

	stored, err := store.List(context.Background(), replies.Filter{})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	byRaw := map[string]*models.ReplyRecord{}
	for _, r := range stored {
		byRaw[r.RawID] = r
	}
	first := byRaw["agent@mail.example:INBOX:7:1"]
	require.NotNil(t, first)
	assert.Equal(t, "a@example.com", first.From)
	assert.Equal(t, "first", first.Subject)
	assert.Equal(t, "hello", first.Body)
	assert.Equal(t, models.ReplyStatusUnread, first.Status)
	assert.Equal(t, time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC), first.ReceivedAt)
	require.NotNil(t, first.MessageID)
	assert.Equal(t, "first@customer.example", *first.MessageID)
	require.NotNil(t, first.InReplyTo)
	assert.Equal(t, "1.abc@hubsnap.example", *first.InReplyTo)
}

func TestSyncOnceTwiceInsertsNothingNew(t *testing.T) {
	store := replies.NewMemoryStore()
	fetcher := &fakeFetcher{messages: mailbox()}
	job := newJob(configured, fetcher, store)

	_, err := job.SyncOnce(context.Background())
	require.NoError(t, err)

	res, err := job.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Duplicates)
	assert.Equal(t, 2, fetcher.calls)

	stored, err := store.List(context.Background(), replies.Filter{})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestSyncOnceWithoutCredentialsIsNoop(t *testing.T) {
	fetcher := &fakeFetcher{messages: mailbox()}
	account := configured
	account.Password = ""
	job := newJob(account, fetcher, replies.NewMemoryStore())

	res, err := job.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, fetcher.calls)
}

func TestSyncOnceFetchFailureStoresNothing(t *testing.T) {
	store := replies.NewMemoryStore()
	fetcher := &fakeFetcher{messages: mailbox(), failErr: errors.New("connection reset")}
	job := newJob(configured, fetcher, store)

	_, err := job.SyncOnce(context.Background())
	require.ErrorContains(t, err, "connection reset")

	stored, err := store.List(context.Background(), replies.Filter{})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

type failingStore struct {
	*replies.MemoryStore
}

func (failingStore) UpsertBatch(context.Context, []*models.ReplyRecord) (int, error) {
	return 0, errors.New("db unavailable")
}

func TestSyncOnceCommitFailureSurfaces(t *testing.T) {
	job := newJob(configured, &fakeFetcher{messages: mailbox()}, failingStore{replies.NewMemoryStore()})
	_, err := job.SyncOnce(context.Background())
	require.ErrorContains(t, err, "db unavailable")
}

func TestSyncOnceSkipsUnparsableMessages(t *testing.T) {
	store := replies.NewMemoryStore()
	msgs := append(mailbox(), &connector.FetchedMessage{RemoteID: "empty", Raw: []byte("   ")})
	job := newJob(configured, &fakeFetcher{messages: msgs}, store)

	res, err := job.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 2, res.Inserted)
}

func TestSyncOnceFiltersAutoResponses(t *testing.T) {
	store := replies.NewMemoryStore()
	vacation := []byte(strings.Join([]string{
		"From: b@example.com",
		"Subject: Out of office",
		"Auto-Submitted: auto-replied",
		"",
		"I am away.",
		"",
	}, "\r\n"))
	msgs := append(mailbox(), &connector.FetchedMessage{RemoteID: "agent@mail.example:INBOX:7:3", Raw: vacation})
	job := newJob(configured, &fakeFetcher{messages: msgs}, store)

	res, err := job.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Fetched: 3, Inserted: 2, Filtered: 1}, res)

	// An empty chain keeps everything.
	keepAll := New(configured, connector.NewFactory(connector.WithFetcher(&fakeFetcher{messages: msgs}, "imap")),
		replies.NewMemoryStore(), WithLogger(log.New(io.Discard, "", 0)), WithFilters(filters.NewChain()))
	res, err = keepAll.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
}

func TestSyncOnceUnknownAccountType(t *testing.T) {
	account := configured
	account.Type = "exchange"
	job := newJob(account, &fakeFetcher{}, replies.NewMemoryStore())
	_, err := job.SyncOnce(context.Background())
	require.Error(t, err)
}
