package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prince364133/hubsnap-sub002/internal/email/transfer"
	"github.com/Prince364133/hubsnap-sub002/internal/mailqueue"
	"github.com/Prince364133/hubsnap-sub002/internal/models"
	"github.com/Prince364133/hubsnap-sub002/internal/replies"
)

type sendFunc func(ctx context.Context, call int, msg transfer.Message) (*transfer.Receipt, error)

type fakeSender struct {
	mu    sync.Mutex
	calls []transfer.Message
	fn    sendFunc
}

func (s *fakeSender) Send(ctx context.Context, msg transfer.Message) (*transfer.Receipt, error) {
	s.mu.Lock()
	s.calls = append(s.calls, msg)
	call := len(s.calls)
	s.mu.Unlock()
	if s.fn == nil {
		return &transfer.Receipt{MessageID: fmt.Sprintf("%d@test", call), Response: "250 OK"}, nil
	}
	return s.fn(ctx, call, msg)
}

func (s *fakeSender) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, m := range s.calls {
		out = append(out, m.To)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newHarness(t *testing.T, sender transfer.Sender, opts ...Option) (*Dispatcher, *mailqueue.MemoryStore, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	store := mailqueue.NewMemoryStore()
	store.SetClock(clk.Now)
	base := []Option{WithClock(clk.Now), WithLogger(quietLogger()), WithOwner("test-owner")}
	return New(store, sender, append(base, opts...)...), store, clk
}

func enqueue(t *testing.T, store mailqueue.Store, to string, priority int) *models.QueueEntry {
	t.Helper()
	entry := &models.QueueEntry{To: to, Subject: "Hello", HTMLBody: "<p>Hi</p>", Priority: priority}
	require.NoError(t, store.Enqueue(context.Background(), entry))
	return entry
}

func TestRunTickProcessesHighestPriorityOldestFirst(t *testing.T) {
	sender := &fakeSender{}
	d, store, clk := newHarness(t, sender, WithBatchSize(20))
	ctx := context.Background()

	var p2 []*models.QueueEntry
	for i := 0; i < 20; i++ {
		p2 = append(p2, enqueue(t, store, fmt.Sprintf("p2-%02d@example.com", i), 2))
		clk.Advance(time.Second)
	}
	var p1 []*models.QueueEntry
	for i := 0; i < 5; i++ {
		p1 = append(p1, enqueue(t, store, fmt.Sprintf("p1-%02d@example.com", i), 1))
		clk.Advance(time.Second)
	}

	summary, err := d.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Attempted: 20, Sent: 20}, summary)

	got := sender.recipients()
	require.Len(t, got, 20)
	for i := 0; i < 5; i++ {
		assert.Equal(t, p1[i].To, got[i])
	}
	for i := 0; i < 15; i++ {
		assert.Equal(t, p2[i].To, got[5+i])
	}

	for _, e := range p2[15:] {
		cur, err := store.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, models.QueueStatusPending, cur.Status)
		assert.Nil(t, cur.LeaseOwner)
	}
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), stats.Sent)
	assert.Equal(t, int64(5), stats.Pending)
}

func TestRunTickMarksSentWithLogAndMessageID(t *testing.T) {
	sender := &fakeSender{}
	d, store, clk := newHarness(t, sender)
	ctx := context.Background()
	entry := enqueue(t, store, "user@example.com", 0)

	_, err := d.RunTick(ctx)
	require.NoError(t, err)

	cur, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusSent, cur.Status)
	require.NotNil(t, cur.SentAt)
	assert.Equal(t, clk.Now(), *cur.SentAt)
	assert.Nil(t, cur.LastError)
	require.NotNil(t, cur.MessageID)
	assert.Equal(t, "1@test", *cur.MessageID)

	logs, err := store.Logs(ctx, mailqueue.LogFilter{EmailID: entry.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogStatusSent, logs[0].Status)

	// Terminal entries are never selected again.
	summary, err := d.RunTick(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Attempted)
	assert.Len(t, sender.recipients(), 1)
}

func TestRunTickFailsAfterRetryLimit(t *testing.T) {
	sender := &fakeSender{fn: func(context.Context, int, transfer.Message) (*transfer.Receipt, error) {
		return nil, &transfer.SendError{Code: 451, Err: errors.New("try later")}
	}}
	d, store, clk := newHarness(t, sender, WithRetryLimit(3), WithBackoff(ConstantBackoff{Window: 5 * time.Minute}))
	ctx := context.Background()
	entry := enqueue(t, store, "user@example.com", 0)

	summary, err := d.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retried)

	cur, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, cur.Status)
	assert.Equal(t, 1, cur.RetryCount)
	require.NotNil(t, cur.LastError)
	assert.Contains(t, *cur.LastError, "451")
	require.NotNil(t, cur.NextRetryAt)
	assert.Equal(t, clk.Now().Add(5*time.Minute), *cur.NextRetryAt)

	// Not eligible before the backoff window elapses.
	clk.Advance(time.Minute)
	summary, err = d.RunTick(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Attempted)

	clk.Advance(4 * time.Minute)
	_, err = d.RunTick(ctx)
	require.NoError(t, err)
	cur, err = store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, cur.RetryCount)
	assert.Equal(t, models.QueueStatusPending, cur.Status)

	clk.Advance(5 * time.Minute)
	summary, err = d.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	cur, err = store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, cur.Status)
	assert.Equal(t, 3, cur.RetryCount)

	logs, err := store.Logs(ctx, mailqueue.LogFilter{EmailID: entry.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogStatusFailed, logs[0].Status)
	require.NotNil(t, logs[0].Error)

	clk.Advance(time.Hour)
	summary, err = d.RunTick(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Attempted)
	assert.Len(t, sender.recipients(), 3)
}

func TestRunTickSimulationModeNeverFails(t *testing.T) {
	client := transfer.NewClient(transfer.Settings{From: "noreply@hubsnap.example"}, transfer.WithLogger(quietLogger()))
	require.True(t, client.Simulated())
	d, store, _ := newHarness(t, client)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		enqueue(t, store, fmt.Sprintf("user%d@example.com", i), 0)
	}

	summary, err := d.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Sent)
	assert.Zero(t, summary.Failed+summary.Retried)

	logs, err := store.Logs(ctx, mailqueue.LogFilter{Status: models.LogStatusSent})
	require.NoError(t, err)
	assert.Len(t, logs, 3)
	for _, l := range logs {
		require.NotNil(t, l.MessageID)
		assert.True(t, strings.HasSuffix(*l.MessageID, "@hubsnap.example"))
	}
}

func TestRunTickReleasesEntriesWhenBudgetExhausted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := &fakeSender{fn: func(_ context.Context, call int, _ transfer.Message) (*transfer.Receipt, error) {
		cancel()
		return &transfer.Receipt{MessageID: fmt.Sprintf("%d@test", call)}, nil
	}}
	d, store, _ := newHarness(t, sender)
	first := enqueue(t, store, "a@example.com", 1)
	second := enqueue(t, store, "b@example.com", 2)
	third := enqueue(t, store, "c@example.com", 3)

	summary, err := d.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Attempted: 1, Sent: 1, Released: 2}, summary)

	cur, err := store.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusSent, cur.Status)
	for _, e := range []*models.QueueEntry{second, third} {
		cur, err := store.Get(context.Background(), e.ID)
		require.NoError(t, err)
		assert.Equal(t, models.QueueStatusPending, cur.Status)
		assert.Zero(t, cur.RetryCount)
		assert.Nil(t, cur.LeaseOwner)
	}

	sender.fn = nil
	summary, err = d.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Sent)
}

func TestRunTickInterruptedSendIsNotChargedARetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := &fakeSender{fn: func(ctx context.Context, _ int, _ transfer.Message) (*transfer.Receipt, error) {
		cancel()
		return nil, ctx.Err()
	}}
	d, store, _ := newHarness(t, sender)
	entry := enqueue(t, store, "a@example.com", 0)

	summary, err := d.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Released: 1}, summary)

	cur, err := store.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, cur.Status)
	assert.Zero(t, cur.RetryCount)
	assert.Nil(t, cur.LastError)
}

func TestRunTickIsolatesSenderPanics(t *testing.T) {
	sender := &fakeSender{fn: func(_ context.Context, call int, msg transfer.Message) (*transfer.Receipt, error) {
		if msg.To == "boom@example.com" {
			panic("nil pointer in transport")
		}
		return &transfer.Receipt{MessageID: fmt.Sprintf("%d@test", call)}, nil
	}}
	d, store, _ := newHarness(t, sender)
	ctx := context.Background()
	enqueue(t, store, "a@example.com", 1)
	boom := enqueue(t, store, "boom@example.com", 2)
	enqueue(t, store, "c@example.com", 3)

	summary, err := d.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Sent)
	assert.Equal(t, 1, summary.Retried)

	cur, err := store.Get(ctx, boom.ID)
	require.NoError(t, err)
	require.NotNil(t, cur.LastError)
	assert.Contains(t, *cur.LastError, "panic")
}

func TestRunTickReportsLostLease(t *testing.T) {
	var store *mailqueue.MemoryStore
	var clk *clock
	sender := &fakeSender{fn: func(ctx context.Context, call int, _ transfer.Message) (*transfer.Receipt, error) {
		// Another dispatcher takes over after the lease expired.
		_, err := store.Claim(ctx, mailqueue.ClaimRequest{
			Owner: "other", Limit: 10, Now: clk.Now().Add(time.Hour), LeaseTTL: time.Minute,
		})
		if err != nil {
			return nil, err
		}
		return &transfer.Receipt{MessageID: fmt.Sprintf("%d@test", call)}, nil
	}}
	var d *Dispatcher
	d, store, clk = newHarness(t, sender)
	entry := enqueue(t, store, "a@example.com", 0)

	summary, err := d.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Attempted: 1, Lost: 1}, summary)

	cur, err := store.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, cur.Status)
	require.NotNil(t, cur.LeaseOwner)
	assert.Equal(t, "other", *cur.LeaseOwner)

	logs, err := store.Logs(context.Background(), mailqueue.LogFilter{})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestRunTickThreadsReplies(t *testing.T) {
	sender := &fakeSender{}
	replyStore := replies.NewMemoryStore()
	mid := "abc@customer.example"
	_, err := replyStore.UpsertBatch(context.Background(), []*models.ReplyRecord{
		{RawID: "raw-1", From: "customer@example.com", Subject: "Question", MessageID: &mid},
	})
	require.NoError(t, err)

	d, store, _ := newHarness(t, sender, WithReplyLookup(replyStore))
	replyTo := int64(1)
	require.NoError(t, store.Enqueue(context.Background(), &models.QueueEntry{
		To: "customer@example.com", Subject: "Re: Question", TextBody: "Answer", Kind: models.KindReply, ReplyToID: &replyTo,
	}))

	_, err = d.RunTick(context.Background())
	require.NoError(t, err)
	require.Len(t, sender.calls, 1)
	assert.Equal(t, mid, sender.calls[0].InReplyTo)
	assert.Equal(t, []string{mid}, sender.calls[0].References)
}

type failingClaimStore struct {
	*mailqueue.MemoryStore
}

func (failingClaimStore) Claim(context.Context, mailqueue.ClaimRequest) ([]*models.QueueEntry, error) {
	return nil, errors.New("database is locked")
}

func TestRunTickReturnsClaimErrors(t *testing.T) {
	d := New(failingClaimStore{mailqueue.NewMemoryStore()}, &fakeSender{}, WithLogger(quietLogger()))
	_, err := d.RunTick(context.Background())
	require.ErrorContains(t, err, "database is locked")
}

func TestRunTickEmptyQueue(t *testing.T) {
	d, _, _ := newHarness(t, &fakeSender{})
	summary, err := d.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
}

func TestNewGeneratesOwner(t *testing.T) {
	a := New(mailqueue.NewMemoryStore(), &fakeSender{})
	b := New(mailqueue.NewMemoryStore(), &fakeSender{})
	assert.NotEmpty(t, a.Owner())
	assert.NotEqual(t, a.Owner(), b.Owner())
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	long := strings.Repeat("a", maxErrorLength-1) + "é rejected"
	got := truncate(long, maxErrorLength)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", maxErrorLength-1), got)

	assert.Equal(t, "short", truncate("short", maxErrorLength))
	assert.Equal(t, "550 bad \uFFFD", truncate("550 bad \xe9", maxErrorLength))
	assert.True(t, utf8.ValidString(truncate(strings.Repeat("\xff", 2*maxErrorLength), maxErrorLength)))
}
