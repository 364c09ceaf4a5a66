package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/knadh/go-pop3"
	"github.com/stretchr/testify/require"
)

func TestPOP3FetcherFetchesMessagesWithoutDeleting(t *testing.T) {
	conn := &fakePOP3Conn{
		uidl: []pop3.MessageID{
			{ID: 1, UID: "uid-1", Size: 123},
			{ID: 2, UID: "uid-2", Size: 456},
		},
		raw: map[int][]byte{
			1: []byte("first"),
			2: []byte("second"),
		},
	}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	h := &batchHandler{}
	f := NewPOP3Fetcher(
		WithPOP3Clock(func() time.Time { return now }),
		withPOP3Dialer(conn.dial),
	)

	acc := Account{Type: "pop3s", Host: "mail.example", Port: 995, Username: "agent", Password: "secret"}
	require.NoError(t, f.Fetch(context.Background(), acc, h))

	require.Len(t, h.messages, 2)
	require.Equal(t, 1, h.commits)
	require.Empty(t, conn.deleted)
	require.Equal(t, 1, conn.quitCalls)
	require.Equal(t, "uid-1", h.messages[0].UID)
	require.Equal(t, "agent@mail.example:uid-1", h.messages[0].RemoteID)
	require.Equal(t, "123", h.messages[0].Metadata["reported_size"])
	require.Equal(t, now, h.messages[0].ReceivedAt)
	require.Equal(t, []byte("first"), h.messages[0].Raw)
}

func TestPOP3FetcherDeletesAfterCommit(t *testing.T) {
	conn := &fakePOP3Conn{
		uidl: []pop3.MessageID{{ID: 1, UID: "uid-1"}, {ID: 2}},
		raw:  map[int][]byte{1: []byte("first"), 2: []byte("second")},
	}
	h := &batchHandler{}
	f := NewPOP3Fetcher(
		WithPOP3DeleteAfterFetch(true),
		withPOP3Dialer(conn.dial),
	)

	acc := Account{Type: "pop3", Host: "mail.example", Username: "agent", Password: "secret"}
	require.NoError(t, f.Fetch(context.Background(), acc, h))
	require.Equal(t, []int{1, 2}, conn.deleted)
	require.Equal(t, "2", h.messages[1].UID, "missing UIDL falls back to the message number")
}

func TestPOP3FetcherKeepsMessagesWhenCommitFails(t *testing.T) {
	conn := &fakePOP3Conn{
		uidl: []pop3.MessageID{{ID: 1, UID: "uid-1"}},
		raw:  map[int][]byte{1: []byte("first")},
	}
	h := &batchHandler{commitErr: errors.New("db down")}
	f := NewPOP3Fetcher(
		WithPOP3DeleteAfterFetch(true),
		withPOP3Dialer(conn.dial),
	)

	acc := Account{Type: "pop3", Host: "mail.example", Username: "agent", Password: "secret"}
	err := f.Fetch(context.Background(), acc, h)
	require.ErrorContains(t, err, "pop3 commit")
	require.Empty(t, conn.deleted)
	require.Equal(t, 1, conn.quitCalls)
}

func TestPOP3FetcherStopsOnHandlerError(t *testing.T) {
	conn := &fakePOP3Conn{
		uidl: []pop3.MessageID{{ID: 1, UID: "uid-1"}, {ID: 2, UID: "uid-2"}},
		raw:  map[int][]byte{1: []byte("first"), 2: []byte("second")},
	}
	h := &batchHandler{recordingHandler: recordingHandler{failUID: "uid-2"}}
	f := NewPOP3Fetcher(
		WithPOP3DeleteAfterFetch(true),
		WithPOP3Clock(func() time.Time { return time.Unix(0, 0) }),
		withPOP3Dialer(conn.dial),
	)

	acc := Account{Type: "pop3", Host: "mail.example", Username: "agent", Password: "secret"}
	err := f.Fetch(context.Background(), acc, h)
	require.Error(t, err)
	require.Empty(t, conn.deleted)
	require.Zero(t, h.commits)
	require.Len(t, h.messages, 1)
}

func TestPOP3FetcherReturnsAuthError(t *testing.T) {
	conn := &fakePOP3Conn{authErr: errors.New("bad creds")}
	f := NewPOP3Fetcher(withPOP3Dialer(conn.dial))
	h := &recordingHandler{}
	acc := Account{Type: "pop3", Host: "mail.example", Username: "agent", Password: "secret"}
	err := f.Fetch(context.Background(), acc, h)
	require.ErrorContains(t, err, "pop3 auth")
	require.Empty(t, h.messages)
}

func TestPOP3FetcherEmptyMaildrop(t *testing.T) {
	conn := &fakePOP3Conn{}
	h := &batchHandler{}
	f := NewPOP3Fetcher(withPOP3Dialer(conn.dial))
	acc := Account{Type: "pop3", Host: "mail.example", Username: "agent", Password: "secret"}
	require.NoError(t, f.Fetch(context.Background(), acc, h))
	require.Zero(t, h.commits)
	require.Equal(t, 1, conn.quitCalls)
}

func TestPOP3FetcherAbortsHungServerOnContextDeadline(t *testing.T) {
	conn := &fakePOP3Conn{
		uidl: []pop3.MessageID{{ID: 1, UID: "uid-1"}},
		hang: true,
	}
	h := &batchHandler{}
	f := NewPOP3Fetcher(WithPOP3DeleteAfterFetch(true), withPOP3Dialer(conn.dial))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	acc := Account{Type: "pop3", Host: "mail.example", Username: "agent", Password: "secret"}

	done := make(chan error, 1)
	go func() { done <- f.Fetch(ctx, acc, h) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Fetch did not return after the context deadline")
	}
	require.Zero(t, h.commits)
	require.Empty(t, conn.deleted)
	require.Zero(t, conn.quitCalls)
	deadline, _ := ctx.Deadline()
	require.Equal(t, deadline, conn.deadline)
}

func TestPOP3FetcherSetsSessionDeadline(t *testing.T) {
	conn := &fakePOP3Conn{}
	f := NewPOP3Fetcher(WithPOP3SessionTimeout(time.Minute), withPOP3Dialer(conn.dial))
	acc := Account{Type: "pop3", Host: "mail.example", Username: "agent", Password: "secret"}

	before := time.Now()
	require.NoError(t, f.Fetch(context.Background(), acc, &batchHandler{}))
	require.WithinDuration(t, before.Add(time.Minute), conn.deadline, 5*time.Second)
}

func TestPOP3FetcherValidation(t *testing.T) {
	f := NewPOP3Fetcher()
	for _, acc := range []Account{
		{Type: "pop3", Password: "pw"},
		{Type: "pop3", Username: "user"},
		{Type: "imap", Username: "user", Password: "pw"},
	} {
		require.Error(t, f.Fetch(context.Background(), acc, &recordingHandler{}))
	}
}

type recordingHandler struct {
	messages []*FetchedMessage
	failUID  string
}

func (h *recordingHandler) Handle(_ context.Context, msg *FetchedMessage) error {
	if h.failUID == msg.UID {
		return fmt.Errorf("fail %s", msg.UID)
	}
	h.messages = append(h.messages, msg)
	return nil
}

type batchHandler struct {
	recordingHandler
	commits   int
	commitErr error
}

func (h *batchHandler) Commit(context.Context) error {
	if h.commitErr != nil {
		return h.commitErr
	}
	h.commits++
	return nil
}

type fakePOP3Conn struct {
	uidl      []pop3.MessageID
	raw       map[int][]byte
	deleted   []int
	quitCalls int

	// hang makes RetrRaw block until the socket is closed.
	hang     bool
	closed   chan struct{}
	closeOne sync.Once
	deadline time.Time

	authErr error
	uidlErr error
	retrErr map[int]error
	deleErr error
	quitErr error
}

func (f *fakePOP3Conn) dial(context.Context, Account) (*pop3Session, error) {
	f.closed = make(chan struct{})
	return &pop3Session{drop: f, socket: f}, nil
}

func (f *fakePOP3Conn) SetDeadline(t time.Time) error {
	f.deadline = t
	return nil
}

func (f *fakePOP3Conn) Close() error {
	f.closeOne.Do(func() { close(f.closed) })
	return nil
}

func (f *fakePOP3Conn) Auth(_, _ string) error {
	return f.authErr
}

func (f *fakePOP3Conn) Quit() error {
	f.quitCalls++
	return f.quitErr
}

func (f *fakePOP3Conn) Uidl(_ int) ([]pop3.MessageID, error) {
	if f.uidlErr != nil {
		return nil, f.uidlErr
	}
	out := make([]pop3.MessageID, len(f.uidl))
	copy(out, f.uidl)
	return out, nil
}

func (f *fakePOP3Conn) RetrRaw(id int) (*bytes.Buffer, error) {
	if f.hang {
		<-f.closed
		return nil, net.ErrClosed
	}
	if err, ok := f.retrErr[id]; ok {
		return nil, err
	}
	payload, ok := f.raw[id]
	if !ok {
		return nil, fmt.Errorf("unknown message %d", id)
	}
	return bytes.NewBuffer(payload), nil
}

func (f *fakePOP3Conn) Dele(ids ...int) error {
	if f.deleErr != nil {
		return f.deleErr
	}
	f.deleted = append(f.deleted, ids...)
	return nil
}
