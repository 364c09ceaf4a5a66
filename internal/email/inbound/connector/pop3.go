package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/go-pop3"
)

// maildrop is the subset of *pop3.Conn the fetcher drives.
type maildrop interface {
	Auth(user, password string) error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
	Quit() error
}

// socket is the network side of a session. Closing it unblocks any pending
// maildrop command.
type socket interface {
	SetDeadline(t time.Time) error
	Close() error
}

// pop3Session pairs a maildrop with the socket it runs on.
type pop3Session struct {
	drop   maildrop
	socket socket
}

type pop3Dialer func(ctx context.Context, account Account) (*pop3Session, error)

// POP3Fetcher reads POP3/POP3S maildrops. The whole exchange shares one
// deadline; a cancelled context closes the socket. Without deletion every
// run sees the full maildrop again and callers deduplicate by RemoteID.
type POP3Fetcher struct {
	deleteAfterFetch bool
	dialTimeout      time.Duration
	sessionTimeout   time.Duration
	now              func() time.Time
	logger           *log.Logger
	dial             pop3Dialer
}

// POP3FetcherOption customizes fetcher behavior.
type POP3FetcherOption func(*POP3Fetcher)

// NewPOP3Fetcher returns a POP3 connector.
func NewPOP3Fetcher(opts ...POP3FetcherOption) *POP3Fetcher {
	f := &POP3Fetcher{
		dialTimeout:    10 * time.Second,
		sessionTimeout: 2 * time.Minute,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         log.Default(),
	}
	f.dial = f.dialMaildrop
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithPOP3DeleteAfterFetch deletes committed messages from the maildrop.
func WithPOP3DeleteAfterFetch(delete bool) POP3FetcherOption {
	return func(f *POP3Fetcher) { f.deleteAfterFetch = delete }
}

// WithPOP3Logger overrides the diagnostics logger.
func WithPOP3Logger(logger *log.Logger) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithPOP3DialTimeout bounds connection setup.
func WithPOP3DialTimeout(timeout time.Duration) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

// WithPOP3SessionTimeout bounds a whole fetch after the connection is up.
// An earlier context deadline wins.
func WithPOP3SessionTimeout(timeout time.Duration) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if timeout > 0 {
			f.sessionTimeout = timeout
		}
	}
}

// WithPOP3Clock overrides the clock stamped on fetched messages.
func WithPOP3Clock(now func() time.Time) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

func withPOP3Dialer(dial pop3Dialer) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if dial != nil {
			f.dial = dial
		}
	}
}

func (f *POP3Fetcher) Name() string { return "pop3" }

// Fetch hands every message in the maildrop to handler and deletes them, if
// configured, only after the handler committed.
func (f *POP3Fetcher) Fetch(ctx context.Context, account Account, handler Handler) error {
	if handler == nil {
		return errors.New("pop3 fetcher requires a handler")
	}
	if err := validatePOP3Account(account); err != nil {
		return err
	}

	session, err := f.dial(ctx, account)
	if err != nil {
		return fmt.Errorf("pop3 connect: %w", err)
	}
	deadline := time.Now().Add(f.sessionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := session.socket.SetDeadline(deadline); err != nil {
		_ = session.socket.Close()
		return fmt.Errorf("pop3 deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = session.socket.Close() })

	err = f.run(ctx, session.drop, account, handler)
	if stop() {
		f.quit(session)
	}
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func (f *POP3Fetcher) run(ctx context.Context, drop maildrop, account Account, handler Handler) error {
	if err := drop.Auth(account.Username, account.Password); err != nil {
		return fmt.Errorf("pop3 auth: %w", err)
	}
	listing, err := drop.Uidl(0)
	if err != nil {
		return fmt.Errorf("pop3 uidl: %w", err)
	}
	if len(listing) == 0 {
		return nil
	}

	handed := make([]int, 0, len(listing))
	for _, entry := range listing {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := f.retrieve(drop, account, entry)
		if err != nil {
			return err
		}
		if err := handler.Handle(ctx, msg); err != nil {
			return fmt.Errorf("handler failed for pop3 uid %s: %w", msg.UID, err)
		}
		handed = append(handed, entry.ID)
	}

	if err := commit(ctx, handler); err != nil {
		return fmt.Errorf("pop3 commit: %w", err)
	}
	if !f.deleteAfterFetch {
		return nil
	}
	if err := drop.Dele(handed...); err != nil {
		return fmt.Errorf("pop3 delete: %w", err)
	}
	return nil
}

func (f *POP3Fetcher) retrieve(drop maildrop, account Account, entry pop3.MessageID) (*FetchedMessage, error) {
	payload, err := drop.RetrRaw(entry.ID)
	if err != nil {
		return nil, fmt.Errorf("pop3 retr %d: %w", entry.ID, err)
	}
	uid := entry.UID
	if uid == "" {
		uid = strconv.Itoa(entry.ID)
	}
	raw := bytes.Clone(payload.Bytes())
	meta := map[string]string{"uidl": uid, "pop3_id": strconv.Itoa(entry.ID)}
	if entry.Size > 0 {
		meta["reported_size"] = strconv.Itoa(entry.Size)
	}
	return &FetchedMessage{
		Connector:  f.Name(),
		UID:        uid,
		RemoteID:   mailboxOwner(account) + ":" + uid,
		ReceivedAt: f.now(),
		SizeBytes:  int64(len(raw)),
		Raw:        raw,
		Metadata:   meta,
	}, nil
}

// quit ends the session politely; QUIT is also what commits DELE marks.
func (f *POP3Fetcher) quit(session *pop3Session) {
	if err := session.drop.Quit(); err != nil {
		f.logger.Printf("pop3 quit error: %v", err)
		_ = session.socket.Close()
	}
}

func (f *POP3Fetcher) dialMaildrop(ctx context.Context, account Account) (*pop3Session, error) {
	if account.Host == "" {
		return nil, errors.New("pop3 account missing host")
	}
	useTLS := usePOP3TLS(account.Type)
	port := account.Port
	if port == 0 {
		port = 110
		if useTLS {
			port = 995
		}
	}
	d := &socketDialer{ctx: ctx, dialer: &net.Dialer{Timeout: f.dialTimeout}, greeting: f.dialTimeout}
	conn, err := pop3.New(pop3.Opt{
		Host:       account.Host,
		Port:       port,
		Dialer:     d,
		TLSEnabled: useTLS,
	}).NewConn()
	if err != nil {
		if d.conn != nil {
			_ = d.conn.Close()
		}
		return nil, err
	}
	return &pop3Session{drop: conn, socket: d.conn}, nil
}

// socketDialer keeps the raw connection so the fetcher can set deadlines
// and interrupt it. The greeting deadline covers the server banner.
type socketDialer struct {
	ctx      context.Context
	dialer   *net.Dialer
	greeting time.Duration
	conn     net.Conn
}

func (d *socketDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(d.ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Now().Add(d.greeting)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	d.conn = conn
	return conn, nil
}

func validatePOP3Account(account Account) error {
	switch {
	case account.Username == "":
		return errors.New("pop3 account missing username")
	case account.Password == "":
		return errors.New("pop3 account missing password")
	case !supportsPOP3(account.Type):
		return fmt.Errorf("account type %s not supported by POP3 connector", account.Type)
	}
	return nil
}

func supportsPOP3(t string) bool {
	t = strings.ToLower(t)
	return t == "pop3" || usePOP3TLS(t)
}

func usePOP3TLS(t string) bool {
	switch strings.ToLower(t) {
	case "pop3s", "pop3_tls", "pop3s_tls":
		return true
	}
	return false
}
