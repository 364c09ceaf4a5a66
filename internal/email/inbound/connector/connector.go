package connector

import (
	"context"
	"time"

	"github.com/Prince364133/hubsnap-sub002/internal/config"
)

// Account carries the minimal set of fields a connector needs to open a mailbox.
type Account struct {
	Type     string // pop3, pop3s, imap, imaps
	Host     string
	Port     int
	Username string
	Password string
	Folder   string
}

// AccountFromConfig builds the polled account from the mailbox configuration.
func AccountFromConfig(cfg config.MailboxConfig) Account {
	return Account{
		Type:     cfg.AccountType(),
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.User,
		Password: cfg.Password,
		Folder:   cfg.Folder,
	}
}

// Configured reports whether the account has enough data to connect.
func (a Account) Configured() bool {
	return a.Host != "" && a.Username != "" && a.Password != ""
}

// FetchedMessage wraps the on-wire RFC822 payload plus derived metadata.
type FetchedMessage struct {
	Connector  string
	UID        string
	RemoteID   string
	ReceivedAt time.Time
	SizeBytes  int64
	Raw        []byte
	Metadata   map[string]string
}

// Handler receives fully fetched messages.
type Handler interface {
	Handle(ctx context.Context, msg *FetchedMessage) error
}

// BatchHandler is a Handler that persists everything it received in Commit.
// Fetchers only acknowledge messages on the server after Commit succeeds.
type BatchHandler interface {
	Handler
	Commit(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *FetchedMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg *FetchedMessage) error {
	return f(ctx, msg)
}

// Fetcher implementations (POP3, IMAP) stream messages to a handler.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, account Account, handler Handler) error
}

// Factory resolves the correct connector implementation for a mailbox.
type Factory interface {
	FetcherFor(account Account) (Fetcher, error)
}

func commit(ctx context.Context, handler Handler) error {
	if bh, ok := handler.(BatchHandler); ok {
		return bh.Commit(ctx)
	}
	return nil
}
