package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/Prince364133/hubsnap-sub002/internal/config"
	"github.com/Prince364133/hubsnap-sub002/internal/database"
	"github.com/Prince364133/hubsnap-sub002/internal/dispatcher"
	"github.com/Prince364133/hubsnap-sub002/internal/email/inbound/connector"
	"github.com/Prince364133/hubsnap-sub002/internal/email/inbound/filters"
	"github.com/Prince364133/hubsnap-sub002/internal/email/transfer"
	"github.com/Prince364133/hubsnap-sub002/internal/inboxsync"
	"github.com/Prince364133/hubsnap-sub002/internal/mailqueue"
	"github.com/Prince364133/hubsnap-sub002/internal/replies"
)

// app holds the wired pipeline components shared by every command.
type app struct {
	cfg        *config.Config
	db         *sqlx.DB
	queue      mailqueue.Store
	replies    replies.Store
	sender     *transfer.Client
	dispatcher *dispatcher.Dispatcher
	inbox      *inboxsync.Job

	closers []func() error
}

// loadConfig reads and validates the configuration from --config.
func loadConfig() (*config.Config, error) {
	if err := config.Load(configDirFlag); err != nil {
		return nil, err
	}
	cfg := config.Get()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := configureLogging(cfg.Logging); err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings() {
		log.Printf("WARNING: %s", w)
	}
	return cfg, nil
}

func configureLogging(cfg config.LoggingConfig) error {
	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log output: %w", err)
		}
		out = f
	}
	log.SetOutput(out)
	return nil
}

// openStores connects the queue and reply stores, in memory or over SQL.
func openStores(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if memoryFlag {
		log.Println("Using in-memory stores; queued mail is lost on exit")
		a.queue = mailqueue.NewMemoryStore()
		a.replies = replies.NewMemoryStore()
		return a, nil
	}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	if cfg.Database.AutoMigrate {
		if _, err := database.Migrate(ctx, db); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	a.queue = mailqueue.NewSQLStore(db)
	a.replies = replies.NewSQLStore(db)
	return a, nil
}

// newApp wires stores, the transfer client, the dispatcher and the inbox
// sync job from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.sender = transfer.NewClient(transfer.SettingsFromConfig(&cfg.Email))
	a.closers = append(a.closers, a.sender.Close)

	opts, err := dispatcher.OptionsFromConfig(cfg.Email.Queue)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	opts = append(opts, dispatcher.WithReplyLookup(a.replies))
	a.dispatcher = dispatcher.New(a.queue, a.sender, opts...)

	mailbox := cfg.Email.Mailbox
	factory := connector.DefaultFactory(connector.FetchSettings{
		DeleteAfterFetch: mailbox.DeleteAfterFetch,
		DialTimeout:      mailbox.DialTimeout,
		SessionTimeout:   cfg.Schedule.InboxSyncTimeout,
	})
	var syncOpts []inboxsync.Option
	if !mailbox.FilterAutoResponses {
		syncOpts = append(syncOpts, inboxsync.WithFilters(filters.NewChain()))
	}
	a.inbox = inboxsync.New(connector.AccountFromConfig(mailbox), factory, a.replies, syncOpts...)
	return a, nil
}

// healthCheck pings the database when one is configured.
func (a *app) healthCheck(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.PingContext(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
