package connector

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// FactoryOption customizes a connector factory.
type FactoryOption func(*simpleFactory)

type simpleFactory struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewFactory builds a connector factory with the provided options.
func NewFactory(opts ...FactoryOption) Factory {
	f := &simpleFactory{fetchers: make(map[string]Fetcher)}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// FetchSettings are shared by the built-in connectors.
type FetchSettings struct {
	DeleteAfterFetch bool
	DialTimeout      time.Duration
	Logger           *log.Logger

	// SessionTimeout bounds a POP3 fetch once connected.
	SessionTimeout time.Duration
}

// DefaultFactory returns a factory preloaded with the IMAP and POP3 connectors.
func DefaultFactory(settings FetchSettings) Factory {
	pop := NewPOP3Fetcher(
		WithPOP3DeleteAfterFetch(settings.DeleteAfterFetch),
		WithPOP3DialTimeout(settings.DialTimeout),
		WithPOP3SessionTimeout(settings.SessionTimeout),
		WithPOP3Logger(settings.Logger),
	)
	imap := NewIMAPFetcher(
		WithIMAPDeleteAfterFetch(settings.DeleteAfterFetch),
		WithIMAPDialTimeout(settings.DialTimeout),
		WithIMAPLogger(settings.Logger),
	)
	return NewFactory(
		WithFetcher(pop, "pop3", "pop3s", "pop3_tls", "pop3s_tls"),
		WithFetcher(imap, "imap", "imaps", "imap_tls", "imaps_tls", "imaptls"),
	)
}

// WithFetcher registers a fetcher for the provided account types.
func WithFetcher(fetcher Fetcher, accountTypes ...string) FactoryOption {
	return func(f *simpleFactory) {
		if f == nil || fetcher == nil {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, t := range accountTypes {
			key := normalizeType(t)
			if key == "" {
				continue
			}
			f.fetchers[key] = fetcher
		}
	}
}

func (f *simpleFactory) FetcherFor(account Account) (Fetcher, error) {
	key := normalizeType(account.Type)
	f.mu.RLock()
	fetcher, ok := f.fetchers[key]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no connector registered for account type %s", account.Type)
	}
	return fetcher, nil
}

func normalizeType(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
