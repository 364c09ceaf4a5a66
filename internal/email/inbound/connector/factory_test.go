package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type noopFetcher struct{}

func (noopFetcher) Name() string { return "noop" }

func (noopFetcher) Fetch(ctx context.Context, account Account, handler Handler) error { return nil }

func TestFactoryReturnsRegisteredFetcher(t *testing.T) {
	fetcher := noopFetcher{}
	factory := NewFactory(WithFetcher(fetcher, "Pop3"))

	connFetcher, err := factory.FetcherFor(Account{Type: "POP3"})
	if err != nil {
		t.Fatalf("expected fetcher, got error %v", err)
	}
	if connFetcher.Name() != "noop" {
		t.Fatalf("unexpected fetcher %s", connFetcher.Name())
	}
}

func TestDefaultFactoryResolvesBuiltins(t *testing.T) {
	factory := DefaultFactory(FetchSettings{})

	for accountType, name := range map[string]string{
		"imap":  "imap",
		"IMAPS": "imap",
		"pop3":  "pop3",
		"pop3s": "pop3",
	} {
		f, err := factory.FetcherFor(Account{Type: accountType})
		require.NoError(t, err, accountType)
		require.Equal(t, name, f.Name())
	}

	_, err := factory.FetcherFor(Account{Type: "graph"})
	require.Error(t, err)
}
