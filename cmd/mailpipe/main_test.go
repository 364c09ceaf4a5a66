package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prince364133/hubsnap-sub002/internal/models"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "café…", truncate("café au lait", 5))
}

func TestWriteQueueTable(t *testing.T) {
	lastErr := "421 try again later"
	entries := []*models.QueueEntry{
		{ID: 7, To: "user@example.com", Subject: "Welcome", Priority: 5, Status: models.QueueStatusPending,
			RetryCount: 1, LastError: &lastErr, CreatedAt: time.Now().Add(-2 * time.Hour)},
	}
	var buf bytes.Buffer
	require.NoError(t, writeQueueTable(&buf, entries))

	out := buf.String()
	assert.Contains(t, out, "LAST ERROR")
	assert.Contains(t, out, "user@example.com")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "hours ago")
	assert.Contains(t, out, "421 try again later")
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "mailpipe dev")
}

func TestEnqueueWithMemoryStores(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{
		"--config", t.TempDir(), "--memory",
		"enqueue", "--to", "Jane <user@example.com>", "--subject", "Hi", "--text", "hello",
	})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "Queued email 1 for user@example.com")
}
