package mailqueue

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readParts(t *testing.T, raw []byte) (*mail.Reader, map[string]string) {
	t.Helper()
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	parts := map[string]string{}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, err := io.ReadAll(p.Body)
		require.NoError(t, err)
		parts[ct] = string(body)
	}
	return mr, parts
}

func TestBuildMessageDerivesTextAlternative(t *testing.T) {
	raw, err := BuildMessage(Envelope{
		From:      &mail.Address{Name: "Hubsnap", Address: "noreply@hubsnap.example"},
		To:        "user@example.com",
		Subject:   "Welcome aboard",
		HTML:      "<p>Hi</p>",
		MessageID: "123.abc@hubsnap.example",
		Date:      time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	})
	require.NoError(t, err)

	mr, parts := readParts(t, raw)
	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Welcome aboard", subject)

	id, err := mr.Header.MessageID()
	require.NoError(t, err)
	assert.Equal(t, "123.abc@hubsnap.example", id)

	assert.Equal(t, "<p>Hi</p>", parts["text/html"])
	text := parts["text/plain"]
	assert.Contains(t, text, "Hi")
	assert.NotContains(t, text, "<")
}

func TestBuildMessageAddsThreadHeaders(t *testing.T) {
	raw, err := BuildMessage(Envelope{
		From:      &mail.Address{Address: "support@example.com"},
		To:        "customer@example.net",
		Subject:   "Re: question",
		Text:      "Thanks for writing in.",
		InReplyTo: "<parent@example.net>",
	})
	require.NoError(t, err)

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	ids, err := mr.Header.MsgIDList("In-Reply-To")
	require.NoError(t, err)
	assert.Equal(t, []string{"parent@example.net"}, ids)

	refs, err := mr.Header.MsgIDList("References")
	require.NoError(t, err)
	assert.Equal(t, []string{"parent@example.net"}, refs)

	ct, _, err := mr.Header.ContentType()
	require.NoError(t, err)
	assert.Equal(t, "text/plain", ct)
}

func TestBuildMessageRendersMarkdownText(t *testing.T) {
	raw, err := BuildMessage(Envelope{
		From:    &mail.Address{Address: "a@example.com"},
		To:      "b@example.com",
		Subject: "Digest",
		Text:    "# This week\n\n**Three** new tools",
	})
	require.NoError(t, err)

	_, parts := readParts(t, raw)
	assert.Contains(t, parts["text/html"], "<strong>Three</strong>")
	assert.Contains(t, parts["text/plain"], "**Three**")
}

func TestBuildMessageRejectsBadInput(t *testing.T) {
	_, err := BuildMessage(Envelope{To: "b@example.com"})
	assert.Error(t, err)

	_, err = BuildMessage(Envelope{From: &mail.Address{Address: "a@example.com"}, To: "nope"})
	assert.Error(t, err)
}

func TestGenerateMessageID(t *testing.T) {
	id := GenerateMessageID("example.com")
	assert.Regexp(t, regexp.MustCompile(`^\d+\.[0-9a-f]{16}@example\.com$`), id)
	assert.NotEqual(t, id, GenerateMessageID("example.com"))
	assert.True(t, strings.HasSuffix(GenerateMessageID(""), "@localhost"))
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", DomainOf("noreply@example.com"))
	assert.Equal(t, "", DomainOf("localhost"))
	assert.Equal(t, "", DomainOf("trailing@"))
}
