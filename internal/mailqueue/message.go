package mailqueue

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/Prince364133/hubsnap-sub002/internal/utils"
)

// Envelope carries everything needed to render one outbound message.
type Envelope struct {
	From       *mail.Address
	To         string
	Subject    string
	HTML       string
	Text       string
	MessageID  string
	InReplyTo  string
	References []string
	Date       time.Time
}

// Bodies resolves the text and HTML alternatives for an envelope. A missing
// text body is derived from the HTML; a markdown text body gains an HTML
// rendering.
func Bodies(htmlBody, textBody string) (text, html string) {
	text, html = textBody, htmlBody
	if strings.TrimSpace(text) == "" && strings.TrimSpace(html) != "" {
		text = utils.HTMLToText(html)
	}
	if strings.TrimSpace(html) == "" && utils.IsMarkdown(text) {
		html = utils.MarkdownToHTML(text)
	}
	return text, html
}

// BuildMessage renders env as an RFC 5322 message. Messages with both bodies
// are sent as multipart/alternative; text-only messages as a single part.
func BuildMessage(env Envelope) ([]byte, error) {
	if env.From == nil {
		return nil, fmt.Errorf("message requires a sender")
	}
	to, err := mail.ParseAddress(env.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", env.To, err)
	}

	text, html := Bodies(env.HTML, env.Text)

	var h mail.Header
	date := env.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{env.From})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(env.Subject)
	if env.MessageID != "" {
		h.SetMessageID(strings.Trim(env.MessageID, "<>"))
	}
	if env.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{strings.Trim(env.InReplyTo, "<>")})
		refs := make([]string, 0, len(env.References)+1)
		for _, r := range env.References {
			refs = append(refs, strings.Trim(r, "<>"))
		}
		if len(refs) == 0 {
			refs = append(refs, strings.Trim(env.InReplyTo, "<>"))
		}
		h.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	if html == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if _, err := io.WriteString(w, text); err != nil {
			return nil, fmt.Errorf("failed to write text body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish message: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if err := writeInlinePart(mw, "text/plain", text); err != nil {
		return nil, err
	}
	if err := writeInlinePart(mw, "text/html", html); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInlinePart(mw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := mw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return w.Close()
}

// GenerateMessageID creates a unique Message-ID (without angle brackets)
// under domain.
func GenerateMessageID(domain string) string {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		domain = "localhost"
	}
	randomBytes := make([]byte, 8)
	_, _ = rand.Read(randomBytes)
	return fmt.Sprintf("%d.%s@%s", time.Now().UnixNano(), hex.EncodeToString(randomBytes), domain)
}

// DomainOf returns the domain part of an address, or "" if it has none.
func DomainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 && i < len(address)-1 {
		return strings.Trim(address[i+1:], "> ")
	}
	return ""
}
