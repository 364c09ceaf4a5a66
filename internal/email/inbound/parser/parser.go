// Package parser extracts the reply fields the inbox sync job stores from a
// raw RFC 5322 message.
package parser

import (
	"bytes"
	"errors"
	"io"
	"log"
	"mime"
	stdmail "net/mail"
	"strings"
	"time"
	"unicode/utf8"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/Prince364133/hubsnap-sub002/internal/utils"
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

const defaultBodyLimit = 128 * 1024

// ErrEmptyMessage is returned for a zero-length payload.
var ErrEmptyMessage = errors.New("empty message")

// Message is the parsed view of an inbound email.
type Message struct {
	From       string
	Subject    string
	Body       string
	Date       time.Time
	MessageID  string
	InReplyTo  string
	References []string
}

// Parser decodes raw messages. The zero value is not usable; call New.
type Parser struct {
	logger    *log.Logger
	bodyLimit int64
	now       func() time.Time
	decoder   *mime.WordDecoder
}

// Option customizes a Parser.
type Option func(*Parser)

// New returns a parser with a 128 KiB body limit.
func New(opts ...Option) *Parser {
	p := &Parser{
		logger:    log.Default(),
		bodyLimit: defaultBodyLimit,
		now:       func() time.Time { return time.Now().UTC() },
		decoder:   &mime.WordDecoder{CharsetReader: htmlcharset.NewReaderLabel},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// WithLogger overrides the diagnostics logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithBodyLimit caps how many bytes of a body part are read.
func WithBodyLimit(limit int64) Option {
	return func(p *Parser) {
		if limit > 0 {
			p.bodyLimit = limit
		}
	}
}

// WithClock overrides the time used when neither a Date header nor a
// fallback time is available.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		if now != nil {
			p.now = now
		}
	}
}

// Parse decodes raw. received is used when the Date header is missing or
// unparsable; when it is zero as well the parser clock is used.
func (p *Parser) Parse(raw []byte, received time.Time) (*Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyMessage
	}

	msg, err := p.parseStructured(raw)
	if err != nil {
		p.logger.Printf("parser: structured parse failed, using fallback: %v", err)
		msg, err = p.parseLegacy(raw)
		if err != nil {
			return nil, err
		}
	}

	if msg.Date.IsZero() {
		msg.Date = received
	}
	if msg.Date.IsZero() {
		msg.Date = p.now()
	}
	msg.Date = msg.Date.UTC()
	msg.From = toUTF8(msg.From)
	msg.Subject = toUTF8(msg.Subject)
	msg.Body = strings.TrimSpace(toUTF8(msg.Body))
	return msg, nil
}

// legacyCharset decodes 8-bit text that arrives without a usable charset.
var legacyCharset, _ = htmlcharset.Lookup("windows-1252")

// toUTF8 returns s unchanged when it is valid UTF-8 and otherwise decodes it
// as windows-1252, the de facto charset of unlabelled 8-bit mail.
func toUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	if legacyCharset != nil {
		if decoded, err := legacyCharset.NewDecoder().String(s); err == nil && utf8.ValidString(decoded) {
			return decoded
		}
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}

func (p *Parser) parseStructured(raw []byte) (*Message, error) {
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, err
	}
	defer reader.Close()

	msg := &Message{
		Subject:   p.subjectFromHeader(&reader.Header),
		From:      p.addressFromHeader(&reader.Header),
		MessageID: normalizeMessageID(reader.Header.Get("Message-Id")),
		InReplyTo: normalizeMessageID(firstMessageID(reader.Header.Get("In-Reply-To"))),
	}
	msg.References = uniqueMessageIDs(reader.Header.Values("References")...)
	if date, err := reader.Header.Date(); err == nil {
		msg.Date = date
	}

	plain, html := p.readBodyParts(reader)
	switch {
	case plain != "":
		msg.Body = plain
	case html != "":
		msg.Body = utils.HTMLToText(html)
	}
	return msg, nil
}

func (p *Parser) parseLegacy(raw []byte) (*Message, error) {
	reader, err := stdmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	msg := &Message{
		Subject:    p.decodeHeader(reader.Header.Get("Subject")),
		From:       p.parseAddress(reader.Header.Get("From")),
		MessageID:  normalizeMessageID(reader.Header.Get("Message-Id")),
		InReplyTo:  normalizeMessageID(firstMessageID(reader.Header.Get("In-Reply-To"))),
		References: uniqueMessageIDs(reader.Header.Get("References")),
	}
	if date, err := reader.Header.Date(); err == nil {
		msg.Date = date
	}
	body, err := io.ReadAll(io.LimitReader(reader.Body, p.bodyLimit))
	if err != nil {
		return nil, err
	}
	msg.Body = string(body)
	if utils.IsHTML(msg.Body) {
		msg.Body = utils.HTMLToText(msg.Body)
	}
	return msg, nil
}

// readBodyParts returns the first text/plain and the first text/html body.
func (p *Parser) readBodyParts(reader *gomail.Reader) (string, string) {
	var plain, html string
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			p.logger.Printf("parser: read part failed: %v", err)
			break
		}
		header, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, err := header.ContentType()
		if err != nil || mediaType == "" {
			mediaType = "text/plain"
		}
		mediaType = strings.ToLower(mediaType)
		if !strings.HasPrefix(mediaType, "text/") {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(part.Body, p.bodyLimit))
		if err != nil {
			p.logger.Printf("parser: read part body failed: %v", err)
			continue
		}
		text := strings.TrimSpace(string(body))
		if text == "" {
			continue
		}
		switch {
		case mediaType == "text/html":
			if html == "" {
				html = text
			}
		case plain == "":
			plain = text
		}
	}
	return plain, html
}

func (p *Parser) subjectFromHeader(header *gomail.Header) string {
	if subject, err := header.Subject(); err == nil {
		return strings.TrimSpace(subject)
	}
	return p.decodeHeader(header.Get("Subject"))
}

func (p *Parser) addressFromHeader(header *gomail.Header) string {
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0].Address)
	}
	return p.parseAddress(header.Get("From"))
}

func (p *Parser) decodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	decoded, err := p.decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return strings.TrimSpace(decoded)
}

func (p *Parser) parseAddress(value string) string {
	value = toUTF8(p.decodeHeader(value))
	if value == "" {
		return ""
	}
	if addr, err := stdmail.ParseAddress(value); err == nil {
		return strings.TrimSpace(addr.Address)
	}
	return value
}

func firstMessageID(raw string) string {
	ids := parseMessageIDs(raw)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func uniqueMessageIDs(values ...string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, raw := range values {
		for _, id := range parseMessageIDs(raw) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

func parseMessageIDs(raw string) []string {
	var ids []string
	for _, field := range strings.Fields(raw) {
		if id := normalizeMessageID(field); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func normalizeMessageID(value string) string {
	value = strings.TrimSpace(value)
	value = strings.Trim(value, "<>")
	value = strings.Trim(value, "\"")
	return strings.TrimSpace(value)
}
