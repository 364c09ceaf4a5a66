// Package transfer delivers composed messages to an SMTP relay.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/Prince364133/hubsnap-sub002/internal/config"
	"github.com/Prince364133/hubsnap-sub002/internal/mailqueue"
	"github.com/Prince364133/hubsnap-sub002/internal/metrics"
)

// SimulatedResponse is the synthetic server reply for simulated sends.
const SimulatedResponse = "250 2.0.0 simulated"

// AcceptedResponse is recorded when the relay accepted DATA with a 250
// reply. The client library does not expose the reply text.
const AcceptedResponse = "250 accepted"

// Message is one outbound send request.
type Message struct {
	To         string
	Subject    string
	HTML       string
	Text       string
	InReplyTo  string
	References []string
}

// Receipt describes an accepted message. Response is one of
// AcceptedResponse or SimulatedResponse, never the relay's own text.
type Receipt struct {
	MessageID string `json:"message_id"`
	Response  string `json:"response"`
	Simulated bool   `json:"simulated"`
}

// Sender delivers messages. Dispatchers depend on this interface.
type Sender interface {
	Send(ctx context.Context, msg Message) (*Receipt, error)
}

// Settings configures a Client.
type Settings struct {
	Host           string
	Port           int
	Username       string
	Password       string
	AuthType       string
	Security       string
	SkipVerify     bool
	HelloName      string
	From           string
	FromName       string
	PoolSize       int
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// SettingsFromConfig maps the email configuration section onto Settings.
func SettingsFromConfig(cfg *config.EmailConfig) Settings {
	return Settings{
		Host:           cfg.SMTP.Host,
		Port:           cfg.SMTP.Port,
		Username:       cfg.SMTP.User,
		Password:       cfg.SMTP.Password,
		AuthType:       cfg.SMTP.AuthType,
		Security:       cfg.SMTP.EffectiveSecurity(),
		SkipVerify:     cfg.SMTP.SkipVerify,
		HelloName:      cfg.SMTP.HelloName,
		From:           cfg.From,
		FromName:       cfg.FromName,
		PoolSize:       cfg.SMTP.PoolSize,
		DialTimeout:    cfg.SMTP.DialTimeout,
		CommandTimeout: cfg.SMTP.CommandTimeout,
	}
}

// Simulated reports whether the settings lack a relay host or credentials.
func (s Settings) Simulated() bool {
	return strings.TrimSpace(s.Host) == "" || s.Username == "" || s.Password == ""
}

// Client is a pooled SMTP transfer client. Without a host or credentials it
// runs in simulation mode and accepts every message without touching the network.
type Client struct {
	settings Settings
	from     *mail.Address
	domain   string
	pool     *pool
	logger   *log.Logger
	now      func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger used for send diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the clock used for the Date header.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func withDialer(d dialFunc) Option {
	return func(c *Client) {
		if d != nil && c.pool != nil {
			c.pool.dial = d
		}
	}
}

// NewClient builds a transfer client from settings.
func NewClient(settings Settings, opts ...Option) *Client {
	if settings.PoolSize <= 0 {
		settings.PoolSize = 1
	}
	if settings.HelloName == "" {
		settings.HelloName = "localhost"
	}
	if settings.DialTimeout <= 0 {
		settings.DialTimeout = 10 * time.Second
	}
	if settings.CommandTimeout <= 0 {
		settings.CommandTimeout = 30 * time.Second
	}
	from := strings.TrimSpace(settings.From)
	if from == "" {
		from = settings.Username
	}
	if from == "" {
		from = "noreply@localhost"
	}

	c := &Client{
		settings: settings,
		from:     &mail.Address{Name: settings.FromName, Address: from},
		domain:   mailqueue.DomainOf(from),
		logger:   log.New(log.Writer(), "[TRANSFER] ", log.LstdFlags),
		now:      time.Now,
	}
	if !settings.Simulated() {
		c.pool = newPool(settings)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pool != nil {
		c.pool.logger = c.logger
	}
	return c
}

// Simulated reports whether the client runs in simulation mode.
func (c *Client) Simulated() bool {
	return c.pool == nil
}

// Send composes msg and delivers it over a pooled connection.
func (c *Client) Send(ctx context.Context, msg Message) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messageID := mailqueue.GenerateMessageID(c.domain)
	raw, err := mailqueue.BuildMessage(mailqueue.Envelope{
		From:       c.from,
		To:         msg.To,
		Subject:    msg.Subject,
		HTML:       msg.HTML,
		Text:       msg.Text,
		MessageID:  messageID,
		InReplyTo:  msg.InReplyTo,
		References: msg.References,
		Date:       c.now(),
	})
	if err != nil {
		metrics.TransferSends.WithLabelValues(metrics.ResultError).Inc()
		return nil, &SendError{Err: fmt.Errorf("failed to compose message: %w", err)}
	}

	if c.pool == nil {
		c.logger.Printf("SMTP not configured; simulated send to %s subject=%q message_id=%s (%d bytes)",
			msg.To, msg.Subject, messageID, len(raw))
		metrics.TransferSends.WithLabelValues("simulated").Inc()
		return &Receipt{MessageID: messageID, Response: SimulatedResponse, Simulated: true}, nil
	}

	start := time.Now()
	response, err := c.deliver(ctx, msg.To, raw)
	metrics.TransferLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TransferSends.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}
	metrics.TransferSends.WithLabelValues("sent").Inc()
	return &Receipt{MessageID: messageID, Response: response}, nil
}

func (c *Client) deliver(ctx context.Context, to string, raw []byte) (string, error) {
	conn, err := c.pool.acquire(ctx)
	if err != nil {
		return "", wrapSMTPError("connect", err)
	}

	// Cancellation closes the connection; the pending command then fails.
	stop := context.AfterFunc(ctx, func() { _ = conn.netConn.Close() })
	response, err := conn.send(c.from.Address, to, raw)
	cancelled := !stop()

	if err != nil || cancelled {
		c.pool.discard(conn)
		if err == nil {
			err = ctx.Err()
		}
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return "", err
	}
	c.pool.release(conn)
	return response, nil
}

// Close drains idle pooled connections.
func (c *Client) Close() error {
	if c.pool == nil {
		return nil
	}
	return c.pool.close()
}

func (pc *pooledConn) send(from, to string, raw []byte) (string, error) {
	if err := pc.client.Mail(from, nil); err != nil {
		return "", wrapSMTPError("MAIL FROM", err)
	}
	if err := pc.client.Rcpt(to, nil); err != nil {
		return "", wrapSMTPError("RCPT TO", err)
	}
	w, err := pc.client.Data()
	if err != nil {
		return "", wrapSMTPError("DATA", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return "", wrapSMTPError("DATA", err)
	}
	if err := w.Close(); err != nil {
		return "", wrapSMTPError("DATA", err)
	}
	return AcceptedResponse, nil
}

var _ io.Closer = (*Client)(nil)
