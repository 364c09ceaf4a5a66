package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks the configuration for values the pipeline cannot run with.
// Missing SMTP or mailbox credentials are not errors: outbound delivery falls
// back to simulation and inbox sync becomes a no-op.
func (c *Config) Validate() error {
	v := &configValidator{config: c}
	v.validateServer()
	v.validateDatabase()
	v.validateQueue()
	v.validateSMTP()
	v.validateMailbox()
	v.validateSchedule()
	return errors.Join(v.errs...)
}

// Warnings lists non-fatal observations worth logging at startup.
func (c *Config) Warnings() []string {
	var out []string
	if !c.Email.SMTP.HasCredentials() {
		out = append(out, "SMTP credentials not configured; outbound mail will be simulated")
	}
	if !c.Email.Mailbox.HasCredentials() {
		out = append(out, "mailbox credentials not configured; inbox sync is disabled")
	}
	if c.App.IsProduction() && c.Email.SMTP.SkipVerify {
		out = append(out, "email.smtp.skip_verify is enabled in production")
	}
	return out
}

type configValidator struct {
	config *Config
	errs   []error
}

func (v *configValidator) addError(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *configValidator) validateServer() {
	s := v.config.Server
	switch s.Mode {
	case "debug", "release", "test":
	default:
		v.addError("server.mode %q must be debug, release or test", s.Mode)
	}
	if s.Port <= 0 || s.Port > 65535 {
		v.addError("server.port %d is out of range", s.Port)
	}
}

func (v *configValidator) validateDatabase() {
	db := v.config.Database
	switch db.Driver {
	case "sqlite3":
		if strings.TrimSpace(db.Path) == "" {
			v.addError("database.path is required for sqlite3")
		}
	case "mysql", "postgres":
		if strings.TrimSpace(db.Host) == "" {
			v.addError("database.host is required for %s", db.Driver)
		}
		if strings.TrimSpace(db.Name) == "" {
			v.addError("database.name is required for %s", db.Driver)
		}
	default:
		v.addError("database.driver %q is not supported", db.Driver)
	}
}

func (v *configValidator) validateQueue() {
	q := v.config.Email.Queue
	if q.BatchSize <= 0 {
		v.addError("email.queue.batch_size must be positive, got %d", q.BatchSize)
	}
	if q.RetryLimit <= 0 {
		v.addError("email.queue.retry_limit must be positive, got %d", q.RetryLimit)
	}
	if q.LeaseTTL <= 0 {
		v.addError("email.queue.lease_ttl must be positive")
	}
	// A lease that expires mid-tick lets another dispatcher claim the entry.
	if timeout := v.config.Schedule.DispatchTimeout; q.LeaseTTL > 0 && q.LeaseTTL <= timeout {
		v.addError("email.queue.lease_ttl %s must be longer than schedule.dispatch_timeout %s", q.LeaseTTL, timeout)
	}
	if q.SendTimeout <= 0 {
		v.addError("email.queue.send_timeout must be positive")
	}
	switch q.Backoff.Strategy {
	case "constant":
		if q.Backoff.Window <= 0 {
			v.addError("email.queue.backoff.window must be positive")
		}
	case "exponential":
		if q.Backoff.Window <= 0 {
			v.addError("email.queue.backoff.window must be positive")
		}
		if q.Backoff.Factor < 1 {
			v.addError("email.queue.backoff.factor must be at least 1, got %g", q.Backoff.Factor)
		}
		if q.Backoff.Max > 0 && q.Backoff.Max < q.Backoff.Window {
			v.addError("email.queue.backoff.max must not be shorter than the window")
		}
	default:
		v.addError("email.queue.backoff.strategy %q is not supported", q.Backoff.Strategy)
	}
}

func (v *configValidator) validateSMTP() {
	s := v.config.Email.SMTP
	if s.PoolSize <= 0 {
		v.addError("email.smtp.pool_size must be positive, got %d", s.PoolSize)
	}
	switch strings.ToLower(s.AuthType) {
	case "", "plain", "login":
	default:
		v.addError("email.smtp.auth_type %q is not supported", s.AuthType)
	}
	if s.HasCredentials() && (s.Port <= 0 || s.Port > 65535) {
		v.addError("email.smtp.port %d is out of range", s.Port)
	}
}

func (v *configValidator) validateMailbox() {
	m := v.config.Email.Mailbox
	switch m.AccountType() {
	case "imap", "imaps", "pop3", "pop3s":
	default:
		v.addError("email.mailbox.type %q is not supported", m.Type)
	}
	if m.HasCredentials() && m.Port < 0 {
		v.addError("email.mailbox.port %d is out of range", m.Port)
	}
}

func (v *configValidator) validateSchedule() {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for key, spec := range map[string]string{
		"schedule.dispatch":   v.config.Schedule.Dispatch,
		"schedule.inbox_sync": v.config.Schedule.InboxSync,
	} {
		if _, err := parser.Parse(spec); err != nil {
			v.addError("%s %q is invalid: %w", key, spec, err)
		}
	}
}
