package filters

import (
	"context"
	"log"
	"net/mail"
	"strings"
)

// AutoResponseFilter rejects machine-generated mail: vacation replies,
// list traffic and delivery status notifications. Storing those as replies
// would invite a reply loop.
type AutoResponseFilter struct {
	logger *log.Logger
}

// NewAutoResponseFilter constructs a filter instance.
func NewAutoResponseFilter(logger *log.Logger) *AutoResponseFilter {
	return &AutoResponseFilter{logger: logger}
}

// ID returns the filter identifier.
func (f *AutoResponseFilter) ID() string { return "auto_response" }

// Apply checks the RFC 3834 and de facto auto-reply markers.
func (f *AutoResponseFilter) Apply(_ context.Context, m *MessageContext) error {
	if m == nil {
		return nil
	}
	if reason := autoResponseReason(m); reason != "" {
		m.Reject(reason)
		if f.logger != nil && m.Message != nil {
			f.logger.Printf("auto_response: dropping %s (%s)", m.Message.RemoteID, reason)
		}
	}
	return nil
}

func autoResponseReason(m *MessageContext) string {
	h := m.Header

	if v := headerValue(h.Get("Auto-Submitted")); v != "" && v != "no" {
		return "auto-submitted: " + v
	}
	switch v := headerValue(h.Get("Precedence")); v {
	case "bulk", "junk", "list", "auto_reply":
		return "precedence: " + v
	}
	for _, key := range []string{"X-Autoreply", "X-Autorespond"} {
		if v := headerValue(h.Get(key)); v != "" && v != "no" {
			return strings.ToLower(key)
		}
	}
	if strings.HasPrefix(headerValue(h.Get("Content-Type")), "multipart/report") {
		return "delivery report"
	}
	if isDaemonSender(h.Get("From")) {
		return "mailer daemon"
	}
	return ""
}

func isDaemonSender(from string) bool {
	addr := strings.TrimSpace(from)
	if parsed, err := mail.ParseAddress(from); err == nil {
		addr = parsed.Address
	}
	local, _, _ := strings.Cut(strings.ToLower(addr), "@")
	switch local {
	case "mailer-daemon", "postmaster":
		return true
	}
	return false
}

func headerValue(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v
}
