package models

import (
	"strings"
	"time"
)

// QueueStatus is the lifecycle state of an outbound queue entry.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSent    QueueStatus = "sent"
	QueueStatusFailed  QueueStatus = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusSent || s == QueueStatusFailed
}

// Valid reports whether s is one of the known queue states.
func (s QueueStatus) Valid() bool {
	switch s {
	case QueueStatusPending, QueueStatusSent, QueueStatusFailed:
		return true
	}
	return false
}

// MessageKind classifies why an entry was enqueued.
type MessageKind string

const (
	KindTransactional MessageKind = "transactional"
	KindCampaign      MessageKind = "campaign"
	KindReply         MessageKind = "reply"
)

// ParseMessageKind normalizes a kind string, defaulting to transactional.
func ParseMessageKind(v string) (MessageKind, bool) {
	switch MessageKind(strings.ToLower(strings.TrimSpace(v))) {
	case "", KindTransactional:
		return KindTransactional, true
	case KindCampaign:
		return KindCampaign, true
	case KindReply:
		return KindReply, true
	}
	return "", false
}

const (
	// PriorityUrgent is the most urgent priority a producer can request.
	PriorityUrgent = 1
	// PriorityNormal is applied when a producer omits the priority.
	PriorityNormal = 5
	// PriorityBulk is the least urgent priority.
	PriorityBulk = 10
)

// QueueEntry is a unit of outbound mail work.
type QueueEntry struct {
	ID             int64       `json:"id" db:"id"`
	To             string      `json:"to" db:"recipient"`
	Subject        string      `json:"subject" db:"subject"`
	HTMLBody       string      `json:"html_body,omitempty" db:"html_body"`
	TextBody       string      `json:"text_body,omitempty" db:"text_body"`
	Priority       int         `json:"priority" db:"priority"`
	Status         QueueStatus `json:"status" db:"status"`
	RetryCount     int         `json:"retry_count" db:"retry_count"`
	LastError      *string     `json:"last_error,omitempty" db:"last_error"`
	NextRetryAt    *time.Time  `json:"next_retry_at,omitempty" db:"next_retry_at"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	SentAt         *time.Time  `json:"sent_at,omitempty" db:"sent_at"`
	CampaignID     *string     `json:"campaign_id,omitempty" db:"campaign_id"`
	Kind           MessageKind `json:"kind" db:"kind"`
	ReplyToID      *int64      `json:"reply_to_id,omitempty" db:"reply_to_id"`
	MessageID      *string     `json:"message_id,omitempty" db:"message_id"`
	LeaseOwner     *string     `json:"-" db:"lease_owner"`
	LeaseExpiresAt *time.Time  `json:"-" db:"lease_expires_at"`
}

// Clone returns a deep copy so store internals never leak shared pointers.
func (e *QueueEntry) Clone() *QueueEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.LastError = cloneString(e.LastError)
	c.NextRetryAt = cloneTime(e.NextRetryAt)
	c.SentAt = cloneTime(e.SentAt)
	c.CampaignID = cloneString(e.CampaignID)
	c.MessageID = cloneString(e.MessageID)
	c.LeaseOwner = cloneString(e.LeaseOwner)
	c.LeaseExpiresAt = cloneTime(e.LeaseExpiresAt)
	if e.ReplyToID != nil {
		id := *e.ReplyToID
		c.ReplyToID = &id
	}
	return &c
}

// Leased reports whether another dispatcher holds an unexpired claim at now.
func (e *QueueEntry) Leased(now time.Time) bool {
	return e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(now)
}

// Eligible reports whether the entry may be selected by a dispatcher at now.
func (e *QueueEntry) Eligible(now time.Time) bool {
	if e.Status != QueueStatusPending {
		return false
	}
	if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
		return false
	}
	return !e.Leased(now)
}

// LogStatus is the outcome recorded for an audited delivery attempt.
type LogStatus string

const (
	LogStatusSent   LogStatus = "sent"
	LogStatusFailed LogStatus = "failed"
)

// LogEntry is the immutable audit record of one delivery outcome.
type LogEntry struct {
	ID         int64     `json:"id" db:"id"`
	EmailID    int64     `json:"email_id" db:"email_id"`
	To         string    `json:"to" db:"recipient"`
	Subject    string    `json:"subject" db:"subject"`
	Status     LogStatus `json:"status" db:"status"`
	Error      *string   `json:"error,omitempty" db:"error"`
	Timestamp  time.Time `json:"timestamp" db:"logged_at"`
	CampaignID *string   `json:"campaign_id,omitempty" db:"campaign_id"`
	MessageID  *string   `json:"message_id,omitempty" db:"message_id"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
