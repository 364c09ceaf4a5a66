package models

import "time"

// ReplyStatus tracks whether a consumer has opened an inbound reply.
type ReplyStatus string

const (
	ReplyStatusUnread ReplyStatus = "unread"
	ReplyStatusRead   ReplyStatus = "read"
)

// ReplyRecord is an inbound message ingested from the mailbox.
type ReplyRecord struct {
	ID         int64       `json:"id" db:"id"`
	RawID      string      `json:"raw_id" db:"raw_id"`
	From       string      `json:"from" db:"sender"`
	Subject    string      `json:"subject" db:"subject"`
	Body       string      `json:"body" db:"body"`
	ReceivedAt time.Time   `json:"received_at" db:"received_at"`
	Status     ReplyStatus `json:"status" db:"status"`
	MessageID  *string     `json:"message_id,omitempty" db:"message_id"`
	InReplyTo  *string     `json:"in_reply_to,omitempty" db:"in_reply_to"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}

// Clone returns a deep copy of the record.
func (r *ReplyRecord) Clone() *ReplyRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.MessageID = cloneString(r.MessageID)
	c.InReplyTo = cloneString(r.InReplyTo)
	return &c
}
