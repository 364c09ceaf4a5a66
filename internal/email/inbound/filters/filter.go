// Package filters screens fetched messages before they are stored as
// replies.
package filters

import (
	"bufio"
	"bytes"
	"context"

	"github.com/emersion/go-message/textproto"

	"github.com/Prince364133/hubsnap-sub002/internal/email/inbound/connector"
)

// MessageContext is the envelope filters operate on.
type MessageContext struct {
	Account connector.Account
	Message *connector.FetchedMessage
	Header  textproto.Header

	// Drop is set by a filter that rejects the message. DropReason names
	// the rule that fired.
	Drop       bool
	DropReason string
}

// NewMessageContext reads the header block of msg. A message whose header
// cannot be read gets an empty header; parsing decides its fate later.
func NewMessageContext(account connector.Account, msg *connector.FetchedMessage) *MessageContext {
	m := &MessageContext{Account: account, Message: msg}
	if msg != nil && len(msg.Raw) > 0 {
		if h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(msg.Raw))); err == nil {
			m.Header = h
		}
	}
	return m
}

// Reject marks the message as dropped.
func (m *MessageContext) Reject(reason string) {
	m.Drop = true
	m.DropReason = reason
}

// Filter inspects a message and may reject it.
type Filter interface {
	ID() string
	Apply(ctx context.Context, m *MessageContext) error
}

// Chain executes filters in order, short-circuiting on error or rejection.
type Chain struct {
	filters []Filter
}

// NewChain returns a filter chain that runs the provided filters sequentially.
func NewChain(fs ...Filter) Chain {
	return Chain{filters: fs}
}

// Len reports how many filters the chain holds.
func (c Chain) Len() int { return len(c.filters) }

// Run executes the chain.
func (c Chain) Run(ctx context.Context, m *MessageContext) error {
	for _, f := range c.filters {
		if err := f.Apply(ctx, m); err != nil {
			return err
		}
		if m.Drop {
			return nil
		}
	}
	return nil
}
