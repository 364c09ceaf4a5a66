// Package inboxsync polls the configured mailbox and records new replies.
package inboxsync

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/Prince364133/hubsnap-sub002/internal/email/inbound/connector"
	"github.com/Prince364133/hubsnap-sub002/internal/email/inbound/filters"
	"github.com/Prince364133/hubsnap-sub002/internal/email/inbound/parser"
	"github.com/Prince364133/hubsnap-sub002/internal/metrics"
	"github.com/Prince364133/hubsnap-sub002/internal/models"
	"github.com/Prince364133/hubsnap-sub002/internal/replies"
)

// SyncResult reports one sync run. Duplicates are fetched messages whose
// raw id was already stored; Filtered were rejected as auto-responses.
type SyncResult struct {
	Fetched    int  `json:"fetched"`
	Inserted   int  `json:"inserted"`
	Duplicates int  `json:"duplicates"`
	Filtered   int  `json:"filtered"`
	Skipped    bool `json:"skipped"`
}

// Job reads the mailbox and upserts replies.
type Job struct {
	account connector.Account
	factory connector.Factory
	store   replies.Store
	parser  *parser.Parser
	filters *filters.Chain
	logger  *log.Logger

	// runs serializes SyncOnce within a process.
	runs sync.Mutex
}

// Option customizes a Job.
type Option func(*Job)

func WithLogger(logger *log.Logger) Option {
	return func(j *Job) {
		if logger != nil {
			j.logger = logger
		}
	}
}

func WithParser(p *parser.Parser) Option {
	return func(j *Job) {
		if p != nil {
			j.parser = p
		}
	}
}

// WithFilters replaces the default auto-response filter chain. An empty
// chain stores every parsable message.
func WithFilters(chain filters.Chain) Option {
	return func(j *Job) {
		j.filters = &chain
	}
}

// New creates a sync job for account.
func New(account connector.Account, factory connector.Factory, store replies.Store, opts ...Option) *Job {
	j := &Job{
		account: account,
		factory: factory,
		store:   store,
		logger:  log.New(log.Writer(), "[INBOX-SYNC] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.parser == nil {
		j.parser = parser.New(parser.WithLogger(j.logger))
	}
	if j.filters == nil {
		chain := filters.NewChain(filters.NewAutoResponseFilter(j.logger))
		j.filters = &chain
	}
	return j
}

// SyncOnce fetches unseen messages and stores them as unread replies. A
// mailbox without credentials is skipped without error. Nothing is stored
// unless the whole run succeeds.
func (j *Job) SyncOnce(ctx context.Context) (SyncResult, error) {
	j.runs.Lock()
	defer j.runs.Unlock()

	var result SyncResult
	if !j.account.Configured() {
		j.logger.Println("Mailbox credentials not configured, skipping inbox sync")
		metrics.InboxSyncs.WithLabelValues(metrics.ResultSkipped).Inc()
		result.Skipped = true
		return result, nil
	}

	fetcher, err := j.factory.FetcherFor(j.account)
	if err != nil {
		metrics.InboxSyncs.WithLabelValues(metrics.ResultError).Inc()
		return result, fmt.Errorf("resolve mailbox connector: %w", err)
	}

	collector := &replyCollector{
		account: j.account,
		filters: *j.filters,
		parser:  j.parser,
		store:   j.store,
		logger:  j.logger,
	}
	if err := fetcher.Fetch(ctx, j.account, collector); err != nil {
		j.logger.Printf("Inbox sync via %s failed: %v", fetcher.Name(), err)
		metrics.InboxSyncs.WithLabelValues(metrics.ResultError).Inc()
		return result, fmt.Errorf("inbox sync: %w", err)
	}

	result.Fetched = len(collector.records) + collector.skipped + collector.filtered
	result.Inserted = collector.inserted
	result.Duplicates = len(collector.records) - collector.inserted
	result.Filtered = collector.filtered
	metrics.InboxMessages.WithLabelValues("inserted").Add(float64(result.Inserted))
	metrics.InboxMessages.WithLabelValues("duplicate").Add(float64(result.Duplicates))
	metrics.InboxMessages.WithLabelValues("filtered").Add(float64(result.Filtered))
	metrics.InboxMessages.WithLabelValues("unparsable").Add(float64(collector.skipped))
	metrics.InboxSyncs.WithLabelValues(metrics.ResultOK).Inc()

	if result.Fetched > 0 {
		j.logger.Printf("Inbox sync complete: fetched=%d inserted=%d duplicates=%d filtered=%d",
			result.Fetched, result.Inserted, result.Duplicates, result.Filtered)
	}
	return result, nil
}

// replyCollector buffers parsed replies and writes them in one batch when
// the connector commits.
type replyCollector struct {
	account  connector.Account
	filters  filters.Chain
	parser   *parser.Parser
	store    replies.Store
	logger   *log.Logger
	records  []*models.ReplyRecord
	skipped  int
	filtered int

	inserted int
}

func (c *replyCollector) Handle(ctx context.Context, msg *connector.FetchedMessage) error {
	mc := filters.NewMessageContext(c.account, msg)
	if err := c.filters.Run(ctx, mc); err != nil {
		return fmt.Errorf("filter message %s: %w", msg.RemoteID, err)
	}
	if mc.Drop {
		c.filtered++
		return nil
	}

	parsed, err := c.parser.Parse(msg.Raw, msg.ReceivedAt)
	if err != nil {
		c.logger.Printf("Skipping unparsable message %s: %v", msg.RemoteID, err)
		c.skipped++
		return nil
	}
	record := &models.ReplyRecord{
		RawID:      msg.RemoteID,
		From:       parsed.From,
		Subject:    parsed.Subject,
		Body:       parsed.Body,
		ReceivedAt: parsed.Date,
		Status:     models.ReplyStatusUnread,
		MessageID:  optional(parsed.MessageID),
		InReplyTo:  optional(parsed.InReplyTo),
	}
	c.records = append(c.records, record)
	return nil
}

func (c *replyCollector) Commit(ctx context.Context) error {
	if len(c.records) == 0 {
		return nil
	}
	n, err := c.store.UpsertBatch(ctx, c.records)
	if err != nil {
		return fmt.Errorf("store replies: %w", err)
	}
	c.inserted = n
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ connector.BatchHandler = (*replyCollector)(nil)
