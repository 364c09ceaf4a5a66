// Package dispatcher drains the mail queue: each tick claims an ordered
// batch, attempts every entry once and commits all outcomes together.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Prince364133/hubsnap-sub002/internal/config"
	"github.com/Prince364133/hubsnap-sub002/internal/email/transfer"
	"github.com/Prince364133/hubsnap-sub002/internal/mailqueue"
	"github.com/Prince364133/hubsnap-sub002/internal/metrics"
	"github.com/Prince364133/hubsnap-sub002/internal/models"
)

const (
	DefaultBatchSize   = 20
	DefaultRetryLimit  = 3
	DefaultLeaseTTL    = 5 * time.Minute
	DefaultSendTimeout = 30 * time.Second

	maxErrorLength = 1000
)

// ReplyLookup resolves the inbound reply a queued reply answers, for
// threading headers.
type ReplyLookup interface {
	Get(ctx context.Context, id int64) (*models.ReplyRecord, error)
}

// Summary reports what one tick did. Sent, Failed and Retried count
// outcomes that were committed; Lost counts outcomes dropped because the
// lease had been taken over.
type Summary struct {
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Released  int `json:"released"`
	Lost      int `json:"lost"`
}

// Dispatcher moves pending queue entries through the transfer client.
type Dispatcher struct {
	store   mailqueue.Store
	sender  transfer.Sender
	replies ReplyLookup
	backoff BackoffPolicy

	owner       string
	batchSize   int
	retryLimit  int
	leaseTTL    time.Duration
	sendTimeout time.Duration

	now    func() time.Time
	logger *log.Logger
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

func WithRetryLimit(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.retryLimit = n
		}
	}
}

func WithBackoff(policy BackoffPolicy) Option {
	return func(d *Dispatcher) {
		if policy != nil {
			d.backoff = policy
		}
	}
}

func WithLeaseTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.leaseTTL = ttl
		}
	}
}

// WithSendTimeout bounds each individual send.
func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

// WithOwner fixes the lease owner id. Defaults to a random UUID.
func WithOwner(owner string) Option {
	return func(d *Dispatcher) {
		if owner != "" {
			d.owner = owner
		}
	}
}

// WithReplyLookup enables In-Reply-To threading for reply entries.
func WithReplyLookup(lookup ReplyLookup) Option {
	return func(d *Dispatcher) {
		d.replies = lookup
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// OptionsFromConfig translates the queue configuration into options.
func OptionsFromConfig(cfg config.QueueConfig) ([]Option, error) {
	policy, err := BackoffFromConfig(cfg.Backoff)
	if err != nil {
		return nil, err
	}
	return []Option{
		WithBatchSize(cfg.BatchSize),
		WithRetryLimit(cfg.RetryLimit),
		WithLeaseTTL(cfg.LeaseTTL),
		WithSendTimeout(cfg.SendTimeout),
		WithBackoff(policy),
	}, nil
}

// New creates a dispatcher over store and sender.
func New(store mailqueue.Store, sender transfer.Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		sender:      sender,
		backoff:     ConstantBackoff{Window: DefaultBackoffWindow},
		owner:       uuid.NewString(),
		batchSize:   DefaultBatchSize,
		retryLimit:  DefaultRetryLimit,
		leaseTTL:    DefaultLeaseTTL,
		sendTimeout: DefaultSendTimeout,
		now:         time.Now,
		logger:      log.New(log.Writer(), "[DISPATCHER] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Owner returns the lease owner id used for claims.
func (d *Dispatcher) Owner() string {
	return d.owner
}

// RunTick claims one batch and attempts each entry in order. When ctx ends
// mid-batch the unattempted entries are released and the outcomes gathered
// so far are still committed.
func (d *Dispatcher) RunTick(ctx context.Context) (Summary, error) {
	var summary Summary
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	start := time.Now()
	defer func() { metrics.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	claimed, claimErr := d.store.Claim(ctx, mailqueue.ClaimRequest{
		Owner:    d.owner,
		Limit:    d.batchSize,
		Now:      d.now().UTC(),
		LeaseTTL: d.leaseTTL,
	})
	if claimErr != nil {
		claimErr = fmt.Errorf("failed to claim mail queue batch: %w", claimErr)
		if len(claimed) == 0 {
			metrics.DispatchTicks.WithLabelValues(metrics.ResultError).Inc()
			return summary, claimErr
		}
		// Partially claimed entries are released without being attempted.
		ctx, cancel := context.WithCancel(ctx)
		cancel()
		s, err := d.process(ctx, claimed)
		metrics.DispatchTicks.WithLabelValues(metrics.ResultError).Inc()
		return s, errors.Join(claimErr, err)
	}
	if len(claimed) == 0 {
		metrics.DispatchTicks.WithLabelValues(metrics.ResultSkipped).Inc()
		return summary, nil
	}

	summary, err := d.process(ctx, claimed)
	if err != nil {
		metrics.DispatchTicks.WithLabelValues(metrics.ResultError).Inc()
		return summary, err
	}
	metrics.DispatchTicks.WithLabelValues(metrics.ResultOK).Inc()
	d.logger.Printf("Tick complete: attempted=%d sent=%d retried=%d failed=%d released=%d lost=%d",
		summary.Attempted, summary.Sent, summary.Retried, summary.Failed, summary.Released, summary.Lost)
	d.refreshDepth(ctx)
	return summary, nil
}

func (d *Dispatcher) process(ctx context.Context, claimed []*models.QueueEntry) (Summary, error) {
	var summary Summary
	batch := mailqueue.Batch{Owner: d.owner}

	for i, entry := range claimed {
		if ctx.Err() != nil {
			for _, rest := range claimed[i:] {
				batch.Release = append(batch.Release, rest.ID)
			}
			d.logger.Printf("Tick budget exhausted; releasing %d unattempted entries", len(claimed)-i)
			break
		}
		outcome, attempted := d.attempt(ctx, entry)
		if !attempted {
			batch.Release = append(batch.Release, entry.ID)
			continue
		}
		summary.Attempted++
		batch.Outcomes = append(batch.Outcomes, outcome)
	}

	// Outcomes are committed even when the tick context has ended.
	res, err := d.store.Apply(context.WithoutCancel(ctx), batch)
	if err != nil {
		return summary, fmt.Errorf("failed to apply dispatcher batch: %w", err)
	}

	lost := make(map[int64]bool, len(res.Lost))
	for _, id := range res.Lost {
		lost[id] = true
		d.logger.Printf("Lease on entry %d was lost; outcome dropped", id)
	}
	for _, o := range batch.Outcomes {
		if lost[o.ID] {
			continue
		}
		switch o.Status {
		case models.QueueStatusSent:
			summary.Sent++
		case models.QueueStatusFailed:
			summary.Failed++
		default:
			summary.Retried++
		}
	}
	summary.Released = res.Released
	summary.Lost = len(res.Lost)

	metrics.DispatchOutcomes.WithLabelValues("sent").Add(float64(summary.Sent))
	metrics.DispatchOutcomes.WithLabelValues("failed").Add(float64(summary.Failed))
	metrics.DispatchOutcomes.WithLabelValues("retried").Add(float64(summary.Retried))
	metrics.DispatchOutcomes.WithLabelValues("released").Add(float64(summary.Released))
	metrics.DispatchOutcomes.WithLabelValues("lost").Add(float64(summary.Lost))
	return summary, nil
}

// attempt sends one entry and stages its outcome. It reports false when the
// tick context ended during the send, in which case the entry is released
// instead of being charged a retry.
func (d *Dispatcher) attempt(ctx context.Context, entry *models.QueueEntry) (mailqueue.Outcome, bool) {
	msg := transfer.Message{
		To:      entry.To,
		Subject: entry.Subject,
		HTML:    entry.HTMLBody,
		Text:    entry.TextBody,
	}
	d.thread(ctx, entry, &msg)

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	receipt, err := d.safeSend(sendCtx, msg)
	cancel()

	if err != nil && ctx.Err() != nil {
		d.logger.Printf("Send of entry %d interrupted by tick deadline: %v", entry.ID, err)
		return mailqueue.Outcome{}, false
	}

	now := d.now().UTC()
	if err == nil {
		var messageID *string
		if receipt != nil && receipt.MessageID != "" {
			id := receipt.MessageID
			messageID = &id
		}
		return mailqueue.Outcome{
			ID:         entry.ID,
			Status:     models.QueueStatusSent,
			RetryCount: entry.RetryCount,
			SentAt:     &now,
			MessageID:  messageID,
			Log: &models.LogEntry{
				EmailID:    entry.ID,
				To:         entry.To,
				Subject:    entry.Subject,
				Status:     models.LogStatusSent,
				Timestamp:  now,
				CampaignID: entry.CampaignID,
				MessageID:  messageID,
			},
		}, true
	}

	retries := entry.RetryCount + 1
	lastErr := truncate(err.Error(), maxErrorLength)
	if retries >= d.retryLimit {
		d.logger.Printf("Entry %d to %s failed permanently after %d attempts: %v", entry.ID, entry.To, retries, err)
		errCopy := lastErr
		return mailqueue.Outcome{
			ID:         entry.ID,
			Status:     models.QueueStatusFailed,
			RetryCount: retries,
			LastError:  &lastErr,
			Log: &models.LogEntry{
				EmailID:    entry.ID,
				To:         entry.To,
				Subject:    entry.Subject,
				Status:     models.LogStatusFailed,
				Error:      &errCopy,
				Timestamp:  now,
				CampaignID: entry.CampaignID,
			},
		}, true
	}

	next := now.Add(d.backoff.Delay(retries))
	d.logger.Printf("Entry %d to %s failed (attempt %d/%d), retry at %s: %v",
		entry.ID, entry.To, retries, d.retryLimit, next.Format(time.RFC3339), err)
	return mailqueue.Outcome{
		ID:          entry.ID,
		Status:      models.QueueStatusPending,
		RetryCount:  retries,
		LastError:   &lastErr,
		NextRetryAt: &next,
	}, true
}

// safeSend converts a panic in the sender into an error so one entry cannot
// abort the batch.
func (d *Dispatcher) safeSend(ctx context.Context, msg transfer.Message) (receipt *transfer.Receipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transfer client panic: %v", r)
		}
	}()
	return d.sender.Send(ctx, msg)
}

func (d *Dispatcher) thread(ctx context.Context, entry *models.QueueEntry, msg *transfer.Message) {
	if d.replies == nil || entry.Kind != models.KindReply || entry.ReplyToID == nil {
		return
	}
	reply, err := d.replies.Get(ctx, *entry.ReplyToID)
	if err != nil {
		d.logger.Printf("Reply %d for entry %d not resolvable, sending unthreaded: %v", *entry.ReplyToID, entry.ID, err)
		return
	}
	if reply.MessageID != nil && *reply.MessageID != "" {
		msg.InReplyTo = *reply.MessageID
		msg.References = []string{*reply.MessageID}
	}
}

func (d *Dispatcher) refreshDepth(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stats, err := d.store.Stats(ctx)
	if err != nil {
		d.logger.Printf("Failed to refresh queue depth: %v", err)
		return
	}
	metrics.QueueDepth.WithLabelValues(string(models.QueueStatusPending)).Set(float64(stats.Pending))
	metrics.QueueDepth.WithLabelValues(string(models.QueueStatusSent)).Set(float64(stats.Sent))
	metrics.QueueDepth.WithLabelValues(string(models.QueueStatusFailed)).Set(float64(stats.Failed))
}

// truncate caps s at n bytes without splitting a rune. Invalid byte
// sequences from relay replies are replaced so the row stays storable.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
