package tasks

import (
	"context"
	"log"
	"time"

	"github.com/Prince364133/hubsnap-sub002/internal/config"
	"github.com/Prince364133/hubsnap-sub002/internal/dispatcher"
	"github.com/Prince364133/hubsnap-sub002/internal/runner"
)

const (
	DispatchTaskName = "dispatch"

	defaultDispatchSchedule = "@every 1m"
	defaultDispatchTimeout  = 50 * time.Second
)

// Ticker runs one dispatcher tick.
type Ticker interface {
	RunTick(ctx context.Context) (dispatcher.Summary, error)
}

// DispatchTask drains the mail queue on a schedule
type DispatchTask struct {
	ticker   Ticker
	schedule string
	timeout  time.Duration
	logger   *log.Logger
}

// NewDispatchTask creates a dispatch task using the schedule settings in cfg.
func NewDispatchTask(ticker Ticker, cfg config.ScheduleConfig) runner.Task {
	t := &DispatchTask{
		ticker:   ticker,
		schedule: cfg.Dispatch,
		timeout:  cfg.DispatchTimeout,
		logger:   log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
	if t.schedule == "" {
		t.schedule = defaultDispatchSchedule
	}
	if t.timeout <= 0 {
		t.timeout = defaultDispatchTimeout
	}
	return t
}

func (t *DispatchTask) Name() string { return DispatchTaskName }

func (t *DispatchTask) Schedule() string { return t.schedule }

func (t *DispatchTask) Timeout() time.Duration { return t.timeout }

// Run executes a single dispatcher tick
func (t *DispatchTask) Run(ctx context.Context) error {
	summary, err := t.ticker.RunTick(ctx)
	if summary.Attempted > 0 {
		t.logger.Printf("attempted=%d sent=%d retried=%d failed=%d released=%d lost=%d",
			summary.Attempted, summary.Sent, summary.Retried, summary.Failed, summary.Released, summary.Lost)
	}
	return err
}
