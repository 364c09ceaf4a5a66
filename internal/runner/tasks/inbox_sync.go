package tasks

import (
	"context"
	"time"

	"github.com/Prince364133/hubsnap-sub002/internal/config"
	"github.com/Prince364133/hubsnap-sub002/internal/inboxsync"
	"github.com/Prince364133/hubsnap-sub002/internal/runner"
)

const (
	InboxSyncTaskName = "inbox-sync"

	defaultInboxSyncSchedule = "@every 5m"
	defaultInboxSyncTimeout  = 2 * time.Minute
)

// Syncer runs one mailbox poll.
type Syncer interface {
	SyncOnce(ctx context.Context) (inboxsync.SyncResult, error)
}

// InboxSyncTask polls the reply mailbox on a schedule
type InboxSyncTask struct {
	syncer   Syncer
	schedule string
	timeout  time.Duration
}

func NewInboxSyncTask(syncer Syncer, cfg config.ScheduleConfig) runner.Task {
	t := &InboxSyncTask{
		syncer:   syncer,
		schedule: cfg.InboxSync,
		timeout:  cfg.InboxSyncTimeout,
	}
	if t.schedule == "" {
		t.schedule = defaultInboxSyncSchedule
	}
	if t.timeout <= 0 {
		t.timeout = defaultInboxSyncTimeout
	}
	return t
}

func (t *InboxSyncTask) Name() string { return InboxSyncTaskName }

func (t *InboxSyncTask) Schedule() string { return t.schedule }

func (t *InboxSyncTask) Timeout() time.Duration { return t.timeout }

func (t *InboxSyncTask) Run(ctx context.Context) error {
	_, err := t.syncer.SyncOnce(ctx)
	return err
}
