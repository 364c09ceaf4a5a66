package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prince364133/hubsnap-sub002/internal/config"
	"github.com/Prince364133/hubsnap-sub002/internal/lock"
	"github.com/Prince364133/hubsnap-sub002/internal/runner"
	"github.com/Prince364133/hubsnap-sub002/internal/runner/tasks"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run a single dispatcher tick and print its summary",
	RunE:  runDispatch,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Poll the reply mailbox once and print the result",
	RunE:  runSync,
}

func runDispatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return withTaskLock(cmd.Context(), cfg, tasks.DispatchTaskName, cfg.Schedule.DispatchTimeout, func(ctx context.Context) error {
		summary, err := a.dispatcher.RunTick(ctx)
		if printErr := printJSON(cmd.OutOrStdout(), summary); printErr != nil {
			return errors.Join(err, printErr)
		}
		return err
	})
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return withTaskLock(cmd.Context(), cfg, tasks.InboxSyncTaskName, cfg.Schedule.InboxSyncTimeout, func(ctx context.Context) error {
		result, err := a.inbox.SyncOnce(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	})
}

// withTaskLock runs fn under the same distributed lock and budget the
// scheduled task uses, so a manual run never overlaps a scheduled one.
func withTaskLock(ctx context.Context, cfg *config.Config, name string, timeout time.Duration, fn func(context.Context) error) error {
	locker, closeLocker, err := lock.FromConfig(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeLocker()

	if timeout <= 0 {
		timeout = time.Minute
	}
	lease, err := locker.Acquire(ctx, name, runner.LockTTL(timeout, cfg.Redis.LockTTL))
	if errors.Is(err, lock.ErrNotAcquired) {
		return fmt.Errorf("%s is already running elsewhere", name)
	}
	if err != nil {
		return err
	}
	defer lease.Release(context.WithoutCancel(ctx))

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(runCtx)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
