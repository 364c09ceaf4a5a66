package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/Prince364133/hubsnap-sub002/internal/api"
	"github.com/Prince364133/hubsnap-sub002/internal/lock"
	"github.com/Prince364133/hubsnap-sub002/internal/runner"
	"github.com/Prince364133/hubsnap-sub002/internal/runner/tasks"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduled dispatcher and inbox sync with the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	locker, closeLocker, err := lock.FromConfig(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeLocker()

	registry := runner.NewTaskRegistry()
	registry.Register(tasks.NewDispatchTask(a.dispatcher, cfg.Schedule))
	registry.Register(tasks.NewInboxSyncTask(a.inbox, cfg.Schedule))
	taskRunner := runner.NewRunner(registry,
		runner.WithLocker(locker),
		runner.WithLockTTL(cfg.Redis.LockTTL),
		runner.WithRunOnStartup(cfg.Schedule.RunOnStartup),
	)

	gin.SetMode(cfg.Server.Mode)
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	handler := api.NewHandler(a.queue, a.replies,
		api.WithHealthCheck(a.healthCheck),
		api.WithMetricsPath(metricsPath),
	)
	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		defer close(serverErr)
		log.Printf("HTTP API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			stop()
		}
	}()

	log.Printf("Dispatcher %s starting (simulated=%t)", a.dispatcher.Owner(), a.sender.Simulated())
	runErr := taskRunner.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)

	return errors.Join(runErr, shutdownErr, <-serverErr)
}
