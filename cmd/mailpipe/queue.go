package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/xeonx/timeago"

	"github.com/Prince364133/hubsnap-sub002/internal/api"
	"github.com/Prince364133/hubsnap-sub002/internal/mailqueue"
	"github.com/Prince364133/hubsnap-sub002/internal/models"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Add a message to the outbound queue",
	Example: `  mailpipe enqueue --to user@example.com --subject "Welcome" --html "<p>Hi</p>"
  mailpipe enqueue --to user@example.com --subject "Digest" --text "..." --priority 10 --campaign weekly`,
	RunE: runEnqueue,
}

var enqueueReq api.EnqueueRequest

func init() {
	f := enqueueCmd.Flags()
	f.StringVar(&enqueueReq.To, "to", "", "Recipient address (required)")
	f.StringVar(&enqueueReq.Subject, "subject", "", "Subject line (required)")
	f.StringVar(&enqueueReq.HTMLBody, "html", "", "HTML body")
	f.StringVar(&enqueueReq.TextBody, "text", "", "Plain text or markdown body")
	f.IntVar(&enqueueReq.Priority, "priority", models.PriorityNormal, "Priority, 1 is most urgent")
	f.StringVar(&enqueueReq.CampaignID, "campaign", "", "Campaign id")
	_ = enqueueCmd.MarkFlagRequired("to")
	_ = enqueueCmd.MarkFlagRequired("subject")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	entry := enqueueReq.Entry()
	if err := a.queue.Enqueue(cmd.Context(), entry); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued email %d for %s\n", entry.ID, entry.To)
	return nil
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the outbound queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue entries, newest first",
	RunE:  runQueueList,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count queue entries by status",
	RunE:  runQueueStats,
}

var (
	queueStatusFlag string
	queueLimitFlag  int
)

func init() {
	queueListCmd.Flags().StringVar(&queueStatusFlag, "status", "", "Filter by status (pending, sent, failed)")
	queueListCmd.Flags().IntVar(&queueLimitFlag, "limit", 50, "Maximum entries to show")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatsCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	status := models.QueueStatus(queueStatusFlag)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", queueStatusFlag)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.queue.List(cmd.Context(), mailqueue.ListFilter{Status: status, Limit: queueLimitFlag})
	if err != nil {
		return err
	}
	return writeQueueTable(cmd.OutOrStdout(), entries)
}

func writeQueueTable(out io.Writer, entries []*models.QueueEntry) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tRETRIES\tTO\tSUBJECT\tCREATED\tLAST ERROR")
	for _, e := range entries {
		lastErr := ""
		if e.LastError != nil {
			lastErr = truncate(*e.LastError, 60)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
			e.ID, e.Status, e.Priority, e.RetryCount, e.To, truncate(e.Subject, 40),
			timeago.English.Format(e.CreatedAt), lastErr)
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.queue.Stats(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	for _, row := range []struct {
		label string
		n     int64
	}{
		{"pending", stats.Pending},
		{"sent", stats.Sent},
		{"failed", stats.Failed},
		{"total", stats.Total},
	} {
		fmt.Fprintf(w, "%s\t%s\n", row.label, strconv.FormatInt(row.n, 10))
	}
	return w.Flush()
}
