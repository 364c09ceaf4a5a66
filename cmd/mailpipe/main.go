package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Prince364133/hubsnap-sub002/internal/version"
)

var (
	configDirFlag string
	memoryFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "mailpipe",
	Short: "Transactional email delivery pipeline",
	Long: `mailpipe drains the outbound mail queue through SMTP with retries and
records replies polled from an IMAP or POP3 mailbox.

Without SMTP credentials outbound delivery is simulated; without mailbox
credentials inbox sync is skipped.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDirFlag, "config", "config", "Directory holding default.yaml, config.yaml and .env")
	rootCmd.PersistentFlags().BoolVar(&memoryFlag, "memory", false, "Use in-memory stores instead of the configured database")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mailpipe %s\n", version.Full())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
