// Package cli implements the gowas command line client.
package cli

import (
	"log/slog"
	"os"

	"github.com/me/gowas/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking GOWAS_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("GOWAS_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the gowas CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gowas",
		Short: "GoWAS: regenie GWAS workflow coordinator",
		Long:  "GoWAS initializes, plans, and monitors regenie GWAS workflows, and uploads datasets with a manifest to start them.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "GoWAS server URL (or GOWAS_SERVER env)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file for direct AWS access (default gowas.yaml)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newJobsCmd(),
		newEventCmd(),
		newFailCmd(),
		newCompleteCmd(),
		newUploadCmd(),
	)

	return root
}
