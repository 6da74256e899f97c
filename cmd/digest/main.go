package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	userFlag    string
	accountFlag string
	dateFlag    string
	typeFlag    string
)

var rootCmd = &cobra.Command{
	Use:   "digest",
	Short: "Daily content digest pipeline",
	Long: `Collects bookmarks, a categorized home feed and tracked list activity
for every configured account once a day, and reports when each day's digest is ready.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(workerCmd, scheduleCmd, triggerCmd, stopCmd, forceStartCmd,
		restartFailedCmd, startCmd, purgeCmd, statusCmd, syncListsCmd, seedCmd, migrateCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// addTarget registers the user and account selectors on cmd.
func addTarget(cmd *cobra.Command, withDate bool) {
	cmd.Flags().StringVarP(&userFlag, "user", "u", "", "username")
	cmd.Flags().StringVarP(&accountFlag, "account", "a", "", "account handle, optional when the user has one account")
	_ = cmd.MarkFlagRequired("user")
	if withDate {
		cmd.Flags().StringVarP(&dateFlag, "date", "d", "", "processing date (YYYY-MM-DD), defaults to today in UTC")
	}
}

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
