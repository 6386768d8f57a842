// Package cmd defines and implements the CLI commands for the rangecrawler executable.
package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs the ID range to completion",
		Long: `Validates the proxy list, then dispatches every ID from the saved cursor
up to ids.max. SIGINT or SIGTERM stops dispatching and waits for in-flight
fetches; the next run resumes from the persisted cursor.`,
		RunE: withApp(runCrawlCommand),
	}
}

func runCrawlCommand(cmd *cobra.Command, appInstance App) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := appInstance.Crawl(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			appInstance.Logger().Warn("Crawl interrupted; rerun to resume from the saved cursor.")
			return nil
		}
		return err
	}
	appInstance.Logger().Info("Crawl command finished.")
	return nil
}
