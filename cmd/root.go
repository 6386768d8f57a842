package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rangecrawler/internal/app"
	"github.com/JakeFAU/rangecrawler/internal/config"
	"github.com/JakeFAU/rangecrawler/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use.
// Tests inject a fake through newApp.
type App interface {
	Logger() *zap.Logger
	Crawl(ctx context.Context) error
	CheckProxies(ctx context.Context) (int, error)
	Close() error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "rangecrawler",
		Short: "Enumerates a numeric ID range against a GraphQL API through rotating proxies.",
		Long: `rangecrawler walks an inclusive ID range, fetching one record per ID
through a pool of forward proxies. Proxies that fail are evicted, progress is
checkpointed so an interrupted run resumes where it left off, and every
successful record is written exactly once.`,
		SilenceUsage: true,

		// Builds the application once flags are parsed and hands it to the
		// subcommand through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus CRAWLER_* environment when empty)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newProxiesCmd())

	return cmd
}

// withApp adapts fn into a RunE that resolves the App from the context and
// closes it afterwards. Cobra skips post-run hooks when RunE fails, so the
// close happens here.
func withApp(fn func(cmd *cobra.Command, a App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) (err error) {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, appInstance.Close())
		}()
		return fn(cmd, appInstance)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().ExecuteContext(context.Background())
}
