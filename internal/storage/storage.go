// Package storage selects the record store and failure log backends.
// This abstraction keeps the worker independent of where records land
// (local filesystem, Google Cloud Storage, or Postgres).
package storage

import (
	"context"
	"errors"
	"fmt"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/rangecrawler/internal/config"
	"github.com/JakeFAU/rangecrawler/internal/crawler"
	"github.com/JakeFAU/rangecrawler/internal/storage/gcs"
	"github.com/JakeFAU/rangecrawler/internal/storage/local"
	"github.com/JakeFAU/rangecrawler/internal/storage/postgres"
)

// Backend bundles the record store and failure log chosen by configuration.
type Backend struct {
	Records  crawler.RecordStore
	Failures crawler.FailureLog

	closers []func() error
}

// Close releases every resource the backend opened.
func (b *Backend) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open builds the backend for cfg.Provider.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{}

	switch cfg.Provider {
	case config.ProviderPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:           cfg.Postgres.DSN,
			Table:         cfg.Postgres.Table,
			FailuresTable: cfg.Postgres.FailuresTable,
			MaxConns:      cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		b.Records = store
		b.Failures = store
		b.closers = append(b.closers, func() error {
			store.Close()
			return nil
		})
		logger.Info("using postgres record store", zap.String("table", cfg.Postgres.Table))
		return b, nil
	case config.ProviderGCS:
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("open gcs store: %w", err)
		}
		b.Records = store
		b.closers = append(b.closers, store.Close)
		logger.Info("using gcs record store", zap.String("bucket", cfg.GCS.Bucket), zap.String("prefix", cfg.GCS.Prefix))
	case config.ProviderLocal:
		store, err := local.New(local.Config{Dir: cfg.Local.Dir})
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		b.Records = store
		logger.Info("using local record store", zap.String("dir", cfg.Local.Dir))
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}

	failures, err := local.OpenFailureLog(cfg.FailureLog)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.Failures = failures
	b.closers = append(b.closers, failures.Close)
	return b, nil
}
