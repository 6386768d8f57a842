package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rangecrawler/internal/config"
)

func TestOpenLocal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := config.StorageConfig{
		Provider:   config.ProviderLocal,
		FailureLog: filepath.Join(dir, "failures.txt"),
		Local:      config.LocalConfig{Dir: filepath.Join(dir, "records")},
	}

	backend, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, backend.Records.Save(ctx, 1, []byte(`{}`)))
	exists, err := backend.Records.Exists(ctx, 1)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, backend.Failures.Append(ctx, 9))
	require.NoError(t, backend.Close())

	data, err := os.ReadFile(cfg.FailureLog)
	require.NoError(t, err)
	require.Equal(t, "9\n", string(data))
}

func TestOpenUnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), config.StorageConfig{Provider: "s3"}, nil)
	require.ErrorContains(t, err, "unknown storage provider")
}

func TestOpenFailureLogError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := config.StorageConfig{
		Provider:   config.ProviderLocal,
		FailureLog: filepath.Join(dir, "missing", "failures.txt"),
		Local:      config.LocalConfig{Dir: filepath.Join(dir, "records")},
	}
	_, err := Open(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestCloseNilBackend(t *testing.T) {
	t.Parallel()

	var b *Backend
	require.NoError(t, b.Close())
}
