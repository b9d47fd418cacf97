package app

import (
	"context"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyboard-sync/internal/config"
	"storyboard-sync/internal/models"
)

func testConfig(t *testing.T) config.Config {
	cfg, err := config.Load()
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.StoreDriver = "sqlite"
	cfg.SQLitePath = filepath.Join(dir, "app.db")
	cfg.ArtifactBackend = "local"
	cfg.ArtifactDir = filepath.Join(dir, "artifacts")
	cfg.ProbeURL = ""
	cfg.RedisAddr = ""
	cfg.KafkaBrokers = nil
	return cfg
}

func TestBuildAndDrainBackup(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()

	a, err := Build(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Manual)

	action, err := a.Queue.Enqueue(ctx, models.BackupDataPayload{Label: "nightly"})
	require.NoError(t, err)

	res, err := a.Engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	got, err := a.Queue.Get(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Contains(t, got.Result, "nightly")
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.ArtifactBackend = "tape"
	_, err := Build(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestBuildWithProber(t *testing.T) {
	cfg := testConfig(t)
	cfg.ProbeURL = "http://127.0.0.1:1/health"
	a, err := Build(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Manual)
	assert.True(t, a.Monitor.Online())
}
