package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"cdpplug/internal/logger"
	"cdpplug/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigAppliesFlagOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdpplug.yaml")
	require.NoError(t, os.WriteFile(path, []byte("devtools:\n  url: http://10.0.0.2:9222\n"), 0o644))

	configPath, devtoolsURL = path, ""
	t.Cleanup(func() { configPath, devtoolsURL = "", "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:9222", cfg.Devtools.URL)

	devtoolsURL = "http://127.0.0.1:9333"
	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9333", cfg.Devtools.URL)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["targets"])
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("devtools"))
}

func TestCloseStoreReleasesSQLite(t *testing.T) {
	ctx := context.Background()
	log := logger.NewNop()
	store, err := storage.Open(storage.Options{
		Backend: "sqlite",
		Dsn:     filepath.Join(t.TempDir(), "state.db"),
	}, log)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "cookies", []byte("[]")))

	closeStore(store, log)
	assert.Error(t, store.Save(ctx, "cookies", []byte("[]")), "store is closed")
}

func TestCloseStoreIgnoresFileBackend(t *testing.T) {
	store, err := storage.Open(storage.Options{Dir: t.TempDir()}, logger.NewNop())
	require.NoError(t, err)
	closeStore(store, logger.NewNop())
	assert.NoError(t, store.Save(context.Background(), "cookies", []byte("[]")))
}
