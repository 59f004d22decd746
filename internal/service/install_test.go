package service

import (
	"context"
	"testing"

	"cdpplug/internal/config"
	"cdpplug/internal/storage"
	"cdpplug/pkg/host/hosttest"
	"cdpplug/pkg/model"
	"cdpplug/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallDefaults(t *testing.T) {
	s := plugin.NewSession(nil)
	in, err := Install(s, config.NewConfig().Plugins, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"useragent", "stealth", "dialogs"}, in.Names())
	assert.Same(t, in.UserAgent, in.Stealth.UserAgent())
	assert.Len(t, s.Plugins(), 3)
}

func TestInstallEverything(t *testing.T) {
	ctx := context.Background()
	cfg := config.NewConfig().Plugins
	cfg.UserAgent.SettleMS = -1
	cfg.BlockResources.Enabled = true
	cfg.BlockResources.Resources = []string{"image"}
	cfg.Cookies.Enabled = true
	cfg.Cookies.DisableWarning = true
	cfg.LocalStorage.Enabled = true
	cfg.LocalStorage.DisableWarning = true
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	s := plugin.NewSession(nil)
	in, err := Install(s, cfg, store, nil)
	require.NoError(t, err)
	assert.Len(t, in.Names(), 6)

	b, err := s.Attach(ctx, hosttest.NewBrowser())
	require.NoError(t, err)
	raw, err := b.NewPage(ctx)
	require.NoError(t, err)
	page := raw.(*hosttest.Page)

	assert.Equal(t, 1, s.Interceptions())
	assert.Equal(t, "abort", page.FireRequest("https://example.com/a.png", model.ResourceImage).Outcome())
	assert.Equal(t, "continue", page.FireRequest("https://example.com/", model.ResourceDocument).Outcome())
	require.NoError(t, in.Cookies.Save(ctx))
	require.NoError(t, b.Close(ctx))
}

func TestInstallRejectsBadConfig(t *testing.T) {
	cfg := config.NewConfig().Plugins
	cfg.BlockResources.Enabled = true
	cfg.BlockResources.Resources = []string{"pictures"}
	_, err := Install(plugin.NewSession(nil), cfg, nil, nil)
	assert.ErrorContains(t, err, "blockres")

	cfg = config.NewConfig().Plugins
	cfg.Cookies.Enabled = true
	_, err = Install(plugin.NewSession(nil), cfg, nil, nil)
	assert.ErrorContains(t, err, "requires a store")
}
