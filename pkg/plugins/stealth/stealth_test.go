package stealth

import (
	"context"
	"testing"

	"cdpplug/pkg/host/hosttest"
	"cdpplug/pkg/plugin"
	"cdpplug/pkg/plugins/useragent"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvasionsEmbeddedInOrder(t *testing.T) {
	evasions, err := Evasions()
	require.NoError(t, err)
	require.Len(t, evasions, 7)
	assert.Equal(t, "01_webdriver.js", evasions[0].Name)
	assert.Contains(t, evasions[0].Source, "webdriver")
	for i := 1; i < len(evasions); i++ {
		assert.Less(t, evasions[i-1].Name, evasions[i].Name)
	}
}

func TestPageGetsScriptsAndStoppedBinding(t *testing.T) {
	ctx := context.Background()
	s := plugin.NewSession(nil)
	p := Provide(s, useragent.Options{Settle: -1})
	b, err := s.Attach(ctx, hosttest.NewBrowser())
	require.NoError(t, err)

	raw, err := b.NewPage(ctx)
	require.NoError(t, err)
	page := raw.(*hosttest.Page)

	assert.Len(t, page.Scripts(), 7)
	stopped, err := page.Call(StoppedBinding)
	require.NoError(t, err)
	assert.Equal(t, false, stopped)

	require.NoError(t, p.Stop(ctx))
	stopped, err = page.Call(StoppedBinding)
	require.NoError(t, err)
	assert.Equal(t, true, stopped)
}

func TestDependsOnSharedUserAgent(t *testing.T) {
	ctx := context.Background()
	s := plugin.NewSession(nil)
	ua := useragent.Provide(s, useragent.Options{Settle: -1})
	p := Provide(s, useragent.Options{})
	assert.Same(t, ua, p.UserAgent())

	_, err := s.Attach(ctx, hosttest.NewBrowser())
	require.NoError(t, err)
	assert.True(t, ua.IsInitialized())

	require.NoError(t, p.Stop(ctx))
	assert.True(t, ua.IsStopped(), "stop cascades to the dependency")
	require.NoError(t, p.Restart(ctx))
	assert.False(t, ua.IsStopped())
}
