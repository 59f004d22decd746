package useragent

import (
	"context"
	"testing"
	"time"

	"cdpplug/pkg/host/hosttest"
	"cdpplug/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const anonymized = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func setup(t *testing.T, opts Options) (*Plugin, *plugin.Browser) {
	t.Helper()
	s := plugin.NewSession(nil)
	p := Provide(s, opts)
	b, err := s.Attach(context.Background(), hosttest.NewBrowser())
	require.NoError(t, err)
	return p, b
}

func newPage(t *testing.T, b *plugin.Browser) *hosttest.Page {
	t.Helper()
	page, err := b.NewPage(context.Background())
	require.NoError(t, err)
	return page.(*hosttest.Page)
}

func TestAnonymize(t *testing.T) {
	assert.Equal(t, anonymized, Anonymize(hosttest.DefaultUserAgent, DefaultPlatform))
	assert.Equal(t, "Chrome/1.0", Anonymize("HeadlessChrome/1.0", DefaultPlatform), "no platform segment")
}

func TestPageUserAgentRewritten(t *testing.T) {
	p, b := setup(t, Options{Settle: -1})
	page := newPage(t, b)

	assert.Equal(t, anonymized, page.UserAgent())
	ua, ok := p.Applied(page.ID())
	require.True(t, ok)
	assert.Equal(t, anonymized, ua)
}

func TestConfiguredUserAgentWins(t *testing.T) {
	_, b := setup(t, Options{UserAgent: "custom/1.0", Settle: -1})
	page := newPage(t, b)
	assert.Equal(t, "custom/1.0", page.UserAgent())
}

func TestStopRestoresAndRestartReapplies(t *testing.T) {
	ctx := context.Background()
	p, b := setup(t, Options{Settle: -1})
	page := newPage(t, b)

	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, hosttest.DefaultUserAgent, page.UserAgent())

	require.NoError(t, p.Restart(ctx))
	assert.Equal(t, anonymized, page.UserAgent())
}

func TestClosedPageForgotten(t *testing.T) {
	p, b := setup(t, Options{Settle: -1})
	page := newPage(t, b)
	require.NoError(t, page.Close(context.Background()))

	_, ok := p.Applied(page.ID())
	assert.False(t, ok)
	assert.NoError(t, p.Stop(context.Background()))
}

func TestNewPageWaitsForSettle(t *testing.T) {
	_, b := setup(t, Options{Settle: 20 * time.Millisecond})
	start := time.Now()
	newPage(t, b)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
