package localstorage

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cdpplug/internal/logger"
	"cdpplug/internal/storage"
	"cdpplug/pkg/host/hosttest"
	"cdpplug/pkg/plugin"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// serveStorage 让内存页面按本插件使用的表达式读写 localStorage
func serveStorage(page *hosttest.Page, origin string) {
	page.SetEvaluator(func(expr string, out any) error {
		switch {
		case expr == readExpr:
			return hosttest.Decode(map[string]map[string]string{origin: page.LocalStorage(origin)}, out)
		case expr == originExpr:
			return hosttest.Decode(origin, out)
		case strings.HasPrefix(expr, writePrefix):
			var items map[string]string
			raw := strings.TrimSuffix(strings.TrimPrefix(expr, writePrefix), writeSuffix)
			if err := json.Unmarshal([]byte(raw), &items); err != nil {
				return err
			}
			page.SetLocalStorage(origin, items)
		}
		return nil
	})
}

type fixture struct {
	plugin *Plugin
	store  *storage.FileStore
	page   *hosttest.Page
}

func setup(t *testing.T, opts Options) fixture {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewFileStore(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	opts.Store = store
	opts.DisableWarning = true
	p, err := New(opts)
	require.NoError(t, err)

	native := hosttest.NewBrowser()
	page, err := native.OpenPage("https://example.com/")
	require.NoError(t, err)
	serveStorage(page, "https://example.com")

	s := plugin.NewSession(nil)
	s.Add(p.Base())
	_, err = s.Attach(ctx, native)
	require.NoError(t, err)
	return fixture{plugin: p, store: store, page: page}
}

func TestSaveAndLoadProfile(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	f.page.SetLocalStorage("https://example.com", map[string]string{"token": "abc"})

	require.NoError(t, f.plugin.Save(ctx))
	doc, err := f.store.Load(ctx, DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, "abc", gjson.GetBytes(doc, `default.https://example\.com.token`).String())

	f.page.SetLocalStorage("https://example.com", map[string]string{"token": "changed"})
	require.NoError(t, f.plugin.Load(ctx))
	assert.Equal(t, map[string]string{"token": "abc"}, f.page.LocalStorage("https://example.com"))
}

func TestSwitchToProfile(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	f.page.SetLocalStorage("https://example.com", map[string]string{"user": "alice"})
	require.NoError(t, f.plugin.Save(ctx))

	require.NoError(t, f.plugin.SwitchToProfile(ctx, "bob.work"))
	assert.Equal(t, "bob.work", f.plugin.Profile())
	assert.Empty(t, f.page.LocalStorage("https://example.com"), "unknown profile loads empty storage")

	f.page.SetLocalStorage("https://example.com", map[string]string{"user": "bob"})
	require.NoError(t, f.plugin.Save(ctx))

	stored, err := f.plugin.Stored("bob.work")
	require.NoError(t, err)
	assert.Equal(t, Items{"user": "bob"}, stored["https://example.com"])

	require.NoError(t, f.plugin.SwitchToProfile(ctx, DefaultProfile))
	assert.Equal(t, map[string]string{"user": "alice"}, f.page.LocalStorage("https://example.com"))
}

func TestClearRemovesOnlyCurrentProfile(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	require.NoError(t, f.plugin.Save(ctx))
	require.NoError(t, f.plugin.SwitchToProfile(ctx, "other"))
	require.NoError(t, f.plugin.Save(ctx))

	require.NoError(t, f.plugin.Clear(ctx))
	doc := f.plugin.Document()
	assert.False(t, gjson.GetBytes(doc, "other").Exists())
	assert.True(t, gjson.GetBytes(doc, DefaultProfile).Exists())
}

func TestDocumentRestoredOnLaunch(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, DefaultKey, []byte(`{"default":{"https://example.com":{"k":"v"}}}`)))

	p, err := New(Options{Store: store, DisableWarning: true})
	require.NoError(t, err)
	native := hosttest.NewBrowser()
	page, err := native.OpenPage("https://example.com/")
	require.NoError(t, err)
	serveStorage(page, "https://example.com")
	s := plugin.NewSession(nil)
	s.Add(p.Base())
	_, err = s.Attach(ctx, native)
	require.NoError(t, err)

	require.NoError(t, p.Load(ctx))
	assert.Equal(t, map[string]string{"k": "v"}, page.LocalStorage("https://example.com"))
}

func TestBlankPagesIgnored(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})
	blank, err := f.plugin.Browser().NewPage(ctx)
	require.NoError(t, err)

	require.NoError(t, f.plugin.Save(ctx))
	assert.Empty(t, blank.(*hosttest.Page).Evaluations())
}

func TestPollWaitsAfterProfileChange(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{})

	wrote, err := f.plugin.pollOnce(ctx)
	require.NoError(t, err)
	assert.False(t, wrote, "first poll only records the profile")

	wrote, err = f.plugin.pollOnce(ctx)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = f.plugin.pollOnce(ctx)
	require.NoError(t, err)
	assert.False(t, wrote)

	f.page.SetLocalStorage("https://example.com", map[string]string{"n": "1"})
	wrote, err = f.plugin.pollOnce(ctx)
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestMonitorModeSavesChanges(t *testing.T) {
	ctx := context.Background()
	f := setup(t, Options{Mode: ModeMonitor, Interval: time.Millisecond})
	f.page.SetLocalStorage("https://example.com", map[string]string{"seen": "yes"})

	require.Eventually(t, func() bool {
		doc, err := f.store.Load(ctx, DefaultKey)
		return err == nil && gjson.GetBytes(doc, `default.https://example\.com.seen`).String() == "yes"
	}, time.Second, time.Millisecond)
	require.NoError(t, f.plugin.Stop(ctx))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = New(Options{Store: store, Mode: "sometimes"})
	assert.ErrorContains(t, err, "unknown localstorage mode")
}

func TestPlainTextWarningLoggedAtConstruction(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	p, err := New(Options{Store: store, Logger: logger.NewWriter(&buf, zerolog.WarnLevel)})
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(buf.String(), "明文形式持久化"))

	s := plugin.NewSession(nil)
	s.Add(p.Base())
	_, err = s.Attach(ctx, hosttest.NewBrowser())
	require.NoError(t, err)
	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Restart(ctx))
	assert.Equal(t, 1, strings.Count(buf.String(), "明文形式持久化"))
}
