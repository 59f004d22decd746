package plugin

import (
	"context"
	"errors"
	"testing"

	"cdpplug/pkg/host"
	"cdpplug/pkg/host/hosttest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls []string
}

func (r *recorder) hooks(prefix string) Hooks {
	rec := func(name string) func(context.Context) error {
		return func(context.Context) error {
			r.calls = append(r.calls, prefix+name)
			return nil
		}
	}
	return Hooks{
		BeforeRestart: rec("beforeRestart"),
		AfterRestart:  rec("afterRestart"),
		BeforeStop:    rec("beforeStop"),
		AfterStop:     rec("afterStop"),
	}
}

func attach(t *testing.T, plugins ...*Plugin) (*Session, *Browser, *hosttest.Browser) {
	t.Helper()
	s := NewSession(nil)
	for _, p := range plugins {
		s.Add(p)
	}
	native := hosttest.NewBrowser()
	b, err := s.Attach(context.Background(), native)
	require.NoError(t, err)
	return s, b, native
}

func newTestPage(t *testing.T, b *Browser) *hosttest.Page {
	t.Helper()
	page, err := b.NewPage(context.Background())
	require.NoError(t, err)
	return page.(*hosttest.Page)
}

func TestPluginStopRestartGate(t *testing.T) {
	ctx := context.Background()
	p := New("gate")
	attach(t, p)

	assert.True(t, p.IsInitialized())
	assert.False(t, p.IsStopped())

	require.NoError(t, p.Stop(ctx))
	assert.True(t, p.IsStopped())

	require.NoError(t, p.Restart(ctx))
	assert.False(t, p.IsStopped())
	assert.Equal(t, 1, p.StartCount())
}

func TestPluginInitIsIdempotent(t *testing.T) {
	launches := 0
	p := New("once", WithHooks(Hooks{
		AfterLaunch: func(context.Context, *Browser) error {
			launches++
			return nil
		},
	}))
	s, _, _ := attach(t, p)

	require.NoError(t, p.Init(context.Background(), s))
	assert.Equal(t, 1, launches)
	assert.Equal(t, 1, p.StartCount())
}

func TestPluginAfterLaunchReceivesBrowser(t *testing.T) {
	var got *Browser
	p := New("launch", WithHooks(Hooks{
		AfterLaunch: func(_ context.Context, b *Browser) error {
			got = b
			return nil
		},
	}))
	_, b, _ := attach(t, p)
	assert.Same(t, b, got)
	assert.Same(t, b, p.Browser())
}

func TestDependencyCascade(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	dep := New("dep", WithHooks(rec.hooks("dep.")))
	p := New("parent", WithDependencies(dep))
	attach(t, p)

	assert.True(t, dep.IsInitialized(), "init cascades to dependencies")

	require.NoError(t, p.Restart(ctx))
	require.NoError(t, p.Stop(ctx))

	assert.Equal(t, []string{
		"dep.beforeRestart", "dep.afterRestart",
		"dep.beforeStop", "dep.afterStop",
	}, rec.calls)
	assert.Equal(t, 1, dep.StartCount())
}

func TestSharedDependencyInitializedOnce(t *testing.T) {
	launches := 0
	dep := New("dep", WithHooks(Hooks{
		AfterLaunch: func(context.Context, *Browser) error {
			launches++
			return nil
		},
	}))
	a := New("a", WithDependencies(dep))
	b := New("b", WithDependencies(dep))
	attach(t, a, b, dep)

	assert.Equal(t, 1, launches)
	assert.Equal(t, 1, dep.StartCount())
}

func TestStopClampsAtZero(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	p := New("clamp", WithInterception(), WithHooks(rec.hooks("")))
	s, _, _ := attach(t, p)

	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Stop(ctx))

	assert.Equal(t, 0, p.StartCount())
	assert.Equal(t, 0, s.Interceptions())
	assert.Equal(t, []string{"beforeStop", "afterStop", "beforeStop", "afterStop"}, rec.calls)

	require.NoError(t, p.Restart(ctx))
	assert.False(t, p.IsStopped())
	assert.Equal(t, 1, s.Interceptions())
}

func TestBeforeHooksAbortTransition(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	p := New("veto", WithHooks(Hooks{
		BeforeStop:    func(context.Context) error { return boom },
		BeforeRestart: func(context.Context) error { return boom },
	}))
	attach(t, p)

	assert.ErrorIs(t, p.Stop(ctx), boom)
	assert.Equal(t, 1, p.StartCount())

	assert.ErrorIs(t, p.Restart(ctx), boom)
	assert.Equal(t, 1, p.StartCount())
}

func TestInterceptionCounter(t *testing.T) {
	ctx := context.Background()
	a := New("a", WithInterception())
	b := New("b", WithInterception())
	c := New("c")
	s, browser, _ := attach(t, a, b, c)

	sum := func() int { return a.StartCount() + b.StartCount() }

	page := newTestPage(t, browser)
	assert.Equal(t, 2, s.Interceptions())
	assert.Equal(t, sum(), s.Interceptions())
	assert.True(t, page.Intercepting())

	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, 1, s.Interceptions())
	assert.True(t, page.Intercepting(), "still one interception plugin running")

	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, 1, s.Interceptions(), "non-interception plugins do not count")

	require.NoError(t, b.Stop(ctx))
	assert.Equal(t, 0, s.Interceptions())
	assert.Equal(t, sum(), s.Interceptions())
	assert.False(t, page.Intercepting())

	require.NoError(t, a.Restart(ctx))
	require.NoError(t, a.Restart(ctx))
	assert.Equal(t, 2, s.Interceptions())
	assert.Equal(t, sum(), s.Interceptions())
	assert.True(t, page.Intercepting())
	assert.Equal(t, []bool{true, true, false, true}, page.InterceptionToggles())
}

func TestInterceptionNotEnabledOnPagesWithoutRequestHandlers(t *testing.T) {
	ctx := context.Background()
	a := New("a", WithInterception())
	plain := New("plain")
	_, browser, _ := attach(t, a, plain)

	require.NoError(t, a.Stop(ctx))
	page := newTestPage(t, browser)

	require.NoError(t, a.Restart(ctx))
	assert.False(t, page.Intercepting())
	assert.Empty(t, page.InterceptionToggles())
}

func TestNonPageTargetsIgnored(t *testing.T) {
	created := 0
	p := New("pages", WithHooks(Hooks{
		OnPageCreated: func(context.Context, host.Page) error {
			created++
			return nil
		},
	}))
	_, browser, native := attach(t, p)

	native.EmitTarget("service_worker")
	assert.Equal(t, 0, created)

	newTestPage(t, browser)
	assert.Equal(t, 1, created)
}

func TestStoppedPluginSkipsNewPages(t *testing.T) {
	created := 0
	p := New("pages", WithInterception(), WithHooks(Hooks{
		OnPageCreated: func(context.Context, host.Page) error {
			created++
			return nil
		},
	}))
	_, browser, _ := attach(t, p)
	require.NoError(t, p.Stop(context.Background()))

	page := newTestPage(t, browser)
	assert.Equal(t, 0, created)
	assert.False(t, page.Intercepting())
}

func TestAttachWiresExistingPages(t *testing.T) {
	native := hosttest.NewBrowser()
	existing, err := native.OpenPage("https://example.com/")
	require.NoError(t, err)

	s := NewSession(nil)
	s.Add(New("a", WithInterception()))
	_, err = s.Attach(context.Background(), native)
	require.NoError(t, err)

	assert.True(t, existing.Intercepting())
	assert.Equal(t, 1, existing.RequestListeners(), "one page hub per page")
}

func TestPageOpenedDuringInitWiredOnce(t *testing.T) {
	created := 0
	var opened host.Page
	p := New("opener", WithInterception())
	p.SetHooks(Hooks{
		AfterLaunch: func(ctx context.Context, b *Browser) error {
			page, err := b.NewPage(ctx)
			opened = page
			return err
		},
		OnPageCreated: func(context.Context, host.Page) error {
			created++
			return nil
		},
	})
	s, _, _ := attach(t, p)
	require.NotNil(t, opened)

	assert.Equal(t, 1, created)
	hub := s.lookupHub(opened.ID())
	require.NotNil(t, hub)
	assert.Equal(t, 1, hub.requestHandlerCount())
}

func TestClosedPageForgottenByPlugin(t *testing.T) {
	p := New("a", WithInterception())
	_, browser, _ := attach(t, p)
	page := newTestPage(t, browser)
	assert.False(t, p.claimPage(page.ID()), "page already wired")

	require.NoError(t, page.Close(context.Background()))
	assert.True(t, p.claimPage(page.ID()))
}

func TestAttachTwice(t *testing.T) {
	s, _, _ := attach(t)
	_, err := s.Attach(context.Background(), hosttest.NewBrowser())
	assert.ErrorIs(t, err, ErrSessionAttached)
}

func TestBrowserCloseResetsPlugins(t *testing.T) {
	ctx := context.Background()
	closes := 0
	p := New("closer", WithInterception(), WithHooks(Hooks{
		OnClose: func(context.Context) error {
			closes++
			return nil
		},
	}))
	s, browser, native := attach(t, p)
	page := newTestPage(t, browser)
	require.Equal(t, 1, page.RequestListeners())

	require.NoError(t, browser.Close(ctx))
	require.NoError(t, browser.Close(ctx))

	assert.Equal(t, 1, closes)
	assert.False(t, p.IsInitialized())
	assert.True(t, p.IsStopped())
	assert.True(t, s.Closed())
	assert.Equal(t, 0, s.Interceptions())
	assert.Equal(t, 0, native.TargetListeners())
	assert.Equal(t, 0, page.RequestListeners())
	assert.Equal(t, 0, page.DialogListeners())
	assert.Error(t, s.Context().Err())

	_, err := browser.NewPage(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestBrowserCloseFiresEvenWhenNativeCloseFails(t *testing.T) {
	p := New("p")
	s, browser, native := attach(t, p)
	native.CloseErr = errors.New("websocket gone")

	assert.Error(t, browser.Close(context.Background()))
	assert.True(t, s.Closed())
	assert.False(t, p.IsInitialized())
}

func TestBrowserContextCloseKeepsSession(t *testing.T) {
	ctx := context.Background()
	p := New("p", WithInterception())
	s, browser, _ := attach(t, p)

	bc, err := browser.CreateBrowserContext(ctx)
	require.NoError(t, err)
	page, err := bc.NewPage(ctx)
	require.NoError(t, err)
	assert.True(t, page.(*hosttest.Page).Intercepting(), "context pages are wired too")

	require.NoError(t, bc.Close(ctx))
	assert.False(t, s.Closed())
	assert.True(t, p.IsInitialized())
}

func TestPageCloseDetachesHub(t *testing.T) {
	ctx := context.Background()
	p := New("p", WithInterception())
	s, browser, _ := attach(t, p)
	page := newTestPage(t, browser)

	require.NoError(t, page.Close(ctx))
	assert.Equal(t, 0, page.RequestListeners())
	assert.Nil(t, s.lookupHub(page.ID()))
}

func TestNewPageRunsMiddlewaresAfterPluginsWired(t *testing.T) {
	var order []string
	p := New("p", WithHooks(Hooks{
		OnPageCreated: func(context.Context, host.Page) error {
			order = append(order, "plugin")
			return nil
		},
	}))
	s, browser, _ := attach(t, p)
	s.UsePageMiddleware(func(context.Context, host.Page) error {
		order = append(order, "middleware")
		return nil
	})

	newTestPage(t, browser)
	assert.Equal(t, []string{"plugin", "middleware"}, order)
}

type namedPlugin struct {
	*Plugin
}

func TestProvideReturnsSharedInstance(t *testing.T) {
	ctx := context.Background()
	s := NewSession(nil)
	builds := 0
	build := func() *namedPlugin {
		builds++
		return &namedPlugin{Plugin: New("named")}
	}

	first := Provide(s, "named", build)
	second := Provide(s, "named", build)
	assert.Same(t, first, second)
	assert.Equal(t, 1, builds)
	assert.Len(t, s.Plugins(), 1)

	require.NoError(t, s.Clear(ctx))
	assert.Empty(t, s.Plugins())

	third := Provide(s, "named", build)
	assert.Same(t, first, third)
	assert.Len(t, s.Plugins(), 1, "re-registered after clear")
}

func TestFirstPage(t *testing.T) {
	ctx := context.Background()
	p := New("p")
	_, browser, native := attach(t, p)

	page, err := p.FirstPage(ctx)
	require.NoError(t, err)
	assert.Nil(t, page)

	blank := newTestPage(t, browser)
	page, err = p.FirstPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, blank.ID(), page.ID())

	site, err := native.OpenPage("https://example.com/")
	require.NoError(t, err)
	page, err = p.FirstPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, site.ID(), page.ID())

	require.NoError(t, site.Close(ctx))
	page, err = p.FirstPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, blank.ID(), page.ID())
}

func TestTeardownRunsEveryStep(t *testing.T) {
	var list teardownList
	ran := 0
	list.add("fails", func() error {
		ran++
		return errors.New("detach failed")
	})
	list.add("panics", func() error {
		ran++
		panic("listener gone")
	})
	list.add("ok", func() error {
		ran++
		return nil
	})

	s := NewSession(nil)
	err := list.run(s.Logger())
	assert.Equal(t, 3, ran)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detach failed")
	assert.Contains(t, err.Error(), "listener gone")

	assert.NoError(t, list.run(s.Logger()), "steps run once")
}
