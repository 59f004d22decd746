package plugin

import (
	"context"
	"sync"
	"testing"

	"cdpplug/pkg/host"
	"cdpplug/pkg/host/hosttest"
	"cdpplug/pkg/model"
	"cdpplug/pkg/traffic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func castVote(t *testing.T, req *Request, kind string) {
	t.Helper()
	ctx := context.Background()
	switch kind {
	case "respond":
		res := traffic.NewResponse()
		res.Body = []byte(kind)
		require.NoError(t, req.Respond(ctx, res))
	case "abort":
		require.NoError(t, req.Abort(ctx, host.ReasonBlockedByClient))
	case "continue":
		require.NoError(t, req.Continue(ctx, nil))
	}
}

func TestArbitrationPrecedence(t *testing.T) {
	cases := []struct {
		name     string
		handlers int
		votes    []string
		want     string
	}{
		{name: "respond applies at once", handlers: 3, votes: []string{"respond"}, want: "respond"},
		{name: "respond beats earlier votes", handlers: 3, votes: []string{"abort", "continue", "respond"}, want: "respond"},
		{name: "abort waits for every handler", handlers: 2, votes: []string{"abort"}, want: ""},
		{name: "abort after all voted", handlers: 2, votes: []string{"continue", "abort"}, want: "abort"},
		{name: "continue needs every handler", handlers: 3, votes: []string{"continue", "continue"}, want: ""},
		{name: "all continue", handlers: 2, votes: []string{"continue", "continue"}, want: "continue"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			native := hosttest.NewRequest("https://example.com/a.png", model.ResourceImage)
			arb := newArbitration(NewSession(nil), "page-1", native, tc.handlers)
			req := &Request{native: native, arb: arb}

			for _, v := range tc.votes {
				castVote(t, req, v)
			}

			assert.Equal(t, tc.want, native.Outcome())
			responds, aborts, continues := native.Calls()
			assert.LessOrEqual(t, responds+aborts+continues, 1)
			assert.Equal(t, tc.want != "", arb.Settled())
		})
	}
}

func TestArbitrationConcurrentVotes(t *testing.T) {
	cases := []struct {
		name    string
		voters  int
		respond int
		abort   int
		want    string
	}{
		{name: "all continue", voters: 16, respond: -1, abort: -1, want: "continue"},
		{name: "one abort", voters: 16, respond: -1, abort: 7, want: "abort"},
		{name: "respond beats abort", voters: 16, respond: 3, abort: 11, want: "respond"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for round := 0; round < 50; round++ {
				native := hosttest.NewRequest("https://example.com/", model.ResourceDocument)
				arb := newArbitration(NewSession(nil), "page-1", native, tc.voters)
				req := &Request{native: native, arb: arb}

				start := make(chan struct{})
				var wg sync.WaitGroup
				for i := 0; i < tc.voters; i++ {
					kind := "continue"
					switch i {
					case tc.respond:
						kind = "respond"
					case tc.abort:
						kind = "abort"
					}
					wg.Add(1)
					go func(kind string) {
						defer wg.Done()
						<-start
						var err error
						switch kind {
						case "respond":
							err = req.Respond(context.Background(), traffic.NewResponse())
						case "abort":
							err = req.Abort(context.Background(), host.ReasonBlockedByClient)
						default:
							err = req.Continue(context.Background(), nil)
						}
						assert.NoError(t, err)
					}(kind)
				}
				close(start)
				wg.Wait()

				responds, aborts, continues := native.Calls()
				require.Equal(t, 1, responds+aborts+continues)
				require.Equal(t, tc.want, native.Outcome())
			}
		})
	}
}

func TestRequestVoteAfterDispatchReturns(t *testing.T) {
	pending := make(chan *Request, 1)
	late := New("late", WithInterception(), WithHooks(Hooks{
		ProcessRequest: func(_ context.Context, req *Request) error {
			pending <- req
			return nil
		},
	}))
	_, browser, _ := attach(t, late, New("passive", WithInterception()))
	page := newTestPage(t, browser)

	native := page.FireRequest("https://example.com/", model.ResourceDocument)
	assert.False(t, native.Handled())

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := <-pending
		_ = req.Abort(context.Background(), host.ReasonBlockedByClient)
	}()
	<-done
	assert.Equal(t, "abort", native.Outcome())
}

func TestArbitrationSkipsNativelyHandledRequest(t *testing.T) {
	ctx := context.Background()
	native := hosttest.NewRequest("https://example.com/", model.ResourceDocument)
	require.NoError(t, native.Continue(ctx, nil))

	arb := newArbitration(NewSession(nil), "page-1", native, 1)
	req := &Request{native: native, arb: arb}
	assert.True(t, req.Handled())

	require.NoError(t, req.Respond(ctx, traffic.NewResponse()))
	responds, _, continues := native.Calls()
	assert.Equal(t, 0, responds)
	assert.Equal(t, 1, continues)
	assert.False(t, arb.Settled())
}

func TestArbitrationFirstVoteArgumentsWin(t *testing.T) {
	ctx := context.Background()
	native := hosttest.NewRequest("https://example.com/", model.ResourceDocument)
	arb := newArbitration(NewSession(nil), "page-1", native, 3)
	req := &Request{native: native, arb: arb}

	first, second := "https://first.example/", "https://second.example/"
	require.NoError(t, req.Continue(ctx, &traffic.Overrides{URL: &first}))
	require.NoError(t, req.Continue(ctx, &traffic.Overrides{URL: &second}))
	require.NoError(t, req.Continue(ctx, nil))

	require.NotNil(t, native.Overrides())
	assert.Equal(t, first, *native.Overrides().URL)
	assert.Equal(t, Tally{Handlers: 3, Continued: 3}, arb.Tally())
	assert.Equal(t, "continue", arb.Applied())
}

// 三个插件观察同一请求：A 中止、B 放行、C 自定义响应，最终只执行 C 的响应
func TestRequestPrecedenceAcrossPlugins(t *testing.T) {
	body := []byte("served by c")
	a := New("a", WithInterception(), WithHooks(Hooks{
		ProcessRequest: func(ctx context.Context, req *Request) error {
			return req.Abort(ctx, host.ReasonBlockedByClient)
		},
	}))
	b := New("b", WithInterception(), WithHooks(Hooks{
		ProcessRequest: func(ctx context.Context, req *Request) error {
			return req.Continue(ctx, nil)
		},
	}))
	c := New("c", WithInterception(), WithHooks(Hooks{
		ProcessRequest: func(ctx context.Context, req *Request) error {
			res := traffic.NewResponse()
			res.Body = body
			return req.Respond(ctx, res)
		},
	}))
	s, browser, _ := attach(t, a, b, c)
	page := newTestPage(t, browser)

	native := page.FireRequest("https://example.com/api", model.ResourceXHR)

	responds, aborts, continues := native.Calls()
	assert.Equal(t, 1, responds)
	assert.Equal(t, 0, aborts)
	assert.Equal(t, 0, continues)
	require.NotNil(t, native.Response())
	assert.Equal(t, body, native.Response().Body)

	evt := lastEvent(s, model.EventRequestResponded)
	require.NotNil(t, evt)
	assert.Equal(t, 3, evt.Votes)
	assert.Equal(t, page.ID(), evt.Target)
}

func TestRequestContinueCompleteness(t *testing.T) {
	ctx := context.Background()
	rewritten := "https://example.com/rewritten"
	var captured []*Request
	continueWith := func(ov *traffic.Overrides) Hooks {
		return Hooks{ProcessRequest: func(ctx context.Context, req *Request) error {
			captured = append(captured, req)
			return req.Continue(ctx, ov)
		}}
	}
	a := New("a", WithInterception(), WithHooks(continueWith(&traffic.Overrides{URL: &rewritten})))
	b := New("b", WithInterception(), WithHooks(continueWith(nil)))
	_, browser, _ := attach(t, a, b)
	page := newTestPage(t, browser)

	native := page.FireRequest("https://example.com/", model.ResourceDocument)

	_, _, continues := native.Calls()
	assert.Equal(t, 1, continues)
	require.NotNil(t, native.Overrides())
	assert.Equal(t, rewritten, *native.Overrides().URL)

	require.Len(t, captured, 2)
	assert.Same(t, captured[0], captured[1], "handlers share one proxy")
	require.NoError(t, captured[0].Continue(ctx, nil))
	_, _, continues = native.Calls()
	assert.Equal(t, 1, continues, "second application is suppressed")
}

func TestRequestStallsWhenHandlerNeverVotes(t *testing.T) {
	silent := New("silent", WithInterception(), WithHooks(Hooks{
		ProcessRequest: func(context.Context, *Request) error { return nil },
	}))
	voter := New("voter", WithInterception(), WithHooks(Hooks{
		ProcessRequest: func(ctx context.Context, req *Request) error {
			return req.Continue(ctx, nil)
		},
	}))
	_, browser, _ := attach(t, silent, voter)
	page := newTestPage(t, browser)

	native := page.FireRequest("https://example.com/", model.ResourceDocument)
	assert.False(t, native.Handled())
}

func TestRequestWithoutProcessHookContinues(t *testing.T) {
	p := New("passive", WithInterception())
	_, browser, _ := attach(t, p)
	page := newTestPage(t, browser)

	native := page.FireRequest("https://example.com/", model.ResourceDocument)
	assert.Equal(t, "continue", native.Outcome())
}

func TestRequestWithoutHandlersContinues(t *testing.T) {
	p := New("dialogs-only")
	_, browser, _ := attach(t, p)
	page := newTestPage(t, browser)

	native := page.FireRequest("https://example.com/", model.ResourceDocument)
	assert.Equal(t, "continue", native.Outcome())
}

func TestStoppedPluginVotesContinue(t *testing.T) {
	ctx := context.Background()
	blocker := New("blocker", WithInterception(), WithHooks(Hooks{
		ProcessRequest: func(ctx context.Context, req *Request) error {
			return req.Abort(ctx, host.ReasonBlockedByClient)
		},
	}))
	_, browser, _ := attach(t, blocker)
	page := newTestPage(t, browser)

	native := page.FireRequest("https://example.com/a.png", model.ResourceImage)
	assert.Equal(t, "abort", native.Outcome())

	require.NoError(t, blocker.Stop(ctx))
	native = page.FireRequest("https://example.com/b.png", model.ResourceImage)
	assert.Equal(t, "continue", native.Outcome())
}

func lastEvent(s *Session, typ model.EventType) *model.Event {
	var found *model.Event
	for {
		select {
		case evt := <-s.Events():
			if evt.Type == typ {
				e := evt
				found = &e
			}
		default:
			return found
		}
	}
}
