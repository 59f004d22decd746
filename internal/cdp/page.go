package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cdpplug/internal/logger"
	"cdpplug/pkg/host"
	"cdpplug/pkg/model"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/emulation"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	cdppage "github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/protocol/target"
	"github.com/mafredri/cdp/rpcc"
)

// Page 附加到单个页面目标的会话
type Page struct {
	b      *Browser
	id     target.ID
	conn   *rpcc.Conn
	client *cdp.Client
	log    logger.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	url          string
	closed       bool
	intercepting bool
	bindings     map[string]func() (any, error)

	requests host.Listeners[host.Request]
	dialogs  host.Listeners[host.Dialog]
	closes   host.Listeners[struct{}]
}

var _ host.Page = (*Page)(nil)

func newPage(b *Browser, id target.ID, conn *rpcc.Conn) (*Page, error) {
	ctx, cancel := context.WithCancel(b.ctx)
	p := &Page{
		b:        b,
		id:       id,
		conn:     conn,
		client:   cdp.NewClient(conn),
		log:      b.log.With("target", string(id)),
		ctx:      ctx,
		cancel:   cancel,
		bindings: make(map[string]func() (any, error)),
	}

	paused, err := p.client.Fetch.RequestPaused(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe request paused: %w", err)
	}
	if err := rpcc.Invoke(ctx, "Page.enable", nil, nil, conn); err != nil {
		paused.Close()
		cancel()
		return nil, fmt.Errorf("enable page domain: %w", err)
	}
	if err := p.client.Runtime.Enable(ctx); err != nil {
		paused.Close()
		cancel()
		return nil, fmt.Errorf("enable runtime domain: %w", err)
	}
	if err := p.client.Network.Enable(ctx, nil); err != nil {
		paused.Close()
		cancel()
		return nil, fmt.Errorf("enable network domain: %w", err)
	}

	go p.consumePaused(paused)
	go p.consumeDialogs()
	go p.consumeBindings()
	p.log.Debug("页面会话已建立")
	return p, nil
}

func (p *Page) ID() model.TargetID { return model.TargetID(p.id) }

func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) setURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u != "" {
		p.url = u
	}
}

// Close 关闭页面目标
func (p *Page) Close(ctx context.Context) error {
	if p.IsClosed() {
		return nil
	}
	if err := p.b.closeTarget(ctx, p.id); err != nil {
		return fmt.Errorf("close target %s: %w", p.id, err)
	}
	p.markClosed()
	return nil
}

// markClosed 标记页面关闭，触发 close 事件并释放会话
func (p *Page) markClosed() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.closes.Emit(struct{}{})
	p.detach()
}

func (p *Page) detach() {
	p.cancel()
	if err := p.conn.Close(); err != nil {
		p.log.Debug("关闭页面会话", "error", err)
	}
}

func (p *Page) OnRequest(fn func(host.Request)) (off func()) { return p.requests.Add(fn) }
func (p *Page) OnDialog(fn func(host.Dialog)) (off func()) { return p.dialogs.Add(fn) }

func (p *Page) OnClose(fn func()) (off func()) {
	return p.closes.Add(func(struct{}) { fn() })
}

// SetRequestInterception 开启或关闭请求阶段拦截
func (p *Page) SetRequestInterception(ctx context.Context, enabled bool) error {
	if p.IsClosed() {
		return host.ErrPageClosed
	}
	p.mu.Lock()
	same := p.intercepting == enabled
	p.mu.Unlock()
	if same {
		return nil
	}

	if enabled {
		pattern := "*"
		patterns := []fetch.RequestPattern{
			{URLPattern: &pattern, RequestStage: fetch.RequestStageRequest},
		}
		if err := p.client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: patterns}); err != nil {
			return fmt.Errorf("enable fetch: %w", err)
		}
	} else if err := p.client.Fetch.Disable(ctx); err != nil {
		return fmt.Errorf("disable fetch: %w", err)
	}

	// 调用成功后才记录状态
	p.mu.Lock()
	p.intercepting = enabled
	p.mu.Unlock()
	return nil
}

func (p *Page) SetUserAgent(ctx context.Context, userAgent string) error {
	if err := p.client.Emulation.SetUserAgentOverride(ctx, emulation.NewSetUserAgentOverrideArgs(userAgent)); err != nil {
		return fmt.Errorf("set user agent: %w", err)
	}
	return nil
}

// Cookies 浏览器全部 Cookie
func (p *Page) Cookies(ctx context.Context) ([]host.Cookie, error) {
	var reply struct {
		Cookies []host.Cookie `json:"cookies"`
	}
	if err := rpcc.Invoke(ctx, "Network.getAllCookies", nil, &reply, p.conn); err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	return reply.Cookies, nil
}

// SetCookies 写入 Cookie；Cookie 结构与协议字段一致，直接透传
func (p *Page) SetCookies(ctx context.Context, cookies ...host.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]host.Cookie, len(cookies))
	for i, c := range cookies {
		c.Session = false
		params[i] = c
	}
	args := struct {
		Cookies []host.Cookie `json:"cookies"`
	}{Cookies: params}
	if err := rpcc.Invoke(ctx, "Network.setCookies", &args, nil, p.conn); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

func (p *Page) DeleteCookies(ctx context.Context, cookies ...host.Cookie) error {
	for _, c := range cookies {
		args := network.NewDeleteCookiesArgs(c.Name)
		if c.Domain != "" {
			args.SetDomain(c.Domain)
		}
		if c.Path != "" {
			args.SetPath(c.Path)
		}
		if err := p.client.Network.DeleteCookies(ctx, args); err != nil {
			return fmt.Errorf("delete cookie %s: %w", c.Name, err)
		}
	}
	return nil
}

func (p *Page) Goto(ctx context.Context, url string) error {
	reply, err := p.client.Page.Navigate(ctx, cdppage.NewNavigateArgs(url))
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if reply.ErrorText != nil && *reply.ErrorText != "" {
		return fmt.Errorf("navigate %s: %s", url, *reply.ErrorText)
	}
	p.setURL(url)
	return nil
}

// GoBack 回到上一条历史记录，没有历史时为空操作
func (p *Page) GoBack(ctx context.Context) error {
	history, err := p.client.Page.GetNavigationHistory(ctx)
	if err != nil {
		return fmt.Errorf("get navigation history: %w", err)
	}
	if history.CurrentIndex <= 0 || history.CurrentIndex >= len(history.Entries) {
		return nil
	}
	entry := history.Entries[history.CurrentIndex-1]
	if err := p.client.Page.NavigateToHistoryEntry(ctx, cdppage.NewNavigateToHistoryEntryArgs(entry.ID)); err != nil {
		return fmt.Errorf("navigate to history entry: %w", err)
	}
	p.setURL(entry.URL)
	return nil
}

func (p *Page) Evaluate(ctx context.Context, expression string, out any) error {
	args := runtime.NewEvaluateArgs(expression).SetAwaitPromise(true).SetReturnByValue(true)
	reply, err := p.client.Runtime.Evaluate(ctx, args)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if reply.ExceptionDetails != nil {
		return fmt.Errorf("evaluate: %s", reply.ExceptionDetails.Text)
	}
	if out == nil || len(reply.Result.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Result.Value, out); err != nil {
		return fmt.Errorf("decode evaluate result: %w", err)
	}
	return nil
}

func (p *Page) EvaluateOnNewDocument(ctx context.Context, script string) error {
	args := cdppage.NewAddScriptToEvaluateOnNewDocumentArgs(script)
	if _, err := p.client.Page.AddScriptToEvaluateOnNewDocument(ctx, args); err != nil {
		return fmt.Errorf("add script to new document: %w", err)
	}
	return nil
}

// bindingShim 将 Runtime 绑定包装为返回 Promise 的函数
const bindingShim = `(() => {
  const name = %q;
  const binding = window[name];
  if (typeof binding !== 'function' || binding.__deliver) return;
  const callbacks = new Map();
  let seq = 0;
  const shim = (...args) => new Promise((resolve, reject) => {
    const id = ++seq;
    callbacks.set(id, { resolve, reject });
    binding(JSON.stringify({ id, args }));
  });
  shim.__deliver = (id, ok, value) => {
    const cb = callbacks.get(id);
    if (!cb) return;
    callbacks.delete(id);
    ok ? cb.resolve(value) : cb.reject(new Error(value));
  };
  window[name] = shim;
})()`

// ExposeFunction 通过 Runtime.AddBinding 暴露函数，当前文档和后续文档都生效
func (p *Page) ExposeFunction(ctx context.Context, name string, fn func() (any, error)) error {
	p.mu.Lock()
	if _, ok := p.bindings[name]; ok {
		p.mu.Unlock()
		return fmt.Errorf("function %q already exposed", name)
	}
	p.bindings[name] = fn
	p.mu.Unlock()

	if err := p.client.Runtime.AddBinding(ctx, runtime.NewAddBindingArgs(name)); err != nil {
		return fmt.Errorf("add binding %s: %w", name, err)
	}
	shim := fmt.Sprintf(bindingShim, name)
	if err := p.EvaluateOnNewDocument(ctx, shim); err != nil {
		return err
	}
	return p.Evaluate(ctx, shim, nil)
}

func (p *Page) binding(name string) func() (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bindings[name]
}
