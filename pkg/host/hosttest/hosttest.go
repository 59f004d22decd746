// Package hosttest 提供 pkg/host 接口的内存实现，事件同步触发并记录原语调用，供测试使用。
package hosttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cdpplug/pkg/host"
	"cdpplug/pkg/model"
	"cdpplug/pkg/traffic"
)

// DefaultUserAgent 内存浏览器的默认 UA
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36"

// Browser 内存浏览器；由 CreateBrowserContext 创建的上下文共享根浏览器的页面表与 Cookie
type Browser struct {
	root *Browser

	mu         sync.Mutex
	nextID     int
	pages      []*Page
	cookies    []host.Cookie
	contexts   []*Browser
	userAgent  string
	closed     bool
	closeCount int
	targets    host.Listeners[host.Target]

	// CloseErr 非空时 Close 返回该错误
	CloseErr error
}

var _ host.Browser = (*Browser)(nil)

// NewBrowser 创建内存浏览器
func NewBrowser() *Browser {
	b := &Browser{userAgent: DefaultUserAgent}
	b.root = b
	return b
}

// NewPage 打开空白页并同步触发目标创建事件
func (b *Browser) NewPage(ctx context.Context) (host.Page, error) {
	return b.OpenPage(host.BlankURL)
}

// OpenPage 以指定地址打开页面
func (b *Browser) OpenPage(url string) (*Page, error) {
	r := b.root
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("browser is closed")
	}
	r.nextID++
	p := &Page{
		id:      model.TargetID(fmt.Sprintf("page-%d", r.nextID)),
		owner:   b,
		url:     url,
		history: []string{url},
		exposed: make(map[string]func() (any, error)),
	}
	r.pages = append(r.pages, p)
	r.mu.Unlock()

	r.targets.Emit(&Target{id: p.id, typ: host.TargetTypePage, page: p})
	return p, nil
}

// EmitTarget 触发非页面目标（worker 等）的创建事件
func (b *Browser) EmitTarget(typ string) {
	r := b.root
	r.mu.Lock()
	r.nextID++
	id := model.TargetID(fmt.Sprintf("%s-%d", typ, r.nextID))
	r.mu.Unlock()
	r.targets.Emit(&Target{id: id, typ: typ})
}

// Pages 返回打开的页面；上下文只返回其自身的页面
func (b *Browser) Pages(ctx context.Context) ([]host.Page, error) {
	r := b.root
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []host.Page
	for _, p := range r.pages {
		if p.IsClosed() {
			continue
		}
		if b != r && p.owner != b {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Close 关闭浏览器及其全部页面
func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closeCount++
	err := b.CloseErr
	b.mu.Unlock()

	pages, _ := b.Pages(ctx)
	for _, p := range pages {
		_ = p.Close(ctx)
	}
	if b == b.root {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
	}
	return err
}

// CloseCount 原生 Close 调用次数
func (b *Browser) CloseCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeCount
}

// OnTargetCreated 订阅目标创建；上下文的订阅挂在根浏览器上
func (b *Browser) OnTargetCreated(fn func(host.Target)) (off func()) {
	return b.root.targets.Add(fn)
}

// TargetListeners 目标创建监听器数量
func (b *Browser) TargetListeners() int {
	return b.root.targets.Len()
}

func (b *Browser) CreateBrowserContext(ctx context.Context) (host.Browser, error) {
	c := &Browser{root: b.root}
	b.root.mu.Lock()
	b.root.contexts = append(b.root.contexts, c)
	b.root.mu.Unlock()
	return c, nil
}

func (b *Browser) UserAgent(ctx context.Context) (string, error) {
	r := b.root
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userAgent, nil
}

// SetBrowserUserAgent 修改浏览器默认 UA
func (b *Browser) SetBrowserUserAgent(ua string) {
	r := b.root
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userAgent = ua
}

// Cookies 浏览器 Cookie 快照
func (b *Browser) Cookies() []host.Cookie {
	r := b.root
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]host.Cookie, len(r.cookies))
	copy(out, r.cookies)
	return out
}

func (b *Browser) setCookies(cookies ...host.Cookie) {
	r := b.root
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cookies {
		replaced := false
		for i, x := range r.cookies {
			if x.Name == c.Name && x.Domain == c.Domain && x.Path == c.Path {
				r.cookies[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			r.cookies = append(r.cookies, c)
		}
	}
}

func (b *Browser) deleteCookies(cookies ...host.Cookie) {
	r := b.root
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.cookies[:0]
	for _, x := range r.cookies {
		drop := false
		for _, c := range cookies {
			if x.Name == c.Name && (c.Domain == "" || x.Domain == c.Domain) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, x)
		}
	}
	r.cookies = kept
}

// Target 内存目标
type Target struct {
	id   model.TargetID
	typ  string
	page *Page
}

func (t *Target) ID() model.TargetID { return t.id }
func (t *Target) Type() string { return t.typ }

func (t *Target) Page(ctx context.Context) (host.Page, error) {
	if t.page == nil {
		return nil, fmt.Errorf("target %s is not a page", t.id)
	}
	return t.page, nil
}

// Page 内存页面
type Page struct {
	id    model.TargetID
	owner *Browser

	mu            sync.Mutex
	url           string
	history       []string
	closed        bool
	interception  bool
	toggles       []bool
	userAgent     string
	scripts       []string
	evaluations   []string
	exposed       map[string]func() (any, error)
	storage       map[string]map[string]string
	gotoFailures  map[string]error
	requests      host.Listeners[host.Request]
	dialogs       host.Listeners[host.Dialog]
	closes        host.Listeners[struct{}]
	requestSerial int
	evaluator     func(expression string, out any) error
}

var _ host.Page = (*Page)(nil)

func (p *Page) ID() model.TargetID { return p.id }

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

// Close 关闭页面并同步触发 close 事件
func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.closes.Emit(struct{}{})
	return nil
}

func (p *Page) OnRequest(fn func(host.Request)) (off func()) { return p.requests.Add(fn) }
func (p *Page) OnDialog(fn func(host.Dialog)) (off func()) { return p.dialogs.Add(fn) }

func (p *Page) OnClose(fn func()) (off func()) {
	return p.closes.Add(func(struct{}) { fn() })
}

// RequestListeners 请求事件监听器数量
func (p *Page) RequestListeners() int { return p.requests.Len() }

// DialogListeners 对话框事件监听器数量
func (p *Page) DialogListeners() int { return p.dialogs.Len() }

func (p *Page) SetRequestInterception(ctx context.Context, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return host.ErrPageClosed
	}
	p.interception = enabled
	p.toggles = append(p.toggles, enabled)
	return nil
}

// Intercepting 当前是否开启拦截
func (p *Page) Intercepting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interception
}

// InterceptionToggles 拦截开关的调用记录
func (p *Page) InterceptionToggles() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bool, len(p.toggles))
	copy(out, p.toggles)
	return out
}

func (p *Page) SetUserAgent(ctx context.Context, userAgent string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return host.ErrPageClosed
	}
	p.userAgent = userAgent
	return nil
}

// UserAgent 页面当前 UA，未覆盖时为浏览器默认值
func (p *Page) UserAgent() string {
	p.mu.Lock()
	ua := p.userAgent
	p.mu.Unlock()
	if ua == "" {
		ua, _ = p.owner.UserAgent(context.Background())
	}
	return ua
}

func (p *Page) Cookies(ctx context.Context) ([]host.Cookie, error) {
	if p.IsClosed() {
		return nil, host.ErrPageClosed
	}
	return p.owner.Cookies(), nil
}

func (p *Page) SetCookies(ctx context.Context, cookies ...host.Cookie) error {
	if p.IsClosed() {
		return host.ErrPageClosed
	}
	p.owner.setCookies(cookies...)
	return nil
}

func (p *Page) DeleteCookies(ctx context.Context, cookies ...host.Cookie) error {
	if p.IsClosed() {
		return host.ErrPageClosed
	}
	p.owner.deleteCookies(cookies...)
	return nil
}

// FailGoto 令导航到 url 时返回 err
func (p *Page) FailGoto(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gotoFailures == nil {
		p.gotoFailures = make(map[string]error)
	}
	p.gotoFailures[url] = err
}

func (p *Page) Goto(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return host.ErrPageClosed
	}
	if err := p.gotoFailures[url]; err != nil {
		return err
	}
	p.url = url
	p.history = append(p.history, url)
	return nil
}

func (p *Page) GoBack(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.history) < 2 {
		return nil
	}
	p.history = p.history[:len(p.history)-1]
	p.url = p.history[len(p.history)-1]
	return nil
}

// History 导航历史
func (p *Page) History() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.history))
	copy(out, p.history)
	return out
}

// SetEvaluator 设置 Evaluate 的处理函数
func (p *Page) SetEvaluator(fn func(expression string, out any) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evaluator = fn
}

// Evaluate 记录表达式；设置了处理函数时交由其处理
func (p *Page) Evaluate(ctx context.Context, expression string, out any) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return host.ErrPageClosed
	}
	p.evaluations = append(p.evaluations, expression)
	fn := p.evaluator
	p.mu.Unlock()
	if fn != nil {
		return fn(expression, out)
	}
	return nil
}

// Evaluations 已执行的表达式
func (p *Page) Evaluations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.evaluations))
	copy(out, p.evaluations)
	return out
}

// SetLocalStorage 设置某个源下的 localStorage 内容
func (p *Page) SetLocalStorage(origin string, items map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.storage == nil {
		p.storage = make(map[string]map[string]string)
	}
	p.storage[origin] = items
}

// LocalStorage 返回某个源下的 localStorage 内容
func (p *Page) LocalStorage(origin string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.storage[origin]))
	for k, v := range p.storage[origin] {
		out[k] = v
	}
	return out
}

// Decode 将 v 以 JSON 编码后解码到 out，便于处理函数返回结果
func Decode(v any, out any) error {
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (p *Page) EvaluateOnNewDocument(ctx context.Context, script string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return host.ErrPageClosed
	}
	p.scripts = append(p.scripts, script)
	return nil
}

// Scripts 注入的新文档脚本
func (p *Page) Scripts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.scripts))
	copy(out, p.scripts)
	return out
}

func (p *Page) ExposeFunction(ctx context.Context, name string, fn func() (any, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.exposed[name]; ok {
		return fmt.Errorf("function %q already exposed", name)
	}
	p.exposed[name] = fn
	return nil
}

// Call 模拟页面调用暴露的函数
func (p *Page) Call(name string) (any, error) {
	p.mu.Lock()
	fn, ok := p.exposed[name]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("function %q is not exposed", name)
	}
	return fn()
}

// FireRequest 同步触发请求事件并返回原生请求
func (p *Page) FireRequest(url string, rt model.ResourceType) *Request {
	p.mu.Lock()
	p.requestSerial++
	id := fmt.Sprintf("%s-req-%d", p.id, p.requestSerial)
	p.mu.Unlock()

	r := &Request{id: id, url: url, method: "GET", headers: traffic.Header{}, rt: rt}
	p.requests.Emit(r)
	return r
}

// FireDialog 同步触发对话框事件并返回原生对话框
func (p *Page) FireDialog(typ host.DialogType, message string) *Dialog {
	d := &Dialog{typ: typ, message: message}
	p.dialogs.Emit(d)
	return d
}

// Request 内存请求，记录每个终结原语的调用次数；第二次终结调用返回 host.ErrRequestHandled
type Request struct {
	id      string
	url     string
	method  string
	headers traffic.Header
	rt      model.ResourceType

	mu        sync.Mutex
	handled   bool
	responds  int
	aborts    int
	continues int
	response  *traffic.Response
	reason    host.ErrorReason
	overrides *traffic.Overrides
}

var _ host.Request = (*Request)(nil)

// NewRequest 创建独立的内存请求
func NewRequest(url string, rt model.ResourceType) *Request {
	return &Request{id: url, url: url, method: "GET", headers: traffic.Header{}, rt: rt}
}

func (r *Request) ID() string { return r.id }
func (r *Request) URL() string { return r.url }
func (r *Request) Method() string { return r.method }
func (r *Request) Headers() traffic.Header { return r.headers }
func (r *Request) ResourceType() model.ResourceType { return r.rt }

func (r *Request) Respond(ctx context.Context, res *traffic.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responds++
	if r.handled {
		return host.ErrRequestHandled
	}
	r.handled = true
	r.response = res
	return nil
}

func (r *Request) Abort(ctx context.Context, reason host.ErrorReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborts++
	if r.handled {
		return host.ErrRequestHandled
	}
	r.handled = true
	r.reason = reason
	return nil
}

func (r *Request) Continue(ctx context.Context, overrides *traffic.Overrides) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.continues++
	if r.handled {
		return host.ErrRequestHandled
	}
	r.handled = true
	r.overrides = overrides
	return nil
}

func (r *Request) Handled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handled
}

// Calls 各终结原语的调用次数
func (r *Request) Calls() (responds, aborts, continues int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responds, r.aborts, r.continues
}

// Outcome 已生效的终结动作："respond"、"abort"、"continue"，未处理时为空
func (r *Request) Outcome() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case !r.handled:
		return ""
	case r.response != nil:
		return "respond"
	case r.reason != "":
		return "abort"
	default:
		return "continue"
	}
}

func (r *Request) Response() *traffic.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

func (r *Request) Reason() host.ErrorReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

func (r *Request) Overrides() *traffic.Overrides {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overrides
}

// Dialog 内存对话框；处理后再次操作返回 host.ErrDialogHandled
type Dialog struct {
	typ     host.DialogType
	message string

	mu       sync.Mutex
	handled  bool
	dismiss  int
	accepts  int
	accepted string
}

var _ host.Dialog = (*Dialog)(nil)

func (d *Dialog) Type() host.DialogType { return d.typ }
func (d *Dialog) Message() string { return d.message }

func (d *Dialog) Dismiss(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dismiss++
	if d.handled {
		return host.ErrDialogHandled
	}
	d.handled = true
	return nil
}

func (d *Dialog) Accept(ctx context.Context, promptText string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accepts++
	if d.handled {
		return host.ErrDialogHandled
	}
	d.handled = true
	d.accepted = promptText
	return nil
}

// Dismissals 原生 Dismiss 调用次数
func (d *Dialog) Dismissals() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dismiss
}

// Accepts 原生 Accept 调用次数
func (d *Dialog) Accepts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepts
}
