// Package cdp 基于 mafredri/cdp 的浏览器适配器，实现 pkg/host 定义的能力接口。
package cdp

import (
	"context"
	"fmt"
	"sync"

	"cdpplug/internal/logger"
	"cdpplug/pkg/host"
	"cdpplug/pkg/model"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/target"
	"github.com/mafredri/cdp/rpcc"
	"github.com/mafredri/cdp/session"
)

// Browser 通过浏览器级 WebSocket 连接管理全部目标
type Browser struct {
	devtoolsURL string
	log         logger.Logger
	conn        *rpcc.Conn
	client      *cdp.Client
	sessions    *session.Manager
	ctx         context.Context
	cancel      context.CancelFunc

	mu      sync.Mutex
	entries map[target.ID]*targetEntry
	targets host.Listeners[host.Target]
	closed  bool
}

type targetEntry struct {
	info      target.Info
	page      *Page
	destroyed bool
}

var _ host.Browser = (*Browser)(nil)

// Connect 连接 DevTools 地址对应的浏览器并开始目标发现
func Connect(ctx context.Context, devtoolsURL string, log logger.Logger) (*Browser, error) {
	if log == nil {
		log = logger.NewNop()
	}
	version, err := devtool.New(devtoolsURL).Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("query devtools version: %w", err)
	}
	conn, err := rpcc.DialContext(ctx, version.WebSocketDebuggerURL)
	if err != nil {
		return nil, fmt.Errorf("dial browser: %w", err)
	}
	client := cdp.NewClient(conn)
	sessions, err := session.NewManager(client)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create session manager: %w", err)
	}

	bctx, cancel := context.WithCancel(context.Background())
	b := &Browser{
		devtoolsURL: devtoolsURL,
		log:         log.With("devtools", devtoolsURL),
		conn:        conn,
		client:      client,
		sessions:    sessions,
		ctx:         bctx,
		cancel:      cancel,
		entries:     make(map[target.ID]*targetEntry),
	}
	if err := b.discover(ctx); err != nil {
		b.shutdown()
		return nil, err
	}
	b.log.Info("已连接浏览器", "browser", version.Browser)
	return b, nil
}

// ListTargets 列出 DevTools 目标
func ListTargets(ctx context.Context, devtoolsURL string) ([]model.TargetInfo, error) {
	targets, err := devtool.New(devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		out = append(out, model.TargetInfo{
			ID:    model.TargetID(t.ID),
			Type:  string(t.Type),
			URL:   t.URL,
			Title: t.Title,
		})
	}
	return out, nil
}

// NewPage 创建空白页
func (b *Browser) NewPage(ctx context.Context) (host.Page, error) {
	return b.newPage(ctx, target.NewCreateTargetArgs(host.BlankURL))
}

func (b *Browser) newPage(ctx context.Context, args *target.CreateTargetArgs) (*Page, error) {
	reply, err := b.client.Target.CreateTarget(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}
	return b.page(ctx, reply.TargetID)
}

// Pages 返回所有打开的页面
func (b *Browser) Pages(ctx context.Context) ([]host.Page, error) {
	return b.pagesWhere(ctx, func(target.ID) bool { return true })
}

func (b *Browser) pagesWhere(ctx context.Context, keep func(target.ID) bool) ([]host.Page, error) {
	b.mu.Lock()
	var ids []target.ID
	for id, e := range b.entries {
		if !e.destroyed && e.info.Type == host.TargetTypePage && keep(id) {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	out := make([]host.Page, 0, len(ids))
	for _, id := range ids {
		p, err := b.page(ctx, id)
		if err != nil {
			b.log.Err(err, "附加页面失败", "target", string(id))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// page 返回目标对应的页面，首次访问时建立会话
func (b *Browser) page(ctx context.Context, id target.ID) (*Page, error) {
	b.mu.Lock()
	e, ok := b.entries[id]
	if !ok {
		e = &targetEntry{info: target.Info{TargetID: id, Type: host.TargetTypePage}}
		b.entries[id] = e
	}
	if e.page != nil {
		p := e.page
		b.mu.Unlock()
		return p, nil
	}
	if e.destroyed {
		b.mu.Unlock()
		return nil, host.ErrPageClosed
	}
	b.mu.Unlock()

	conn, err := b.sessions.Dial(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("attach target %s: %w", id, err)
	}
	p, err := newPage(b, id, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e.page != nil {
		// 并发附加时保留先完成的会话
		go p.detach()
		return e.page, nil
	}
	p.setURL(e.info.URL)
	e.page = p
	return p, nil
}

// Close 关闭浏览器
func (b *Browser) Close(ctx context.Context) error {
	err := b.client.Browser.Close(ctx)
	b.shutdown()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

func (b *Browser) shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var pages []*Page
	for _, e := range b.entries {
		if e.page != nil {
			pages = append(pages, e.page)
		}
	}
	b.mu.Unlock()

	for _, p := range pages {
		p.markClosed()
	}
	b.cancel()
	if err := b.sessions.Close(); err != nil {
		b.log.Err(err, "关闭会话管理器失败")
	}
	if err := b.conn.Close(); err != nil {
		b.log.Debug("关闭浏览器连接", "error", err)
	}
	b.log.Info("浏览器连接已关闭")
}

// OnTargetCreated 订阅目标创建事件
func (b *Browser) OnTargetCreated(fn func(host.Target)) (off func()) {
	return b.targets.Add(fn)
}

// CreateBrowserContext 创建隔离的浏览器上下文
func (b *Browser) CreateBrowserContext(ctx context.Context) (host.Browser, error) {
	reply, err := b.client.Target.CreateBrowserContext(ctx, target.NewCreateBrowserContextArgs())
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	id := reply.BrowserContextID
	return &Context{
		root: b,
		id:   string(id),
		createArgs: func(url string) *target.CreateTargetArgs {
			return target.NewCreateTargetArgs(url).SetBrowserContextID(id)
		},
		dispose: func(ctx context.Context) error {
			return b.client.Target.DisposeBrowserContext(ctx, target.NewDisposeBrowserContextArgs(id))
		},
		owned: make(map[target.ID]bool),
	}, nil
}

// UserAgent 浏览器默认 UA
func (b *Browser) UserAgent(ctx context.Context) (string, error) {
	v, err := b.client.Browser.GetVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("get browser version: %w", err)
	}
	return v.UserAgent, nil
}

func (b *Browser) closeTarget(ctx context.Context, id target.ID) error {
	_, err := b.client.Target.CloseTarget(ctx, target.NewCloseTargetArgs(id))
	return err
}

// Context 浏览器上下文句柄，与根浏览器共享连接
type Context struct {
	root       *Browser
	id         string
	createArgs func(url string) *target.CreateTargetArgs
	dispose    func(ctx context.Context) error

	mu    sync.Mutex
	owned map[target.ID]bool
}

var _ host.Browser = (*Context)(nil)

func (c *Context) NewPage(ctx context.Context) (host.Page, error) {
	p, err := c.root.newPage(ctx, c.createArgs(host.BlankURL))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.owned[p.id] = true
	c.mu.Unlock()
	return p, nil
}

func (c *Context) Pages(ctx context.Context) ([]host.Page, error) {
	return c.root.pagesWhere(ctx, func(id target.ID) bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.owned[id]
	})
}

// Close 销毁上下文及其页面
func (c *Context) Close(ctx context.Context) error {
	if err := c.dispose(ctx); err != nil {
		return fmt.Errorf("dispose browser context %s: %w", c.id, err)
	}
	return nil
}

func (c *Context) OnTargetCreated(fn func(host.Target)) (off func()) {
	return c.root.OnTargetCreated(fn)
}

func (c *Context) CreateBrowserContext(ctx context.Context) (host.Browser, error) {
	return c.root.CreateBrowserContext(ctx)
}

func (c *Context) UserAgent(ctx context.Context) (string, error) {
	return c.root.UserAgent(ctx)
}

// Target 发现的浏览器目标
type Target struct {
	b    *Browser
	info target.Info
}

var _ host.Target = (*Target)(nil)

func (t *Target) ID() model.TargetID { return model.TargetID(t.info.TargetID) }
func (t *Target) Type() string { return t.info.Type }

func (t *Target) Page(ctx context.Context) (host.Page, error) {
	if t.info.Type != host.TargetTypePage {
		return nil, fmt.Errorf("target %s is a %s", t.info.TargetID, t.info.Type)
	}
	return t.b.page(ctx, t.info.TargetID)
}
