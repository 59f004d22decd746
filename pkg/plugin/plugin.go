// Package plugin 浏览器插件生命周期与事件仲裁核心。
//
// 插件由 Hooks 描述行为，由 Session 限定作用域；同一请求被多个插件观察时，
// 由 Arbitration 汇总投票并只对原生请求执行一次终结动作。
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cdpplug/internal/logger"
	"cdpplug/pkg/host"
	"cdpplug/pkg/model"
)

// Hooks 插件扩展点，未设置的钩子视为空操作
type Hooks struct {
	AfterLaunch    func(ctx context.Context, b *Browser) error
	OnClose        func(ctx context.Context) error
	OnPageCreated  func(ctx context.Context, page host.Page) error
	ProcessRequest func(ctx context.Context, req *Request) error
	ProcessDialog  func(ctx context.Context, dialog host.Dialog) error
	BeforeRestart  func(ctx context.Context) error
	AfterRestart   func(ctx context.Context) error
	BeforeStop     func(ctx context.Context) error
	AfterStop      func(ctx context.Context) error
}

// Option 插件构造选项
type Option func(*Plugin)

// WithInterception 插件需要请求拦截
func WithInterception() Option {
	return func(p *Plugin) { p.requiresInterception = true }
}

// WithHooks 设置插件钩子
func WithHooks(h Hooks) Option {
	return func(p *Plugin) { p.hooks = h }
}

// WithLogger 设置插件日志器
func WithLogger(l logger.Logger) Option {
	return func(p *Plugin) { p.log = l }
}

// WithDependencies 声明依赖插件
func WithDependencies(deps ...*Plugin) Option {
	return func(p *Plugin) { p.dependencies = append(p.dependencies, deps...) }
}

// Plugin 插件基础类型：持有启动计数、依赖列表与钩子
type Plugin struct {
	name                 string
	requiresInterception bool
	hooks                Hooks
	log                  logger.Logger

	mu           sync.Mutex
	session      *Session
	initialized  bool
	startCounter int
	dependencies []*Plugin
	teardown     teardownList
	stopWatch    func()
	// wired 已挂载处理器的页面，同一页面只装配一次
	wired        map[model.TargetID]struct{}
}

// New 创建插件
func New(name string, opts ...Option) *Plugin {
	p := &Plugin{name: name}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name 插件名称
func (p *Plugin) Name() string { return p.name }

// Base 实现 Extension
func (p *Plugin) Base() *Plugin { return p }

// SetHooks 替换插件钩子，须在 Init 之前调用
func (p *Plugin) SetHooks(h Hooks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = h
}

func (p *Plugin) RequiresInterception() bool { return p.requiresInterception }

// IsInitialized 是否已初始化
func (p *Plugin) IsInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// IsStopped 启动计数为零即视为停止，是所有运行时钩子的唯一判断依据
func (p *Plugin) IsStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startCounter == 0
}

// StartCount 当前启动计数
func (p *Plugin) StartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startCounter
}

// Dependencies 依赖插件列表
func (p *Plugin) Dependencies() []*Plugin {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Plugin, len(p.dependencies))
	copy(out, p.dependencies)
	return out
}

// AddDependency 追加依赖插件
func (p *Plugin) AddDependency(deps ...*Plugin) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dependencies = append(p.dependencies, deps...)
}

// Session 插件当前所属会话，未初始化时为 nil
func (p *Plugin) Session() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// Browser 插件所属的浏览器句柄，未初始化时为 nil
func (p *Plugin) Browser() *Browser {
	s := p.Session()
	if s == nil {
		return nil
	}
	return s.Browser()
}

// Logger 插件日志器
func (p *Plugin) Logger() logger.Logger {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.log == nil {
		return logger.NewNop()
	}
	return p.log
}

func (p *Plugin) hooksSnapshot() Hooks {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hooks
}

// Init 绑定会话并启动插件；已初始化时为空操作
func (p *Plugin) Init(ctx context.Context, s *Session) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.session = s
	p.initialized = true
	p.startCounter = 1
	if p.log == nil {
		p.log = s.log.With("plugin", p.name)
	}
	deps := make([]*Plugin, len(p.dependencies))
	copy(deps, p.dependencies)
	hooks := p.hooks
	p.mu.Unlock()

	if p.requiresInterception {
		s.adjustInterceptions(1)
	}
	s.onClose(p.close)
	p.teardown.add("session:targetcreated", offStep(s.onTargetCreated(p.onTargetCreated)))
	s.publish(model.Event{Type: model.EventPluginInit, Plugin: p.name})
	p.Logger().Debug("插件已初始化", "interception", p.requiresInterception, "dependencies", len(deps))

	var errs []error
	for _, d := range deps {
		if err := d.Init(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("init dependency %s: %w", d.Name(), err))
		}
	}
	if hooks.AfterLaunch != nil {
		if err := hooks.AfterLaunch(ctx, s.Browser()); err != nil {
			errs = append(errs, fmt.Errorf("after launch: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Restart 启动计数加一并级联重启依赖
func (p *Plugin) Restart(ctx context.Context) error {
	hooks := p.hooksSnapshot()
	if hooks.BeforeRestart != nil {
		if err := hooks.BeforeRestart(ctx); err != nil {
			return fmt.Errorf("before restart: %w", err)
		}
	}

	p.mu.Lock()
	p.startCounter++
	s := p.session
	deps := make([]*Plugin, len(p.dependencies))
	copy(deps, p.dependencies)
	p.mu.Unlock()

	var errs []error
	if p.requiresInterception && s != nil {
		if s.adjustInterceptions(1) == 1 {
			if err := s.setInterception(ctx, true); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, d := range deps {
		if err := d.Restart(ctx); err != nil {
			errs = append(errs, fmt.Errorf("restart dependency %s: %w", d.Name(), err))
		}
	}
	if hooks.AfterRestart != nil {
		if err := hooks.AfterRestart(ctx); err != nil {
			errs = append(errs, fmt.Errorf("after restart: %w", err))
		}
	}
	if s != nil {
		s.publish(model.Event{Type: model.EventPluginRestart, Plugin: p.name})
	}
	p.Logger().Debug("插件已重启", "startCounter", p.StartCount())
	return errors.Join(errs...)
}

// Stop 启动计数减一（不低于零）并级联停止依赖；
// 拦截计数归零时关闭所有打开页面的请求拦截。
func (p *Plugin) Stop(ctx context.Context) error {
	hooks := p.hooksSnapshot()
	if hooks.BeforeStop != nil {
		if err := hooks.BeforeStop(ctx); err != nil {
			return fmt.Errorf("before stop: %w", err)
		}
	}

	p.mu.Lock()
	decremented := p.startCounter > 0
	if decremented {
		p.startCounter--
	}
	s := p.session
	deps := make([]*Plugin, len(p.dependencies))
	copy(deps, p.dependencies)
	p.mu.Unlock()

	var errs []error
	if decremented && p.requiresInterception && s != nil {
		if s.adjustInterceptions(-1) == 0 {
			if err := s.setInterception(ctx, false); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, d := range deps {
		if err := d.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop dependency %s: %w", d.Name(), err))
		}
	}
	if hooks.AfterStop != nil {
		if err := hooks.AfterStop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("after stop: %w", err))
		}
	}
	if s != nil {
		s.publish(model.Event{Type: model.EventPluginStop, Plugin: p.name})
	}
	p.Logger().Debug("插件已停止", "startCounter", p.StartCount())
	return errors.Join(errs...)
}

// close 浏览器关闭：解绑监听器并重置插件状态
func (p *Plugin) close(ctx context.Context) {
	p.mu.Lock()
	s := p.session
	p.initialized = false
	p.startCounter = 0
	p.session = nil
	hooks := p.hooks
	stopWatch := p.stopWatch
	p.stopWatch = nil
	p.wired = nil
	p.mu.Unlock()

	log := p.Logger()
	if stopWatch != nil {
		stopWatch()
	}
	_ = p.teardown.run(log)
	if hooks.OnClose != nil {
		if err := hooks.OnClose(ctx); err != nil {
			log.Err(err, "插件关闭钩子执行失败")
		}
	}
	if s != nil {
		s.publish(model.Event{Type: model.EventPluginClose, Plugin: p.name})
	}
	log.Debug("插件已随浏览器关闭")
}

// FirstPage 优先返回非空白的打开页面，其次任意打开页面，都没有时返回 nil
func (p *Plugin) FirstPage(ctx context.Context) (host.Page, error) {
	b := p.Browser()
	if b == nil {
		return nil, nil
	}
	pages, err := b.Pages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	var fallback host.Page
	for _, page := range pages {
		if page.IsClosed() {
			continue
		}
		if page.URL() != host.BlankURL {
			return page, nil
		}
		if fallback == nil {
			fallback = page
		}
	}
	return fallback, nil
}

// onTargetCreated 为新页面挂载本插件的请求与对话框处理器
func (p *Plugin) onTargetCreated(t host.Target) {
	if p.IsStopped() || t.Type() != host.TargetTypePage {
		return
	}
	s := p.Session()
	if s == nil {
		return
	}
	ctx := s.Context()
	log := p.Logger()

	page, err := t.Page(ctx)
	if err != nil {
		log.Err(err, "获取目标页面失败", "target", string(t.ID()))
		return
	}
	if page == nil || page.IsClosed() {
		return
	}
	if !p.claimPage(page.ID()) {
		return
	}
	id := page.ID()
	page.OnClose(func() { p.releasePage(id) })
	hub := s.hub(page)
	if hub == nil {
		return
	}

	if p.requiresInterception {
		if err := page.SetRequestInterception(ctx, true); err != nil {
			log.Err(err, "开启请求拦截失败", "target", string(page.ID()))
		}
		hub.addRequestHandler(p.name, p.onRequest)
	}
	hub.addDialogHandler(p.name, p.onDialog)

	if h := p.hooksSnapshot().OnPageCreated; h != nil {
		if err := h(ctx, page); err != nil {
			log.Err(err, "页面创建钩子执行失败", "target", string(page.ID()))
		}
	}
}

// claimPage 记录页面已装配，已记录过时返回 false
func (p *Plugin) claimPage(id model.TargetID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.wired[id]; ok {
		return false
	}
	if p.wired == nil {
		p.wired = make(map[model.TargetID]struct{})
	}
	p.wired[id] = struct{}{}
	return true
}

func (p *Plugin) releasePage(id model.TargetID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.wired, id)
}

// onRequest 插件停止或未实现 ProcessRequest 时投 continue 票
func (p *Plugin) onRequest(ctx context.Context, req *Request) {
	if req.Handled() {
		return
	}
	log := p.Logger()
	h := p.hooksSnapshot().ProcessRequest
	if p.IsStopped() || h == nil {
		if err := req.Continue(ctx, nil); err != nil {
			log.Err(err, "放行请求失败", "url", req.URL())
		}
		return
	}
	if err := h(ctx, req); err != nil {
		log.Err(err, "请求处理钩子执行失败", "url", req.URL())
	}
}

func (p *Plugin) onDialog(ctx context.Context, dialog host.Dialog) {
	if p.IsStopped() {
		return
	}
	h := p.hooksSnapshot().ProcessDialog
	if h == nil {
		return
	}
	if err := h(ctx, dialog); err != nil {
		p.Logger().Err(err, "对话框处理钩子执行失败", "type", string(dialog.Type()))
	}
}
