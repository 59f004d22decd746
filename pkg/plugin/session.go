package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cdpplug/internal/logger"
	"cdpplug/pkg/host"
	"cdpplug/pkg/model"

	"github.com/google/uuid"
)

var (
	// ErrSessionClosed 会话绑定的浏览器已关闭
	ErrSessionClosed = errors.New("plugin session is closed")
	// ErrSessionAttached 会话已绑定浏览器
	ErrSessionAttached = errors.New("plugin session is already attached to a browser")
)

const (
	eventBuffer      = 256
	pageReadyTimeout = 5 * time.Second
)

// PageMiddleware 新页面创建后、返回给调用方之前执行的增强逻辑
type PageMiddleware func(ctx context.Context, page host.Page) error

// Extension 具体插件对外暴露其基础插件
type Extension interface {
	Base() *Plugin
}

// Session 与单个浏览器句柄绑定的插件运行上下文：
// 插件注册表、拦截计数、关闭事件、页面分发器与事件流都限定在会话内。
type Session struct {
	id     model.SessionID
	log    logger.Logger
	events chan model.Event

	targets host.Listeners[host.Target]

	mu            sync.Mutex
	registry      []*Plugin
	provided      map[string]any
	browser       *Browser
	ctx           context.Context
	cancel        context.CancelFunc
	offTarget     func()
	interceptions int
	closers       []func(ctx context.Context)
	middlewares   []PageMiddleware
	hubs          map[model.TargetID]*pageHub
	ready         map[model.TargetID]*readyState
	attached      bool
	closed        bool
	closeOnce     sync.Once
}

type readyState struct {
	ch   chan struct{}
	done bool
}

// NewSession 创建插件会话
func NewSession(l logger.Logger) *Session {
	if l == nil {
		l = logger.NewNop()
	}
	id := model.SessionID(uuid.New().String())
	return &Session{
		id:       id,
		log:      l.With("session", string(id)),
		events:   make(chan model.Event, eventBuffer),
		provided: make(map[string]any),
		hubs:     make(map[model.TargetID]*pageHub),
		ready:    make(map[model.TargetID]*readyState),
	}
}

// ID 会话ID
func (s *Session) ID() model.SessionID { return s.id }

// Logger 会话日志器
func (s *Session) Logger() logger.Logger { return s.log }

// Events 会话事件流（缓冲满时丢弃）
func (s *Session) Events() <-chan model.Event { return s.events }

// Provide 按名称返回会话内唯一的插件实例，首次调用时构建；
// 已被 Clear 移出注册表的实例会被重新注册。
func Provide[T Extension](s *Session, name string, build func() T) T {
	s.mu.Lock()
	existing, ok := s.provided[name]
	s.mu.Unlock()

	if !ok {
		built := build()
		s.mu.Lock()
		if existing, ok = s.provided[name]; !ok {
			s.provided[name] = built
			existing = built
		}
		s.mu.Unlock()
	}

	t, ok := existing.(T)
	if !ok {
		panic(fmt.Sprintf("plugin %q was provided with type %T", name, existing))
	}
	s.Add(t.Base())
	return t
}

// Add 注册插件（重复注册无效）
func (s *Session) Add(p *Plugin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.registry {
		if x == p {
			return
		}
	}
	s.registry = append(s.registry, p)
}

// Plugins 返回已注册插件
func (s *Session) Plugins() []*Plugin {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Plugin, len(s.registry))
	copy(out, s.registry)
	return out
}

// Clear 停止所有已注册插件并清空注册表
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	plugins := s.registry
	s.registry = nil
	s.mu.Unlock()

	var errs []error
	for _, p := range plugins {
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop plugin %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Attach 将会话绑定到浏览器句柄并初始化所有已注册插件
func (s *Session) Attach(ctx context.Context, native host.Browser) (*Browser, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.attached {
		s.mu.Unlock()
		return nil, ErrSessionAttached
	}
	s.attached = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	b := &Browser{Browser: native, sess: s}
	s.browser = b
	plugins := make([]*Plugin, len(s.registry))
	copy(plugins, s.registry)
	s.mu.Unlock()

	off := native.OnTargetCreated(s.dispatchTarget)
	s.mu.Lock()
	s.offTarget = off
	s.mu.Unlock()

	s.log.Info("插件会话已绑定浏览器", "plugins", len(plugins))

	var errs []error
	for _, p := range plugins {
		if err := p.Init(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("init plugin %s: %w", p.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.fireClose(ctx)
		return nil, err
	}

	// 绑定前已打开的页面同样交给插件装配
	pages, err := native.Pages(ctx)
	if err != nil {
		s.log.Err(err, "获取已打开页面失败")
		return b, nil
	}
	for _, page := range pages {
		if !page.IsClosed() {
			s.dispatchTarget(existingPage{page})
		}
	}
	return b, nil
}

// existingPage 将已打开页面包装为目标
type existingPage struct {
	page host.Page
}

func (t existingPage) ID() model.TargetID { return t.page.ID() }
func (t existingPage) Type() string { return host.TargetTypePage }
func (t existingPage) Page(context.Context) (host.Page, error) { return t.page, nil }

// Browser 返回包装后的浏览器句柄，未绑定时为 nil
func (s *Session) Browser() *Browser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browser
}

// Context 会话生命周期上下文，浏览器关闭后取消
func (s *Session) Context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Closed 浏览器是否已关闭
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Interceptions 当前拦截计数
func (s *Session) Interceptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interceptions
}

// UsePageMiddleware 注册新页面增强逻辑
func (s *Session) UsePageMiddleware(mw PageMiddleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

func (s *Session) pageMiddlewares() []PageMiddleware {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PageMiddleware, len(s.middlewares))
	copy(out, s.middlewares)
	return out
}

// onClose 注册浏览器关闭时执行的回调
func (s *Session) onClose(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

// onTargetCreated 订阅会话内的目标创建分发
func (s *Session) onTargetCreated(fn func(host.Target)) (off func()) {
	return s.targets.Add(fn)
}

// dispatchTarget 将目标创建事件依次分发给插件，完成后标记页面就绪
func (s *Session) dispatchTarget(t host.Target) {
	if s.Closed() {
		return
	}
	s.targets.Emit(t)
	if t.Type() == host.TargetTypePage {
		s.markReady(t.ID())
	}
}

func (s *Session) readyLocked(id model.TargetID) *readyState {
	st, ok := s.ready[id]
	if !ok {
		st = &readyState{ch: make(chan struct{})}
		s.ready[id] = st
	}
	return st
}

func (s *Session) markReady(id model.TargetID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.readyLocked(id)
	if !st.done {
		st.done = true
		close(st.ch)
	}
}

// awaitReady 等待所有插件处理完页面的目标创建事件
func (s *Session) awaitReady(ctx context.Context, id model.TargetID) error {
	s.mu.Lock()
	ch := s.readyLocked(id).ch
	sessCtx := s.ctx
	s.mu.Unlock()

	timer := time.NewTimer(pageReadyTimeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-sessCtx.Done():
		return ErrSessionClosed
	case <-timer.C:
		s.log.Warn("等待页面就绪超时", "target", string(id))
		return nil
	}
}

// hub 返回页面分发器，每个页面只安装一次
func (s *Session) hub(page host.Page) *pageHub {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if h, ok := s.hubs[page.ID()]; ok {
		return h
	}
	h := newPageHub(s, page)
	s.hubs[page.ID()] = h
	return h
}

func (s *Session) lookupHub(id model.TargetID) *pageHub {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hubs[id]
}

func (s *Session) removeHub(h *pageHub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := h.page.ID()
	if cur, ok := s.hubs[id]; ok && cur == h {
		delete(s.hubs, id)
	}
	delete(s.ready, id)
}

// adjustInterceptions 在临界区内调整拦截计数并返回新值
func (s *Session) adjustInterceptions(delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interceptions += delta
	if s.interceptions < 0 {
		s.interceptions = 0
	}
	return s.interceptions
}

// setInterception 切换所有打开页面的拦截状态；开启时只作用于挂有请求处理器的页面
func (s *Session) setInterception(ctx context.Context, enabled bool) error {
	b := s.Browser()
	if b == nil {
		return nil
	}
	pages, err := b.Pages(ctx)
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}

	var errs []error
	for _, page := range pages {
		if page.IsClosed() {
			continue
		}
		if enabled {
			h := s.lookupHub(page.ID())
			if h == nil || h.requestHandlerCount() == 0 {
				continue
			}
		}
		if err := page.SetRequestInterception(ctx, enabled); err != nil {
			errs = append(errs, fmt.Errorf("set interception on %s: %w", page.ID(), err))
		}
	}

	typ := model.EventInterceptionOff
	if enabled {
		typ = model.EventInterceptionOn
	}
	s.publish(model.Event{Type: typ})
	s.log.Debug("切换页面拦截状态", "enabled", enabled, "pages", len(pages))
	return errors.Join(errs...)
}

// fireClose 浏览器关闭事件，只触发一次
func (s *Session) fireClose(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		closers := s.closers
		s.closers = nil
		hubs := make([]*pageHub, 0, len(s.hubs))
		for _, h := range s.hubs {
			hubs = append(hubs, h)
		}
		off := s.offTarget
		s.offTarget = nil
		s.interceptions = 0
		cancel := s.cancel
		s.mu.Unlock()

		if off != nil {
			off()
		}
		for _, h := range hubs {
			h.close()
		}
		for _, fn := range closers {
			fn(ctx)
		}
		if cancel != nil {
			cancel()
		}

		s.publish(model.Event{Type: model.EventBrowserClosed})
		s.log.Info("浏览器已关闭，插件状态已重置", "plugins", len(closers))
	})
}

// publish 非阻塞发送会话事件
func (s *Session) publish(evt model.Event) {
	evt.Session = s.id
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case s.events <- evt:
	default:
	}
}
