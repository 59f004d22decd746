// Package useragent 改写页面 User-Agent，去掉无头浏览器特征。
package useragent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"cdpplug/internal/logger"
	"cdpplug/pkg/host"
	"cdpplug/pkg/model"
	"cdpplug/pkg/plugin"
)

// Name 插件名称
const Name = "useragent"

// DefaultPlatform 替换 User-Agent 中平台段的默认值
const DefaultPlatform = "Windows NT 10.0; Win64; x64"

// DefaultSettle 新页面返回前的等待时间，让 User-Agent 生效
const DefaultSettle = 100 * time.Millisecond

var platformSegment = regexp.MustCompile(`\(([^)]+)\)`)

// Options 插件配置
type Options struct {
	// UserAgent 非空时直接使用，不再基于浏览器原值改写
	UserAgent string
	Platform  string
	// Settle 为 0 时使用 DefaultSettle，小于 0 时不等待
	Settle time.Duration
	Logger logger.Logger
}

type pageAgent struct {
	page     host.Page
	original string
	applied  string
}

type Plugin struct {
	*plugin.Plugin
	opts Options

	mu    sync.Mutex
	pages map[model.TargetID]*pageAgent
}

// New 创建插件
func New(opts Options) *Plugin {
	if opts.Platform == "" {
		opts.Platform = DefaultPlatform
	}
	if opts.Settle == 0 {
		opts.Settle = DefaultSettle
	}
	p := &Plugin{opts: opts, pages: make(map[model.TargetID]*pageAgent)}
	var pluginOpts []plugin.Option
	if opts.Logger != nil {
		pluginOpts = append(pluginOpts, plugin.WithLogger(opts.Logger))
	}
	p.Plugin = plugin.New(Name, pluginOpts...)
	p.SetHooks(plugin.Hooks{
		AfterLaunch:   p.afterLaunch,
		OnClose:       p.onClose,
		OnPageCreated: p.onPageCreated,
		BeforeRestart: p.beforeRestart,
		AfterStop:     p.afterStop,
	})
	return p
}

// Provide 返回会话内唯一的实例
func Provide(s *plugin.Session, opts Options) *Plugin {
	return plugin.Provide(s, Name, func() *Plugin { return New(opts) })
}

// Anonymize 把无头标记替换为普通 Chrome，并替换第一个括号内的平台段
func Anonymize(userAgent, platform string) string {
	ua := strings.Replace(userAgent, "HeadlessChrome/", "Chrome/", 1)
	loc := platformSegment.FindStringIndex(ua)
	if loc == nil {
		return ua
	}
	return ua[:loc[0]] + "(" + platform + ")" + ua[loc[1]:]
}

// Applied 页面当前被设置的 User-Agent
func (p *Plugin) Applied(id model.TargetID) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pa, ok := p.pages[id]
	if !ok {
		return "", false
	}
	return pa.applied, true
}

func (p *Plugin) afterLaunch(ctx context.Context, b *plugin.Browser) error {
	if b == nil || p.opts.Settle < 0 {
		return nil
	}
	settle := p.opts.Settle
	b.Session().UsePageMiddleware(func(ctx context.Context, page host.Page) error {
		t := time.NewTimer(settle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	})
	return nil
}

func (p *Plugin) onClose(context.Context) error {
	p.mu.Lock()
	p.pages = make(map[model.TargetID]*pageAgent)
	p.mu.Unlock()
	return nil
}

func (p *Plugin) onPageCreated(ctx context.Context, page host.Page) error {
	b := p.Browser()
	if b == nil {
		return nil
	}
	original, err := b.UserAgent(ctx)
	if err != nil {
		return fmt.Errorf("read browser user agent: %w", err)
	}
	applied := p.opts.UserAgent
	if applied == "" {
		applied = Anonymize(original, p.opts.Platform)
	}

	p.mu.Lock()
	p.pages[page.ID()] = &pageAgent{page: page, original: original, applied: applied}
	p.mu.Unlock()
	id := page.ID()
	page.OnClose(func() {
		p.mu.Lock()
		delete(p.pages, id)
		p.mu.Unlock()
	})

	if err := page.SetUserAgent(ctx, applied); err != nil {
		return fmt.Errorf("set user agent: %w", err)
	}
	p.Logger().Debug("页面 User-Agent 已改写", "target", string(id), "userAgent", applied)
	return nil
}

func (p *Plugin) beforeRestart(ctx context.Context) error {
	return p.apply(ctx, func(pa *pageAgent) string { return pa.applied })
}

func (p *Plugin) afterStop(ctx context.Context) error {
	return p.apply(ctx, func(pa *pageAgent) string { return pa.original })
}

func (p *Plugin) apply(ctx context.Context, pick func(*pageAgent) string) error {
	p.mu.Lock()
	pages := make([]*pageAgent, 0, len(p.pages))
	for _, pa := range p.pages {
		pages = append(pages, pa)
	}
	p.mu.Unlock()

	var errs []error
	for _, pa := range pages {
		if pa.page.IsClosed() {
			continue
		}
		if err := pa.page.SetUserAgent(ctx, pick(pa)); err != nil {
			errs = append(errs, fmt.Errorf("set user agent on %s: %w", pa.page.ID(), err))
		}
	}
	return errors.Join(errs...)
}
