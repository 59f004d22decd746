// Package cookies 保存与恢复浏览器 Cookie，支持手动与监视两种模式。
package cookies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cdpplug/internal/logger"
	"cdpplug/internal/storage"
	"cdpplug/pkg/host"
	"cdpplug/pkg/plugin"
)

// Name 插件名称
const Name = "cookies"

const (
	ModeManual  = "manual"
	ModeMonitor = "monitor"
)

const (
	DefaultKey       = "cookies"
	DefaultInterval  = 300 * time.Millisecond
	DefaultWarmupURL = "http://www.google.com"
)

// Options 插件配置
type Options struct {
	Store storage.Store
	Key   string
	Mode  string
	// Interval 监视模式的轮询间隔
	Interval time.Duration
	// Stringify / Parse 自定义序列化，默认 JSON
	Stringify func([]host.Cookie) ([]byte, error)
	Parse     func([]byte) ([]host.Cookie, error)
	// WarmupURL 空白页无法写入 Cookie，加载前先导航到该地址
	WarmupURL      string
	DisableWarning bool
	Logger         logger.Logger
}

type Plugin struct {
	*plugin.Plugin
	opts Options

	mu       sync.Mutex
	lastHash string
}

// New 创建插件
func New(opts Options) (*Plugin, error) {
	if opts.Store == nil {
		return nil, errors.New("cookies plugin requires a store")
	}
	if opts.Mode == "" {
		opts.Mode = ModeManual
	}
	if opts.Mode != ModeManual && opts.Mode != ModeMonitor {
		return nil, fmt.Errorf("unknown cookies mode %q", opts.Mode)
	}
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.WarmupURL == "" {
		opts.WarmupURL = DefaultWarmupURL
	}
	if opts.Stringify == nil {
		opts.Stringify = func(c []host.Cookie) ([]byte, error) { return json.Marshal(c) }
	}
	if opts.Parse == nil {
		opts.Parse = parseJSON
	}

	var pluginOpts []plugin.Option
	if opts.Logger != nil {
		pluginOpts = append(pluginOpts, plugin.WithLogger(opts.Logger))
	}
	p := &Plugin{opts: opts}
	p.Plugin = plugin.New(Name, pluginOpts...)
	p.SetHooks(plugin.Hooks{
		AfterLaunch:  p.afterLaunch,
		AfterRestart: p.afterRestart,
	})
	if !opts.DisableWarning {
		p.Logger().Warn("Cookie 以明文形式持久化，可能泄露登录态；设置 disable_warning 可关闭此提示", "key", opts.Key)
	}
	return p, nil
}

func parseJSON(data []byte) ([]host.Cookie, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []host.Cookie
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse cookies: %w", err)
	}
	return out, nil
}

// Mode 当前模式
func (p *Plugin) Mode() string { return p.opts.Mode }

func (p *Plugin) afterLaunch(ctx context.Context, _ *plugin.Browser) error {
	p.watch()
	return nil
}

func (p *Plugin) afterRestart(ctx context.Context) error {
	p.watch()
	return nil
}

func (p *Plugin) watch() {
	if p.opts.Mode != ModeMonitor {
		return
	}
	p.mu.Lock()
	p.lastHash = ""
	p.mu.Unlock()
	p.Watch(p.opts.Interval, func(ctx context.Context) error {
		_, err := p.pollOnce(ctx)
		return err
	})
}

// pollOnce 读取当前 Cookie，内容变化时写入存储
func (p *Plugin) pollOnce(ctx context.Context) (bool, error) {
	page, err := p.FirstPage(ctx)
	if err != nil || page == nil {
		return false, err
	}
	data, err := p.snapshot(ctx, page)
	if err != nil {
		return false, err
	}
	hash := storage.Hash(data)
	p.mu.Lock()
	unchanged := hash == p.lastHash
	p.mu.Unlock()
	if unchanged {
		return false, nil
	}
	if err := p.opts.Store.Save(ctx, p.opts.Key, data); err != nil {
		return false, err
	}
	p.mu.Lock()
	p.lastHash = hash
	p.mu.Unlock()
	p.Logger().Debug("Cookie 已变化并写入", "hash", hash)
	return true, nil
}

func (p *Plugin) snapshot(ctx context.Context, page host.Page) ([]byte, error) {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	data, err := p.opts.Stringify(cookies)
	if err != nil {
		return nil, fmt.Errorf("stringify cookies: %w", err)
	}
	return data, nil
}

// Save 手动模式下保存所有 Cookie
func (p *Plugin) Save(ctx context.Context) error {
	if p.IsStopped() || p.opts.Mode != ModeManual {
		return nil
	}
	page, err := p.FirstPage(ctx)
	if err != nil || page == nil {
		return err
	}
	data, err := p.snapshot(ctx, page)
	if err != nil {
		return err
	}
	return p.opts.Store.Save(ctx, p.opts.Key, data)
}

// Load 手动模式下恢复已保存的 Cookie；当前是空白页时先导航到预热地址再返回
func (p *Plugin) Load(ctx context.Context) error {
	if p.IsStopped() || p.opts.Mode != ModeManual {
		return nil
	}
	page, err := p.FirstPage(ctx)
	if err != nil || page == nil {
		return err
	}
	data, err := p.opts.Store.Load(ctx, p.opts.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	cookies, err := p.opts.Parse(data)
	if err != nil {
		return err
	}

	warmup := page.URL() == host.BlankURL
	if warmup {
		if err := page.Goto(ctx, p.opts.WarmupURL); err != nil {
			return fmt.Errorf("navigate to warm-up page: %w", err)
		}
	}
	if err := page.SetCookies(ctx, cookies...); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	if warmup {
		if err := page.GoBack(ctx); err != nil {
			return fmt.Errorf("leave warm-up page: %w", err)
		}
	}
	p.Logger().Debug("Cookie 已恢复", "count", len(cookies))
	return nil
}

// Clear 删除浏览器中的所有 Cookie 并移除已保存的快照
func (p *Plugin) Clear(ctx context.Context) error {
	if p.IsStopped() {
		return nil
	}
	page, err := p.FirstPage(ctx)
	if err != nil || page == nil {
		return err
	}
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}
	if err := page.DeleteCookies(ctx, cookies...); err != nil {
		return fmt.Errorf("delete cookies: %w", err)
	}
	return p.opts.Store.Remove(ctx, p.opts.Key)
}
