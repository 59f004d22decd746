// Package localstorage 按档案（profile）保存与恢复各源的 localStorage。
//
// 所有档案保存在同一个 JSON 文档中：{"<profile>": {"<origin>": {"key": "value"}}}。
package localstorage

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

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Name 插件名称
const Name = "localstorage"

const (
	ModeManual  = "manual"
	ModeMonitor = "monitor"
)

const (
	DefaultKey      = "localstorage"
	DefaultProfile  = "default"
	DefaultInterval = 300 * time.Millisecond
)

const (
	readExpr    = `({[window.origin]: Object.assign({}, localStorage)})`
	originExpr  = `window.origin`
	writePrefix = `((items) => { localStorage.clear(); for (const k of Object.keys(items)) { localStorage.setItem(k, items[k]); } })(`
	writeSuffix = `)`
)

// Items 单个源下的键值
type Items map[string]string

// Origins 源到键值的映射
type Origins map[string]Items

// Options 插件配置
type Options struct {
	Store    storage.Store
	Key      string
	Mode     string
	Profile  string
	Interval time.Duration
	// DisableWarning 关闭明文持久化提示
	DisableWarning bool
	Logger         logger.Logger
}

type Plugin struct {
	*plugin.Plugin
	opts Options

	mu          sync.Mutex
	doc         []byte
	profile     string
	lastProfile string
	lastHash    string
}

// New 创建插件
func New(opts Options) (*Plugin, error) {
	if opts.Store == nil {
		return nil, errors.New("localstorage plugin requires a store")
	}
	if opts.Mode == "" {
		opts.Mode = ModeManual
	}
	if opts.Mode != ModeManual && opts.Mode != ModeMonitor {
		return nil, fmt.Errorf("unknown localstorage mode %q", opts.Mode)
	}
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Profile == "" {
		opts.Profile = DefaultProfile
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	var pluginOpts []plugin.Option
	if opts.Logger != nil {
		pluginOpts = append(pluginOpts, plugin.WithLogger(opts.Logger))
	}
	p := &Plugin{opts: opts, doc: []byte("{}"), profile: opts.Profile}
	p.Plugin = plugin.New(Name, pluginOpts...)
	p.SetHooks(plugin.Hooks{
		AfterLaunch:  p.afterLaunch,
		AfterRestart: p.afterRestart,
	})
	if !opts.DisableWarning {
		p.Logger().Warn("localStorage 以明文形式持久化，可能泄露登录态；设置 disable_warning 可关闭此提示", "key", opts.Key)
	}
	return p, nil
}

// Profile 当前档案名
func (p *Plugin) Profile() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// Document 所有档案的 JSON 文档副本
func (p *Plugin) Document() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.doc...)
}

// Stored 返回某个档案已保存的内容
func (p *Plugin) Stored(profile string) (Origins, error) {
	p.mu.Lock()
	res := gjson.GetBytes(p.doc, gjson.Escape(profile))
	p.mu.Unlock()
	out := Origins{}
	if !res.Exists() {
		return out, nil
	}
	if err := json.Unmarshal([]byte(res.Raw), &out); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", profile, err)
	}
	return out, nil
}

func (p *Plugin) afterLaunch(ctx context.Context, _ *plugin.Browser) error {
	data, err := p.opts.Store.Load(ctx, p.opts.Key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	case len(data) == 0:
	case !gjson.ValidBytes(data):
		p.Logger().Warn("已保存的 localStorage 文档格式错误，已忽略", "key", p.opts.Key)
	default:
		p.mu.Lock()
		p.doc = data
		p.mu.Unlock()
	}
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
	p.lastProfile = ""
	p.lastHash = ""
	p.mu.Unlock()
	p.Watch(p.opts.Interval, func(ctx context.Context) error {
		_, err := p.pollOnce(ctx)
		return err
	})
}

// SwitchToProfile 切换档案并把该档案的内容写回页面
func (p *Plugin) SwitchToProfile(ctx context.Context, profile string) error {
	if p.IsStopped() {
		return nil
	}
	p.mu.Lock()
	p.profile = profile
	p.mu.Unlock()
	p.Logger().Debug("切换 localStorage 档案", "profile", profile)
	return p.loadProfile(ctx, profile)
}

// Save 手动模式下保存当前档案
func (p *Plugin) Save(ctx context.Context) error {
	if p.IsStopped() || p.opts.Mode != ModeManual {
		return nil
	}
	profile := p.Profile()
	current, err := p.snapshot(ctx)
	if err != nil {
		return err
	}
	return p.saveProfile(ctx, profile, current)
}

// Load 手动模式下把当前档案写回页面
func (p *Plugin) Load(ctx context.Context) error {
	if p.IsStopped() || p.opts.Mode != ModeManual {
		return nil
	}
	return p.loadProfile(ctx, p.Profile())
}

// Clear 删除当前档案
func (p *Plugin) Clear(ctx context.Context) error {
	if p.IsStopped() {
		return nil
	}
	profile := p.Profile()
	p.mu.Lock()
	doc, err := sjson.DeleteBytes(p.doc, gjson.Escape(profile))
	if err == nil {
		p.doc = doc
	}
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete profile %s: %w", profile, err)
	}
	return p.opts.Store.Save(ctx, p.opts.Key, doc)
}

// pollOnce 档案切换后的第一次轮询只记录档案，之后内容变化才写入
func (p *Plugin) pollOnce(ctx context.Context) (bool, error) {
	profile := p.Profile()
	current, err := p.snapshot(ctx)
	if err != nil {
		return false, err
	}
	raw, err := json.Marshal(map[string]Origins{profile: current})
	if err != nil {
		return false, err
	}
	hash := storage.Hash(raw)

	p.mu.Lock()
	if profile != p.lastProfile {
		p.lastProfile = profile
		p.lastHash = ""
		p.mu.Unlock()
		return false, nil
	}
	unchanged := hash == p.lastHash
	p.mu.Unlock()
	if unchanged {
		return false, nil
	}
	if err := p.saveProfile(ctx, profile, current); err != nil {
		return false, err
	}
	p.mu.Lock()
	p.lastHash = hash
	p.mu.Unlock()
	return true, nil
}

func (p *Plugin) saveProfile(ctx context.Context, profile string, current Origins) error {
	raw, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encode localstorage: %w", err)
	}
	p.mu.Lock()
	doc, err := sjson.SetRawBytes(p.doc, gjson.Escape(profile), raw)
	if err == nil {
		p.doc = doc
	}
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("update profile %s: %w", profile, err)
	}
	if err := p.opts.Store.Save(ctx, p.opts.Key, doc); err != nil {
		return err
	}
	p.Logger().Debug("localStorage 已保存", "profile", profile, "origins", len(current))
	return nil
}

func (p *Plugin) loadProfile(ctx context.Context, profile string) error {
	stored, err := p.Stored(profile)
	if err != nil {
		return err
	}
	pages, err := p.activePages(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, page := range pages {
		var origin string
		if err := page.Evaluate(ctx, originExpr, &origin); err != nil {
			errs = append(errs, fmt.Errorf("read origin of %s: %w", page.ID(), err))
			continue
		}
		items := stored[origin]
		if items == nil {
			items = Items{}
		}
		raw, err := json.Marshal(items)
		if err != nil {
			return err
		}
		if err := page.Evaluate(ctx, writePrefix+string(raw)+writeSuffix, nil); err != nil {
			errs = append(errs, fmt.Errorf("write localstorage of %s: %w", page.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// snapshot 汇总所有非空白页面的 localStorage
func (p *Plugin) snapshot(ctx context.Context) (Origins, error) {
	pages, err := p.activePages(ctx)
	if err != nil {
		return nil, err
	}
	out := Origins{}
	for _, page := range pages {
		var part Origins
		if err := page.Evaluate(ctx, readExpr, &part); err != nil {
			return nil, fmt.Errorf("read localstorage of %s: %w", page.ID(), err)
		}
		for origin, items := range part {
			out[origin] = items
		}
	}
	return out, nil
}

func (p *Plugin) activePages(ctx context.Context) ([]host.Page, error) {
	b := p.Browser()
	if b == nil {
		return nil, nil
	}
	pages, err := b.Pages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	out := pages[:0]
	for _, page := range pages {
		if page.IsClosed() || page.URL() == host.BlankURL {
			continue
		}
		out = append(out, page)
	}
	return out, nil
}
