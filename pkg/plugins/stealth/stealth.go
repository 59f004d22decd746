// Package stealth 在页面脚本执行前注入反检测脚本。
package stealth

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"cdpplug/internal/logger"
	"cdpplug/pkg/host"
	"cdpplug/pkg/plugin"
	"cdpplug/pkg/plugins/useragent"
)

// Name 插件名称
const Name = "stealth"

// StoppedBinding 暴露给页面的停止状态查询函数名
const StoppedBinding = "isStopped"

//go:embed evasions/*.js
var evasionFS embed.FS

// Evasion 单个注入脚本
type Evasion struct {
	Name   string
	Source string
}

// Evasions 按文件名排序返回内置脚本
func Evasions() ([]Evasion, error) {
	entries, err := fs.ReadDir(evasionFS, "evasions")
	if err != nil {
		return nil, fmt.Errorf("read evasions: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	out := make([]Evasion, 0, len(entries))
	for _, e := range entries {
		src, err := evasionFS.ReadFile(path.Join("evasions", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read evasion %s: %w", e.Name(), err)
		}
		out = append(out, Evasion{Name: e.Name(), Source: string(src)})
	}
	return out, nil
}

// Options 插件配置
type Options struct {
	// UserAgent 依赖的 User-Agent 插件，为空时新建
	UserAgent *useragent.Plugin
	Logger    logger.Logger
}

type Plugin struct {
	*plugin.Plugin
	userAgent *useragent.Plugin
	evasions  []Evasion
}

// New 创建插件
func New(opts Options) (*Plugin, error) {
	evasions, err := Evasions()
	if err != nil {
		return nil, err
	}
	ua := opts.UserAgent
	if ua == nil {
		ua = useragent.New(useragent.Options{Logger: opts.Logger})
	}
	pluginOpts := []plugin.Option{plugin.WithDependencies(ua.Base())}
	if opts.Logger != nil {
		pluginOpts = append(pluginOpts, plugin.WithLogger(opts.Logger))
	}
	p := &Plugin{userAgent: ua, evasions: evasions}
	p.Plugin = plugin.New(Name, pluginOpts...)
	p.SetHooks(plugin.Hooks{OnPageCreated: p.onPageCreated})
	return p, nil
}

// Provide 返回会话内唯一的实例，依赖的 User-Agent 插件同样取会话内实例
func Provide(s *plugin.Session, uaOpts useragent.Options) *Plugin {
	return plugin.Provide(s, Name, func() *Plugin {
		p, err := New(Options{UserAgent: useragent.Provide(s, uaOpts)})
		if err != nil {
			panic(err)
		}
		return p
	})
}

// UserAgent 依赖的 User-Agent 插件
func (p *Plugin) UserAgent() *useragent.Plugin { return p.userAgent }

func (p *Plugin) onPageCreated(ctx context.Context, page host.Page) error {
	err := page.ExposeFunction(ctx, StoppedBinding, func() (any, error) {
		return p.IsStopped(), nil
	})
	if err != nil {
		return fmt.Errorf("expose %s: %w", StoppedBinding, err)
	}
	for _, e := range p.evasions {
		if err := page.EvaluateOnNewDocument(ctx, e.Source); err != nil {
			return fmt.Errorf("inject %s: %w", e.Name, err)
		}
	}
	p.Logger().Debug("反检测脚本已注入", "target", string(page.ID()), "scripts", len(p.evasions))
	return nil
}
