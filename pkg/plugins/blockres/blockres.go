// Package blockres 按资源类型与 URL 规则中止请求。
package blockres

import (
	"context"
	"fmt"
	"strings"

	"cdpplug/internal/logger"
	"cdpplug/internal/rules"
	"cdpplug/pkg/host"
	"cdpplug/pkg/model"
	"cdpplug/pkg/plugin"
	"cdpplug/pkg/traffic"
)

// Name 插件名称
const Name = "blockres"

// Options 插件配置
type Options struct {
	Resources []model.ResourceType
	// URLs 命中任一 glob 的请求同样被中止
	URLs []string
	// Rules 额外的匹配规则
	Rules  []rules.Rule
	Logger logger.Logger
}

type Plugin struct {
	*plugin.Plugin
	resources map[model.ResourceType]struct{}
	engine    *rules.Engine
}

// New 创建插件，URL 模式或规则非法时返回错误
func New(opts Options) (*Plugin, error) {
	rs := append([]rules.Rule(nil), opts.Rules...)
	if len(opts.URLs) > 0 {
		rs = append(rs, rules.URLPatterns("urls", opts.URLs))
	}
	engine, err := rules.New(rs)
	if err != nil {
		return nil, fmt.Errorf("compile block rules: %w", err)
	}
	p := &Plugin{resources: make(map[model.ResourceType]struct{}), engine: engine}
	for _, r := range opts.Resources {
		p.resources[model.ResourceType(strings.ToLower(string(r)))] = struct{}{}
	}
	pluginOpts := []plugin.Option{plugin.WithInterception()}
	if opts.Logger != nil {
		pluginOpts = append(pluginOpts, plugin.WithLogger(opts.Logger))
	}
	p.Plugin = plugin.New(Name, pluginOpts...)
	p.SetHooks(plugin.Hooks{ProcessRequest: p.processRequest})
	return p, nil
}

// ParseResources 校验并转换资源类型名
func ParseResources(names []string) ([]model.ResourceType, error) {
	known := map[model.ResourceType]bool{
		model.ResourceDocument: true, model.ResourceStylesheet: true, model.ResourceImage: true,
		model.ResourceMedia: true, model.ResourceFont: true, model.ResourceScript: true,
		model.ResourceTextTrack: true, model.ResourceXHR: true, model.ResourceFetch: true,
		model.ResourceEventSource: true, model.ResourceWebSocket: true, model.ResourceManifest: true,
		model.ResourceOther: true,
	}
	out := make([]model.ResourceType, 0, len(names))
	for _, n := range names {
		rt := model.ResourceType(strings.ToLower(n))
		if !known[rt] {
			return nil, fmt.Errorf("unknown resource type %q", n)
		}
		out = append(out, rt)
	}
	return out, nil
}

// Blocked 请求是否应被中止
func (p *Plugin) Blocked(req host.Request) bool {
	if _, ok := p.resources[req.ResourceType()]; ok {
		return true
	}
	if p.engine.Len() == 0 {
		return false
	}
	_, ok := p.engine.Eval(rules.FromRequest(&traffic.Request{
		ID:           req.ID(),
		URL:          req.URL(),
		Method:       req.Method(),
		Headers:      req.Headers(),
		ResourceType: req.ResourceType(),
	}))
	return ok
}

func (p *Plugin) processRequest(ctx context.Context, req *plugin.Request) error {
	if p.Blocked(req) {
		p.Logger().Debug("请求已拦截", "url", req.URL(), "type", string(req.ResourceType()))
		return req.Abort(ctx, host.ReasonBlockedByClient)
	}
	return req.Continue(ctx, nil)
}
