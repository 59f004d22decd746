// Package dialogs 自动关闭页面弹出的 JavaScript 对话框。
package dialogs

import (
	"context"

	"cdpplug/internal/logger"
	"cdpplug/pkg/host"
	"cdpplug/pkg/plugin"
)

// Name 插件名称
const Name = "dialogs"

// Options 插件配置
type Options struct {
	// LogMessages 关闭前记录对话框内容
	LogMessages bool
	Logger      logger.Logger
}

type Plugin struct {
	*plugin.Plugin
	opts Options
}

// New 创建插件
func New(opts Options) *Plugin {
	var pluginOpts []plugin.Option
	if opts.Logger != nil {
		pluginOpts = append(pluginOpts, plugin.WithLogger(opts.Logger))
	}
	p := &Plugin{opts: opts}
	p.Plugin = plugin.New(Name, pluginOpts...)
	p.SetHooks(plugin.Hooks{ProcessDialog: p.processDialog})
	return p
}

// Provide 返回会话内唯一的实例
func Provide(s *plugin.Session, opts Options) *Plugin {
	return plugin.Provide(s, Name, func() *Plugin { return New(opts) })
}

func (p *Plugin) processDialog(ctx context.Context, dialog host.Dialog) error {
	if p.opts.LogMessages {
		p.Logger().Info("对话框消息", "type", string(dialog.Type()), "message", dialog.Message())
	}
	return dialog.Dismiss(ctx)
}
