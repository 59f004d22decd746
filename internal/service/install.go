package service

import (
	"fmt"
	"time"

	"cdpplug/internal/config"
	"cdpplug/internal/logger"
	"cdpplug/internal/storage"
	"cdpplug/pkg/plugin"
	"cdpplug/pkg/plugins/blockres"
	"cdpplug/pkg/plugins/cookies"
	"cdpplug/pkg/plugins/dialogs"
	"cdpplug/pkg/plugins/localstorage"
	"cdpplug/pkg/plugins/stealth"
	"cdpplug/pkg/plugins/useragent"
)

// Installed 按配置注册到会话中的插件，未启用的为 nil
type Installed struct {
	UserAgent    *useragent.Plugin
	Stealth      *stealth.Plugin
	BlockRes     *blockres.Plugin
	Dialogs      *dialogs.Plugin
	Cookies      *cookies.Plugin
	LocalStorage *localstorage.Plugin
}

// Names 已注册插件名称
func (in *Installed) Names() []string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	add(in.UserAgent != nil, useragent.Name)
	add(in.Stealth != nil, stealth.Name)
	add(in.BlockRes != nil, blockres.Name)
	add(in.Dialogs != nil, dialogs.Name)
	add(in.Cookies != nil, cookies.Name)
	add(in.LocalStorage != nil, localstorage.Name)
	return out
}

// Install 按配置创建并注册插件；持久化类插件需要 store
func Install(s *plugin.Session, cfg config.Plugins, store storage.Store, l logger.Logger) (*Installed, error) {
	if l == nil {
		l = logger.NewNop()
	}
	in := &Installed{}
	uaOpts := useragent.Options{
		UserAgent: cfg.UserAgent.UserAgent,
		Platform:  cfg.UserAgent.Platform,
		Settle:    time.Duration(cfg.UserAgent.SettleMS) * time.Millisecond,
		Logger:    l.With("plugin", useragent.Name),
	}
	if cfg.UserAgent.Enabled {
		in.UserAgent = useragent.Provide(s, uaOpts)
	}
	if cfg.Stealth.Enabled {
		in.Stealth = stealth.Provide(s, uaOpts)
		in.UserAgent = in.Stealth.UserAgent()
	}
	if cfg.BlockResources.Enabled {
		resources, err := blockres.ParseResources(cfg.BlockResources.Resources)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", blockres.Name, err)
		}
		p, err := blockres.New(blockres.Options{
			Resources: resources,
			URLs:      cfg.BlockResources.URLs,
			Logger:    l.With("plugin", blockres.Name),
		})
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", blockres.Name, err)
		}
		in.BlockRes = plugin.Provide(s, blockres.Name, func() *blockres.Plugin { return p })
	}
	if cfg.Dialogs.Enabled {
		in.Dialogs = dialogs.Provide(s, dialogs.Options{
			LogMessages: cfg.Dialogs.Log,
			Logger:      l.With("plugin", dialogs.Name),
		})
	}
	if cfg.Cookies.Enabled {
		p, err := cookies.New(cookies.Options{
			Store:          store,
			Key:            cfg.Cookies.Key,
			Mode:           cfg.Cookies.Mode,
			Interval:       time.Duration(cfg.Cookies.IntervalMS) * time.Millisecond,
			DisableWarning: cfg.Cookies.DisableWarning,
			Logger:         l.With("plugin", cookies.Name),
		})
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", cookies.Name, err)
		}
		in.Cookies = plugin.Provide(s, cookies.Name, func() *cookies.Plugin { return p })
	}
	if cfg.LocalStorage.Enabled {
		p, err := localstorage.New(localstorage.Options{
			Store:          store,
			Key:            cfg.LocalStorage.Key,
			Mode:           cfg.LocalStorage.Mode,
			Profile:        cfg.LocalStorage.Profile,
			Interval:       time.Duration(cfg.LocalStorage.IntervalMS) * time.Millisecond,
			DisableWarning: cfg.LocalStorage.DisableWarning,
			Logger:         l.With("plugin", localstorage.Name),
		})
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", localstorage.Name, err)
		}
		in.LocalStorage = plugin.Provide(s, localstorage.Name, func() *localstorage.Plugin { return p })
	}
	return in, nil
}
