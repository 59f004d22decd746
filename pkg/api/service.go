package api

import (
	"context"

	"cdpplug/internal/logger"
	"cdpplug/internal/service"
	"cdpplug/pkg/model"
	"cdpplug/pkg/plugin"
)

// Service 服务接口
type Service interface {
	// NewSession 创建插件会话，插件须在 Connect 之前注册
	NewSession() *plugin.Session

	// Session 获取会话
	Session(id model.SessionID) (*plugin.Session, bool)

	// Sessions 列出会话
	Sessions() []*plugin.Session

	// Connect 连接浏览器并启动会话中的插件
	Connect(ctx context.Context, id model.SessionID, devtoolsURL string) (*plugin.Browser, error)

	// Close 关闭会话
	Close(ctx context.Context, id model.SessionID) error

	// ListTargets 列出浏览器目标
	ListTargets(ctx context.Context, devtoolsURL string) ([]model.TargetInfo, error)

	// SubscribeEvents 订阅事件
	SubscribeEvents(id model.SessionID) (<-chan model.Event, error)
}

// ErrSessionNotFound 会话不存在
var ErrSessionNotFound = service.ErrSessionNotFound

type (
	Option       = service.Option
	Connector    = service.Connector
	TargetLister = service.TargetLister
)

// WithConnector 替换浏览器连接方式（测试或自定义传输）
func WithConnector(c Connector) Option { return service.WithConnector(c) }

// WithTargetLister 替换目标列表查询方式
func WithTargetLister(l TargetLister) Option { return service.WithTargetLister(l) }

// NewService 创建并返回服务接口实现
func NewService(l logger.Logger, opts ...Option) Service {
	return service.New(l, opts...)
}
