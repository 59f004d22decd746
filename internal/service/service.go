// Package service 会话级服务实现：创建插件会话、连接浏览器、关闭与查询。
package service

import (
	"context"
	"errors"
	"fmt"

	"cdpplug/internal/cdp"
	"cdpplug/internal/logger"
	"cdpplug/internal/session"
	"cdpplug/pkg/host"
	"cdpplug/pkg/model"
	"cdpplug/pkg/plugin"
)

// ErrSessionNotFound 会话不存在
var ErrSessionNotFound = errors.New("session not found")

// Connector 建立到浏览器的连接
type Connector func(ctx context.Context, devtoolsURL string, l logger.Logger) (host.Browser, error)

// TargetLister 列出浏览器目标
type TargetLister func(ctx context.Context, devtoolsURL string) ([]model.TargetInfo, error)

// Option 服务选项
type Option func(*svc)

// WithConnector 替换浏览器连接方式
func WithConnector(c Connector) Option {
	return func(s *svc) { s.connect = c }
}

// WithTargetLister 替换目标列表查询方式
func WithTargetLister(l TargetLister) Option {
	return func(s *svc) { s.listTargets = l }
}

type svc struct {
	mgr         *session.Manager
	log         logger.Logger
	connect     Connector
	listTargets TargetLister
}

// New 创建服务实现，默认通过 DevTools 协议连接
func New(l logger.Logger, opts ...Option) *svc {
	if l == nil {
		l = logger.NewNop()
	}
	s := &svc{
		mgr: session.NewManager(l),
		log: l,
		connect: func(ctx context.Context, url string, l logger.Logger) (host.Browser, error) {
			return cdp.Connect(ctx, url, l)
		},
		listTargets: cdp.ListTargets,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *svc) NewSession() *plugin.Session {
	return s.mgr.Create()
}

func (s *svc) Session(id model.SessionID) (*plugin.Session, bool) {
	return s.mgr.Get(id)
}

func (s *svc) Sessions() []*plugin.Session {
	return s.mgr.List()
}

// Connect 连接浏览器并初始化会话中已注册的插件
func (s *svc) Connect(ctx context.Context, id model.SessionID, devtoolsURL string) (*plugin.Browser, error) {
	sess, ok := s.mgr.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	native, err := s.connect(ctx, devtoolsURL, s.log.With("sessionID", string(id)))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", devtoolsURL, err)
	}
	b, err := sess.Attach(ctx, native)
	if err != nil {
		if cerr := native.Close(ctx); cerr != nil {
			s.log.Err(cerr, "绑定失败后关闭浏览器出错", "sessionID", string(id))
		}
		return nil, err
	}
	s.log.Info("会话已连接浏览器", "sessionID", string(id), "devtools", devtoolsURL)
	return b, nil
}

// Close 关闭会话绑定的浏览器；未连接的会话仅停止插件
func (s *svc) Close(ctx context.Context, id model.SessionID) error {
	sess, ok := s.mgr.Delete(id)
	if !ok {
		return ErrSessionNotFound
	}
	if b := sess.Browser(); b != nil {
		return b.Close(ctx)
	}
	return sess.Clear(ctx)
}

func (s *svc) ListTargets(ctx context.Context, devtoolsURL string) ([]model.TargetInfo, error) {
	return s.listTargets(ctx, devtoolsURL)
}

// SubscribeEvents 订阅会话事件
func (s *svc) SubscribeEvents(id model.SessionID) (<-chan model.Event, error) {
	sess, ok := s.mgr.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Events(), nil
}
