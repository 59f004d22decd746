package plugin

import (
	"context"
	"fmt"

	"cdpplug/pkg/host"
)

// Browser 插件会话包装后的浏览器句柄：
// 关闭时触发会话关闭事件，新页面在返回前统一经过页面增强逻辑。
type Browser struct {
	host.Browser

	sess    *Session
	context bool
}

var _ host.Browser = (*Browser)(nil)

// Session 所属插件会话
func (b *Browser) Session() *Session { return b.sess }

// Native 原生浏览器句柄
func (b *Browser) Native() host.Browser { return b.Browser }

// Close 关闭浏览器；原生关闭返回后（无论成功与否）触发一次会话关闭事件。
// 浏览器上下文的关闭不影响会话。
func (b *Browser) Close(ctx context.Context) error {
	err := b.Browser.Close(ctx)
	if !b.context {
		b.sess.fireClose(ctx)
	}
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// NewPage 创建页面，等待插件完成页面装配后执行页面增强逻辑
func (b *Browser) NewPage(ctx context.Context) (host.Page, error) {
	if b.sess.Closed() {
		return nil, ErrSessionClosed
	}
	page, err := b.Browser.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	if err := b.sess.awaitReady(ctx, page.ID()); err != nil {
		return nil, err
	}
	for _, mw := range b.sess.pageMiddlewares() {
		if err := mw(ctx, page); err != nil {
			return nil, fmt.Errorf("page middleware: %w", err)
		}
	}
	return page, nil
}

// CreateBrowserContext 创建浏览器上下文，返回的句柄同样经过包装
func (b *Browser) CreateBrowserContext(ctx context.Context) (host.Browser, error) {
	native, err := b.Browser.CreateBrowserContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	return &Browser{Browser: native, sess: b.sess, context: true}, nil
}
