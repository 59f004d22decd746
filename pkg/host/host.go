// Package host 定义插件核心依赖的浏览器自动化能力接口。
//
// 核心只通过这些接口访问浏览器：CDP 适配器（internal/cdp）与
// 内存实现（hosttest）都实现同一组接口。
package host

import (
	"context"
	"errors"

	"cdpplug/pkg/model"
	"cdpplug/pkg/traffic"
)

var (
	// ErrRequestHandled 请求已被应用过终结动作
	ErrRequestHandled = errors.New("request is already handled")
	// ErrDialogHandled 对话框已被处理（过期引用）
	ErrDialogHandled = errors.New("dialog is already handled")
	// ErrPageClosed 页面已关闭
	ErrPageClosed = errors.New("page is closed")
)

// TargetTypePage 页面类型目标
const TargetTypePage = "page"

// BlankURL 空白页地址
const BlankURL = "about:blank"

// Browser 浏览器或浏览器上下文句柄
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Pages(ctx context.Context) ([]Page, error)
	Close(ctx context.Context) error
	// OnTargetCreated 订阅目标创建事件，返回取消订阅函数
	OnTargetCreated(fn func(Target)) (off func())
	CreateBrowserContext(ctx context.Context) (Browser, error)
	UserAgent(ctx context.Context) (string, error)
}

// Target 浏览器目标（页面、worker 等）
type Target interface {
	ID() model.TargetID
	Type() string
	Page(ctx context.Context) (Page, error)
}

// Page 页面句柄
type Page interface {
	ID() model.TargetID
	IsClosed() bool
	URL() string
	Close(ctx context.Context) error

	OnRequest(fn func(Request)) (off func())
	OnDialog(fn func(Dialog)) (off func())
	OnClose(fn func()) (off func())

	SetRequestInterception(ctx context.Context, enabled bool) error
	SetUserAgent(ctx context.Context, userAgent string) error

	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies ...Cookie) error
	DeleteCookies(ctx context.Context, cookies ...Cookie) error

	Goto(ctx context.Context, url string) error
	GoBack(ctx context.Context) error

	// Evaluate 执行表达式并将 JSON 结果解码到 out（out 可为 nil）
	Evaluate(ctx context.Context, expression string, out any) error
	EvaluateOnNewDocument(ctx context.Context, script string) error
	// ExposeFunction 在页面 window 上暴露返回 Promise 的函数
	ExposeFunction(ctx context.Context, name string, fn func() (any, error)) error
}

// Request 被拦截的网络请求
type Request interface {
	ID() string
	URL() string
	Method() string
	Headers() traffic.Header
	ResourceType() model.ResourceType

	Respond(ctx context.Context, res *traffic.Response) error
	Abort(ctx context.Context, reason ErrorReason) error
	Continue(ctx context.Context, overrides *traffic.Overrides) error
	// Handled 任一终结动作真正生效后为 true
	Handled() bool
}

// Dialog 页面对话框
type Dialog interface {
	Type() DialogType
	Message() string
	Dismiss(ctx context.Context) error
	Accept(ctx context.Context, promptText string) error
}

// DialogType 对话框类型
type DialogType string

const (
	DialogAlert        DialogType = "alert"
	DialogConfirm      DialogType = "confirm"
	DialogPrompt       DialogType = "prompt"
	DialogBeforeUnload DialogType = "beforeunload"
)

// ErrorReason 中止请求的原因（取值与 CDP Network.ErrorReason 一致）
type ErrorReason string

const (
	ReasonFailed           ErrorReason = "Failed"
	ReasonAborted          ErrorReason = "Aborted"
	ReasonTimedOut         ErrorReason = "TimedOut"
	ReasonAccessDenied     ErrorReason = "AccessDenied"
	ReasonConnectionFailed ErrorReason = "ConnectionFailed"
	ReasonBlockedByClient  ErrorReason = "BlockedByClient"
)

// Cookie 浏览器 Cookie
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	Session  bool    `json:"session,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}
