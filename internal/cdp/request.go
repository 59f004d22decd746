package cdp

import (
	"context"
	"fmt"
	"sync"

	adapter "cdpplug/internal/adapter/cdp"
	"cdpplug/pkg/host"
	"cdpplug/pkg/model"
	"cdpplug/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
	cdppage "github.com/mafredri/cdp/protocol/page"
)

// Request 被 Fetch 域暂停的请求；首个终结动作生效后其余调用返回 host.ErrRequestHandled
type Request struct {
	page    *Page
	ev      *fetch.RequestPausedReply
	neutral *traffic.Request

	mu      sync.Mutex
	handled bool
}

var _ host.Request = (*Request)(nil)

func (r *Request) ID() string { return r.neutral.ID }
func (r *Request) URL() string { return r.neutral.URL }
func (r *Request) Method() string { return r.neutral.Method }
func (r *Request) Headers() traffic.Header { return r.neutral.Headers }
func (r *Request) ResourceType() model.ResourceType { return r.neutral.ResourceType }

func (r *Request) Handled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handled
}

func (r *Request) claim() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handled {
		return host.ErrRequestHandled
	}
	r.handled = true
	return nil
}

func (r *Request) Respond(ctx context.Context, res *traffic.Response) error {
	if err := r.claim(); err != nil {
		return err
	}
	if err := r.page.client.Fetch.FulfillRequest(ctx, adapter.ToFulfillArgs(r.ev.RequestID, res)); err != nil {
		return fmt.Errorf("fulfill request: %w", err)
	}
	return nil
}

func (r *Request) Abort(ctx context.Context, reason host.ErrorReason) error {
	if err := r.claim(); err != nil {
		return err
	}
	if err := r.page.client.Fetch.FailRequest(ctx, adapter.ToFailArgs(r.ev.RequestID, reason)); err != nil {
		return fmt.Errorf("fail request: %w", err)
	}
	return nil
}

func (r *Request) Continue(ctx context.Context, overrides *traffic.Overrides) error {
	if err := r.claim(); err != nil {
		return err
	}
	if err := r.page.client.Fetch.ContinueRequest(ctx, adapter.ToContinueArgs(r.ev.RequestID, overrides)); err != nil {
		return fmt.Errorf("continue request: %w", err)
	}
	return nil
}

// Dialog 页面 JavaScript 对话框
type Dialog struct {
	page    *Page
	typ     host.DialogType
	message string

	mu      sync.Mutex
	handled bool
}

var _ host.Dialog = (*Dialog)(nil)

func (d *Dialog) Type() host.DialogType { return d.typ }
func (d *Dialog) Message() string { return d.message }

func (d *Dialog) Dismiss(ctx context.Context) error {
	return d.handle(ctx, cdppage.NewHandleJavaScriptDialogArgs(false))
}

func (d *Dialog) Accept(ctx context.Context, promptText string) error {
	args := cdppage.NewHandleJavaScriptDialogArgs(true)
	if promptText != "" {
		args.SetPromptText(promptText)
	}
	return d.handle(ctx, args)
}

func (d *Dialog) handle(ctx context.Context, args *cdppage.HandleJavaScriptDialogArgs) error {
	d.mu.Lock()
	if d.handled {
		d.mu.Unlock()
		return host.ErrDialogHandled
	}
	d.handled = true
	d.mu.Unlock()

	if err := d.page.client.Page.HandleJavaScriptDialog(ctx, args); err != nil {
		return fmt.Errorf("handle dialog: %w", err)
	}
	return nil
}
