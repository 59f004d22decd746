package plugin

import (
	"context"
	"errors"
	"sync"

	"cdpplug/pkg/host"
	"cdpplug/pkg/model"
)

// guardedDialog 多个插件共享的对话框包装，Dismiss/Accept 合计只执行一次
type guardedDialog struct {
	sess   *Session
	target model.TargetID
	native host.Dialog

	mu      sync.Mutex
	handled bool
}

var _ host.Dialog = (*guardedDialog)(nil)

func newGuardedDialog(s *Session, target model.TargetID, native host.Dialog) *guardedDialog {
	return &guardedDialog{sess: s, target: target, native: native}
}

func (d *guardedDialog) Type() host.DialogType { return d.native.Type() }
func (d *guardedDialog) Message() string { return d.native.Message() }

// Handled 是否已处理
func (d *guardedDialog) Handled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handled
}

func (d *guardedDialog) Dismiss(ctx context.Context) error {
	return d.once(func() error { return d.native.Dismiss(ctx) })
}

func (d *guardedDialog) Accept(ctx context.Context, promptText string) error {
	return d.once(func() error { return d.native.Accept(ctx, promptText) })
}

func (d *guardedDialog) once(fn func() error) error {
	d.mu.Lock()
	if d.handled {
		d.mu.Unlock()
		return nil
	}
	d.handled = true
	d.mu.Unlock()

	if err := fn(); err != nil {
		if errors.Is(err, host.ErrDialogHandled) {
			d.sess.log.Debug("对话框已被处理，忽略过期引用", "target", string(d.target))
			return nil
		}
		return err
	}
	d.sess.publish(model.Event{Type: model.EventDialogHandled, Target: d.target})
	return nil
}
