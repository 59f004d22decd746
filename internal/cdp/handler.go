package cdp

import (
	"context"
	"encoding/json"
	"fmt"

	adapter "cdpplug/internal/adapter/cdp"
	"cdpplug/pkg/host"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/protocol/target"
)

// discover 开启目标发现并订阅目标生命周期事件
func (b *Browser) discover(ctx context.Context) error {
	created, err := b.client.Target.TargetCreated(b.ctx)
	if err != nil {
		return fmt.Errorf("subscribe target created: %w", err)
	}
	changed, err := b.client.Target.TargetInfoChanged(b.ctx)
	if err != nil {
		created.Close()
		return fmt.Errorf("subscribe target info changed: %w", err)
	}
	destroyed, err := b.client.Target.TargetDestroyed(b.ctx)
	if err != nil {
		created.Close()
		changed.Close()
		return fmt.Errorf("subscribe target destroyed: %w", err)
	}
	if err := b.client.Target.SetDiscoverTargets(ctx, target.NewSetDiscoverTargetsArgs(true)); err != nil {
		created.Close()
		changed.Close()
		destroyed.Close()
		return fmt.Errorf("set discover targets: %w", err)
	}

	go func() {
		defer created.Close()
		for {
			ev, err := created.Recv()
			if err != nil {
				b.log.Debug("目标创建事件流结束", "error", err)
				return
			}
			b.handleTargetCreated(ev.TargetInfo)
		}
	}()
	go func() {
		defer changed.Close()
		for {
			ev, err := changed.Recv()
			if err != nil {
				return
			}
			b.handleTargetChanged(ev.TargetInfo)
		}
	}()
	go func() {
		defer destroyed.Close()
		for {
			ev, err := destroyed.Recv()
			if err != nil {
				return
			}
			b.handleTargetDestroyed(ev.TargetID)
		}
	}()
	return nil
}

// handleTargetCreated 记录目标并同步通知订阅者
func (b *Browser) handleTargetCreated(info target.Info) {
	b.mu.Lock()
	e, ok := b.entries[info.TargetID]
	if !ok {
		e = &targetEntry{}
		b.entries[info.TargetID] = e
	}
	e.info = info
	b.mu.Unlock()

	b.log.Debug("发现新目标", "target", string(info.TargetID), "type", info.Type, "url", info.URL)
	b.targets.Emit(&Target{b: b, info: info})
}

func (b *Browser) handleTargetChanged(info target.Info) {
	b.mu.Lock()
	e, ok := b.entries[info.TargetID]
	if ok {
		e.info = info
	}
	var p *Page
	if ok {
		p = e.page
	}
	b.mu.Unlock()
	if p != nil {
		p.setURL(info.URL)
	}
}

func (b *Browser) handleTargetDestroyed(id target.ID) {
	b.mu.Lock()
	e, ok := b.entries[id]
	var p *Page
	if ok {
		e.destroyed = true
		p = e.page
	}
	b.mu.Unlock()
	if p != nil {
		p.markClosed()
	}
	b.log.Debug("目标已销毁", "target", string(id))
}

// consumePaused 持续接收拦截事件，每个事件交给独立的协程分发
func (p *Page) consumePaused(rp fetch.RequestPausedClient) {
	defer rp.Close()
	for {
		ev, err := rp.Recv()
		if err != nil {
			p.log.Debug("拦截事件流结束", "error", err)
			return
		}
		go p.dispatchPaused(ev)
	}
}

// dispatchPaused 将一次拦截事件包装为请求并通知订阅者；无人订阅时直接放行
func (p *Page) dispatchPaused(ev *fetch.RequestPausedReply) {
	req := &Request{page: p, ev: ev, neutral: adapter.ToNeutralRequest(ev)}
	if p.requests.Len() == 0 {
		if err := req.Continue(p.ctx, nil); err != nil {
			p.log.Err(err, "放行请求失败", "url", ev.Request.URL)
		}
		return
	}
	p.requests.Emit(req)
}

// consumeDialogs 持续接收对话框事件
func (p *Page) consumeDialogs() {
	opening, err := p.client.Page.JavascriptDialogOpening(p.ctx)
	if err != nil {
		p.log.Err(err, "订阅对话框事件失败")
		return
	}
	defer opening.Close()
	for {
		ev, err := opening.Recv()
		if err != nil {
			return
		}
		d := &Dialog{page: p, typ: host.DialogType(ev.Type), message: ev.Message}
		go p.dialogs.Emit(d)
	}
}

// bindingPayload 页面侧垫片发送的调用载荷
type bindingPayload struct {
	ID int64 `json:"id"`
}

// consumeBindings 处理暴露函数的调用并将结果回传给页面
func (p *Page) consumeBindings() {
	called, err := p.client.Runtime.BindingCalled(p.ctx)
	if err != nil {
		p.log.Err(err, "订阅绑定调用事件失败")
		return
	}
	defer called.Close()
	for {
		ev, err := called.Recv()
		if err != nil {
			return
		}
		go p.deliverBinding(ev)
	}
}

func (p *Page) deliverBinding(ev *runtime.BindingCalledReply) {
	fn := p.binding(ev.Name)
	if fn == nil {
		return
	}
	var payload bindingPayload
	if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
		p.log.Err(err, "解析绑定调用载荷失败", "name", ev.Name)
		return
	}

	ok := true
	value, err := fn()
	if err != nil {
		ok = false
		value = err.Error()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		ok = false
		raw, _ = json.Marshal(err.Error())
	}

	expr := fmt.Sprintf("window[%q].__deliver(%d, %t, %s)", ev.Name, payload.ID, ok, raw)
	args := runtime.NewEvaluateArgs(expr).SetContextID(ev.ExecutionContextID)
	if _, err := p.client.Runtime.Evaluate(p.ctx, args); err != nil {
		p.log.Err(err, "回传绑定结果失败", "name", ev.Name)
	}
}
