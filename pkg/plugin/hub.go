package plugin

import (
	"context"
	"sync"

	"cdpplug/internal/logger"
	"cdpplug/pkg/host"
)

// pageHub 页面级事件分发器：每个页面只订阅一次宿主事件，
// 再把请求投票代理和受保护的对话框分发给各插件处理器。
type pageHub struct {
	sess *Session
	page host.Page
	log  logger.Logger

	mu       sync.Mutex
	nextID   int
	requests []requestHandler
	dialogs  []dialogHandler
	teardown teardownList
	closed   bool
}

type requestHandler struct {
	id    int
	owner string
	fn    func(ctx context.Context, req *Request)
}

type dialogHandler struct {
	id    int
	owner string
	fn    func(ctx context.Context, dialog host.Dialog)
}

func newPageHub(s *Session, page host.Page) *pageHub {
	h := &pageHub{
		sess: s,
		page: page,
		log:  s.log.With("target", string(page.ID())),
	}
	h.teardown.add("page:request", offStep(page.OnRequest(h.dispatchRequest)))
	h.teardown.add("page:dialog", offStep(page.OnDialog(h.dispatchDialog)))
	h.teardown.add("page:close", offStep(page.OnClose(h.close)))
	return h
}

// addRequestHandler 追加请求处理器，处理器随页面关闭一并解绑
func (h *pageHub) addRequestHandler(owner string, fn func(ctx context.Context, req *Request)) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.requests = append(h.requests, requestHandler{id: id, owner: owner, fn: fn})
	h.mu.Unlock()

	h.teardown.add(owner+":request", func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, x := range h.requests {
			if x.id == id {
				h.requests = append(h.requests[:i:i], h.requests[i+1:]...)
				break
			}
		}
		return nil
	})
}

// addDialogHandler 追加对话框处理器
func (h *pageHub) addDialogHandler(owner string, fn func(ctx context.Context, dialog host.Dialog)) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.dialogs = append(h.dialogs, dialogHandler{id: id, owner: owner, fn: fn})
	h.mu.Unlock()

	h.teardown.add(owner+":dialog", func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, x := range h.dialogs {
			if x.id == id {
				h.dialogs = append(h.dialogs[:i:i], h.dialogs[i+1:]...)
				break
			}
		}
		return nil
	})
}

func (h *pageHub) requestHandlerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

// dispatchRequest 为一次请求创建仲裁并依次调用所有请求处理器
func (h *pageHub) dispatchRequest(req host.Request) {
	h.mu.Lock()
	handlers := make([]requestHandler, len(h.requests))
	copy(handlers, h.requests)
	h.mu.Unlock()

	ctx := h.sess.Context()
	if len(handlers) == 0 {
		if req.Handled() {
			return
		}
		if err := req.Continue(ctx, nil); err != nil {
			h.log.Err(err, "无处理器请求放行失败", "url", req.URL())
		}
		return
	}

	proxy := &Request{native: req, arb: newArbitration(h.sess, h.page.ID(), req, len(handlers))}
	for _, rh := range handlers {
		rh.fn(ctx, proxy)
	}
}

// dispatchDialog 将同一个受保护对话框交给所有处理器
func (h *pageHub) dispatchDialog(d host.Dialog) {
	h.mu.Lock()
	handlers := make([]dialogHandler, len(h.dialogs))
	copy(handlers, h.dialogs)
	h.mu.Unlock()

	guarded := newGuardedDialog(h.sess, h.page.ID(), d)
	ctx := h.sess.Context()
	for _, dh := range handlers {
		dh.fn(ctx, guarded)
	}
}

// close 页面关闭：执行全部解绑步骤并从会话移除
func (h *pageHub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	_ = h.teardown.run(h.log)
	h.sess.removeHub(h)
	h.log.Debug("页面分发器已解绑")
}
