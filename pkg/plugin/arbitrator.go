package plugin

import (
	"context"
	"fmt"
	"sync"

	"cdpplug/pkg/host"
	"cdpplug/pkg/model"
	"cdpplug/pkg/traffic"
)

type voteKind int

const (
	voteRespond voteKind = iota + 1
	voteAbort
	voteContinue
)

func (k voteKind) String() string {
	switch k {
	case voteRespond:
		return "respond"
	case voteAbort:
		return "abort"
	case voteContinue:
		return "continue"
	default:
		return "none"
	}
}

// Tally 一次请求的投票统计
type Tally struct {
	Handlers  int
	Responded int
	Aborted   int
	Continued int
}

// Total 已投票数
func (t Tally) Total() int { return t.Responded + t.Aborted + t.Continued }

// Arbitration 单个被拦截请求的投票仲裁：收集所有处理器的 respond/abort/continue
// 投票，按 respond > abort > continue 的优先级对原生请求只执行一次终结动作。
type Arbitration struct {
	sess     *Session
	target   model.TargetID
	native   host.Request
	handlers int

	mu        sync.Mutex
	tally     Tally
	response  *traffic.Response
	reason    host.ErrorReason
	overrides *traffic.Overrides
	settled   bool
	applied   voteKind
}

func newArbitration(s *Session, target model.TargetID, native host.Request, handlers int) *Arbitration {
	return &Arbitration{
		sess:     s,
		target:   target,
		native:   native,
		handlers: handlers,
		tally:    Tally{Handlers: handlers},
	}
}

// Tally 返回当前投票统计
func (a *Arbitration) Tally() Tally {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tally
}

// Settled 是否已执行终结动作
func (a *Arbitration) Settled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settled
}

// Applied 已执行的终结动作名称，未执行时为 "none"
func (a *Arbitration) Applied() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied.String()
}

// vote 记录一张投票并在临界区内完成裁决，原生调用在锁外执行
func (a *Arbitration) vote(ctx context.Context, kind voteKind, res *traffic.Response, reason host.ErrorReason, ov *traffic.Overrides) error {
	a.mu.Lock()
	switch kind {
	case voteRespond:
		if a.tally.Responded == 0 {
			a.response = res
		}
		a.tally.Responded++
	case voteAbort:
		if a.tally.Aborted == 0 {
			a.reason = reason
		}
		a.tally.Aborted++
	case voteContinue:
		if a.tally.Continued == 0 {
			a.overrides = ov
		}
		a.tally.Continued++
	}
	decided, ok := a.decideLocked()
	if ok {
		a.settled = true
		a.applied = decided
	}
	tally := a.tally
	res, reason, ov = a.response, a.reason, a.overrides
	a.mu.Unlock()

	if !ok {
		return nil
	}

	var (
		err error
		typ model.EventType
	)
	switch decided {
	case voteRespond:
		err = a.native.Respond(ctx, res)
		typ = model.EventRequestResponded
	case voteAbort:
		err = a.native.Abort(ctx, reason)
		typ = model.EventRequestAborted
	case voteContinue:
		err = a.native.Continue(ctx, ov)
		typ = model.EventRequestContinued
	}
	if err != nil {
		return fmt.Errorf("%s request %s: %w", decided, a.native.URL(), err)
	}

	a.sess.publish(model.Event{
		Type:   typ,
		Target: a.target,
		URL:    a.native.URL(),
		Votes:  tally.Total(),
	})
	return nil
}

// decideLocked 按优先级裁决，调用方须持有锁
func (a *Arbitration) decideLocked() (voteKind, bool) {
	if a.settled || a.native.Handled() {
		return 0, false
	}
	t := a.tally
	switch {
	case t.Responded > 0:
		return voteRespond, true
	case t.Total() >= a.handlers && t.Aborted > 0:
		return voteAbort, true
	case t.Continued >= a.handlers:
		return voteContinue, true
	}
	return 0, false
}

// Request 交给插件处理器的请求代理：三个终结原语只记录投票，
// 由所属仲裁决定真正作用于原生请求的动作。
type Request struct {
	native host.Request
	arb    *Arbitration
}

var _ host.Request = (*Request)(nil)

func (r *Request) ID() string { return r.native.ID() }
func (r *Request) URL() string { return r.native.URL() }
func (r *Request) Method() string { return r.native.Method() }
func (r *Request) Headers() traffic.Header { return r.native.Headers() }
func (r *Request) ResourceType() model.ResourceType { return r.native.ResourceType() }

// Respond 投 respond 票
func (r *Request) Respond(ctx context.Context, res *traffic.Response) error {
	return r.arb.vote(ctx, voteRespond, res, "", nil)
}

// Abort 投 abort 票
func (r *Request) Abort(ctx context.Context, reason host.ErrorReason) error {
	if reason == "" {
		reason = host.ReasonFailed
	}
	return r.arb.vote(ctx, voteAbort, nil, reason, nil)
}

// Continue 投 continue 票
func (r *Request) Continue(ctx context.Context, overrides *traffic.Overrides) error {
	return r.arb.vote(ctx, voteContinue, nil, "", overrides)
}

// Handled 原生请求已处理或仲裁已完成
func (r *Request) Handled() bool {
	return r.native.Handled() || r.arb.Settled()
}

// Arbitration 返回请求所属仲裁
func (r *Request) Arbitration() *Arbitration { return r.arb }

// Native 返回原生请求
func (r *Request) Native() host.Request { return r.native }
