package plugin

import (
	"errors"
	"fmt"
	"sync"

	"cdpplug/internal/logger"
)

// teardownList 监听器解绑步骤，逐个独立执行
type teardownList struct {
	mu    sync.Mutex
	steps []teardownStep
}

type teardownStep struct {
	name string
	fn   func() error
}

func (t *teardownList) add(name string, fn func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, teardownStep{name: name, fn: fn})
}

// run 执行并清空全部步骤；单步失败或 panic 不影响其余步骤
func (t *teardownList) run(log logger.Logger) error {
	t.mu.Lock()
	steps := t.steps
	t.steps = nil
	t.mu.Unlock()

	var errs []error
	for _, st := range steps {
		if err := runStep(st); err != nil {
			log.Err(err, "解绑步骤执行失败", "step", st.name)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runStep(st teardownStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("teardown %s panicked: %v", st.name, r)
		}
	}()
	if err := st.fn(); err != nil {
		return fmt.Errorf("teardown %s: %w", st.name, err)
	}
	return nil
}

// offStep 将宿主的取消订阅函数适配为解绑步骤
func offStep(off func()) func() error {
	return func() error {
		off()
		return nil
	}
}
