package host

import "sync"

// Listeners 按注册顺序分发事件的监听器列表
type Listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  []listener[T]
}

type listener[T any] struct {
	id int
	fn func(T)
}

// Add 注册监听器，返回幂等的取消函数
func (l *Listeners[T]) Add(fn func(T)) (off func()) {
	l.mu.Lock()
	l.next++
	id := l.next
	l.fns = append(l.fns, listener[T]{id: id, fn: fn})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, x := range l.fns {
			if x.id == id {
				l.fns = append(l.fns[:i:i], l.fns[i+1:]...)
				return
			}
		}
	}
}

// Emit 同步调用所有监听器
func (l *Listeners[T]) Emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), len(l.fns))
	for i, x := range l.fns {
		fns[i] = x.fn
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len 当前监听器数量
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}
