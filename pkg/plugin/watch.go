package plugin

import (
	"context"
	"sync"
	"time"
)

// Watch 以固定间隔重复执行 fn，插件停止、浏览器关闭或调用 stop 时退出。
// 同一插件再次调用 Watch 会先结束上一个循环；插件未运行时不启动。
func (p *Plugin) Watch(interval time.Duration, fn func(ctx context.Context) error) (stop func()) {
	s := p.Session()
	if s == nil || p.IsStopped() || interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(s.Context())
	done := make(chan struct{})
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}

	p.mu.Lock()
	prev := p.stopWatch
	p.stopWatch = stop
	p.mu.Unlock()
	if prev != nil {
		prev()
	}

	log := p.Logger()
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log.Debug("监视循环已启动", "interval", interval.String())
		for {
			if p.IsStopped() {
				log.Debug("插件已停止，监视循环退出")
				return
			}
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.Err(err, "监视任务执行失败")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return stop
}
