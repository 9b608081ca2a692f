package agent

import (
	"context"
	"sync"
)

// workerPool 固定大小的执行池
//
// submit 非阻塞：队列满立即返回 false，由调用方回报失败。
// 队列容量与 worker 数相同，最多积压一轮。
type workerPool struct {
	jobs chan func()
	size int
	once sync.Once
}

func newWorkerPool(size int) *workerPool {
	return &workerPool{
		jobs: make(chan func(), size),
		size: size,
	}
}

// start 启动 worker 协程，ctx 取消后退出
func (p *workerPool) start(ctx context.Context) {
	p.once.Do(func() {
		for i := 0; i < p.size; i++ {
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case fn := <-p.jobs:
						fn()
					}
				}
			}()
		}
	})
}

// submit 提交执行，池满返回 false
func (p *workerPool) submit(fn func()) bool {
	select {
	case p.jobs <- fn:
		return true
	default:
		return false
	}
}
