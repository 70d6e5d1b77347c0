// Package reactor 固定大小的工作池：多个 worker 从共享队列领取任务，
// 结果按完成先后收集。不做超时、取消或健康检查，单个任务阻塞会一直占用其 worker。
package reactor

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// Func 处理单个任务；需要区分任务时由调用方在任务与结果中携带标识
type Func[T, R any] func(task T) R

// Reactor 任务集合与处理函数
type Reactor[T, R any] struct {
	tasks   []T
	fn      Func[T, R]
	workers int
}

// New workers<=0 时按 1 处理
func New[T, R any](tasks []T, fn Func[T, R], workers int) *Reactor[T, R] {
	if workers <= 0 {
		workers = 1
	}
	return &Reactor[T, R]{tasks: tasks, fn: fn, workers: workers}
}

// Run 阻塞直到所有 worker 退出，返回按完成顺序排列的结果
func (r *Reactor[T, R]) Run() []R {
	queue := make(chan T)
	var (
		mu      sync.Mutex
		results = make([]R, 0, len(r.tasks))
	)

	var g errgroup.Group
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			for task := range queue {
				res := r.fn(task)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
			return nil
		})
	}

	for _, task := range r.tasks {
		queue <- task
	}
	// 关闭队列相当于给每个 worker 一个结束标记
	close(queue)
	_ = g.Wait()
	return results
}
