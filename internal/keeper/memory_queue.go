package keeper

import (
	"context"
	"sync"

	xerrors "DACTP-Chain/internal/errors"
)

// MemoryQueue 使用 channel 模拟消息队列，单进程部署与测试使用。
type MemoryQueue struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 将代理投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, agent string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(CodeQueueClosed, "")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- agent:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case agent, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, agent)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Len 返回排队中的条目数。
func (q *MemoryQueue) Len() int { return len(q.ch) }

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
