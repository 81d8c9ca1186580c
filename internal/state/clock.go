package state

import (
	"sync"
	"time"
)

// Clock 提供账本时间。操作内的全部时间判断都基于同一次读数。
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock 返回墙上时钟。
func SystemClock() Clock { return systemClock{} }

// ManualClock 是可手动推进的时钟，测试中用于构造到期、宽限期等时间点。
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock 创建停在 start 的时钟。
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

// Now 返回当前设定时间。
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set 将时钟拨到指定时间。
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// Advance 将时钟向前推进 d。
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
