package lazy

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

const initKey = "init"

// Cell 是只初始化一次的值容器：并发的首次调用者共享同一个在飞初始化，失败不缓存。
type Cell[T comparable] struct {
	value atomic.Pointer[T]
	group singleflight.Group
}

// Load 返回已初始化的值。
func (c *Cell[T]) Load() (T, bool) {
	if p := c.value.Load(); p != nil {
		return *p, true
	}
	var zero T
	return zero, false
}

// GetOrInit 返回已有值，或运行 init 并发布其结果。
// init 在所有等待者之间共享，因此不接收任何单个调用者的 ctx；ctx 只限制本次等待。
func (c *Cell[T]) GetOrInit(ctx context.Context, init func() (T, error)) (T, error) {
	if v, ok := c.Load(); ok {
		return v, nil
	}
	var zero T
	resultCh := c.group.DoChan(initKey, func() (interface{}, error) {
		if v, ok := c.Load(); ok {
			return v, nil
		}
		v, err := init()
		if err != nil {
			return nil, err
		}
		c.value.Store(&v)
		return v, nil
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// CompareAndClear 仅当当前值等于 old 时清空，返回是否清空。
func (c *Cell[T]) CompareAndClear(old T) bool {
	p := c.value.Load()
	if p == nil || *p != old {
		return false
	}
	return c.value.CompareAndSwap(p, nil)
}
