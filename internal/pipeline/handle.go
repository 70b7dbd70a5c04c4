package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
)

// State 描述单个请求的生命周期。
type State int32

const (
	StateNotStarted State = iota
	StateCacheCheck
	StateNetworkInFlight
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateCacheCheck:
		return "cache_check"
	case StateNetworkInFlight:
		return "network_in_flight"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Handle 是调用方持有的取消令牌，内部状态对外不可见。
type Handle struct {
	key    string
	state  atomic.Int32
	cancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

func newHandle(key string, cancel context.CancelFunc) *Handle {
	return &Handle{
		key:    key,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Key 返回请求的缓存 key。
func (h *Handle) Key() string {
	return h.key
}

// State 返回当前状态快照。
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Done 在请求完成或被取消时关闭。
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancel 放弃该请求：之后回调不会再以任何结果触发。
// 可重复调用，完成后调用为空操作；同时中断仍在进行的网络传输。
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.finish(StateCancelled)
}

// advance 推进到非终态；若请求已终止则返回 false。
func (h *Handle) advance(to State) bool {
	for {
		cur := State(h.state.Load())
		if cur.terminal() {
			return false
		}
		if h.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// finish 原子地进入终态，只有第一次成功的调用返回 true。
func (h *Handle) finish(to State) bool {
	if !h.advance(to) {
		return false
	}
	h.cancel()
	h.doneOnce.Do(func() { close(h.done) })
	return true
}
