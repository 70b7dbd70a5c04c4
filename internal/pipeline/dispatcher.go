package pipeline

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Dispatcher 是完成回调的执行上下文，相当于调用方的“主线程”。
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(fn func())

// Dispatch makes DispatcherFunc satisfy Dispatcher.
func (f DispatcherFunc) Dispatch(fn func()) {
	f(fn)
}

// Immediate 在调用方 goroutine 上直接执行回调，只适合同步测试。
var Immediate Dispatcher = DispatcherFunc(func(fn func()) { fn() })

// SerialDispatcher 用单个 goroutine 按 FIFO 顺序执行回调，
// 保证所有完成回调串行、互不重叠。队列不设上限，Dispatch 永不阻塞，
// 回调内部可以再次发起请求。
type SerialDispatcher struct {
	done   chan struct{}
	logger *logrus.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
}

// NewSerialDispatcher 启动执行循环，buffer 仅作为队列的初始容量。
func NewSerialDispatcher(buffer int, logger *logrus.Logger) *SerialDispatcher {
	if buffer < 0 {
		buffer = 0
	}
	d := &SerialDispatcher{
		done:   make(chan struct{}),
		logger: logger,
		queue:  make([]func(), 0, buffer),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

// Dispatch 将 fn 排入队列；Stop 之后提交的回调会被丢弃。
func (d *SerialDispatcher) Dispatch(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
}

// Stop 拒绝新的回调，执行完已排队的回调后返回。可重复调用，
// 不能在回调内部调用。
func (d *SerialDispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}

func (d *SerialDispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.run(fn)
	}
}

func (d *SerialDispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil && d.logger != nil {
			d.logger.WithFields(logrus.Fields{
				"action": "dispatch",
				"panic":  r,
			}).Error("dispatch_panic")
		}
	}()
	fn()
}
