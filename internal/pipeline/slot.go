package pipeline

import (
	"sync"

	"github.com/any-hub/image-hub/internal/imaging"
)

// Slot 对应一个可复用的展示位（例如列表 cell），同一时间最多持有一个有效 Handle。
// 发起新请求前先取消旧请求，保证一个 Slot 至多落地一次回调。
type Slot struct {
	mu      sync.Mutex
	current *Handle
}

// Request 取消旧请求后为该 Slot 发起新的请求。
func (s *Slot) Request(c *Coordinator, key string, onComplete func(*imaging.Image)) *Handle {
	s.Cancel()
	h := c.Request(key, onComplete)
	s.Replace(h)
	return h
}

// Replace 记录新的 Handle，并取消之前的 Handle。
func (s *Slot) Replace(h *Handle) {
	s.mu.Lock()
	prev := s.current
	s.current = h
	s.mu.Unlock()

	if prev != nil && prev != h {
		prev.Cancel()
	}
}

// Cancel 取消当前 Handle 并清空 Slot，例如 cell 被回收时。
func (s *Slot) Cancel() {
	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()

	prev.Cancel()
}
