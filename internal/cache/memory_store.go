package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 是 Store 的纯内存实现，语义与磁盘实现一致（同样按哈希命名），
// 主要用于测试替身或禁用持久化的场景。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	data    []byte
	modTime time.Time
}

// NewMemoryStore 创建空的内存 Store。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Obtain(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[EntryName(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.data...), nil
}

func (m *MemoryStore) Store(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied := append([]byte(nil), data...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[EntryName(key)] = memoryEntry{data: copied, modTime: m.now()}
	return nil
}

func (m *MemoryStore) Size(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, entry := range m.entries {
		total += int64(len(entry.data))
	}
	return total, nil
}

func (m *MemoryStore) ListEntries(ctx context.Context) ([]EntryInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]EntryInfo, 0, len(m.entries))
	for name, entry := range m.entries {
		result = append(result, EntryInfo{
			Name:      name,
			SizeBytes: int64(len(entry.data)),
			ModTime:   entry.modTime,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry)
	return nil
}
