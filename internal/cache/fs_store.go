package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// defaultFolderName 是平台缓存目录下的子目录名。
const defaultFolderName = "ImageDiskCache"

// DefaultDir 返回平台标准缓存区下的默认目录，例如 ~/.cache/image-hub/ImageDiskCache。
func DefaultDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	return filepath.Join(base, "image-hub", defaultFolderName), nil
}

// NewStore 以 dir 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStore(dir string) (Store, error) {
	if dir == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		dir:   abs,
		guard: newDirLock(abs),
		locks: make(map[string]*entryLock),
	}, nil
}

// fileStore 用 barrier 读写锁实现“并发读 + 独占清理”，
// 再通过 entryLock 避免同一 key 并发写入。
type fileStore struct {
	dir   string
	guard *dirLock

	barrier sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Obtain(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.barrier.RLock()
	defer s.barrier.RUnlock()

	data, err := os.ReadFile(s.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return data, nil
}

func (s *fileStore) Store(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.barrier.RLock()
	defer s.barrier.RUnlock()

	name := EntryName(key)
	unlock := s.lockEntry(name)
	defer unlock()

	release, err := s.guard.shared(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	defer release()

	if err := s.writeAtomic(name, data); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

func (s *fileStore) writeAtomic(name string, data []byte) error {
	// 目录可能被外部删除，写入前确保存在。
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) Size(ctx context.Context) (int64, error) {
	entries, err := s.ListEntries(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, entry := range entries {
		total += entry.SizeBytes
	}
	return total, nil
}

func (s *fileStore) ListEntries(ctx context.Context) ([]EntryInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.barrier.RLock()
	defer s.barrier.RUnlock()

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	result := make([]EntryInfo, 0, len(dirEntries))
	for _, item := range dirEntries {
		if !item.Type().IsRegular() || !isEntryName(item.Name()) {
			continue
		}
		info, err := item.Info()
		if err != nil {
			// 条目在枚举期间被覆盖或删除，跳过即可。
			continue
		}
		result = append(result, EntryInfo{
			Name:      item.Name(),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (s *fileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.barrier.Lock()
	defer s.barrier.Unlock()

	release, err := s.guard.exclusive(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	defer release()

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

func (s *fileStore) lockEntry(name string) func() {
	s.mu.Lock()
	lock := s.locks[name]
	if lock == nil {
		lock = &entryLock{}
		s.locks[name] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, name)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(key string) string {
	return filepath.Join(s.dir, EntryName(key))
}
