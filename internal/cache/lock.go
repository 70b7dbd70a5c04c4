package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// lockRetryDelay 是等待跨进程文件锁时的轮询间隔。
const lockRetryDelay = 50 * time.Millisecond

// dirLock 在缓存目录旁放置 <dir>.lock 文件，协调共享同一目录的多个进程：
// 写入持共享锁，清理持独占锁。锁文件位于目录之外，目录内只保留条目文件。
type dirLock struct {
	path string
}

func newDirLock(dir string) *dirLock {
	return &dirLock{path: dir + ".lock"}
}

// shared 获取共享锁。每次调用都打开独立的文件描述符，
// 同一进程内的并发持有者互不影响释放。
func (l *dirLock) shared(ctx context.Context) (func(), error) {
	fl := flock.New(l.path)
	locked, err := fl.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquire shared lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire shared lock: %v", ctx.Err())
	}
	return func() { _ = fl.Close() }, nil
}

// exclusive 获取独占锁，等待所有共享持有者释放。
func (l *dirLock) exclusive(ctx context.Context) (func(), error) {
	fl := flock.New(l.path)
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquire exclusive lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire exclusive lock: %v", ctx.Err())
	}
	return func() { _ = fl.Close() }, nil
}
