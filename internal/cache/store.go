package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Store 负责管理按 key 哈希寻址的缓存正文。磁盘布局遵循：
//
//	<StoragePath>/<hex(sha256(key))>    # 原始字节，不带任何包装
//
// 同一个 key 永远落在同一个文件上，重复写入只会覆盖，不会累积垃圾。
type Store interface {
	// Obtain 返回 key 对应的完整字节。不存在时返回 ErrNotFound；
	// 读取失败返回包装了 ErrStorage 的错误，调用方应按未命中处理。
	Obtain(ctx context.Context, key string) ([]byte, error)

	// Store 原子地写入 key 对应的字节。实现需通过临时文件 + rename 保证并发读
	// 不会看到半截数据，同一 key 的写入彼此串行，不同 key 可以并行。
	Store(ctx context.Context, key string, data []byte) error

	// Size 汇总当前所有条目的字节数，不保证与并发写入严格一致。
	Size(ctx context.Context) (int64, error)

	// ListEntries 枚举当前条目，供诊断/设置页展示。
	ListEntries(ctx context.Context) ([]EntryInfo, error)

	// Clear 删除整个缓存目录并重建为空目录，执行期间独占所有其它操作。
	Clear(ctx context.Context) error
}

// EntryInfo 描述一个缓存条目，Name 为十六进制文件名而非绝对路径。
type EntryInfo struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStorage 表示底层存储读写失败（磁盘已满、权限不足等）。
	ErrStorage = errors.New("cache storage failure")
)

// EntryName 计算 key 在磁盘上的文件名：64 位小写十六进制 SHA-256。
func EntryName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// isEntryName 过滤掉临时文件或外部写入的杂项文件。
func isEntryName(name string) bool {
	if len(name) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
