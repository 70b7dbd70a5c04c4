package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"github.com/any-hub/image-hub/internal/cache"
	"github.com/any-hub/image-hub/internal/imaging"
	"github.com/any-hub/image-hub/internal/logging"
	"github.com/any-hub/image-hub/internal/memcache"
	"github.com/any-hub/image-hub/internal/upstream"
)

// DefaultDiskWorkers 是磁盘 I/O 并发上限的默认值。
const DefaultDiskWorkers = 8

var (
	// ErrInvalidKey 表示 key 无法解析为可获取的 http(s) 地址。
	ErrInvalidKey = errors.New("invalid image key")
	// ErrEmptyResponse 表示上游返回了空响应体。
	ErrEmptyResponse = errors.New("empty upstream response")
)

const (
	tierNone    = "none"
	tierMemory  = "memory"
	tierDisk    = "disk"
	tierNetwork = "network"
)

// Options 汇总 Coordinator 的依赖，全部显式注入，不使用全局单例。
type Options struct {
	Store      cache.Store
	Memory     *memcache.Cache
	Fetcher    upstream.Fetcher
	Decoder    imaging.Decoder
	Dispatcher Dispatcher
	Logger     *logrus.Logger
	// DiskWorkers 限制同时进行的磁盘读写数量，<= 0 时使用默认值。
	DiskWorkers int64
}

// Coordinator 负责 orchestrate “内存 → 磁盘 → 网络” 的解析流程，
// 成功后回填磁盘与内存，并把结果投递到 Dispatcher。
type Coordinator struct {
	store      cache.Store
	memory     *memcache.Cache
	fetcher    upstream.Fetcher
	decoder    imaging.Decoder
	dispatcher Dispatcher
	logger     *logrus.Logger

	disk *semaphore.Weighted
	wg   conc.WaitGroup

	ctx  context.Context
	stop context.CancelFunc
}

// New 校验依赖并构建 Coordinator。Memory 为 nil 时不启用内存层。
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = imaging.Default
	}
	workers := opts.DiskWorkers
	if workers <= 0 {
		workers = DefaultDiskWorkers
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		store:      opts.Store,
		memory:     opts.Memory,
		fetcher:    opts.Fetcher,
		decoder:    decoder,
		dispatcher: opts.Dispatcher,
		logger:     opts.Logger,
		disk:       semaphore.NewWeighted(workers),
		ctx:        ctx,
		stop:       stop,
	}, nil
}

// Request 为 key 发起一次图片请求。onComplete 总是在 Dispatcher 上执行，
// 参数为 nil 表示没有可用图片（调用方应显示占位图）。返回的 Handle 可随时取消。
func (c *Coordinator) Request(key string, onComplete func(*imaging.Image)) *Handle {
	ctx, cancel := context.WithCancel(c.ctx)
	h := newHandle(key, cancel)
	if onComplete == nil {
		onComplete = func(*imaging.Image) {}
	}
	started := time.Now()

	if err := validateKey(key); err != nil {
		c.finish(h, onComplete, nil, tierNone, started, err)
		return h
	}
	h.advance(StateCacheCheck)

	if img, ok := c.memory.Get(key); ok {
		c.finish(h, onComplete, img, tierMemory, started, nil)
		return h
	}

	c.wg.Go(func() {
		c.resolve(ctx, h, onComplete, started)
	})
	return h
}

// Await 是 Request 的阻塞版本：等待结果或 ctx 结束（此时取消请求）。
func (c *Coordinator) Await(ctx context.Context, key string) (*imaging.Image, bool) {
	result := make(chan *imaging.Image, 1)
	h := c.Request(key, func(img *imaging.Image) {
		result <- img
	})

	select {
	case img := <-result:
		return img, img != nil
	case <-ctx.Done():
		h.Cancel()
		return nil, false
	}
}

func (c *Coordinator) resolve(ctx context.Context, h *Handle, onComplete func(*imaging.Image), started time.Time) {
	key := h.Key()

	data, err := c.obtain(ctx, key)
	switch {
	case err == nil:
		img, decodeErr := c.decoder.Decode(data)
		if decodeErr == nil {
			c.memory.Put(key, img)
			c.finish(h, onComplete, img, tierDisk, started, nil)
			return
		}
		c.logger.WithError(decodeErr).
			WithFields(logging.FetchFields(key, tierDisk, false)).
			Warn("cache_decode_failed")
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	case ctx.Err() != nil:
		// Handle 被取消时不回调；Coordinator 关闭时仍以 nil 收尾
		if h.State() != StateCancelled {
			c.finish(h, onComplete, nil, tierDisk, started, ctx.Err())
		}
		return
	default:
		c.logger.WithError(err).
			WithFields(logging.FetchFields(key, tierDisk, false)).
			Warn("cache_obtain_failed")
	}

	if !h.advance(StateNetworkInFlight) {
		return
	}

	body, err := c.fetcher.Fetch(ctx, key)
	if err != nil {
		if h.State() == StateCancelled {
			return
		}
		c.finish(h, onComplete, nil, tierNetwork, started, err)
		return
	}
	if len(body) == 0 {
		c.finish(h, onComplete, nil, tierNetwork, started, ErrEmptyResponse)
		return
	}

	img, err := c.decoder.Decode(body)
	if err != nil {
		c.finish(h, onComplete, nil, tierNetwork, started, err)
		return
	}

	c.persist(key, body)
	c.memory.Put(key, img)
	c.finish(h, onComplete, img, tierNetwork, started, nil)
}

func (c *Coordinator) obtain(ctx context.Context, key string) ([]byte, error) {
	if err := c.disk.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.disk.Release(1)
	return c.store.Obtain(ctx, key)
}

// persist 异步写入磁盘，不阻塞调用方；写入失败只记录日志，下次请求会重新回源。
func (c *Coordinator) persist(key string, body []byte) {
	c.wg.Go(func() {
		ctx := context.Background()
		if err := c.disk.Acquire(ctx, 1); err != nil {
			return
		}
		defer c.disk.Release(1)

		if err := c.store.Store(ctx, key, body); err != nil {
			c.logger.WithError(err).
				WithFields(logging.FetchFields(key, tierDisk, false)).
				Warn("cache_store_failed")
			return
		}
		c.logger.WithFields(logging.FetchFields(key, tierDisk, false)).
			WithField("size_bytes", len(body)).
			Debug("cache_stored")
	})
}

// finish 记录结果日志，并把回调投递到 Dispatcher。回调执行前再做一次原子状态切换，
// 因此在投递之前被取消的请求不会触发回调。
func (c *Coordinator) finish(h *Handle, onComplete func(*imaging.Image), img *imaging.Image, tier string, started time.Time, err error) {
	c.logResult(h.Key(), tier, img, started, err)
	c.dispatcher.Dispatch(func() {
		if !h.finish(StateCompleted) {
			return
		}
		onComplete(img)
	})
}

func (c *Coordinator) logResult(key, tier string, img *imaging.Image, started time.Time, err error) {
	fields := logging.FetchFields(key, tier, tier == tierMemory || tier == tierDisk)
	fields["action"] = "image_request"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		c.logger.WithFields(fields).Warn("image_unavailable")
		return
	}
	if img != nil {
		fields["format"] = img.Format
		fields["size_bytes"] = len(img.Raw)
	}
	c.logger.WithFields(fields).Info("image_complete")
}

// DiskUsage 返回磁盘缓存占用的字节数，读取失败时返回 0。
func (c *Coordinator) DiskUsage(ctx context.Context) int64 {
	size, err := c.store.Size(ctx)
	if err != nil {
		c.logger.WithError(err).WithField("action", "cache_size").Warn("cache_size_failed")
		return 0
	}
	return size
}

// ListEntries 返回磁盘缓存条目列表，读取失败时返回空列表。
func (c *Coordinator) ListEntries(ctx context.Context) []cache.EntryInfo {
	entries, err := c.store.ListEntries(ctx)
	if err != nil {
		c.logger.WithError(err).WithField("action", "cache_list").Warn("cache_list_failed")
		return nil
	}
	return entries
}

// ClearCache 异步清空磁盘缓存与内存层，完成后在 Dispatcher 上执行 onDone。
func (c *Coordinator) ClearCache(onDone func()) {
	c.wg.Go(func() {
		err := c.store.Clear(context.Background())
		c.memory.Purge()

		fields := logrus.Fields{"action": "cache_clear"}
		if err != nil {
			c.logger.WithError(err).WithFields(fields).Error("cache_clear_failed")
		} else {
			c.logger.WithFields(fields).Info("cache_cleared")
		}

		if onDone != nil {
			c.dispatcher.Dispatch(onDone)
		}
	})
}

// Close 中断仍在进行的网络请求并等待后台任务（包括磁盘写入）结束。
// 调用方应先停止发起新请求。
func (c *Coordinator) Close() {
	c.stop()
	c.wg.Wait()
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	parsed, err := url.Parse(key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidKey, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidKey)
	}
	return nil
}
