package routes

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/image-hub/internal/cache"
)

// clearTimeout 限制 DELETE /-/cache 等待清理完成的时间。
const clearTimeout = 30 * time.Second

// CacheAdmin 暴露磁盘缓存的用量、条目与清理能力，*pipeline.Coordinator 即满足该接口。
type CacheAdmin interface {
	DiskUsage(ctx context.Context) int64
	ListEntries(ctx context.Context) []cache.EntryInfo
	ClearCache(onDone func())
}

// RegisterCacheRoutes 暴露 /-/cache 诊断接口：GET 查询用量与条目，DELETE 清空缓存。
func RegisterCacheRoutes(app *fiber.App, admin CacheAdmin) {
	if app == nil || admin == nil {
		return
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		entries := admin.ListEntries(ctx)
		size := admin.DiskUsage(ctx)
		return c.JSON(cacheReportPayload{
			SizeBytes: size,
			SizeHuman: humanBytes(size),
			Entries:   encodeEntries(entries),
		})
	})

	app.Delete("/-/cache", func(c fiber.Ctx) error {
		done := make(chan struct{})
		admin.ClearCache(func() { close(done) })

		timer := time.NewTimer(clearTimeout)
		defer timer.Stop()

		select {
		case <-done:
			return c.JSON(fiber.Map{"cleared": true})
		case <-timer.C:
			return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "clear_timeout"})
		}
	})
}

type cacheReportPayload struct {
	SizeBytes int64          `json:"size_bytes"`
	SizeHuman string         `json:"size_human"`
	Entries   []entryPayload `json:"entries"`
}

type entryPayload struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	SizeHuman string    `json:"size_human"`
	ModTime   time.Time `json:"mod_time"`
}

func encodeEntries(entries []cache.EntryInfo) []entryPayload {
	result := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		result = append(result, entryPayload{
			Name:      entry.Name,
			SizeBytes: entry.SizeBytes,
			SizeHuman: humanBytes(entry.SizeBytes),
			ModTime:   entry.ModTime,
		})
	}
	return result
}

func humanBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
