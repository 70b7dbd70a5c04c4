package routes

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/image-hub/internal/imaging"
	"github.com/any-hub/image-hub/internal/logging"
	"github.com/any-hub/image-hub/internal/server"
)

// ImageSource 是图片解析流水线的最小视图，*pipeline.Coordinator 即满足该接口。
type ImageSource interface {
	Await(ctx context.Context, key string) (*imaging.Image, bool)
}

// DefaultImageTimeout 是未显式配置时单个 /images 请求的最长等待时间。
const DefaultImageTimeout = 35 * time.Second

// ImageHandler 把 /images 请求交给流水线，并把解码结果的原始字节写回客户端。
type ImageHandler struct {
	source  ImageSource
	logger  *logrus.Logger
	timeout time.Duration
}

// NewImageHandler 构建 server.ImageHandler 实现；timeout <= 0 时使用 DefaultImageTimeout。
func NewImageHandler(source ImageSource, logger *logrus.Logger, timeout time.Duration) *ImageHandler {
	if timeout <= 0 {
		timeout = DefaultImageTimeout
	}
	return &ImageHandler{source: source, logger: logger, timeout: timeout}
}

var _ server.ImageHandler = (*ImageHandler)(nil)

// Handle 在 timeout 内等待流水线完成；超时后流水线请求被取消并按不可用处理。
// Fiber 的请求上下文不感知客户端断开，等待上限只由 timeout 保证。
func (h *ImageHandler) Handle(c fiber.Ctx, key string) error {
	ctx, cancel := context.WithTimeout(requestContext(c), h.timeout)
	defer cancel()

	img, ok := h.source.Await(ctx, key)
	if !ok {
		h.logger.WithFields(logging.HTTPFields(server.RequestID(c), c.Method(), c.Path())).
			WithField("key", key).
			Debug("image_unavailable")
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "image_unavailable",
		})
	}

	if contentType := img.ContentType(); contentType != "" {
		c.Set(fiber.HeaderContentType, contentType)
	}
	c.Set("X-Image-Format", img.Format)
	c.Set("X-Image-Width", strconv.Itoa(img.Width))
	c.Set("X-Image-Height", strconv.Itoa(img.Height))
	return c.Status(fiber.StatusOK).Send(img.Raw)
}
