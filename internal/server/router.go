package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/image-hub/internal/logging"
)

// ImagesPath 是图片入口的路由路径，key 通过 url 查询参数传入。
const ImagesPath = "/images"

// ImageHandler describes the component that resolves an image key and writes
// the response. It allows injecting fake handlers during tests.
type ImageHandler interface {
	Handle(c fiber.Ctx, key string) error
}

// ImageHandlerFunc adapts a function to the ImageHandler interface.
type ImageHandlerFunc func(fiber.Ctx, string) error

// Handle makes ImageHandlerFunc satisfy ImageHandler.
func (f ImageHandlerFunc) Handle(c fiber.Ctx, key string) error {
	return f(c, key)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Images     ImageHandler
	ListenPort int
}

const contextKeyRequestID = "_imagehub_request_id"

// NewApp builds a Fiber application with request ID, access logging and
// panic recovery middleware, and mounts the image endpoint.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Images == nil {
		return nil, errors.New("image handler is required")
	}
	if opts.ListenPort <= 0 || opts.ListenPort > 65535 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(requestContextMiddleware(opts.Logger))
	app.Use(recover.New())

	app.Get(ImagesPath, func(c fiber.Ctx) error {
		key := strings.TrimSpace(c.Query("url"))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "url_required",
			})
		}
		return opts.Images.Handle(c, key)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后输出访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		started := time.Now()
		err := c.Next()

		fields := logging.HTTPFields(reqID, c.Method(), c.Path())
		fields["action"] = "http_request"
		fields["status"] = c.Response().StatusCode()
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		if err != nil {
			logger.WithError(err).WithFields(fields).Warn("request_failed")
			return err
		}
		logger.WithFields(fields).Debug("request_complete")
		return nil
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
