package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/image-hub/internal/version"
)

// RegisterVersionRoutes 暴露 /-/version，便于确认线上运行的构建。
func RegisterVersionRoutes(app *fiber.App) {
	if app == nil {
		return
	}

	app.Get("/-/version", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version": version.Version,
			"commit":  version.Commit,
			"full":    version.Full(),
		})
	})
}
