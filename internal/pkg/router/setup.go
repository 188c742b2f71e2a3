package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router installs one route surface on a fiber app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallWebhookRouter mounts the gateway-facing callback surface, used by
// cmd/webhook.
func InstallWebhookRouter(app *fiber.App) {
	setup(app, NewWebhookRouter())
}

// InstallAPIRouter mounts the internal order API surface, used by
// cmd/orderapi.
func InstallAPIRouter(app *fiber.App) {
	setup(app, NewApiRouter())
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
