package router

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"

	"github.com/timipay/kkbridge/app/controllers"
	"github.com/timipay/kkbridge/app/repository"
	"github.com/timipay/kkbridge/internal/pkg/constants"
	"github.com/timipay/kkbridge/internal/pkg/kkpay"
	"github.com/timipay/kkbridge/internal/pkg/metrics"
	"github.com/timipay/kkbridge/internal/pkg/reconcile"
)

// WebhookRouter wires the callback ingress. The surface is server-to-server
// only: no sessions, no CSRF, authentication happens per delivery via the
// gateway signature.
type WebhookRouter struct {
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	client := kkpay.NewClientFromEnv()
	engine := reconcile.NewEngine(repository.GetGlobalRepositories(), reconcile.NewQueueDispatcher())
	webhook := controllers.NewWebhookController(engine, client.MerchantID(), client.Secret())

	app.Post(constants.CallbackRoute, webhook.HandleKKPayCallback)
	app.Get(constants.HealthRoute, controllers.HandleHealth("kkbridge-webhook"))
	app.Get(constants.MetricsRoute, adaptor.HTTPHandler(metrics.Handler()))
}

func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{}
}
