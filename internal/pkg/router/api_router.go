package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/timipay/kkbridge/app/controllers"
	"github.com/timipay/kkbridge/app/repository"
	"github.com/timipay/kkbridge/internal/pkg/cache"
	"github.com/timipay/kkbridge/internal/pkg/constants"
	"github.com/timipay/kkbridge/internal/pkg/env"
	"github.com/timipay/kkbridge/internal/pkg/kkpay"
	"github.com/timipay/kkbridge/internal/pkg/metrics"
	"github.com/timipay/kkbridge/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	orders := controllers.NewOrderController(repository.GetGlobalRepositories(), kkpay.NewClientFromEnv())

	max, _ := strconv.Atoi(env.GetEnv("API_RATE_LIMIT_PER_MINUTE", "120"))
	if max <= 0 {
		max = 120
	}
	api := app.Group(constants.APIRoute, limiter.New(limiter.Config{
		Max:        max,
		Expiration: time.Minute,
		Storage:    limiterStorage(),
	}))

	v1 := api.Group(constants.APIV1Route, middleware.InternalAuthMiddleware())
	v1.Post("/orders", orders.HandleCreateOrder)
	// The by-reference route must be registered before the :id wildcard.
	v1.Get("/orders/by-reference/:txid", orders.HandleGetOrderByReference)
	v1.Get("/orders/:id", orders.HandleGetOrder)
	v1.Get("/users/:id/balance", orders.HandleGetBalance)
	v1.Get("/users/:id/transactions", orders.HandleListTransactions)

	app.Get(constants.HealthRoute, controllers.HandleHealth("kkbridge-orderapi"))
	app.Get(constants.MetricsRoute, adaptor.HTTPHandler(metrics.Handler()))
}

// limiterStorage builds the limiter backend from the cache client settings so
// rate limits hold across orderapi replicas. Database 1 keeps limiter keys
// away from the notification queue on database 0.
func limiterStorage() *redis.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient := cache.GetClient(); cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
