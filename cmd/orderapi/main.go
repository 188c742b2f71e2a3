package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/timipay/kkbridge/app/repository"
	"github.com/timipay/kkbridge/internal/pkg/cache"
	"github.com/timipay/kkbridge/internal/pkg/database"
	"github.com/timipay/kkbridge/internal/pkg/env"
	"github.com/timipay/kkbridge/internal/pkg/reconcile"
	"github.com/timipay/kkbridge/internal/pkg/router"
)

// The orderapi service is the bot backend's surface: order creation, order
// and balance reads. It also runs the expiry sweeper that closes deposits
// nobody paid.
func main() {
	app := NewApplication()

	sweeper := newSweeper()
	sweeper.Start()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("API_HOST", "0.0.0.0"), env.GetEnv("API_PORT", "8081"))
		if err := app.Listen(addr); err != nil {
			log.Fatalf("Order API server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down order API service...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
	sweeper.Stop()
	log.Println("Order API service stopped")
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	setupStorage()
	cache.SetupCache()

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024,
	})
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: findBasePath() + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	router.InstallAPIRouter(app)

	return app
}

// findBasePath locates the project root so the binary works both from the
// repo root and from cmd/orderapi.
func findBasePath() string {
	basePaths := []string{
		"./",
		"../../",
		"../../../",
	}
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs"); !os.IsNotExist(err) {
			return path
		}
	}
	panic("Could not find project root directory")
}

func newSweeper() *reconcile.Sweeper {
	repos := repository.GetGlobalRepositories()
	// The sweeper only executes expiry transitions; nothing to notify.
	engine := reconcile.NewEngine(repos, nil)

	interval := reconcile.DefaultSweepInterval
	if secs, err := strconv.Atoi(env.GetEnv("SWEEP_INTERVAL_SECONDS", "")); err == nil && secs > 0 {
		interval = time.Duration(secs) * time.Second
	}
	return reconcile.NewSweeper(engine, repos.Order, interval, reconcile.DefaultSweepBatch)
}

// setupStorage connects the durable store. DB_SKIP=true swaps in the
// in-memory repositories for local development without a database.
func setupStorage() {
	if env.GetEnv("DB_SKIP", "false") == "true" {
		log.Println("DB_SKIP is set, using in-memory repositories (dev only)")
		repository.InitializeFactoryWithRepositories(repository.NewMemoryRepositories())
		return
	}
	database.SetupDatabase()
	repository.InitializeFactory(database.GetDB())
}
