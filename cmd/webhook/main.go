package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/timipay/kkbridge/app/repository"
	"github.com/timipay/kkbridge/internal/pkg/cache"
	"github.com/timipay/kkbridge/internal/pkg/database"
	"github.com/timipay/kkbridge/internal/pkg/env"
	"github.com/timipay/kkbridge/internal/pkg/jobqueue"
	"github.com/timipay/kkbridge/internal/pkg/router"
)

// The webhook service terminates KKPay callbacks. It runs the reconciliation
// engine plus the notification queue workers and exposes nothing else.
func main() {
	app := NewApplication()

	manager := jobqueue.GetManager()
	manager.Start()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("WEBHOOK_HOST", "0.0.0.0"), env.GetEnv("WEBHOOK_PORT", "8080"))
		if err := app.Listen(addr); err != nil {
			log.Fatalf("Webhook server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down webhook service...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
	manager.Stop()
	log.Println("Webhook service stopped")
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	setupStorage()
	cache.SetupCache()

	app := fiber.New(fiber.Config{
		// Callback bodies are small base64 documents; anything bigger is junk.
		BodyLimit: 1 * 1024 * 1024,
	})
	app.Use(recover.New(), logger.New())

	router.InstallWebhookRouter(app)

	return app
}

// setupStorage connects the durable store. DB_SKIP=true swaps in the
// in-memory repositories for local development without a database; balances
// do not survive a restart there.
func setupStorage() {
	if env.GetEnv("DB_SKIP", "false") == "true" {
		log.Println("DB_SKIP is set, using in-memory repositories (dev only)")
		repository.InitializeFactoryWithRepositories(repository.NewMemoryRepositories())
		return
	}
	database.SetupDatabase()
	repository.InitializeFactory(database.GetDB())
}
