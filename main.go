package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"jerky-rank-system/handlers"
	"jerky-rank-system/middleware"
	"jerky-rank-system/models"
	"jerky-rank-system/realtime"
	"jerky-rank-system/services"
	"jerky-rank-system/utils"
	"jerky-rank-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 10 * 1024 * 1024, // 10MB — icon uploads are the largest payloads
	})

	// 🔐❗ GLOBAL: Only Gateway requests allowed. Sole exception: /webhooks/*,
	// which the commerce platform signs with HMAC.
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, Idempotency-Key, X-User-ID, X-User-Roles",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	if err := utils.InitR2(); err != nil {
		log.Printf("⚠️  R2 init failed, icon uploads disabled: %v", err)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Product{},
		&models.ProductMetadata{},
		&models.CustomerOrderItem{},
		&models.RankingEvent{},
		&models.EngagementEvent{},
		&models.RankingReceipt{},
		&models.CoinDefinition{},
		&models.UserAchievement{},
		&models.CoinTypeConfig{},
		&models.FlavorProfileState{},
		&models.FlavorCommunityConfig{},
		&models.Job{},
		&models.JobDeadLetter{},
		&models.ImportSession{},
		&models.WebhookReceipt{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	if err := services.EnsureSeedDefinitions(db); err != nil {
		log.Fatal("failed to seed coin definitions:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis is optional: without it the progress cache falls back to memory
	// and the websocket hub stays single-node.
	var rdb *goredis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		redisOpts, err := goredis.ParseURL(redisURL)
		if err != nil {
			log.Fatal("invalid REDIS_URL:", err)
		}
		rdb = goredis.NewClient(redisOpts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("⚠️  Redis unreachable, continuing without it: %v", err)
			rdb = nil
		}
	}

	hub := realtime.NewHub()
	if rdb != nil {
		bridge := realtime.NewRedisBridge(rdb, "jerky-rank-events")
		hub.AttachBridge(bridge)
		go func() {
			if err := bridge.Start(ctx); err != nil && ctx.Err() == nil {
				log.Printf("❌ Redis bridge stopped: %v", err)
			}
		}()
	}

	registry := services.NewCoinRegistry(db)
	progressService := services.NewProgressService(db, registry, rdb)
	evaluator := services.NewEvaluator(db, registry, hub, progressService)
	classifier := services.NewClassificationService(db, hub)
	rankingService := services.NewRankingService(db, evaluator, classifier, hub, progressService)

	queue := workers.NewQueue(db)

	commerceRate, _ := strconv.ParseFloat(os.Getenv("COMMERCE_API_RATE"), 64)
	commerceClient := services.NewCommerceClient(
		os.Getenv("COMMERCE_API_URL"),
		os.Getenv("COMMERCE_API_TOKEN"),
		commerceRate, 4,
	)
	importService := services.NewImportService(db, commerceClient, queue, hub)
	webhookService := services.NewWebhookService(db, queue, evaluator, hub)

	poolSize, _ := strconv.Atoi(os.Getenv("WORKER_POOL_SIZE"))
	pool := workers.NewPool(queue, hub, poolSize)
	workers.RegisterHandlers(pool, importService, classifier, webhookService, evaluator)
	go func() {
		if err := pool.Run(ctx); err != nil {
			log.Printf("❌ Worker pool error: %v", err)
		}
	}()

	deliveryPoller := workers.NewDeliveryPoller(db, evaluator)
	deliveryPoller.Start(ctx)

	scheduler := services.NewScheduler(classifier, webhookService, queue)
	scheduler.Start()
	defer scheduler.Stop()

	// ✅ Setup routes — enforced Gateway auth + consistent /s/ prefix
	handlers.SetupRankingRoutes(app, rankingService)
	handlers.SetupProgressRoutes(app, progressService, classifier, registry)
	handlers.SetupRealtimeRoutes(app, hub)
	handlers.SetupWebhookRoutes(app, webhookService)
	handlers.SetupAdminRoutes(app, handlers.AdminDeps{
		DB:         db,
		Imports:    importService,
		Classifier: classifier,
		Registry:   registry,
		Webhooks:   webhookService,
		Queue:      queue,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "5300"
	}
	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", port)
	log.Println("✅ Worker pool, delivery poller, and scheduler running")
	log.Println("✅ GatewayAuthMiddleware enforced globally (HMAC-signed /webhooks excepted)")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = app.ShutdownWithContext(shutdownCtx)
}
