package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-api/internal/config"
	"github.com/parley-chat/parley-api/internal/database"
	"github.com/parley-chat/parley-api/internal/handler"
	"github.com/parley-chat/parley-api/internal/middleware"
	"github.com/parley-chat/parley-api/internal/models"
	"github.com/parley-chat/parley-api/internal/repository"
	"github.com/parley-chat/parley-api/internal/router"
	"github.com/parley-chat/parley-api/internal/service"
	cloud "github.com/parley-chat/parley-api/pkg/cloudinary"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.Message{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	natsConn, err := database.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	uploader, err := cloud.New(cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create cloudinary client: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	messageRepo := repository.NewMessageRepository(db)

	historyService := service.NewHistoryService(messageRepo, redisClient, cfg.HistoryCacheTTL, cfg.HistoryPageSize, logger)
	messageService := service.NewMessageService(messageRepo, historyService, validate, logger)
	channelService := service.NewChannelService(messageService, redisClient, "parley:chat", natsConn, cfg.TypingIdleTimeout, logger)
	messageService.AttachSink(channelService)
	uploadService := service.NewUploadService(uploader, int(cfg.MaxUploadMB), logger)

	chatHandler := handler.NewChatHandler(channelService, logger)
	messageHandler := handler.NewMessageHandler(messageService, uploadService, validate, logger)

	runCtx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()
	channelService.Start(runCtx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		ChatHandler:    chatHandler,
		MessageHandler: messageHandler,
		HealthHandler:  handler.HealthCheck(cfg, handler.HealthDependencies{DB: db, Redis: redisClient, NATS: natsConn}),
		JWTMiddleware:  middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, stopConsumers)
}

func waitForShutdown(app *fiber.App, stopConsumers context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	stopConsumers()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
