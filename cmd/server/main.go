package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/sauravm/transcript-judge/internal/config"
	"github.com/sauravm/transcript-judge/internal/domain/fiber/handler"
	"github.com/sauravm/transcript-judge/internal/middleware"
	"github.com/sauravm/transcript-judge/internal/model"
	"github.com/sauravm/transcript-judge/internal/notify"
	"github.com/sauravm/transcript-judge/internal/pipeline"
	"github.com/sauravm/transcript-judge/internal/repository"
	"github.com/sauravm/transcript-judge/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	ctx := context.Background()
	if err := godotenv.Load(); err != nil {
		slog.Info("could not load .env file, using process environment")
	}

	appConfig := config.LoadAppConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	app := fiber.New(fiber.Config{
		AppName: appConfig.Name,
		ErrorHandler: func(ctx *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}

			message := err.Error()
			if message == "" {
				message = "Internal Server Error"
			}
			return ctx.Status(code).JSON(fiber.Map{"error": message})
		},
	})
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
	}))
	app.Use(recover.New(recover.Config{
		EnableStackTrace: appConfig.Env != "production",
	}))
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))
	app.Use(pprof.New(pprof.Config{
		Next: func(c *fiber.Ctx) bool {
			return appConfig.Env == "production"
		},
	}))
	app.Use(healthcheck.New())
	app.Use(helmet.New(helmet.Config{
		CrossOriginResourcePolicy: "cross-origin",
	}))
	app.Use(middleware.RateLimiter(50, 1*time.Minute))

	db := ConnectDB()

	listingRepo := repository.NewListingRepository(db)
	fileRepo := repository.NewFileRepository(db)
	gemini, err := service.NewGeminiService(ctx)
	if err != nil {
		slog.Error("gemini service init failed", "error", err)
		os.Exit(1)
	}

	orchestrator := pipeline.New(pipeline.Deps{
		Listings: listingRepo,
		Files:    fileRepo,
		AI:       gemini,
		Tasks:    pipeline.NewTaskQueue(),
		Cancels:  pipeline.NewCancellationRegistry(),
		Notifier: notify.NewLogNotifier(slog.Default()),
		Logger:   slog.Default(),
	})

	h := handler.NewEvaluateHandler(orchestrator, listingRepo, gemini)
	h.RegisterRoutes(app)

	// Monitor goroutine count; every in-flight evaluation owns one.
	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for range ticker.C {
			slog.Debug("runtime stats", "goroutines", runtime.NumGoroutine())
		}
	}()

	slog.Info("server running", "port", appConfig.Port)
	if err := app.Listen(appConfig.Port); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func ConnectDB() *gorm.DB {
	dbConfig := config.LoadDBConfig()
	appConfig := config.LoadAppConfig()

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		dbConfig.Host,
		dbConfig.User,
		dbConfig.Password,
		dbConfig.Name,
		dbConfig.Port,
		dbConfig.SSLMode,
		dbConfig.TimeZone,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		slog.Error("could not connect to database", "error", err)
		os.Exit(1)
	}
	pgDB, err := db.DB()
	if err != nil {
		slog.Error("could not get database instance", "error", err)
		os.Exit(1)
	}
	if appConfig.Env != "production" {
		pgDB.SetMaxIdleConns(5)
		pgDB.SetMaxOpenConns(10)
		pgDB.SetConnMaxLifetime(30 * time.Minute)
	} else {
		pgDB.SetMaxIdleConns(20)
		pgDB.SetMaxOpenConns(200)
		pgDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.AutoMigrate(&model.Listing{}, &model.AudioFile{}); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
	return db
}
