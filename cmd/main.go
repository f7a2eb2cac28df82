package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"media-pipeline/internal/auth"
	"media-pipeline/internal/bitrate"
	"media-pipeline/internal/config"
	"media-pipeline/internal/execx"
	"media-pipeline/internal/handlers"
	"media-pipeline/internal/hls"
	"media-pipeline/internal/images"
	"media-pipeline/internal/poster"
	"media-pipeline/internal/probe"
	"media-pipeline/internal/repository"
	service "media-pipeline/internal/services"
	"media-pipeline/internal/storage"
	utils "media-pipeline/internal/utils"

	"github.com/gofiber/fiber/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	// load config
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		panic(err)
	}
	dev := cfg.App.Env == "development"

	// logger
	logger, _ := utils.NewLogger(dev)
	defer func() { _ = logger.Sync() }()

	// Mongo
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mc, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		logger.Fatalf("mongo connect: %v", err)
	}
	col := mc.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)
	repo := repository.NewAssetRepo(col)

	// S3 store
	store, err := storage.NewS3Store(context.Background(), cfg.AWS.Region, cfg.AWS.Bucket, cfg.AWS.Endpoint, cfg.S3.PublicRead)
	if err != nil {
		logger.Fatalf("s3 init: %v", err)
	}

	// pipeline components
	runner := execx.NewCommandRunner(cfg.CommandTimeout)
	prober := probe.NewProber(cfg.FFmpeg.FFprobePath, runner, logger)
	imageT := images.NewTranscoder(store, logger)
	posterG := poster.NewGenerator(cfg.FFmpeg.FFmpegPath, runner, store,
		cfg.Pipeline.PosterMaxWidth, cfg.Pipeline.PosterMaxHeight, logger)
	ladderT := bitrate.NewTranscoder(cfg.FFmpeg.FFmpegPath, runner, store, logger)
	streamB := hls.NewBuilder(cfg.FFmpeg.FFmpegPath, runner, store, cfg.Pipeline.ScratchDir, logger)

	presignTTL := time.Duration(cfg.S3.PresignTTL) * time.Second
	svc := service.NewVariantService(repo, store, imageT, prober, posterG, ladderT, streamB,
		presignTTL, cfg.Pipeline.CommitRetries, cfg.CommitBackoff, logger)

	// JWT Verifier
	verifier, err := auth.NewJWTVerifier(cfg.JWT.PublicKeyPath)
	if err != nil {
		logger.Fatalf("jwt init: %v", err)
	}

	// fiber app & routes
	app := fiber.New(fiber.Config{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	h := handlers.NewHandler(verifier, svc)
	app.Post("/assets/:id/variants", h.GenerateVariants)
	app.Post("/assets/:id/variants/:type", h.EnsureVariant)
	app.Get("/assets/:id/variants", h.GetVariants)
	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendString("ok") })

	// start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.App.Port)
		logger.Infof("starting variant pipeline on %s", addr)
		if err := app.Listen(addr); err != nil {
			logger.Fatalf("listen failed: %v", err)
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	logger.Info("shutdown requested")
	timeoutCtx, cancel2 := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel2()

	_ = app.Shutdown()
	_ = mc.Disconnect(timeoutCtx)
	logger.Info("shutdown completed")
}
