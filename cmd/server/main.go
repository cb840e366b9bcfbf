package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"btcore/internal/api"
	"btcore/internal/archive"
	"btcore/internal/config"
	"btcore/internal/metrics"
	"btcore/internal/persist"
	"btcore/internal/ratelimit"
	"btcore/internal/repository/sqlite"
	"btcore/internal/runloop"
	"btcore/internal/service"
	"btcore/internal/session"
	"btcore/internal/speed"
	"btcore/internal/storageroot"
	"btcore/internal/wire"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	store := persist.NewSQLiteStore(db)
	if err := store.Init(ctx); err != nil {
		logger.Fatalf("init persistence: %v", err)
	}

	roots := storageroot.NewRegistry(db)
	if err := roots.Init(ctx); err != nil {
		logger.Fatalf("init storage roots: %v", err)
	}

	userRepo := sqlite.NewUserRepository(db)
	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}
	userService := service.NewUserService(userRepo, cfg.Auth.RegisterSecret)
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Warn("auth jwt secret not configured, API runs unauthenticated")
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	archiveSvc, err := buildArchive(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup archive: %v", err)
	}

	loop := runloop.New(runloop.Config{
		Logger:            logger,
		OverloadThreshold: cfg.Engine.LoopOverload,
	})
	loop.Start()

	manager := session.NewManager(session.Config{
		Loop:             loop,
		Store:            store,
		Roots:            roots,
		Limiter:          ratelimit.NewLimiter(cfg.Engine.DownloadLimit, cfg.Engine.UploadLimit),
		Speeds:           speed.NewCalculator(),
		Logger:           logger,
		Archiver:         sessionArchiver(archiveSvc),
		SnapshotInterval: cfg.Engine.SnapshotInterval,
	})

	transport, err := wire.NewAnacrolixTransport(wire.AnacrolixConfig{
		ListenPort: cfg.Torrent.ListenPort,
		Seed:       cfg.Torrent.Seed,
		Logger:     logger,
	}, manager.Events())
	if err != nil {
		logger.Fatalf("setup torrent transport: %v", err)
	}
	defer transport.Close()
	manager.SetTransport(transport)

	var startErr error
	if err := loop.PostAndWait(func() { startErr = manager.Start() }); err != nil {
		logger.Fatalf("post engine start: %v", err)
	}
	if startErr != nil {
		logger.Fatalf("start engine: %v", startErr)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	bridge := session.NewBridge(loop, manager)
	issuer := api.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	handler := api.NewHandler(bridge, roots, userService, archiveSvc, issuer, logger)
	if err := handler.Start(); err != nil {
		logger.Fatalf("start api handler: %v", err)
	}
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	handler.Close()
	if err := loop.PostAndWait(manager.Close); err != nil {
		logger.Warnf("engine shutdown: %v", err)
	}
	loop.Stop()

	logger.Info("bye")
}

// sessionArchiver narrows the archive service to the engine's upload hook. A
// nil service means archiving is disabled.
func sessionArchiver(svc archive.Service) session.Archiver {
	if svc == nil {
		return nil
	}
	return svc
}

func buildArchive(ctx context.Context, cfg config.Config, logger *logrus.Logger) (archive.Service, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	if cfg.Archive.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required when archive is enabled")
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Archive.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Archive.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Archive.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("archiving to s3 bucket %s (region %s)", cfg.Archive.Bucket, cfg.Archive.Region)
	return archive.NewS3Archive(archive.S3Config{
		Bucket:    cfg.Archive.Bucket,
		KeyPrefix: cfg.Archive.KeyPrefix,
		Logger:    logger,
	}, client)
}
