package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"seedwarden/internal/api"
	"seedwarden/internal/config"
	"seedwarden/internal/domain"
	"seedwarden/internal/downloader"
	"seedwarden/internal/engine/anacrolix"
	"seedwarden/internal/history"
	"seedwarden/internal/metrics"
	"seedwarden/internal/tracker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Fatalf("auth jwt secret is required")
	}
	if strings.TrimSpace(cfg.Auth.PasswordHash) == "" {
		logger.Fatalf("auth password hash is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := history.Open(cfg.History.Path)
	if err != nil {
		logger.Fatalf("open history db: %v", err)
	}
	defer db.Close()

	ledger := history.NewStore(db)
	if err := ledger.Init(ctx); err != nil {
		logger.Fatalf("init history ledger: %v", err)
	}

	session, err := anacrolix.New(anacrolix.Config{
		DataDir:        cfg.Download.DataDir,
		PortLow:        cfg.Engine.PortLow,
		PortHigh:       cfg.Engine.PortHigh,
		DHT:            cfg.Engine.DHT,
		PEX:            cfg.Engine.PEX,
		PortForwarding: cfg.Engine.PortForwarding,
		UploadKBps:     cfg.Engine.UploadKBps,
		DownloadKBps:   cfg.Engine.DownloadKBps,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatalf("start engine: %v", err)
	}

	manager := downloader.NewManager(downloader.Config{
		PollInterval: time.Duration(cfg.Engine.PollIntervalSeconds) * time.Second,
		Logger:       logger,
		Ledger:       ledger,
	}, session)

	if err := manager.Start(ctx); err != nil {
		logger.Fatalf("start manager: %v", err)
	}

	var fetcher api.DescriptorFetcher
	if cfg.Tracker.BaseURL != "" {
		client, err := tracker.New(tracker.Config{
			BaseURL:       cfg.Tracker.BaseURL,
			CookieName:    cfg.Tracker.CookieName,
			SessionCookie: cfg.Tracker.Cookie,
		})
		if err != nil {
			logger.Fatalf("setup tracker client: %v", err)
		}
		fetcher = client
		logger.Infof("tracker lookups enabled via %s", cfg.Tracker.BaseURL)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	auth := api.NewAuth(
		cfg.Auth.JWTSecret,
		cfg.Auth.Username,
		cfg.Auth.PasswordHash,
		time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute,
	)
	defaultGoal := domain.Goal{
		TargetRatio:  cfg.Seeding.TargetRatio,
		SeedDuration: time.Duration(cfg.Seeding.DurationMinutes) * time.Minute,
		StopMode:     domain.StopMode(cfg.Seeding.StopMode),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := api.NewHandler(
		manager,
		ledger,
		fetcher,
		auth,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		cfg.Download.DataDir,
		defaultGoal,
		logger,
	)
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
	manager.Shutdown()

	logger.Info("bye")
}
