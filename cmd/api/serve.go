package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"recoveryjourney/api/internal/app"
	"recoveryjourney/api/internal/cache"
	"recoveryjourney/api/internal/chat"
	"recoveryjourney/api/internal/config"
	"recoveryjourney/api/internal/content"
	"recoveryjourney/api/internal/identity"
	"recoveryjourney/api/internal/session"
	"recoveryjourney/api/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if missing := config.MissingRequired(); len(missing) > 0 {
		logger.Warn("required settings missing, using development defaults", zap.Strings("vars", missing))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	dataStore := store.NewPostgresStore(db)

	var (
		cacheFor   func(string) cache.Cache
		cacheCheck app.Pinger
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		shared, err := cache.NewRedis(cfg.RedisURL, "recovery:")
		if err != nil {
			return err
		}
		defer shared.Close()
		cacheFor = func(deviceID string) cache.Cache {
			return shared.Namespace("device:" + deviceID + ":")
		}
		cacheCheck = shared
		logger.Info("using redis for device caches")
	} else {
		logger.Info("using in-process memory for device caches")
	}

	var verifier identity.TokenVerifier
	if cfg.GoogleClientID != "" {
		verifier = identity.GoogleVerifier{ClientID: cfg.GoogleClientID}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	devices := app.NewDevices(ctx, app.DeviceConfig{
		Credentials: dataStore,
		Profiles:    dataStore,
		CacheFor:    cacheFor,
		Identity: identity.LocalOptions{
			Secret:    cfg.TokenSecret,
			ProjectID: cfg.ProjectID,
			TokenTTL:  cfg.TokenTTL,
			Verifier:  verifier,
		},
		Session: session.Options{
			LoadTimeout:     cfg.SessionLoadTimeout,
			RefreshInterval: cfg.TokenRefreshInterval,
		},
		Metrics:    session.NewMetrics(registry),
		IdleTTL:    cfg.DeviceIdleTTL,
		MaxDevices: cfg.MaxDevices,
		Logger:     logger,
	})
	defer devices.Close()

	var completer chat.Completer
	if cfg.GeminiAPIKey != "" {
		gemini, err := chat.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			logger.Warn("gemini unavailable, chat will use fallback replies", zap.Error(err))
		} else {
			completer = gemini
		}
	}

	var meiliClient *content.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = content.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Named("meili"))
		defer meiliClient.Close()
	}
	videos := content.NewService(meiliClient, content.Catalog(), logger)
	videos.Seed()

	httpServer := app.NewHTTPServer(app.ServerConfig{
		Devices:    devices,
		Chat:       chat.NewService(completer, dataStore, logger.Named("chat")),
		Content:    videos,
		Database:   dataStore,
		Cache:      cacheCheck,
		Registry:   registry,
		CORSOrigin: cfg.CORSOrigin,
		AuthDomain: cfg.AuthDomainFor,
		Logger:     logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("recovery api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
