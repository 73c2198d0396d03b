package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"ratedash/internal/backend"
	"ratedash/internal/chat"
	"ratedash/internal/cli"
	apphttp "ratedash/internal/http"
	applog "ratedash/internal/log"
	"ratedash/internal/middleware/ratelimit"
	"ratedash/internal/services"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(applog.ComponentApp)
	cfg := cli.LoadAndValidateConfig(logger.Logger)

	l, err := cli.LoadLayout(cfg)
	if err != nil {
		logger.Error("Failed to load layout", applog.FieldError, err, "path", cfg.LayoutFile)
		os.Exit(1)
	}

	backendCfg, err := backend.FromAppConfig(cfg, l)
	if err != nil {
		logger.Error("Invalid backend configuration", applog.FieldError, err)
		os.Exit(1)
	}
	result, err := backend.NewFactory(logger.Logger).CreateBackend(context.Background(), backendCfg)
	if err != nil {
		logger.Error("Failed to initialize data backend", applog.FieldError, err, "backend", cfg.DataBackend)
		os.Exit(1)
	}

	completer, err := chat.NewCompleter(context.Background(), chat.ProviderConfig{
		Provider: cfg.ChatProvider,
		APIKey:   cfg.ChatAPIKey,
		Model:    cfg.ChatModel,
		BaseURL:  cfg.ChatBaseURL,
		Timeout:  cfg.ChatTimeout,
	})
	if err != nil {
		logger.Error("Failed to initialize chat provider", applog.FieldError, err, applog.FieldProvider, cfg.ChatProvider)
		os.Exit(1)
	}
	chatService := chat.NewService(completer, cfg.ChatSystemPrompt, cfg.ChatTimeout)

	dashboard := services.NewDashboardService(result.Backend, l, services.Options{
		CacheTTL:       cfg.CacheTTL,
		MaxDisplayRows: cfg.MaxDisplayRows,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	srv, err := apphttp.NewServer(apphttp.Options{
		Addr:           ":" + cfg.Port,
		Logger:         logger,
		Dashboard:      dashboard,
		Chat:           chatService,
		ReadOnly:       backendCfg.Type.ReadOnly(),
		MaxUploadBytes: cfg.MaxUploadBytes,
		RateLimit:      ratelimit.DefaultConfig(),
		CacheCleanup:   10 * time.Minute,
	})
	if err != nil {
		logger.Error("Failed to create server", applog.FieldError, err)
		os.Exit(1)
	}
	srv.ReadTimeout = 30 * time.Second
	srv.WriteTimeout = 2 * time.Minute
	srv.MaxHeaderBytes = 1 << 16

	ctx, done := cli.GracefulShutdown(logger.Logger, 30*time.Second, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", applog.FieldError, err)
		}
		if result.Cleanup != nil {
			if err := result.Cleanup(); err != nil {
				logger.Error("Backend cleanup error", applog.FieldError, err)
			}
		}
	})

	logger.Info("Starting ratedash server",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"chat_enabled", chatService.Enabled(),
		"tables", l.TableNames())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", applog.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
