package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"ratedash/internal/amqp"
	"ratedash/internal/backend"
	"ratedash/internal/cli"
	applog "ratedash/internal/log"
	gsheet "ratedash/internal/sheets/google"
	"ratedash/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(applog.ComponentWorker)
	logger.Info("Starting ratedash-worker")

	cfg := cli.LoadAndValidateWorkerConfig(logger.Logger)
	l, err := cli.LoadLayout(cfg)
	if err != nil {
		logger.Error("Failed to load layout", applog.FieldError, err, "path", cfg.LayoutFile)
		os.Exit(1)
	}

	sheetsClient, err := gsheet.New(context.Background(), gsheet.Options{
		SpreadsheetID:   cfg.GoogleSpreadsheetID,
		CredentialsJSON: []byte(cfg.GoogleServiceAccountJSON),
		CredentialsFile: cfg.GoogleServiceAccountFile,
		Targets:         backend.GoogleTargets(l),
	})
	if err != nil {
		logger.Error("Failed to initialize Google Sheets client", applog.FieldError, err)
		os.Exit(1)
	}

	sqliteRepo := cli.InitSQLite(logger.Logger, cfg.SQLiteDBPath)
	defer func() { _ = sqliteRepo.Close() }()

	refresher := worker.NewRefreshWorker(sheetsClient, sqliteRepo, cfg.SnapshotRetention, cfg.SnapshotMaxAge)

	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", applog.FieldError, err)
			os.Exit(1)
		}
		defer func() { _ = amqpClient.Close() }()
	} else {
		logger.Info("AMQP disabled, refreshing on the interval only")
	}

	ctx, done := cli.GracefulShutdown(logger.Logger, 30*time.Second, nil)

	logger.Info("Performing startup refresh check...")
	if err := refresher.StartupCheck(ctx); err != nil {
		// Keep running: the next tick or message retries.
		logger.Error("Startup refresh check failed", applog.FieldError, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		refresher.RunInterval(gctx, cfg.SyncInterval)
		return nil
	})
	if amqpClient != nil {
		g.Go(func() error {
			return amqpClient.ConsumeRefresh(gctx, refresher.HandleRefreshMessage)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped with error", applog.FieldError, err)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker shutdown complete")
}
