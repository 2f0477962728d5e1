package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/gptpaywall/internal/billing"
	"github.com/dukerupert/gptpaywall/internal/config"
	"github.com/dukerupert/gptpaywall/internal/database"
	"github.com/dukerupert/gptpaywall/internal/directory"
	"github.com/dukerupert/gptpaywall/internal/logging"
	"github.com/dukerupert/gptpaywall/internal/metrics"
	"github.com/dukerupert/gptpaywall/internal/server"
)

func main() {
	cfg, err := config.Load()
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if cfg.APIKey == "" {
		slog.Warn("GPT_API_KEY is not set; protected routes will answer 500")
	}

	dir, db, err := openDirectory(cfg)
	if err != nil {
		slog.Error("failed to open directory", "backend", cfg.Directory.Backend, "error", err)
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
	}

	billingClient := billing.NewClient(billing.Config{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		PriceID:       cfg.Stripe.PriceID,
		SuccessURL:    cfg.Stripe.SuccessURL,
		CancelURL:     cfg.Stripe.CancelURL,
		ReturnURL:     cfg.Stripe.ReturnURL,
		Timeout:       cfg.UpstreamTimeout,
	})

	srv := server.New(cfg, dir, billingClient, metrics.New(), logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background limiter sweep
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.SweepLimiters()
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("gptpaywall starting",
			"addr", httpServer.Addr,
			"environment", cfg.Environment,
			"directory", cfg.Directory.Backend,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	sweepCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

// openDirectory builds the configured directory backend. The returned
// database is nil for the Airtable backend.
func openDirectory(cfg config.Config) (directory.Directory, *sql.DB, error) {
	if cfg.Directory.Backend == config.BackendAirtable {
		return directory.NewAirtableStore(directory.AirtableConfig{
			APIKey:  cfg.Directory.AirtableAPIKey,
			BaseID:  cfg.Directory.AirtableBaseID,
			Table:   cfg.Directory.AirtableTable,
			BaseURL: cfg.Directory.AirtableAPIURL,
			Timeout: cfg.UpstreamTimeout,
		}), nil, nil
	}

	db, err := database.Open(cfg.Directory.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return directory.NewSQLiteStore(db), db, nil
}
