// Package main запускает HTTP-сервер реестра оплат курсов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/course-ledger/internal/config"
	"github.com/mmeshcher/course-ledger/internal/handler"
	"github.com/mmeshcher/course-ledger/internal/metrics"
	"github.com/mmeshcher/course-ledger/internal/middleware"
	"github.com/mmeshcher/course-ledger/internal/repository"
	"github.com/mmeshcher/course-ledger/internal/review"
	"github.com/mmeshcher/course-ledger/internal/service"
)

func openRepository(cfg *config.Config) (service.Repository, error) {
	opts := repository.Options{LockTimeout: cfg.LockTimeout}

	switch repository.Backend(cfg.DatabaseURI) {
	case "postgres":
		return repository.NewPostgresRepository(cfg.DatabaseURI, opts)
	case "sqlite":
		return repository.NewSQLiteRepository(cfg.DatabaseURI, opts)
	default:
		return repository.NewMemoryRepository(), nil
	}
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := openRepository(cfg)
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error())
	}
	sugar.Infow("ledger storage ready", "backend", repository.Backend(cfg.DatabaseURI))

	var reviewClient *review.Client
	if cfg.ReviewWebhookAddress != "" {
		reviewClient = review.NewClient(cfg.ReviewWebhookAddress)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := service.DefaultOptions()
	opts.TxTimeout = cfg.TxTimeout
	opts.PaidAtTolerance = cfg.PaidAtTolerance

	svc := service.NewService(repo, reviewClient, m, logger, opts)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.APISecret)
	if !authMiddleware.Enabled() {
		sugar.Warn("API_SECRET is empty, operator authentication disabled")
	}

	h := handler.NewHandler(svc, logger, authMiddleware, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Передача переплаченных и заблокированных оплат оператору
	g.Go(func() error {
		svc.StartReviewDispatch(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting course ledger server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
