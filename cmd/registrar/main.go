// Package main запускает HTTP-сервер и планировщик сверки фискального регистратора.
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

	"github.com/mmeshcher/ekasa-registrar/internal/authority"
	"github.com/mmeshcher/ekasa-registrar/internal/config"
	"github.com/mmeshcher/ekasa-registrar/internal/delivery"
	"github.com/mmeshcher/ekasa-registrar/internal/handler"
	"github.com/mmeshcher/ekasa-registrar/internal/metrics"
	"github.com/mmeshcher/ekasa-registrar/internal/middleware"
	"github.com/mmeshcher/ekasa-registrar/internal/offline"
	"github.com/mmeshcher/ekasa-registrar/internal/registrar"
	"github.com/mmeshcher/ekasa-registrar/internal/resync"
)

func openStore(ctx context.Context, cfg *config.Config) (offline.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return offline.NewPostgresStore(ctx, cfg.DatabaseURI)
	default:
		return offline.NewSQLiteStore(ctx, cfg.SQLitePath)
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
	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		sugar.Fatalw("offline store initialization error", "driver", cfg.StoreDriver, "error", err.Error())
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	logDelivery := delivery.NewLogDelivery(logger)

	engine := registrar.NewEngine(store, authority.NewClient(cfg.AuthorityAddress), authority.NewCodec(cfg.VatTable()), logger,
		registrar.WithTimeout(cfg.SubmitTimeout),
		registrar.WithDelivery(logDelivery),
		registrar.WithMetrics(m),
	)

	scheduler := resync.New(store, engine, engine.Locks(), logger, resync.Config{
		PollInterval:    cfg.PollInterval,
		InitialInterval: cfg.ResyncInitialInterval,
		MaxInterval:     cfg.ResyncMaxInterval,
		Rate:            cfg.ResyncRate,
	}, resync.WithMetrics(m))
	scheduler.Subscribe(logDelivery)

	authMiddleware := middleware.NewAuthMiddleware(cfg.RegisterSecret)
	if cfg.RegisterSecret == "" {
		sugar.Warn("REGISTER_SECRET is empty, register tokens are valid only until restart")
	}

	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{DisableCompression: true})
	h := handler.NewHandler(engine, logger, authMiddleware, metricsHandler, handler.WithMaxSubmitTimeout(cfg.MaxSubmitTimeout))

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Сверка отложенных документов
	g.Go(func() error {
		return scheduler.Run(ctx)
	})

	g.Go(func() error {
		sugar.Infow("starting registrar server", "addr", cfg.RunAddress, "store", cfg.StoreDriver)
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

	err = g.Wait()

	// Хранилище закрывается (defer) только после остановки всех обработчиков сверки.
	scheduler.Wait()

	if err != nil {
		sugar.Errorw("application terminated with error", "error", err)
		os.Exit(1)
	}
}
