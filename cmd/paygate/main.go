// Package main запускает HTTP-сервер платёжного шлюза и поллер расчёта заказов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ddcrlabs/paygate-system/internal/config"
	"github.com/ddcrlabs/paygate-system/internal/events"
	"github.com/ddcrlabs/paygate-system/internal/handler"
	"github.com/ddcrlabs/paygate-system/internal/ledger"
	"github.com/ddcrlabs/paygate-system/internal/metrics"
	"github.com/ddcrlabs/paygate-system/internal/middleware"
	"github.com/ddcrlabs/paygate-system/internal/repository"
	"github.com/ddcrlabs/paygate-system/internal/service"
	"github.com/ddcrlabs/paygate-system/internal/store"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	skus, err := config.LoadSKUs(cfg.SKUFile)
	if err != nil {
		sugar.Fatalw("sku table error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orderStore, err := store.New(ctx, cfg.RedisAddress)
	if err != nil {
		sugar.Fatalw("redis initialization error", "error", err.Error())
	}
	defer orderStore.Close()

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	identity, created, err := ledger.LoadOrCreateIdentity(cfg.KeyDir)
	if err != nil {
		sugar.Fatalw("identity error", "error", err.Error())
	}
	if created {
		sugar.Infow("generated merchant identity", "principal", identity.PrincipalText())
	}

	ledgerClient := ledger.NewClient(cfg.LedgerAddress, identity, cfg.TransferFeeE8s, cfg.LedgerTimeout)

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	svc := service.NewService(service.Options{
		Store:             orderStore,
		Oracle:            ledgerClient,
		Credits:           repo,
		Publisher:         publisher,
		Metrics:           metrics.New(),
		Logger:            logger,
		SKUs:              skus,
		MerchantPrincipal: identity.Principal(),
		MaxRetries:        cfg.MaxRetries,
		PollInterval:      cfg.PollInterval,
	})

	verifier := middleware.NewSignVerifier(orderStore)
	h := handler.NewHandler(svc, verifier, logger)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового поллера расчёта ожидающих заказов
	g.Go(func() error {
		svc.StartSettlementPoller(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting paygate server", "addr", cfg.RunAddress)
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
