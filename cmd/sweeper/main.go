// Package main запускает разовый прогон казначейского свипа: сбор оплаченных
// сабаккаунтов и раздачу призового фонда победителям недели.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ddcrlabs/paygate-system/internal/config"
	"github.com/ddcrlabs/paygate-system/internal/ledger"
	"github.com/ddcrlabs/paygate-system/internal/metrics"
	"github.com/ddcrlabs/paygate-system/internal/store"
	"github.com/ddcrlabs/paygate-system/internal/sweep"
	"github.com/ddcrlabs/paygate-system/internal/validation"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	// Fallback principal декодируется в адрес перевода, поэтому здесь
	// формат проверяется строго, в отличие от principal плательщика.
	if !validation.IsValidPrincipal(cfg.FallbackPrincipal) {
		sugar.Fatalw("configuration error", "error", "FALLBACK_PRINCIPAL is required and must be a valid principal")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orderStore, err := store.New(ctx, cfg.RedisAddress)
	if err != nil {
		sugar.Fatalw("redis initialization error", "error", err.Error())
	}
	defer orderStore.Close()

	identity, _, err := ledger.LoadOrCreateIdentity(cfg.KeyDir)
	if err != nil {
		sugar.Fatalw("identity error", "error", err.Error())
	}

	ledgerClient := ledger.NewClient(cfg.LedgerAddress, identity, cfg.TransferFeeE8s, cfg.LedgerTimeout)

	sweeper := sweep.New(sweep.Options{
		Store:             orderStore,
		Ledger:            ledgerClient,
		Metrics:           metrics.New(),
		Logger:            logger,
		MainAddress:       identity.MainAddressHex(),
		FallbackPrincipal: cfg.FallbackPrincipal,
		TopWinners:        cfg.TopWinners,
		Weights:           cfg.WinnerWeights,
	})

	record, err := sweeper.Run(ctx)
	if err != nil {
		sugar.Fatalw("sweep run failed", "error", err.Error())
	}

	sugar.Infow("sweep run completed",
		"runID", record.RunID,
		"weekID", record.WeekID,
		"collectedE8s", record.CollectedE8s,
		"collectedSubs", record.CollectedSubs,
		"remainderE8s", record.RemainderE8s,
	)
}
