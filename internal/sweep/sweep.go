// Package sweep реализует казначейский свип: сбор оплаченных сабаккаунтов
// в главный аккаунт и раздачу призового фонда победителям недели.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/ddcrlabs/paygate-system/internal/ledger"
	"github.com/ddcrlabs/paygate-system/internal/metrics"
	"github.com/ddcrlabs/paygate-system/internal/model"
)

// ErrSweepInProgress возвращается, если прогон для этой недели уже запущен.
var (
	ErrSweepInProgress = errors.New("sweep already in progress")
	// ErrNoWinners возвращается при пустом лидерборде: распределять некому.
	ErrNoWinners = errors.New("leaderboard is empty")
	// ErrReserveExhausted возвращается, когда казначейский баланс не покрывает
	// комиссии на все переводы. Прогон прерывается до любых распределений.
	ErrReserveExhausted = errors.New("treasury balance below fee reserve")
	// ErrSweepIncomplete возвращается, если часть призовых переводов не прошла.
	// Неделя при этом не продвигается, прогон можно повторить.
	ErrSweepIncomplete = errors.New("sweep finished with failed transfers")
)

const lockTTL = time.Hour

// Store описывает контракт хранилища, используемый свипом.
type Store interface {
	ListOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error)
	WeekID(ctx context.Context) (int64, error)
	SetWeekID(ctx context.Context, weekID int64) error
	TopRanked(ctx context.Context, n int) ([]string, error)
	AcquireSweepLock(ctx context.Context, weekID int64, ttl time.Duration) (bool, error)
	ReleaseSweepLock(ctx context.Context, weekID int64) error
}

// Ledger описывает используемую свипом часть шлюза леджера.
type Ledger interface {
	Balance(ctx context.Context, addressHex string) (int64, error)
	Transfer(ctx context.Context, from *[ledger.SubAccountSize]byte, toHex string, amountE8s int64) (int64, error)
	FeeE8s() int64
}

// Sweeper выполняет один прогон казначейского свипа.
type Sweeper struct {
	store   Store
	ledger  Ledger
	metrics *metrics.PaymentMetrics
	logger  *zap.Logger

	mainAddress       string
	fallbackPrincipal string
	topWinners        int
	weights           []int64
}

// Options задаёт зависимости и параметры свипа.
type Options struct {
	Store             Store
	Ledger            Ledger
	Metrics           *metrics.PaymentMetrics
	Logger            *zap.Logger
	MainAddress       string
	FallbackPrincipal string
	TopWinners        int
	Weights           []int64
}

// New создаёт Sweeper.
func New(opts Options) *Sweeper {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TopWinners <= 0 {
		opts.TopWinners = 3
	}
	if len(opts.Weights) == 0 {
		opts.Weights = []int64{1, 1, 1}
	}

	return &Sweeper{
		store:             opts.Store,
		ledger:            opts.Ledger,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		mainAddress:       opts.MainAddress,
		fallbackPrincipal: opts.FallbackPrincipal,
		topWinners:        opts.TopWinners,
		weights:           opts.Weights,
	}
}

// Run выполняет полный прогон свипа для текущей недели: сбор, проверку резерва,
// распределение призов, перевод остатка и продвижение недели. Прогон эксклюзивен
// по блокировке в хранилище; неделя продвигается только если все призовые
// переводы и перевод остатка прошли успешно.
func (s *Sweeper) Run(ctx context.Context) (*model.SweepRecord, error) {
	weekID, err := s.store.WeekID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get week id: %w", err)
	}

	locked, err := s.store.AcquireSweepLock(ctx, weekID, lockTTL)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("%w: week %d", ErrSweepInProgress, weekID)
	}
	defer func() {
		if err := s.store.ReleaseSweepLock(context.Background(), weekID); err != nil {
			s.logger.Warn("release sweep lock", zap.Error(err))
		}
	}()

	record := &model.SweepRecord{
		RunID:     uuid.NewString(),
		WeekID:    weekID,
		StartedAt: time.Now().UTC(),
	}

	winners, err := s.store.TopRanked(ctx, s.topWinners)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	if len(winners) == 0 {
		return nil, ErrNoWinners
	}

	s.collect(ctx, record)

	mainBalance, err := s.ledger.Balance(ctx, s.mainAddress)
	if err != nil {
		return record, fmt.Errorf("query treasury balance: %w", err)
	}

	fee := s.ledger.FeeE8s()
	reserve := fee * int64(len(winners)+1)
	if mainBalance < reserve {
		// Резерв не покрыт: ни одного распределительного перевода не делаем,
		// неделя не меняется, прогон можно повторить после пополнения.
		return record, fmt.Errorf("%w: balance %d, reserve %d", ErrReserveExhausted, mainBalance, reserve)
	}

	distributed, ok := s.distribute(ctx, record, winners, mainBalance-reserve)

	remainder := mainBalance - reserve - distributed
	if remainder > 0 {
		if err := s.transferToPrincipal(ctx, s.fallbackPrincipal, remainder, "remainder"); err != nil {
			s.logger.Error("remainder transfer failed", zap.Error(err), zap.Int64("amountE8s", remainder))
			ok = false
		} else {
			record.RemainderE8s = remainder
		}
	}

	s.logger.Info("sweep run finished",
		zap.String("runID", record.RunID),
		zap.Int64("weekID", record.WeekID),
		zap.Int64("collectedE8s", record.CollectedE8s),
		zap.Int("collectedSubs", record.CollectedSubs),
		zap.Int("failedLegs", record.FailedLegs),
		zap.Int64("remainderE8s", record.RemainderE8s),
	)

	if !ok {
		return record, ErrSweepIncomplete
	}

	if err := s.store.SetWeekID(ctx, weekID+1); err != nil {
		return record, fmt.Errorf("advance week id: %w", err)
	}

	return record, nil
}

// collect переводит балансы оплаченных сабаккаунтов текущей недели за вычетом
// комиссии в главный аккаунт. Сбой одного перевода не останавливает остальные.
func (s *Sweeper) collect(ctx context.Context, record *model.SweepRecord) {
	orders, err := s.store.ListOrdersByStatus(ctx, model.OrderStatusSettled)
	if err != nil {
		s.logger.Error("list settled orders", zap.Error(err))
		record.FailedLegs++
		return
	}

	fee := s.ledger.FeeE8s()

	for _, order := range orders {
		if order.WeekID != record.WeekID {
			continue
		}

		sub, err := ledger.ParseSubAccountKey(order.SubAccount)
		if err != nil {
			s.logger.Error("bad sub-account key", zap.String("subAccount", order.SubAccount), zap.Error(err))
			record.FailedLegs++
			continue
		}

		balance, err := s.ledger.Balance(ctx, order.Address)
		if err != nil {
			s.logger.Warn("sub-account balance query failed", zap.String("subAccount", order.SubAccount), zap.Error(err))
			record.FailedLegs++
			continue
		}

		net := balance - fee
		if net <= 0 {
			continue
		}

		if err := s.transferWithRetry(ctx, &sub, s.mainAddress, net); err != nil {
			s.logger.Warn("collect transfer failed", zap.String("subAccount", order.SubAccount), zap.Error(err))
			s.metrics.RecordSweepTransfer("collect", "error", net)
			record.FailedLegs++
			continue
		}

		s.metrics.RecordSweepTransfer("collect", "ok", net)
		record.CollectedE8s += net
		record.CollectedSubs++
	}
}

// distribute раздаёт распределяемый остаток победителям по таблице весов
// (проценты). Возвращает сумму успешных переводов и признак полного успеха.
func (s *Sweeper) distribute(ctx context.Context, record *model.SweepRecord, winners []string, distributable int64) (int64, bool) {
	var total int64
	ok := true

	for i, winner := range winners {
		if i >= len(s.weights) {
			break
		}

		amount := distributable * s.weights[i] / 100
		if amount <= 0 {
			continue
		}

		transfer := model.WinnerTransfer{Principal: winner, AmountE8s: amount}
		if err := s.transferToPrincipal(ctx, winner, amount, "prize"); err != nil {
			s.logger.Error("prize transfer failed", zap.String("principal", winner), zap.Error(err))
			transfer.Err = err
			record.FailedLegs++
			ok = false
		} else {
			total += amount
		}
		record.Winners = append(record.Winners, transfer)
	}

	return total, ok
}

func (s *Sweeper) transferToPrincipal(ctx context.Context, principal string, amountE8s int64, kind string) error {
	raw, err := ledger.DecodePrincipal(principal)
	if err != nil {
		s.metrics.RecordSweepTransfer(kind, "error", amountE8s)
		return fmt.Errorf("decode principal %s: %w", principal, err)
	}

	var empty [ledger.SubAccountSize]byte
	to := ledger.AccountIdentifierHex(raw, empty)

	if err := s.transferWithRetry(ctx, nil, to, amountE8s); err != nil {
		s.metrics.RecordSweepTransfer(kind, "error", amountE8s)
		return err
	}

	s.metrics.RecordSweepTransfer(kind, "ok", amountE8s)
	return nil
}

// transferWithRetry повторяет перевод с экспоненциальной задержкой,
// но только при сетевых ошибках: бизнес-отказ леджера ретраить бессмысленно.
func (s *Sweeper) transferWithRetry(ctx context.Context, from *[ledger.SubAccountSize]byte, toHex string, amountE8s int64) error {
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := s.ledger.Transfer(ctx, from, toHex, amountE8s)
		if errors.Is(err, ledger.ErrNetwork) {
			return retry.RetryableError(err)
		}
		return err
	})
}
