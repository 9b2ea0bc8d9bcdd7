// Package service реализует бизнес-логику расчёта платёжных заказов.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ddcrlabs/paygate-system/internal/events"
	"github.com/ddcrlabs/paygate-system/internal/ledger"
	"github.com/ddcrlabs/paygate-system/internal/metrics"
	"github.com/ddcrlabs/paygate-system/internal/model"
	"github.com/ddcrlabs/paygate-system/internal/repository"
	"github.com/ddcrlabs/paygate-system/internal/store"
)

// ErrUnknownSKU возвращается при создании заказа на несуществующий SKU.
var (
	ErrUnknownSKU = errors.New("unknown sku")
	// ErrBalanceNotEnough возвращается, когда баланс сабаккаунта меньше цены заказа.
	ErrBalanceNotEnough = errors.New("balance not enough")
	// ErrOrderFailed возвращается при попытке рассчитать окончательно неуспешный заказ.
	ErrOrderFailed = errors.New("order failed")
	// ErrRetryLater возвращается при сетевой ошибке леджера; состояние заказа не меняется.
	ErrRetryLater = errors.New("ledger unavailable, retry later")
)

// OrderStore описывает контракт хранилища заказов, используемый сервисом.
type OrderStore interface {
	NextOrderID(ctx context.Context) (int64, error)
	CreateOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, subAccount string) (*model.Order, error)
	UpdateOrder(ctx context.Context, order *model.Order) error
	ListOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error)
	WeekID(ctx context.Context) (int64, error)
}

// BalanceOracle описывает используемую сервисом часть шлюза леджера.
type BalanceOracle interface {
	Balance(ctx context.Context, addressHex string) (int64, error)
}

// CreditLedger описывает идемпотентное начисление наград, ключуемое сабаккаунтом.
type CreditLedger interface {
	CreditReward(ctx context.Context, subAccount, principal, skuID string, tickets int64) (bool, error)
	PlayerTickets(ctx context.Context, principal string) (int64, error)
}

// Service содержит машину состояний заказа и фоновый поллер расчёта.
type Service struct {
	store     OrderStore
	oracle    BalanceOracle
	credits   CreditLedger
	publisher events.Publisher
	metrics   *metrics.PaymentMetrics
	logger    *zap.Logger

	skus              map[string]model.SKU
	merchantPrincipal []byte
	maxRetries        int
	pollInterval      time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Options задаёт зависимости и параметры сервиса.
type Options struct {
	Store             OrderStore
	Oracle            BalanceOracle
	Credits           CreditLedger
	Publisher         events.Publisher
	Metrics           *metrics.PaymentMetrics
	Logger            *zap.Logger
	SKUs              map[string]model.SKU
	MerchantPrincipal []byte
	MaxRetries        int
	PollInterval      time.Duration
}

// NewService создаёт сервис расчёта заказов.
func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}

	return &Service{
		store:             opts.Store,
		oracle:            opts.Oracle,
		credits:           opts.Credits,
		publisher:         opts.Publisher,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		skus:              opts.SKUs,
		merchantPrincipal: opts.MerchantPrincipal,
		maxRetries:        opts.MaxRetries,
		pollInterval:      opts.PollInterval,
	}
}

// CreateOrder создаёт заказ на покупку SKU: выделяет уникальный сабаккаунт
// из монотонного счётчика и выводит адрес депозита.
func (s *Service) CreateOrder(ctx context.Context, skuID, principal string) (*model.Order, error) {
	sku, ok := s.skus[skuID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSKU, skuID)
	}

	weekID, err := s.store.WeekID(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrWeekNotInitialized) {
			return nil, fmt.Errorf("get week id: %w", err)
		}
		weekID = 0
	}

	id, err := s.store.NextOrderID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate order id: %w", err)
	}

	sub := ledger.SubAccountFromID(id)
	order := &model.Order{
		SubAccount: ledger.SubAccountKey(sub),
		Address:    ledger.AccountIdentifierHex(s.merchantPrincipal, sub),
		Principal:  principal,
		SKUID:      skuID,
		AmountE8s:  sku.PriceE8s,
		Status:     model.OrderStatusInit,
		CreatedAt:  time.Now().UTC(),
		WeekID:     weekID,
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.metrics.RecordOrderCreated(skuID)
	s.logger.Info("order created",
		zap.String("subAccount", order.SubAccount),
		zap.String("principal", principal),
		zap.String("sku", skuID),
		zap.Int64("amountE8s", order.AmountE8s),
	)

	return order, nil
}

// Settle сверяет баланс сабаккаунта с ценой заказа и завершает заказ.
// Повторный расчёт уже рассчитанного заказа — no-op без повторного начисления.
// Вызов из пользовательского подтверждения и из поллера сериализуется
// мьютексом по сабаккаунту, начисление дополнительно идемпотентно в БД.
func (s *Service) Settle(ctx context.Context, subAccount string) error {
	lock := s.lockFor(subAccount)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.store.GetOrder(ctx, subAccount)
	if err != nil {
		return err
	}

	switch order.Status {
	case model.OrderStatusSettled:
		return nil
	case model.OrderStatusFailed:
		return ErrOrderFailed
	}

	if order.Status == model.OrderStatusPending && order.RetryCount >= s.maxRetries {
		if err := s.failOrder(ctx, order); err != nil {
			return err
		}
		return ErrOrderFailed
	}

	start := time.Now()
	balance, err := s.oracle.Balance(ctx, order.Address)
	if err != nil {
		s.metrics.RecordSettleAttempt("network_error", time.Since(start).Seconds())
		if errors.Is(err, ledger.ErrNetwork) {
			return fmt.Errorf("%w: %v", ErrRetryLater, err)
		}
		return fmt.Errorf("query balance: %w", err)
	}

	if balance < order.AmountE8s {
		return s.keepPending(ctx, order, balance, start)
	}

	sku, ok := s.skus[order.SKUID]
	if !ok {
		return fmt.Errorf("%w: %s (order %s)", ErrUnknownSKU, order.SKUID, order.SubAccount)
	}

	// Начисление идёт до записи статуса: если запись статуса упадёт,
	// заказ останется pending, а следующая попытка повторит начисление
	// как no-op и довершит переход в settled.
	credited, err := s.credits.CreditReward(ctx, order.SubAccount, order.Principal, order.SKUID, sku.Tickets)
	if err != nil {
		s.metrics.RecordSettleAttempt("credit_error", time.Since(start).Seconds())
		return fmt.Errorf("credit reward: %w", err)
	}
	if !credited {
		s.logger.Warn("credit already applied, completing settlement",
			zap.String("subAccount", order.SubAccount))
	}

	order.Status = model.OrderStatusSettled
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("mark order settled: %w", err)
	}

	s.metrics.RecordSettleAttempt("settled", time.Since(start).Seconds())
	s.metrics.RecordSettled(order.AmountE8s)
	s.publishEvent(order)
	s.logger.Info("order settled",
		zap.String("subAccount", order.SubAccount),
		zap.Int64("balanceE8s", balance),
		zap.Int64("amountE8s", order.AmountE8s),
	)

	return nil
}

// PlayerTickets возвращает суммарное число билетов игрока.
// Игрок, ещё не получавший наград, имеет ноль билетов.
func (s *Service) PlayerTickets(ctx context.Context, principal string) (int64, error) {
	tickets, err := s.credits.PlayerTickets(ctx, principal)
	if err != nil {
		if errors.Is(err, repository.ErrPlayerNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get player tickets: %w", err)
	}
	return tickets, nil
}

func (s *Service) keepPending(ctx context.Context, order *model.Order, balance int64, start time.Time) error {
	order.RetryCount++
	if order.RetryCount >= s.maxRetries {
		if err := s.failOrder(ctx, order); err != nil {
			return err
		}
		return ErrBalanceNotEnough
	}

	order.Status = model.OrderStatusPending
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("mark order pending: %w", err)
	}

	s.metrics.RecordSettleAttempt("insufficient", time.Since(start).Seconds())
	s.logger.Info("order pending",
		zap.String("subAccount", order.SubAccount),
		zap.Int64("balanceE8s", balance),
		zap.Int64("amountE8s", order.AmountE8s),
		zap.Int("retryCount", order.RetryCount),
	)

	return ErrBalanceNotEnough
}

func (s *Service) failOrder(ctx context.Context, order *model.Order) error {
	order.Status = model.OrderStatusFailed
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("mark order failed: %w", err)
	}

	s.metrics.RecordSettleAttempt("failed", 0)
	s.publishEvent(order)
	s.logger.Warn("order failed after retries",
		zap.String("subAccount", order.SubAccount),
		zap.Int("retryCount", order.RetryCount),
	)

	return nil
}

func (s *Service) publishEvent(order *model.Order) {
	if s.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.publisher.PublishOrder(ctx, events.OrderEvent{
		SubAccount: order.SubAccount,
		Principal:  order.Principal,
		SKUID:      order.SKUID,
		AmountE8s:  order.AmountE8s,
		Status:     string(order.Status),
		WeekID:     order.WeekID,
		OccurredAt: time.Now().Unix(),
	})
	if err != nil {
		s.logger.Warn("publish order event", zap.Error(err),
			zap.String("subAccount", order.SubAccount))
	}
}

func (s *Service) lockFor(subAccount string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := s.locks[subAccount]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[subAccount] = lock
	}
	return lock
}

// StartSettlementPoller запускает фоновый процесс, который периодически
// пересчитывает все pending-заказы. Останавливается по отмене контекста.
func (s *Service) StartSettlementPoller(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processPendingBatch(ctx)
			}
		}
	}()
}

func (s *Service) processPendingBatch(ctx context.Context) {
	orders, err := s.store.ListOrdersByStatus(ctx, model.OrderStatusPending)
	if err != nil {
		s.logger.Error("list pending orders", zap.Error(err))
		return
	}

	s.metrics.SetPendingOrders(len(orders))

	for _, o := range orders {
		if ctx.Err() != nil {
			return
		}

		// Ошибка одного заказа не должна останавливать остальные.
		err := s.Settle(ctx, o.SubAccount)
		switch {
		case err == nil, errors.Is(err, ErrBalanceNotEnough):
		case errors.Is(err, ErrOrderFailed):
		case errors.Is(err, ErrRetryLater):
			s.logger.Warn("poller settle retry later", zap.String("subAccount", o.SubAccount), zap.Error(err))
		default:
			s.logger.Error("poller settle error", zap.String("subAccount", o.SubAccount), zap.Error(err))
		}
	}
}
