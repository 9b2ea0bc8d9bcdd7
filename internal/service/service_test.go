package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ddcrlabs/paygate-system/internal/ledger"
	"github.com/ddcrlabs/paygate-system/internal/model"
	"github.com/ddcrlabs/paygate-system/internal/repository"
	"github.com/ddcrlabs/paygate-system/internal/store"
)

type memStore struct {
	mu     sync.Mutex
	nextID int64
	orders map[string]model.Order
	week   int64

	weekErr   error
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]model.Order), week: 1}
}

func (m *memStore) NextOrderID(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID, nil
}

func (m *memStore) CreateOrder(ctx context.Context, order *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.SubAccount]; ok {
		return store.ErrOrderExists
	}
	m.orders[order.SubAccount] = *order
	return nil
}

func (m *memStore) GetOrder(ctx context.Context, subAccount string) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[subAccount]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	copied := o
	return &copied, nil
}

func (m *memStore) UpdateOrder(ctx context.Context, order *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.orders[order.SubAccount]; !ok {
		return store.ErrOrderMissing
	}
	m.orders[order.SubAccount] = *order
	return nil
}

func (m *memStore) ListOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.Order
	for _, o := range m.orders {
		if o.Status == status {
			res = append(res, o)
		}
	}
	return res, nil
}

func (m *memStore) WeekID(ctx context.Context) (int64, error) {
	if m.weekErr != nil {
		return 0, m.weekErr
	}
	return m.week, nil
}

func (m *memStore) status(t *testing.T, subAccount string) model.OrderStatus {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[subAccount]
	if !ok {
		t.Fatalf("order %s not found", subAccount)
	}
	return o.Status
}

func (m *memStore) retries(t *testing.T, subAccount string) int {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[subAccount].RetryCount
}

type stubOracle struct {
	mu       sync.Mutex
	balances map[string]int64
	errs     map[string]error
}

func (o *stubOracle) Balance(ctx context.Context, addressHex string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.errs[addressHex]; err != nil {
		return 0, err
	}
	return o.balances[addressHex], nil
}

func (o *stubOracle) fund(address string, e8s int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.balances == nil {
		o.balances = make(map[string]int64)
	}
	o.balances[address] = e8s
}

type countingCredits struct {
	mu          sync.Mutex
	credited    map[string]int64
	byPrincipal map[string]int64
	calls       int
	err         error
}

func (c *countingCredits) CreditReward(ctx context.Context, subAccount, principal, skuID string, tickets int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return false, c.err
	}
	if c.credited == nil {
		c.credited = make(map[string]int64)
	}
	if _, ok := c.credited[subAccount]; ok {
		return false, nil
	}
	c.credited[subAccount] = tickets
	if c.byPrincipal == nil {
		c.byPrincipal = make(map[string]int64)
	}
	c.byPrincipal[principal] += tickets
	return true, nil
}

func (c *countingCredits) PlayerTickets(ctx context.Context, principal string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byPrincipal[principal]; !ok {
		return 0, repository.ErrPlayerNotFound
	}
	return c.byPrincipal[principal], nil
}

func (c *countingCredits) total(subAccount string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credited[subAccount]
}

var testSKUs = map[string]model.SKU{
	"2": {PriceE8s: 500000000, Tickets: 60},
}

func newTestService(st *memStore, oracle *stubOracle, credits *countingCredits) *Service {
	return NewService(Options{
		Store:             st,
		Oracle:            oracle,
		Credits:           credits,
		SKUs:              testSKUs,
		MerchantPrincipal: []byte{1, 2, 3, 4, 2},
		MaxRetries:        3,
		PollInterval:      time.Second,
	})
}

func TestCreateOrder_UnknownSKU(t *testing.T) {
	svc := newTestService(newMemStore(), &stubOracle{}, &countingCredits{})

	_, err := svc.CreateOrder(context.Background(), "99", "abc")
	if !errors.Is(err, ErrUnknownSKU) {
		t.Fatalf("err = %v, want ErrUnknownSKU", err)
	}
}

func TestCreateOrder_DerivesAddressAndSubAccount(t *testing.T) {
	st := newMemStore()
	svc := newTestService(st, &stubOracle{}, &countingCredits{})

	order, err := svc.CreateOrder(context.Background(), "2", "abc")
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	sub, err := ledger.ParseSubAccountKey(order.SubAccount)
	if err != nil {
		t.Fatalf("sub-account key invalid: %v", err)
	}
	if _, err := ledger.ParseAccountIdentifier(order.Address); err != nil {
		t.Fatalf("address invalid: %v", err)
	}
	if got := ledger.AccountIdentifierHex([]byte{1, 2, 3, 4, 2}, sub); got != order.Address {
		t.Fatalf("address not reproducible from sub-account: %s vs %s", got, order.Address)
	}

	if order.Status != model.OrderStatusInit {
		t.Fatalf("status = %s, want init", order.Status)
	}
	if order.AmountE8s != 500000000 {
		t.Fatalf("amount = %d, want 500000000", order.AmountE8s)
	}
	if order.WeekID != 1 {
		t.Fatalf("weekID = %d, want 1", order.WeekID)
	}

	// Следующий заказ получает другой сабаккаунт: идентификаторы не переиспользуются.
	second, err := svc.CreateOrder(context.Background(), "2", "abc")
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if second.SubAccount == order.SubAccount {
		t.Fatalf("sub-accounts must be unique")
	}
}

func TestSettle_InsufficientBalanceKeepsPending(t *testing.T) {
	st := newMemStore()
	oracle := &stubOracle{}
	credits := &countingCredits{}
	svc := newTestService(st, oracle, credits)

	order, _ := svc.CreateOrder(context.Background(), "2", "abc")

	err := svc.Settle(context.Background(), order.SubAccount)
	if !errors.Is(err, ErrBalanceNotEnough) {
		t.Fatalf("err = %v, want ErrBalanceNotEnough", err)
	}
	if got := st.status(t, order.SubAccount); got != model.OrderStatusPending {
		t.Fatalf("status = %s, want pending", got)
	}
	if got := st.retries(t, order.SubAccount); got != 1 {
		t.Fatalf("retryCount = %d, want 1", got)
	}
	if credits.calls != 0 {
		t.Fatalf("no credit expected, got %d calls", credits.calls)
	}
}

func TestSettle_FundedOrderSettledExactlyOnce(t *testing.T) {
	st := newMemStore()
	oracle := &stubOracle{}
	credits := &countingCredits{}
	svc := newTestService(st, oracle, credits)

	order, _ := svc.CreateOrder(context.Background(), "2", "abc")

	// Сначала неоплаченный confirm, затем пополнение ровно на цену.
	if err := svc.Settle(context.Background(), order.SubAccount); !errors.Is(err, ErrBalanceNotEnough) {
		t.Fatalf("err = %v, want ErrBalanceNotEnough", err)
	}
	oracle.fund(order.Address, 500000000)

	if err := svc.Settle(context.Background(), order.SubAccount); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if got := st.status(t, order.SubAccount); got != model.OrderStatusSettled {
		t.Fatalf("status = %s, want settled", got)
	}
	if got := credits.total(order.SubAccount); got != 60 {
		t.Fatalf("credited tickets = %d, want 60", got)
	}

	// Повторный расчёт — идемпотентный no-op: ни кредита, ни перевода.
	callsBefore := credits.calls
	if err := svc.Settle(context.Background(), order.SubAccount); err != nil {
		t.Fatalf("repeat Settle: %v", err)
	}
	if credits.calls != callsBefore {
		t.Fatalf("settled order must not be re-credited")
	}
	if got := credits.total(order.SubAccount); got != 60 {
		t.Fatalf("credited tickets = %d after repeat, want 60", got)
	}
}

func TestSettle_FailsAfterMaxRetries(t *testing.T) {
	st := newMemStore()
	oracle := &stubOracle{}
	credits := &countingCredits{}
	svc := newTestService(st, oracle, credits)

	order, _ := svc.CreateOrder(context.Background(), "2", "abc")

	for i := 0; i < 2; i++ {
		if err := svc.Settle(context.Background(), order.SubAccount); !errors.Is(err, ErrBalanceNotEnough) {
			t.Fatalf("attempt %d: err = %v, want ErrBalanceNotEnough", i+1, err)
		}
	}

	// Третья попытка исчерпывает лимит и окончательно закрывает заказ.
	if err := svc.Settle(context.Background(), order.SubAccount); !errors.Is(err, ErrBalanceNotEnough) {
		t.Fatalf("err = %v, want ErrBalanceNotEnough", err)
	}
	if got := st.status(t, order.SubAccount); got != model.OrderStatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}

	// Оплата после провала не принимается: failed — терминальный статус.
	oracle.fund(order.Address, 500000000)
	if err := svc.Settle(context.Background(), order.SubAccount); !errors.Is(err, ErrOrderFailed) {
		t.Fatalf("err = %v, want ErrOrderFailed", err)
	}
	if credits.calls != 0 {
		t.Fatalf("failed order must never be credited")
	}
}

func TestSettle_NetworkErrorLeavesStateUntouched(t *testing.T) {
	st := newMemStore()
	oracle := &stubOracle{}
	credits := &countingCredits{}
	svc := newTestService(st, oracle, credits)

	order, _ := svc.CreateOrder(context.Background(), "2", "abc")
	oracle.mu.Lock()
	oracle.errs = map[string]error{order.Address: ledger.ErrNetwork}
	oracle.mu.Unlock()

	err := svc.Settle(context.Background(), order.SubAccount)
	if !errors.Is(err, ErrRetryLater) {
		t.Fatalf("err = %v, want ErrRetryLater", err)
	}
	if got := st.status(t, order.SubAccount); got != model.OrderStatusInit {
		t.Fatalf("status = %s, want init (untouched)", got)
	}
	if got := st.retries(t, order.SubAccount); got != 0 {
		t.Fatalf("retryCount = %d, want 0 (untouched)", got)
	}
}

func TestSettle_ConcurrentConfirmAndPollerCreditOnce(t *testing.T) {
	st := newMemStore()
	oracle := &stubOracle{}
	credits := &countingCredits{}
	svc := newTestService(st, oracle, credits)

	order, _ := svc.CreateOrder(context.Background(), "2", "abc")
	oracle.fund(order.Address, 500000000)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Settle(context.Background(), order.SubAccount); err != nil {
				t.Errorf("concurrent Settle: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := credits.total(order.SubAccount); got != 60 {
		t.Fatalf("credited tickets = %d, want exactly 60", got)
	}
	if got := st.status(t, order.SubAccount); got != model.OrderStatusSettled {
		t.Fatalf("status = %s, want settled", got)
	}
}

func TestSettle_RecoversAfterCreditWithoutStatusWrite(t *testing.T) {
	st := newMemStore()
	oracle := &stubOracle{}
	credits := &countingCredits{}
	svc := newTestService(st, oracle, credits)

	order, _ := svc.CreateOrder(context.Background(), "2", "abc")
	oracle.fund(order.Address, 500000000)

	// Имитация падения между начислением и записью статуса.
	credits.CreditReward(context.Background(), order.SubAccount, "abc", "2", 60)

	if err := svc.Settle(context.Background(), order.SubAccount); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if got := st.status(t, order.SubAccount); got != model.OrderStatusSettled {
		t.Fatalf("status = %s, want settled", got)
	}
	if got := credits.total(order.SubAccount); got != 60 {
		t.Fatalf("credited tickets = %d, want 60 (no double credit)", got)
	}
}

func TestPlayerTickets_AccumulatesAcrossOrders(t *testing.T) {
	st := newMemStore()
	oracle := &stubOracle{}
	credits := &countingCredits{}
	svc := newTestService(st, oracle, credits)

	first, _ := svc.CreateOrder(context.Background(), "2", "abc")
	second, _ := svc.CreateOrder(context.Background(), "2", "abc")
	oracle.fund(first.Address, 500000000)
	oracle.fund(second.Address, 500000000)

	if err := svc.Settle(context.Background(), first.SubAccount); err != nil {
		t.Fatalf("Settle first: %v", err)
	}
	if err := svc.Settle(context.Background(), second.SubAccount); err != nil {
		t.Fatalf("Settle second: %v", err)
	}

	tickets, err := svc.PlayerTickets(context.Background(), "abc")
	if err != nil {
		t.Fatalf("PlayerTickets: %v", err)
	}
	if tickets != 120 {
		t.Fatalf("tickets = %d, want 120", tickets)
	}
}

func TestPlayerTickets_UnknownPlayerIsZero(t *testing.T) {
	svc := newTestService(newMemStore(), &stubOracle{}, &countingCredits{})

	tickets, err := svc.PlayerTickets(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("PlayerTickets: %v", err)
	}
	if tickets != 0 {
		t.Fatalf("tickets = %d, want 0", tickets)
	}
}

func TestProcessPendingBatch_IsolatesFailures(t *testing.T) {
	st := newMemStore()
	oracle := &stubOracle{}
	credits := &countingCredits{}
	svc := newTestService(st, oracle, credits)

	broken, _ := svc.CreateOrder(context.Background(), "2", "abc")
	healthy, _ := svc.CreateOrder(context.Background(), "2", "def")

	// Обе записи переводим в pending первым неуспешным расчётом.
	svc.Settle(context.Background(), broken.SubAccount)
	svc.Settle(context.Background(), healthy.SubAccount)

	oracle.mu.Lock()
	oracle.errs = map[string]error{broken.Address: ledger.ErrNetwork}
	oracle.mu.Unlock()
	oracle.fund(healthy.Address, 500000000)

	svc.processPendingBatch(context.Background())

	if got := st.status(t, healthy.SubAccount); got != model.OrderStatusSettled {
		t.Fatalf("healthy order status = %s, want settled", got)
	}
	if got := st.status(t, broken.SubAccount); got != model.OrderStatusPending {
		t.Fatalf("broken order status = %s, want pending", got)
	}
}
