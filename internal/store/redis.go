// Package store содержит реализацию хранилища заказов в Redis.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ddcrlabs/paygate-system/internal/model"
)

const (
	ordersKey    = "pay:info"
	counterKey   = "pay:order_id"
	weekKey      = "pay:week_id"
	signKeyKey   = "pay:sign_key"
	rankKey      = "rank:week"
	sweepLockKey = "sweep:lock"
)

// ErrOrderNotFound возвращается, если заказ с указанным сабаккаунтом не существует.
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExists возвращается при попытке создать заказ с уже занятым сабаккаунтом.
	ErrOrderExists = errors.New("order already exists")
	// ErrOrderMissing возвращается при обновлении несуществующего заказа.
	// Это ошибка программирования, вызывающий код её не восстанавливает.
	ErrOrderMissing = errors.New("update of missing order")
	// ErrWeekNotInitialized возвращается, если счётчик недель ещё не записан.
	ErrWeekNotInitialized = errors.New("week id not initialized")
	// ErrSignKeyMissing возвращается при отсутствии общего ключа подписи запросов.
	ErrSignKeyMissing = errors.New("request sign key missing")
)

// Store предоставляет доступ к заказам, счётчику недель и лидерборду в Redis.
type Store struct {
	rdb *redis.Client
}

// New создаёт хранилище и проверяет соединение с Redis.
func New(ctx context.Context, addr string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Store{rdb: rdb}, nil
}

// Close закрывает соединение с Redis.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// NextOrderID выдаёт следующий идентификатор заказа из монотонного счётчика.
// Идентификаторы никогда не переиспользуются.
func (s *Store) NextOrderID(ctx context.Context) (int64, error) {
	id, err := s.rdb.Incr(ctx, counterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("incr order id: %w", err)
	}
	return id, nil
}

// CreateOrder сохраняет новый заказ. Сабаккаунт должен быть свободен.
func (s *Store) CreateOrder(ctx context.Context, order *model.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	set, err := s.rdb.HSetNX(ctx, ordersKey, order.SubAccount, data).Result()
	if err != nil {
		return fmt.Errorf("store order: %w", err)
	}
	if !set {
		return fmt.Errorf("%w: %s", ErrOrderExists, order.SubAccount)
	}
	return nil
}

// GetOrder возвращает заказ по ключу сабаккаунта.
func (s *Store) GetOrder(ctx context.Context, subAccount string) (*model.Order, error) {
	data, err := s.rdb.HGet(ctx, ordersKey, subAccount).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	var order model.Order
	if err := json.Unmarshal([]byte(data), &order); err != nil {
		return nil, fmt.Errorf("unmarshal order %s: %w", subAccount, err)
	}
	return &order, nil
}

// UpdateOrder полностью заменяет запись заказа (last-write-wins).
func (s *Store) UpdateOrder(ctx context.Context, order *model.Order) error {
	exists, err := s.rdb.HExists(ctx, ordersKey, order.SubAccount).Result()
	if err != nil {
		return fmt.Errorf("check order: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrOrderMissing, order.SubAccount)
	}

	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	if err := s.rdb.HSet(ctx, ordersKey, order.SubAccount, data).Err(); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

// ListOrdersByStatus возвращает все заказы в указанном статусе.
// Повреждённые записи пропускаются, чтобы один битый заказ не останавливал поллер.
func (s *Store) ListOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error) {
	all, err := s.rdb.HGetAll(ctx, ordersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	var res []model.Order
	for _, data := range all {
		var order model.Order
		if err := json.Unmarshal([]byte(data), &order); err != nil {
			continue
		}
		if order.Status == status {
			res = append(res, order)
		}
	}
	return res, nil
}

// WeekID возвращает текущую расчётную неделю.
func (s *Store) WeekID(ctx context.Context) (int64, error) {
	val, err := s.rdb.Get(ctx, weekKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrWeekNotInitialized
	}
	if err != nil {
		return 0, fmt.Errorf("get week id: %w", err)
	}

	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse week id %q: %w", val, err)
	}
	return id, nil
}

// SetWeekID записывает текущую расчётную неделю.
func (s *Store) SetWeekID(ctx context.Context, weekID int64) error {
	if err := s.rdb.Set(ctx, weekKey, strconv.FormatInt(weekID, 10), 0).Err(); err != nil {
		return fmt.Errorf("set week id: %w", err)
	}
	return nil
}

// SignKey возвращает общий ключ подписи HTTP-запросов.
func (s *Store) SignKey(ctx context.Context) (string, error) {
	key, err := s.rdb.Get(ctx, signKeyKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrSignKeyMissing
	}
	if err != nil {
		return "", fmt.Errorf("get sign key: %w", err)
	}
	return key, nil
}

// TopRanked возвращает principal'ы первых n участников недельного лидерборда.
// Члены сортированного множества имеют вид "<principal>_<suffix>";
// записи без суффикса пропускаются.
func (s *Store) TopRanked(ctx context.Context, n int) ([]string, error) {
	members, err := s.rdb.ZRevRange(ctx, rankKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("range leaderboard: %w", err)
	}

	res := make([]string, 0, n)
	for _, m := range members {
		idx := strings.Index(m, "_")
		if idx <= 0 {
			continue
		}
		res = append(res, m[:idx])
		if len(res) >= n {
			break
		}
	}
	return res, nil
}

// AcquireSweepLock захватывает эксклюзивную блокировку прогона свипа на неделю.
// Возвращает false, если прогон для этой недели уже идёт.
func (s *Store) AcquireSweepLock(ctx context.Context, weekID int64, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, fmt.Sprintf("%s:%d", sweepLockKey, weekID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire sweep lock: %w", err)
	}
	return ok, nil
}

// ReleaseSweepLock снимает блокировку прогона свипа.
func (s *Store) ReleaseSweepLock(ctx context.Context, weekID int64) error {
	if err := s.rdb.Del(ctx, fmt.Sprintf("%s:%d", sweepLockKey, weekID)).Err(); err != nil {
		return fmt.Errorf("release sweep lock: %w", err)
	}
	return nil
}
