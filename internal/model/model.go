// Package model содержит доменные сущности платёжного сервиса.
package model

import "time"

// OrderStatus описывает статус обработки платёжного заказа.
type OrderStatus string

const (
	OrderStatusInit    OrderStatus = "init"
	OrderStatusPending OrderStatus = "pending"
	OrderStatusSettled OrderStatus = "settled"
	OrderStatusFailed  OrderStatus = "failed"
)

// Terminal сообщает, является ли статус конечным.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusSettled || s == OrderStatusFailed
}

// Order представляет одну попытку покупки, привязанную к сабаккаунту леджера.
// Сабаккаунт выводится из монотонного счётчика заказов и никогда не переиспользуется.
type Order struct {
	SubAccount string      `json:"sub_account"`
	Address    string      `json:"address"`
	Principal  string      `json:"principal"`
	SKUID      string      `json:"sku_id"`
	AmountE8s  int64       `json:"amount_e8s"`
	Status     OrderStatus `json:"status"`
	RetryCount int         `json:"retry_count"`
	CreatedAt  time.Time   `json:"created_at"`
	WeekID     int64       `json:"week_id"`
}

// SKU описывает продаваемый набор билетов с фиксированной ценой в e8s.
type SKU struct {
	PriceE8s int64 `json:"price_e8s"`
	Tickets  int64 `json:"tickets"`
}

// WinnerTransfer описывает один призовой перевод внутри прогона свипа.
type WinnerTransfer struct {
	Principal string
	AmountE8s int64
	Err       error
}

// SweepRecord — итог одного прогона казначейского свипа. Живёт только в логах.
type SweepRecord struct {
	RunID         string
	WeekID        int64
	CollectedE8s  int64
	CollectedSubs int
	FailedLegs    int
	Winners       []WinnerTransfer
	RemainderE8s  int64
	StartedAt     time.Time
}
