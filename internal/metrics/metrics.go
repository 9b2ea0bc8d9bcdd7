// Package metrics содержит prometheus-метрики платёжного сервиса.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PaymentMetrics содержит метрики создания и расчёта заказов и прогонов свипа.
type PaymentMetrics struct {
	OrdersCreatedTotal  *prometheus.CounterVec
	SettleAttemptsTotal *prometheus.CounterVec
	SettledAmountTotal  prometheus.Counter
	PendingOrders       prometheus.Gauge
	SettleDuration      prometheus.Histogram
	SweepTransfersTotal *prometheus.CounterVec
	SweepAmountTotal    *prometheus.CounterVec
}

// New создает новый экземпляр метрик и регистрирует их в реестре по умолчанию.
func New() *PaymentMetrics {
	return &PaymentMetrics{
		OrdersCreatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pay_orders_created_total",
				Help: "Общее количество созданных заказов",
			},
			[]string{"sku_id"},
		),

		SettleAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pay_settle_attempts_total",
				Help: "Попытки расчёта заказов по результату",
			},
			[]string{"result"},
		),

		SettledAmountTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pay_settled_amount_e8s_total",
				Help: "Суммарный объём рассчитанных заказов в e8s",
			},
		),

		PendingOrders: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pay_pending_orders",
				Help: "Текущее количество заказов в статусе pending",
			},
		),

		SettleDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pay_settle_duration_seconds",
				Help:    "Длительность одной попытки расчёта",
				Buckets: prometheus.DefBuckets,
			},
		),

		SweepTransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pay_sweep_transfers_total",
				Help: "Переводы внутри прогона свипа по виду и результату",
			},
			[]string{"kind", "result"},
		),

		SweepAmountTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pay_sweep_amount_e8s_total",
				Help: "Суммы переводов свипа в e8s по виду",
			},
			[]string{"kind"},
		),
	}
}

// RecordOrderCreated - вызывается при создании заказа.
func (m *PaymentMetrics) RecordOrderCreated(skuID string) {
	if m == nil {
		return
	}
	m.OrdersCreatedTotal.WithLabelValues(skuID).Inc()
}

// RecordSettleAttempt - вызывается после каждой попытки расчёта.
func (m *PaymentMetrics) RecordSettleAttempt(result string, seconds float64) {
	if m == nil {
		return
	}
	m.SettleAttemptsTotal.WithLabelValues(result).Inc()
	m.SettleDuration.Observe(seconds)
}

// RecordSettled - вызывается при успешном расчёте заказа.
func (m *PaymentMetrics) RecordSettled(amountE8s int64) {
	if m == nil {
		return
	}
	m.SettledAmountTotal.Add(float64(amountE8s))
}

// SetPendingOrders - выставляет текущее количество pending-заказов.
func (m *PaymentMetrics) SetPendingOrders(n int) {
	if m == nil {
		return
	}
	m.PendingOrders.Set(float64(n))
}

// RecordSweepTransfer - вызывается после каждого перевода внутри свипа.
func (m *PaymentMetrics) RecordSweepTransfer(kind, result string, amountE8s int64) {
	if m == nil {
		return
	}
	m.SweepTransfersTotal.WithLabelValues(kind, result).Inc()
	if result == "ok" {
		m.SweepAmountTotal.WithLabelValues(kind).Add(float64(amountE8s))
	}
}
