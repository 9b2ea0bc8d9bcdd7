// Package events публикует события расчёта заказов во внешнюю шину.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// OrderEvent описывает изменение статуса платёжного заказа.
type OrderEvent struct {
	SubAccount string `json:"sub_account"`
	Principal  string `json:"principal"`
	SKUID      string `json:"sku_id"`
	AmountE8s  int64  `json:"amount_e8s"`
	Status     string `json:"status"`
	WeekID     int64  `json:"week_id"`
	OccurredAt int64  `json:"occurred_at"`
}

// Publisher — контракт публикации событий заказов.
type Publisher interface {
	PublishOrder(ctx context.Context, event OrderEvent) error
	Close() error
}

// KafkaPublisher публикует события заказов в Kafka.
// Ключ сообщения — principal плательщика, чтобы события одного игрока
// попадали в одну партицию по порядку.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaPublisher создаёт издатель событий для указанных брокеров и топика.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Balancer: &kafka.LeastBytes{},
		},
		topic: topic,
	}
}

// PublishOrder сериализует событие и отправляет его в топик.
func (p *KafkaPublisher) PublishOrder(ctx context.Context, event OrderEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.Principal),
		Value: value,
		Time:  time.Now(),
	})
}

// Close закрывает соединение с брокерами.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
