package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fekuna/omnipos-inventory-service/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EventLowStock            = "InventoryLowStock"
	EventRestocked           = "InventoryRestocked"
	EventReservationRejected = "ReservationRejected"
)

// Event is the envelope written to the inventory events topic. It mirrors the
// envelope of the order events the listener consumes.
type Event struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type LowStockPayload struct {
	ProductID       string `json:"product_id"`
	CurrentQuantity int64  `json:"current_quantity"`
	Threshold       int64  `json:"threshold"`
}

type RestockedPayload struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
}

// Producer is satisfied by broker.KafkaProducer.
type Producer interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// KafkaPublisher publishes threshold events and reservation outcomes.
type KafkaPublisher struct {
	producer Producer
	logger   logger.ZapLogger
}

func NewKafkaPublisher(producer Producer, log logger.ZapLogger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, logger: log}
}

func (p *KafkaPublisher) PublishLowStock(ctx context.Context, productID string, currentQty, threshold int64) error {
	return p.Publish(ctx, EventLowStock, productID, LowStockPayload{
		ProductID:       productID,
		CurrentQuantity: currentQty,
		Threshold:       threshold,
	})
}

func (p *KafkaPublisher) PublishRestocked(ctx context.Context, productID, variantID string) error {
	return p.Publish(ctx, EventRestocked, productID, RestockedPayload{
		ProductID: productID,
		VariantID: variantID,
	})
}

// Publish wraps payload in an Event and writes it keyed by key.
func (p *KafkaPublisher) Publish(ctx context.Context, eventType, key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	value, err := json.Marshal(Event{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	if err := p.producer.Publish(ctx, key, value); err != nil {
		return err
	}
	p.logger.Debug("inventory event published", zap.String("event_type", eventType), zap.String("key", key))
	return nil
}

// LogPublisher only logs. Used when Kafka is disabled.
type LogPublisher struct {
	logger logger.ZapLogger
}

func NewLogPublisher(log logger.ZapLogger) *LogPublisher {
	return &LogPublisher{logger: log}
}

func (p *LogPublisher) PublishLowStock(ctx context.Context, productID string, currentQty, threshold int64) error {
	p.logger.Warn("low stock",
		zap.String("product_id", productID),
		zap.Int64("current_quantity", currentQty),
		zap.Int64("threshold", threshold),
	)
	return nil
}

func (p *LogPublisher) PublishRestocked(ctx context.Context, productID, variantID string) error {
	p.logger.Info("restocked", zap.String("product_id", productID), zap.String("variant_id", variantID))
	return nil
}

func (p *LogPublisher) Publish(ctx context.Context, eventType, key string, payload any) error {
	p.logger.Info("inventory event", zap.String("event_type", eventType), zap.String("key", key), zap.Any("payload", payload))
	return nil
}
