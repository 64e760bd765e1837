package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fekuna/omnipos-inventory-service/internal/inventory"
	"github.com/fekuna/omnipos-inventory-service/internal/inventory/dto"
	"github.com/fekuna/omnipos-inventory-service/internal/inventory/publisher"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/fekuna/omnipos-inventory-service/pkg/i18n"
	"github.com/fekuna/omnipos-inventory-service/pkg/logger"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderCancelled = "OrderCancelled"
	EventOrderExpired   = "OrderExpired"
	EventOrderConfirmed = "OrderConfirmed"
	EventStockReceived  = "StockReceived"
	EventStockReturned  = "StockReturned"
	EventStockDamaged   = "StockDamaged"

	systemUser     = "system"
	dedupeKeyScope = "inventory:event:"
)

// Consumer hands out messages whose offsets are committed only once handled.
type Consumer interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Deduper remembers processed event ids. Satisfied by cache.RedisClient.
type Deduper interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

type Publisher interface {
	Publish(ctx context.Context, eventType, key string, payload any) error
}

type Config struct {
	DedupeTTL      time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	// RedeliveryDelay is the pause before a message that failed transiently is
	// handled again.
	RedeliveryDelay time.Duration
	// DefaultLanguage is used for rejection messages when the order carries none.
	DefaultLanguage string
}

type InventoryListener struct {
	consumer  Consumer
	uc        inventory.UseCase
	deduper   Deduper
	publisher Publisher
	logger    logger.ZapLogger
	cfg       Config
}

// NewInventoryListener builds the order event listener. deduper and publisher
// may be nil.
func NewInventoryListener(consumer Consumer, uc inventory.UseCase, deduper Deduper, pub Publisher, log logger.ZapLogger, cfg Config) *InventoryListener {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = time.Second
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 24 * time.Hour
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	return &InventoryListener{
		consumer:  consumer,
		uc:        uc,
		deduper:   deduper,
		publisher: pub,
		logger:    log,
		cfg:       cfg,
	}
}

func (l *InventoryListener) Start(ctx context.Context) {
	l.logger.Info("Starting Inventory Kafka Listener")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Stopping Inventory Kafka Listener")
			return
		default:
			msg, err := l.consumer.FetchMessage(ctx)
			if err != nil {
				// Don't log context canceled error as error
				if ctx.Err() != nil {
					return
				}
				l.logger.Error("Failed to read kafka message", zap.Error(err))
				time.Sleep(1 * time.Second)
				continue
			}
			l.handle(ctx, msg)
		}
	}
}

// handle processes msg until it settles and then commits its offset. A
// transient failure leaves the offset uncommitted, so the message is handled
// again here or, after a shutdown, redelivered by the broker.
func (l *InventoryListener) handle(ctx context.Context, msg kafka.Message) {
	for !l.processMessage(ctx, msg.Value) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.cfg.RedeliveryDelay):
		}
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.consumer.CommitMessages(commitCtx, msg); err != nil {
		l.logger.Error("Failed to commit kafka offset",
			zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
	}
}

type Event struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type OrderPayload struct {
	ID         string             `json:"id"`
	MerchantID string             `json:"merchant_id"`
	StoreID    string             `json:"store_id"`
	Language   string             `json:"language,omitempty"`
	Items      []OrderItemPayload `json:"items"`
}

type OrderItemPayload struct {
	ProductID string  `json:"product_id"`
	VariantID *string `json:"variant_id"`
	Quantity  int64   `json:"quantity"`
}

type StockPayload struct {
	ProductID   string `json:"product_id"`
	VariantID   string `json:"variant_id"`
	LocationID  string `json:"location_id"`
	Quantity    int64  `json:"quantity"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id"`
	UserID      string `json:"user_id"`
}

type ReservationRejectedPayload struct {
	OrderID    string                `json:"order_id"`
	StoreID    string                `json:"store_id"`
	Reason     string                `json:"reason"`
	Message    string                `json:"message"`
	Lines      []string              `json:"lines,omitempty"`
	Shortfalls []inventory.Shortfall `json:"shortfalls,omitempty"`
}

// processMessage reports whether the event is settled: applied, rejected,
// skipped or undecodable. False means a transient failure worth another try.
func (l *InventoryListener) processMessage(ctx context.Context, value []byte) bool {
	var event Event
	if err := json.Unmarshal(value, &event); err != nil {
		l.logger.Error("Failed to unmarshal event", zap.Error(err))
		return true
	}

	handle := l.handlerFor(event.EventType)
	if handle == nil {
		return true
	}

	log := l.logger.With(zap.String("event_id", event.EventID), zap.String("event_type", event.EventType))

	if !l.claim(ctx, log, event.EventID) {
		log.Debug("Skipping already processed event")
		return true
	}

	err := l.withRetry(ctx, log, func() error { return handle(ctx, event.Payload) })
	if err == nil {
		log.Info("Processed inventory event")
		return true
	}

	if isFinal(err) {
		log.Info("Inventory event rejected", zap.Error(err))
		if event.EventType == EventOrderCreated {
			l.reject(ctx, log, event.Payload, err)
		}
		return true
	}

	log.Error("Failed to process inventory event", zap.Error(err))
	l.unclaim(ctx, log, event.EventID)
	return false
}

func (l *InventoryListener) handlerFor(eventType string) func(ctx context.Context, payload json.RawMessage) error {
	switch eventType {
	case EventOrderCreated:
		return l.reserve
	case EventOrderCancelled, EventOrderExpired:
		return l.release
	case EventOrderConfirmed:
		return l.commit
	case EventStockReceived:
		return l.adjust(model.MovementReceive, 1)
	case EventStockReturned:
		return l.adjust(model.MovementReturn, 1)
	case EventStockDamaged:
		return l.adjust(model.MovementDamage, -1)
	}
	return nil
}

func (l *InventoryListener) reserve(ctx context.Context, raw json.RawMessage) error {
	order, err := decodeOrder(raw)
	if err != nil {
		return err
	}
	return l.uc.ReserveStock(ctx, &dto.ReserveInput{
		Lines:       orderLines(order),
		ReferenceID: order.ID,
		UserID:      systemUser,
		Reason:      "order placed",
	})
}

func (l *InventoryListener) release(ctx context.Context, raw json.RawMessage) error {
	order, err := decodeOrder(raw)
	if err != nil {
		return err
	}
	return l.uc.ReleaseStock(ctx, &dto.ReleaseInput{
		Lines:       orderLines(order),
		ReferenceID: order.ID,
		UserID:      systemUser,
		Reason:      "order released",
	})
}

func (l *InventoryListener) commit(ctx context.Context, raw json.RawMessage) error {
	order, err := decodeOrder(raw)
	if err != nil {
		return err
	}
	return l.uc.CommitReservation(ctx, &dto.ReleaseInput{
		Lines:       orderLines(order),
		ReferenceID: order.ID,
		UserID:      systemUser,
		Reason:      "order sale",
	})
}

// adjust builds a handler for stock events; sign turns the positive quantity in
// the payload into the delta.
func (l *InventoryListener) adjust(typ model.MovementType, sign int64) func(ctx context.Context, raw json.RawMessage) error {
	return func(ctx context.Context, raw json.RawMessage) error {
		var p StockPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %v", inventory.ErrInvalidInput, err)
		}
		if p.Quantity <= 0 {
			return fmt.Errorf("%w: stock event quantity must be positive", inventory.ErrInvalidInput)
		}
		userID := p.UserID
		if userID == "" {
			userID = systemUser
		}
		_, err := l.uc.AdjustInventory(ctx, &dto.AdjustInventoryInput{
			ProductID:    p.ProductID,
			VariantID:    p.VariantID,
			LocationID:   p.LocationID,
			Delta:        sign * p.Quantity,
			MovementType: typ,
			Reason:       p.Reason,
			ReferenceID:  p.ReferenceID,
			UserID:       userID,
		})
		return err
	}
}

// withRetry retries lock timeouts with exponential backoff and jitter. Every
// other error ends the attempt.
func (l *InventoryListener) withRetry(ctx context.Context, log logger.ZapLogger, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryBaseDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil || !inventory.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		log.Warn("Inventory row busy, retrying", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.cfg.RetryAttempts-1)), ctx))
}

// claim marks eventID as being processed. Without a deduper, or when Redis is
// unreachable, every delivery is processed.
func (l *InventoryListener) claim(ctx context.Context, log logger.ZapLogger, eventID string) bool {
	if l.deduper == nil || eventID == "" {
		return true
	}
	ok, err := l.deduper.SetNX(ctx, dedupeKeyScope+eventID, "1", l.cfg.DedupeTTL)
	if err != nil {
		log.Warn("Event dedupe unavailable, processing anyway", zap.Error(err))
		return true
	}
	return ok
}

func (l *InventoryListener) unclaim(ctx context.Context, log logger.ZapLogger, eventID string) {
	if l.deduper == nil || eventID == "" {
		return
	}
	if err := l.deduper.Delete(context.WithoutCancel(ctx), dedupeKeyScope+eventID); err != nil {
		log.Warn("Failed to drop dedupe key", zap.Error(err))
	}
}

func (l *InventoryListener) reject(ctx context.Context, log logger.ZapLogger, raw json.RawMessage, cause error) {
	if l.publisher == nil {
		return
	}
	order, err := decodeOrder(raw)
	if err != nil {
		return
	}
	lang := order.Language
	if lang == "" {
		lang = l.cfg.DefaultLanguage
	}

	payload := ReservationRejectedPayload{OrderID: order.ID, StoreID: order.StoreID}
	var ise *inventory.InsufficientStockError
	switch {
	case errors.As(cause, &ise):
		payload.Reason = "insufficient_stock"
		payload.Message = i18n.T(lang, "inventory.insufficient_stock", nil)
		payload.Shortfalls = ise.Shortfalls
		for _, s := range ise.Shortfalls {
			payload.Lines = append(payload.Lines, i18n.T(lang, "inventory.insufficient_stock_line", map[string]any{
				"ProductID": s.ProductID,
				"Available": s.Available,
				"Requested": s.Requested,
			}))
		}
	case errors.Is(cause, inventory.ErrNotFound):
		payload.Reason = "not_found"
		payload.Message = i18n.T(lang, "inventory.not_found", nil)
	default:
		payload.Reason = "invalid"
		payload.Message = cause.Error()
	}

	if err := l.publisher.Publish(ctx, publisher.EventReservationRejected, order.ID, payload); err != nil {
		log.Warn("Failed to publish reservation rejection", zap.String("order_id", order.ID), zap.Error(err))
	}
}

// isFinal reports whether redelivering the event would fail the same way.
func isFinal(err error) bool {
	return errors.Is(err, inventory.ErrInsufficientStock) ||
		errors.Is(err, inventory.ErrNotFound) ||
		errors.Is(err, inventory.ErrInvalidInput) ||
		errors.Is(err, inventory.ErrReservationUnderflow)
}

func decodeOrder(raw json.RawMessage) (*OrderPayload, error) {
	var order OrderPayload
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("%w: %v", inventory.ErrInvalidInput, err)
	}
	return &order, nil
}

// orderLines maps order items onto rows at the order's store.
func orderLines(order *OrderPayload) []dto.ReservationLine {
	lines := make([]dto.ReservationLine, 0, len(order.Items))
	for _, item := range order.Items {
		var variantID string
		if item.VariantID != nil {
			variantID = *item.VariantID
		}
		lines = append(lines, dto.ReservationLine{
			ProductID:  item.ProductID,
			VariantID:  variantID,
			LocationID: order.StoreID,
			Quantity:   item.Quantity,
		})
	}
	return lines
}
