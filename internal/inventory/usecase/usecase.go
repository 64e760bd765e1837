package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/inventory"
	"github.com/fekuna/omnipos-inventory-service/internal/inventory/dto"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/fekuna/omnipos-inventory-service/pkg/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/fekuna/omnipos-inventory-service/internal/inventory"

type Config struct {
	CacheTTL       time.Duration
	PublishTimeout time.Duration
}

type InventoryUseCase struct {
	repo      inventory.Repository
	cache     inventory.Cache
	publisher inventory.EventPublisher
	logger    logger.ZapLogger
	tracer    trace.Tracer
	cfg       Config

	// in-flight threshold publishes
	wg sync.WaitGroup
	// bumped before every cache invalidation
	cacheGen atomic.Uint64
}

var _ inventory.UseCase = (*InventoryUseCase)(nil)

// NewInventoryUseCase wires the engine. cache and publisher may be nil.
func NewInventoryUseCase(repo inventory.Repository, cache inventory.Cache, publisher inventory.EventPublisher, log logger.ZapLogger, cfg Config) *InventoryUseCase {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &InventoryUseCase{
		repo:      repo,
		cache:     cache,
		publisher: publisher,
		logger:    log,
		tracer:    otel.Tracer(tracerName),
		cfg:       cfg,
	}
}

// Close waits for threshold events that are still being published.
func (uc *InventoryUseCase) Close() {
	uc.wg.Wait()
}

func (uc *InventoryUseCase) GetInventory(ctx context.Context, key model.ItemKey) (*model.InventoryItem, error) {
	if uc.cache != nil {
		var cached model.InventoryItem
		found, err := uc.cache.GetJSON(ctx, cacheKey(key), &cached)
		if err != nil {
			uc.logger.Warn("inventory cache read failed", zap.String("product_id", key.ProductID), zap.Error(err))
		} else if found {
			return &cached, nil
		}
	}

	gen := uc.cacheGen.Load()
	item, err := uc.repo.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	if uc.cache != nil {
		if err := uc.cache.SetJSON(ctx, cacheKey(key), item, uc.cfg.CacheTTL); err != nil {
			uc.logger.Warn("inventory cache write failed", zap.String("product_id", key.ProductID), zap.Error(err))
		}
		// An invalidation since the read means the cached row may predate a
		// committed write. Other instances are only bounded by CacheTTL.
		if uc.cacheGen.Load() != gen {
			uc.invalidate(ctx, key)
		}
	}
	return item, nil
}

func (uc *InventoryUseCase) ListLowStock(ctx context.Context, filters *dto.InventoryFilters) ([]model.InventoryItem, int, error) {
	f := *filters
	f.LowStock = true
	return uc.repo.FindAll(ctx, &f)
}

func (uc *InventoryUseCase) ListMovements(ctx context.Context, filters *dto.MovementFilters) ([]model.StockMovement, int, error) {
	return uc.repo.ListMovements(ctx, filters)
}

func (uc *InventoryUseCase) AdjustInventory(ctx context.Context, input *dto.AdjustInventoryInput) (*model.InventoryItem, error) {
	ctx, span := uc.tracer.Start(ctx, "inventory.AdjustInventory", trace.WithAttributes(
		attribute.String("inventory.product_id", input.ProductID),
		attribute.String("inventory.location_id", input.LocationID),
		attribute.Int64("inventory.delta", input.Delta),
		attribute.String("inventory.movement_type", string(input.MovementType)),
	))
	defer span.End()

	if err := validateAdjust(input); err != nil {
		return nil, uc.fail(span, "adjust", err)
	}

	var (
		updated *model.InventoryItem
		prevQty int64
	)
	err := uc.repo.WithinTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		item, err := tx.LockItem(ctx, input.Key())
		if err != nil {
			return err
		}

		prevQty = item.QuantityOnHand
		if input.Delta > 0 && prevQty > math.MaxInt64-input.Delta {
			return fmt.Errorf("%w: receiving %d would overflow on-hand %d", inventory.ErrInvalidInput, input.Delta, prevQty)
		}
		newQty := prevQty + input.Delta
		// Reserved units are spoken for; on-hand may not drop below them.
		if newQty < item.QuantityReserved {
			return &inventory.InsufficientStockError{Shortfalls: []inventory.Shortfall{
				shortfall(input.Key(), -input.Delta, item.Available()),
			}}
		}

		item.QuantityOnHand = newQty
		item.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateQuantities(ctx, item); err != nil {
			return err
		}

		m := newMovement(item, input.MovementType, input.Delta, prevQty, newQty, input.Reason, input.ReferenceID, input.UserID)
		if err := tx.AppendMovement(ctx, m); err != nil {
			return err
		}

		updated = item
		return nil
	})
	if err != nil {
		return nil, uc.fail(span, "adjust", err)
	}

	uc.invalidate(ctx, updated.Key())
	uc.notifyThresholds(*updated, prevQty)

	uc.logger.Debug("inventory adjusted",
		zap.String("product_id", updated.ProductID),
		zap.String("location_id", updated.LocationID),
		zap.Int64("previous_quantity", prevQty),
		zap.Int64("new_quantity", updated.QuantityOnHand),
	)
	return updated, nil
}

func (uc *InventoryUseCase) ReserveStock(ctx context.Context, input *dto.ReserveInput) error {
	ctx, span := uc.tracer.Start(ctx, "inventory.ReserveStock", trace.WithAttributes(
		attribute.String("inventory.reference_id", input.ReferenceID),
		attribute.Int("inventory.lines", len(input.Lines)),
	))
	defer span.End()

	lines, err := canonicalLines(input.Lines)
	if err != nil {
		return uc.fail(span, "reserve", err)
	}

	var keys []model.ItemKey
	err = uc.repo.WithinTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		items, err := lockAll(ctx, tx, lines)
		if err != nil {
			return err
		}

		var shortfalls []inventory.Shortfall
		for i, line := range lines {
			if items[i].Available() < line.Quantity {
				shortfalls = append(shortfalls, shortfall(line.Key(), line.Quantity, items[i].Available()))
			}
		}
		if len(shortfalls) > 0 {
			return &inventory.InsufficientStockError{Shortfalls: shortfalls}
		}

		now := time.Now().UTC()
		for i, line := range lines {
			item := items[i]
			prev := item.QuantityReserved
			item.QuantityReserved += line.Quantity
			item.UpdatedAt = now
			if err := tx.UpdateQuantities(ctx, item); err != nil {
				return err
			}
			m := newMovement(item, model.MovementReserve, line.Quantity, prev, item.QuantityReserved, input.Reason, input.ReferenceID, input.UserID)
			if err := tx.AppendMovement(ctx, m); err != nil {
				return err
			}
			keys = append(keys, item.Key())
		}
		return nil
	})
	if err != nil {
		return uc.fail(span, "reserve", err)
	}

	uc.invalidate(ctx, keys...)
	return nil
}

func (uc *InventoryUseCase) ReleaseStock(ctx context.Context, input *dto.ReleaseInput) error {
	ctx, span := uc.tracer.Start(ctx, "inventory.ReleaseStock", trace.WithAttributes(
		attribute.String("inventory.reference_id", input.ReferenceID),
		attribute.Int("inventory.lines", len(input.Lines)),
	))
	defer span.End()

	lines, err := canonicalLines(input.Lines)
	if err != nil {
		return uc.fail(span, "release", err)
	}

	var keys []model.ItemKey
	err = uc.repo.WithinTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		items, err := lockAll(ctx, tx, lines)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for i, line := range lines {
			item := items[i]
			if item.QuantityReserved < line.Quantity {
				return underflow(line, item)
			}
			prev := item.QuantityReserved
			item.QuantityReserved -= line.Quantity
			item.UpdatedAt = now
			if err := tx.UpdateQuantities(ctx, item); err != nil {
				return err
			}
			m := newMovement(item, model.MovementRelease, -line.Quantity, prev, item.QuantityReserved, input.Reason, input.ReferenceID, input.UserID)
			if err := tx.AppendMovement(ctx, m); err != nil {
				return err
			}
			keys = append(keys, item.Key())
		}
		return nil
	})
	if err != nil {
		return uc.fail(span, "release", err)
	}

	uc.invalidate(ctx, keys...)
	return nil
}

// CommitReservation turns reserved units into a sale: reserved and on-hand both
// drop by the line quantity, so reserved can never exceed on-hand.
func (uc *InventoryUseCase) CommitReservation(ctx context.Context, input *dto.ReleaseInput) error {
	ctx, span := uc.tracer.Start(ctx, "inventory.CommitReservation", trace.WithAttributes(
		attribute.String("inventory.reference_id", input.ReferenceID),
		attribute.Int("inventory.lines", len(input.Lines)),
	))
	defer span.End()

	lines, err := canonicalLines(input.Lines)
	if err != nil {
		return uc.fail(span, "commit", err)
	}

	type committed struct {
		item    model.InventoryItem
		prevQty int64
	}
	var done []committed

	err = uc.repo.WithinTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		items, err := lockAll(ctx, tx, lines)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for i, line := range lines {
			item := items[i]
			if item.QuantityReserved < line.Quantity {
				return underflow(line, item)
			}
			prevReserved, prevOnHand := item.QuantityReserved, item.QuantityOnHand
			item.QuantityReserved -= line.Quantity
			item.QuantityOnHand -= line.Quantity
			item.UpdatedAt = now
			if err := tx.UpdateQuantities(ctx, item); err != nil {
				return err
			}

			release := newMovement(item, model.MovementRelease, -line.Quantity, prevReserved, item.QuantityReserved, input.Reason, input.ReferenceID, input.UserID)
			if err := tx.AppendMovement(ctx, release); err != nil {
				return err
			}
			sell := newMovement(item, model.MovementSell, -line.Quantity, prevOnHand, item.QuantityOnHand, input.Reason, input.ReferenceID, input.UserID)
			if err := tx.AppendMovement(ctx, sell); err != nil {
				return err
			}
			done = append(done, committed{item: *item, prevQty: prevOnHand})
		}
		return nil
	})
	if err != nil {
		return uc.fail(span, "commit", err)
	}

	for _, c := range done {
		uc.invalidate(ctx, c.item.Key())
		uc.notifyThresholds(c.item, c.prevQty)
	}
	return nil
}

// VerifyLedger replays the item's movements while holding its row lock, so no
// writer can commit in between reading the row and reading its log.
func (uc *InventoryUseCase) VerifyLedger(ctx context.Context, key model.ItemKey) (*model.LedgerReport, error) {
	ctx, span := uc.tracer.Start(ctx, "inventory.VerifyLedger")
	defer span.End()

	var report *model.LedgerReport
	err := uc.repo.WithinTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		item, err := tx.LockItem(ctx, key)
		if err != nil {
			return err
		}
		movements, err := tx.MovementsForItem(ctx, item.ID)
		if err != nil {
			return err
		}
		report = inventory.ReplayLedger(item, movements)
		return nil
	})
	if err != nil {
		return nil, uc.fail(span, "verify", err)
	}

	if !report.Consistent() {
		uc.logger.Error("inventory ledger does not replay to current quantities",
			zap.String("inventory_item_id", report.InventoryItemID),
			zap.Int64("replayed_on_hand", report.ReplayedOnHand),
			zap.Int64("current_on_hand", report.CurrentOnHand),
			zap.Int64("replayed_reserved", report.ReplayedReserved),
			zap.Int64("current_reserved", report.CurrentReserved),
			zap.Int64s("broken_seqs", report.BrokenSeqs),
		)
	}
	return report, nil
}

// fail records err on the span and logs it at a level matching its class.
func (uc *InventoryUseCase) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	switch {
	case errors.Is(err, inventory.ErrInsufficientStock),
		errors.Is(err, inventory.ErrNotFound),
		errors.Is(err, inventory.ErrInvalidInput):
		uc.logger.Info("inventory request rejected", zap.String("op", op), zap.Error(err))
	case errors.Is(err, inventory.ErrLockTimeout):
		uc.logger.Warn("inventory lock wait timed out", zap.String("op", op), zap.Error(err))
	default:
		uc.logger.Error("inventory operation failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

func (uc *InventoryUseCase) invalidate(ctx context.Context, keys ...model.ItemKey) {
	if uc.cache == nil || len(keys) == 0 {
		return
	}
	uc.cacheGen.Add(1)
	cacheKeys := make([]string, len(keys))
	for i, k := range keys {
		cacheKeys[i] = cacheKey(k)
	}
	if err := uc.cache.Delete(context.WithoutCancel(ctx), cacheKeys...); err != nil {
		uc.logger.Warn("inventory cache invalidation failed", zap.Strings("keys", cacheKeys), zap.Error(err))
	}
}

// notifyThresholds runs after commit and never blocks the caller. Publish
// failures are logged and dropped; the stock change stands.
func (uc *InventoryUseCase) notifyThresholds(item model.InventoryItem, prevQty int64) {
	if uc.publisher == nil {
		return
	}
	lowStock := inventory.CrossedLowStock(prevQty, item.QuantityOnHand, item.LowStockThreshold)
	restocked := inventory.Restocked(prevQty, item.QuantityOnHand)
	if !lowStock && !restocked {
		return
	}

	uc.wg.Add(1)
	go func() {
		defer uc.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), uc.cfg.PublishTimeout)
		defer cancel()

		if lowStock {
			if err := uc.publisher.PublishLowStock(ctx, item.ProductID, item.QuantityOnHand, item.LowStockThreshold); err != nil {
				uc.logger.Warn("failed to publish low stock event", zap.String("product_id", item.ProductID), zap.Error(err))
			}
		}
		if restocked {
			if err := uc.publisher.PublishRestocked(ctx, item.ProductID, item.VariantID); err != nil {
				uc.logger.Warn("failed to publish restocked event", zap.String("product_id", item.ProductID), zap.Error(err))
			}
		}
	}()
}

func validateAdjust(input *dto.AdjustInventoryInput) error {
	if err := validateKey(input.Key()); err != nil {
		return err
	}
	if input.Delta == 0 {
		return fmt.Errorf("%w: delta must not be zero", inventory.ErrInvalidInput)
	}
	if input.Delta == math.MinInt64 {
		return fmt.Errorf("%w: delta out of range", inventory.ErrInvalidInput)
	}
	if !input.MovementType.AffectsOnHand() {
		return fmt.Errorf("%w: movement type %q cannot adjust on-hand", inventory.ErrInvalidInput, input.MovementType)
	}
	return nil
}

func validateKey(key model.ItemKey) error {
	if key.ProductID == "" || key.LocationID == "" {
		return fmt.Errorf("%w: product and location are required", inventory.ErrInvalidInput)
	}
	return nil
}

// canonicalLines validates lines, merges repeats of the same row and sorts them
// into the global lock order.
func canonicalLines(lines []dto.ReservationLine) ([]dto.ReservationLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", inventory.ErrInvalidInput)
	}

	merged := make(map[model.ItemKey]int64, len(lines))
	for _, l := range lines {
		if err := validateKey(l.Key()); err != nil {
			return nil, err
		}
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for product %s must be positive", inventory.ErrInvalidInput, l.ProductID)
		}
		if merged[l.Key()] > math.MaxInt64-l.Quantity {
			return nil, fmt.Errorf("%w: combined quantity for product %s is out of range", inventory.ErrInvalidInput, l.ProductID)
		}
		merged[l.Key()] += l.Quantity
	}

	out := make([]dto.ReservationLine, 0, len(merged))
	for k, qty := range merged {
		out = append(out, dto.ReservationLine{ProductID: k.ProductID, VariantID: k.VariantID, LocationID: k.LocationID, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out, nil
}

// lockAll takes the row locks in the order of lines, which canonicalLines sorted.
func lockAll(ctx context.Context, tx inventory.Tx, lines []dto.ReservationLine) ([]*model.InventoryItem, error) {
	items := make([]*model.InventoryItem, len(lines))
	for i, line := range lines {
		item, err := tx.LockItem(ctx, line.Key())
		if err != nil {
			if errors.Is(err, inventory.ErrNotFound) {
				return nil, fmt.Errorf("%w: product %s variant %s at %s", err, line.ProductID, line.VariantID, line.LocationID)
			}
			return nil, err
		}
		items[i] = item
	}
	return items, nil
}

func underflow(line dto.ReservationLine, item *model.InventoryItem) error {
	return fmt.Errorf("%w: product %s at %s has %d reserved, asked to release %d",
		inventory.ErrReservationUnderflow, line.ProductID, line.LocationID, item.QuantityReserved, line.Quantity)
}

func shortfall(key model.ItemKey, requested, available int64) inventory.Shortfall {
	return inventory.Shortfall{
		ProductID:  key.ProductID,
		VariantID:  key.VariantID,
		LocationID: key.LocationID,
		Requested:  requested,
		Available:  available,
	}
}

func newMovement(item *model.InventoryItem, typ model.MovementType, qty, prev, next int64, reason, referenceID, userID string) *model.StockMovement {
	var refID *string
	if referenceID != "" {
		refID = &referenceID
	}
	var createdBy *string
	if userID != "" {
		createdBy = &userID
	}

	return &model.StockMovement{
		ID:               uuid.New().String(),
		InventoryItemID:  item.ID,
		ProductID:        item.ProductID,
		VariantID:        item.VariantID,
		LocationID:       item.LocationID,
		MovementType:     typ,
		Quantity:         qty,
		PreviousQuantity: prev,
		NewQuantity:      next,
		Reason:           reason,
		ReferenceID:      refID,
		UserID:           createdBy,
		CreatedAt:        item.UpdatedAt,
	}
}

func cacheKey(key model.ItemKey) string {
	return fmt.Sprintf("inventory:item:%s:%s:%s", key.ProductID, key.VariantID, key.LocationID)
}
