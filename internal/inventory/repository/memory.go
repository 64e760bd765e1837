package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/inventory"
	"github.com/fekuna/omnipos-inventory-service/internal/inventory/dto"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/google/uuid"
)

var errConstraint = errors.New("constraint violation")

// MemoryRepository keeps the ledger in process. Each row carries a one-slot
// channel acting as its exclusive lock, so it serializes writers the same way
// SELECT ... FOR UPDATE does. Used for local runs and tests.
type MemoryRepository struct {
	mu          sync.Mutex
	rows        map[model.ItemKey]*memRow
	movements   []model.StockMovement
	seq         int64
	lockTimeout time.Duration
}

type memRow struct {
	item model.InventoryItem
	lock chan struct{}
}

func NewMemoryRepository(lockTimeout time.Duration) *MemoryRepository {
	return &MemoryRepository{
		rows:        make(map[model.ItemKey]*memRow),
		lockTimeout: lockTimeout,
	}
}

// Seed provisions a row. Provisioning is not a ledger mutation, so no movement
// is written.
func (r *MemoryRepository) Seed(item model.InventoryItem) *model.InventoryItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	r.rows[item.Key()] = &memRow{item: item, lock: make(chan struct{}, 1)}
	cp := item
	return &cp
}

func (r *MemoryRepository) GetByKey(ctx context.Context, key model.ItemKey) (*model.InventoryItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[key]
	if !ok {
		return nil, inventory.ErrNotFound
	}
	cp := row.item
	return &cp, nil
}

func (r *MemoryRepository) FindAll(ctx context.Context, f *dto.InventoryFilters) ([]model.InventoryItem, int, error) {
	r.mu.Lock()
	items := make([]model.InventoryItem, 0, len(r.rows))
	for _, row := range r.rows {
		it := row.item
		if f.ProductID != "" && it.ProductID != f.ProductID {
			continue
		}
		if f.VariantID != "" && it.VariantID != f.VariantID {
			continue
		}
		if f.LocationID != "" && it.LocationID != f.LocationID {
			continue
		}
		if f.LowStock && it.QuantityOnHand > it.LowStockThreshold {
			continue
		}
		items = append(items, it)
	}
	r.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Key().Less(items[j].Key()) })
	return paginate(items, f.Page, f.PageSize), len(items), nil
}

func (r *MemoryRepository) ListMovements(ctx context.Context, f *dto.MovementFilters) ([]model.StockMovement, int, error) {
	r.mu.Lock()
	out := []model.StockMovement{}
	for i := len(r.movements) - 1; i >= 0; i-- {
		m := r.movements[i]
		if f.InventoryItemID != "" && m.InventoryItemID != f.InventoryItemID {
			continue
		}
		if f.ProductID != "" && m.ProductID != f.ProductID {
			continue
		}
		if f.MovementType != "" && m.MovementType != f.MovementType {
			continue
		}
		if f.ReferenceID != "" && (m.ReferenceID == nil || *m.ReferenceID != f.ReferenceID) {
			continue
		}
		out = append(out, m)
	}
	r.mu.Unlock()

	return paginate(out, f.Page, f.PageSize), len(out), nil
}

func (r *MemoryRepository) MovementsForItem(ctx context.Context, itemID string) ([]model.StockMovement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []model.StockMovement{}
	for _, m := range r.movements {
		if m.InventoryItemID == itemID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx inventory.Tx) error) error {
	tx := &memTx{
		repo:   r,
		held:   make(map[model.ItemKey]*memRow),
		staged: make(map[model.ItemKey]*model.InventoryItem),
	}
	defer tx.releaseLocks()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.commit(tx)
	return nil
}

func (r *MemoryRepository) commit(tx *memTx) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, item := range tx.staged {
		r.rows[key].item = *item
	}
	for _, m := range tx.movements {
		r.seq++
		m.Seq = r.seq
		r.movements = append(r.movements, *m)
	}
}

type memTx struct {
	repo      *MemoryRepository
	held      map[model.ItemKey]*memRow
	staged    map[model.ItemKey]*model.InventoryItem
	movements []*model.StockMovement
}

func (t *memTx) LockItem(ctx context.Context, key model.ItemKey) (*model.InventoryItem, error) {
	if item, ok := t.staged[key]; ok {
		cp := *item
		return &cp, nil
	}

	t.repo.mu.Lock()
	row, ok := t.repo.rows[key]
	t.repo.mu.Unlock()
	if !ok {
		return nil, inventory.ErrNotFound
	}

	lockCtx := ctx
	if t.repo.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, t.repo.lockTimeout)
		defer cancel()
	}

	select {
	case row.lock <- struct{}{}:
	case <-lockCtx.Done():
		return nil, fmt.Errorf("%w: %w", inventory.ErrLockTimeout, lockCtx.Err())
	}
	t.held[key] = row

	t.repo.mu.Lock()
	staged := row.item
	t.repo.mu.Unlock()
	t.staged[key] = &staged

	cp := staged
	return &cp, nil
}

func (t *memTx) UpdateQuantities(ctx context.Context, item *model.InventoryItem) error {
	key := item.Key()
	if _, ok := t.held[key]; !ok {
		return fmt.Errorf("update of unlocked row %s/%s/%s", key.ProductID, key.VariantID, key.LocationID)
	}
	if item.QuantityOnHand < 0 || item.QuantityReserved < 0 || item.QuantityReserved > item.QuantityOnHand {
		return fmt.Errorf("%w: inventory_items quantities on_hand=%d reserved=%d",
			errConstraint, item.QuantityOnHand, item.QuantityReserved)
	}
	cp := *item
	t.staged[key] = &cp
	return nil
}

func (t *memTx) AppendMovement(ctx context.Context, m *model.StockMovement) error {
	if m.PreviousQuantity+m.Quantity != m.NewQuantity {
		return fmt.Errorf("%w: stock_movements snapshot %d%+d != %d",
			errConstraint, m.PreviousQuantity, m.Quantity, m.NewQuantity)
	}
	t.movements = append(t.movements, m)
	return nil
}

func (t *memTx) MovementsForItem(ctx context.Context, itemID string) ([]model.StockMovement, error) {
	return t.repo.MovementsForItem(ctx, itemID)
}

func (t *memTx) releaseLocks() {
	for _, row := range t.held {
		<-row.lock
	}
}

func paginate[T any](items []T, page, pageSize int) []T {
	if pageSize <= 0 {
		return items
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(items) {
		return []T{}
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
