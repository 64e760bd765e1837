package inventory

import (
	"context"

	"github.com/fekuna/omnipos-inventory-service/internal/inventory/dto"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
)

type Repository interface {
	// Inventory Items
	GetByKey(ctx context.Context, key model.ItemKey) (*model.InventoryItem, error)
	FindAll(ctx context.Context, filters *dto.InventoryFilters) ([]model.InventoryItem, int, error)

	// Movements / Audit
	ListMovements(ctx context.Context, filters *dto.MovementFilters) ([]model.StockMovement, int, error)

	// Transaction support. fn runs inside a single transaction that is committed
	// when fn returns nil and rolled back otherwise. Every row lock taken through
	// tx is released when WithinTx returns.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the write surface of one open transaction.
type Tx interface {
	// LockItem reads the row for exclusive read-modify-write, blocking while another
	// transaction holds it. Returns ErrNotFound or ErrLockTimeout.
	LockItem(ctx context.Context, key model.ItemKey) (*model.InventoryItem, error)
	UpdateQuantities(ctx context.Context, item *model.InventoryItem) error
	AppendMovement(ctx context.Context, movement *model.StockMovement) error
	// MovementsForItem returns the item's committed log in seq order.
	MovementsForItem(ctx context.Context, itemID string) ([]model.StockMovement, error)
}
