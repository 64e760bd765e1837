package inventory

import (
	"context"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/inventory/dto"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
)

type UseCase interface {
	GetInventory(ctx context.Context, key model.ItemKey) (*model.InventoryItem, error)
	ListLowStock(ctx context.Context, filters *dto.InventoryFilters) ([]model.InventoryItem, int, error)
	AdjustInventory(ctx context.Context, input *dto.AdjustInventoryInput) (*model.InventoryItem, error)
	ReserveStock(ctx context.Context, input *dto.ReserveInput) error
	ReleaseStock(ctx context.Context, input *dto.ReleaseInput) error
	CommitReservation(ctx context.Context, input *dto.ReleaseInput) error
	ListMovements(ctx context.Context, filters *dto.MovementFilters) ([]model.StockMovement, int, error)
	VerifyLedger(ctx context.Context, key model.ItemKey) (*model.LedgerReport, error)
}

// EventPublisher receives threshold crossings after the stock change committed.
type EventPublisher interface {
	PublishLowStock(ctx context.Context, productID string, currentQty, threshold int64) error
	PublishRestocked(ctx context.Context, productID, variantID string) error
}

// Cache is the subset of the Redis client the use case relies on.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}
