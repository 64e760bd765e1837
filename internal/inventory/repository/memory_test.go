package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/inventory"
	"github.com/fekuna/omnipos-inventory-service/internal/inventory/dto"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = model.ItemKey{ProductID: "p-1", VariantID: "v-1", LocationID: "loc-1"}

func seeded(t *testing.T, lockTimeout time.Duration) (*MemoryRepository, *model.InventoryItem) {
	t.Helper()
	repo := NewMemoryRepository(lockTimeout)
	item := repo.Seed(model.InventoryItem{
		ProductID:         testKey.ProductID,
		VariantID:         testKey.VariantID,
		LocationID:        testKey.LocationID,
		QuantityOnHand:    10,
		LowStockThreshold: 2,
	})
	return repo, item
}

func receive(item *model.InventoryItem, qty int64) *model.StockMovement {
	return &model.StockMovement{
		InventoryItemID:  item.ID,
		ProductID:        item.ProductID,
		MovementType:     model.MovementReceive,
		PreviousQuantity: item.QuantityOnHand - qty,
		Quantity:         qty,
		NewQuantity:      item.QuantityOnHand,
	}
}

func TestMemoryRepository_CommitAssignsSeq(t *testing.T) {
	repo, _ := seeded(t, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := repo.WithinTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
			item, err := tx.LockItem(ctx, testKey)
			if err != nil {
				return err
			}
			item.QuantityOnHand++
			if err := tx.UpdateQuantities(ctx, item); err != nil {
				return err
			}
			return tx.AppendMovement(ctx, receive(item, 1))
		})
		require.NoError(t, err)
	}

	item, err := repo.GetByKey(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(13), item.QuantityOnHand)

	mvs, err := repo.MovementsForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, mvs, 3)
	for i, m := range mvs {
		assert.Equal(t, int64(i+1), m.Seq)
	}

	newest, total, err := repo.ListMovements(ctx, &dto.MovementFilters{PageSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, int64(3), newest[0].Seq)
}

func TestMemoryRepository_RollbackDiscardsWrites(t *testing.T) {
	repo, _ := seeded(t, time.Second)
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithinTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		item, err := tx.LockItem(ctx, testKey)
		require.NoError(t, err)
		item.QuantityOnHand = 1
		require.NoError(t, tx.UpdateQuantities(ctx, item))
		require.NoError(t, tx.AppendMovement(ctx, &model.StockMovement{PreviousQuantity: 10, Quantity: -9, NewQuantity: 1}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	item, err := repo.GetByKey(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(10), item.QuantityOnHand)

	_, total, err := repo.ListMovements(ctx, &dto.MovementFilters{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestMemoryRepository_RelockSeesStagedRow(t *testing.T) {
	repo, _ := seeded(t, 50*time.Millisecond)

	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx inventory.Tx) error {
		item, err := tx.LockItem(ctx, testKey)
		require.NoError(t, err)
		item.QuantityReserved = 4
		require.NoError(t, tx.UpdateQuantities(ctx, item))

		again, err := tx.LockItem(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, int64(4), again.QuantityReserved)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryRepository_LockTimeout(t *testing.T) {
	repo, _ := seeded(t, 30*time.Millisecond)
	ctx := context.Background()

	locked := make(chan struct{})
	unlock := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- repo.WithinTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
			if _, err := tx.LockItem(ctx, testKey); err != nil {
				return err
			}
			close(locked)
			<-unlock
			return nil
		})
	}()
	<-locked

	start := time.Now()
	err := repo.WithinTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		_, err := tx.LockItem(ctx, testKey)
		return err
	})
	assert.ErrorIs(t, err, inventory.ErrLockTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	close(unlock)
	require.NoError(t, <-done)

	// Lock is free again once the holder finishes.
	err = repo.WithinTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		_, err := tx.LockItem(ctx, testKey)
		return err
	})
	assert.NoError(t, err)
}

func TestMemoryRepository_RejectsConstraintViolations(t *testing.T) {
	repo, _ := seeded(t, time.Second)
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		item, err := tx.LockItem(ctx, testKey)
		if err != nil {
			return err
		}
		item.QuantityReserved = item.QuantityOnHand + 1
		return tx.UpdateQuantities(ctx, item)
	})
	assert.ErrorIs(t, err, errConstraint)

	err = repo.WithinTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		return tx.AppendMovement(ctx, &model.StockMovement{PreviousQuantity: 1, Quantity: 1, NewQuantity: 3})
	})
	assert.ErrorIs(t, err, errConstraint)

	err = repo.WithinTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		item, _ := repo.GetByKey(ctx, testKey)
		return tx.UpdateQuantities(ctx, item)
	})
	assert.ErrorContains(t, err, "unlocked row")
}

func TestMemoryRepository_NotFoundAndCancelled(t *testing.T) {
	repo, _ := seeded(t, time.Second)

	_, err := repo.GetByKey(context.Background(), model.ItemKey{ProductID: "nope"})
	assert.ErrorIs(t, err, inventory.ErrNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err = repo.WithinTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemoryRepository_FindAll(t *testing.T) {
	repo := NewMemoryRepository(time.Second)
	repo.Seed(model.InventoryItem{ProductID: "b", LocationID: "loc-1", QuantityOnHand: 1, LowStockThreshold: 5})
	repo.Seed(model.InventoryItem{ProductID: "a", LocationID: "loc-1", QuantityOnHand: 50, LowStockThreshold: 5})
	repo.Seed(model.InventoryItem{ProductID: "c", LocationID: "loc-2", QuantityOnHand: 0, LowStockThreshold: 0})

	items, total, err := repo.FindAll(context.Background(), &dto.InventoryFilters{LocationID: "loc-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "a", items[0].ProductID)

	items, total, err = repo.FindAll(context.Background(), &dto.InventoryFilters{LowStock: true})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "b", items[0].ProductID)
	assert.Equal(t, "c", items[1].ProductID)

	items, _, err = repo.FindAll(context.Background(), &dto.InventoryFilters{Page: 3, PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, items)
}
