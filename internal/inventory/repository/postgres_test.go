package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/fekuna/omnipos-inventory-service/internal/inventory"
	"github.com/fekuna/omnipos-inventory-service/internal/inventory/dto"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var itemRowColumns = []string{
	"id", "product_id", "variant_id", "location_id",
	"quantity_on_hand", "quantity_reserved", "low_stock_threshold",
	"created_at", "updated_at",
}

func newMockRepo(t *testing.T, lockTimeout time.Duration) (*PGRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGRepository(sqlx.NewDb(db, "pgx"), lockTimeout), mock
}

func itemRows(onHand, reserved int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(itemRowColumns).
		AddRow("item-1", testKey.ProductID, testKey.VariantID, testKey.LocationID, onHand, reserved, int64(2), now, now)
}

func TestPGRepository_WithinTx_Commit(t *testing.T) {
	repo, mock := newMockRepo(t, 250*time.Millisecond)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout = '250ms'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(testKey.ProductID, testKey.VariantID, testKey.LocationID).
		WillReturnRows(itemRows(10, 0))
	mock.ExpectExec("UPDATE inventory_items").
		WithArgs(int64(10), int64(3), sqlmock.AnyArg(), "item-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO stock_movements").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(42)))
	mock.ExpectCommit()

	var m *model.StockMovement
	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx inventory.Tx) error {
		item, err := tx.LockItem(ctx, testKey)
		if err != nil {
			return err
		}
		item.QuantityReserved = 3
		if err := tx.UpdateQuantities(ctx, item); err != nil {
			return err
		}
		m = &model.StockMovement{
			ID:               "mv-1",
			InventoryItemID:  item.ID,
			ProductID:        item.ProductID,
			MovementType:     model.MovementReserve,
			PreviousQuantity: 0,
			Quantity:         3,
			NewQuantity:      3,
			CreatedAt:        item.UpdatedAt,
		}
		return tx.AppendMovement(ctx, m)
	})

	require.NoError(t, err)
	assert.Equal(t, int64(42), m.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRepository_WithinTx_RollbackOnError(t *testing.T) {
	repo, mock := newMockRepo(t, 0)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx inventory.Tx) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRepository_LockItem_LockNotAvailable(t *testing.T) {
	repo, mock := newMockRepo(t, 100*time.Millisecond)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout = '100ms'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE").
		WillReturnError(&pgconn.PgError{Code: pgLockNotAvailable, Message: "canceling statement due to lock timeout"})
	mock.ExpectRollback()

	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx inventory.Tx) error {
		_, err := tx.LockItem(ctx, testKey)
		return err
	})

	assert.ErrorIs(t, err, inventory.ErrLockTimeout)
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, pgLockNotAvailable, pgErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRepository_LockItem_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t, 0)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx inventory.Tx) error {
		_, err := tx.LockItem(ctx, testKey)
		return err
	})

	assert.ErrorIs(t, err, inventory.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRepository_MovementsForItem_ReadsOnTxConnection(t *testing.T) {
	repo, mock := newMockRepo(t, 0)
	now := time.Now().UTC()

	// The log is read before Commit, on the connection holding the row lock.
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(itemRows(7, 0))
	mock.ExpectQuery("FROM stock_movements").
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"seq", "id", "inventory_item_id", "product_id", "variant_id", "location_id",
			"movement_type", "quantity", "previous_quantity", "new_quantity",
			"reason", "reference_id", "user_id", "created_at",
		}).AddRow(int64(1), "mv-1", "item-1", testKey.ProductID, testKey.VariantID, testKey.LocationID,
			"receive", int64(7), int64(0), int64(7), "delivery", nil, nil, now))
	mock.ExpectCommit()

	var movements []model.StockMovement
	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx inventory.Tx) error {
		item, err := tx.LockItem(ctx, testKey)
		if err != nil {
			return err
		}
		movements, err = tx.MovementsForItem(ctx, item.ID)
		return err
	})

	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, model.MovementReceive, movements[0].MovementType)
	assert.Equal(t, int64(7), movements[0].NewQuantity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRepository_GetByKey(t *testing.T) {
	repo, mock := newMockRepo(t, 0)

	mock.ExpectQuery("FROM inventory_items").
		WithArgs(testKey.ProductID, testKey.VariantID, testKey.LocationID).
		WillReturnRows(itemRows(7, 2))
	mock.ExpectQuery("FROM inventory_items").WillReturnError(sql.ErrNoRows)

	item, err := repo.GetByKey(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(5), item.Available())

	_, err = repo.GetByKey(context.Background(), testKey)
	assert.ErrorIs(t, err, inventory.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRepository_FindAll_LowStock(t *testing.T) {
	repo, mock := newMockRepo(t, 0)

	mock.ExpectQuery(`SELECT count\(\*\) FROM inventory_items WHERE location_id = \$1 AND quantity_on_hand <= low_stock_threshold`).
		WithArgs("loc-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectPrepare(`(?s)SELECT .* FROM inventory_items WHERE location_id = \$1 AND quantity_on_hand <= low_stock_threshold ORDER BY product_id, variant_id, location_id LIMIT 20 OFFSET 20`).
		ExpectQuery().
		WithArgs("loc-1").
		WillReturnRows(itemRows(1, 0))

	items, total, err := repo.FindAll(context.Background(), &dto.InventoryFilters{LocationID: "loc-1", LowStock: true, Page: 2, PageSize: 20})

	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "item-1", items[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMapLockError(t *testing.T) {
	ctx := context.Background()

	deadlock := &pgconn.PgError{Code: pgDeadlockDetected}
	assert.ErrorIs(t, mapLockError(ctx, deadlock), inventory.ErrLockTimeout)

	unique := &pgconn.PgError{Code: "23505"}
	assert.NotErrorIs(t, mapLockError(ctx, unique), inventory.ErrLockTimeout)

	assert.ErrorIs(t, mapLockError(ctx, context.DeadlineExceeded), inventory.ErrLockTimeout)
	assert.NotErrorIs(t, mapLockError(ctx, errors.New("connection reset")), inventory.ErrLockTimeout)
}

func TestPGRepository_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()
	repo := NewPGRepository(sqlx.NewDb(db, "pgx"), 0)

	for _, stmt := range migrations {
		mock.ExpectExec(stmt).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, repo.Migrate(context.Background()))

	mock.ExpectExec(migrations[0]).WillReturnError(errors.New("permission denied"))
	err = repo.Migrate(context.Background())
	assert.ErrorContains(t, err, "migration 0 failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}
