package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/inventory"
	"github.com/fekuna/omnipos-inventory-service/internal/inventory/dto"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

const itemColumns = `id, product_id, variant_id, location_id,
            quantity_on_hand, quantity_reserved, low_stock_threshold,
            created_at, updated_at`

const movementColumns = `seq, id, inventory_item_id, product_id, variant_id, location_id,
            movement_type, quantity, previous_quantity, new_quantity,
            reason, reference_id, user_id, created_at`

// Postgres error codes that mean "could not get the row lock in time".
const (
	pgLockNotAvailable = "55P03"
	pgDeadlockDetected = "40P01"
)

type PGRepository struct {
	DB          *sqlx.DB
	lockTimeout time.Duration
}

// NewPGRepository builds the Postgres store. lockTimeout bounds every row lock
// wait through SET LOCAL lock_timeout; zero leaves the server default.
func NewPGRepository(db *sqlx.DB, lockTimeout time.Duration) *PGRepository {
	return &PGRepository{DB: db, lockTimeout: lockTimeout}
}

func (r *PGRepository) GetByKey(ctx context.Context, key model.ItemKey) (*model.InventoryItem, error) {
	var item model.InventoryItem
	query := `SELECT ` + itemColumns + ` FROM inventory_items
        WHERE product_id = $1 AND variant_id = $2 AND location_id = $3`

	err := r.DB.GetContext(ctx, &item, query, key.ProductID, key.VariantID, key.LocationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (r *PGRepository) FindAll(ctx context.Context, f *dto.InventoryFilters) ([]model.InventoryItem, int, error) {
	var items []model.InventoryItem
	var count int

	conditions := []string{}
	args := map[string]interface{}{}

	if f.ProductID != "" {
		conditions = append(conditions, "product_id = :product_id")
		args["product_id"] = f.ProductID
	}
	if f.VariantID != "" {
		conditions = append(conditions, "variant_id = :variant_id")
		args["variant_id"] = f.VariantID
	}
	if f.LocationID != "" {
		conditions = append(conditions, "location_id = :location_id")
		args["location_id"] = f.LocationID
	}
	if f.LowStock {
		conditions = append(conditions, "quantity_on_hand <= low_stock_threshold")
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	if err := r.namedCount(ctx, "SELECT count(*) FROM inventory_items"+whereClause, args, &count); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + itemColumns + " FROM inventory_items" + whereClause +
		" ORDER BY product_id, variant_id, location_id"
	query += pageClause(f.Page, f.PageSize)

	nstmt, err := r.DB.PrepareNamedContext(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	defer nstmt.Close()

	err = nstmt.SelectContext(ctx, &items, args)
	return items, count, err
}

func (r *PGRepository) ListMovements(ctx context.Context, f *dto.MovementFilters) ([]model.StockMovement, int, error) {
	var items []model.StockMovement
	var count int

	conditions := []string{}
	args := map[string]interface{}{}

	if f.InventoryItemID != "" {
		conditions = append(conditions, "inventory_item_id = :inventory_item_id")
		args["inventory_item_id"] = f.InventoryItemID
	}
	if f.ProductID != "" {
		conditions = append(conditions, "product_id = :product_id")
		args["product_id"] = f.ProductID
	}
	if f.MovementType != "" {
		conditions = append(conditions, "movement_type = :movement_type")
		args["movement_type"] = string(f.MovementType)
	}
	if f.ReferenceID != "" {
		conditions = append(conditions, "reference_id = :reference_id")
		args["reference_id"] = f.ReferenceID
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	if err := r.namedCount(ctx, "SELECT count(*) FROM stock_movements"+whereClause, args, &count); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + movementColumns + " FROM stock_movements" + whereClause + " ORDER BY seq DESC"
	query += pageClause(f.Page, f.PageSize)

	nstmt, err := r.DB.PrepareNamedContext(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	defer nstmt.Close()

	err = nstmt.SelectContext(ctx, &items, args)
	return items, count, err
}

func (r *PGRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx inventory.Tx) error) error {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapLockError(ctx, err))
	}
	defer tx.Rollback()

	if r.lockTimeout > 0 {
		// SET does not take bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", mapLockError(ctx, err))
	}
	return nil
}

func (r *PGRepository) namedCount(ctx context.Context, query string, args map[string]interface{}, count *int) error {
	rows, err := r.DB.NamedQueryContext(ctx, query, args)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(count); err != nil {
			return err
		}
	}
	return rows.Err()
}

func pageClause(page, pageSize int) string {
	if pageSize <= 0 {
		return ""
	}
	if page < 1 {
		page = 1
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", pageSize, (page-1)*pageSize)
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockItem(ctx context.Context, key model.ItemKey) (*model.InventoryItem, error) {
	var item model.InventoryItem
	query := `SELECT ` + itemColumns + ` FROM inventory_items
        WHERE product_id = $1 AND variant_id = $2 AND location_id = $3
        FOR UPDATE`

	err := t.tx.GetContext(ctx, &item, query, key.ProductID, key.VariantID, key.LocationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock inventory item: %w", mapLockError(ctx, err))
	}
	return &item, nil
}

// MovementsForItem returns the item's full log in replay order, read on the
// transaction's own connection.
func (t *pgTx) MovementsForItem(ctx context.Context, itemID string) ([]model.StockMovement, error) {
	var items []model.StockMovement
	query := `SELECT ` + movementColumns + ` FROM stock_movements
        WHERE inventory_item_id = $1 ORDER BY seq ASC`
	if err := t.tx.SelectContext(ctx, &items, query, itemID); err != nil {
		return nil, fmt.Errorf("failed to read movements: %w", err)
	}
	return items, nil
}

func (t *pgTx) UpdateQuantities(ctx context.Context, item *model.InventoryItem) error {
	query := `
        UPDATE inventory_items
        SET quantity_on_hand = $1, quantity_reserved = $2, updated_at = $3
        WHERE id = $4`

	res, err := t.tx.ExecContext(ctx, query, item.QuantityOnHand, item.QuantityReserved, item.UpdatedAt, item.ID)
	if err != nil {
		return fmt.Errorf("failed to update inventory: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return inventory.ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendMovement(ctx context.Context, m *model.StockMovement) error {
	query := `
        INSERT INTO stock_movements (
            id, inventory_item_id, product_id, variant_id, location_id,
            movement_type, quantity, previous_quantity, new_quantity,
            reason, reference_id, user_id, created_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        RETURNING seq`

	err := t.tx.QueryRowxContext(ctx, query,
		m.ID, m.InventoryItemID, m.ProductID, m.VariantID, m.LocationID,
		string(m.MovementType), m.Quantity, m.PreviousQuantity, m.NewQuantity,
		m.Reason, m.ReferenceID, m.UserID, m.CreatedAt,
	).Scan(&m.Seq)
	if err != nil {
		return fmt.Errorf("failed to log movement: %w", err)
	}
	return nil
}

// mapLockError turns lock-wait failures into inventory.ErrLockTimeout while
// keeping the driver error in the chain.
func mapLockError(ctx context.Context, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgDeadlockDetected:
			return fmt.Errorf("%w: %w", inventory.ErrLockTimeout, err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", inventory.ErrLockTimeout, err)
	}
	return err
}
