package repository

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS inventory_items (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		product_id VARCHAR(64) NOT NULL,
		variant_id VARCHAR(64) NOT NULL DEFAULT '',
		location_id VARCHAR(64) NOT NULL,
		quantity_on_hand BIGINT NOT NULL DEFAULT 0,
		quantity_reserved BIGINT NOT NULL DEFAULT 0,
		low_stock_threshold BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		CONSTRAINT inventory_items_key UNIQUE (product_id, variant_id, location_id),
		CONSTRAINT inventory_items_on_hand_non_negative CHECK (quantity_on_hand >= 0),
		CONSTRAINT inventory_items_reserved_bound CHECK (quantity_reserved >= 0 AND quantity_reserved <= quantity_on_hand),
		CONSTRAINT inventory_items_threshold_non_negative CHECK (low_stock_threshold >= 0)
	)`,

	`CREATE TABLE IF NOT EXISTS stock_movements (
		seq BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		inventory_item_id UUID NOT NULL REFERENCES inventory_items(id),
		product_id VARCHAR(64) NOT NULL,
		variant_id VARCHAR(64) NOT NULL DEFAULT '',
		location_id VARCHAR(64) NOT NULL,
		movement_type VARCHAR(16) NOT NULL CHECK (movement_type IN ('receive', 'sell', 'adjust', 'return', 'damage', 'reserve', 'release')),
		quantity BIGINT NOT NULL,
		previous_quantity BIGINT NOT NULL,
		new_quantity BIGINT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		reference_id VARCHAR(128),
		user_id VARCHAR(128),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		CONSTRAINT stock_movements_snapshot CHECK (previous_quantity + quantity = new_quantity)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_movements_item_seq ON stock_movements(inventory_item_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_movements_reference_id ON stock_movements(reference_id)`,

	// The movement log is append-only.
	`CREATE OR REPLACE FUNCTION stock_movements_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'stock_movements is append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS stock_movements_append_only ON stock_movements`,
	`CREATE TRIGGER stock_movements_append_only
		BEFORE UPDATE OR DELETE ON stock_movements
		FOR EACH ROW EXECUTE FUNCTION stock_movements_append_only()`,
}

// Migrate applies the schema. Every statement is idempotent.
func (r *PGRepository) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := r.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
