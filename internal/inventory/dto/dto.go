package dto

import "github.com/fekuna/omnipos-inventory-service/internal/model"

type InventoryFilters struct {
	ProductID  string
	VariantID  string
	LocationID string
	LowStock   bool // If true, filter by quantity_on_hand <= low_stock_threshold
	Page       int
	PageSize   int
}

type MovementFilters struct {
	InventoryItemID string
	ProductID       string
	MovementType    model.MovementType
	ReferenceID     string
	Page            int
	PageSize        int
}
