package dto

import "github.com/fekuna/omnipos-inventory-service/internal/model"

type AdjustInventoryInput struct {
	ProductID    string
	VariantID    string
	LocationID   string
	Delta        int64
	MovementType model.MovementType // receive, sell, adjust, return, damage
	Reason       string
	ReferenceID  string
	UserID       string
}

func (in *AdjustInventoryInput) Key() model.ItemKey {
	return model.ItemKey{ProductID: in.ProductID, VariantID: in.VariantID, LocationID: in.LocationID}
}

type ReservationLine struct {
	ProductID  string
	VariantID  string
	LocationID string
	Quantity   int64
}

func (l ReservationLine) Key() model.ItemKey {
	return model.ItemKey{ProductID: l.ProductID, VariantID: l.VariantID, LocationID: l.LocationID}
}

type ReserveInput struct {
	Lines       []ReservationLine
	ReferenceID string // usually the order id
	UserID      string
	Reason      string
}

// ReleaseInput is shared by release (cancel/expire) and commit (confirm).
type ReleaseInput struct {
	Lines       []ReservationLine
	ReferenceID string
	UserID      string
	Reason      string
}
