package model

import "time"

type MovementType string

const (
	MovementReceive MovementType = "receive"
	MovementSell    MovementType = "sell"
	MovementAdjust  MovementType = "adjust"
	MovementReturn  MovementType = "return"
	MovementDamage  MovementType = "damage"
	MovementReserve MovementType = "reserve"
	MovementRelease MovementType = "release"
)

// AffectsOnHand reports whether movements of this type snapshot quantity_on_hand.
// reserve and release snapshot quantity_reserved instead.
func (t MovementType) AffectsOnHand() bool {
	switch t {
	case MovementReceive, MovementSell, MovementAdjust, MovementReturn, MovementDamage:
		return true
	}
	return false
}

func (t MovementType) Valid() bool {
	return t.AffectsOnHand() || t == MovementReserve || t == MovementRelease
}

// ItemKey identifies an inventory row.
type ItemKey struct {
	ProductID  string `json:"product_id"`
	VariantID  string `json:"variant_id"`
	LocationID string `json:"location_id"`
}

// Less orders keys by (product, variant, location). Every multi-row lock follows it.
func (k ItemKey) Less(o ItemKey) bool {
	if k.ProductID != o.ProductID {
		return k.ProductID < o.ProductID
	}
	if k.VariantID != o.VariantID {
		return k.VariantID < o.VariantID
	}
	return k.LocationID < o.LocationID
}

type InventoryItem struct {
	ID                string    `db:"id" json:"id"`
	ProductID         string    `db:"product_id" json:"product_id"`
	VariantID         string    `db:"variant_id" json:"variant_id"`
	LocationID        string    `db:"location_id" json:"location_id"`
	QuantityOnHand    int64     `db:"quantity_on_hand" json:"quantity_on_hand"`
	QuantityReserved  int64     `db:"quantity_reserved" json:"quantity_reserved"`
	LowStockThreshold int64     `db:"low_stock_threshold" json:"low_stock_threshold"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

func (i *InventoryItem) Key() ItemKey {
	return ItemKey{ProductID: i.ProductID, VariantID: i.VariantID, LocationID: i.LocationID}
}

// Available is on-hand minus reserved: what a new reservation may claim.
func (i *InventoryItem) Available() int64 {
	return i.QuantityOnHand - i.QuantityReserved
}

type StockMovement struct {
	ID               string       `db:"id" json:"id"`
	Seq              int64        `db:"seq" json:"seq"`
	InventoryItemID  string       `db:"inventory_item_id" json:"inventory_item_id"`
	ProductID        string       `db:"product_id" json:"product_id"`
	VariantID        string       `db:"variant_id" json:"variant_id"`
	LocationID       string       `db:"location_id" json:"location_id"`
	MovementType     MovementType `db:"movement_type" json:"movement_type"`
	Quantity         int64        `db:"quantity" json:"quantity"`
	PreviousQuantity int64        `db:"previous_quantity" json:"previous_quantity"`
	NewQuantity      int64        `db:"new_quantity" json:"new_quantity"`
	Reason           string       `db:"reason" json:"reason"`
	ReferenceID      *string      `db:"reference_id" json:"reference_id,omitempty"`
	UserID           *string      `db:"user_id" json:"user_id,omitempty"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
}

// LedgerReport is the result of replaying an item's movements.
type LedgerReport struct {
	InventoryItemID  string `json:"inventory_item_id"`
	Movements        int    `json:"movements"`
	ReplayedOnHand   int64  `json:"replayed_on_hand"`
	ReplayedReserved int64  `json:"replayed_reserved"`
	CurrentOnHand    int64  `json:"current_on_hand"`
	CurrentReserved  int64  `json:"current_reserved"`
	// BrokenSeqs lists movements whose snapshot does not add up or does not
	// continue from the previous movement of the same chain.
	BrokenSeqs []int64 `json:"broken_seqs,omitempty"`
}

func (r *LedgerReport) Consistent() bool {
	return len(r.BrokenSeqs) == 0 &&
		r.ReplayedOnHand == r.CurrentOnHand &&
		r.ReplayedReserved == r.CurrentReserved
}
