package inventory

import "github.com/fekuna/omnipos-inventory-service/internal/model"

// ReplayLedger rebuilds on-hand and reserved from movements given in insertion
// order. Each chain starts from its first movement's previous quantity; a chain
// without movements replays to the current value.
func ReplayLedger(item *model.InventoryItem, movements []model.StockMovement) *model.LedgerReport {
	report := &model.LedgerReport{
		InventoryItemID:  item.ID,
		Movements:        len(movements),
		ReplayedOnHand:   item.QuantityOnHand,
		ReplayedReserved: item.QuantityReserved,
		CurrentOnHand:    item.QuantityOnHand,
		CurrentReserved:  item.QuantityReserved,
	}

	var (
		onHand, reserved         int64
		seenOnHand, seenReserved bool
	)
	for _, m := range movements {
		var (
			value *int64
			seen  *bool
		)
		if m.MovementType.AffectsOnHand() {
			value, seen = &onHand, &seenOnHand
		} else {
			value, seen = &reserved, &seenReserved
		}

		broken := m.PreviousQuantity+m.Quantity != m.NewQuantity
		if !*seen {
			*value = m.PreviousQuantity
			*seen = true
		} else if *value != m.PreviousQuantity {
			broken = true
		}
		if broken {
			report.BrokenSeqs = append(report.BrokenSeqs, m.Seq)
		}
		*value += m.Quantity
	}

	if seenOnHand {
		report.ReplayedOnHand = onHand
	}
	if seenReserved {
		report.ReplayedReserved = reserved
	}
	return report
}
