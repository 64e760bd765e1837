package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/inventory"
	"github.com/fekuna/omnipos-inventory-service/internal/inventory/dto"
	"github.com/fekuna/omnipos-inventory-service/internal/inventory/repository"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/fekuna/omnipos-inventory-service/pkg/logger"
	"pgregory.net/rapid"
)

var adjustTypes = []model.MovementType{
	model.MovementReceive,
	model.MovementSell,
	model.MovementAdjust,
	model.MovementReturn,
	model.MovementDamage,
}

// Any sequence of operations keeps 0 <= reserved <= on_hand, rejected
// operations leave the row untouched, and the log always replays to the row.
func TestLedgerInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		repo := repository.NewMemoryRepository(time.Second)
		uc := NewInventoryUseCase(repo, nil, nil, logger.NewNop(), Config{})
		defer uc.Close()

		repo.Seed(model.InventoryItem{
			ProductID:         keyA.ProductID,
			VariantID:         keyA.VariantID,
			LocationID:        keyA.LocationID,
			LowStockThreshold: rapid.Int64Range(0, 10).Draw(t, "threshold"),
		})

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			before, err := repo.GetByKey(ctx, keyA)
			if err != nil {
				t.Fatal(err)
			}

			qty := rapid.Int64Range(1, 8).Draw(t, "qty")
			lines := []dto.ReservationLine{line(keyA, qty)}
			switch op := rapid.IntRange(0, 3).Draw(t, "op"); op {
			case 0:
				typ := rapid.SampledFrom(adjustTypes).Draw(t, "type")
				delta := qty
				if rapid.Bool().Draw(t, "negative") {
					delta = -qty
				}
				_, err = uc.AdjustInventory(ctx, &dto.AdjustInventoryInput{
					ProductID: keyA.ProductID, VariantID: keyA.VariantID, LocationID: keyA.LocationID,
					Delta: delta, MovementType: typ,
				})
			case 1:
				err = uc.ReserveStock(ctx, &dto.ReserveInput{Lines: lines})
			case 2:
				err = uc.ReleaseStock(ctx, &dto.ReleaseInput{Lines: lines})
			case 3:
				err = uc.CommitReservation(ctx, &dto.ReleaseInput{Lines: lines})
			}

			after, getErr := repo.GetByKey(ctx, keyA)
			if getErr != nil {
				t.Fatal(getErr)
			}
			if after.QuantityReserved < 0 || after.QuantityReserved > after.QuantityOnHand {
				t.Fatalf("bounds violated: on_hand=%d reserved=%d", after.QuantityOnHand, after.QuantityReserved)
			}
			if err != nil {
				if !errors.Is(err, inventory.ErrInsufficientStock) && !errors.Is(err, inventory.ErrReservationUnderflow) {
					t.Fatalf("unexpected error: %v", err)
				}
				if after.QuantityOnHand != before.QuantityOnHand || after.QuantityReserved != before.QuantityReserved {
					t.Fatalf("rejected operation changed the row: %+v -> %+v", before, after)
				}
			}
		}

		report, err := uc.VerifyLedger(ctx, keyA)
		if err != nil {
			t.Fatal(err)
		}
		if !report.Consistent() {
			t.Fatalf("ledger does not replay: %+v", report)
		}
	})
}

func TestCanonicalLines_SortedAndMerged(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		products := []string{"a", "b", "c"}
		n := rapid.IntRange(1, 12).Draw(t, "n")
		lines := make([]dto.ReservationLine, n)
		var total int64
		for i := range lines {
			q := rapid.Int64Range(1, 5).Draw(t, "qty")
			total += q
			lines[i] = dto.ReservationLine{
				ProductID:  rapid.SampledFrom(products).Draw(t, "product"),
				LocationID: "loc-1",
				Quantity:   q,
			}
		}

		out, err := canonicalLines(lines)
		if err != nil {
			t.Fatal(err)
		}
		var sum int64
		for i, l := range out {
			sum += l.Quantity
			if i > 0 && !out[i-1].Key().Less(l.Key()) {
				t.Fatalf("lines not strictly ordered at %d: %+v", i, out)
			}
		}
		if sum != total {
			t.Fatalf("merged quantity %d, want %d", sum, total)
		}
	})
}
