package writers

import (
	"encoding/json"
	"testing"

	"github.com/theokelly26/KASS/internal/models"
)

// Supplemented feature (SPEC_FULL.md #6, src/persistence/writers/orderbook_writer.go):
// the derived orderbook_snapshot row carries spread and top-5 depth on
// each side alongside the raw levels.
func TestSnapshotRow_ComputesSpreadAndTop5Depth(t *testing.T) {
	snap := models.OrderbookSnapshot{
		MarketTicker: "M1",
		Yes: []models.PriceLevel{
			{Price: 40, Qty: 10}, {Price: 39, Qty: 5}, {Price: 38, Qty: 5},
			{Price: 37, Qty: 5}, {Price: 36, Qty: 5}, {Price: 35, Qty: 100}, // 6th level excluded from top 5
		},
		No: []models.PriceLevel{{Price: 55, Qty: 20}}, // yes ask = 100-55 = 45
	}
	book := models.NewBookFromSnapshot(snap)

	row := snapshotRow(1000, book)

	if row.MarketTicker != "M1" || row.Ts != 1000 {
		t.Errorf("row = %+v, want MarketTicker=M1 Ts=1000", row)
	}
	if row.Spread == nil || *row.Spread != 5 {
		t.Errorf("Spread = %v, want 5 (45-40)", row.Spread)
	}
	if row.YesDepth5 == nil || *row.YesDepth5 != 30 {
		t.Errorf("YesDepth5 = %v, want 30 (10+5+5+5+5, excluding the 6th level)", row.YesDepth5)
	}
	if row.NoDepth5 == nil || *row.NoDepth5 != 20 {
		t.Errorf("NoDepth5 = %v, want 20", row.NoDepth5)
	}

	var yesLevels []models.PriceLevel
	if err := json.Unmarshal(row.YesLevels, &yesLevels); err != nil {
		t.Fatalf("unmarshal YesLevels: %v", err)
	}
	if len(yesLevels) != 6 {
		t.Errorf("YesLevels carries %d raw levels, want all 6 (depth limiting is a derived-field-only concern)", len(yesLevels))
	}
}

func TestSnapshotRow_EmptyBookHasNoSpread(t *testing.T) {
	book := models.NewBookFromSnapshot(models.OrderbookSnapshot{MarketTicker: "M1"})
	row := snapshotRow(1000, book)
	if row.Spread != nil {
		t.Errorf("Spread = %v, want nil for an empty book", row.Spread)
	}
	if row.YesDepth5 == nil || *row.YesDepth5 != 0 {
		t.Errorf("YesDepth5 = %v, want 0", row.YesDepth5)
	}
}
