package suggest

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lotkeeper/internal/inventory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := inventory.ParseDate(s)
	require.NoError(t, err)
	return v
}

// scenarioLot: intake 2024-01-01, expiry 2024-01-31 (30 days), base 10.00.
func scenarioLot(t *testing.T, remaining string) inventory.Lot {
	exp := day(t, "2024-01-31")
	return inventory.Lot{
		ID:          "lot-1",
		ProductName: "yogurt",
		Quantity:    d("100"),
		Remaining:   d(remaining),
		IntakeAt:    day(t, "2024-01-01"),
		ExpiryDate:  &exp,
		BasePrice:   d("10.00"),
		Modifiable:  true,
	}
}

// salesAt48h spreads 9.5 units over intake..now (2024-01-20) = 456h, so the
// rate is exactly 48 hours per unit.
func salesAt48h(t *testing.T) []inventory.SaleEvent {
	return []inventory.SaleEvent{
		{ProductName: "yogurt", Quantity: d("4.5"), At: day(t, "2024-01-05")},
		{ProductName: "yogurt", Quantity: d("5"), At: day(t, "2024-01-12")},
	}
}

func TestDemandRate(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	lot := inventory.Lot{ID: "x", ProductName: "milk", IntakeAt: t0}

	tests := []struct {
		name   string
		sales  []inventory.SaleEvent
		now    time.Time
		want   string
		wantOK bool
	}{
		{
			name: "two sales",
			sales: []inventory.SaleEvent{
				{Quantity: d("5"), At: t0.Add(10 * time.Hour)},
				{Quantity: d("3"), At: t0.Add(20 * time.Hour)},
			},
			now:    t0.Add(30 * time.Hour),
			want:   "3.75",
			wantOK: true,
		},
		{
			name: "sub-second remainder truncated",
			sales: []inventory.SaleEvent{
				{Quantity: d("1"), At: t0.Add(time.Hour + 900*time.Millisecond)},
				{Quantity: d("1"), At: t0.Add(2*time.Hour + 900*time.Millisecond)},
			},
			now:    t0.Add(4*time.Hour + 900*time.Millisecond),
			want:   "2",
			wantOK: true,
		},
		{name: "no sales", now: t0.Add(time.Hour)},
		{
			name:  "one sale",
			sales: []inventory.SaleEvent{{Quantity: d("2"), At: t0.Add(time.Hour)}},
			now:   t0.Add(2 * time.Hour),
		},
		{
			name: "zero quantity",
			sales: []inventory.SaleEvent{
				{Quantity: d("0"), At: t0.Add(time.Hour)},
				{Quantity: d("0"), At: t0.Add(2 * time.Hour)},
			},
			now: t0.Add(3 * time.Hour),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := DemandRate(lot, tt.sales, tt.now)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.True(t, got.Equal(d(tt.want)), "rate %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExpiryRatio(t *testing.T) {
	t.Parallel()
	lot := scenarioLot(t, "20")
	got, err := ExpiryRatio(lot, day(t, "2024-01-20"))
	require.NoError(t, err)
	want := d("11").Div(d("30")).Sub(d("0.2"))
	assert.True(t, got.Equal(want), "ratio %s, want %s", got, want)
	assert.Equal(t, "0.1667", got.StringFixed(4))
}

func TestExpiryRatio_ComputeErrors(t *testing.T) {
	t.Parallel()
	today := day(t, "2024-01-20")

	forever := scenarioLot(t, "20")
	forever.ExpiryDate = nil

	sameDay := scenarioLot(t, "20")
	exp := day(t, "2024-01-01")
	sameDay.ExpiryDate = &exp

	empty := scenarioLot(t, "0")
	empty.Quantity = decimal.Zero

	for name, lot := range map[string]inventory.Lot{"no expiry": forever, "zero shelf life": sameDay, "zero quantity": empty} {
		_, err := ExpiryRatio(lot, today)
		assert.Truef(t, errors.Is(err, ErrCompute), "%s: err = %v", name, err)
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	now := day(t, "2024-01-20")

	t.Run("scenario none", func(t *testing.T) {
		got := decide(cfg, scenarioLot(t, "20"), salesAt48h(t), now)
		assert.Equal(t, inventory.SuggestNone, got.Type)
		assert.False(t, got.NewPrice.Valid)
		require.NotNil(t, got.StockOutDate)
		assert.Equal(t, "2024-02-29", got.StockOutDate.Format(inventory.DateLayout))
	})

	t.Run("restock within threshold", func(t *testing.T) {
		got := decide(cfg, scenarioLot(t, "2"), salesAt48h(t), now)
		assert.Equal(t, inventory.SuggestRestock, got.Type)
		require.NotNil(t, got.StockOutDate)
		assert.Equal(t, "2024-01-24", got.StockOutDate.Format(inventory.DateLayout))
	})

	t.Run("insufficient data skips restock", func(t *testing.T) {
		got := decide(cfg, scenarioLot(t, "2"), salesAt48h(t)[:1], now)
		assert.NotEqual(t, inventory.SuggestRestock, got.Type)
		assert.Nil(t, got.StockOutDate)
	})

	t.Run("price increase exact decimal", func(t *testing.T) {
		early := day(t, "2024-01-03")
		got := decide(cfg, scenarioLot(t, "2"), nil, early)
		require.Equal(t, inventory.SuggestPriceIncrease, got.Type)

		ratio := d("28").Div(d("30")).Sub(d("0.02"))
		want := d("10.00").Add(d("10.00").Mul(ratio.Mul(d("0.12")))).Round(2)
		require.True(t, got.NewPrice.Valid)
		assert.True(t, got.NewPrice.Decimal.Equal(want), "price %s, want %s", got.NewPrice.Decimal, want)
		assert.Equal(t, "11.10", got.NewPrice.Decimal.StringFixed(2))
	})

	t.Run("price decrease", func(t *testing.T) {
		// 2/30 - 95/100 = -0.8833...
		late := day(t, "2024-01-29")
		got := decide(cfg, scenarioLot(t, "95"), nil, late)
		require.Equal(t, inventory.SuggestPriceDecrease, got.Type)
		ratio := d("2").Div(d("30")).Sub(d("0.95"))
		want := d("10").Add(d("10").Mul(ratio.Mul(d("0.2")))).Round(2)
		assert.True(t, got.NewPrice.Decimal.Equal(want), "price %s, want %s", got.NewPrice.Decimal, want)
		assert.Equal(t, "8.23", got.NewPrice.Decimal.StringFixed(2))
	})

	t.Run("expired lot disposed", func(t *testing.T) {
		for _, s := range []string{"2024-01-31", "2024-02-05"} {
			got := decide(cfg, scenarioLot(t, "50"), salesAt48h(t), day(t, s))
			assert.Equal(t, inventory.SuggestDispose, got.Type, s)
			assert.Nil(t, got.StockOutDate)
			assert.False(t, got.NewPrice.Valid)
		}
	})

	t.Run("zero quantity disposed", func(t *testing.T) {
		lot := scenarioLot(t, "0")
		lot.Quantity = decimal.Zero
		got := decide(cfg, lot, nil, now)
		assert.Equal(t, inventory.SuggestDispose, got.Type)
	})

	t.Run("non perishable none", func(t *testing.T) {
		lot := scenarioLot(t, "1")
		lot.ExpiryDate = nil
		got := decide(cfg, lot, salesAt48h(t), now)
		assert.Equal(t, inventory.SuggestNone, got.Type)
	})
}

func TestEligible(t *testing.T) {
	t.Parallel()
	lot := scenarioLot(t, "20")
	assert.False(t, eligible(lot, day(t, "2024-01-15")))
	assert.True(t, eligible(lot, day(t, "2024-01-16")))

	// 31-day shelf life: midpoint floors to day 15.
	odd := scenarioLot(t, "20")
	exp := day(t, "2024-02-01")
	odd.ExpiryDate = &exp
	assert.True(t, eligible(odd, day(t, "2024-01-16")))
	assert.False(t, eligible(odd, day(t, "2024-01-15")))

	locked := scenarioLot(t, "20")
	locked.Modifiable = false
	assert.False(t, eligible(locked, day(t, "2024-01-25")))
}

func TestFloorHalf(t *testing.T) {
	t.Parallel()
	for in, want := range map[int]int{0: 0, 1: 0, 30: 15, 31: 15, -1: -1, -3: -2} {
		if got := floorHalf(in); got != want {
			t.Fatalf("floorHalf(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestAdjustedPriceRoundsToCents(t *testing.T) {
	// 1.00 * (1 + 0.125*0.2) = 1.025 exactly; stored as 1.03.
	got := adjustedPrice(d("1.00"), d("0.125"), d("0.2"))
	assert.Equal(t, "1.03", got.String())

	got = adjustedPrice(d("3.00"), d("-0.5"), d("0.2"))
	assert.Equal(t, "2.7", got.String())
}
