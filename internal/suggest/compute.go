package suggest

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"lotkeeper/internal/inventory"
)

var (
	hoursPerDay    = decimal.NewFromInt(24)
	secondsPerHour = decimal.NewFromInt(3600)
)

// ExpiryRatio returns daysUntilExpiry/shelfLifeDays - remaining/quantity.
//
// today is interpreted in its own location: the lot's intake date is taken
// in that location as well.
func ExpiryRatio(lot inventory.Lot, today time.Time) (decimal.Decimal, error) {
	shelf, ok := lot.ShelfLifeDays(today.Location())
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: lot %s has no expiry date", ErrCompute, lot.ID)
	}
	if shelf == 0 {
		return decimal.Zero, fmt.Errorf("%w: lot %s has zero shelf life", ErrCompute, lot.ID)
	}
	if lot.Quantity.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: lot %s has zero quantity", ErrCompute, lot.ID)
	}
	untilExpiry := inventory.DaysBetween(inventory.DateOf(today), *lot.ExpiryDate)

	timeLeft := decimal.NewFromInt(int64(untilExpiry)).Div(decimal.NewFromInt(int64(shelf)))
	stockLeft := lot.Remaining.Div(lot.Quantity)
	return timeLeft.Sub(stockLeft), nil
}

// DemandRate returns the average number of hours between unit sales of the
// lot's product.
//
// The intervals are intake -> first sale -> ... -> last sale -> now, each
// truncated to whole seconds. sales must be ordered by time ascending. ok is
// false when fewer than two sales are recorded or nothing was sold.
func DemandRate(lot inventory.Lot, sales []inventory.SaleEvent, now time.Time) (hoursPerUnit decimal.Decimal, ok bool) {
	if len(sales) < 2 {
		return decimal.Zero, false
	}

	var (
		totalSecs int64
		totalQty  = decimal.Zero
		last      = lot.IntakeAt
	)
	for _, s := range sales {
		totalSecs += wholeSeconds(s.At.Sub(last))
		totalQty = totalQty.Add(s.Quantity)
		last = s.At
	}
	totalSecs += wholeSeconds(now.Sub(last))

	if !totalQty.IsPositive() {
		return decimal.Zero, false
	}
	hours := decimal.NewFromInt(totalSecs).Div(secondsPerHour)
	return hours.Div(totalQty), true
}

func wholeSeconds(d time.Duration) int64 {
	return int64(d.Truncate(time.Second) / time.Second)
}

// decide evaluates one lot. sales are the product's sales in time order.
// today must be a time in the business location; only its calendar date and
// location are used for date arithmetic, now is used for demand intervals.
func decide(cfg Config, lot inventory.Lot, sales []inventory.SaleEvent, now time.Time) inventory.Suggestion {
	out := inventory.Suggestion{LotID: lot.ID, Type: inventory.SuggestNone}
	if !lot.Perishable() {
		return out
	}

	today := inventory.DateOf(now)
	if inventory.DaysBetween(today, *lot.ExpiryDate) <= 0 {
		out.Type = inventory.SuggestDispose
		return out
	}

	ratio, err := ExpiryRatio(lot, now)
	if err != nil {
		out.Type = inventory.SuggestDispose
		return out
	}

	if rate, ok := DemandRate(lot, sales, now); ok {
		days := lot.Remaining.Mul(rate).Div(hoursPerDay).Floor().IntPart()
		d := today.AddDate(0, 0, int(days))
		out.StockOutDate = &d
		if days >= 0 && days <= int64(cfg.RestockThresholdDays) {
			out.Type = inventory.SuggestRestock
			return out
		}
	}

	switch {
	case ratio.GreaterThanOrEqual(cfg.PriceIncreaseThreshold):
		out.Type = inventory.SuggestPriceIncrease
		out.NewPrice = decimal.NewNullDecimal(adjustedPrice(lot.BasePrice, ratio, cfg.PriceIncreaseMultiplier))
	case ratio.LessThanOrEqual(cfg.PriceDecreaseThreshold):
		out.Type = inventory.SuggestPriceDecrease
		out.NewPrice = decimal.NewNullDecimal(adjustedPrice(lot.BasePrice, ratio, cfg.PriceDecreaseMultiplier))
	}
	return out
}

// adjustedPrice is base + base*ratio*multiplier, rounded to cents.
func adjustedPrice(base, ratio, multiplier decimal.Decimal) decimal.Decimal {
	return base.Add(base.Mul(ratio.Mul(multiplier))).Round(2)
}

// eligible reports whether a lot is past the midpoint of its shelf life.
func eligible(lot inventory.Lot, now time.Time) bool {
	if !lot.Modifiable || !lot.Perishable() {
		return false
	}
	shelf, _ := lot.ShelfLifeDays(now.Location())
	midpoint := lot.IntakeDate(now.Location()).AddDate(0, 0, floorHalf(shelf))
	return !inventory.DateOf(now).Before(midpoint)
}

// floorHalf rounds toward negative infinity so a negative shelf life (expiry
// before intake) still yields a midpoint at or before intake.
func floorHalf(n int) int {
	if n >= 0 {
		return n / 2
	}
	return -((-n + 1) / 2)
}
