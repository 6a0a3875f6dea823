package suggest

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Config holds the decision thresholds.
type Config struct {
	RestockThresholdDays int

	PriceIncreaseThreshold  decimal.Decimal
	PriceDecreaseThreshold  decimal.Decimal
	PriceIncreaseMultiplier decimal.Decimal
	PriceDecreaseMultiplier decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		RestockThresholdDays:    7,
		PriceIncreaseThreshold:  decimal.RequireFromString("0.7"),
		PriceDecreaseThreshold:  decimal.RequireFromString("-0.4"),
		PriceIncreaseMultiplier: decimal.RequireFromString("0.12"),
		PriceDecreaseMultiplier: decimal.RequireFromString("0.2"),
	}
}

func (c Config) Validate() error {
	if c.RestockThresholdDays < 0 {
		return fmt.Errorf("restock threshold must be >= 0")
	}
	if c.PriceDecreaseThreshold.GreaterThanOrEqual(c.PriceIncreaseThreshold) {
		return fmt.Errorf("price decrease threshold %s must be below increase threshold %s",
			c.PriceDecreaseThreshold, c.PriceIncreaseThreshold)
	}
	if c.PriceIncreaseMultiplier.IsNegative() || c.PriceDecreaseMultiplier.IsNegative() {
		return fmt.Errorf("price multipliers must be >= 0")
	}
	return nil
}
