// Package inventory holds the lot, sale and suggestion records shared by the
// decision engine, the store and the cleanup job.
package inventory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Lot is one intake batch of a product, tracked separately from other
// intakes of the same product.
type Lot struct {
	ID          string          `json:"id"`
	ProductName string          `json:"product_name"`
	Barcode     string          `json:"barcode"`
	Quantity    decimal.Decimal `json:"quantity"`
	Remaining   decimal.Decimal `json:"remaining"`
	IntakeAt    time.Time       `json:"intake_at"`
	// ExpiryDate is a calendar date (midnight UTC). Nil means the lot never expires.
	ExpiryDate *time.Time      `json:"expiry_date,omitempty"`
	BasePrice  decimal.Decimal `json:"base_price"`
	// Modifiable lots are eligible for automatic decisions.
	Modifiable bool `json:"modifiable"`
}

// Perishable reports whether the lot has an expiry date.
func (l Lot) Perishable() bool { return l.ExpiryDate != nil }

// Validate checks the quantity invariants.
func (l Lot) Validate() error {
	if strings.TrimSpace(l.ProductName) == "" {
		return fmt.Errorf("product name required")
	}
	if l.Quantity.IsNegative() || l.Remaining.IsNegative() {
		return fmt.Errorf("quantities must be >= 0")
	}
	if l.Remaining.GreaterThan(l.Quantity) {
		return fmt.Errorf("remaining %s exceeds quantity %s", l.Remaining, l.Quantity)
	}
	if l.BasePrice.IsNegative() {
		return fmt.Errorf("base price must be >= 0")
	}
	return nil
}

// IntakeDate is the calendar date of intake as seen in loc (UTC when nil).
func (l Lot) IntakeDate(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return DateOf(l.IntakeAt.In(loc))
}

// ShelfLifeDays is the number of days between intake and expiry.
// ok is false for non-perishable lots.
func (l Lot) ShelfLifeDays(loc *time.Location) (days int, ok bool) {
	if l.ExpiryDate == nil {
		return 0, false
	}
	return DaysBetween(l.IntakeDate(loc), *l.ExpiryDate), true
}

// SaleEvent is one line of transaction history: some quantity of a product sold at a time.
type SaleEvent struct {
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	At          time.Time       `json:"at"`
}

// SuggestionType tags what the engine proposes for a lot.
type SuggestionType int

const (
	SuggestNone SuggestionType = iota
	SuggestRestock
	SuggestPriceIncrease
	SuggestPriceDecrease
	SuggestDispose
)

var suggestionTypeNames = map[SuggestionType]string{
	SuggestNone:          "None",
	SuggestRestock:       "Restock",
	SuggestPriceIncrease: "PriceIncrease",
	SuggestPriceDecrease: "PriceDecrease",
	SuggestDispose:       "Dispose",
}

func (t SuggestionType) String() string {
	if s, ok := suggestionTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("SuggestionType(%d)", int(t))
}

// IsPrice reports whether the type carries a proposed price.
func (t SuggestionType) IsPrice() bool {
	return t == SuggestPriceIncrease || t == SuggestPriceDecrease
}

// ParseSuggestionType is the inverse of String.
func ParseSuggestionType(s string) (SuggestionType, error) {
	for t, name := range suggestionTypeNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return t, nil
		}
	}
	return SuggestNone, fmt.Errorf("unknown suggestion type %q", s)
}

func (t SuggestionType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *SuggestionType) UnmarshalText(b []byte) error {
	v, err := ParseSuggestionType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Suggestion is a derived, advisory record. At most one exists per lot and the
// whole set is replaced on every batch run.
type Suggestion struct {
	ID    int64          `json:"id"`
	LotID string         `json:"lot_id"`
	Type  SuggestionType `json:"type"`
	// NewPrice is only valid for PriceIncrease / PriceDecrease.
	NewPrice decimal.NullDecimal `json:"new_price"`
	// StockOutDate is the predicted calendar date the lot runs out, when known.
	StockOutDate *time.Time `json:"stock_out_date,omitempty"`
}

// MarshalJSON renders dates as YYYY-MM-DD.
func (s Suggestion) MarshalJSON() ([]byte, error) {
	type alias Suggestion
	out := struct {
		alias
		StockOutDate string `json:"stock_out_date,omitempty"`
	}{alias: alias(s)}
	if s.StockOutDate != nil {
		out.StockOutDate = s.StockOutDate.Format(DateLayout)
	}
	return json.Marshal(out)
}

// PriceChange is an approved price modification for a lot.
type PriceChange struct {
	ID         int64           `json:"id"`
	LotID      string          `json:"lot_id"`
	NewPrice   decimal.Decimal `json:"new_price"`
	ApprovedBy string          `json:"approved_by"`
	ApprovedAt time.Time       `json:"approved_at"`
	Automatic  bool            `json:"automatic"`
}

// DateLayout is the canonical calendar-date format.
const DateLayout = "2006-01-02"

// DateOf returns t's calendar date (in t's location) as midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole number of days from a to b (both calendar dates).
func DaysBetween(a, b time.Time) int {
	return int(DateOf(b).Sub(DateOf(a)).Hours() / 24)
}

// ParseDate parses YYYY-MM-DD into a calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return DateOf(t), nil
}
