package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"lotkeeper/internal/inventory"
)

var (
	ErrDisabled   = errors.New("storage disabled")
	ErrNotFound   = errors.New("record not found")
	ErrInvalidLot = errors.New("invalid lot")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": in-process maps (nothing persisted)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the suggestion engine, the cleanup job
// and the CLI.
type Store interface {
	// AddLot inserts a lot, assigning a uuid when lot.ID is empty.
	AddLot(ctx context.Context, lot *inventory.Lot) error
	GetLot(ctx context.Context, id string) (inventory.Lot, error)
	ListLots(ctx context.Context) ([]inventory.Lot, error)
	// ListDecisionLots returns modifiable, perishable lots.
	ListDecisionLots(ctx context.Context) ([]inventory.Lot, error)
	UpdateRemaining(ctx context.Context, id string, remaining decimal.Decimal) error
	// DeleteDepletedLots removes lots whose remaining quantity is zero and
	// returns how many were removed.
	DeleteDepletedLots(ctx context.Context) (int, error)

	RecordSale(ctx context.Context, s inventory.SaleEvent) error
	// SalesByProduct returns the product's sales ordered by time ascending.
	SalesByProduct(ctx context.Context, productName string) ([]inventory.SaleEvent, error)

	ListSuggestions(ctx context.Context) ([]inventory.Suggestion, error)
	GetSuggestion(ctx context.Context, id int64) (inventory.Suggestion, error)
	// ReplaceSuggestions discards every stored suggestion and writes set in a
	// single transaction. On error nothing is changed.
	ReplaceSuggestions(ctx context.Context, set []inventory.Suggestion) error
	DeleteSuggestion(ctx context.Context, id int64) error
	DeleteAllSuggestions(ctx context.Context) (int, error)

	// ApplyPriceChange records pc and deletes the suggestion it came from,
	// atomically.
	ApplyPriceChange(ctx context.Context, suggestionID int64, pc inventory.PriceChange) (inventory.PriceChange, error)
	ListPriceChanges(ctx context.Context, lotID string) ([]inventory.PriceChange, error)

	Close() error
}
