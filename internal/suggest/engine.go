package suggest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lotkeeper/internal/eventbus"
	"lotkeeper/internal/inventory"
	"lotkeeper/internal/storage"
	logx "lotkeeper/pkg/logx"
)

// Engine decides suggestions for lots and manages the stored suggestion set.
type Engine struct {
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus

	mu  sync.RWMutex
	cfg Config
	loc *time.Location
	now func() time.Time
}

type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLocation sets the timezone calendar dates are computed in.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithBus publishes a RegenerateReport after every successful batch.
func WithBus(b eventbus.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

func New(store storage.Store, cfg Config, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		store: store,
		log:   log.With(logx.String("comp", "suggest")),
		cfg:   cfg,
		loc:   time.Local,
		now:   time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e
}

// Reconfigure swaps thresholds and timezone. A running batch keeps the values
// it started with.
func (e *Engine) Reconfigure(cfg Config, loc *time.Location) {
	e.mu.Lock()
	e.cfg = cfg
	if loc != nil {
		e.loc = loc
	}
	e.mu.Unlock()
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Engine) snapshot() (Config, time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.now().In(e.loc)
}

// Decide evaluates one lot against its product's sales history.
// Price suggestions carry base*(1+ratio*multiplier) rounded half away from
// zero to two decimal places; the unrounded value is never stored.
func (e *Engine) Decide(ctx context.Context, lot inventory.Lot, now time.Time) (inventory.Suggestion, error) {
	cfg := e.Config()
	sales, err := e.salesFor(ctx, lot)
	if err != nil {
		return inventory.Suggestion{}, err
	}
	return decide(cfg, lot, sales, now), nil
}

func (e *Engine) salesFor(ctx context.Context, lot inventory.Lot) ([]inventory.SaleEvent, error) {
	if !lot.Perishable() {
		return nil, nil
	}
	sales, err := e.store.SalesByProduct(ctx, lot.ProductName)
	if err != nil {
		return nil, &PersistenceError{Op: "load sales for " + lot.ProductName, Err: err}
	}
	return sales, nil
}

// Preview computes the suggestion for a single lot without storing it.
// Eligibility (modifiable, past midpoint) is not checked.
// NewPrice is rounded to cents as in Decide.
func (e *Engine) Preview(ctx context.Context, lotID string) (inventory.Suggestion, error) {
	lot, err := e.store.GetLot(ctx, lotID)
	if errors.Is(err, storage.ErrNotFound) {
		return inventory.Suggestion{}, fmt.Errorf("%w: %s", ErrLotNotFound, lotID)
	}
	if err != nil {
		return inventory.Suggestion{}, &PersistenceError{Op: "get lot", Err: err}
	}
	_, now := e.snapshot()
	return e.Decide(ctx, lot, now)
}

// RegenerateReport is published as the data of a regenerate event.
type RegenerateReport struct {
	Eligible int            `json:"eligible"`
	Stored   int            `json:"stored"`
	ByType   map[string]int `json:"by_type"`
	Took     time.Duration  `json:"took"`
}

// RegenerateAll decides every eligible lot and replaces the stored suggestion
// set with the non-None results. It returns the number stored.
func (e *Engine) RegenerateAll(ctx context.Context) (int, error) {
	start := time.Now()
	cfg, now := e.snapshot()

	lots, err := e.store.ListDecisionLots(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "list lots", Err: err}
	}

	var (
		set    []inventory.Suggestion
		nElig  int
		byType = map[string]int{}
		sales  = map[string][]inventory.SaleEvent{}
	)
	for _, lot := range lots {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !eligible(lot, now) {
			continue
		}
		nElig++

		hist, cached := sales[lot.ProductName]
		if !cached {
			if hist, err = e.salesFor(ctx, lot); err != nil {
				return 0, err
			}
			sales[lot.ProductName] = hist
		}

		sg := decide(cfg, lot, hist, now)
		byType[sg.Type.String()]++
		if sg.Type == inventory.SuggestNone {
			continue
		}
		set = append(set, sg)
	}

	if err := e.store.ReplaceSuggestions(ctx, set); err != nil {
		return 0, &PersistenceError{Op: "replace suggestions", Err: err}
	}

	rep := RegenerateReport{Eligible: nElig, Stored: len(set), ByType: byType, Took: time.Since(start)}
	e.log.Info("suggestions regenerated",
		logx.Int("eligible", rep.Eligible),
		logx.Int("stored", rep.Stored),
		logx.Any("by_type", rep.ByType),
		logx.Duration("took", rep.Took),
	)
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeSuggestionsRegenerated, Data: rep})
	}
	return len(set), nil
}

func (e *Engine) List(ctx context.Context) ([]inventory.Suggestion, error) {
	out, err := e.store.ListSuggestions(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list suggestions", Err: err}
	}
	return out, nil
}

// Apply records the suggested price as an approved PriceChange and removes
// the suggestion. Only price suggestions can be applied.
func (e *Engine) Apply(ctx context.Context, id int64, approver string) (inventory.PriceChange, error) {
	sg, err := e.store.GetSuggestion(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return inventory.PriceChange{}, fmt.Errorf("%w: %d", ErrSuggestionNotFound, id)
	}
	if err != nil {
		return inventory.PriceChange{}, &PersistenceError{Op: "get suggestion", Err: err}
	}
	if !sg.Type.IsPrice() || !sg.NewPrice.Valid {
		return inventory.PriceChange{}, fmt.Errorf("%w: %s", ErrNotApplicable, sg.Type)
	}

	_, now := e.snapshot()
	pc, err := e.store.ApplyPriceChange(ctx, id, inventory.PriceChange{
		LotID:      sg.LotID,
		NewPrice:   sg.NewPrice.Decimal,
		ApprovedBy: approver,
		ApprovedAt: now,
	})
	if errors.Is(err, storage.ErrNotFound) {
		return inventory.PriceChange{}, fmt.Errorf("%w: %d", ErrSuggestionNotFound, id)
	}
	if err != nil {
		return inventory.PriceChange{}, &PersistenceError{Op: "apply price change", Err: err}
	}
	e.log.Info("price change applied",
		logx.String("lot", pc.LotID),
		logx.Stringer("price", pc.NewPrice),
		logx.String("by", approver),
	)
	return pc, nil
}

func (e *Engine) Dismiss(ctx context.Context, id int64) error {
	err := e.store.DeleteSuggestion(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrSuggestionNotFound, id)
	}
	if err != nil {
		return &PersistenceError{Op: "delete suggestion", Err: err}
	}
	return nil
}

func (e *Engine) DismissAll(ctx context.Context) (int, error) {
	n, err := e.store.DeleteAllSuggestions(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "delete suggestions", Err: err}
	}
	return n, nil
}
