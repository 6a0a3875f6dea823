package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"lotkeeper/internal/inventory"
)

// Memory is a process-local Store. Every method takes one lock, so a
// ReplaceSuggestions or ApplyPriceChange call is atomic with respect to
// other callers.
type Memory struct {
	mu sync.RWMutex

	lots         map[string]inventory.Lot
	sales        []inventory.SaleEvent
	suggestions  map[int64]inventory.Suggestion
	priceChanges []inventory.PriceChange

	nextSuggestionID int64
	nextPriceID      int64

	// FailReplace makes the next ReplaceSuggestions call fail without
	// touching the stored set. Tests use it to exercise persistence errors.
	FailReplace error
}

func NewMemory() *Memory {
	return &Memory{
		lots:        make(map[string]inventory.Lot),
		suggestions: make(map[int64]inventory.Suggestion),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) AddLot(_ context.Context, lot *inventory.Lot) error {
	if lot == nil {
		return ErrInvalidLot
	}
	if err := lot.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLot, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if lot.ID == "" {
		lot.ID = uuid.NewString()
	}
	if _, exists := m.lots[lot.ID]; exists {
		return fmt.Errorf("lot %s already exists", lot.ID)
	}
	if lot.IntakeAt.IsZero() {
		lot.IntakeAt = time.Now()
	}
	m.lots[lot.ID] = copyLot(*lot)
	return nil
}

func (m *Memory) GetLot(_ context.Context, id string) (inventory.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lot, ok := m.lots[id]
	if !ok {
		return inventory.Lot{}, ErrNotFound
	}
	return copyLot(lot), nil
}

func (m *Memory) ListLots(_ context.Context) ([]inventory.Lot, error) {
	return m.filterLots(func(inventory.Lot) bool { return true }), nil
}

func (m *Memory) ListDecisionLots(_ context.Context) ([]inventory.Lot, error) {
	return m.filterLots(func(l inventory.Lot) bool { return l.Modifiable && l.Perishable() }), nil
}

func (m *Memory) filterLots(keep func(inventory.Lot) bool) []inventory.Lot {
	m.mu.RLock()
	out := make([]inventory.Lot, 0, len(m.lots))
	for _, l := range m.lots {
		if keep(l) {
			out = append(out, copyLot(l))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IntakeAt.Equal(out[j].IntakeAt) {
			return out[i].IntakeAt.Before(out[j].IntakeAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) UpdateRemaining(_ context.Context, id string, remaining decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lot, ok := m.lots[id]
	if !ok {
		return ErrNotFound
	}
	lot.Remaining = remaining
	if err := lot.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLot, err)
	}
	m.lots[id] = lot
	return nil
}

func (m *Memory) DeleteDepletedLots(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, l := range m.lots {
		if !l.Remaining.IsZero() {
			continue
		}
		delete(m.lots, id)
		m.dropLotRefsLocked(id)
		n++
	}
	return n, nil
}

// dropLotRefsLocked mirrors ON DELETE CASCADE.
func (m *Memory) dropLotRefsLocked(lotID string) {
	for sid, sg := range m.suggestions {
		if sg.LotID == lotID {
			delete(m.suggestions, sid)
		}
	}
	kept := m.priceChanges[:0]
	for _, pc := range m.priceChanges {
		if pc.LotID != lotID {
			kept = append(kept, pc)
		}
	}
	m.priceChanges = kept
}

func (m *Memory) RecordSale(_ context.Context, ev inventory.SaleEvent) error {
	if strings.TrimSpace(ev.ProductName) == "" {
		return errors.New("sale product name required")
	}
	if !ev.Quantity.IsPositive() {
		return errors.New("sale quantity must be > 0")
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.mu.Lock()
	m.sales = append(m.sales, ev)
	m.mu.Unlock()
	return nil
}

func (m *Memory) SalesByProduct(_ context.Context, productName string) ([]inventory.SaleEvent, error) {
	m.mu.RLock()
	var out []inventory.SaleEvent
	for _, ev := range m.sales {
		if ev.ProductName == productName {
			out = append(out, ev)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (m *Memory) ListSuggestions(_ context.Context) ([]inventory.Suggestion, error) {
	m.mu.RLock()
	out := make([]inventory.Suggestion, 0, len(m.suggestions))
	for _, sg := range m.suggestions {
		out = append(out, sg)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetSuggestion(_ context.Context, id int64) (inventory.Suggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sg, ok := m.suggestions[id]
	if !ok {
		return inventory.Suggestion{}, ErrNotFound
	}
	return sg, nil
}

func (m *Memory) ReplaceSuggestions(_ context.Context, set []inventory.Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailReplace; err != nil {
		m.FailReplace = nil
		return err
	}

	next := make(map[int64]inventory.Suggestion, len(set))
	seen := make(map[string]struct{}, len(set))
	id := m.nextSuggestionID
	for _, sg := range set {
		if _, ok := m.lots[sg.LotID]; !ok {
			return fmt.Errorf("insert suggestion for lot %s: %w", sg.LotID, ErrNotFound)
		}
		if _, dup := seen[sg.LotID]; dup {
			return fmt.Errorf("insert suggestion for lot %s: duplicate lot", sg.LotID)
		}
		seen[sg.LotID] = struct{}{}
		id++
		sg.ID = id
		next[id] = sg
	}
	m.suggestions = next
	m.nextSuggestionID = id
	return nil
}

func (m *Memory) DeleteSuggestion(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.suggestions[id]; !ok {
		return ErrNotFound
	}
	delete(m.suggestions, id)
	return nil
}

func (m *Memory) DeleteAllSuggestions(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.suggestions)
	m.suggestions = make(map[int64]inventory.Suggestion)
	return n, nil
}

func (m *Memory) ApplyPriceChange(_ context.Context, suggestionID int64, pc inventory.PriceChange) (inventory.PriceChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.suggestions[suggestionID]; !ok {
		return inventory.PriceChange{}, ErrNotFound
	}
	if _, ok := m.lots[pc.LotID]; !ok {
		return inventory.PriceChange{}, ErrNotFound
	}
	if pc.ApprovedAt.IsZero() {
		pc.ApprovedAt = time.Now()
	}
	m.nextPriceID++
	pc.ID = m.nextPriceID
	m.priceChanges = append(m.priceChanges, pc)
	delete(m.suggestions, suggestionID)
	return pc, nil
}

func (m *Memory) ListPriceChanges(_ context.Context, lotID string) ([]inventory.PriceChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []inventory.PriceChange
	for _, pc := range m.priceChanges {
		if lotID == "" || pc.LotID == lotID {
			out = append(out, pc)
		}
	}
	return out, nil
}

func copyLot(l inventory.Lot) inventory.Lot {
	if l.ExpiryDate != nil {
		d := *l.ExpiryDate
		l.ExpiryDate = &d
	}
	return l
}

var _ Store = (*Memory)(nil)
