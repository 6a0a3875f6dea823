package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"lotkeeper/internal/inventory"
	logx "lotkeeper/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Timestamps are stored as fixed-width UTC text so that ORDER BY on the
// column is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and per-connection
	// pragmas (foreign_keys) stay in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	if path != ":memory:" {
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
	}
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLiteFromDB(db, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func newSQLiteFromDB(db *sql.DB, log logx.Logger) *sqliteStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log.With(logx.String("comp", "storage.sqlite"))}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- lots ----

const lotColumns = `id, product_name, barcode, quantity, remaining, intake_at, expiry_date, base_price, modifiable`

func (s *sqliteStore) AddLot(ctx context.Context, lot *inventory.Lot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if lot == nil {
		return ErrInvalidLot
	}
	if err := lot.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLot, err)
	}
	if lot.ID == "" {
		lot.ID = uuid.NewString()
	}
	if lot.IntakeAt.IsZero() {
		lot.IntakeAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lots(`+lotColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		lot.ID, lot.ProductName, lot.Barcode, lot.Quantity, lot.Remaining,
		formatTime(lot.IntakeAt), formatDatePtr(lot.ExpiryDate), lot.BasePrice, lot.Modifiable,
	)
	return err
}

func (s *sqliteStore) GetLot(ctx context.Context, id string) (inventory.Lot, error) {
	if s == nil || s.db == nil {
		return inventory.Lot{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = ?`, id)
	lot, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Lot{}, ErrNotFound
	}
	return lot, err
}

func (s *sqliteStore) ListLots(ctx context.Context) ([]inventory.Lot, error) {
	return s.queryLots(ctx, `SELECT `+lotColumns+` FROM lots ORDER BY intake_at, id`)
}

func (s *sqliteStore) ListDecisionLots(ctx context.Context) ([]inventory.Lot, error) {
	return s.queryLots(ctx, `SELECT `+lotColumns+` FROM lots
		WHERE modifiable = 1 AND expiry_date IS NOT NULL ORDER BY intake_at, id`)
}

func (s *sqliteStore) queryLots(ctx context.Context, q string, args ...any) ([]inventory.Lot, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inventory.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lot)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateRemaining(ctx context.Context, id string, remaining decimal.Decimal) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	lot, err := s.GetLot(ctx, id)
	if err != nil {
		return err
	}
	lot.Remaining = remaining
	if err := lot.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLot, err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE lots SET remaining = ? WHERE id = ?`, remaining, id)
	return err
}

func (s *sqliteStore) DeleteDepletedLots(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id, remaining FROM lots`)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		var rem decimal.Decimal
		if err := rows.Scan(&id, &rem); err != nil {
			_ = rows.Close()
			return 0, err
		}
		// Text comparison would miss "0.000" and friends.
		if rem.IsZero() {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM lots WHERE id = ?`, id); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLot(r rowScanner) (inventory.Lot, error) {
	var (
		lot      inventory.Lot
		intakeAt string
		expiry   sql.NullString
	)
	if err := r.Scan(&lot.ID, &lot.ProductName, &lot.Barcode, &lot.Quantity, &lot.Remaining,
		&intakeAt, &expiry, &lot.BasePrice, &lot.Modifiable); err != nil {
		return inventory.Lot{}, err
	}
	t, err := parseTime(intakeAt)
	if err != nil {
		return inventory.Lot{}, fmt.Errorf("lot %s intake_at: %w", lot.ID, err)
	}
	lot.IntakeAt = t
	if expiry.Valid {
		d, err := inventory.ParseDate(expiry.String)
		if err != nil {
			return inventory.Lot{}, fmt.Errorf("lot %s expiry_date: %w", lot.ID, err)
		}
		lot.ExpiryDate = &d
	}
	return lot, nil
}

// ---- sales ----

func (s *sqliteStore) RecordSale(ctx context.Context, ev inventory.SaleEvent) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(ev.ProductName) == "" {
		return errors.New("sale product name required")
	}
	if !ev.Quantity.IsPositive() {
		return errors.New("sale quantity must be > 0")
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sales(product_name, quantity, at) VALUES(?,?,?)`,
		ev.ProductName, ev.Quantity, formatTime(ev.At),
	)
	return err
}

func (s *sqliteStore) SalesByProduct(ctx context.Context, productName string) ([]inventory.SaleEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_name, quantity, at FROM sales WHERE product_name = ? ORDER BY at, id`, productName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inventory.SaleEvent
	for rows.Next() {
		var ev inventory.SaleEvent
		var at string
		if err := rows.Scan(&ev.ProductName, &ev.Quantity, &at); err != nil {
			return nil, err
		}
		if ev.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---- suggestions ----

func (s *sqliteStore) ListSuggestions(ctx context.Context) ([]inventory.Suggestion, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lot_id, type, new_price, stock_out_date FROM suggestions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inventory.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetSuggestion(ctx context.Context, id int64) (inventory.Suggestion, error) {
	if s == nil || s.db == nil {
		return inventory.Suggestion{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, lot_id, type, new_price, stock_out_date FROM suggestions WHERE id = ?`, id)
	sg, err := scanSuggestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Suggestion{}, ErrNotFound
	}
	return sg, err
}

func (s *sqliteStore) ReplaceSuggestions(ctx context.Context, set []inventory.Suggestion) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM suggestions`); err != nil {
		return err
	}
	for _, sg := range set {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO suggestions(lot_id, type, new_price, stock_out_date) VALUES(?,?,?,?)`,
			sg.LotID, sg.Type.String(), sg.NewPrice, formatDatePtr(sg.StockOutDate),
		); err != nil {
			return fmt.Errorf("insert suggestion for lot %s: %w", sg.LotID, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) DeleteSuggestion(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM suggestions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteAllSuggestions(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM suggestions`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanSuggestion(r rowScanner) (inventory.Suggestion, error) {
	var (
		sg      inventory.Suggestion
		typ     string
		stockAt sql.NullString
	)
	if err := r.Scan(&sg.ID, &sg.LotID, &typ, &sg.NewPrice, &stockAt); err != nil {
		return inventory.Suggestion{}, err
	}
	t, err := inventory.ParseSuggestionType(typ)
	if err != nil {
		return inventory.Suggestion{}, err
	}
	sg.Type = t
	if stockAt.Valid {
		d, err := inventory.ParseDate(stockAt.String)
		if err != nil {
			return inventory.Suggestion{}, err
		}
		sg.StockOutDate = &d
	}
	return sg, nil
}

// ---- price changes ----

func (s *sqliteStore) ApplyPriceChange(ctx context.Context, suggestionID int64, pc inventory.PriceChange) (inventory.PriceChange, error) {
	if s == nil || s.db == nil {
		return inventory.PriceChange{}, ErrDisabled
	}
	if pc.ApprovedAt.IsZero() {
		pc.ApprovedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return inventory.PriceChange{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO price_changes(lot_id, new_price, approved_by, approved_at, automatic) VALUES(?,?,?,?,?)`,
		pc.LotID, pc.NewPrice, pc.ApprovedBy, formatTime(pc.ApprovedAt), pc.Automatic,
	)
	if err != nil {
		return inventory.PriceChange{}, err
	}
	if pc.ID, err = res.LastInsertId(); err != nil {
		return inventory.PriceChange{}, err
	}

	res, err = tx.ExecContext(ctx, `DELETE FROM suggestions WHERE id = ?`, suggestionID)
	if err != nil {
		return inventory.PriceChange{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return inventory.PriceChange{}, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return inventory.PriceChange{}, err
	}
	return pc, nil
}

func (s *sqliteStore) ListPriceChanges(ctx context.Context, lotID string) ([]inventory.PriceChange, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT id, lot_id, new_price, approved_by, approved_at, automatic FROM price_changes`
	var args []any
	if lotID != "" {
		q += ` WHERE lot_id = ?`
		args = append(args, lotID)
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inventory.PriceChange
	for rows.Next() {
		var pc inventory.PriceChange
		var at string
		if err := rows.Scan(&pc.ID, &pc.LotID, &pc.NewPrice, &pc.ApprovedBy, &at, &pc.Automatic); err != nil {
			return nil, err
		}
		if pc.ApprovedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// ---- helpers ----

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func formatDatePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(inventory.DateLayout)
}

var _ Store = (*sqliteStore)(nil)
