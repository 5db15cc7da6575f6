// Package sqlite is the embedded relational backend. It serves local runs
// and tests with the same transactions table the other SQL engines expose.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/config"
	"github.com/dvloznov/finance-agent/internal/domain"
)

const dateFormat = "2006-01-02"

const createTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
	transaction_id   TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL,
	amount           NUMERIC NOT NULL,
	transaction_date TEXT NOT NULL,
	merchant_name    TEXT,
	category         TEXT NOT NULL,
	subcategory      TEXT,
	currency         TEXT,
	location         TEXT
);
CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions (transaction_date);
CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions (account_id);`

const upsertTransaction = `
INSERT INTO transactions (transaction_id, account_id, amount, transaction_date, merchant_name, category, subcategory, currency, location)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (transaction_id) DO UPDATE SET
	account_id = excluded.account_id,
	amount = excluded.amount,
	transaction_date = excluded.transaction_date,
	merchant_name = excluded.merchant_name,
	category = excluded.category,
	subcategory = excluded.subcategory,
	currency = excluded.currency,
	location = excluded.location`

// Backend runs read-only SQL against a SQLite database.
type Backend struct {
	db *sql.DB
	id string
}

// Open opens (or creates) the database at cfg.DSN and makes sure the
// transactions table exists.
func Open(ctx context.Context, cfg *config.RelationalConfig) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("Open: opening %s: %w", cfg.DSN, err)
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Open: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTransactions); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Open: creating schema: %w", err)
	}
	return New(db, cfg.ID), nil
}

// New wraps an open database.
func New(db *sql.DB, id string) *Backend {
	if id == "" {
		id = string(domain.BackendRelational)
	}
	return &Backend{db: db, id: id}
}

func (b *Backend) Kind() domain.BackendKind { return domain.BackendRelational }
func (b *Backend) ID() string               { return b.id }
func (b *Backend) Name() string             { return "sqlite" }

func (b *Backend) ValidateSyntax(text string) error {
	return backend.ValidateSQL(text)
}

// Execute runs q on a connection switched to query_only, binding each @name
// the statement references.
func (b *Backend) Execute(ctx context.Context, q domain.GeneratedQuery, limit int) (*backend.RawResult, error) {
	var args []any
	for _, name := range backend.NamedParams(q.NativeText) {
		v, ok := q.Parameters[name]
		if !ok {
			return nil, fmt.Errorf("Execute: parameter @%s not supplied", name)
		}
		args = append(args, sql.Named(name, bindValue(v)))
	}

	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("Execute: conn: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return nil, fmt.Errorf("Execute: query_only: %w", err)
	}
	// the connection is shared with Upsert once it goes back to the pool
	defer func() { _, _ = conn.ExecContext(context.WithoutCancel(ctx), "PRAGMA query_only = OFF") }()

	rows, err := conn.QueryContext(ctx, q.NativeText, args...)
	if err != nil {
		return nil, fmt.Errorf("Execute: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("Execute: columns: %w", err)
	}
	res := &backend.RawResult{Columns: cols}
	for rows.Next() {
		if limit > 0 && len(res.Records) >= limit {
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("Execute: scan: %w", err)
		}
		rec := make(map[string]any, len(cols))
		for i, c := range cols {
			rec[c] = vals[i]
		}
		res.Records = append(res.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Execute: rows: %w", err)
	}
	return res, nil
}

// bindValue converts typed parameters into what SQLite compares correctly:
// dates as ISO text, amounts as reals.
func bindValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Format(dateFormat)
	case decimal.Decimal:
		return t.InexactFloat64()
	case *decimal.Decimal:
		if t == nil {
			return nil
		}
		return t.InexactFloat64()
	default:
		return v
	}
}

// DescribeSchema lists every table and view with its columns.
func (b *Backend) DescribeSchema(ctx context.Context) (*backend.Schema, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("DescribeSchema: listing tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("DescribeSchema: scan table: %w", err)
		}
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("DescribeSchema: tables: %w", err)
	}

	s := &backend.Schema{Backend: domain.BackendRelational, ID: b.id, Dialect: backend.DialectSQLite}
	for _, n := range names {
		t := backend.Table{Name: n}
		cols, err := b.db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`, n)
		if err != nil {
			return nil, fmt.Errorf("DescribeSchema: columns of %s: %w", n, err)
		}
		for cols.Next() {
			var f backend.Field
			if err := cols.Scan(&f.Name, &f.Type); err != nil {
				cols.Close()
				return nil, fmt.Errorf("DescribeSchema: scan column: %w", err)
			}
			t.Fields = append(t.Fields, f)
		}
		cols.Close()
		s.Tables = append(s.Tables, t)
	}
	return s, nil
}

// Upsert writes records into the transactions table in one transaction.
func (b *Backend) Upsert(ctx context.Context, records []domain.TransactionRecord) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Upsert: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertTransaction)
	if err != nil {
		return fmt.Errorf("Upsert: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		r = r.Normalized()
		if _, err := stmt.ExecContext(ctx, r.ID, r.AccountID, r.Amount.InexactFloat64(), r.Date.Format(dateFormat),
			nullable(r.MerchantName), r.Category, nullable(r.Subcategory), nullable(r.Currency), nullable(r.Location)); err != nil {
			return fmt.Errorf("Upsert: %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Upsert: commit: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (b *Backend) Close() error {
	return b.db.Close()
}
