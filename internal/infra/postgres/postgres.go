// Package postgres is the relational backend for a Postgres transactions
// table, queried through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/config"
	"github.com/dvloznov/finance-agent/internal/domain"
)

const describeColumns = `
SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = current_schema()
ORDER BY table_name, ordinal_position`

const upsertTransaction = `
INSERT INTO transactions (transaction_id, account_id, amount, transaction_date, merchant_name, category, subcategory, currency, location)
VALUES (@transaction_id, @account_id, @amount, @transaction_date, @merchant_name, @category, @subcategory, @currency, @location)
ON CONFLICT (transaction_id) DO UPDATE SET
	account_id = EXCLUDED.account_id,
	amount = EXCLUDED.amount,
	transaction_date = EXCLUDED.transaction_date,
	merchant_name = EXCLUDED.merchant_name,
	category = EXCLUDED.category,
	subcategory = EXCLUDED.subcategory,
	currency = EXCLUDED.currency,
	location = EXCLUDED.location`

// Postgres error classes that mean the statement itself is wrong.
var syntaxStates = map[string]bool{
	"42601": true, // syntax_error
	"42703": true, // undefined_column
	"42P01": true, // undefined_table
	"42883": true, // undefined_function
	"25006": true, // read_only_sql_transaction
}

type pool interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Close()
}

// Backend runs read-only SQL against Postgres.
type Backend struct {
	pool pool
	id   string
}

// Open connects a pool to cfg.DSN and pings it.
func Open(ctx context.Context, cfg *config.RelationalConfig) (*Backend, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("Open: parsing dsn: %w", err)
	}
	// generated queries run in read-only transactions by default
	pcfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	p, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("Open: creating pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		p.Close()
		return nil, fmt.Errorf("Open: ping: %w", err)
	}
	id := cfg.ID
	if id == "" {
		id = string(domain.BackendRelational)
	}
	return &Backend{pool: p, id: id}, nil
}

func (b *Backend) Kind() domain.BackendKind { return domain.BackendRelational }
func (b *Backend) ID() string               { return b.id }

func (b *Backend) ValidateSyntax(text string) error {
	return backend.ValidateSQL(text)
}

// Execute runs q inside a READ ONLY transaction that is always rolled back,
// with its @name parameters bound through pgx.NamedArgs.
func (b *Backend) Execute(ctx context.Context, q domain.GeneratedQuery, limit int) (*backend.RawResult, error) {
	args, err := namedArgs(q)
	if err != nil {
		return nil, fmt.Errorf("Execute: %w", err)
	}
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("Execute: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	rows, err := tx.Query(ctx, q.NativeText, args)
	if err != nil {
		return nil, fmt.Errorf("Execute: query: %w", classify(err))
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}
	res := &backend.RawResult{Columns: cols}
	for rows.Next() {
		if limit > 0 && len(res.Records) >= limit {
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("Execute: values: %w", err)
		}
		rec := make(map[string]any, len(cols))
		for i, c := range cols {
			rec[c] = value(vals[i])
		}
		res.Records = append(res.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Execute: rows: %w", classify(err))
	}
	return res, nil
}

func namedArgs(q domain.GeneratedQuery) (pgx.NamedArgs, error) {
	args := pgx.NamedArgs{}
	for _, name := range backend.NamedParams(q.NativeText) {
		v, ok := q.Parameters[name]
		if !ok {
			return nil, fmt.Errorf("parameter @%s not supplied", name)
		}
		args[name] = v
	}
	return args, nil
}

// value converts pgx result types the executor does not know about.
func value(v any) any {
	switch t := v.(type) {
	case pgtype.Numeric:
		if !t.Valid || t.NaN || t.InfinityModifier != pgtype.Finite {
			return nil
		}
		return decimal.NewFromBigInt(new(big.Int).Set(t.Int), t.Exp)
	case [16]byte:
		return pgtype.UUID{Bytes: t, Valid: true}.String()
	default:
		return v
	}
}

// classify marks statement errors reported by the server as syntax errors.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && syntaxStates[pgErr.Code] {
		return &backend.SyntaxError{Backend: domain.BackendRelational, Reason: pgErr.Message}
	}
	return err
}

// DescribeSchema lists the tables and columns of the current schema.
func (b *Backend) DescribeSchema(ctx context.Context) (*backend.Schema, error) {
	rows, err := b.pool.Query(ctx, describeColumns)
	if err != nil {
		return nil, fmt.Errorf("DescribeSchema: query: %w", err)
	}
	defer rows.Close()

	s := &backend.Schema{Backend: domain.BackendRelational, ID: b.id, Dialect: backend.DialectPostgres}
	index := map[string]int{}
	for rows.Next() {
		var table, column, typ string
		if err := rows.Scan(&table, &column, &typ); err != nil {
			return nil, fmt.Errorf("DescribeSchema: scan: %w", err)
		}
		i, ok := index[table]
		if !ok {
			i = len(s.Tables)
			index[table] = i
			s.Tables = append(s.Tables, backend.Table{Name: table})
		}
		s.Tables[i].Fields = append(s.Tables[i].Fields, backend.Field{Name: column, Type: typ})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("DescribeSchema: rows: %w", err)
	}
	return s, nil
}

// Upsert writes records in one batch. The pool must allow writes for this
// call; it sets the transaction mode explicitly.
func (b *Backend) Upsert(ctx context.Context, records []domain.TransactionRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	batch.Queue("BEGIN READ WRITE")
	for _, r := range records {
		r = r.Normalized()
		batch.Queue(upsertTransaction, pgx.NamedArgs{
			"transaction_id":   r.ID,
			"account_id":       r.AccountID,
			"amount":           r.Amount,
			"transaction_date": r.Date,
			"merchant_name":    nullable(r.MerchantName),
			"category":         r.Category,
			"subcategory":      nullable(r.Subcategory),
			"currency":         nullable(r.Currency),
			"location":         nullable(r.Location),
		})
	}
	batch.Queue("COMMIT")

	br := b.pool.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("Upsert: statement %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("Upsert: closing batch: %w", err)
	}
	return nil
}

func (b *Backend) Name() string { return "postgres" }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}
