package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/domain"
)

func TestNamedArgs(t *testing.T) {
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	q := domain.GeneratedQuery{
		NativeText: "SELECT * FROM transactions WHERE transaction_date >= @start AND amount > @min_amount AND note = '@not_a_param'",
		Parameters: map[string]any{
			"start":      start,
			"min_amount": decimal.NewFromInt(500),
			"extra":      1,
		},
	}
	args, err := namedArgs(q)
	require.NoError(t, err)
	assert.Len(t, args, 2)
	assert.Equal(t, start, args["start"])
	assert.True(t, decimal.NewFromInt(500).Equal(args["min_amount"].(decimal.Decimal)))

	_, err = namedArgs(domain.GeneratedQuery{NativeText: "SELECT @missing"})
	assert.ErrorContains(t, err, "@missing")
}

func TestValue(t *testing.T) {
	n := pgtype.Numeric{Int: big.NewInt(4250), Exp: -2, Valid: true}
	got, ok := value(n).(decimal.Decimal)
	require.True(t, ok)
	assert.Equal(t, "42.5", got.String())

	assert.Nil(t, value(pgtype.Numeric{Valid: false}))
	assert.Nil(t, value(pgtype.Numeric{Valid: true, NaN: true}))
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", value([16]byte{15: 1}))
	assert.Equal(t, "Tesco", value("Tesco"))
}

func TestClassify(t *testing.T) {
	syntax := classify(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "42703", Message: `column "amout" does not exist`}))
	assert.True(t, backend.IsSyntaxError(syntax))

	other := errors.New("connection reset")
	assert.Same(t, other, classify(other))

	lock := &pgconn.PgError{Code: "55P03", Message: "lock not available"}
	assert.False(t, backend.IsSyntaxError(classify(lock)))
}

type fakeTx struct {
	pgx.Tx
	queried    string
	rolledBack bool
	queryErr   error
}

func (f *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queried = sql
	return nil, f.queryErr
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	f.rolledBack = true
	return nil
}

type fakePool struct {
	pool
	opts pgx.TxOptions
	tx   *fakeTx
}

func (f *fakePool) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	f.opts = opts
	return f.tx, nil
}

func TestExecute_RunsInReadOnlyTransaction(t *testing.T) {
	tx := &fakeTx{queryErr: &pgconn.PgError{Code: "25006", Message: "cannot execute nextval() in a read-only transaction"}}
	p := &fakePool{tx: tx}
	b := &Backend{pool: p, id: "pg"}

	_, err := b.Execute(context.Background(), domain.GeneratedQuery{NativeText: "SELECT nextval('transactions_seq')"}, 10)

	assert.Equal(t, pgx.ReadOnly, p.opts.AccessMode)
	assert.Equal(t, "SELECT nextval('transactions_seq')", tx.queried, "query goes through the transaction")
	assert.True(t, tx.rolledBack)
	assert.True(t, backend.IsSyntaxError(err), "read-only violation is reported as a rejected statement")
}
