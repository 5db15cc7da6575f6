package bigquery

import (
	"math/big"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-agent/internal/domain"
)

// TransactionRow is one row of the transactions table. The column set is the
// one every relational backend exposes to generated queries.
type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED
	AccountID     string `bigquery:"account_id"`     // REQUIRED

	TransactionDate civil.Date `bigquery:"transaction_date"` // REQUIRED
	Amount          *big.Rat   `bigquery:"amount"`           // REQUIRED NUMERIC, positive = debit

	MerchantName bigquery.NullString `bigquery:"merchant_name"` // NULLABLE
	Category     string              `bigquery:"category"`      // REQUIRED
	Subcategory  bigquery.NullString `bigquery:"subcategory"`   // NULLABLE
	Currency     bigquery.NullString `bigquery:"currency"`      // NULLABLE
	Location     bigquery.NullString `bigquery:"location"`      // NULLABLE

	IngestedTS time.Time `bigquery:"ingested_ts"` // REQUIRED
}

// Record converts the row into the domain record.
func (r *TransactionRow) Record() domain.TransactionRecord {
	amount := decimal.Zero
	if r.Amount != nil {
		amount = decimal.NewFromBigRat(r.Amount, 9)
	}
	return domain.TransactionRecord{
		ID:           r.TransactionID,
		AccountID:    r.AccountID,
		Amount:       amount,
		Date:         r.TransactionDate.In(time.UTC),
		MerchantName: r.MerchantName.StringVal,
		Category:     r.Category,
		Subcategory:  r.Subcategory.StringVal,
		Currency:     r.Currency.StringVal,
		Location:     r.Location.StringVal,
	}.Normalized()
}

// RowFromRecord builds the table row for rec.
func RowFromRecord(rec domain.TransactionRecord, now time.Time) *TransactionRow {
	rec = rec.Normalized()
	return &TransactionRow{
		TransactionID:   rec.ID,
		AccountID:       rec.AccountID,
		TransactionDate: civil.DateOf(rec.Date),
		Amount:          rec.Amount.Rat(),
		MerchantName:    nullString(rec.MerchantName),
		Category:        rec.Category,
		Subcategory:     nullString(rec.Subcategory),
		Currency:        nullString(rec.Currency),
		Location:        nullString(rec.Location),
		IngestedTS:      now,
	}
}

func nullString(s string) bigquery.NullString {
	s = strings.TrimSpace(s)
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}
