package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/finance-agent/internal/domain"
)

const dateFormat = "2006-01-02"

// InsertTransactions streams records into the transactions table.
func (b *Backend) InsertTransactions(ctx context.Context, records []domain.TransactionRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]*TransactionRow, len(records))
	for i, r := range records {
		rows[i] = RowFromRecord(r, now)
	}

	// Use fully qualified table name to avoid project ID issues
	inserter := b.client.DatasetInProject(b.project, b.dataset).Table(b.table).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("InsertTransactions: inserting rows: %w", err)
	}
	return nil
}

// QueryTransactionsByDateRange reads the transactions in [start, end],
// oldest first.
func (b *Backend) QueryTransactionsByDateRange(ctx context.Context, start, end time.Time) ([]domain.TransactionRecord, error) {
	q := b.client.Query(fmt.Sprintf(`
		SELECT
			transaction_id,
			account_id,
			transaction_date,
			amount,
			merchant_name,
			category,
			subcategory,
			currency,
			location,
			ingested_ts
		FROM %s
		WHERE transaction_date >= @start_date
		  AND transaction_date <= @end_date
		ORDER BY transaction_date, transaction_id
	`, b.qualified()))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "start_date", Value: start.Format(dateFormat)},
		{Name: "end_date", Value: end.Format(dateFormat)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("QueryTransactionsByDateRange: query read: %w", err)
	}

	var records []domain.TransactionRecord
	for {
		var r TransactionRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("QueryTransactionsByDateRange: iter next: %w", err)
		}
		records = append(records, r.Record())
	}
	return records, nil
}

// Upsert is the mirror hook used by ingestion. Streaming inserts are
// append-only, so duplicates are resolved by readers on transaction_id.
func (b *Backend) Upsert(ctx context.Context, records []domain.TransactionRecord) error {
	return b.InsertTransactions(ctx, records)
}

func (b *Backend) Name() string { return "bigquery" }
