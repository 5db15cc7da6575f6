package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UncategorizedCategory is assigned to records that arrive without a category.
const UncategorizedCategory = "Uncategorized"

// TransactionRecord is one immutable transaction fact supplied by the
// ingestion collaborator. This is a domain struct, not a storage row; each
// backend maps it into its own schema.
//
// Location is a flat "City, Region, Country" string. Nested location objects
// are flattened by the ingestion handler before they get here.
type TransactionRecord struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Amount       decimal.Decimal `json:"amount"` // positive = debit
	Date         time.Time       `json:"date"`
	MerchantName string          `json:"merchant_name,omitempty"`
	Category     string          `json:"category"`
	Subcategory  string          `json:"subcategory,omitempty"`
	Currency     string          `json:"currency"`
	Location     string          `json:"location,omitempty"`
}

// Normalized returns a copy with whitespace trimmed, the date truncated to
// the day and a blank category replaced with UncategorizedCategory.
func (r TransactionRecord) Normalized() TransactionRecord {
	out := r
	out.ID = strings.TrimSpace(r.ID)
	out.AccountID = strings.TrimSpace(r.AccountID)
	out.MerchantName = strings.TrimSpace(r.MerchantName)
	out.Category = strings.TrimSpace(r.Category)
	out.Subcategory = strings.TrimSpace(r.Subcategory)
	out.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	out.Location = strings.TrimSpace(r.Location)
	if out.Category == "" {
		out.Category = UncategorizedCategory
	}
	y, m, d := r.Date.Date()
	out.Date = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return out
}

// FlattenLocation joins the non-empty parts of a structured location into the
// flat representation stored on TransactionRecord.
func FlattenLocation(parts map[string]string) string {
	keys := []string{"address", "city", "region", "postal_code", "country"}
	var out []string
	for _, k := range keys {
		if v := strings.TrimSpace(parts[k]); v != "" {
			out = append(out, v)
		}
	}
	return strings.Join(out, ", ")
}
