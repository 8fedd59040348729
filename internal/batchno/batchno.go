// Package batchno formats the human-readable identifiers used by the
// inventory ledger: batch numbers for received goods and the running numbers
// on adjustment and inbound records.
//
// The sequence component is assigned by the store inside the same transaction
// that inserts the record. Formatting and counting are deliberately split so
// the count-then-insert race lives behind the store's unique constraints,
// where a collision can be retried with a fresh sequence.
package batchno

import (
	"fmt"
	"time"
)

// Format builds a batch number: {productCode}-{YYYYMMDD}-{seq}, seq
// zero-padded to three digits.
func Format(productCode string, date time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%03d", productCode, date.UTC().Format("20060102"), seq)
}

// Prefix is the shared prefix of all batch numbers for a product on a day,
// used to count existing batches when assigning the next sequence.
func Prefix(productCode string, date time.Time) string {
	return fmt.Sprintf("%s-%s-", productCode, date.UTC().Format("20060102"))
}

// AdjustmentNumber formats an adjustment record number: ADJ-{YYYYMMDD}-{seq}.
func AdjustmentNumber(date time.Time, seq int) string {
	return fmt.Sprintf("ADJ-%s-%04d", date.UTC().Format("20060102"), seq)
}

// InboundNumber formats an inbound record number: INB-{YYYYMMDD}-{seq}.
func InboundNumber(date time.Time, seq int) string {
	return fmt.Sprintf("INB-%s-%04d", date.UTC().Format("20060102"), seq)
}

// RecordPrefix is the shared prefix for record numbers of one kind on a day.
func RecordPrefix(kind string, date time.Time) string {
	return fmt.Sprintf("%s-%s-", kind, date.UTC().Format("20060102"))
}
