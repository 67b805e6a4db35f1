package logchain

import "slices"

// SortRecords returns a copy of records ordered by descending EventID.
// Records with equal identifiers keep their original relative order.
func SortRecords(records []LogRecord) []LogRecord {
	out := slices.Clone(records)
	slices.SortStableFunc(out, func(a, b LogRecord) int {
		return b.EventID.Compare(a.EventID)
	})
	return out
}
