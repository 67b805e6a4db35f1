package logchain

import (
	"fmt"
	"testing"
)

func records(ids ...string) []LogRecord {
	out := make([]LogRecord, len(ids))
	for i, id := range ids {
		out[i] = LogRecord{EventID: NewEventID(id), Message: fmt.Sprintf("m%d", i)}
	}
	return out
}

func TestSortRecordsDescendingStable(t *testing.T) {
	in := records("5", "3", "5", "1")
	out := SortRecords(in)

	wantIDs := []string{"5", "5", "3", "1"}
	wantMsgs := []string{"m0", "m2", "m1", "m3"}
	for i := range out {
		if out[i].EventID.String() != wantIDs[i] || out[i].Message != wantMsgs[i] {
			t.Fatalf("position %d: got %s/%s, want %s/%s",
				i, out[i].EventID, out[i].Message, wantIDs[i], wantMsgs[i])
		}
	}

	// input untouched
	for i, id := range []string{"5", "3", "5", "1"} {
		if in[i].EventID.String() != id {
			t.Fatalf("input mutated at %d: %s", i, in[i].EventID)
		}
	}
}

func TestSortRecordsNumericNotLexical(t *testing.T) {
	out := SortRecords(records("9", "10", "100", "2"))
	want := []string{"100", "10", "9", "2"}
	for i, r := range out {
		if r.EventID.String() != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, r.EventID, want[i])
		}
	}
}

func TestSortRecordsMixed(t *testing.T) {
	out := SortRecords(records("3", "b", "10", "a"))
	want := []string{"b", "a", "10", "3"}
	for i, r := range out {
		if r.EventID.String() != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, r.EventID, want[i])
		}
	}
}

func TestSortRecordsEmpty(t *testing.T) {
	if got := SortRecords(nil); len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
}
