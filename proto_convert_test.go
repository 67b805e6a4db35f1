package logchain

import (
	"bytes"
	"encoding/json"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestRecordProtoConversion(t *testing.T) {
	b := testBatch(t, "bafyA", "", 42)
	original := b.Records[0]

	// Convert to proto
	st, err := ToProtoRecord(b.Address, original)
	if err != nil {
		t.Fatalf("ToProtoRecord failed: %v", err)
	}

	f := st.GetFields()
	if f["cid"].GetStringValue() != "bafyA" {
		t.Errorf("cid mismatch: got %s", f["cid"].GetStringValue())
	}
	if f["event_id"].GetStringValue() != "42" {
		t.Errorf("event_id mismatch: got %s", f["event_id"].GetStringValue())
	}
	if f["type"].GetStringValue() != "INFO" || f["message"].GetStringValue() != "msg" {
		t.Errorf("type/message mismatch")
	}
	if f["timestamp"].GetStringValue() != "2024-05-01T12:00:00Z" {
		t.Errorf("timestamp mismatch: got %v", f["timestamp"])
	}

	// Through the wire and back
	data, err := proto.Marshal(st)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded structpb.Struct
	if err := proto.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	addr, converted, err := FromProtoRecord(&decoded)
	if err != nil {
		t.Fatalf("FromProtoRecord failed: %v", err)
	}
	if addr != "bafyA" {
		t.Errorf("address mismatch: got %s", addr)
	}
	if converted.EventID.Compare(original.EventID) != 0 {
		t.Errorf("EventID mismatch")
	}
	if converted.Type != original.Type || converted.Message != original.Message {
		t.Errorf("Type/Message mismatch")
	}
	if !bytes.Equal(converted.Raw, original.Raw) {
		t.Errorf("Raw mismatch: got %s, want %s", converted.Raw, original.Raw)
	}
}

func TestRecordProtoNumericTimestamp(t *testing.T) {
	raw := json.RawMessage(`{"event_id":"e1","type":"AUDIT","message":"m","timestamp":1714564800}`)
	rec, err := parseRecordObject(raw)
	if err != nil {
		t.Fatal(err)
	}
	st, err := ToProtoRecord("x", rec)
	if err != nil {
		t.Fatalf("ToProtoRecord failed: %v", err)
	}
	if st.GetFields()["timestamp"].GetNumberValue() != 1714564800 {
		t.Errorf("timestamp mismatch: got %v", st.GetFields()["timestamp"])
	}
	if _, ok := st.GetFields()["timestamp"]; !ok {
		t.Fatal("timestamp missing")
	}

	noTS, _ := parseRecordObject(json.RawMessage(`{"event_id":1,"type":"t","message":"m"}`))
	st, err = ToProtoRecord("x", noTS)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.GetFields()["timestamp"]; ok {
		t.Error("absent timestamp must not be emitted")
	}
}

func TestFromProtoRecordRejects(t *testing.T) {
	if _, _, err := FromProtoRecord(nil); err == nil {
		t.Error("expected error for nil struct")
	}
	empty, _ := structpb.NewStruct(map[string]any{"cid": "x"})
	if _, _, err := FromProtoRecord(empty); err == nil {
		t.Error("expected error for missing raw")
	}
	bad, _ := structpb.NewStruct(map[string]any{"cid": "x", "raw": `{"type":"t"}`})
	if _, _, err := FromProtoRecord(bad); err == nil {
		t.Error("expected error for invalid raw record")
	}
}

func TestToProtoRecords(t *testing.T) {
	b := testBatch(t, "bafyB", "", 3, 2, 1)
	msgs, err := ToProtoRecords(b)
	if err != nil {
		t.Fatalf("ToProtoRecords failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.GetFields()["event_id"].GetStringValue() != b.Records[i].EventID.String() {
			t.Errorf("message %d out of order", i)
		}
	}
}
