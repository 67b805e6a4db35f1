package logchain

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// ToProtoRecord converts a LogRecord emitted from addr to a protobuf Struct.
// The original JSON is carried in "raw" so the conversion is lossless; the other
// fields are a convenience view.
func ToProtoRecord(addr ContentAddress, r LogRecord) (*structpb.Struct, error) {
	fields := map[string]any{
		"cid":      string(addr),
		"event_id": r.EventID.String(),
		"type":     r.Type,
		"message":  r.Message,
		"raw":      string(r.Raw),
	}
	if r.Timestamp != nil {
		var ts any
		if err := json.Unmarshal(r.Timestamp, &ts); err != nil {
			return nil, fmt.Errorf("decode timestamp: %w", err)
		}
		fields["timestamp"] = ts
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return st, nil
}

// FromProtoRecord converts a protobuf Struct back into the source address and record.
func FromProtoRecord(st *structpb.Struct) (ContentAddress, LogRecord, error) {
	if st == nil {
		return "", LogRecord{}, fmt.Errorf("nil record")
	}
	f := st.GetFields()
	raw := f["raw"].GetStringValue()
	if raw == "" {
		return "", LogRecord{}, fmt.Errorf("record has no raw field")
	}
	rec, err := parseRecordObject(json.RawMessage(raw))
	if err != nil {
		return "", LogRecord{}, err
	}
	return ContentAddress(f["cid"].GetStringValue()), rec, nil
}

// ToProtoRecords converts every record of b.
func ToProtoRecords(b *Batch) ([]*structpb.Struct, error) {
	result := make([]*structpb.Struct, len(b.Records))
	for i, r := range b.Records {
		st, err := ToProtoRecord(b.Address, r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		result[i] = st
	}
	return result, nil
}
