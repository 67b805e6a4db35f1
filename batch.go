package logchain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ContentAddress identifies an immutable blob (an IPFS CID in production).
// Two addresses are the same only if their strings are identical.
type ContentAddress string

// String returns the address text.
func (a ContentAddress) String() string { return string(a) }

// EventID is the orderable identifier of a log record.
//
// JSON numbers of any form (5, 5.0, 1e3, integers beyond int64) and strings
// holding a base-10 integer compare by numeric value, so 1e3 sorts above 999
// and "007" equals 7. Values are held with eventIDPrec bits of mantissa; ids
// that differ only beyond that compare equal and keep their wire order.
// Any other identifier compares lexically by its text and ranks above every
// numeric identifier.
type EventID struct {
	raw string
	num *big.Float // nil for lexical identifiers
}

const eventIDPrec = 256

// ParseEventID builds an EventID from the raw JSON value of an event_id field.
func ParseEventID(raw json.RawMessage) (EventID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return EventID{}, errors.New("missing event_id")
	}
	switch raw[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return EventID{}, fmt.Errorf("event_id: %w", err)
		}
		return NewEventID(text), nil
	case '{', '[', 't', 'f':
		return EventID{}, fmt.Errorf("event_id must be a number or string, got %s", raw)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return EventID{}, fmt.Errorf("event_id: %w", err)
	}
	text := n.String()
	f, err := parseNumber(text)
	if err != nil {
		return EventID{}, fmt.Errorf("event_id %s: %w", text, err)
	}
	return EventID{raw: text, num: f}, nil
}

// NewEventID builds an EventID from its textual form. Only base-10 integers
// are numeric here; other text is lexical.
func NewEventID(text string) EventID {
	if t := strings.TrimSpace(text); isDecimalInteger(t) {
		if f, err := parseNumber(t); err == nil {
			return EventID{raw: text, num: f}
		}
	}
	return EventID{raw: text}
}

func parseNumber(s string) (*big.Float, error) {
	f, _, err := big.ParseFloat(s, 10, eventIDPrec, big.ToNearestEven)
	if err != nil {
		return nil, err
	}
	if f.IsInf() {
		return nil, errors.New("out of range")
	}
	return f, nil
}

func isDecimalInteger(s string) bool {
	if s != "" && (s[0] == '-' || s[0] == '+') {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// String returns the identifier as it appeared on the wire.
func (id EventID) String() string { return id.raw }

// Numeric reports whether the identifier compares numerically.
func (id EventID) Numeric() bool { return id.num != nil }

// Compare returns -1, 0 or +1 as id is less than, equal to or greater than other.
func (id EventID) Compare(other EventID) int {
	switch {
	case id.num != nil && other.num != nil:
		return id.num.Cmp(other.num)
	case id.num != nil:
		return -1
	case other.num != nil:
		return 1
	}
	return strings.Compare(id.raw, other.raw)
}

// LogRecord is one decoded log entry. Raw keeps the complete decoded object so
// fields beyond the known ones survive when the record is persisted.
type LogRecord struct {
	EventID   EventID
	Type      string
	Message   string
	Timestamp json.RawMessage // nil when absent
	Raw       json.RawMessage
}

// Fields decodes Raw into a generic map.
func (r LogRecord) Fields() (map[string]any, error) {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(r.Raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// Batch is a decrypted, parsed batch of log records.
type Batch struct {
	Address  ContentAddress // address the batch was fetched from
	Records  []LogRecord    // in wire order until sorted by the walker
	Prev     ContentAddress // empty when this is the oldest batch
	Rejected []RecordError  // elements skipped under SkipInvalid
}

// RecordPolicy decides what happens to a log element that cannot be decoded.
type RecordPolicy int

const (
	// SkipInvalid collects undecodable elements in Batch.Rejected and keeps going.
	SkipInvalid RecordPolicy = iota
	// FailOnInvalid turns the first undecodable element into ErrBatchFormat.
	FailOnInvalid
)

// ParseRecordPolicy maps a config value onto a RecordPolicy.
func ParseRecordPolicy(s string) (RecordPolicy, error) {
	switch strings.ToLower(s) {
	case "", "skip":
		return SkipInvalid, nil
	case "fail":
		return FailOnInvalid, nil
	}
	return SkipInvalid, fmt.Errorf("unknown record policy %q", s)
}

func (p RecordPolicy) String() string {
	if p == FailOnInvalid {
		return "fail"
	}
	return "skip"
}

// RecordError describes one log element that could not be decoded.
type RecordError struct {
	Index int // position in the logs array
	Err   error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("log %d: %v", e.Index, e.Err)
}

type wireBatch struct {
	Logs    []json.RawMessage `json:"logs"`
	PrevCID *string           `json:"prev_cid"`
}

type wireRecord struct {
	EventID   json.RawMessage `json:"event_id"`
	Type      *string         `json:"type"`
	Message   *string         `json:"message"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// ParseBatch decodes decrypted plaintext into a Batch. Each element of "logs" is a
// JSON string holding a JSON object and is decoded on its own.
func ParseBatch(plaintext []byte, policy RecordPolicy) (*Batch, error) {
	var w wireBatch
	if err := json.Unmarshal(plaintext, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBatchFormat, err)
	}

	b := &Batch{Records: make([]LogRecord, 0, len(w.Logs))}
	if w.PrevCID != nil {
		b.Prev = ContentAddress(strings.TrimSpace(*w.PrevCID))
	}

	for i, elem := range w.Logs {
		rec, err := parseRecord(elem)
		if err != nil {
			rerr := RecordError{Index: i, Err: err}
			if policy == FailOnInvalid {
				return nil, fmt.Errorf("%w: %v", ErrBatchFormat, rerr)
			}
			b.Rejected = append(b.Rejected, rerr)
			continue
		}
		b.Records = append(b.Records, rec)
	}
	return b, nil
}

func parseRecord(elem json.RawMessage) (LogRecord, error) {
	var inner string
	if err := json.Unmarshal(elem, &inner); err != nil {
		return LogRecord{}, fmt.Errorf("element is not a JSON string: %w", err)
	}

	return parseRecordObject(json.RawMessage(inner))
}

// parseRecordObject decodes a single log object (already unwrapped from its string).
func parseRecordObject(raw json.RawMessage) (LogRecord, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return LogRecord{}, errors.New("record is not a JSON object")
	}
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return LogRecord{}, fmt.Errorf("decode record: %w", err)
	}

	id, err := ParseEventID(w.EventID)
	if err != nil {
		return LogRecord{}, err
	}
	if w.Type == nil {
		return LogRecord{}, errors.New("missing type")
	}
	if w.Message == nil {
		return LogRecord{}, errors.New("missing message")
	}

	rec := LogRecord{
		EventID: id,
		Type:    *w.Type,
		Message: *w.Message,
		Raw:     raw,
	}
	if ts := bytes.TrimSpace(w.Timestamp); len(ts) > 0 && !bytes.Equal(ts, []byte("null")) {
		rec.Timestamp = append(json.RawMessage(nil), ts...)
	}
	return rec, nil
}
