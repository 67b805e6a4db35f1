package logchain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

// SQLiteSink persists records in an append-only SQLite table.
// Rows are only ever inserted; nothing updates or deletes them.
type SQLiteSink struct{ db *sql.DB }

// StoredRecord is a row read back from SQLiteSink.
type StoredRecord struct {
	Seq     int64 // insertion order
	Address ContentAddress
	Record  LogRecord
}

// OpenSQLiteSink opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteSink(dsn string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS records (
  seq       INTEGER PRIMARY KEY AUTOINCREMENT,
  cid       TEXT NOT NULL,        -- batch the record came from
  event_id  TEXT NOT NULL,
  type      TEXT NOT NULL,
  message   TEXT NOT NULL,
  timestamp TEXT,                 -- raw JSON value, NULL when absent
  raw       BLOB NOT NULL         -- complete decoded record
);
CREATE INDEX IF NOT EXISTS records_cid ON records(cid);
CREATE TRIGGER IF NOT EXISTS records_no_update BEFORE UPDATE ON records
BEGIN SELECT RAISE(ABORT, 'records are append-only'); END;
CREATE TRIGGER IF NOT EXISTS records_no_delete BEFORE DELETE ON records
BEGIN SELECT RAISE(ABORT, 'records are append-only'); END;
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteSink{db: db}, nil
}

// Emit inserts every record of b in one transaction.
func (s *SQLiteSink) Emit(ctx context.Context, b *Batch) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records(cid, event_id, type, message, timestamp, raw) VALUES(?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range b.Records {
		var ts sql.NullString
		if r.Timestamp != nil {
			ts = sql.NullString{String: string(r.Timestamp), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, string(b.Address), r.EventID.String(), r.Type, r.Message, ts, []byte(r.Raw)); err != nil {
			return fmt.Errorf("insert record %s: %w", r.EventID, err)
		}
	}
	return tx.Commit()
}

// Query returns stored records in insertion order. An empty addr returns records
// from every batch; limit <= 0 means no limit.
func (s *SQLiteSink) Query(ctx context.Context, addr ContentAddress, afterSeq int64, limit int) ([]StoredRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	q := `SELECT seq, cid, raw FROM records WHERE seq > ? AND (? = '' OR cid = ?) ORDER BY seq ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, afterSeq, string(addr), string(addr), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var seq int64
		var cid string
		var raw []byte
		if err := rows.Scan(&seq, &cid, &raw); err != nil {
			return nil, err
		}
		rec, err := parseRecordObject(json.RawMessage(raw))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", seq, err)
		}
		out = append(out, StoredRecord{Seq: seq, Address: ContentAddress(cid), Record: rec})
	}
	return out, rows.Err()
}

// Count returns the number of stored records.
func (s *SQLiteSink) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
