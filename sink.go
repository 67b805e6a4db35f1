package logchain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// Sink receives decrypted batches in chain order. Implementations append only:
// an entry is never rewritten or removed once written.
type Sink interface {
	Emit(ctx context.Context, b *Batch) error
}

// JSONLSink implements Sink as an append-only JSON Lines file.
// Each record is written as one compact JSON object followed by a newline, exactly
// as it was decoded (unknown fields included).
type JSONLSink struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// OpenJSONLSink creates or opens the JSON Lines output file at path in append mode.
func OpenJSONLSink(path string) (*JSONLSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return &JSONLSink{path: path, file: f}, nil
}

// Emit appends every record of b. The whole batch is written with one write call
// under an exclusive flock so concurrent writers never interleave lines.
func (s *JSONLSink) Emit(_ context.Context, b *Batch) error {
	var buf bytes.Buffer
	for _, r := range b.Records {
		if err := json.Compact(&buf, r.Raw); err != nil {
			return fmt.Errorf("encode record %s: %w", r.EventID, err)
		}
		buf.WriteByte('\n')
	}
	if buf.Len() == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := syscall.Flock(int(s.file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock output file: %w", err)
	}
	defer syscall.Flock(int(s.file.Fd()), syscall.LOCK_UN)

	n, err := s.file.Write(buf.Bytes())
	if err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	if n != buf.Len() {
		return fmt.Errorf("incomplete write: %d of %d bytes", n, buf.Len())
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync output file: %w", err)
	}
	return nil
}

// Path returns the output file path.
func (s *JSONLSink) Path() string { return s.path }

// Close closes the output file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MemorySink keeps emitted batches in memory. Useful for tests and for callers
// that render results themselves.
type MemorySink struct {
	mu      sync.Mutex
	batches []*Batch
}

// Emit records b.
func (m *MemorySink) Emit(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, b)
	return nil
}

// Batches returns the batches emitted so far, in emission order.
func (m *MemorySink) Batches() []*Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Batch(nil), m.batches...)
}

// Records returns every emitted record, in emission order.
func (m *MemorySink) Records() []LogRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LogRecord
	for _, b := range m.batches {
		out = append(out, b.Records...)
	}
	return out
}

// MultiSink fans a batch out to several sinks in order, stopping at the first error.
type MultiSink []Sink

// Emit forwards b to every sink.
func (ms MultiSink) Emit(ctx context.Context, b *Batch) error {
	for _, s := range ms {
		if err := s.Emit(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink that has a Close method.
func (ms MultiSink) Close() error {
	var errs []error
	for _, s := range ms {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
