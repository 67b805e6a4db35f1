package logchain

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtoSink implements Sink as an append-only file of varint length-delimited
// protobuf messages, one google.protobuf.Struct per record (see ToProtoRecord).
// This is more compact than JSON Lines and readable from any protobuf runtime.
type ProtoSink struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// OpenProtoSink creates or opens the delimited protobuf output file at path.
func OpenProtoSink(path string) (*ProtoSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return &ProtoSink{path: path, file: f}, nil
}

// Emit appends every record of b as one delimited message each.
func (s *ProtoSink) Emit(_ context.Context, b *Batch) error {
	msgs, err := ToProtoRecords(b)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, m := range msgs {
		if _, err := protodelim.MarshalTo(&buf, m); err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
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

	if _, err := s.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync output file: %w", err)
	}
	return nil
}

// Close closes the output file.
func (s *ProtoSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// ReadProtoRecords reads every record from a file written by ProtoSink, in order.
func ReadProtoRecords(path string) ([]ContentAddress, []LogRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open proto file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var addrs []ContentAddress
	var recs []LogRecord
	for {
		var st structpb.Struct
		if err := protodelim.UnmarshalFrom(r, &st); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, fmt.Errorf("read record %d: %w", len(recs), err)
		}
		addr, rec, err := FromProtoRecord(&st)
		if err != nil {
			return nil, nil, fmt.Errorf("record %d: %w", len(recs), err)
		}
		addrs = append(addrs, addr)
		recs = append(recs, rec)
	}
	return addrs, recs, nil
}
