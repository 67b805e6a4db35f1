package logchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ipfs/go-cid"
)

// DefaultMaxBlobSize caps how many bytes a fetcher will read for one envelope.
const DefaultMaxBlobSize = 8 << 20 // 8 MiB

// Fetcher returns the raw bytes stored under a content address.
// Different implementations can use an HTTP gateway, a local folder, a cache, etc.
// Errors should wrap ErrFetch.
type Fetcher interface {
	Fetch(ctx context.Context, addr ContentAddress) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, addr ContentAddress) ([]byte, error)

// Fetch calls f(ctx, addr).
func (f FetcherFunc) Fetch(ctx context.Context, addr ContentAddress) ([]byte, error) {
	return f(ctx, addr)
}

// ValidateCID checks that addr parses as a CID. Adapters that splice the address
// into a URL or file path call it first.
func ValidateCID(addr ContentAddress) error {
	if _, err := cid.Decode(string(addr)); err != nil {
		return fmt.Errorf("invalid content address %q: %w", addr, err)
	}
	return nil
}

// GatewayFetcher reads blobs from an IPFS HTTP gateway (GET {BaseURL}/ipfs/{cid}).
type GatewayFetcher struct {
	BaseURL      string       // e.g. "https://ipfs.io"
	Client       *http.Client // HTTP client (can customize transport, TLS, etc.)
	MaxBlobSize  int64        // 0 means DefaultMaxBlobSize
	SkipCIDCheck bool         // accept addresses that do not parse as CIDs
}

// NewGatewayFetcher creates a fetcher for the given gateway base URL.
func NewGatewayFetcher(baseURL string) *GatewayFetcher {
	return &GatewayFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
	}
}

// Fetch downloads the blob for addr.
func (g *GatewayFetcher) Fetch(ctx context.Context, addr ContentAddress) ([]byte, error) {
	if !g.SkipCIDCheck {
		if err := ValidateCID(addr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetch, err)
		}
	}

	url := g.BaseURL + "/ipfs/" + string(addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrFetch, err)
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, fetchErr(ctx, fmt.Errorf("get %s: %w", addr, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: gateway returned %d: %s", ErrFetch, resp.StatusCode, body)
	}

	limit := g.MaxBlobSize
	if limit <= 0 {
		limit = DefaultMaxBlobSize
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fetchErr(ctx, fmt.Errorf("read body: %w", err))
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: blob exceeds %d bytes", ErrFetch, limit)
	}
	return data, nil
}

// fetchErr wraps err as ErrFetch, adding ErrTimeout when ctx ran out of time.
func fetchErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %v", ErrFetch, ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrFetch, err)
}

// MemoryFetcher serves blobs from an in-process map.
// Useful for testing or when blobs were obtained out of band.
type MemoryFetcher struct {
	mu    sync.RWMutex
	blobs map[ContentAddress][]byte
}

// NewMemoryFetcher creates an empty in-memory fetcher.
func NewMemoryFetcher() *MemoryFetcher {
	return &MemoryFetcher{blobs: make(map[ContentAddress][]byte)}
}

// Put stores data under addr.
func (m *MemoryFetcher) Put(addr ContentAddress, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[addr] = append([]byte(nil), data...)
}

// Fetch returns a copy of the blob stored under addr.
func (m *MemoryFetcher) Fetch(ctx context.Context, addr ContentAddress) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fetchErr(ctx, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s not found", ErrFetch, addr)
	}
	return append([]byte(nil), data...), nil
}

// FolderFetcher reads blobs from files named after their address inside Dir.
// This enables offline operation against a directory exported from an IPFS node
// (e.g. with `ipfs get`).
//
// Folder structure:
//
//	{Dir}/{cid} - raw envelope bytes
type FolderFetcher struct {
	Dir         string
	MaxBlobSize int64
}

// NewFolderFetcher creates a folder-based fetcher.
func NewFolderFetcher(dir string) *FolderFetcher {
	return &FolderFetcher{Dir: dir}
}

// Fetch reads {Dir}/{addr}.
func (f *FolderFetcher) Fetch(ctx context.Context, addr ContentAddress) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fetchErr(ctx, err)
	}
	name := string(addr)
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: invalid address %q", ErrFetch, addr)
	}

	file, err := os.Open(filepath.Join(f.Dir, name))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer file.Close()

	limit := f.MaxBlobSize
	if limit <= 0 {
		limit = DefaultMaxBlobSize
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrFetch, addr, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: blob exceeds %d bytes", ErrFetch, limit)
	}
	return data, nil
}
