package logchain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ResolvedPrefix precedes the content address in resolver output.
const ResolvedPrefix = "/ipfs/"

// DefaultResolveTimeout bounds a single name resolution.
const DefaultResolveTimeout = 5 * time.Second

// Resolver maps a mutable name (an IPNS key) to the address it currently points to.
// Errors should wrap ErrResolution.
type Resolver interface {
	Resolve(ctx context.Context, name string) (ContentAddress, error)
}

// ParseResolvedPath extracts the address from resolver output of the form
// "/ipfs/<cid>", tolerating surrounding whitespace.
func ParseResolvedPath(out string) (ContentAddress, error) {
	pos := strings.Index(out, ResolvedPrefix)
	if pos < 0 {
		return "", fmt.Errorf("%w: could not parse resolver output %q", ErrResolution, strings.TrimSpace(out))
	}
	addr := strings.TrimSpace(out[pos+len(ResolvedPrefix):])
	if addr == "" {
		return "", fmt.Errorf("%w: resolver output has no address", ErrResolution)
	}
	return ContentAddress(addr), nil
}

// ReadNameFile returns the first line of the file holding the IPNS name.
func ReadNameFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open name file: %v", ErrResolution, err)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: read name file: %v", ErrResolution, err)
	}
	name := strings.TrimSpace(line)
	if name == "" {
		return "", fmt.Errorf("%w: name file %s is empty", ErrResolution, path)
	}
	return name, nil
}

// ResolveHead reads the name from nameFile and resolves it with a bounded wait.
// It supplies the starting address of a walk and is not part of the walk loop.
func ResolveHead(ctx context.Context, r Resolver, nameFile string, timeout time.Duration) (ContentAddress, error) {
	name, err := ReadNameFile(nameFile)
	if err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr, err := r.Resolve(ctx, name)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return "", err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w: %s after %s", ErrResolution, ErrTimeout, name, timeout)
		}
		if !errors.Is(err, ErrResolution) {
			return "", fmt.Errorf("%w: %v", ErrResolution, err)
		}
		return "", err
	}
	return addr, nil
}

func ipnsPath(name string) string {
	if strings.HasPrefix(name, "/ipns/") {
		return name
	}
	return "/ipns/" + name
}

// CommandResolver resolves names by running the ipfs CLI:
//
//	ipfs name resolve --nocache /ipns/<name> --timeout=<d>
type CommandResolver struct {
	Binary  string        // defaults to "ipfs"
	Timeout time.Duration // passed to --timeout; the context bounds the process too
}

// Resolve runs the ipfs binary and parses its output.
func (c *CommandResolver) Resolve(ctx context.Context, name string) (ContentAddress, error) {
	bin := c.Binary
	if bin == "" {
		bin = "ipfs"
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}

	cmd := exec.CommandContext(ctx, bin, "name", "resolve", "--nocache", ipnsPath(name),
		"--timeout="+timeout.String())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w: %s", ErrResolution, ErrTimeout, name)
		}
		return "", fmt.Errorf("%w: %s: %v: %s", ErrResolution, bin, err, strings.TrimSpace(stderr.String()))
	}
	return ParseResolvedPath(string(out))
}

// APIResolver resolves names through the Kubo RPC API
// (POST {BaseURL}/api/v0/name/resolve?arg=/ipns/<name>&nocache=true).
type APIResolver struct {
	BaseURL string       // e.g. "http://127.0.0.1:5001"
	Client  *http.Client // HTTP client (can customize timeouts, TLS, etc.)
}

// NewAPIResolver creates a resolver talking to the node RPC endpoint at baseURL.
func NewAPIResolver(baseURL string) *APIResolver {
	return &APIResolver{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
	}
}

// Resolve asks the node to resolve name.
func (a *APIResolver) Resolve(ctx context.Context, name string) (ContentAddress, error) {
	q := url.Values{}
	q.Set("arg", ipnsPath(name))
	q.Set("nocache", "true")
	endpoint := a.BaseURL + "/api/v0/name/resolve?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrResolution, err)
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w: %v", ErrResolution, ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: post resolve: %v", ErrResolution, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrResolution, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: node returned %d: %s", ErrResolution, resp.StatusCode, bytes.TrimSpace(body))
	}

	var out struct {
		Path string `json:"Path"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrResolution, err)
	}
	addr, err := ParseResolvedPath(out.Path)
	if err != nil {
		return "", err
	}
	if err := ValidateCID(addr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolution, err)
	}
	return addr, nil
}

// StaticResolver resolves names from an in-process table.
// Useful for testing and for pinning a head address in configuration.
type StaticResolver struct {
	mu    sync.RWMutex
	names map[string]ContentAddress
}

// NewStaticResolver creates a resolver with the given initial entries.
func NewStaticResolver(entries map[string]ContentAddress) *StaticResolver {
	names := make(map[string]ContentAddress, len(entries))
	for k, v := range entries {
		names[k] = v
	}
	return &StaticResolver{names: names}
}

// Set points name at addr, moving the head.
func (s *StaticResolver) Set(name string, addr ContentAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[name] = addr
}

// Resolve looks name up in the table.
func (s *StaticResolver) Resolve(ctx context.Context, name string) (ContentAddress, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolution, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.names[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown name %q", ErrResolution, name)
	}
	return addr, nil
}
