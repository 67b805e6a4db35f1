package logchain

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseResolvedPath(t *testing.T) {
	tests := []struct {
		out  string
		want ContentAddress
		ok   bool
	}{
		{"/ipfs/" + testCIDv0 + "\n", testCIDv0, true},
		{"  /ipfs/bafyX \r\n", "bafyX", true},
		{"/ipfs/\n", "", false},
		{"Error: could not resolve name\n", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := ParseResolvedPath(tt.out)
		if tt.ok {
			if err != nil || got != tt.want {
				t.Errorf("ParseResolvedPath(%q) = %q, %v; want %q", tt.out, got, err, tt.want)
			}
			continue
		}
		if !errors.Is(err, ErrResolution) {
			t.Errorf("ParseResolvedPath(%q): expected ErrResolution, got %v", tt.out, err)
		}
	}
}

func TestReadNameFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
		return p
	}

	name, err := ReadNameFile(write("ok.txt", "k51abc\nignored second line\n"))
	if err != nil || name != "k51abc" {
		t.Fatalf("ReadNameFile = %q, %v", name, err)
	}
	name, err = ReadNameFile(write("nonl.txt", "  k51def  "))
	if err != nil || name != "k51def" {
		t.Fatalf("ReadNameFile = %q, %v", name, err)
	}

	for _, p := range []string{
		write("empty.txt", ""),
		write("blank.txt", "\nk51later\n"),
		filepath.Join(dir, "absent.txt"),
	} {
		if _, err := ReadNameFile(p); !errors.Is(err, ErrResolution) {
			t.Errorf("ReadNameFile(%s): expected ErrResolution, got %v", filepath.Base(p), err)
		}
	}
}

func TestResolveHead(t *testing.T) {
	nameFile := writeNameFile(t, "k51name")
	r := NewStaticResolver(map[string]ContentAddress{"k51name": "A"})

	addr, err := ResolveHead(context.Background(), r, nameFile, time.Second)
	if err != nil || addr != "A" {
		t.Fatalf("ResolveHead = %q, %v", addr, err)
	}

	r.Set("k51name", "B")
	addr, _ = ResolveHead(context.Background(), r, nameFile, 0)
	if addr != "B" {
		t.Fatalf("head did not move: %q", addr)
	}

	if _, err := ResolveHead(context.Background(), NewStaticResolver(nil), nameFile, time.Second); !errors.Is(err, ErrResolution) {
		t.Fatalf("expected ErrResolution for unknown name, got %v", err)
	}
}

type blockingResolver struct{}

func (blockingResolver) Resolve(ctx context.Context, _ string) (ContentAddress, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type plainErrResolver struct{}

func (plainErrResolver) Resolve(context.Context, string) (ContentAddress, error) {
	return "", errors.New("node offline")
}

func TestResolveHeadTimeout(t *testing.T) {
	nameFile := writeNameFile(t, "k51name")
	start := time.Now()
	_, err := ResolveHead(context.Background(), blockingResolver{}, nameFile, 20*time.Millisecond)
	if !errors.Is(err, ErrResolution) || !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrResolution and ErrTimeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("resolve did not respect its timeout")
	}

	_, err = ResolveHead(context.Background(), plainErrResolver{}, nameFile, time.Second)
	if !errors.Is(err, ErrResolution) || errors.Is(err, ErrTimeout) {
		t.Fatalf("expected plain ErrResolution, got %v", err)
	}
}

func TestAPIResolver(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v0/name/resolve" {
			http.Error(w, "bad route", http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("nocache") != "true" {
			t.Errorf("nocache not set")
		}
		switch r.URL.Query().Get("arg") {
		case "/ipns/k51good":
			_, _ = w.Write([]byte(`{"Path":"/ipfs/` + testCIDv1 + `"}`))
		case "/ipns/k51garbage":
			_, _ = w.Write([]byte(`{"Path":"/ipfs/not-a-cid"}`))
		default:
			http.Error(w, `{"Message":"could not resolve name"}`, http.StatusInternalServerError)
		}
	}))
	defer ts.Close()

	r := NewAPIResolver(ts.URL)
	addr, err := r.Resolve(context.Background(), "k51good")
	if err != nil || addr != testCIDv1 {
		t.Fatalf("Resolve = %q, %v", addr, err)
	}
	addr, err = r.Resolve(context.Background(), "/ipns/k51good")
	if err != nil || addr != testCIDv1 {
		t.Fatalf("Resolve with /ipns/ prefix = %q, %v", addr, err)
	}
	for _, name := range []string{"k51garbage", "k51unknown"} {
		if _, err := r.Resolve(context.Background(), name); !errors.Is(err, ErrResolution) {
			t.Errorf("Resolve(%s): expected ErrResolution, got %v", name, err)
		}
	}
}

func TestCommandResolverMissingBinary(t *testing.T) {
	r := &CommandResolver{Binary: filepath.Join(t.TempDir(), "no-such-ipfs")}
	if _, err := r.Resolve(context.Background(), "k51name"); !errors.Is(err, ErrResolution) {
		t.Fatalf("expected ErrResolution, got %v", err)
	}
}

func TestCommandResolverScript(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	script := filepath.Join(t.TempDir(), "fake-ipfs")
	body := "#!/bin/sh\n[ \"$1 $2 $3 $4\" = \"name resolve --nocache /ipns/k51name\" ] || exit 3\necho /ipfs/" + testCIDv0 + "\n"
	if err := os.WriteFile(script, []byte(body), 0700); err != nil {
		t.Fatal(err)
	}

	addr, err := (&CommandResolver{Binary: script}).Resolve(context.Background(), "k51name")
	if err != nil || addr != testCIDv0 {
		t.Fatalf("Resolve = %q, %v", addr, err)
	}
	if _, err := (&CommandResolver{Binary: script}).Resolve(context.Background(), "other"); !errors.Is(err, ErrResolution) {
		t.Fatalf("expected ErrResolution for failing command, got %v", err)
	}
}
