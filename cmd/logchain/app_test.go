package main

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karasz/logchain"
)

// writeBatch encrypts a one-record batch to pub and stores it as dir/addr.
func writeBatch(t *testing.T, dir string, pub *rsa.PublicKey, addr, prev, msg string) {
	t.Helper()
	entry, err := json.Marshal(map[string]any{"event_id": 1, "type": "INFO", "message": msg})
	require.NoError(t, err)
	plaintext, err := json.Marshal(map[string]any{"logs": []string{string(entry)}, "prev_cid": prev})
	require.NoError(t, err)

	key := make([]byte, logchain.SymmetricKeySize)
	_, err = rand.Read(key)
	require.NoError(t, err)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	nonce := make([]byte, gcm.NonceSize())
	_, err = rand.Read(nonce)
	require.NoError(t, err)
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	wrapped, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, key, nil)
	require.NoError(t, err)

	b64 := base64.StdEncoding.EncodeToString
	env, err := json.Marshal(map[string]string{
		"d": b64(sealed[:len(sealed)-logchain.TagSize]),
		"k": b64(wrapped),
		"n": b64(nonce),
		"t": b64(sealed[len(sealed)-logchain.TagSize:]),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, addr), env, 0600))
}

func testConfig(t *testing.T) (*logchain.Config, *rsa.PrivateKey) {
	t.Helper()
	dir := t.TempDir()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "private_key.pem")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(keyPath, pemData, 0600))

	blobs := filepath.Join(dir, "blobs")
	require.NoError(t, os.Mkdir(blobs, 0700))

	cfg := logchain.DefaultConfig()
	cfg.Keys.PrivateKey = keyPath
	cfg.Keys.NameFile = filepath.Join(dir, "ipns_key.txt")
	cfg.Fetch.Folder = blobs
	cfg.Fetch.Cache = filepath.Join(dir, "cache.db")
	cfg.Output.JSONL = filepath.Join(dir, "logs_output.jsonl")
	cfg.Output.Proto = filepath.Join(dir, "logs.pb")
	cfg.Output.SQLite = filepath.Join(dir, "records.db")
	cfg.Log.Level = "panic"
	require.NoError(t, os.WriteFile(cfg.Keys.NameFile, []byte("k51head\n"), 0600))
	require.NoError(t, cfg.Validate())
	return cfg, key
}

func TestNewAppWalk(t *testing.T) {
	cfg, key := testConfig(t)
	writeBatch(t, cfg.Fetch.Folder, &key.PublicKey, "A", "B", "newest")
	writeBatch(t, cfg.Fetch.Folder, &key.PublicKey, "B", "", "oldest")

	a, err := newApp(cfg)
	require.NoError(t, err)
	require.NotNil(t, a.store)

	res, err := a.walker.Walk(context.Background(), "A", logchain.WalkOptions{})
	require.NoError(t, err)
	assert.Equal(t, logchain.StateDone, res.State)
	assert.Len(t, res.Batches, 2)
	require.NoError(t, a.Close())

	data, err := os.ReadFile(cfg.Output.JSONL)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "newest")
	assert.Contains(t, lines[1], "oldest")

	addrs, recs, err := logchain.ReadProtoRecords(cfg.Output.Proto)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []logchain.ContentAddress{"A", "B"}, addrs)
}

func TestNewAppCacheRetriesBadBlob(t *testing.T) {
	cfg, key := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Fetch.Folder, "C"), []byte("<html>gateway error</html>"), 0600))

	a, err := newApp(cfg)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.walker.Walk(context.Background(), "C", logchain.WalkOptions{})
	require.ErrorIs(t, err, logchain.ErrEnvelopeFormat)

	writeBatch(t, cfg.Fetch.Folder, &key.PublicKey, "C", "", "recovered")
	res, err := a.walker.Walk(context.Background(), "C", logchain.WalkOptions{})
	require.NoError(t, err)
	assert.Equal(t, logchain.StateDone, res.State)
	assert.Equal(t, "recovered", res.Batches[0].Records[0].Message)
}

func TestNewAppErrors(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Keys.PrivateKey = filepath.Join(t.TempDir(), "missing.pem")
	_, err := newApp(cfg)
	assert.Error(t, err)

	cfg, _ = testConfig(t)
	cfg.Output = logchain.OutputConfig{}
	_, err = newApp(cfg)
	assert.ErrorContains(t, err, "no output configured")
}

func TestShell(t *testing.T) {
	cfg, key := testConfig(t)
	writeBatch(t, cfg.Fetch.Folder, &key.PublicKey, "A", "B", "newest")
	writeBatch(t, cfg.Fetch.Folder, &key.PublicKey, "B", "", "oldest")

	a, err := newApp(cfg)
	require.NoError(t, err)
	defer a.Close()

	sess := logchain.NewSession(a.walker, logchain.SessionConfig{
		Resolver: logchain.NewStaticResolver(map[string]logchain.ContentAddress{"k51head": "A"}),
		NameFile: cfg.Keys.NameFile,
	})
	in := strings.NewReader(strings.Join([]string{
		"fetch --chain",
		"fetch --resolve",
		"fetch --chain",
		"fetch --chain",
		"fetch --chain",
		"fetch missing",
		"fetch B",
		"bogus",
		"exit",
		"fetch A",
	}, "\n"))
	var out strings.Builder
	require.NoError(t, shell(context.Background(), sess, in, &out))

	got := out.String()
	assert.Equal(t, 2, strings.Count(got, "no previous logs"))
	assert.Contains(t, got, "resolved: A")
	assert.Contains(t, got, "A: 1 records, prev B")
	assert.Contains(t, got, "[1] INFO: newest")
	assert.Equal(t, 2, strings.Count(got, "B: 1 records\n"))
	assert.Contains(t, got, "error: fetch missing")
	assert.Contains(t, got, "Commands:")

	n, err := a.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRunUnknownCommand(t *testing.T) {
	assert.Error(t, run([]string{"frobnicate"}))
	assert.NoError(t, run([]string{"help"}))
}
