package logchain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	otherKey    *rsa.PrivateKey
)

// testKeys returns two RSA keys generated once per test binary.
func testKeys(t testing.TB) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	testKeyOnce.Do(func() {
		var err error
		if testKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if otherKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return testKey, otherKey
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testDecryptor(t testing.TB) *Decryptor {
	t.Helper()
	key, _ := testKeys(t)
	dec, err := NewDecryptor(key, DecryptorOptions{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewDecryptor: %v", err)
	}
	return dec
}

// sealRaw encrypts plaintext the way the log producer does and returns the
// envelope fields before base64 encoding.
func sealRaw(t testing.TB, pub *rsa.PublicKey, plaintext []byte) (d, k, n, tag []byte) {
	t.Helper()
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("gcm: %v", err)
	}
	n = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(n); err != nil {
		t.Fatalf("rand: %v", err)
	}
	sealed := gcm.Seal(nil, n, plaintext, nil)
	d, tag = sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	k, err = rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, key, nil)
	if err != nil {
		t.Fatalf("wrap key: %v", err)
	}
	return d, k, n, tag
}

func encodeEnvelope(d, k, n, tag []byte) []byte {
	b64 := base64.StdEncoding.EncodeToString
	out, _ := json.Marshal(map[string]string{
		"d": b64(d),
		"k": b64(k),
		"n": b64(n),
		"t": b64(tag),
	})
	return out
}

// seal returns envelope JSON for plaintext, encrypted to pub.
func seal(t testing.TB, pub *rsa.PublicKey, plaintext []byte) []byte {
	t.Helper()
	return encodeEnvelope(sealRaw(t, pub, plaintext))
}

// batchPlaintext builds batch plaintext with double-encoded log objects.
func batchPlaintext(t testing.TB, prev string, logs ...map[string]any) []byte {
	t.Helper()
	elems := make([]string, len(logs))
	for i, l := range logs {
		b, err := json.Marshal(l)
		if err != nil {
			t.Fatalf("marshal log: %v", err)
		}
		elems[i] = string(b)
	}
	out, err := json.Marshal(map[string]any{"logs": elems, "prev_cid": prev})
	if err != nil {
		t.Fatalf("marshal batch: %v", err)
	}
	return out
}

func logEntry(id any, msg string) map[string]any {
	return map[string]any{
		"event_id":  id,
		"type":      "INFO",
		"message":   msg,
		"timestamp": "2024-05-01T12:00:00Z",
	}
}

// chainFixture stores an encrypted chain in a MemoryFetcher. links maps each
// address to its prev pointer; every batch holds one record named after it.
func chainFixture(t testing.TB, links map[ContentAddress]ContentAddress) *MemoryFetcher {
	t.Helper()
	key, _ := testKeys(t)
	mf := NewMemoryFetcher()
	i := 0
	for addr, prev := range links {
		i++
		pt := batchPlaintext(t, string(prev), logEntry(i, "batch "+string(addr)))
		mf.Put(addr, seal(t, &key.PublicKey, pt))
	}
	return mf
}
