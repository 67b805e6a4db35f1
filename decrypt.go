package logchain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"hash"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	// SymmetricKeySize is the size of the unwrapped AES-256 key.
	SymmetricKeySize = 32
	// TagSize is the GCM authentication tag size carried in the envelope.
	TagSize = 16
)

// OAEPHash selects the digest used for RSA-OAEP key unwrapping.
type OAEPHash string

// Supported OAEP digests. SHA-1 matches OpenSSL's RSA_PKCS1_OAEP_PADDING.
const (
	OAEPSHA1   OAEPHash = "sha1"
	OAEPSHA256 OAEPHash = "sha256"
)

func (h OAEPHash) hashFunc() (func() hash.Hash, error) {
	switch h {
	case "", OAEPSHA1:
		return sha1.New, nil
	case OAEPSHA256:
		return sha256.New, nil
	default:
		return nil, fmt.Errorf("unsupported OAEP hash %q", string(h))
	}
}

// DecryptorOptions controls hybrid decryption.
type DecryptorOptions struct {
	OAEPHash OAEPHash
	Logger   *logrus.Logger // receives crypto diagnostics at debug level
}

// Decryptor holds the long-lived RSA private key and opens envelopes.
// The key is loaded once and only read afterwards, so a Decryptor may be shared
// between goroutines.
type Decryptor struct {
	key     *rsa.PrivateKey
	newHash func() hash.Hash
	log     *logrus.Logger
}

// NewDecryptor wraps an already parsed private key.
func NewDecryptor(key *rsa.PrivateKey, opts DecryptorOptions) (*Decryptor, error) {
	if key == nil {
		return nil, unwrapFailure(errors.New("nil private key"))
	}
	newHash, err := opts.OAEPHash.hashFunc()
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	key.Precompute()
	return &Decryptor{key: key, newHash: newHash, log: opts.Logger}, nil
}

// LoadDecryptor reads a PEM encoded RSA private key (PKCS#1 or PKCS#8) from path.
// Any failure to read or parse the key is reported as a key unwrap failure.
func LoadDecryptor(path string, opts DecryptorOptions) (*Decryptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, unwrapFailure(fmt.Errorf("read private key: %w", err))
	}
	key, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, unwrapFailure(err)
	}
	return NewDecryptor(key, opts)
}

// ParsePrivateKeyPEM parses the first PEM block in data as an RSA private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("PKCS#8 key is %T, not RSA", k)
		}
		return rk, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
}

// Open unwraps the envelope's symmetric key and authenticates and decrypts the payload.
// Plaintext is only returned when the GCM tag verifies. Failures are *DecryptError.
func (d *Decryptor) Open(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrEnvelopeFormat)
	}

	key, err := d.unwrap(env.WrappedKey)
	if err != nil {
		d.diagnose(err)
		return nil, err
	}
	defer clear(key)

	pt, err := openGCM(key, env.Nonce, env.Ciphertext, env.Tag)
	if err != nil {
		d.diagnose(err)
		return nil, err
	}
	return pt, nil
}

// Check reports whether data is an envelope this Decryptor can open. The
// plaintext is discarded. Suitable as BoltCache.Verify.
func (d *Decryptor) Check(data []byte) error {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return err
	}
	pt, err := d.Open(env)
	clear(pt)
	return err
}

func (d *Decryptor) unwrap(wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(d.newHash(), nil, d.key, wrapped, nil)
	if err != nil {
		return nil, unwrapFailure(err)
	}
	if len(key) != SymmetricKeySize {
		clear(key)
		return nil, unwrapFailure(fmt.Errorf("unwrapped key is %d bytes", len(key)))
	}
	return key, nil
}

func openGCM(key, nonce, ciphertext, tag []byte) ([]byte, error) {
	if len(tag) != TagSize {
		return nil, payloadFailure(fmt.Errorf("tag must be %d bytes, got %d", TagSize, len(tag)))
	}
	if len(nonce) == 0 {
		return nil, payloadFailure(errors.New("empty nonce"))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, payloadFailure(err)
	}
	var gcm cipher.AEAD
	if len(nonce) == 12 {
		gcm, err = cipher.NewGCM(block)
	} else {
		gcm, err = cipher.NewGCMWithNonceSize(block, len(nonce))
	}
	if err != nil {
		return nil, payloadFailure(err)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	pt, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, payloadFailure(err)
	}
	return pt, nil
}

func (d *Decryptor) diagnose(err error) {
	var de *DecryptError
	if errors.As(err, &de) {
		d.log.WithField("detail", de.Diagnostic()).Debug("envelope rejected")
	}
}
