package logchain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope is the decoded outer wire object of a published batch.
type Envelope struct {
	Ciphertext []byte // d
	WrappedKey []byte // k - RSA-OAEP wrapped AES-256 key
	Nonce      []byte // n
	Tag        []byte // t - GCM authentication tag
}

// wireEnvelope uses pointers so a missing field can be told apart from an empty one.
type wireEnvelope struct {
	D *string `json:"d"`
	K *string `json:"k"`
	N *string `json:"n"`
	T *string `json:"t"`
}

var strictBase64 = base64.StdEncoding.Strict()

// DecodeEnvelope parses raw envelope JSON and base64-decodes its four fields.
// Every failure is reported as ErrEnvelopeFormat; no decryption is attempted here.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeFormat, err)
	}

	var env Envelope
	// An empty ciphertext is valid AEAD input; the tag still has to verify.
	fields := []struct {
		name       string
		val        *string
		dst        *[]byte
		allowEmpty bool
	}{
		{"d", w.D, &env.Ciphertext, true},
		{"k", w.K, &env.WrappedKey, false},
		{"n", w.N, &env.Nonce, false},
		{"t", w.T, &env.Tag, false},
	}
	for _, f := range fields {
		b, err := decodeField(f.name, f.val, f.allowEmpty)
		if err != nil {
			return nil, err
		}
		*f.dst = b
	}
	return &env, nil
}

func decodeField(name string, val *string, allowEmpty bool) ([]byte, error) {
	if val == nil {
		return nil, fmt.Errorf("%w: missing field %q", ErrEnvelopeFormat, name)
	}
	if *val == "" {
		if allowEmpty {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("%w: empty field %q", ErrEnvelopeFormat, name)
	}
	// StdEncoding silently skips CR and LF, which the wire format forbids.
	if strings.ContainsAny(*val, "\r\n\t ") {
		return nil, fmt.Errorf("%w: field %q contains whitespace", ErrEnvelopeFormat, name)
	}
	b, err := strictBase64.DecodeString(*val)
	if err != nil {
		return nil, fmt.Errorf("%w: field %q base64: %v", ErrEnvelopeFormat, name, err)
	}
	return b, nil
}
