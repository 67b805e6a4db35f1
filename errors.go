package logchain

import (
	"errors"
	"fmt"
)

// ErrFetch indicates the content fetcher could not return the bytes for an address.
var ErrFetch = errors.New("fetch failed")

// ErrResolution indicates a mutable name could not be resolved to a content address.
var ErrResolution = errors.New("name resolution failed")

// ErrTimeout marks a fetch or resolution that exceeded its bounded wait.
// It is always reported together with ErrFetch or ErrResolution.
var ErrTimeout = errors.New("timed out")

// ErrEnvelopeFormat indicates the outer envelope was not valid JSON, lacked a field
// or carried a field that is not canonical base64.
var ErrEnvelopeFormat = errors.New("malformed envelope")

// ErrDecryption is the single category presented for every cryptographic failure.
var ErrDecryption = errors.New("decryption failed")

// ErrKeyUnwrap indicates the symmetric key could not be recovered with the private key.
var ErrKeyUnwrap = errors.New("key unwrap failed")

// ErrPayloadDecrypt indicates the AEAD tag did not verify for the payload.
var ErrPayloadDecrypt = errors.New("payload authentication failed")

// ErrBatchFormat indicates the decrypted plaintext is not a valid batch.
var ErrBatchFormat = errors.New("malformed batch")

// ErrCycleDetected indicates a backward pointer named an already visited address.
var ErrCycleDetected = errors.New("cycle detected in chain")

// DecryptError is returned for key unwrap and payload failures.
// Its message is identical for both kinds so that callers on the far side of a trust
// boundary cannot tell a wrong key from a tampered payload. Programmatic callers can
// still use errors.Is with ErrKeyUnwrap or ErrPayloadDecrypt.
type DecryptError struct {
	kind  error // ErrKeyUnwrap or ErrPayloadDecrypt
	cause error
}

func (e *DecryptError) Error() string { return ErrDecryption.Error() }

// Is reports whether target is ErrDecryption or the specific failure kind.
func (e *DecryptError) Is(target error) bool {
	return target == ErrDecryption || target == e.kind
}

// Diagnostic returns the underlying primitive error text. It must only be written to
// operator-facing diagnostics, never returned to remote callers.
func (e *DecryptError) Diagnostic() string {
	if e.cause == nil {
		return e.kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.kind, e.cause)
}

func unwrapFailure(cause error) error {
	return &DecryptError{kind: ErrKeyUnwrap, cause: cause}
}

func payloadFailure(cause error) error {
	return &DecryptError{kind: ErrPayloadDecrypt, cause: cause}
}

// Stage names the walk step at which a failure occurred.
type Stage string

// Walk stages reported in StageError.
const (
	StageResolve Stage = "resolve"
	StageFetch   Stage = "fetch"
	StageDecode  Stage = "decode"
	StageDecrypt Stage = "decrypt"
	StageParse   Stage = "parse"
	StageEmit    Stage = "emit"
	StageFollow  Stage = "follow"
)

// StageError tells the caller which content address failed and at which stage.
type StageError struct {
	Stage   Stage
	Address ContentAddress
	Err     error
}

func (e *StageError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Address, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
