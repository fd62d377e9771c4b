// Package oplog, payload.go
//
// Large oplog payloads (function arguments, return values, snapshots)
// are stored by reference: the entry carries a content-addressed key,
// the bytes live in a separate blob keyed by that address. The envelope
// is a single leading version byte (the initial version is 1) followed
// by a msgpack-encoded value, so future versions can change the
// wire encoding without rewriting history; readers simply refuse any
// version byte they don't recognise.
package oplog

import (
	"crypto/sha256"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// PayloadEnvelopeVersion is the only version byte this build understands.
const PayloadEnvelopeVersion byte = 0x01

// PayloadRef is the content-addressed key of a stored payload blob.
type PayloadRef struct {
	Key [32]byte
}

func (r PayloadRef) String() string { return fmt.Sprintf("%x", r.Key) }

// IsZero reports whether this ref was never assigned (e.g. an entry
// variant with no payload).
func (r PayloadRef) IsZero() bool { return r.Key == [32]byte{} }

// EncodePayload serialises value into a versioned envelope and returns
// both the envelope bytes (to be stored under the returned ref) and the
// ref itself, derived from the envelope's content hash.
func EncodePayload(value any) (PayloadRef, []byte, error) {
	body, err := msgpack.Marshal(value)
	if err != nil {
		return PayloadRef{}, nil, fmt.Errorf("oplog: encode payload: %w", err)
	}
	envelope := make([]byte, 0, len(body)+1)
	envelope = append(envelope, PayloadEnvelopeVersion)
	envelope = append(envelope, body...)
	return PayloadRef{Key: sha256.Sum256(envelope)}, envelope, nil
}

// DecodePayload validates the envelope version and unmarshals the body
// into out, which must be a pointer.
func DecodePayload(envelope []byte, out any) error {
	if len(envelope) == 0 {
		return fmt.Errorf("oplog: decode payload: empty envelope")
	}
	if envelope[0] != PayloadEnvelopeVersion {
		return fmt.Errorf("oplog: decode payload: unsupported envelope version %#x", envelope[0])
	}
	if err := msgpack.Unmarshal(envelope[1:], out); err != nil {
		return fmt.Errorf("oplog: decode payload: %w", err)
	}
	return nil
}
