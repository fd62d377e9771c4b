package oplog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePayloadRoundTrip(t *testing.T) {
	ref, envelope, err := EncodePayload([]any{"widget", 500})
	require.NoError(t, err)
	require.False(t, ref.IsZero())
	require.Equal(t, PayloadEnvelopeVersion, envelope[0])

	var decoded []any
	require.NoError(t, DecodePayload(envelope, &decoded))
	require.Len(t, decoded, 2)
}

func TestEncodePayloadIsContentAddressed(t *testing.T) {
	ref1, _, err := EncodePayload("same value")
	require.NoError(t, err)
	ref2, _, err := EncodePayload("same value")
	require.NoError(t, err)
	require.Equal(t, ref1, ref2)

	ref3, _, err := EncodePayload("different value")
	require.NoError(t, err)
	require.NotEqual(t, ref1, ref3)
}

func TestDecodePayloadRejectsUnknownVersion(t *testing.T) {
	_, envelope, err := EncodePayload("x")
	require.NoError(t, err)
	envelope[0] = 0xFF

	var out string
	err = DecodePayload(envelope, &out)
	require.Error(t, err)
}

func TestDecodePayloadRejectsEmptyEnvelope(t *testing.T) {
	var out string
	require.Error(t, DecodePayload(nil, &out))
}

func TestPayloadRefZeroValue(t *testing.T) {
	var ref PayloadRef
	require.True(t, ref.IsZero())
}
