package ids

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestShardOfIsStableAndDeterministic(t *testing.T) {
	w := OwnedWorkerID{
		Environment: EnvironmentID{Value: uuid.New()},
		Worker:      WorkerID{Component: ComponentID{Value: uuid.New()}, Name: "stable"},
	}
	a := ShardOf(w, 16)
	b := ShardOf(w, 16)
	require.Equal(t, a, b)
	require.Less(t, uint32(a), uint32(16))
}

func TestShardOfZeroCountReturnsZero(t *testing.T) {
	w := OwnedWorkerID{Environment: EnvironmentID{Value: uuid.New()}, Worker: WorkerID{Name: "x"}}
	require.Equal(t, ShardID(0), ShardOf(w, 0))
}

func TestIdempotencyKeyTextRoundTrip(t *testing.T) {
	k := NewIdempotencyKey()
	text, err := k.MarshalText()
	require.NoError(t, err)

	var decoded IdempotencyKey
	require.NoError(t, decoded.UnmarshalText(text))
	require.Equal(t, k, decoded)
}

func TestIdempotencyKeyUnmarshalTextRejectsGarbage(t *testing.T) {
	var k IdempotencyKey
	require.Error(t, k.UnmarshalText([]byte("not-a-uuid")))
}

func TestOplogIndexNext(t *testing.T) {
	require.Equal(t, OplogIndex(1), NoIndex.Next())
	require.Equal(t, OplogIndex(6), OplogIndex(5).Next())
}
