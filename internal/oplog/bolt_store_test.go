package oplog

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/corehost/workerd/internal/ids"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oplog.db")
	s, err := OpenBoltStore(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func testWorkerID() ids.OwnedWorkerID {
	return ids.OwnedWorkerID{
		Environment: ids.EnvironmentID{Value: uuid.New()},
		Worker:      ids.WorkerID{Component: ids.ComponentID{Value: uuid.New()}, Name: "bolt-store-test"},
	}
}

func TestBoltStoreOpenOnFreshInstanceHasNoIndex(t *testing.T) {
	s := openTestStore(t)
	h, err := s.Open(testWorkerID())
	require.NoError(t, err)
	require.Equal(t, ids.NoIndex, h.GetLastIndex())
}

func TestBoltStoreAddAndCommitAppendsInOrder(t *testing.T) {
	s := openTestStore(t)
	h, err := s.Open(testWorkerID())
	require.NoError(t, err)

	e1, err := h.AddAndCommit(Create{Args: []string{"a"}})
	require.NoError(t, err)
	require.Equal(t, ids.OplogIndex(1), e1.Index)

	e2, err := h.AddAndCommit(Suspend{})
	require.NoError(t, err)
	require.Equal(t, ids.OplogIndex(2), e2.Index)
	require.Equal(t, ids.OplogIndex(2), h.GetLastIndex())
}

func TestBoltStoreReadRangeReturnsDecodedEntries(t *testing.T) {
	s := openTestStore(t)
	h, err := s.Open(testWorkerID())
	require.NoError(t, err)

	_, err = h.AddAndCommit(Create{Args: []string{"x"}})
	require.NoError(t, err)
	_, err = h.AddAndCommit(Log{Level: "stdout", Message: "hello"})
	require.NoError(t, err)
	_, err = h.AddAndCommit(Suspend{})
	require.NoError(t, err)

	entries, err := h.ReadRange(1, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	require.IsType(t, Create{}, entries[0].Data)
	log, ok := entries[1].Data.(Log)
	require.True(t, ok)
	require.Equal(t, "hello", log.Message)
	require.IsType(t, Suspend{}, entries[2].Data)
}

func TestBoltStoreReadRangeIsBoundedAbove(t *testing.T) {
	s := openTestStore(t)
	h, err := s.Open(testWorkerID())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = h.AddAndCommit(NoOp{})
		require.NoError(t, err)
	}

	entries, err := h.ReadRange(2, 3)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, ids.OplogIndex(2), entries[0].Index)
	require.Equal(t, ids.OplogIndex(3), entries[1].Index)
}

func TestBoltStoreReadSingleEntry(t *testing.T) {
	s := openTestStore(t)
	h, err := s.Open(testWorkerID())
	require.NoError(t, err)

	_, err = h.AddAndCommit(Create{Args: []string{"only"}})
	require.NoError(t, err)

	entry, err := h.Read(1)
	require.NoError(t, err)
	require.Equal(t, ids.OplogIndex(1), entry.Index)

	_, err = h.Read(99)
	require.Error(t, err)
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplog.db")
	worker := testWorkerID()

	s1, err := OpenBoltStore(path, zap.NewNop())
	require.NoError(t, err)
	h1, err := s1.Open(worker)
	require.NoError(t, err)
	_, err = h1.AddAndCommit(Create{Args: []string{"persisted"}})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := OpenBoltStore(path, zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()

	last, err := s2.GetLastIndex(worker)
	require.NoError(t, err)
	require.Equal(t, ids.OplogIndex(1), last)
}

func TestBoltStorePutAndGetPayloadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	h, err := s.Open(testWorkerID())
	require.NoError(t, err)

	ref, err := h.PutPayload([]string{"item1", "item2"})
	require.NoError(t, err)

	var out []string
	require.NoError(t, h.GetPayload(ref, &out))
	require.Equal(t, []string{"item1", "item2"}, out)
}

func TestBoltStoreGetPayloadMissingKeyFails(t *testing.T) {
	s := openTestStore(t)
	h, err := s.Open(testWorkerID())
	require.NoError(t, err)

	ref, _, err := EncodePayload("never stored")
	require.NoError(t, err)

	var out string
	require.Error(t, h.GetPayload(ref, &out))
}

func TestBoltStoreCreateSnapshotBasedUpdateDescription(t *testing.T) {
	s := openTestStore(t)
	h, err := s.Open(testWorkerID())
	require.NoError(t, err)

	target, err := h.CreateSnapshotBasedUpdateDescription(ids.ComponentVersion(2), []byte("snapshot bytes"), "manual bump")
	require.NoError(t, err)
	require.Equal(t, ids.ComponentVersion(2), target.TargetVersion)
	require.NotNil(t, target.SnapshotKey)
	require.Equal(t, "manual bump", target.Description)

	var snapshot []byte
	require.NoError(t, h.GetPayload(*target.SnapshotKey, &snapshot))
	require.Equal(t, []byte("snapshot bytes"), snapshot)
}

func TestBoltStoreSeparateInstancesDoNotShareOplogs(t *testing.T) {
	s := openTestStore(t)
	w1, w2 := testWorkerID(), testWorkerID()

	h1, err := s.Open(w1)
	require.NoError(t, err)
	_, err = h1.AddAndCommit(Create{})
	require.NoError(t, err)

	h2, err := s.Open(w2)
	require.NoError(t, err)
	require.Equal(t, ids.NoIndex, h2.GetLastIndex())
}

func TestBoltStoreRejectsMismatchedSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplog.db")
	s, err := OpenBoltStore(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put([]byte("schema_version"), []byte("99"))
	}))
	require.NoError(t, s.Close())

	_, err = OpenBoltStore(path, zap.NewNop())
	require.Error(t, err)
}
