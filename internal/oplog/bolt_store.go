// Package oplog, bolt_store.go
//
// BoltDB-backed implementation of Store/Handle, adapted from the
// teacher's internal/storage/bolt.go: a single bbolt.DB file, one
// nested bucket per logical owner, ACID write transactions, and a
// schema-version guard on open.
//
// Schema (BoltDB bucket layout):
//
//	/instances/<owned-worker-id>
//	    key:   big-endian uint64 oplog index
//	    value: msgpack-encoded wire entry (version-tagged via the Kind field)
//
//	/payloads
//	    key:   sha256 content hash of the payload envelope (32 bytes)
//	    value: the payload envelope (version byte + msgpack body)
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model: single-process, single-writer (bbolt does not
// support concurrent writers); every append is one ACID transaction;
// reads use read-only transactions.
package oplog

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/corehost/workerd/internal/ids"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	boltSchemaVersion = "1"

	bucketInstances = "instances"
	bucketPayloads  = "payloads"
	bucketMeta      = "meta"
)

// BoltStore is the production Store implementation.
type BoltStore struct {
	db  *bolt.DB
	log *zap.Logger
}

// OpenBoltStore opens (or creates) the BoltDB database at path.
func OpenBoltStore(path string, log *zap.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("oplog: bolt.Open(%q): %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketInstances, bucketPayloads, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(boltSchemaVersion))
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("oplog: initialise buckets: %w", err)
	}

	if err := checkSchemaVersion(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db, log: log}, nil
}

func checkSchemaVersion(db *bolt.DB) error {
	return db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte("schema_version"))
		if string(v) != boltSchemaVersion {
			return fmt.Errorf("oplog: schema version mismatch: database has %q, core requires %q",
				string(v), boltSchemaVersion)
		}
		return nil
	})
}

func (s *BoltStore) Close() error { return s.db.Close() }

func instanceBucketKey(id ids.OwnedWorkerID) []byte { return []byte(id.String()) }

func indexKey(idx ids.OplogIndex) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(idx))
	return buf
}

func (s *BoltStore) GetLastIndex(id ids.OwnedWorkerID) (ids.OplogIndex, error) {
	var last ids.OplogIndex
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucketInstances))
		b := root.Bucket(instanceBucketKey(id))
		if b == nil {
			last = ids.NoIndex
			return nil
		}
		k, _ := b.Cursor().Last()
		if k == nil {
			last = ids.NoIndex
			return nil
		}
		last = ids.OplogIndex(binary.BigEndian.Uint64(k))
		return nil
	})
	return last, err
}

func (s *BoltStore) Open(id ids.OwnedWorkerID) (Handle, error) {
	last, err := s.GetLastIndex(id)
	if err != nil {
		return nil, err
	}
	return &boltHandle{store: s, id: id, lastIndex: last}, nil
}

// boltHandle is a per-instance view over a BoltStore. It holds no
// connection of its own; every operation opens a fresh bbolt
// transaction, which bbolt itself serializes process-wide.
type boltHandle struct {
	store     *BoltStore
	id        ids.OwnedWorkerID
	lastIndex ids.OplogIndex
}

func (h *boltHandle) GetLastIndex() ids.OplogIndex { return h.lastIndex }

func (h *boltHandle) Read(idx ids.OplogIndex) (Entry, error) {
	entries, err := h.ReadRange(idx, idx)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("oplog: no entry at index %d for %s", idx, h.id)
	}
	return entries[0], nil
}

func (h *boltHandle) ReadRange(from, to ids.OplogIndex) ([]Entry, error) {
	var out []Entry
	err := h.store.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucketInstances))
		b := root.Bucket(instanceBucketKey(h.id))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(indexKey(from)); k != nil; k, v = c.Next() {
			idx := ids.OplogIndex(binary.BigEndian.Uint64(k))
			if idx > to {
				break
			}
			entry, err := decodeEntry(idx, v)
			if err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("oplog: read range [%d,%d] for %s: %w", from, to, h.id, err)
	}
	return out, nil
}

func (h *boltHandle) AddAndCommit(data Data) (Entry, error) {
	entry := Entry{Index: h.lastIndex.Next(), Timestamp: now(), Data: data}
	raw, err := encodeEntry(entry)
	if err != nil {
		return Entry{}, err
	}
	err = h.store.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucketInstances))
		b, err := root.CreateBucketIfNotExists(instanceBucketKey(h.id))
		if err != nil {
			return err
		}
		return b.Put(indexKey(entry.Index), raw)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("oplog: append entry %d for %s: %w", entry.Index, h.id, err)
	}
	h.lastIndex = entry.Index
	return entry, nil
}

// Commit is a no-op beyond AddAndCommit's own transaction: bbolt commits
// (and fsyncs, unless NoSync is set) every write transaction, so there is
// nothing buffered to flush at either durability level. The method exists
// so callers can express a durability checkpoint without special-casing
// the storage backend.
func (h *boltHandle) Commit(level CommitLevel) error { return nil }

func (h *boltHandle) PutPayload(value any) (PayloadRef, error) {
	ref, envelope, err := EncodePayload(value)
	if err != nil {
		return PayloadRef{}, err
	}
	err = h.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPayloads))
		return b.Put(ref.Key[:], envelope)
	})
	if err != nil {
		return PayloadRef{}, fmt.Errorf("oplog: put payload %s: %w", ref, err)
	}
	return ref, nil
}

func (h *boltHandle) GetPayload(ref PayloadRef, out any) error {
	var envelope []byte
	err := h.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPayloads))
		v := b.Get(ref.Key[:])
		if v == nil {
			return fmt.Errorf("payload %s not found", ref)
		}
		envelope = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("oplog: get payload: %w", err)
	}
	return DecodePayload(envelope, out)
}

func (h *boltHandle) CreateSnapshotBasedUpdateDescription(targetVersion ids.ComponentVersion, snapshot []byte, description string) (UpdateTarget, error) {
	ref, err := h.PutPayload(snapshot)
	if err != nil {
		return UpdateTarget{}, fmt.Errorf("oplog: snapshot update description: %w", err)
	}
	return UpdateTarget{TargetVersion: targetVersion, SnapshotKey: &ref, Description: description}, nil
}

func (h *boltHandle) Close() error { return nil }

// ── wire encoding ───────────────────────────────────────────────────────

type wireEntry struct {
	Timestamp time.Time
	Kind      uint8
	Body      []byte
}

func encodeEntry(e Entry) ([]byte, error) {
	body, err := msgpack.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("oplog: encode entry %d: %w", e.Index, err)
	}
	raw, err := msgpack.Marshal(wireEntry{Timestamp: e.Timestamp, Kind: uint8(e.Data.Kind()), Body: body})
	if err != nil {
		return nil, fmt.Errorf("oplog: encode entry %d: %w", e.Index, err)
	}
	return raw, nil
}

func decodeEntry(idx ids.OplogIndex, raw []byte) (Entry, error) {
	var w wireEntry
	if err := msgpack.Unmarshal(raw, &w); err != nil {
		return Entry{}, fmt.Errorf("oplog: decode entry %d: %w", idx, err)
	}
	data, err := decodeEntryData(Kind(w.Kind), w.Body)
	if err != nil {
		return Entry{}, fmt.Errorf("oplog: decode entry %d: %w", idx, err)
	}
	return Entry{Index: idx, Timestamp: w.Timestamp, Data: data}, nil
}

// decodeVariant unmarshals body into a fresh T and returns it as a Data
// value (not a pointer), so decoded entries type-switch the same way as
// entries constructed in-process by the supervisor.
func decodeVariant[T Data](body []byte) (Data, error) {
	var v T
	if err := msgpack.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeEntryData(kind Kind, body []byte) (Data, error) {
	switch kind {
	case KindCreate:
		return decodeVariant[Create](body)
	case KindImportedFunctionInvoked:
		return decodeVariant[ImportedFunctionInvoked](body)
	case KindExportedFunctionInvoked:
		return decodeVariant[ExportedFunctionInvoked](body)
	case KindExportedFunctionCompleted:
		return decodeVariant[ExportedFunctionCompleted](body)
	case KindSuspend:
		return decodeVariant[Suspend](body)
	case KindError:
		return decodeVariant[Error](body)
	case KindNoOp:
		return decodeVariant[NoOp](body)
	case KindJump:
		return decodeVariant[Jump](body)
	case KindInterrupted:
		return decodeVariant[Interrupted](body)
	case KindExited:
		return decodeVariant[Exited](body)
	case KindChangeRetryPolicy:
		return decodeVariant[ChangeRetryPolicy](body)
	case KindBeginAtomicRegion:
		return decodeVariant[BeginAtomicRegion](body)
	case KindEndAtomicRegion:
		return decodeVariant[EndAtomicRegion](body)
	case KindBeginRemoteWrite:
		return decodeVariant[BeginRemoteWrite](body)
	case KindEndRemoteWrite:
		return decodeVariant[EndRemoteWrite](body)
	case KindPendingWorkerInvocation:
		return decodeVariant[PendingWorkerInvocation](body)
	case KindPendingUpdate:
		return decodeVariant[PendingUpdate](body)
	case KindFailedUpdate:
		return decodeVariant[FailedUpdate](body)
	case KindSuccessfulUpdate:
		return decodeVariant[SuccessfulUpdate](body)
	case KindGrowMemory:
		return decodeVariant[GrowMemory](body)
	case KindCreateResource:
		return decodeVariant[CreateResource](body)
	case KindDropResource:
		return decodeVariant[DropResource](body)
	case KindDescribeResource:
		return decodeVariant[DescribeResource](body)
	case KindLog:
		return decodeVariant[Log](body)
	case KindRestart:
		return decodeVariant[Restart](body)
	case KindActivatePlugin:
		return decodeVariant[ActivatePlugin](body)
	case KindDeactivatePlugin:
		return decodeVariant[DeactivatePlugin](body)
	default:
		return nil, fmt.Errorf("unknown entry kind %d", kind)
	}
}
