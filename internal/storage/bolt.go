// Package storage, bolt.go
//
// BoltDB-backed worker metadata store.
//
// Schema (BoltDB bucket layout):
//
//	/workers
//	    key:   "<environment>/<component>/<worker_name>"  [sortable, see keyFor]
//	    value: JSON-encoded WorkerMetadataRow
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// The key is deliberately ordered (environment, component, name) so a
// Cursor.Seek over a prefix serves both the primary lookup and
// enumeration by (environment, component), without a second bucket,
// the same sortable-key trick the teacher used for ledger entries keyed
// by timestamp.
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent
//     writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The node logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error, returned to the caller
//     as is (not wrapped in an apierr kind); no metadata row is left half-written (the
//     transaction is rolled back).
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/corehost/workerd/internal/apierr"
	"github.com/corehost/workerd/internal/ids"
	"github.com/corehost/workerd/internal/status"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketWorkers = "workers"
	bucketMeta    = "meta"
)

// WorkerMetadataRow is the persisted row backing get_worker_metadata and
// enumerate_workers. The latest WorkerStatusRecord is denormalized onto
// the row so enumeration does not require a separate oplog fold per
// result.
type WorkerMetadataRow struct {
	ID         ids.OwnedWorkerID `json:"id"`
	Owner      string            `json:"owner"`
	CreatedAt  time.Time         `json:"created_at"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	Parent     *ids.WorkerID     `json:"parent,omitempty"`
	LastStatus *status.WorkerStatusRecord `json:"last_status"`
}

// DB wraps a BoltDB instance with typed accessors for worker metadata.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketWorkers, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, node requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// keyFor builds the sortable (environment, component, name) key.
func keyFor(id ids.OwnedWorkerID) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s", id.Environment, id.Worker.Component, id.Worker.Name))
}

// prefixFor builds a key prefix for enumeration at the (environment) or
// (environment, component) level. component is nil for an
// environment-wide scan.
func prefixFor(env ids.EnvironmentID, component *ids.ComponentID) []byte {
	if component == nil {
		return []byte(fmt.Sprintf("%s/", env))
	}
	return []byte(fmt.Sprintf("%s/%s/", env, component))
}

// Create inserts a new metadata row. Returns apierr.WorkerAlreadyExists
// if one is already present for this identity.
func (d *DB) Create(row WorkerMetadataRow) error {
	key := keyFor(row.ID)
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal worker metadata row: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketWorkers))
		if b.Get(key) != nil {
			return apierr.WorkerAlreadyExists
		}
		return b.Put(key, data)
	})
}

// Put overwrites the row for id, e.g. after the Status Projector folds
// new status onto the cached record.
func (d *DB) Put(row WorkerMetadataRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal worker metadata row: %w", err)
	}
	key := keyFor(row.ID)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketWorkers)).Put(key, data)
	})
}

// Get retrieves the row for id. Returns apierr.WorkerNotFound if absent.
func (d *DB) Get(id ids.OwnedWorkerID) (*WorkerMetadataRow, error) {
	var row WorkerMetadataRow
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketWorkers)).Get(keyFor(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return nil, fmt.Errorf("get worker metadata row: %w", err)
	}
	if !found {
		return nil, apierr.WorkerNotFound
	}
	return &row, nil
}

// Delete removes the row for id. Idempotent: deleting an absent row is
// not an error, matching delete_worker's "remove the metadata row" step
// after interrupts have already settled.
func (d *DB) Delete(id ids.OwnedWorkerID) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketWorkers)).Delete(keyFor(id))
	})
}

// Enumerate lists every row in (environment) or, if component is
// non-nil, (environment, component) scope, in key order.
func (d *DB) Enumerate(env ids.EnvironmentID, component *ids.ComponentID) ([]WorkerMetadataRow, error) {
	prefix := prefixFor(env, component)
	var rows []WorkerMetadataRow
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketWorkers)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var row WorkerMetadataRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

// EnumerateAll lists every row across every environment, in key order.
// Used on node startup to re-track previously persisted workers in the
// Shard Table before any request arrives.
func (d *DB) EnumerateAll() ([]WorkerMetadataRow, error) {
	var rows []WorkerMetadataRow
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketWorkers)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var row WorkerMetadataRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
