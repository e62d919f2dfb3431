// Package sqlitekv is a concrete keyspace.Reader/Writer/Router/Replicator
// backed by SQLite: one *sql.DB, WAL mode, a hand-written schema with no
// ORM. It exists so cmd/aidagd (through internal/engine) has a real,
// persistent keyspace to run the engine against instead of an in-memory
// stub.
package sqlitekv

import (
	"bytes"
	"database/sql"
	"fmt"
	"hash/crc32"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tensorplane/aidag/internal/aierr"
	"github.com/tensorplane/aidag/internal/backend"
	"github.com/tensorplane/aidag/internal/config"
	"github.com/tensorplane/aidag/internal/objects"
	"github.com/tensorplane/aidag/internal/objects/codec"
	"github.com/tensorplane/aidag/tensor"
)

const schema = `
CREATE TABLE IF NOT EXISTS tensors (
	key  TEXT PRIMARY KEY,
	blob BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS models (
	key  TEXT PRIMARY KEY,
	blob BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS scripts (
	key  TEXT PRIMARY KEY,
	blob BLOB NOT NULL
);
`

// Store is a single-node SQLite-backed keyspace. SQLite serializes
// writers on its own; Store adds no application-level locking on top of
// that.
type Store struct {
	conn *sql.DB

	// numSlots is the cluster hash-slot space Store reports through
	// HashSlot/IsLocal. A single-node Store owns every slot.
	numSlots int
}

// Open creates or migrates the schema at path and returns a ready Store.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: open: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlitekv: ping: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlitekv: migrate: %w", err)
	}
	return &Store{conn: conn, numSlots: 16384}, nil
}

func (s *Store) Close() error {
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return s.conn.Close()
}

// --- keyspace.Reader ------------------------------------------------------

func (s *Store) GetTensor(key string) (*tensor.Tensor, error) {
	blob, err := s.readBlob("tensors", key)
	if err != nil {
		return nil, err
	}
	t, err := codec.DecodeTensor(bytes.NewReader(blob))
	if err != nil {
		return nil, aierr.Wrap(aierr.WrongType, err)
	}
	return t, nil
}

func (s *Store) GetModel(key string) (*objects.Model, error) {
	blob, err := s.readBlob("models", key)
	if err != nil {
		return nil, err
	}
	dm, err := codec.DecodeModel(bytes.NewReader(blob))
	if err != nil {
		return nil, aierr.Wrap(aierr.WrongType, err)
	}

	cap, err := backend.Global().GetWithRetry(dm.Backend)
	if err != nil {
		return nil, err
	}
	handle, err := cap.ModelCreate(dm.Blob, dm.Device, backend.DefaultAllocator)
	if err != nil {
		return nil, aierr.Wrap(aierr.ModelCreate, err)
	}
	return objects.NewModel(dm.Backend, dm.Device, dm.Tag, dm.Policy, dm.Inputs, dm.Outputs, dm.Blob, handle), nil
}

func (s *Store) GetScript(key string) (*objects.Script, error) {
	blob, err := s.readBlob("scripts", key)
	if err != nil {
		return nil, err
	}
	ds, err := codec.DecodeScript(bytes.NewReader(blob))
	if err != nil {
		return nil, aierr.Wrap(aierr.WrongType, err)
	}

	cap, err := backend.Global().GetWithRetry(objects.Torch)
	if err != nil {
		return nil, err
	}
	handle, err := cap.ScriptCreate(ds.Source, ds.Device, backend.DefaultAllocator)
	if err != nil {
		return nil, aierr.Wrap(aierr.ScriptCreate, err)
	}
	return objects.NewScript(ds.Device, ds.Tag, ds.Source, ds.EntryPoints, handle), nil
}

func (s *Store) readBlob(table, key string) ([]byte, error) {
	var blob []byte
	row := s.conn.QueryRow(fmt.Sprintf("SELECT blob FROM %s WHERE key = ?", table), key)
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, aierr.New(aierr.KeyMissing, fmt.Sprintf("key %q not found", key))
		}
		return nil, fmt.Errorf("sqlitekv: read %s: %w", table, err)
	}
	return blob, nil
}

// --- keyspace.Writer ------------------------------------------------------

func (s *Store) SetTensor(key string, t *tensor.Tensor) error {
	var buf bytes.Buffer
	if err := codec.EncodeTensor(&buf, t); err != nil {
		return fmt.Errorf("sqlitekv: encode tensor: %w", err)
	}
	return s.writeBlob("tensors", key, buf.Bytes())
}

// ModelChunkSize is a 1MiB chunk size callers of codec.EncodeModel may
// use; SetModel itself splits at config.ModelChunkSizeBytes().
const ModelChunkSize = 1 << 20

func (s *Store) SetModel(key string, m *objects.Model) error {
	var buf bytes.Buffer
	if err := codec.EncodeModel(&buf, m, config.ModelChunkSizeBytes()); err != nil {
		return fmt.Errorf("sqlitekv: encode model: %w", err)
	}
	return s.writeBlob("models", key, buf.Bytes())
}

func (s *Store) SetScript(key string, sc *objects.Script) error {
	var buf bytes.Buffer
	if err := codec.EncodeScript(&buf, sc); err != nil {
		return fmt.Errorf("sqlitekv: encode script: %w", err)
	}
	return s.writeBlob("scripts", key, buf.Bytes())
}

func (s *Store) writeBlob(table, key string, blob []byte) error {
	_, err := s.conn.Exec(
		fmt.Sprintf("INSERT INTO %s (key, blob) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET blob = excluded.blob", table),
		key, blob,
	)
	if err != nil {
		return fmt.Errorf("sqlitekv: write %s: %w", table, err)
	}
	return nil
}

// --- keyspace.Router --------------------------------------------------------

// HashSlot assigns key to one of numSlots (16384) slots: the crc32 (IEEE)
// checksum of the key modulo numSlots. Redis Cluster uses CRC16 for its
// 16384 slots, so these slot numbers differ from Redis Cluster's.
func (s *Store) HashSlot(key string) int {
	return int(crc32.ChecksumIEEE([]byte(key))) % s.numSlots
}

// IsLocal always reports true: Store is a single-node keyspace, so every
// slot it could ever be asked about is local to it.
func (s *Store) IsLocal(slot int) bool { return true }

// --- keyspace.Replicator -----------------------------------------------------

// NopReplicator discards every EmitTensorSet call, for single-node
// deployments with no replica to propagate PERSIST writes to.
type NopReplicator struct{}

func (NopReplicator) EmitTensorSet(key string, t *tensor.Tensor) {}
