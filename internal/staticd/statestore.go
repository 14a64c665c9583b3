package staticd

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

const (
	keyLifetimeStats = "stats:lifetime"
	keySavedAt       = "stats:savedAt"
)

// stateStore keeps lifetime counters across restarts in a leveldb database
// under storage.stateDir.
type stateStore struct {
	db *leveldb.DB
}

func openStateStore(dir string) (*stateStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	db, err := leveldb.OpenFile(filepath.Join(dir, "leveldb"), nil)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return &stateStore{db: db}, nil
}

func (s *stateStore) Close() error {
	return s.db.Close()
}

// LoadStats returns the last saved lifetime snapshot; ok is false on a
// fresh store.
func (s *stateStore) LoadStats() (snap StatsSnapshot, ok bool, err error) {
	b, err := s.db.Get([]byte(keyLifetimeStats), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return StatsSnapshot{}, false, nil
	}
	if err != nil {
		return StatsSnapshot{}, false, err
	}
	if err := decodeGob(b, &snap); err != nil {
		return StatsSnapshot{}, false, fmt.Errorf("decode stats: %w", err)
	}
	return snap, true, nil
}

func (s *stateStore) SaveStats(snap StatsSnapshot) error {
	b, err := encodeGob(snap)
	if err != nil {
		return err
	}
	ts, err := time.Now().UTC().MarshalBinary()
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(keyLifetimeStats), b)
	batch.Put([]byte(keySavedAt), ts)
	return s.db.Write(batch, nil)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
