// Package state persists mediasync's local session state in bbolt:
// geometry probe results keyed by probe-window hash, and the last
// committed replica ordering per medium (used by the reconciler to
// roll back after a failed ordering update).
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var geometryBucket = []byte("geometry")

func mediumBucket(mediumID string) []byte {
	return []byte("medium:" + mediumID)
}

var orderingKey = []byte("ordering")

// Geometry is a cached probe result. OK is false when probing failed
// or the metadata lay beyond the probe window; caching the failure
// keeps re-added files from being rescanned.
type Geometry struct {
	Width       int  `json:"width"`
	Height      int  `json:"height"`
	Orientation int  `json:"orientation"`
	OK          bool `json:"ok"`
}

// Ordering is the last replica ordering the server confirmed.
type Ordering struct {
	ReplicaIDs  []string  `json:"replica_ids"`
	CommittedAt time.Time `json:"committed_at"`
}

// State wraps the bbolt database.
type State struct {
	db *bolt.DB
}

// Open creates or opens the state database under dir.
func Open(dir string) (*State, error) {
	if err := os.MkdirAll(dir, stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	path := filepath.Join(dir, "state.db")
	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the underlying database.
func (s *State) Close() error {
	return s.db.Close()
}

// SetGeometry caches a probe result under the probe-window hash.
func (s *State) SetGeometry(windowHash string, g Geometry) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshalling geometry: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(geometryBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(windowHash), data)
	})
}

// GetGeometry returns the cached probe result for the given
// probe-window hash, or nil if none is cached.
func (s *State) GetGeometry(windowHash string) (*Geometry, error) {
	var g *Geometry

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(geometryBucket)
		if b == nil {
			return nil
		}
		data := b.Get([]byte(windowHash))
		if data == nil {
			return nil
		}
		g = &Geometry{}
		return json.Unmarshal(data, g)
	})
	if err != nil {
		return nil, fmt.Errorf("loading geometry: %w", err)
	}

	return g, nil
}

// SetOrdering records the server-confirmed replica ordering for a medium.
func (s *State) SetOrdering(mediumID string, o Ordering) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshalling ordering: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(mediumBucket(mediumID))
		if err != nil {
			return err
		}
		return b.Put(orderingKey, data)
	})
}

// GetOrdering returns the last committed ordering for a medium, or nil
// if no commit has been recorded.
func (s *State) GetOrdering(mediumID string) (*Ordering, error) {
	var o *Ordering

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(mediumBucket(mediumID))
		if b == nil {
			return nil
		}
		data := b.Get(orderingKey)
		if data == nil {
			return nil
		}
		o = &Ordering{}
		return json.Unmarshal(data, o)
	})
	if err != nil {
		return nil, fmt.Errorf("loading ordering: %w", err)
	}

	return o, nil
}
