// Package statstore journals statistics snapshots in BadgerDB so a server's
// traffic history survives restarts.
//
// Keys are "stats/<run>/<unix nanos, big-endian>" which keeps each run's
// snapshots in time order under a single prefix.
package statstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/skshohagmiah/packetnet/pkg/stats"
)

const keyPrefix = "stats/"

var (
	ErrInvalidRun = errors.New("invalid run id")
	ErrNotFound   = errors.New("no snapshots for run")
)

// Store is a snapshot journal
type Store struct {
	db *badger.DB
}

// Open opens or creates a journal in dir
func Open(dir string) (*Store, error) {
	return open(badger.DefaultOptions(dir))
}

// OpenInMemory opens a journal that lives only as long as the process
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Store, error) {
	opts.Logger = nil
	opts.NumVersionsToKeep = 1
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open stats journal: %w", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the journal
func (s *Store) Close() error {
	return s.db.Close()
}

func runPrefix(runID string) []byte {
	return []byte(keyPrefix + runID + "/")
}

func snapshotKey(runID string, snap stats.Snapshot) []byte {
	key := runPrefix(runID)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(snap.Time.UnixNano()))
	return append(key, ts[:]...)
}

func validRun(runID string) bool {
	return runID != "" && !strings.Contains(runID, "/")
}

// Append records snap under runID
func (s *Store) Append(runID string, snap stats.Snapshot) error {
	if !validRun(runID) {
		return ErrInvalidRun
	}

	value, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(runID, snap), value)
	})
}

// List returns every snapshot of runID, oldest first
func (s *Store) List(runID string) ([]stats.Snapshot, error) {
	if !validRun(runID) {
		return nil, ErrInvalidRun
	}

	var out []stats.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = runPrefix(runID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			snap, err := decode(it.Item())
			if err != nil {
				return err
			}
			out = append(out, snap)
		}
		return nil
	})
	return out, err
}

// Latest returns the newest snapshot of runID
func (s *Store) Latest(runID string) (stats.Snapshot, error) {
	if !validRun(runID) {
		return stats.Snapshot{}, ErrInvalidRun
	}

	var snap stats.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := runPrefix(runID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the largest key <= the seek key.
		seek := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if !it.Valid() {
			return ErrNotFound
		}
		var err error
		snap, err = decode(it.Item())
		return err
	})
	return snap, err
}

// Runs lists the run ids present in the journal in key order
func (s *Store) Runs() ([]string, error) {
	var runs []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), keyPrefix)
			run, _, ok := strings.Cut(rest, "/")
			if !ok {
				continue
			}
			if n := len(runs); n == 0 || runs[n-1] != run {
				runs = append(runs, run)
			}
		}
		return nil
	})
	return runs, err
}

func decode(item *badger.Item) (stats.Snapshot, error) {
	var snap stats.Snapshot
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &snap)
	})
	return snap, err
}
