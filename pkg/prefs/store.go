// Package prefs persists per-user local preferences in a bbolt file.
package prefs

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"chatlink/pkg/log"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var bucketPrefs = []byte("prefs")

const keyReadReceipts = "read_receipts"

type StoreConfig struct {
	Path   string
	UserID string
}

// Store caches preferences in memory; reads never touch the disk.
type Store struct {
	cfg StoreConfig
	db  *bolt.DB

	mu           sync.RWMutex
	readReceipts bool
}

func Open(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("empty preferences path")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, errors.Wrap(err, "preferences dir")
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open preferences")
	}

	s := &Store{
		cfg:          cfg,
		db:           db,
		readReceipts: true,
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketPrefs)
		if err != nil {
			return err
		}

		if v := b.Get(s.key(keyReadReceipts)); len(v) == 1 {
			s.readReceipts = v[0] == 1
		}

		return nil
	})
	if err != nil {
		_ = db.Close()

		return nil, errors.Wrap(err, "load preferences")
	}

	log.Component("prefs").Debugf("loaded %s (read receipts %t)", cfg.Path, s.readReceipts)

	return s, nil
}

// ReadReceipts reports whether read receipts are sent. Defaults to true.
func (s *Store) ReadReceipts() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readReceipts
}

func (s *Store) SetReadReceipts(on bool) error {
	v := byte(0)
	if on {
		v = 1
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrefs).Put(s.key(keyReadReceipts), []byte{v})
	})
	if err != nil {
		return errors.Wrap(err, "save read receipts")
	}

	s.mu.Lock()
	s.readReceipts = on
	s.mu.Unlock()

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) key(name string) []byte {
	return []byte(s.cfg.UserID + "/" + name)
}
