package ruleset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"
	bolterr "go.etcd.io/bbolt/errors"
)

// Store persists the last good bytes of each ruleset so a restart can serve
// data even while the source is unreachable.
type Store interface {
	Load(locator string) (raw []byte, at time.Time, ok bool, err error)
	Save(locator string, raw []byte, at time.Time) error
	Delete(locator string) error
}

var bucketRulesets = []byte("rulesets")

type BoltStore struct{ db *bbolt.DB }

// OpenBoltStore opens (or creates) the cache file. A corrupt file is removed
// and recreated.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if errors.Is(err, bolterr.ErrInvalid) || errors.Is(err, bolterr.ErrChecksum) || errors.Is(err, bolterr.ErrVersionMismatch) {
		if rmErr := os.Remove(path); rmErr != nil {
			return nil, fmt.Errorf("remove invalid ruleset cache: %w", rmErr)
		}
		db, err = bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	}
	if err != nil {
		return nil, fmt.Errorf("open ruleset cache: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRulesets)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ruleset cache: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// Values are an 8-byte big-endian unix-nano timestamp followed by the raw
// ruleset bytes.
func (s *BoltStore) Load(locator string) ([]byte, time.Time, bool, error) {
	var (
		raw []byte
		at  time.Time
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketRulesets).Get([]byte(locator))
		if len(v) < 8 {
			return nil
		}
		at = time.Unix(0, int64(binary.BigEndian.Uint64(v[:8])))
		raw = append([]byte(nil), v[8:]...)
		return nil
	})
	if err != nil {
		return nil, time.Time{}, false, err
	}
	return raw, at, raw != nil, nil
}

func (s *BoltStore) Save(locator string, raw []byte, at time.Time) error {
	v := make([]byte, 8+len(raw))
	binary.BigEndian.PutUint64(v[:8], uint64(at.UnixNano()))
	copy(v[8:], raw)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRulesets).Put([]byte(locator), v)
	})
}

func (s *BoltStore) Delete(locator string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRulesets).Delete([]byte(locator))
	})
}
