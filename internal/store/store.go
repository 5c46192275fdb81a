// Package store adapts go.etcd.io/bbolt to the narrow persistent-engine
// contract of spec.md §4.3: get/put/delete/batch/prefix-scan/clear over byte
// keys. It is deliberately prefix-agnostic; the `d:`/`m:` convention belongs
// to internal/l2, not here.
package store

import (
	"bytes"
	"os"
	"time"

	"go.etcd.io/bbolt"

	"github.com/ratcache/ratmemcached/internal/rerr"
)

var bucketName = []byte("kv")

// Config are the opaque tuning knobs of spec.md §4.3. Open passes only Path,
// ReadOnly and FileMode to bbolt; BlockCacheSize, MaxFileSize and
// WarmupOnOpen are accepted but not read by Open and have no effect on the
// engine.
type Config struct {
	Path           string
	BlockCacheSize int
	MaxFileSize    int64
	WarmupOnOpen   bool
	ReadOnly       bool
	FileMode       uint32
}

func DefaultConfig(path string) Config {
	return Config{Path: path, FileMode: 0o600}
}

// Store wraps a single bbolt database file and bucket.
type Store struct {
	db   *bbolt.DB
	path string
}

// Op is one operation in an atomic Batch call.
type Op struct {
	Remove bool
	Key    []byte
	Value  []byte
}

func InsertOp(key, value []byte) Op { return Op{Key: key, Value: value} }
func RemoveOp(key []byte) Op        { return Op{Key: key, Remove: true} }

// Open creates or opens the on-disk database, ensuring the kv bucket exists.
func Open(cfg Config) (*Store, error) {
	mode := cfg.FileMode
	if mode == 0 {
		mode = 0o600
	}
	opts := &bbolt.Options{Timeout: 2 * time.Second, ReadOnly: cfg.ReadOnly}
	db, err := bbolt.Open(cfg.Path, mode, opts)
	if err != nil {
		return nil, rerr.Engine("failed to open persistent engine", err)
	}
	if !cfg.ReadOnly {
		if err := db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketName)
			return err
		}); err != nil {
			db.Close()
			return nil, rerr.Engine("failed to initialize bucket", err)
		}
	}
	return &Store{db: db, path: cfg.Path}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return rerr.Engine("failed to close persistent engine", err)
	}
	return nil
}

// Get returns (value, true) if key is present, or (nil, false) otherwise.
// The returned slice is a copy, safe to retain past the transaction.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		v := b.Get(key)
		if v == nil {
			return nil
		}
		found = true
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, rerr.Engine("get failed", err)
	}
	return out, found, nil
}

// Put writes a single key/value pair.
func (s *Store) Put(key, value []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	})
	if err != nil {
		return rerr.Engine("put failed", err)
	}
	return nil
}

// Delete removes a single key. Deleting an absent key is not an error.
func (s *Store) Delete(key []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
	if err != nil {
		return rerr.Engine("delete failed", err)
	}
	return nil
}

// Batch applies a list of Insert/Remove operations atomically within a
// single bbolt transaction, per spec.md §4.3 ("applied atomically") and I6
// (data+metadata keys written/deleted together).
func (s *Store) Batch(ops []Op) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, op := range ops {
			if op.Remove {
				if err := b.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return rerr.Engine("batch failed", err)
	}
	return nil
}

// KV is one prefix-scan result.
type KV struct {
	Key   []byte
	Value []byte
}

// PrefixScan returns every key/value pair whose key starts with prefix, in
// key order (bbolt's native cursor order).
func (s *Store) PrefixScan(prefix []byte) ([]KV, error) {
	var out []KV
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			out = append(out, KV{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, rerr.Engine("prefix scan failed", err)
	}
	return out, nil
}

// Clear removes every key, by dropping and recreating the bucket.
func (s *Store) Clear() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	})
	if err != nil {
		return rerr.Engine("clear failed", err)
	}
	return nil
}

// DiskUsage reports the on-disk size of the database file, used by L2 to
// enforce max_disk_size (spec.md §4.5, I5's sibling admission rule).
func (s *Store) DiskUsage() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}
