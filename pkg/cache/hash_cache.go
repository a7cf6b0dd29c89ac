package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"hashmend/pkg/types"

	"go.etcd.io/bbolt"
)

var ErrClosed = errors.New("hash cache is closed")

// HashCache persists oracle range hashes between runs. The oracle's content is
// read-only, so a digest for (offset, size) never changes for a given oracle.
type HashCache struct {
	db     *bbolt.DB
	bucket []byte
}

type Config struct {
	Path     string
	FileMode os.FileMode
	// Namespace separates oracles sharing one cache file, usually the base URL.
	Namespace string
	Timeout   time.Duration
}

// Open opens or creates the cache file.
func Open(cfg Config) (*HashCache, error) {
	if cfg.FileMode == 0 {
		cfg.FileMode = 0600
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}

	db, err := bbolt.Open(cfg.Path, cfg.FileMode, &bbolt.Options{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open hash cache %s: %w", types.ErrFileIO, cfg.Path, err)
	}

	bucket := []byte(cfg.Namespace)
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize hash cache: %w", err)
	}

	return &HashCache{db: db, bucket: bucket}, nil
}

func (c *HashCache) Get(offset, size int64) (types.Digest, bool, error) {
	if c == nil || c.db == nil {
		return "", false, ErrClosed
	}

	var digest types.Digest
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b == nil {
			return nil
		}
		if v := b.Get(rangeKey(offset, size)); v != nil {
			digest = types.Digest(v)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read hash cache: %w", err)
	}
	return digest, digest != "", nil
}

func (c *HashCache) Put(offset, size int64, digest types.Digest) error {
	if c == nil || c.db == nil {
		return ErrClosed
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(c.bucket)
		if err != nil {
			return err
		}
		return b.Put(rangeKey(offset, size), []byte(digest))
	})
}

// Len returns the number of cached ranges.
func (c *HashCache) Len() (int, error) {
	if c == nil || c.db == nil {
		return 0, ErrClosed
	}

	var n int
	err := c.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(c.bucket); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

func (c *HashCache) Close() error {
	if c == nil || c.db == nil {
		return ErrClosed
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func rangeKey(offset, size int64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(offset))
	binary.BigEndian.PutUint64(key[8:], uint64(size))
	return key
}
