package logchain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

var blobsBucket = []byte("blobs")

// BoltCache is a Fetcher that keeps fetched envelopes in a bbolt database.
// Content addresses name immutable bytes, so cached entries never go stale.
// Only raw envelopes are cached; plaintext never touches the disk here.
type BoltCache struct {
	// Verify decides whether upstream bytes may be stored. Rejected bytes are
	// still returned but the next Fetch asks upstream again. OpenBoltCache
	// sets it to an envelope format check.
	Verify func([]byte) error

	db   *bbolt.DB
	next Fetcher
	log  *logrus.Logger
}

// CheckEnvelope accepts data that decodes as an envelope.
func CheckEnvelope(data []byte) error {
	_, err := DecodeEnvelope(data)
	return err
}

// OpenBoltCache opens (or creates) the cache database at path in front of next.
func OpenBoltCache(path string, next Fetcher, log *logrus.Logger) (*BoltCache, error) {
	if next == nil {
		return nil, errors.New("bolt cache needs an upstream fetcher")
	}
	if log == nil {
		log = logrus.New()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache bucket: %w", err)
	}
	log.WithField("path", path).Debug("opened blob cache")
	return &BoltCache{Verify: CheckEnvelope, db: db, next: next, log: log}, nil
}

// Fetch returns the cached blob for addr, falling back to the upstream fetcher.
func (c *BoltCache) Fetch(ctx context.Context, addr ContentAddress) ([]byte, error) {
	var cached []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(blobsBucket).Get([]byte(addr)); v != nil {
			cached = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		c.log.WithError(err).Warn("blob cache read failed")
	}
	if cached != nil {
		c.log.WithField("cid", addr).Debug("blob cache hit")
		return cached, nil
	}

	data, err := c.next.Fetch(ctx, addr)
	if err != nil {
		return nil, err
	}
	if c.Verify != nil {
		if err := c.Verify(data); err != nil {
			c.log.WithError(err).WithField("cid", addr).Debug("blob not cached")
			return data, nil
		}
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blobsBucket).Put([]byte(addr), data)
	})
	if err != nil {
		c.log.WithError(err).WithField("cid", addr).Warn("blob cache write failed")
	}
	return data, nil
}

// Len returns the number of cached blobs.
func (c *BoltCache) Len() (int, error) {
	var n int
	err := c.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(blobsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the cache database.
func (c *BoltCache) Close() error {
	return c.db.Close()
}
