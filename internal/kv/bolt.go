package kv

import (
	"bytes"
	"context"
	"slices"
	"time"

	"go.etcd.io/bbolt"
)

const (
	boltBucketCache = "cache" // key: resource -> snapshot JSON
	boltBucketQueue = "queue" // key: resource -> pending mutations JSON
	boltBucketMisc  = "misc"  // any other key, stored verbatim
)

// Bolt is a Store backed by a bbolt file. Namespaced keys map onto one
// bucket per namespace.
type Bolt struct {
	storage *bbolt.DB
}

// OpenBolt creates or opens a bbolt database at the specified path.
func OpenBolt(path string) (*Bolt, error) {
	instance, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, persistErr("open", "", err)
	}

	if err := instance.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{boltBucketCache, boltBucketQueue, boltBucketMisc} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = instance.Close()

		return nil, persistErr("open", "", err)
	}

	return &Bolt{storage: instance}, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.storage.Close()
}

// Get returns the value stored under key.
func (b *Bolt) Get(_ context.Context, key string) ([]byte, bool, error) {
	bucket, sub := splitKey(key)

	var out []byte
	err := b.storage.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get([]byte(sub))
		if v != nil {
			// bbolt values are only valid inside the transaction
			out = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, false, persistErr("get", key, err)
	}
	return out, out != nil, nil
}

// Put writes value under key.
func (b *Bolt) Put(_ context.Context, key string, value []byte) error {
	bucket, sub := splitKey(key)

	err := b.storage.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(sub), value)
	})
	return persistErr("put", key, err)
}

// Delete removes key.
func (b *Bolt) Delete(_ context.Context, key string) error {
	bucket, sub := splitKey(key)

	err := b.storage.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(sub))
	})
	return persistErr("delete", key, err)
}

// Keys lists keys starting with prefix, ordered by key.
func (b *Bolt) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string

	err := b.storage.View(func(tx *bbolt.Tx) error {
		for _, name := range []string{boltBucketCache, boltBucketMisc, boltBucketQueue} {
			ns := namespaceOf(name)
			if err := tx.Bucket([]byte(name)).ForEach(func(k, _ []byte) error {
				full := ns + string(k)
				if len(full) >= len(prefix) && full[:len(prefix)] == prefix {
					keys = append(keys, full)
				}
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("keys", prefix, err)
	}

	slices.Sort(keys)
	return keys, nil
}

func splitKey(key string) (bucket, sub string) {
	switch {
	case len(key) > len(CachePrefix) && key[:len(CachePrefix)] == CachePrefix:
		return boltBucketCache, key[len(CachePrefix):]
	case len(key) > len(QueuePrefix) && key[:len(QueuePrefix)] == QueuePrefix:
		return boltBucketQueue, key[len(QueuePrefix):]
	default:
		return boltBucketMisc, key
	}
}

func namespaceOf(bucket string) string {
	switch bucket {
	case boltBucketCache:
		return CachePrefix
	case boltBucketQueue:
		return QueuePrefix
	default:
		return ""
	}
}
