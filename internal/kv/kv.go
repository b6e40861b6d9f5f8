// Package kv provides the process-wide durable key-value store that holds
// cached snapshots and the offline mutation queue across restarts.
//
// # Keyspace
//
// Keys are namespaced by purpose and resource name:
//
//	cache/<resource>  - last known good snapshot (JSON list of records)
//	queue/<resource>  - pending mutations for the resource (JSON list)
//
// Resource names are NFC-normalised before being placed in a key so that
// visually identical names written by different input methods share one
// slot.
//
// # Backends
//
//   - OpenSQLite: SQLite file (WAL, single writer) - the default
//   - OpenBolt: bbolt file, for hosts without cgo-friendly SQLite builds
//   - NewMemory: process-local map, used by tests and as degraded fallback
//
// Every backend reports failures as *PersistenceError so callers can
// degrade to in-memory behavior instead of failing.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Key namespaces.
const (
	CachePrefix = "cache/"
	QueuePrefix = "queue/"
)

// Store is a durable key-value store.
type Store interface {
	// Get returns the value for key. The bool is false when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put writes value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists keys with the given prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases the underlying resources.
	Close() error
}

// CacheKey returns the key holding a resource's cached snapshot.
func CacheKey(resource string) string {
	return CachePrefix + normalize(resource)
}

// QueueKey returns the key holding a resource's pending mutations.
func QueueKey(resource string) string {
	return QueuePrefix + normalize(resource)
}

// ResourceOf returns the resource name embedded in a namespaced key.
func ResourceOf(key string) string {
	for _, p := range []string{CachePrefix, QueuePrefix} {
		if strings.HasPrefix(key, p) {
			return strings.TrimPrefix(key, p)
		}
	}
	return key
}

func normalize(resource string) string {
	return norm.NFC.String(strings.TrimSpace(resource))
}

// PersistenceError reports a failed durable read or write. It is never
// fatal: callers log it as a warning and continue with in-memory state.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("persistence: %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence returns true if err is a *PersistenceError.
// Uses errors.As to handle wrapped errors.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func persistErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Key: key, Err: err}
}
