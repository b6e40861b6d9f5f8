package kv

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

// ErrClosed is returned by a Memory store after Close.
var ErrClosed = errors.New("store closed")

// Memory is a process-local Store. Nothing survives a restart; it backs
// tests and the degraded mode used when no durable store can be opened.
type Memory struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, persistErr("get", key, ErrClosed)
	}
	v, ok := m.data[key]
	return bytes.Clone(v), ok, nil
}

// Put stores a copy of value under key.
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return persistErr("put", key, ErrClosed)
	}
	m.data[key] = bytes.Clone(value)
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return persistErr("delete", key, ErrClosed)
	}
	delete(m.data, key)
	return nil
}

// Keys lists keys starting with prefix, ordered by key.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, persistErr("keys", prefix, ErrClosed)
	}
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Close marks the store closed. Later calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
