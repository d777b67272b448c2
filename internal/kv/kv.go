// Package kv defines the string key/value storage the notification engine
// persists into. It mirrors a browser's localStorage: values are opaque
// strings (JSON documents in practice) and a missing key is not an error.
package kv

import (
	"context"
	"errors"
	"sync"
)

// ErrNoChange is returned by an UpdateFunc to leave the stored value alone.
// Update itself then returns nil.
var ErrNoChange = errors.New("kv: no change")

// ErrConflict is returned by Update when other writers kept winning the race
// for the key.
var ErrConflict = errors.New("kv: too many concurrent updates")

// MaxUpdateAttempts bounds the compare-and-set retries of shared backends.
const MaxUpdateAttempts = 16

// UpdateFunc computes the next value of a key from its current one. ok is
// false when the key does not exist. It may be called more than once, so it
// must not keep state between calls.
type UpdateFunc func(value string, ok bool) (string, error)

// Storage is a durable string key/value store.
type Storage interface {
	// Get returns the value for key. ok is false when the key does not exist.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Update applies fn atomically against concurrent writers of key,
	// including writers in other processes sharing the same backend.
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// Memory is a process-local Storage, used in tests and for the "memory"
// storage driver.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Update(_ context.Context, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[key]
	next, err := fn(cur, ok)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	m.values[key] = next
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
