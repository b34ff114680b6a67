// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"

	"go.astrophena.name/autostars/internal/util/syncx"
)

// MemStore is an in-memory implementation of the [Store] interface.
type MemStore struct {
	data *syncx.Protected[map[string][]byte]
}

// NewMemStore creates a new empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: syncx.Protect(make(map[string][]byte))}
}

// Get retrieves a value for a given key.
func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	var val []byte
	s.data.RAccess(func(m map[string][]byte) {
		if v, ok := m[key]; ok {
			// Copy, so callers can't mutate what's stored.
			val = append([]byte{}, v...)
		}
	})
	return val, nil
}

// Set stores a value for a given key.
func (s *MemStore) Set(_ context.Context, key string, value []byte) error {
	v := append([]byte{}, value...)
	s.data.Access(func(m map[string][]byte) { m[key] = v })
	return nil
}

// Close is a no-op for MemStore.
func (s *MemStore) Close() error { return nil }
