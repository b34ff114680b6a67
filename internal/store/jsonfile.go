// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"sync"

	"go.astrophena.name/autostars/internal/atomicio"
)

// JSONFile is a file-backed implementation of the [Store] interface. Every Set
// rewrites the whole file atomically.
type JSONFile struct {
	path string

	mu   sync.Mutex
	data map[string]json.RawMessage
}

// NewJSONFile opens the store backed by the file at path, creating it on the
// first write if it doesn't exist.
func NewJSONFile(path string) (*JSONFile, error) {
	s := &JSONFile{
		path: path,
		data: make(map[string]json.RawMessage),
	}
	if err := atomicio.ReadJSON(path, &s.data); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if s.data == nil {
		s.data = make(map[string]json.RawMessage)
	}
	return s, nil
}

// Get retrieves a value for a given key.
func (s *JSONFile) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte{}, v...), nil
}

// Set stores a value for a given key. The value must be valid JSON.
func (s *JSONFile) Set(_ context.Context, key string, value []byte) error {
	if !json.Valid(value) {
		return errors.New("jsonfile: value is not valid JSON")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append(json.RawMessage{}, value...)
	return atomicio.WriteJSON(s.path, s.data, 0o600)
}

// Close closes the file store.
func (s *JSONFile) Close() error { return nil }
