// Package kvstore models the small flat key-value namespace the core
// reads and writes (spec.md §6): `_printers_`, `_default_printer_`,
// `_printer_` (legacy fallback), `_scale_`, `user_cores`,
// `custom_filaments`. The actual flash/SD-backed key-value
// implementation is explicitly out of scope (spec.md §5 Non-goals) —
// this package only defines the `Store` interface every consumer codes
// against, plus a JSON-file-backed implementation for hosts that do
// have a filesystem (development, the simulator CLI, tests), adapted
// from the teacher's `database.Database` JSON-namespace cache.
package kvstore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Well-known keys (spec.md §6).
const (
	KeyPrinters        = "_printers_"
	KeyDefaultPrinter  = "_default_printer_"
	KeyPrinterLegacy   = "_printer_"
	KeyScale           = "_scale_"
	KeyUserCores       = "user_cores"
	KeyCustomFilaments = "custom_filaments"
)

// Store is the pluggable key-value interface every consumer in this
// system codes against; values are arbitrary JSON-marshalable data or
// plain strings, matching spec.md §6's "all values are JSON or plain
// strings."
type Store interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}) error
	Delete(key string) error
	Keys() []string
}

// JSONFileStore is a single-file JSON-backed Store, the same shape as
// the teacher's per-namespace JSON cache in database.go but flattened
// to one file since this system's key set is small and fixed.
type JSONFileStore struct {
	mu   sync.RWMutex
	path string
	data map[string]interface{}
}

// Open loads path if it exists, or starts with an empty store.
func Open(path string) (*JSONFileStore, error) {
	s := &JSONFileStore{path: path, data: make(map[string]interface{})}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("kvstore: reading %s: %w", path, err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("kvstore: parsing %s: %w", path, err)
	}
	return s, nil
}

// Get returns the value stored at key, if any.
func (s *JSONFileStore) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores value at key and persists the whole store to disk.
func (s *JSONFileStore) Set(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return s.saveLocked()
}

// Delete removes key and persists the whole store to disk.
func (s *JSONFileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return s.saveLocked()
}

// Keys lists every key currently present.
func (s *JSONFileStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

func (s *JSONFileStore) saveLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("kvstore: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0644); err != nil {
		return fmt.Errorf("kvstore: writing %s: %w", s.path, err)
	}
	return nil
}

// GetTyped unmarshals the value at key into out (a pointer), useful for
// the structured values behind _printers_/user_cores/custom_filaments.
func GetTyped(s Store, key string, out interface{}) (bool, error) {
	v, ok := s.Get(key)
	if !ok {
		return false, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return true, fmt.Errorf("kvstore: re-marshal %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("kvstore: unmarshal %s: %w", key, err)
	}
	return true, nil
}
