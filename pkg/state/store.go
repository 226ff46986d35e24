// Copyright 2025 The Opsmesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package state implements the durable key/value store underlying all
// orchestrator state: the agent registry, execution history, health history
// and workflow checkpoints.
//
// Each value is a JSON document wrapped in a versioned envelope and written
// with a temp-file-then-rename sequence, so a reader concurrent with a
// crashed writer observes either the old value or the new value, never a
// partial write. The store makes no multi-key transactional guarantee;
// cross-component consistency is the caller's responsibility.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	// EnvelopeVersion is the current persisted envelope schema version.
	EnvelopeVersion = 1

	fileSuffix = ".json"
	tempSuffix = ".json.tmp"
)

// keyPattern is the sole defense against path traversal: keys with path
// separators, dots or leading punctuation never reach the filesystem.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

var (
	// ErrInvalidKey is returned when a key fails the key grammar.
	ErrInvalidKey = errors.New("invalid state key")

	// ErrNotFound is returned by LoadTyped when the key is absent.
	ErrNotFound = errors.New("state key not found")

	// ErrCorrupted is returned by LoadTyped when the value exists but does
	// not decode into the requested type.
	ErrCorrupted = errors.New("state value corrupted")
)

// Envelope wraps every persisted value with schema metadata, enabling
// forward-compatible migration.
type Envelope struct {
	Version int             `json:"_version"`
	SavedAt time.Time       `json:"_saved_at"`
	Key     string          `json:"_key"`
	Data    json.RawMessage `json:"data"`
}

// Store is a directory-backed JSON blob store.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("state store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// ValidateKey reports whether key satisfies the key grammar.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Save wraps data in a versioned envelope and writes it atomically.
// On any failure the temp file is removed and the I/O error surfaced.
func (s *Store) Save(key string, data any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize value for key %s: %w", key, err)
	}

	env := Envelope{
		Version: EnvelopeVersion,
		SavedAt: time.Now().UTC(),
		Key:     key,
		Data:    raw,
	}

	payload, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize envelope for key %s: %w", key, err)
	}

	tmpPath := filepath.Join(s.dir, key+tempSuffix)
	finalPath := filepath.Join(s.dir, key+fileSuffix)

	if err := os.WriteFile(tmpPath, payload, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write state for key %s: %w", key, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to commit state for key %s: %w", key, err)
	}

	return nil
}

// Load returns the raw data stored under key, or (nil, false) when the key
// is absent or the persisted document is malformed. Malformed documents are
// logged and treated as absent so a corrupt file cannot take the service
// down; version mismatches are logged and the data still returned.
func (s *Store) Load(key string) (json.RawMessage, bool) {
	if err := ValidateKey(key); err != nil {
		slog.Warn("Rejected state load for invalid key", "key", key)
		return nil, false
	}

	payload, err := os.ReadFile(filepath.Join(s.dir, key+fileSuffix))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read state file", "key", key, "error", err)
		}
		return nil, false
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Warn("Corrupted state envelope, treating as absent", "key", key, "error", err)
		return nil, false
	}
	if env.Data == nil {
		slog.Warn("State envelope missing data, treating as absent", "key", key)
		return nil, false
	}
	if env.Version != EnvelopeVersion {
		slog.Warn("State envelope version mismatch",
			"key", key, "found", env.Version, "expected", EnvelopeVersion)
	}

	return env.Data, true
}

// LoadTyped loads the value under key into out, distinguishing absence
// (ErrNotFound) from decode failure (ErrCorrupted).
func (s *Store) LoadTyped(key string, out any) error {
	raw, ok := s.Load(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: key %s: %v", ErrCorrupted, key, err)
	}
	return nil
}

// Delete removes the value under key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, key+fileSuffix)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state for key %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a value is stored under key.
func (s *Store) Exists(key string) bool {
	if err := ValidateKey(key); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.dir, key+fileSuffix))
	return err == nil
}

// ListKeys enumerates all stored keys, sorted, ignoring temp files.
func (s *Store) ListKeys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, tempSuffix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		key := strings.TrimSuffix(name, fileSuffix)
		if keyPattern.MatchString(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
