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

package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"

	"github.com/opsmesh/opsmesh/pkg/agent"
	"github.com/opsmesh/opsmesh/pkg/registry"
)

// ErrInvalidAgentsFile is returned when the agents file fails to parse or
// an entry fails validation.
var ErrInvalidAgentsFile = errors.New("invalid agents file")

// AgentsFile is the user-editable agent configuration surface. It is a
// separate schema from the registry's persisted state: entries carry an
// enabled flag, and a reload applies the diff against the live registry.
type AgentsFile struct {
	Version     int          `json:"version"`
	Description string       `json:"description,omitempty"`
	Agents      []AgentEntry `json:"agents"`
	CreatedAt   string       `json:"created_at,omitempty"`
	UpdatedAt   string       `json:"updated_at,omitempty"`
}

// AgentEntry is one agent in the agents file.
type AgentEntry struct {
	AgentID      string             `json:"agent_id"`
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	Domain       string             `json:"domain"`
	Capabilities []agent.Capability `json:"capabilities,omitempty"`
	Endpoint     string             `json:"endpoint,omitempty"`
	Enabled      bool               `json:"enabled"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
}

// Registration converts an entry into a registry registration.
func (e AgentEntry) Registration() (*agent.Registration, error) {
	domain, err := agent.ParseDomain(e.Domain)
	if err != nil {
		return nil, fmt.Errorf("%w: agent %s: %v", ErrInvalidAgentsFile, e.AgentID, err)
	}

	metadata := map[string]any{"source": "agents-file"}
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	reg := &agent.Registration{
		AgentID:      e.AgentID,
		Name:         e.Name,
		Description:  e.Description,
		Domain:       domain,
		Capabilities: e.Capabilities,
		Endpoint:     e.Endpoint,
		Status:       agent.StatusOnline,
		RegisteredAt: time.Now().UTC(),
		Metadata:     metadata,
	}
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: agent %s: %v", ErrInvalidAgentsFile, e.AgentID, err)
	}
	return reg, nil
}

// LoadAgentsFile reads and decodes the agents file. The JSON is decoded
// into a generic map first, then mapped onto the schema so unknown fields
// surface as errors instead of being dropped silently.
func LoadAgentsFile(path string) (*AgentsFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file %s: %w", path, err)
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAgentsFile, path, err)
	}

	var file AgentsFile
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &file,
		ErrorUnused: true,
		TagName:     "json",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(generic); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAgentsFile, path, err)
	}

	seen := make(map[string]struct{}, len(file.Agents))
	for _, entry := range file.Agents {
		if entry.AgentID == "" {
			return nil, fmt.Errorf("%w: %s: entry without agent_id", ErrInvalidAgentsFile, path)
		}
		if _, dup := seen[entry.AgentID]; dup {
			return nil, fmt.Errorf("%w: %s: duplicate agent_id %s", ErrInvalidAgentsFile, path, entry.AgentID)
		}
		seen[entry.AgentID] = struct{}{}
	}
	return &file, nil
}

// ApplyAgentsFile diffs the file against the registry: enabled entries not
// yet registered are added, registered agents that the file disables are
// removed, and metadata changes on existing agents are applied. Agents the
// file does not mention are left alone.
func ApplyAgentsFile(reg *registry.AgentRegistry, file *AgentsFile) error {
	var firstErr error
	for _, entry := range file.Agents {
		existing, err := reg.Get(entry.AgentID)

		switch {
		case entry.Enabled && err != nil:
			registration, convErr := entry.Registration()
			if convErr != nil {
				slog.Warn("Skipping invalid agents-file entry", "agent_id", entry.AgentID, "error", convErr)
				if firstErr == nil {
					firstErr = convErr
				}
				continue
			}
			if regErr := reg.Register(registration); regErr != nil {
				if firstErr == nil {
					firstErr = regErr
				}
				continue
			}
			slog.Info("Registered agent from agents file", "agent_id", entry.AgentID)

		case !entry.Enabled && err == nil:
			if unregErr := reg.Unregister(entry.AgentID); unregErr != nil {
				if firstErr == nil {
					firstErr = unregErr
				}
				continue
			}
			slog.Info("Unregistered disabled agent", "agent_id", entry.AgentID)

		case entry.Enabled && err == nil:
			if len(entry.Metadata) > 0 && !metadataEqual(existing.Metadata, entry.Metadata) {
				if updErr := reg.UpdateMetadata(entry.AgentID, entry.Metadata, true); updErr != nil && firstErr == nil {
					firstErr = updErr
				}
			}
		}
	}
	return firstErr
}

func metadataEqual(current, desired map[string]any) bool {
	for k, v := range desired {
		if cur, ok := current[k]; !ok || fmt.Sprint(cur) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// WatchAgentsFile watches the agents file and re-applies it on every write
// until ctx is cancelled. A missing file at start is tolerated; the watch
// covers its directory so a later creation is picked up too.
func WatchAgentsFile(ctx context.Context, path string, reg *registry.AgentRegistry) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create agents file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path || !event.Op.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				file, err := LoadAgentsFile(path)
				if err != nil {
					slog.Warn("Agents file changed but failed to load", "path", path, "error", err)
					continue
				}
				if err := ApplyAgentsFile(reg, file); err != nil {
					slog.Warn("Agents file reload applied with errors", "path", path, "error", err)
				} else {
					slog.Info("Reloaded agents file", "path", path, "entries", len(file.Agents))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Agents file watcher error", "error", err)
			}
		}
	}()
	return nil
}
