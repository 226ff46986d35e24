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

package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Checkpointer snapshots executions to <dir>/<execution_id>.json with the
// same temp-and-rename atomicity as the state store. It does not coordinate
// with the engine; the caller decides when to checkpoint, and a resumed
// execution needs the definition supplied separately.
type Checkpointer struct {
	dir string
}

// NewCheckpointer creates the checkpoint directory if needed.
func NewCheckpointer(dir string) (*Checkpointer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrCheckpointFailed, dir, err)
	}
	return &Checkpointer{dir: dir}, nil
}

// Save writes an atomic snapshot of the execution.
func (c *Checkpointer) Save(exec *Execution) error {
	if exec.ExecutionID == "" {
		return fmt.Errorf("%w: execution has no id", ErrCheckpointFailed)
	}

	raw, err := json.MarshalIndent(exec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", ErrCheckpointFailed, exec.ExecutionID, err)
	}

	final := c.path(exec.ExecutionID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: write %s: %v", ErrCheckpointFailed, tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", ErrCheckpointFailed, final, err)
	}
	return nil
}

// Load reads a checkpoint. The second return is false when no checkpoint
// exists for the id.
func (c *Checkpointer) Load(executionID string) (*Execution, bool, error) {
	raw, err := os.ReadFile(c.path(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: read %s: %v", ErrCheckpointFailed, executionID, err)
	}

	var exec Execution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return nil, false, fmt.Errorf("%w: parse %s: %v", ErrCheckpointFailed, executionID, err)
	}
	if exec.ExecutionID == "" {
		return nil, false, fmt.Errorf("%w: checkpoint %s has no execution_id", ErrCheckpointFailed, executionID)
	}
	return &exec, true, nil
}

// List enumerates checkpointed execution ids, sorted, ignoring temp files.
func (c *Checkpointer) List() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrCheckpointFailed, c.dir, err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the checkpoint; deleting a missing one is a no-op.
func (c *Checkpointer) Delete(executionID string) error {
	err := os.Remove(c.path(executionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete %s: %v", ErrCheckpointFailed, executionID, err)
	}
	return nil
}

func (c *Checkpointer) path(executionID string) string {
	return filepath.Join(c.dir, executionID+".json")
}
