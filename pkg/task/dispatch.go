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

package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsmesh/opsmesh/pkg/registry"
)

// ErrDispatchTimeout is returned when a handler exceeds the per-attempt
// timeout.
var ErrDispatchTimeout = errors.New("dispatch timed out")

// Handler performs the actual work for one agent, typically a network call
// to the downstream service. It must honor ctx cancellation.
type Handler func(ctx context.Context, t *Task) (map[string]any, error)

// DispatchRegistry maps agent ids to handlers. It is owned by the executor
// instance, not process-global, so tests compose freely.
type DispatchRegistry struct {
	handlers *registry.BaseRegistry[Handler]
}

// NewDispatchRegistry creates an empty dispatch registry.
func NewDispatchRegistry() *DispatchRegistry {
	return &DispatchRegistry{handlers: registry.NewBaseRegistry[Handler]()}
}

// RegisterHandler installs the handler for agentID, replacing any previous
// one. Registration must complete before the first Execute for that agent.
func (d *DispatchRegistry) RegisterHandler(agentID string, h Handler) error {
	return d.handlers.Register(agentID, h)
}

// RemoveHandler uninstalls the handler for agentID.
func (d *DispatchRegistry) RemoveHandler(agentID string) error {
	return d.handlers.Remove(agentID)
}

// Dispatch invokes the handler registered for agentID, enforcing timeout.
// When no handler is registered the dispatch self-acknowledges with a
// default payload: the executor's fallback while the downstream agent
// network is unavailable.
func (d *DispatchRegistry) Dispatch(ctx context.Context, t *Task, agentID string, timeout time.Duration) (map[string]any, error) {
	handler, ok := d.handlers.Get(agentID)
	if !ok {
		return map[string]any{
			"acknowledged": true,
			"agent_id":     agentID,
			"task_id":      t.TaskID,
			"message":      fmt.Sprintf("task accepted by %s (no dispatch handler registered)", agentID),
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data map[string]any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := handler(ctx, t)
		done <- outcome{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: agent %s after %s", ErrDispatchTimeout, agentID, timeout)
		}
		return nil, ctx.Err()
	case out := <-done:
		if out.err != nil {
			// A handler that surfaces its own deadline error counts as a
			// timeout, same as the dispatch-level deadline.
			if errors.Is(out.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: agent %s: %v", ErrDispatchTimeout, agentID, out.err)
			}
			return nil, out.err
		}
		return out.data, nil
	}
}
