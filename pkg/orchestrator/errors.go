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

package orchestrator

import (
	"errors"

	"github.com/opsmesh/opsmesh/pkg/agent"
	"github.com/opsmesh/opsmesh/pkg/config"
	"github.com/opsmesh/opsmesh/pkg/registry"
	"github.com/opsmesh/opsmesh/pkg/routing"
	"github.com/opsmesh/opsmesh/pkg/state"
	"github.com/opsmesh/opsmesh/pkg/task"
	"github.com/opsmesh/opsmesh/pkg/workflow"
)

// ErrorCode maps an error chain to a stable machine-readable code. Unknown
// errors map to "internal".
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, registry.ErrAgentNotFound):
		return "agent_not_found"
	case errors.Is(err, registry.ErrAlreadyRegistered):
		return "agent_already_registered"
	case errors.Is(err, registry.ErrNotInitialized):
		return "registry_not_initialized"
	case errors.Is(err, agent.ErrInvalidRegistration):
		return "registration_invalid"
	case errors.Is(err, agent.ErrInvalidDomain):
		return "domain_invalid"
	case errors.Is(err, routing.ErrNoRoute):
		return "no_route"
	case errors.Is(err, routing.ErrAgentUnavailable):
		return "agent_unavailable"
	case errors.Is(err, routing.ErrRuleInvalid):
		return "rule_invalid"
	case errors.Is(err, task.ErrTaskTimeout):
		return "task_timeout"
	case errors.Is(err, task.ErrRetryExhausted):
		return "task_retry_exhausted"
	case errors.Is(err, task.ErrInvalidTask):
		return "task_invalid"
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		return "workflow_not_found"
	case errors.Is(err, workflow.ErrDefinitionInvalid):
		return "workflow_definition_invalid"
	case errors.Is(err, workflow.ErrStepFailed):
		return "workflow_step_failed"
	case errors.Is(err, workflow.ErrCheckpointFailed):
		return "workflow_checkpoint_failed"
	case errors.Is(err, state.ErrInvalidKey):
		return "state_key_invalid"
	case errors.Is(err, state.ErrNotFound):
		return "state_not_found"
	case errors.Is(err, state.ErrCorrupted):
		return "state_corrupted"
	case errors.Is(err, config.ErrInvalidConfig):
		return "config_invalid"
	case errors.Is(err, ErrEmptyMessage):
		return "message_empty"
	case errors.Is(err, ErrClarificationNotFound):
		return "clarification_not_found"
	default:
		return "internal"
	}
}
