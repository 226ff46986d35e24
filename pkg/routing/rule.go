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

// Package routing selects the agent a task is delegated to, by explicit
// target, rule sweep, domain, capability, or session continuity, in that
// order.
package routing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opsmesh/opsmesh/pkg/task"
)

// Routing errors surfaced to callers.
var (
	// ErrNoRoute means no stage produced an available agent.
	ErrNoRoute = errors.New("no route for task")

	// ErrAgentUnavailable means the explicitly targeted agent exists but is
	// not available.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrRuleInvalid means a routing rule fails validation.
	ErrRuleInvalid = errors.New("invalid routing rule")
)

// Rule is one routing rule. Lower priority values are evaluated first.
type Rule struct {
	Name        string   `json:"name" yaml:"name"`
	Priority    int      `json:"priority" yaml:"priority"`
	Domain      string   `json:"domain,omitempty" yaml:"domain,omitempty"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	TargetAgent string   `json:"target_agent,omitempty" yaml:"target_agent,omitempty"`
	Capability  string   `json:"capability,omitempty" yaml:"capability,omitempty"`
}

// Validate checks that the rule has a name and at least one way to match or
// target.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrRuleInvalid)
	}
	if r.Domain == "" && len(r.Keywords) == 0 {
		return fmt.Errorf("%w: rule %s has neither domain nor keywords", ErrRuleInvalid, r.Name)
	}
	if r.TargetAgent == "" && r.Domain == "" && r.Capability == "" {
		return fmt.Errorf("%w: rule %s has no routing outcome", ErrRuleInvalid, r.Name)
	}
	return nil
}

// Matches reports whether the rule applies to the task: the rule's domain
// equals the task's, or any keyword occurs case-insensitively in the task's
// title and description.
func (r Rule) Matches(t *task.Task) bool {
	if r.Domain != "" && r.Domain == t.Domain {
		return true
	}
	if len(r.Keywords) == 0 {
		return false
	}
	haystack := strings.ToLower(t.Title + " " + t.Description)
	for _, kw := range r.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
