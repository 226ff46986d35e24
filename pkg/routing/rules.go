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

package routing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// rulesFile is the on-disk schema of a rules file.
type rulesFile struct {
	Version     int    `yaml:"version"`
	Description string `yaml:"description,omitempty"`
	Rules       []Rule `yaml:"rules"`
}

// LoadRules reads routing rules from a YAML file. Every rule must validate.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrRuleInvalid, path, err)
	}
	for _, r := range file.Rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rules file %s: %w", path, err)
		}
	}
	return file.Rules, nil
}

// DefaultRules returns the built-in rule set: one keyword rule per
// operational domain, all at the same priority so the ambiguity query can
// detect overlapping matches.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "cmdb-keywords",
			Priority: 10,
			Domain:   "cmdb",
			Keywords: []string{"cmdb", "configuration item", "inventory", "server", "ci "},
		},
		{
			Name:     "discovery-keywords",
			Priority: 10,
			Domain:   "discovery",
			Keywords: []string{"discover", "scan", "network sweep", "probe"},
		},
		{
			Name:     "asset-keywords",
			Priority: 10,
			Domain:   "asset",
			Keywords: []string{"asset", "warranty", "lifecycle", "procurement"},
		},
		{
			Name:     "csa-keywords",
			Priority: 10,
			Domain:   "csa",
			Keywords: []string{"client system", "workstation", "endpoint analysis"},
		},
		{
			Name:     "audit-keywords",
			Priority: 10,
			Domain:   "audit",
			Keywords: []string{"audit", "compliance", "violation"},
		},
		{
			Name:     "documentation-keywords",
			Priority: 10,
			Domain:   "documentation",
			Keywords: []string{"document", "runbook", "diagram", "report"},
		},
	}
}
