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
	"sort"

	"github.com/opsmesh/opsmesh/pkg/task"
)

// ClarificationContext describes an ambiguous routing outcome: two or more
// rules tied at the minimum priority pointing to different domains.
type ClarificationContext struct {
	CompetingDomains []string `json:"competing_domains"`
	Question         string   `json:"question"`
	Options          []string `json:"options"`
}

type clarificationTemplate struct {
	Question string
	Options  []string
}

// domainPair is an unordered pair of domain names used as a template key.
type domainPair struct{ a, b string }

func pairOf(d1, d2 string) domainPair {
	if d1 > d2 {
		d1, d2 = d2, d1
	}
	return domainPair{a: d1, b: d2}
}

// clarificationTemplates keys questions by the first two competing domains,
// unordered. The zero pair is the fallback.
var clarificationTemplates = map[domainPair]clarificationTemplate{
	pairOf("cmdb", "discovery"): {
		Question: "Do you want to query existing inventory or scan the network for new devices?",
		Options:  []string{"Query the CMDB inventory", "Run a network discovery scan"},
	},
	pairOf("cmdb", "asset"): {
		Question: "Are you asking about configuration items or asset lifecycle records?",
		Options:  []string{"Configuration items (CMDB)", "Asset lifecycle records"},
	},
	pairOf("cmdb", "csa"): {
		Question: "Should this run against the CMDB inventory or the client system analysis data?",
		Options:  []string{"CMDB inventory", "Client system analysis"},
	},
	pairOf("discovery", "asset"): {
		Question: "Do you want to discover new devices or review tracked assets?",
		Options:  []string{"Discover new devices", "Review tracked assets"},
	},
	pairOf("audit", "documentation"): {
		Question: "Do you need a compliance audit or generated documentation?",
		Options:  []string{"Run a compliance audit", "Generate documentation"},
	},
	{}: {
		Question: "Your request matches several areas. Which one did you mean?",
		Options:  nil,
	},
}

// CheckAmbiguity runs the ambiguity query for a task with no explicit
// target: collect the (priority, domain) pairs of every matching rule, keep
// the domains tied at the minimum priority, and report ambiguity when two or
// more compete. It is a separate query with no routing side effects.
func (rt *Router) CheckAmbiguity(t *task.Task) (*ClarificationContext, bool) {
	if t.TargetAgent != "" {
		return nil, false
	}

	minPriority := 0
	domains := make(map[string]struct{})
	found := false
	for _, rule := range rt.rules {
		if rule.Domain == "" || !rule.Matches(t) {
			continue
		}
		switch {
		case !found, rule.Priority < minPriority:
			found = true
			minPriority = rule.Priority
			domains = map[string]struct{}{rule.Domain: {}}
		case rule.Priority == minPriority:
			domains[rule.Domain] = struct{}{}
		}
	}
	if len(domains) < 2 {
		return nil, false
	}

	competing := make([]string, 0, len(domains))
	for d := range domains {
		competing = append(competing, d)
	}
	sort.Strings(competing)

	tmpl, ok := clarificationTemplates[pairOf(competing[0], competing[1])]
	if !ok {
		tmpl = clarificationTemplates[domainPair{}]
	}
	options := tmpl.Options
	if len(options) == 0 {
		options = make([]string, 0, len(competing))
		for _, d := range competing {
			options = append(options, fmt.Sprintf("Route to the %s domain", d))
		}
	}

	return &ClarificationContext{
		CompetingDomains: competing,
		Question:         tmpl.Question,
		Options:          options,
	}, true
}
