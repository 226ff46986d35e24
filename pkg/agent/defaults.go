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

package agent

import "time"

// DefaultRegistrations returns the baked-in agent set used to seed an empty
// registry on first start: one agent per operational domain. The
// orchestration domain belongs to the orchestrator itself and has no
// default downstream agent.
func DefaultRegistrations() []*Registration {
	now := time.Now().UTC()

	mk := func(id, name, description string, domain Domain, caps ...Capability) *Registration {
		return &Registration{
			AgentID:      id,
			Name:         name,
			Description:  description,
			Domain:       domain,
			Capabilities: caps,
			Status:       StatusOnline,
			RegisteredAt: now,
			Metadata:     map[string]any{"source": "defaults"},
		}
	}

	cap := func(name string, domain Domain, description string) Capability {
		return Capability{Name: name, Domain: domain, Description: description}
	}

	return []*Registration{
		mk("cmdb-agent", "CMDB Agent",
			"Queries and updates configuration items in the CMDB.",
			DomainCMDB,
			cap("query_ci", DomainCMDB, "Query configuration items"),
			cap("update_ci", DomainCMDB, "Update configuration item attributes"),
			cap("relationship_lookup", DomainCMDB, "Resolve CI relationships"),
		),
		mk("discovery-agent", "Discovery Agent",
			"Runs network and infrastructure discovery scans.",
			DomainDiscovery,
			cap("scan_network", DomainDiscovery, "Scan a network range for devices"),
			cap("probe_host", DomainDiscovery, "Probe a single host for services"),
		),
		mk("asset-agent", "Asset Agent",
			"Tracks hardware and software asset lifecycle.",
			DomainAsset,
			cap("asset_lookup", DomainAsset, "Look up asset records"),
			cap("license_report", DomainAsset, "Report software license usage"),
		),
		mk("csa-agent", "Client Software Agent",
			"Manages client software distribution and policy.",
			DomainCSA,
			cap("deploy_package", DomainCSA, "Deploy a software package"),
			cap("policy_check", DomainCSA, "Evaluate client policy compliance"),
		),
		mk("audit-agent", "Audit Agent",
			"Collects audit evidence and verifies compliance baselines.",
			DomainAudit,
			cap("collect_evidence", DomainAudit, "Collect audit evidence"),
			cap("baseline_check", DomainAudit, "Verify compliance baseline"),
		),
		mk("documentation-agent", "Documentation Agent",
			"Generates and maintains operational documentation.",
			DomainDocumentation,
			cap("generate_doc", DomainDocumentation, "Generate documentation from records"),
			cap("summarize_changes", DomainDocumentation, "Summarize recent changes"),
		),
	}
}
