package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmesh/opsmesh/pkg/agent"
	"github.com/opsmesh/opsmesh/pkg/state"
)

func newTestRegistry(t *testing.T, opts ...Option) (*AgentRegistry, *state.Store) {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	reg := NewAgentRegistry(store)
	require.NoError(t, reg.Initialize(opts...))
	return reg, store
}

func testRegistration(id string, domain agent.Domain) *agent.Registration {
	return &agent.Registration{
		AgentID:      id,
		Name:         id,
		Domain:       domain,
		Capabilities: []agent.Capability{{Name: "probe", Domain: domain}},
		Status:       agent.StatusOnline,
		RegisteredAt: time.Now().UTC(),
	}
}

func TestOperationsBeforeInitialize(t *testing.T) {
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	reg := NewAgentRegistry(store)

	assert.ErrorIs(t, reg.Register(testRegistration("x-agent", agent.DomainCMDB)), ErrNotInitialized)
	_, err = reg.Get("x-agent")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Nil(t, reg.ListAll())
}

func TestInitializeSeedsDefaults(t *testing.T) {
	reg, _ := newTestRegistry(t)
	assert.Len(t, reg.ListAll(), 6)

	got, err := reg.Get("cmdb-agent")
	require.NoError(t, err)
	assert.Equal(t, agent.DomainCMDB, got.Domain)
}

func TestInitializeWithoutDefaults(t *testing.T) {
	reg, _ := newTestRegistry(t, WithDefaults(false))
	assert.Empty(t, reg.ListAll())

	_, err := reg.Get("cmdb-agent")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRegisterDuplicate(t *testing.T) {
	reg, _ := newTestRegistry(t, WithDefaults(false))
	require.NoError(t, reg.Register(testRegistration("alpha-agent", agent.DomainAsset)))
	assert.ErrorIs(t, reg.Register(testRegistration("alpha-agent", agent.DomainAsset)), ErrAlreadyRegistered)
}

func TestUnregisterMissing(t *testing.T) {
	reg, _ := newTestRegistry(t, WithDefaults(false))
	assert.ErrorIs(t, reg.Unregister("ghost-agent"), ErrAgentNotFound)
}

func TestPersistenceAcrossRestarts(t *testing.T) {
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)

	first := NewAgentRegistry(store)
	require.NoError(t, first.Initialize(WithDefaults(false)))
	require.NoError(t, first.Register(testRegistration("alpha-agent", agent.DomainAudit)))

	second := NewAgentRegistry(store)
	require.NoError(t, second.Initialize(WithDefaults(false)))
	got, err := second.Get("alpha-agent")
	require.NoError(t, err)
	assert.Equal(t, agent.DomainAudit, got.Domain)
}

func TestListAllSortedAndCopied(t *testing.T) {
	reg, _ := newTestRegistry(t, WithDefaults(false))
	require.NoError(t, reg.Register(testRegistration("zeta-agent", agent.DomainCSA)))
	require.NoError(t, reg.Register(testRegistration("alpha-agent", agent.DomainCSA)))

	list := reg.ListAll()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha-agent", list[0].AgentID)
	assert.Equal(t, "zeta-agent", list[1].AgentID)

	// Mutating the returned copy must not touch registry state.
	list[0].Status = agent.StatusOffline
	got, err := reg.Get("alpha-agent")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusOnline, got.Status)
}

func TestSearches(t *testing.T) {
	reg, _ := newTestRegistry(t)

	byDomain := reg.SearchByDomain(agent.DomainCMDB)
	require.Len(t, byDomain, 1)
	assert.Equal(t, "cmdb-agent", byDomain[0].AgentID)

	byCap := reg.SearchByCapability("scan_network")
	require.Len(t, byCap, 1)
	assert.Equal(t, "discovery-agent", byCap[0].AgentID)

	byStatus := reg.SearchByStatus(agent.StatusOnline)
	assert.Len(t, byStatus, 6)
}

func TestUpdateStatus(t *testing.T) {
	reg, _ := newTestRegistry(t)

	checked := time.Now().UTC()
	require.NoError(t, reg.UpdateStatus("cmdb-agent", agent.StatusDegraded, &checked))

	got, err := reg.Get("cmdb-agent")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusDegraded, got.Status)
	require.NotNil(t, got.LastHealthCheck)

	assert.ErrorIs(t, reg.UpdateStatus("ghost-agent", agent.StatusOnline, nil), ErrAgentNotFound)
}

func TestUpdateMetadataMergeAndReplace(t *testing.T) {
	reg, _ := newTestRegistry(t, WithDefaults(false))
	r := testRegistration("alpha-agent", agent.DomainAsset)
	r.Metadata = map[string]any{"region": "emea", "tier": "gold"}
	require.NoError(t, reg.Register(r))

	require.NoError(t, reg.UpdateMetadata("alpha-agent", map[string]any{"tier": "silver"}, true))
	got, err := reg.Get("alpha-agent")
	require.NoError(t, err)
	assert.Equal(t, "emea", got.Metadata["region"])
	assert.Equal(t, "silver", got.Metadata["tier"])

	require.NoError(t, reg.UpdateMetadata("alpha-agent", map[string]any{"only": "this"}, false))
	got, err = reg.Get("alpha-agent")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"only": "this"}, got.Metadata)
}

func TestCapabilitiesForDomainNoDedup(t *testing.T) {
	reg, _ := newTestRegistry(t, WithDefaults(false))
	require.NoError(t, reg.Register(testRegistration("a-agent", agent.DomainAudit)))
	require.NoError(t, reg.Register(testRegistration("b-agent", agent.DomainAudit)))

	caps := reg.CapabilitiesForDomain(agent.DomainAudit)
	assert.Len(t, caps, 2)
}

func TestSummarize(t *testing.T) {
	reg, _ := newTestRegistry(t)
	require.NoError(t, reg.UpdateStatus("csa-agent", agent.StatusOffline, nil))

	summary := reg.Summarize()
	assert.Equal(t, 6, summary.TotalAgents)
	assert.Equal(t, 5, summary.ByStatus[agent.StatusOnline])
	assert.Equal(t, 1, summary.ByStatus[agent.StatusOffline])
	assert.Equal(t, 1, summary.ByDomain[agent.DomainCMDB])
	assert.Greater(t, summary.TotalCapabilities, 6)
}
