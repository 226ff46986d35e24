package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmesh/opsmesh/pkg/agent"
	"github.com/opsmesh/opsmesh/pkg/config"
	"github.com/opsmesh/opsmesh/pkg/registry"
	"github.com/opsmesh/opsmesh/pkg/routing"
	"github.com/opsmesh/opsmesh/pkg/task"
	"github.com/opsmesh/opsmesh/pkg/workflow"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.LogDir = cfg.DataDir + "/logs"
	cfg.RetryBaseDelaySeconds = 0.001
	cfg.RetryMaxDelaySeconds = 0.005
	return cfg
}

func newTestOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	orc, err := New(testConfig(t), opts...)
	require.NoError(t, err)
	return orc
}

func TestChatRoutesToCMDBAgent(t *testing.T) {
	orc := newTestOrchestrator(t)

	resp, err := orc.HandleChat(context.Background(), ChatRequest{
		Message: "Query CMDB for all Linux servers",
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.ResponseType)
	assert.Equal(t, "cmdb-agent", resp.AgentID)
	assert.Equal(t, "rule", resp.RoutingMethod)
	assert.NotEmpty(t, resp.MessageID)
}

func TestChatExplicitTargetOverride(t *testing.T) {
	orc := newTestOrchestrator(t)

	tk := &task.Task{
		TaskID:         "t1",
		Title:          "scan",
		Domain:         "cmdb",
		TargetAgent:    "discovery-agent",
		Priority:       task.PriorityMedium,
		Status:         task.StatusPending,
		CreatedAt:      time.Now().UTC(),
		TimeoutSeconds: 10,
	}
	decision, err := orc.RouteTask(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, "discovery-agent", decision.AgentID)
	assert.Equal(t, routing.MethodExplicit, decision.Method)
}

func TestChatAmbiguityReturnsClarification(t *testing.T) {
	rules := []routing.Rule{
		{Name: "cmdb-overlap", Priority: 10, Domain: "cmdb", Keywords: []string{"overlap"}},
		{Name: "csa-overlap", Priority: 10, Domain: "csa", Keywords: []string{"overlap"}},
	}
	orc := newTestOrchestrator(t, WithRules(rules))

	resp, err := orc.HandleChat(context.Background(), ChatRequest{
		Message:   "overlap-keyword query",
		SessionID: "session-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "clarification", resp.ResponseType)
	assert.NotEmpty(t, resp.Question)
	require.NotEmpty(t, resp.PendingMessageToken)
	assert.Equal(t, "session-9", resp.SessionID)

	// The token recovers the original message and the chosen domain
	// resolves the route.
	answer, err := orc.ResolveClarification(context.Background(), resp.PendingMessageToken, "csa")
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.ResponseType)
	assert.Equal(t, "csa-agent", answer.AgentID)
	assert.Equal(t, "session-9", answer.SessionID)

	// One-shot token.
	_, err = orc.ResolveClarification(context.Background(), resp.PendingMessageToken, "csa")
	assert.ErrorIs(t, err, ErrClarificationNotFound)
}

func TestChatRetryExhaustion(t *testing.T) {
	orc := newTestOrchestrator(t)

	calls := 0
	require.NoError(t, orc.DispatchRegistry().RegisterHandler("cmdb-agent", func(ctx context.Context, tk *task.Task) (map[string]any, error) {
		calls++
		return nil, errors.New("downstream unavailable")
	}))

	tk := &task.Task{
		TaskID:         "t1",
		Title:          "query cmdb inventory",
		Priority:       task.PriorityMedium,
		Status:         task.StatusPending,
		CreatedAt:      time.Now().UTC(),
		TimeoutSeconds: 5,
		MaxRetries:     2,
	}
	_, err := orc.ExecuteTask(context.Background(), tk, nil)
	require.ErrorIs(t, err, task.ErrRetryExhausted)
	assert.Equal(t, 3, calls)

	history := orc.ExecutionHistory(0)
	require.Len(t, history, 3)
	for _, record := range history {
		assert.Equal(t, task.ResultFailed, record.Status)
	}
}

func TestChatEmptyMessage(t *testing.T) {
	orc := newTestOrchestrator(t)
	_, err := orc.HandleChat(context.Background(), ChatRequest{Message: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestChatInvalidDomain(t *testing.T) {
	orc := newTestOrchestrator(t)
	_, err := orc.HandleChat(context.Background(), ChatRequest{Message: "hello", Domain: "nonsense"})
	assert.ErrorIs(t, err, agent.ErrInvalidDomain)
}

func TestChatNoRoute(t *testing.T) {
	orc := newTestOrchestrator(t, WithRules(nil))
	_, err := orc.HandleChat(context.Background(), ChatRequest{Message: "completely unroutable gibberish"})
	assert.ErrorIs(t, err, routing.ErrNoRoute)
}

func TestWorkflowThroughOrchestrator(t *testing.T) {
	orc := newTestOrchestrator(t)

	def := &workflow.Definition{
		WorkflowID: "wf-1",
		Name:       "inventory refresh",
		CreatedAt:  time.Now().UTC(),
		Steps: []workflow.Step{
			{StepID: "scan", Name: "scan network", AgentDomain: "discovery", TimeoutSeconds: 5},
			{StepID: "update", Name: "update cmdb inventory", AgentDomain: "cmdb", DependsOn: []string{"scan"}, TimeoutSeconds: 5},
		},
	}
	exec, err := orc.StartWorkflow(def, map[string]any{"tenant": "acme"})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		exec, err = orc.AdvanceWorkflow(ctx, exec.ExecutionID)
		require.NoError(t, err)
	}
	assert.Equal(t, workflow.ExecCompleted, exec.Status)
	assert.Equal(t, []string{"scan", "update"}, exec.StepsCompleted)

	// Step results flow through routing + executor self-acknowledge.
	require.Contains(t, exec.StepResults, "scan")
	assert.Equal(t, "discovery-agent", exec.StepResults["scan"].AgentID)
}

func TestWorkflowCheckpointThroughOrchestrator(t *testing.T) {
	orc := newTestOrchestrator(t)

	def := &workflow.Definition{
		WorkflowID: "wf-cp",
		Name:       "checkpointed",
		CreatedAt:  time.Now().UTC(),
		Steps: []workflow.Step{
			{StepID: "s1", Name: "first", AgentDomain: "cmdb", TimeoutSeconds: 5},
			{StepID: "s2", Name: "second", AgentDomain: "cmdb", DependsOn: []string{"s1"}, TimeoutSeconds: 5},
		},
	}
	exec, err := orc.StartWorkflow(def, nil)
	require.NoError(t, err)
	exec, err = orc.AdvanceWorkflow(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	require.NoError(t, orc.CheckpointWorkflow(exec.ExecutionID))

	// A fresh orchestrator over the same data dir resumes from disk.
	fresh, err := New(orc.config)
	require.NoError(t, err)
	resumed, err := fresh.ResumeWorkflow(def, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, exec.StepsCompleted, resumed.StepsCompleted)
	assert.Equal(t, exec.Status, resumed.Status)
}

func TestHealthDoc(t *testing.T) {
	orc := newTestOrchestrator(t)
	doc := orc.Health()
	assert.Equal(t, "ok", doc.Status)
	assert.Equal(t, 6, doc.AgentsTotal)
	assert.Equal(t, 6, doc.AgentsAvailable)
	assert.NotEmpty(t, doc.Version)
}

func TestCheckAgentThroughOrchestrator(t *testing.T) {
	orc := newTestOrchestrator(t)
	record, err := orc.CheckAgent(context.Background(), "cmdb-agent", false)
	require.NoError(t, err)
	assert.Equal(t, "cmdb-agent", record.AgentID)

	_, err = orc.CheckAgent(context.Background(), "ghost-agent", false)
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)
}

func TestErrorCodes(t *testing.T) {
	cases := map[string]error{
		"agent_not_found":         registry.ErrAgentNotFound,
		"no_route":                routing.ErrNoRoute,
		"agent_unavailable":       routing.ErrAgentUnavailable,
		"task_timeout":            task.ErrTaskTimeout,
		"task_retry_exhausted":    task.ErrRetryExhausted,
		"workflow_not_found":      workflow.ErrWorkflowNotFound,
		"message_empty":           ErrEmptyMessage,
		"clarification_not_found": ErrClarificationNotFound,
		"internal":                errors.New("anything else"),
	}
	for code, err := range cases {
		assert.Equal(t, code, ErrorCode(err))
	}
	assert.Equal(t, "", ErrorCode(nil))
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	assert.Equal(t, "héllo", truncate("héllo", 10))

	// A limit landing inside a multi-byte rune backs off to the rune start.
	s := strings.Repeat("é", 10) // 2 bytes per rune
	out := truncate(s, 7)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, 6, len(out))

	long := strings.Repeat("界", 40) // 3 bytes per rune, 120 bytes
	title := truncate(long, chatTitleLimit)
	assert.True(t, utf8.ValidString(title))
	assert.LessOrEqual(t, len(title), chatTitleLimit)
}

func TestClarificationSweeper(t *testing.T) {
	orc := newTestOrchestrator(t, WithClarificationTTL(20*time.Millisecond), WithRules([]routing.Rule{
		{Name: "cmdb-overlap", Priority: 10, Domain: "cmdb", Keywords: []string{"overlap"}},
		{Name: "csa-overlap", Priority: 10, Domain: "csa", Keywords: []string{"overlap"}},
	}))

	resp, err := orc.HandleChat(context.Background(), ChatRequest{Message: "overlap here"})
	require.NoError(t, err)
	require.Equal(t, "clarification", resp.ResponseType)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orc.StartClarificationSweeper(ctx)

	require.Eventually(t, func() bool {
		_, err := orc.ResolveClarification(context.Background(), resp.PendingMessageToken, "cmdb")
		return errors.Is(err, ErrClarificationNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}
