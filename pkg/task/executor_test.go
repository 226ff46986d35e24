package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmesh/opsmesh/pkg/state"
)

func fastConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout:     time.Second,
		RetryBaseDelay:     time.Millisecond,
		RetryMaxDelay:      5 * time.Millisecond,
		RetryBackoffFactor: 2.0,
		MaxHistoryRecords:  100,
	}
}

func newTestExecutor(t *testing.T, cfg ExecutorConfig) (*Executor, *DispatchRegistry, *state.Store) {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	dispatch := NewDispatchRegistry()
	return NewExecutor(cfg, store, dispatch), dispatch, store
}

func testTask(id string, maxRetries int) *Task {
	return &Task{
		TaskID:         id,
		Title:          "test",
		Priority:       PriorityMedium,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
		TimeoutSeconds: 1,
		MaxRetries:     maxRetries,
	}
}

func TestExecuteSuccess(t *testing.T) {
	exec, dispatch, _ := newTestExecutor(t, fastConfig())
	require.NoError(t, dispatch.RegisterHandler("cmdb-agent", func(ctx context.Context, task *Task) (map[string]any, error) {
		return map[string]any{"rows": 3}, nil
	}))

	result, err := exec.Execute(context.Background(), testTask("t1", 2), "cmdb-agent", "rule")
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, result.Status)
	assert.Equal(t, "cmdb-agent", result.AgentID)
	assert.False(t, result.CompletedAt.Before(result.StartedAt))
	assert.GreaterOrEqual(t, result.DurationSeconds, 0.0)

	history := exec.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Attempt)
	assert.Equal(t, "rule", history[0].RoutingMethod)
	assert.Contains(t, history[0].ResultSummary, "rows")
}

func TestExecuteRetryExhaustion(t *testing.T) {
	exec, dispatch, store := newTestExecutor(t, fastConfig())

	calls := 0
	require.NoError(t, dispatch.RegisterHandler("cmdb-agent", func(ctx context.Context, task *Task) (map[string]any, error) {
		calls++
		return nil, fmt.Errorf("downstream unavailable")
	}))

	_, err := exec.Execute(context.Background(), testTask("t1", 2), "cmdb-agent", "rule")
	require.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 3, calls)

	history := exec.History(0)
	require.Len(t, history, 3)
	for _, record := range history {
		assert.Equal(t, ResultFailed, record.Status)
	}
	// Newest first: attempts 3, 2, 1.
	assert.Equal(t, 3, history[0].Attempt)
	assert.Equal(t, 1, history[2].Attempt)

	// History is persisted after every attempt.
	var persisted []ExecutionRecord
	require.NoError(t, store.LoadTyped(HistoryStateKey, &persisted))
	assert.Len(t, persisted, 3)
}

func TestExecuteSucceedsAfterRetry(t *testing.T) {
	exec, dispatch, _ := newTestExecutor(t, fastConfig())

	calls := 0
	require.NoError(t, dispatch.RegisterHandler("cmdb-agent", func(ctx context.Context, task *Task) (map[string]any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("flaky")
		}
		return map[string]any{"ok": true}, nil
	}))

	result, err := exec.Execute(context.Background(), testTask("t1", 3), "cmdb-agent", "domain")
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, result.Status)
	assert.Equal(t, 3, calls)
	assert.Len(t, exec.History(0), 3)
}

func TestExecuteTimeout(t *testing.T) {
	exec, dispatch, _ := newTestExecutor(t, fastConfig())

	require.NoError(t, dispatch.RegisterHandler("slow-agent", func(ctx context.Context, task *Task) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return map[string]any{}, nil
		}
	}))

	slowTask := testTask("t1", 1)
	slowTask.TimeoutSeconds = 0.01

	_, err := exec.Execute(context.Background(), slowTask, "slow-agent", "explicit")
	require.ErrorIs(t, err, ErrTaskTimeout)

	history := exec.History(0)
	require.Len(t, history, 2)
	for _, record := range history {
		assert.Equal(t, ResultTimedOut, record.Status)
	}
}

func TestExecuteSelfAcknowledgeWithoutHandler(t *testing.T) {
	exec, _, _ := newTestExecutor(t, fastConfig())

	result, err := exec.Execute(context.Background(), testTask("t1", 0), "unwired-agent", "rule")
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, result.Status)
	assert.Equal(t, true, result.ResultData["acknowledged"])
	assert.Equal(t, "unwired-agent", result.ResultData["agent_id"])
}

func TestExecuteRejectsInvalidTask(t *testing.T) {
	exec, _, _ := newTestExecutor(t, fastConfig())

	bad := testTask("t1", 0)
	bad.TimeoutSeconds = 0
	_, err := exec.Execute(context.Background(), bad, "cmdb-agent", "rule")
	assert.ErrorIs(t, err, ErrInvalidTask)

	bad = testTask("t2", 1)
	bad.RetryCount = 2
	_, err = exec.Execute(context.Background(), bad, "cmdb-agent", "rule")
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestHistoryCap(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxHistoryRecords = 5
	exec, dispatch, _ := newTestExecutor(t, cfg)
	require.NoError(t, dispatch.RegisterHandler("a-agent", func(ctx context.Context, task *Task) (map[string]any, error) {
		return nil, nil
	}))

	for i := 0; i < 8; i++ {
		_, err := exec.Execute(context.Background(), testTask(fmt.Sprintf("t%d", i), 0), "a-agent", "rule")
		require.NoError(t, err)
	}

	history := exec.History(0)
	require.Len(t, history, 5)
	// Oldest evicted: t0..t2 gone, newest first is t7.
	assert.Equal(t, "t7", history[0].TaskID)
	assert.Equal(t, "t3", history[4].TaskID)
}

func TestHistoryRehydration(t *testing.T) {
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)

	first := NewExecutor(fastConfig(), store, NewDispatchRegistry())
	_, err = first.Execute(context.Background(), testTask("t1", 0), "ghost-agent", "rule")
	require.NoError(t, err)

	second := NewExecutor(fastConfig(), store, NewDispatchRegistry())
	history := second.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, "t1", history[0].TaskID)
}

func TestHistoryRehydrationCorruptResets(t *testing.T) {
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(HistoryStateKey, map[string]any{"not": "a list"}))

	exec := NewExecutor(fastConfig(), store, NewDispatchRegistry())
	assert.Empty(t, exec.History(0))
}

func TestActiveTasksSnapshot(t *testing.T) {
	exec, dispatch, _ := newTestExecutor(t, fastConfig())

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, dispatch.RegisterHandler("slow-agent", func(ctx context.Context, task *Task) (map[string]any, error) {
		close(started)
		<-release
		return nil, nil
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = exec.Execute(context.Background(), testTask("t1", 0), "slow-agent", "rule")
	}()

	<-started
	active := exec.ActiveTasks()
	require.Len(t, active, 1)
	assert.Equal(t, "t1", active[0].TaskID)

	close(release)
	<-done
	assert.Empty(t, exec.ActiveTasks())
}

func TestStatistics(t *testing.T) {
	exec, dispatch, _ := newTestExecutor(t, fastConfig())
	require.NoError(t, dispatch.RegisterHandler("good-agent", func(ctx context.Context, task *Task) (map[string]any, error) {
		return nil, nil
	}))
	require.NoError(t, dispatch.RegisterHandler("bad-agent", func(ctx context.Context, task *Task) (map[string]any, error) {
		return nil, errors.New("boom")
	}))

	_, err := exec.Execute(context.Background(), testTask("t1", 0), "good-agent", "rule")
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), testTask("t2", 0), "bad-agent", "rule")
	require.ErrorIs(t, err, ErrRetryExhausted)

	stats := exec.Statistics()
	assert.Equal(t, 2, stats.TotalExecutions)
	assert.Equal(t, 50.0, stats.SuccessRatePercent)
	assert.Equal(t, 1, stats.ByStatus[ResultCompleted])
	assert.Equal(t, 1, stats.ByStatus[ResultFailed])
	assert.Equal(t, 0, stats.ActiveTasks)
}
