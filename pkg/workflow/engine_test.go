package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmesh/opsmesh/pkg/task"
)

func linearDefinition(ids ...string) *Definition {
	def := &Definition{
		WorkflowID: "wf-linear",
		Name:       "linear",
		CreatedAt:  time.Now().UTC(),
	}
	for i, id := range ids {
		step := Step{
			StepID:         id,
			Name:           id,
			StepType:       StepTask,
			TimeoutSeconds: 5,
			OnFailure:      FailStop,
		}
		if i > 0 {
			step.DependsOn = []string{ids[i-1]}
		}
		def.Steps = append(def.Steps, step)
	}
	return def
}

func succeedingRunner(calls *[]string) TaskRunner {
	return func(ctx context.Context, t *task.Task) (*task.Result, error) {
		if calls != nil {
			*calls = append(*calls, t.TaskID)
		}
		now := time.Now().UTC()
		return &task.Result{
			TaskID:      t.TaskID,
			AgentID:     "test-agent",
			Status:      task.ResultCompleted,
			ResultData:  map[string]any{"step_output": t.Title},
			StartedAt:   now,
			CompletedAt: now,
		}, nil
	}
}

func assertDisjoint(t *testing.T, exec *Execution) {
	t.Helper()
	remaining := make(map[string]struct{})
	for _, id := range exec.StepsRemaining {
		remaining[id] = struct{}{}
	}
	for _, id := range exec.StepsCompleted {
		_, overlap := remaining[id]
		assert.False(t, overlap, "step %s is both completed and remaining", id)
	}
}

func TestWorkflowHappyPath(t *testing.T) {
	engine := NewEngine(WithTaskRunner(succeedingRunner(nil)))
	exec, err := engine.Start(linearDefinition("s1", "s2", "s3"), nil)
	require.NoError(t, err)
	assert.Equal(t, ExecRunning, exec.Status)
	assert.Len(t, exec.StepsRemaining, 3)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		exec, err = engine.Advance(ctx, exec.ExecutionID)
		require.NoError(t, err)
		assertDisjoint(t, exec)
	}

	assert.Equal(t, ExecCompleted, exec.Status)
	assert.Equal(t, []string{"s1", "s2", "s3"}, exec.StepsCompleted)
	assert.Empty(t, exec.StepsRemaining)
	require.NotNil(t, exec.CompletedAt)
	for _, id := range []string{"s1", "s2", "s3"} {
		assert.Contains(t, exec.Context, id)
		require.Contains(t, exec.StepResults, id)
		assert.Equal(t, task.ResultCompleted, exec.StepResults[id].Status)
	}
}

func TestWorkflowStepTaskID(t *testing.T) {
	var calls []string
	engine := NewEngine(WithTaskRunner(succeedingRunner(&calls)))
	exec, err := engine.Start(linearDefinition("s1"), nil)
	require.NoError(t, err)

	_, err = engine.Advance(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, exec.ExecutionID+"-s1", calls[0])
}

func TestWorkflowStopOnFailure(t *testing.T) {
	runner := func(ctx context.Context, tk *task.Task) (*task.Result, error) {
		if tk.Title == "bad" {
			return nil, errors.New("dispatch exploded")
		}
		return succeedingRunner(nil)(ctx, tk)
	}
	engine := NewEngine(WithTaskRunner(runner))

	def := linearDefinition("good", "bad", "unreached")
	exec, err := engine.Start(def, nil)
	require.NoError(t, err)

	ctx := context.Background()
	exec, err = engine.Advance(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, exec.StepsCompleted)

	exec, err = engine.Advance(ctx, exec.ExecutionID)
	require.ErrorIs(t, err, ErrStepFailed)
	assert.Equal(t, ExecFailed, exec.Status)
	assert.NotEmpty(t, exec.ErrorMessage)
	assert.Contains(t, exec.StepsRemaining, "unreached")
	require.NotNil(t, exec.CompletedAt)

	// Terminal status: further advances are no-ops.
	again, err := engine.Advance(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecFailed, again.Status)
}

func TestWorkflowSkipOnFailure(t *testing.T) {
	runner := func(ctx context.Context, tk *task.Task) (*task.Result, error) {
		if tk.Title == "flaky" {
			return nil, errors.New("dispatch exploded")
		}
		return succeedingRunner(nil)(ctx, tk)
	}
	engine := NewEngine(WithTaskRunner(runner))

	def := linearDefinition("first", "flaky", "last")
	def.Steps[1].OnFailure = FailSkip
	exec, err := engine.Start(def, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		exec, err = engine.Advance(ctx, exec.ExecutionID)
		require.NoError(t, err)
	}

	assert.Equal(t, ExecCompleted, exec.Status)
	assert.Equal(t, []string{"first", "flaky", "last"}, exec.StepsCompleted)
	require.Contains(t, exec.StepResults, "flaky")
	assert.Equal(t, task.ResultFailed, exec.StepResults["flaky"].Status)
	// Failed skipped steps do not contribute context.
	assert.NotContains(t, exec.Context, "flaky")
}

func TestWorkflowDiamondDependencies(t *testing.T) {
	def := &Definition{
		WorkflowID: "wf-diamond",
		Name:       "diamond",
		CreatedAt:  time.Now().UTC(),
		Steps: []Step{
			{StepID: "root", Name: "root", TimeoutSeconds: 5},
			{StepID: "left", Name: "left", DependsOn: []string{"root"}, TimeoutSeconds: 5},
			{StepID: "right", Name: "right", DependsOn: []string{"root"}, TimeoutSeconds: 5},
			{StepID: "join", Name: "join", DependsOn: []string{"left", "right"}, TimeoutSeconds: 5},
		},
	}
	engine := NewEngine(WithTaskRunner(succeedingRunner(nil)))
	exec, err := engine.Start(def, nil)
	require.NoError(t, err)

	ctx := context.Background()
	exec, err = engine.Advance(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, exec.StepsCompleted)

	// left and right are both ready; one sweep runs them sequentially.
	exec, err = engine.Advance(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "left", "right"}, exec.StepsCompleted)

	exec, err = engine.Advance(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, exec.Status)
}

func TestWorkflowStartContextSeed(t *testing.T) {
	engine := NewEngine(WithTaskRunner(succeedingRunner(nil)))
	exec, err := engine.Start(linearDefinition("s1"), map[string]any{"tenant": "acme"})
	require.NoError(t, err)
	assert.Equal(t, "acme", exec.Context["tenant"])
}

func TestWorkflowCancel(t *testing.T) {
	engine := NewEngine(WithTaskRunner(succeedingRunner(nil)))
	exec, err := engine.Start(linearDefinition("s1", "s2"), nil)
	require.NoError(t, err)

	exec, err = engine.Cancel(exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecCancelled, exec.Status)
	assert.Empty(t, exec.CurrentStepID)
	require.NotNil(t, exec.CompletedAt)

	// Advance after cancel is a no-op.
	exec, err = engine.Advance(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecCancelled, exec.Status)
	assert.Len(t, exec.StepsRemaining, 2)
}

func TestCancelDuringDispatchedStep(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := func(ctx context.Context, tk *task.Task) (*task.Result, error) {
		close(started)
		<-release
		now := time.Now().UTC()
		return &task.Result{
			TaskID:      tk.TaskID,
			AgentID:     "test-agent",
			Status:      task.ResultCompleted,
			StartedAt:   now,
			CompletedAt: now,
		}, nil
	}
	engine := NewEngine(WithTaskRunner(runner))
	exec, err := engine.Start(linearDefinition("only"), nil)
	require.NoError(t, err)

	advanced := make(chan struct{})
	var result *Execution
	var advErr error
	go func() {
		defer close(advanced)
		result, advErr = engine.Advance(context.Background(), exec.ExecutionID)
	}()
	<-started

	// Reads and cancellation do not wait for the dispatched step.
	got, err := engine.Get(exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecStepExecuting, got.Status)

	cancelled, err := engine.Cancel(exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecCancelled, cancelled.Status)

	// The step runs to its own outcome, then the cancellation is observed.
	close(release)
	<-advanced
	require.NoError(t, advErr)
	assert.Equal(t, ExecCancelled, result.Status)
	assert.Contains(t, result.StepResults, "only")
	assert.Equal(t, []string{"only"}, result.StepsRemaining)

	// Cancelled is terminal; a later advance changes nothing.
	after, err := engine.Advance(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecCancelled, after.Status)
}

func TestWorkflowNotFound(t *testing.T) {
	engine := NewEngine()
	_, err := engine.Advance(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	_, err = engine.Get("missing")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	_, err = engine.Cancel("missing")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestAdvanceFailsOnUnrunnableRemainder(t *testing.T) {
	// A checkpoint that lost a completed step leaves its dependent with a
	// dependency that can never be satisfied.
	def := linearDefinition("a", "b")
	engine := NewEngine()

	corrupt := &Execution{
		ExecutionID:    "exec-corrupt",
		WorkflowID:     def.WorkflowID,
		Status:         ExecRunning,
		StepsRemaining: []string{"b"},
		StepResults:    make(map[string]*task.Result),
		Context:        make(map[string]any),
	}
	_, err := engine.Resume(def, corrupt)
	require.NoError(t, err)

	exec, err := engine.Advance(context.Background(), "exec-corrupt")
	require.ErrorIs(t, err, ErrDefinitionInvalid)
	assert.Equal(t, ExecFailed, exec.Status)
	assert.NotEmpty(t, exec.ErrorMessage)
}

func TestDefinitionValidation(t *testing.T) {
	base := linearDefinition("s1", "s2")

	noSteps := &Definition{WorkflowID: "wf", Name: "empty"}
	assert.ErrorIs(t, noSteps.Validate(), ErrDefinitionInvalid)

	dup := linearDefinition("s1", "s2")
	dup.Steps[1].StepID = "s1"
	assert.ErrorIs(t, dup.Validate(), ErrDefinitionInvalid)

	unknownDep := linearDefinition("s1", "s2")
	unknownDep.Steps[1].DependsOn = []string{"ghost"}
	assert.ErrorIs(t, unknownDep.Validate(), ErrDefinitionInvalid)

	selfDep := linearDefinition("s1", "s2")
	selfDep.Steps[1].DependsOn = []string{"s2"}
	assert.ErrorIs(t, selfDep.Validate(), ErrDefinitionInvalid)

	assert.NoError(t, base.Validate())
}

func TestDefinitionRejectsCycles(t *testing.T) {
	def := &Definition{
		WorkflowID: "wf-cycle",
		Name:       "cycle",
		Steps: []Step{
			{StepID: "a", Name: "a", DependsOn: []string{"c"}},
			{StepID: "b", Name: "b", DependsOn: []string{"a"}},
			{StepID: "c", Name: "c", DependsOn: []string{"b"}},
		},
	}
	err := def.Validate()
	require.ErrorIs(t, err, ErrDefinitionInvalid)
	assert.Contains(t, err.Error(), "cycle")
}

func TestStartRejectsInvalidDefinition(t *testing.T) {
	engine := NewEngine()
	_, err := engine.Start(&Definition{WorkflowID: "wf"}, nil)
	assert.ErrorIs(t, err, ErrDefinitionInvalid)
}

func TestSynthesizedRunnerDefault(t *testing.T) {
	engine := NewEngine()
	exec, err := engine.Start(linearDefinition("s1"), nil)
	require.NoError(t, err)

	exec, err = engine.Advance(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, exec.Status)
	require.Contains(t, exec.StepResults, "s1")
	assert.Equal(t, true, exec.StepResults["s1"].ResultData["synthesized"])
}
