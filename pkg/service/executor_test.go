package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/triageflow/pkg/models"
	"github.com/ignatij/triageflow/pkg/security"
	"github.com/ignatij/triageflow/pkg/service"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_ContextPropagation(t *testing.T) {
	ex := newExecutor(t, &recordingDispatcher{}, security.DefaultMonitorConfig())

	var started atomic.Int32
	release := make(chan struct{})
	phaseZero := func(output string) service.TaskFunc {
		return func(ctx context.Context, env *service.TaskEnv) (any, error) {
			// both phase zero tasks must be running at the same time
			if started.Add(1) == 2 {
				close(release)
			}
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return output, nil
		}
	}
	require.NoError(t, ex.RegisterTask("lic", phaseZero("license ok")))
	require.NoError(t, ex.RegisterTask("idx", phaseZero("indexes ok")))

	var seen map[string]any
	require.NoError(t, ex.RegisterTask("report", func(ctx context.Context, env *service.TaskEnv) (any, error) {
		seen = env.Context
		return "done", nil
	}))

	out := execute(t, ex, workflow(task("lic"), task("idx"), task("report", "lic", "idx")), map[string]any{"host": "idx01"})

	for _, id := range []string{"lic", "idx", "report"} {
		assert.Equal(t, models.SucceededTaskStatus, out.Results[id].Status, id)
		assert.NotNil(t, out.Results[id].StartedAt)
		assert.NotNil(t, out.Results[id].FinishedAt)
	}
	assert.Equal(t, "license ok", seen["lic"])
	assert.Equal(t, "indexes ok", seen["idx"])
	assert.Equal(t, "idx01", seen["host"])
	assert.Equal(t, "done", out.Context["report"])
}

func TestExecutor_SiblingsSeeSnapshot(t *testing.T) {
	ex := newExecutor(t, &recordingDispatcher{}, security.DefaultMonitorConfig())

	require.NoError(t, ex.RegisterTask("a", func(ctx context.Context, env *service.TaskEnv) (any, error) {
		return "a-output", nil
	}))
	var sawSibling atomic.Bool
	require.NoError(t, ex.RegisterTask("b", func(ctx context.Context, env *service.TaskEnv) (any, error) {
		time.Sleep(20 * time.Millisecond)
		_, ok := env.Context["a"]
		sawSibling.Store(ok)
		return "b-output", nil
	}))

	out := execute(t, ex, workflow(task("a"), task("b")), nil)
	assert.False(t, sawSibling.Load())
	assert.Equal(t, "a-output", out.Context["a"])
	assert.Equal(t, "b-output", out.Context["b"])
}

func TestExecutor_FailureIsolation(t *testing.T) {
	ex := newExecutor(t, &recordingDispatcher{}, security.DefaultMonitorConfig())

	var cRan atomic.Bool
	require.NoError(t, ex.RegisterTask("a", func(ctx context.Context, env *service.TaskEnv) (any, error) {
		return nil, errors.New("license endpoint unreachable")
	}))
	require.NoError(t, ex.RegisterTask("b", func(ctx context.Context, env *service.TaskEnv) (any, error) {
		return "fine", nil
	}))
	require.NoError(t, ex.RegisterTask("c", func(ctx context.Context, env *service.TaskEnv) (any, error) {
		cRan.Store(true)
		return nil, nil
	}))

	out := execute(t, ex, workflow(task("a"), task("b"), task("c", "a"), task("d", "c")), nil)

	a := out.Results["a"]
	assert.Equal(t, models.FailedTaskStatus, a.Status)
	assert.Equal(t, models.ExecutionFailure, a.Reason)
	assert.Equal(t, "license endpoint unreachable", a.Error)

	b := out.Results["b"]
	assert.Equal(t, models.SucceededTaskStatus, b.Status)
	assert.Empty(t, b.Error)
	assert.Equal(t, "fine", b.Output)

	c := out.Results["c"]
	assert.Equal(t, models.BlockedTaskStatus, c.Status)
	assert.Empty(t, c.Error)
	assert.Nil(t, c.StartedAt)
	assert.Contains(t, c.Warnings[0], "dependency 'a' did not succeed (FAILED)")
	assert.False(t, cRan.Load())

	assert.Equal(t, models.BlockedTaskStatus, out.Results["d"].Status)
	assert.NotContains(t, out.Context, "a")
}

func TestExecutor_TaskTimeout(t *testing.T) {
	ex := newExecutor(t, &recordingDispatcher{}, security.DefaultMonitorConfig())

	require.NoError(t, ex.RegisterTask("slow", func(ctx context.Context, env *service.TaskEnv) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, ex.RegisterTask("steady", func(ctx context.Context, env *service.TaskEnv) (any, error) {
		select {
		case <-time.After(150 * time.Millisecond):
			return "steady result", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	slow := task("slow")
	slow.Timeout = 30 * time.Millisecond
	out := execute(t, ex, workflow(slow, task("steady")), nil)

	assert.Equal(t, models.FailedTaskStatus, out.Results["slow"].Status)
	assert.Equal(t, models.TimeoutFailure, out.Results["slow"].Reason)
	assert.Contains(t, out.Results["slow"].Error, "timed out after 30ms")

	steady := out.Results["steady"]
	assert.Equal(t, models.SucceededTaskStatus, steady.Status)
	assert.Equal(t, "steady result", steady.Output)
	assert.GreaterOrEqual(t, steady.Duration(), 100*time.Millisecond)
}

func TestExecutor_WorkflowDeadline(t *testing.T) {
	ex := newExecutor(t, &recordingDispatcher{}, security.DefaultMonitorConfig())

	require.NoError(t, ex.RegisterTask("quick", func(ctx context.Context, env *service.TaskEnv) (any, error) {
		return "quick result", nil
	}))
	require.NoError(t, ex.RegisterTask("stuck", func(ctx context.Context, env *service.TaskEnv) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, ex.RegisterTask("later", func(ctx context.Context, env *service.TaskEnv) (any, error) {
		return "never", nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out, err := ex.Execute(ctx, service.ExecutionInput{
		Workflow: workflow(task("quick"), task("stuck"), task("later", "quick")),
		CallerID: "agent-1",
	})
	require.NoError(t, err)

	assert.Equal(t, models.SucceededTaskStatus, out.Results["quick"].Status)
	assert.Equal(t, "quick result", out.Context["quick"])

	stuck := out.Results["stuck"]
	assert.Equal(t, models.FailedTaskStatus, stuck.Status)
	assert.Equal(t, models.CancelledFailure, stuck.Reason)
	assert.Contains(t, stuck.Error, "cancelled")

	later := out.Results["later"]
	assert.Equal(t, models.FailedTaskStatus, later.Status)
	assert.Equal(t, models.CancelledFailure, later.Reason)
	assert.Nil(t, later.StartedAt)
}

func TestExecutor_OptionalDependencies(t *testing.T) {
	failing := func(ctx context.Context, env *service.TaskEnv) (any, error) {
		return nil, errors.New("forwarder api down")
	}

	t.Run("runs degraded", func(t *testing.T) {
		ex := newExecutor(t, &recordingDispatcher{}, security.DefaultMonitorConfig())
		require.NoError(t, ex.RegisterTask("fwd", failing))
		var entry any
		require.NoError(t, ex.RegisterTask("summary", func(ctx context.Context, env *service.TaskEnv) (any, error) {
			entry = env.Context["fwd"]
			return "partial summary", nil
		}))

		summary := task("summary", "fwd")
		summary.OptionalDependencies = []string{"fwd"}
		out := execute(t, ex, workflow(task("fwd"), summary), nil)

		res := out.Results["summary"]
		assert.Equal(t, models.SucceededTaskStatus, res.Status)
		assert.True(t, res.Degraded)
		require.NotEmpty(t, res.Warnings)
		assert.Contains(t, res.Warnings[0], "degraded")
		assert.Equal(t, models.DegradedEntry{Absent: true, TaskID: "fwd", Status: models.FailedTaskStatus, Reason: "forwarder api down"}, entry)
	})

	t.Run("skips when configured", func(t *testing.T) {
		ex := newExecutor(t, &recordingDispatcher{}, security.DefaultMonitorConfig())
		require.NoError(t, ex.RegisterTask("fwd", failing))
		var ran atomic.Bool
		require.NoError(t, ex.RegisterTask("summary", func(ctx context.Context, env *service.TaskEnv) (any, error) {
			ran.Store(true)
			return nil, nil
		}))

		summary := task("summary", "fwd")
		summary.OptionalDependencies = []string{"fwd"}
		summary.SkipIfDegraded = true
		out := execute(t, ex, workflow(task("fwd"), summary), nil)

		assert.Equal(t, models.SkippedTaskStatus, out.Results["summary"].Status)
		assert.False(t, ran.Load())
	})
}

func TestExecutor_SetupFailures(t *testing.T) {
	tests := []struct {
		name     string
		task     models.TaskDefinition
		input    map[string]any
		contains string
	}{
		{
			name:     "unknown capability",
			task:     models.TaskDefinition{ID: "a", RequiredCapabilities: []string{"admin"}},
			contains: "unknown capability",
		},
		{
			name: "query capability not declared",
			task: models.TaskDefinition{ID: "a", RequiredCapabilities: []string{"search"},
				Queries: []models.QuerySpec{{Capability: "metadata", Query: "| metadata type=hosts"}}},
			contains: "query capability 'metadata' is not among the required capabilities",
		},
		{
			name:     "missing context",
			task:     models.TaskDefinition{ID: "a", ContextRequirements: []string{"host", "index"}},
			input:    map[string]any{"index": "main"},
			contains: "requires missing context keys: host",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDispatcher{}
			ex := newExecutor(t, d, security.DefaultMonitorConfig())
			out := execute(t, ex, workflow(tt.task, task("b", "a")), tt.input)

			res := out.Results["a"]
			assert.Equal(t, models.FailedTaskStatus, res.Status)
			assert.Equal(t, models.SetupFailure, res.Reason)
			assert.Contains(t, res.Error, tt.contains)
			assert.Nil(t, res.StartedAt)
			assert.Zero(t, res.Attempts)
			assert.Equal(t, models.BlockedTaskStatus, out.Results["b"].Status)
			assert.Empty(t, d.Queries())
		})
	}
}

func TestExecutor_QueryGate(t *testing.T) {
	t.Run("rejected query does not stop the others", func(t *testing.T) {
		d := &recordingDispatcher{}
		ex := newExecutor(t, d, security.DefaultMonitorConfig())

		idx := models.TaskDefinition{
			ID:                   "idx",
			RequiredCapabilities: []string{"search"},
			Queries: []models.QuerySpec{
				{Capability: "search", Query: "index=main | stats count"},
				{Capability: "search", Query: "index=main [ search index=_audit ] | stats count"},
				{Capability: "search", Query: "index={{.index}} | head 5"},
			},
		}
		out := execute(t, ex, workflow(idx), map[string]any{"index": "web"})

		res := out.Results["idx"]
		assert.Equal(t, models.FailedTaskStatus, res.Status)
		assert.Equal(t, models.SecurityFailure, res.Reason)
		require.Len(t, res.SecurityErrors, 1)
		assert.Contains(t, res.SecurityErrors[0], "subsearches are not permitted")
		assert.Contains(t, res.Error, "subsearches are not permitted")
		assert.Equal(t, []string{"index=main | stats count", "index=web | head 5"}, d.Queries())

		outputs := res.Output.(map[string]any)["queries"].([]service.QueryOutput)
		require.Len(t, outputs, 3)
		assert.NotNil(t, outputs[0].Result)
		assert.NotEmpty(t, outputs[1].Error)
		assert.NotNil(t, outputs[2].Result)
		assert.NotContains(t, out.Context, "idx")

		require.Len(t, out.Violations, 1)
		assert.Equal(t, models.SubsearchViolation, out.Violations[0].Type)
		assert.Equal(t, "idx", out.Violations[0].TaskID)
		require.Len(t, out.Threats, 1)
		assert.Equal(t, models.InjectionAttemptThreat, out.Threats[0].Type)
		assert.Equal(t, models.CriticalSeverity, out.Threats[0].Severity)
		assert.Equal(t, "agent-1", out.Threats[0].CallerID)
	})

	t.Run("rate limit fails the task", func(t *testing.T) {
		d := &recordingDispatcher{}
		cfg := security.DefaultMonitorConfig()
		cfg.MaxRequests = 3
		ex := newExecutor(t, d, cfg)

		var queries []models.QuerySpec
		for i := 0; i < 4; i++ {
			queries = append(queries, models.QuerySpec{Capability: "search", Query: "index=main | stats count"})
		}
		out := execute(t, ex, workflow(models.TaskDefinition{ID: "lic", RequiredCapabilities: []string{"search"}, Queries: queries}), nil)

		res := out.Results["lic"]
		assert.Equal(t, models.FailedTaskStatus, res.Status)
		assert.Equal(t, models.SecurityFailure, res.Reason)
		require.Len(t, res.SecurityErrors, 1)
		assert.Contains(t, res.SecurityErrors[0], "rate limit exceeded for caller 'agent-1'")
		assert.Len(t, d.Queries(), 3)
		require.Len(t, out.Threats, 1)
		assert.Equal(t, models.RateLimitExceededThreat, out.Threats[0].Type)
	})

	t.Run("undeclared capability", func(t *testing.T) {
		ex := newExecutor(t, &recordingDispatcher{}, security.DefaultMonitorConfig())
		require.NoError(t, ex.RegisterTask("a", func(ctx context.Context, env *service.TaskEnv) (any, error) {
			return env.Search(ctx, "metadata", "| metadata type=hosts index=main")
		}))
		out := execute(t, ex, workflow(models.TaskDefinition{ID: "a", RequiredCapabilities: []string{"search"}}), nil)
		assert.Equal(t, models.FailedTaskStatus, out.Results["a"].Status)
		assert.Contains(t, out.Results["a"].Error, "capability 'metadata' is not declared")
	})

	t.Run("security errors fail tasks that swallow them", func(t *testing.T) {
		ex := newExecutor(t, &recordingDispatcher{}, security.DefaultMonitorConfig())
		require.NoError(t, ex.RegisterTask("a", func(ctx context.Context, env *service.TaskEnv) (any, error) {
			_, err := env.Search(ctx, "search", "index=main | outputlookup stolen.csv")
			var secErr *service.SecurityError
			assert.True(t, errors.As(err, &secErr))
			return "ignored", nil
		}))
		out := execute(t, ex, workflow(models.TaskDefinition{ID: "a", RequiredCapabilities: []string{"search"}}), nil)
		res := out.Results["a"]
		assert.Equal(t, models.FailedTaskStatus, res.Status)
		assert.Equal(t, models.SecurityFailure, res.Reason)
		assert.Contains(t, res.Error, "command 'outputlookup' is denied")
	})
}

func TestExecutor_LateSearchAfterTimeout(t *testing.T) {
	d := &recordingDispatcher{}
	cfg := security.DefaultMonitorConfig()
	cfg.MaxRequests = 1
	ex := newExecutor(t, d, cfg)

	searched := make(chan error, 1)
	require.NoError(t, ex.RegisterTask("slow", func(ctx context.Context, env *service.TaskEnv) (any, error) {
		// keeps going after its timeout
		time.Sleep(80 * time.Millisecond)
		_, err := env.Search(ctx, "search", "index=main | stats count")
		searched <- err
		return nil, err
	}))
	slow := models.TaskDefinition{ID: "slow", RequiredCapabilities: []string{"search"}, Timeout: 30 * time.Millisecond}
	out := execute(t, ex, workflow(slow), nil)
	assert.Equal(t, models.FailedTaskStatus, out.Results["slow"].Status)
	assert.Equal(t, models.TimeoutFailure, out.Results["slow"].Reason)

	select {
	case err := <-searched:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("late search never returned")
	}
	assert.Empty(t, d.Queries())

	fresh := models.TaskDefinition{
		ID:                   "fresh",
		RequiredCapabilities: []string{"search"},
		Queries:              []models.QuerySpec{{Capability: "search", Query: "index=main | stats count"}},
	}
	out = execute(t, ex, workflow(fresh), nil)
	assert.Equal(t, models.SucceededTaskStatus, out.Results["fresh"].Status, out.Results["fresh"].Error)
	assert.Len(t, d.Queries(), 1)
	assert.Empty(t, out.Threats)
}

func TestExecutor_Retries(t *testing.T) {
	tests := []struct {
		name             string
		fn               func(calls *atomic.Int32) service.TaskFunc
		retries          int
		expectedStatus   models.TaskStatus
		expectedAttempts int
	}{
		{
			name: "succeeds on second attempt",
			fn: func(calls *atomic.Int32) service.TaskFunc {
				return func(ctx context.Context, env *service.TaskEnv) (any, error) {
					if calls.Add(1) == 1 {
						return nil, errors.New("connection reset")
					}
					return "ok", nil
				}
			},
			retries:          2,
			expectedStatus:   models.SucceededTaskStatus,
			expectedAttempts: 2,
		},
		{
			name: "gives up after retries",
			fn: func(calls *atomic.Int32) service.TaskFunc {
				return func(ctx context.Context, env *service.TaskEnv) (any, error) {
					calls.Add(1)
					return nil, errors.New("connection reset")
				}
			},
			retries:          2,
			expectedStatus:   models.FailedTaskStatus,
			expectedAttempts: 3,
		},
		{
			name: "security rejections are not retried",
			fn: func(calls *atomic.Int32) service.TaskFunc {
				return func(ctx context.Context, env *service.TaskEnv) (any, error) {
					calls.Add(1)
					return env.Search(ctx, "search", "index=_internal | stats count")
				}
			},
			retries:          3,
			expectedStatus:   models.FailedTaskStatus,
			expectedAttempts: 1,
		},
		{
			name: "panics are reported",
			fn: func(calls *atomic.Int32) service.TaskFunc {
				return func(ctx context.Context, env *service.TaskEnv) (any, error) {
					calls.Add(1)
					panic("nil map")
				}
			},
			expectedStatus:   models.FailedTaskStatus,
			expectedAttempts: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newExecutor(t, &recordingDispatcher{}, security.DefaultMonitorConfig(), service.WithRetryDelay(time.Millisecond))
			var calls atomic.Int32
			require.NoError(t, ex.RegisterTask("a", tt.fn(&calls)))

			def := models.TaskDefinition{ID: "a", RequiredCapabilities: []string{"search"}, Retries: tt.retries}
			out := execute(t, ex, workflow(def), nil)

			res := out.Results["a"]
			assert.Equal(t, tt.expectedStatus, res.Status)
			assert.Equal(t, tt.expectedAttempts, res.Attempts)
			assert.Equal(t, int32(tt.expectedAttempts), calls.Load())
		})
	}
}

func TestExecutor_MaxInFlight(t *testing.T) {
	ex := newExecutor(t, &recordingDispatcher{}, security.DefaultMonitorConfig(), service.WithMaxInFlight(2))

	var running, peak atomic.Int32
	fn := func(ctx context.Context, env *service.TaskEnv) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return env.Task.ID, nil
	}
	var tasks []models.TaskDefinition
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, ex.RegisterTask(id, fn))
		tasks = append(tasks, task(id))
	}

	out := execute(t, ex, workflow(tasks...), nil)
	for _, tk := range tasks {
		assert.Equal(t, models.SucceededTaskStatus, out.Results[tk.ID].Status)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecutor_DefaultRunnerWithoutQueries(t *testing.T) {
	ex := newExecutor(t, &recordingDispatcher{}, security.DefaultMonitorConfig())
	def := models.TaskDefinition{ID: "notes", Instructions: "summarize the findings"}
	out := execute(t, ex, workflow(def), nil)

	res := out.Results["notes"]
	assert.Equal(t, models.SucceededTaskStatus, res.Status)
	assert.Equal(t, "summarize the findings", res.Output.(map[string]any)["instructions"])
}

func TestRenderQuery(t *testing.T) {
	q, err := service.RenderQuery("index={{.index}} host={{.host}} | stats count", map[string]any{"index": "main", "host": "web01"})
	require.NoError(t, err)
	assert.Equal(t, "index=main host=web01 | stats count", q)

	_, err = service.RenderQuery("index={{.missing}}", map[string]any{})
	assert.Error(t, err)

	q, err = service.RenderQuery("index=main [ search x ]", nil)
	require.NoError(t, err)
	assert.Equal(t, "index=main [ search x ]", q)
}
