package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mcp_gateway/backend/go/internal/models"
	"mcp_gateway/backend/go/internal/task_gateway/fallback"
	"mcp_gateway/backend/go/internal/task_gateway/progress"
	"mcp_gateway/backend/go/pkg/mcp_host"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type delegatorFunc func(ctx context.Context, req models.WorkRequest, timeout time.Duration) (any, error)

type countingDelegator struct {
	calls atomic.Int32
	fn    delegatorFunc
}

func (d *countingDelegator) Invoke(ctx context.Context, req models.WorkRequest, timeout time.Duration) (any, error) {
	d.calls.Add(1)
	return d.fn(ctx, req, timeout)
}

func delegating(fn delegatorFunc) *countingDelegator {
	return &countingDelegator{fn: fn}
}

type eventLog struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (l *eventLog) Publish(_ context.Context, ev models.ProgressEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) all() []models.ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.ProgressEvent(nil), l.events...)
}

func (l *eventLog) statuses() []string {
	var out []string
	for _, ev := range l.all() {
		out = append(out, ev.Status)
	}
	return out
}

type memRecorder struct {
	mu      sync.Mutex
	records []models.TaskRecord
}

func (r *memRecorder) Record(_ context.Context, rec models.TaskRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

type harness struct {
	orch     *Orchestrator
	events   *eventLog
	recorder *memRecorder
	emitter  *progress.Emitter
	local    *fallback.Executor
}

func newHarness(t *testing.T, opts Options, d Delegator) *harness {
	t.Helper()
	h := &harness{events: &eventLog{}, recorder: &memRecorder{}}
	h.emitter = progress.NewEmitter(nil, h.events)
	h.local = fallback.NewExecutor(fallback.PolicySimulate, nil)
	h.local.Register(fallback.TodoWriteOperation, fallback.TodoWriteHandler(fallback.NewTodoStore()))

	orch, err := New(opts, Dependencies{
		Delegator: d,
		Fallback:  h.local,
		Emitter:   h.emitter,
		Recorder:  h.recorder,
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func enabled(timeout time.Duration) Options {
	return Options{DelegationEnabled: true, DelegationTimeout: timeout, DefaultFraction: 0.1}
}

func taskRequest(prompt string) models.WorkRequest {
	return models.NewWorkRequest("Task", models.NewParams(map[string]any{"prompt": prompt}), "hint-1", 0)
}

func upstreamText(text string) any {
	return map[string]any{"content": []any{map[string]any{"type": "text", "text": text}}}
}

func assertSequential(t *testing.T, events []models.ProgressEvent) {
	t.Helper()
	for i, ev := range events {
		assert.Equal(t, i, ev.Sequence)
	}
}

func TestExecute_Delegated(t *testing.T) {
	d := delegating(func(ctx context.Context, req models.WorkRequest, _ time.Duration) (any, error) {
		return upstreamText("did " + req.Params().GetString("prompt", "")), nil
	})
	h := newHarness(t, enabled(time.Second), d)

	env := h.orch.Execute(context.Background(), taskRequest("the thing"))

	assert.Equal(t, models.Envelope{Content: []models.ContentItem{models.TextItem("did the thing")}}, env)
	assert.Equal(t, []string{"delegating to upstream", "completed"}, h.events.statuses())
	events := h.events.all()
	assertSequential(t, events)
	assert.Equal(t, "hint-1", events[0].CorrelationHint)
	assert.InDelta(t, 0.1, *events[0].Fraction, 1e-9)
	assert.InDelta(t, 1.0, *events[1].Fraction, 1e-9)
	assert.Equal(t, models.StatusFinished, events[1].Stage)
	assert.Equal(t, int32(1), d.calls.Load())

	require.Len(t, h.recorder.records, 1)
	rec := h.recorder.records[0]
	assert.Equal(t, models.PathDelegated, rec.Path)
	assert.Equal(t, models.TaskStatusSuccess, rec.Status)
	assert.Equal(t, events[0].Token, rec.Token)
	assert.False(t, h.emitter.Active(rec.Token), "token must be retired when Execute returns")
}

func TestExecute_LateDelegationIsDiscarded(t *testing.T) {
	workerStopped := make(chan struct{})
	d := delegating(func(ctx context.Context, _ models.WorkRequest, _ time.Duration) (any, error) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
			close(workerStopped)
		}
		return upstreamText("LATE DELEGATION RESULT"), nil
	})
	h := newHarness(t, enabled(20*time.Millisecond), d)

	start := time.Now()
	env := h.orch.Execute(context.Background(), taskRequest("slow work"))
	elapsed := time.Since(start)

	assert.False(t, env.IsError)
	assert.Contains(t, env.Text(), "[SIMULATION]")
	assert.NotContains(t, env.Text(), "LATE DELEGATION RESULT")
	assert.Less(t, elapsed, 250*time.Millisecond, "Execute must not wait for the late worker")
	assert.Equal(t, []string{
		"delegating to upstream",
		"falling back to local execution: timeout",
		"completed",
	}, h.events.statuses())
	assertSequential(t, h.events.all())

	select {
	case <-workerStopped:
	case <-time.After(time.Second):
		t.Fatal("late worker was not signalled to stop")
	}
	// nothing arrives after the envelope
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.events.all(), 3)
}

func TestExecute_InvalidRequestShortCircuits(t *testing.T) {
	cases := []struct {
		name string
		req  models.WorkRequest
	}{
		{"empty operation", models.NewWorkRequest("", models.Params{}, "", 0)},
		{"blank operation", models.NewWorkRequest("   ", models.Params{}, "", 0)},
		{"empty parameter name", models.NewWorkRequest("Task", models.NewParams(map[string]any{"": 1}), "", 0)},
		{"unencodable parameter", models.NewWorkRequest("Task", models.NewParams(map[string]any{"f": func() {}}), "", 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := delegating(func(context.Context, models.WorkRequest, time.Duration) (any, error) {
				return "should not run", nil
			})
			h := newHarness(t, enabled(time.Second), d)

			env := h.orch.Execute(context.Background(), tc.req)

			assert.True(t, env.IsError)
			require.Len(t, env.Content, 1)
			assert.Contains(t, env.Text(), "invalid request")
			assert.Empty(t, h.events.all())
			assert.Equal(t, int32(0), d.calls.Load())
			require.Len(t, h.recorder.records, 1)
			assert.Equal(t, models.PathRejected, h.recorder.records[0].Path)
		})
	}
}

func TestExecute_SchemaValidation(t *testing.T) {
	opts := enabled(time.Second)
	opts.Schemas = map[string][]byte{
		"Task": []byte(`{"type":"object","required":["prompt"],"properties":{"prompt":{"type":"string","minLength":1},"timeout":{"type":"integer"}}}`),
	}
	d := delegating(func(context.Context, models.WorkRequest, time.Duration) (any, error) { return "ok", nil })
	h := newHarness(t, opts, d)

	env := h.orch.Execute(context.Background(), models.NewWorkRequest("Task", models.NewParams(map[string]any{"timeout": 5}), "", 0))
	assert.True(t, env.IsError)
	assert.Contains(t, env.Text(), "Task schema")
	assert.Equal(t, int32(0), d.calls.Load())

	env = h.orch.Execute(context.Background(), taskRequest("fine"))
	assert.False(t, env.IsError)
	assert.Equal(t, "ok", env.Text())

	_, err := New(Options{Schemas: map[string][]byte{"Bad": []byte(`{not json`)}}, Dependencies{})
	assert.Error(t, err)
}

func TestExecute_DelegationDisabled(t *testing.T) {
	d := delegating(func(context.Context, models.WorkRequest, time.Duration) (any, error) { return "nope", nil })
	h := newHarness(t, Options{DelegationEnabled: false}, d)

	env := h.orch.Execute(context.Background(), taskRequest("x"))

	assert.False(t, env.IsError)
	assert.Contains(t, env.Text(), "delegation disabled")
	assert.Equal(t, int32(0), d.calls.Load())
	assert.Equal(t, []string{
		"delegating to upstream",
		"falling back to local execution: disabled",
		"completed",
	}, h.events.statuses())
	assert.Equal(t, models.PathFallback, h.recorder.records[0].Path)
}

func TestExecute_NilDelegatorBehavesDisabled(t *testing.T) {
	h := newHarness(t, enabled(time.Second), nil)
	env := h.orch.Execute(context.Background(), taskRequest("x"))
	assert.Contains(t, env.Text(), "[SIMULATION]")
}

func TestExecute_OperationNotInAllowList(t *testing.T) {
	opts := enabled(time.Second)
	opts.Operations = []string{"Task", "Task.*"}
	d := delegating(func(context.Context, models.WorkRequest, time.Duration) (any, error) { return "delegated", nil })
	h := newHarness(t, opts, d)

	todos := models.NewParams(map[string]any{"todos": []any{
		map[string]any{"id": "1", "content": "write tests", "status": "pending"},
	}})
	env := h.orch.Execute(context.Background(), models.NewWorkRequest(fallback.TodoWriteOperation, todos, "", 0))
	assert.False(t, env.IsError)
	assert.Contains(t, env.Text(), "1 total tasks")
	assert.Equal(t, int32(0), d.calls.Load())

	env = h.orch.Execute(context.Background(), models.NewWorkRequest("Task.review", models.Params{}, "", 0))
	assert.Equal(t, "delegated", env.Text())
	assert.Equal(t, int32(1), d.calls.Load())
}

func TestExecute_DelegationErrorsFallBack(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		cause string
	}{
		{"unavailable", &mcp_host.DelegationError{Cause: mcp_host.CauseUnavailable, Err: errors.New("refused")}, "unavailable"},
		{"protocol", &mcp_host.DelegationError{Cause: mcp_host.CauseProtocol, Err: errors.New("garbage")}, "protocol"},
		{"timeout", &mcp_host.DelegationError{Cause: mcp_host.CauseTimeout}, "timeout"},
		{"plain error", errors.New("socket closed"), "unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := delegating(func(context.Context, models.WorkRequest, time.Duration) (any, error) { return nil, tc.err })
			h := newHarness(t, enabled(time.Second), d)

			env := h.orch.Execute(context.Background(), taskRequest("x"))

			assert.False(t, env.IsError)
			assert.Contains(t, env.Text(), "[SIMULATION]")
			assert.Contains(t, h.events.statuses(), "falling back to local execution: "+tc.cause)
		})
	}
}

func TestExecute_UpstreamApplicationErrorIsNotFallback(t *testing.T) {
	d := delegating(func(context.Context, models.WorkRequest, time.Duration) (any, error) {
		return map[string]any{"isError": true, "content": []any{map[string]any{"text": 42}}}, nil
	})
	h := newHarness(t, enabled(time.Second), d)

	env := h.orch.Execute(context.Background(), taskRequest("x"))

	assert.Equal(t, models.Envelope{IsError: true, Content: []models.ContentItem{models.TextItem("")}}, env)
	assert.Equal(t, []string{"delegating to upstream", "failed"}, h.events.statuses())
	assert.Equal(t, models.StatusError, h.events.all()[1].Stage)
	assert.Equal(t, models.PathDelegated, h.recorder.records[0].Path)
	assert.Equal(t, models.TaskStatusFailed, h.recorder.records[0].Status)
}

func TestExecute_NoResultFromUpstream(t *testing.T) {
	d := delegating(func(context.Context, models.WorkRequest, time.Duration) (any, error) { return nil, nil })
	h := newHarness(t, enabled(time.Second), d)

	env := h.orch.Execute(context.Background(), taskRequest("x"))
	assert.True(t, env.IsError)
	assert.NotEmpty(t, env.Text())
}

func TestExecute_CancellationStopsWorkerAndSuppressesEvents(t *testing.T) {
	started := make(chan struct{})
	workerStopped := make(chan struct{})
	d := delegating(func(ctx context.Context, _ models.WorkRequest, _ time.Duration) (any, error) {
		close(started)
		<-ctx.Done()
		close(workerStopped)
		return nil, ctx.Err()
	})
	h := newHarness(t, enabled(time.Minute), d)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	env := h.orch.Execute(ctx, taskRequest("x"))

	assert.Equal(t, models.ErrorEnvelope(CancelledDiagnostic), env)
	assert.Equal(t, []string{"delegating to upstream"}, h.events.statuses())
	select {
	case <-workerStopped:
	case <-time.After(time.Second):
		t.Fatal("worker was not signalled to stop")
	}
	assert.Equal(t, models.PathCancelled, h.recorder.records[0].Path)
}

func TestExecute_FallbackFailureBecomesErrorEnvelope(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.local.Register("Explode", func(context.Context, models.WorkRequest) (any, error) {
		panic("local tool crashed")
	})

	env := h.orch.Execute(context.Background(), models.NewWorkRequest("Explode", models.Params{}, "", 0))

	assert.True(t, env.IsError)
	assert.Contains(t, env.Text(), "local tool crashed")
	statuses := h.events.statuses()
	assert.Equal(t, "failed", statuses[len(statuses)-1])
}

func TestExecute_DelegatorPanicIsRecovered(t *testing.T) {
	d := delegating(func(context.Context, models.WorkRequest, time.Duration) (any, error) {
		panic("upstream client bug")
	})
	h := newHarness(t, enabled(time.Second), d)

	var env models.Envelope
	require.NotPanics(t, func() { env = h.orch.Execute(context.Background(), taskRequest("x")) })
	assert.Contains(t, env.Text(), "[SIMULATION]")
	assert.Contains(t, env.Text(), "upstream client bug")
}

func TestExecute_PerRequestTimeout(t *testing.T) {
	var got time.Duration
	d := delegating(func(_ context.Context, _ models.WorkRequest, timeout time.Duration) (any, error) {
		got = timeout
		return "ok", nil
	})
	h := newHarness(t, enabled(time.Minute), d)

	h.orch.Execute(context.Background(), models.NewWorkRequest("Task", models.Params{}, "", 3*time.Second))
	assert.Equal(t, 3*time.Second, got)

	h.orch.Execute(context.Background(), models.NewWorkRequest("Task", models.Params{}, "", 0))
	assert.Equal(t, time.Minute, got)

	h = newHarness(t, Options{DelegationEnabled: true}, d)
	h.orch.Execute(context.Background(), models.NewWorkRequest("Task", models.Params{}, "", 0))
	assert.Equal(t, DefaultDelegationTimeout, got)
}

type denyAll struct{}

func (denyAll) Allow() bool { return false }

func TestExecute_RateLimitedFallsBack(t *testing.T) {
	d := delegating(func(context.Context, models.WorkRequest, time.Duration) (any, error) { return "ok", nil })
	orch, err := New(enabled(time.Second), Dependencies{Delegator: d, Limiter: denyAll{}})
	require.NoError(t, err)

	env := orch.Execute(context.Background(), taskRequest("x"))
	assert.Contains(t, env.Text(), "rate limit")
	assert.Equal(t, int32(0), d.calls.Load())
}

func TestExecute_ConcurrentRunsAreIndependent(t *testing.T) {
	d := delegating(func(_ context.Context, req models.WorkRequest, _ time.Duration) (any, error) {
		if req.Params().GetString("prompt", "") == "slow" {
			time.Sleep(300 * time.Millisecond)
		}
		return upstreamText(req.Params().GetString("prompt", "")), nil
	})
	h := newHarness(t, enabled(40*time.Millisecond), d)

	var wg sync.WaitGroup
	envs := make([]models.Envelope, 20)
	for i := range envs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prompt := "fast"
			if i%2 == 0 {
				prompt = "slow"
			}
			envs[i] = h.orch.Execute(context.Background(), taskRequest(prompt))
		}(i)
	}
	wg.Wait()

	for i, env := range envs {
		if i%2 == 0 {
			assert.Contains(t, env.Text(), "[SIMULATION]")
		} else {
			assert.Equal(t, "fast", env.Text())
		}
	}

	next := map[models.ProgressToken]int{}
	for _, ev := range h.events.all() {
		require.Equal(t, next[ev.Token], ev.Sequence)
		next[ev.Token]++
	}
	assert.Len(t, next, len(envs))
	assert.Len(t, h.recorder.records, len(envs))
}

func TestExecute_TimeoutCancelsWorkerWithCause(t *testing.T) {
	causes := make(chan error, 1)
	d := delegating(func(ctx context.Context, _ models.WorkRequest, _ time.Duration) (any, error) {
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return nil, ctx.Err()
	})
	h := newHarness(t, enabled(20*time.Millisecond), d)

	env := h.orch.Execute(context.Background(), taskRequest("x"))
	assert.Contains(t, env.Text(), "[SIMULATION]")

	select {
	case cause := <-causes:
		assert.Equal(t, mcp_host.CauseTimeout, mcp_host.CauseOf(cause))
		assert.False(t, errors.Is(cause, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("worker was not cancelled")
	}
}

type blockingRecorder struct {
	seen chan error
}

func (r blockingRecorder) Record(ctx context.Context, _ models.TaskRecord) error {
	<-ctx.Done()
	r.seen <- ctx.Err()
	return ctx.Err()
}

func TestExecute_SlowRecorderIsBounded(t *testing.T) {
	rec := blockingRecorder{seen: make(chan error, 1)}
	orch, err := New(Options{RecordTimeout: 30 * time.Millisecond}, Dependencies{Recorder: rec})
	require.NoError(t, err)

	start := time.Now()
	env := orch.Execute(context.Background(), taskRequest("x"))
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, env.Text(), "[SIMULATION]")
	assert.ErrorIs(t, <-rec.seen, context.DeadlineExceeded)
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) string {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestExecute_RecordsSpans(t *testing.T) {
	cases := []struct {
		name       string
		result     func() (any, error)
		wantPath   models.ExecutionPath
		wantStatus codes.Code
	}{
		{"delegated", func() (any, error) { return upstreamText("ok"), nil }, models.PathDelegated, codes.Unset},
		{"fallback", func() (any, error) { return nil, &mcp_host.DelegationError{Cause: mcp_host.CauseUnavailable} }, models.PathFallback, codes.Error},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sr := tracetest.NewSpanRecorder()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
			d := delegating(func(context.Context, models.WorkRequest, time.Duration) (any, error) {
				return tc.result()
			})
			orch, err := New(enabled(time.Second), Dependencies{Delegator: d, Tracer: tp.Tracer(TracerName)})
			require.NoError(t, err)

			orch.Execute(context.Background(), taskRequest("traced"))

			spans := sr.Ended()
			require.Len(t, spans, 2)
			delegate, execute := spans[0], spans[1]
			assert.Equal(t, "orchestrator.delegate", delegate.Name())
			assert.Equal(t, "orchestrator.execute", execute.Name())
			assert.Equal(t, execute.SpanContext().SpanID(), delegate.Parent().SpanID())
			assert.Equal(t, tc.wantStatus, delegate.Status().Code)
			assert.Equal(t, "1000", spanAttr(delegate, "gateway.timeout_ms"))

			assert.Equal(t, string(tc.wantPath), spanAttr(execute, "gateway.path"))
			assert.Equal(t, "Task", spanAttr(execute, "gateway.operation"))
			assert.NotEmpty(t, spanAttr(execute, "gateway.task_id"))
		})
	}
}

func TestExecute_RejectedRunHasNoDelegateSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	orch, err := New(enabled(time.Second), Dependencies{Tracer: tp.Tracer(TracerName)})
	require.NoError(t, err)

	orch.Execute(context.Background(), models.NewWorkRequest("", models.Params{}, "", 0))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "orchestrator.execute", spans[0].Name())
	assert.Equal(t, string(models.PathRejected), spanAttr(spans[0], "gateway.path"))
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
