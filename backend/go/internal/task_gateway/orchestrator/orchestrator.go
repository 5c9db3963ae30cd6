// Package orchestrator runs one WorkRequest through the gateway state
// machine:
//
//	INIT -> DELEGATING -> NORMALIZING -> DONE
//	INIT -> DELEGATING -> FALLING_BACK -> NORMALIZING -> DONE
//	INIT -> DONE (invalid request)
//
// Every run ends in exactly one models.Envelope.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mcp_gateway/backend/go/internal/models"
	"mcp_gateway/backend/go/internal/task_gateway/fallback"
	"mcp_gateway/backend/go/internal/task_gateway/normalizer"
	"mcp_gateway/backend/go/internal/task_gateway/progress"
	"mcp_gateway/backend/go/pkg/logger"
	"mcp_gateway/backend/go/pkg/mcp_host"
	"mcp_gateway/backend/go/pkg/ratelimiter"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName names the spans of this package on the global provider.
const TracerName = "mcp_gateway/task_gateway"

// DefaultDelegationTimeout bounds delegation when neither the request nor
// the options set a timeout.
const DefaultDelegationTimeout = 10 * time.Minute

// Progress fractions reported at the fixed checkpoints.
const (
	fallbackFraction = 0.9
	doneFraction     = 1.0
)

// DefaultRecordTimeout bounds a Recorder call when Options.RecordTimeout is
// unset.
const DefaultRecordTimeout = 2 * time.Second

// CancelledDiagnostic is the envelope text of a run whose caller went away.
const CancelledDiagnostic = "request cancelled"

// Delegator performs the upstream call. mcp_host.DelegationClient is the
// production implementation.
type Delegator interface {
	Invoke(ctx context.Context, req models.WorkRequest, timeout time.Duration) (any, error)
}

// LocalExecutor produces results without the upstream.
type LocalExecutor interface {
	RunLocally(ctx context.Context, req models.WorkRequest, reason string) (any, error)
}

// ProgressEmitter is the token registry events go through.
type ProgressEmitter interface {
	Mint(hint string) models.ProgressToken
	Emit(ctx context.Context, token models.ProgressToken, seq int, stage models.TaskLogStatus, status string, fraction *float64)
	Suppress(token models.ProgressToken)
	Retire(token models.ProgressToken)
}

// Recorder stores the audit record of every finished run.
type Recorder interface {
	Record(ctx context.Context, rec models.TaskRecord) error
}

// Options is the immutable per-orchestrator configuration.
type Options struct {
	// DelegationTimeout bounds DELEGATING unless the request sets its own.
	DelegationTimeout time.Duration
	// DelegationEnabled false sends every request straight to fallback.
	DelegationEnabled bool
	// DefaultFraction is reported with the DELEGATING checkpoint.
	DefaultFraction float64
	// Operations is a glob allow-list of delegable operation names.
	// Empty allows every operation.
	Operations []string
	// Schemas maps an operation to the JSON schema its parameters must match.
	Schemas map[string][]byte
	// RecordTimeout bounds the audit write that precedes the reply.
	RecordTimeout time.Duration
}

// Dependencies are the collaborators of an Orchestrator. Only Delegator may
// be nil, which behaves like disabled delegation.
type Dependencies struct {
	Delegator Delegator
	Fallback  LocalExecutor
	Emitter   ProgressEmitter
	Limiter   ratelimiter.RateLimiter
	Recorder  Recorder
	Logger    *logger.Logger
	Tracer    trace.Tracer
}

// Orchestrator executes WorkRequests. It holds no per-request state and is
// safe for concurrent use.
type Orchestrator struct {
	opts      Options
	allowList []glob.Glob
	schemas   map[string]*jsonschema.Schema

	delegator Delegator
	fallback  LocalExecutor
	emitter   ProgressEmitter
	limiter   ratelimiter.RateLimiter
	recorder  Recorder
	logger    *logger.Logger
	tracer    trace.Tracer
	now       func() time.Time

	recordTimeout time.Duration
}

// New creates an Orchestrator.
func New(opts Options, deps Dependencies) (*Orchestrator, error) {
	if opts.DefaultFraction < 0 {
		opts.DefaultFraction = 0
	}
	if opts.DefaultFraction > 1 {
		opts.DefaultFraction = 1
	}

	o := &Orchestrator{
		opts:      opts,
		delegator: deps.Delegator,
		fallback:  deps.Fallback,
		emitter:   deps.Emitter,
		limiter:   deps.Limiter,
		recorder:  deps.Recorder,
		logger:    deps.Logger,
		tracer:    deps.Tracer,
		now:       time.Now,

		recordTimeout: opts.RecordTimeout,
	}
	if o.recordTimeout <= 0 {
		o.recordTimeout = DefaultRecordTimeout
	}
	if o.logger == nil {
		o.logger = logger.Nop()
	}
	if o.fallback == nil {
		o.fallback = fallback.NewExecutor(fallback.PolicySimulate, o.logger)
	}
	if o.emitter == nil {
		o.emitter = progress.NewEmitter(o.logger)
	}
	if o.limiter == nil {
		o.limiter = ratelimiter.Unlimited{}
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(TracerName)
	}

	for _, pattern := range opts.Operations {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid operation pattern '%s': %w", pattern, err)
		}
		o.allowList = append(o.allowList, g)
	}

	schemas, err := compileSchemas(opts.Schemas)
	if err != nil {
		return nil, err
	}
	o.schemas = schemas
	return o, nil
}

// Execute runs req to completion and returns its envelope.
func (o *Orchestrator) Execute(ctx context.Context, req models.WorkRequest) models.Envelope {
	return o.Run(ctx, req).Envelope
}

// Run is Execute returning the full audit record.
func (o *Orchestrator) Run(ctx context.Context, req models.WorkRequest) (rec models.TaskRecord) {
	rec = models.TaskRecord{
		ID:          uuid.NewString(),
		Operation:   req.Operation(),
		Path:        models.PathRejected,
		SubmittedAt: o.now(),
	}
	log := o.logger.WithTrace(rec.ID).WithField("operation", req.Operation())

	ctx, span := o.tracer.Start(ctx, "orchestrator.execute",
		trace.WithAttributes(
			attribute.String("gateway.task_id", rec.ID),
			attribute.String("gateway.operation", req.Operation()),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.WithError(models.ErrorInfo{Message: fmt.Sprint(r), Type: "panic"}).Error("orchestration panicked")
			rec.Envelope = models.ErrorEnvelope(fmt.Sprintf("internal gateway error: %v", r))
		}
		rec.Status = models.TaskStatusSuccess
		if rec.Envelope.IsError {
			rec.Status = models.TaskStatusFailed
			span.SetStatus(codes.Error, rec.Envelope.Text())
		}
		rec.CompletedAt = o.now()
		span.SetAttributes(attribute.String("gateway.path", string(rec.Path)))
		o.record(ctx, rec, log)
	}()

	// INIT
	if err := o.validate(req); err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error(), Type: "validation"}).Warn("rejected work request")
		rec.Envelope = models.ErrorEnvelope(err.Error())
		return rec
	}

	rec.Token = o.emitter.Mint(req.CorrelationHint())
	defer o.emitter.Retire(rec.Token)
	r := &run{o: o, ctx: ctx, token: rec.Token}
	log = log.WithField("token", rec.Token)

	// DELEGATING
	log.Debug("state DELEGATING")
	r.emit(models.StatusDelegating, "delegating to upstream", o.opts.DefaultFraction)
	raw, cause, err := o.delegate(ctx, req)

	switch {
	case ctx.Err() != nil:
		o.emitter.Suppress(rec.Token)
		log.Info("caller cancelled request")
		rec.Path = models.PathCancelled
		rec.Envelope = models.ErrorEnvelope(CancelledDiagnostic)
		return rec
	case err == nil:
		rec.Path = models.PathDelegated
	default:
		// FALLING_BACK
		log.WithPayload(map[string]interface{}{"cause": cause, "detail": err.Error()}).Warn("state FALLING_BACK")
		r.emit(models.StatusFallingBack, "falling back to local execution: "+cause, fallbackFraction)
		raw, err = o.fallback.RunLocally(ctx, req, err.Error())
		if err != nil {
			raw = fallback.ErrorResult(err.Error())
		}
		rec.Path = models.PathFallback
	}

	// NORMALIZING
	log.WithField("shape", normalizer.Classify(raw)).Debug("state NORMALIZING")
	rec.Envelope = normalizer.Normalize(raw)

	if rec.Envelope.IsError {
		r.emit(models.StatusError, "failed", doneFraction)
	} else {
		r.emit(models.StatusFinished, "completed", doneFraction)
	}
	log.Debug("state DONE")
	return rec
}

// run carries the per-request sequence counter.
type run struct {
	o     *Orchestrator
	ctx   context.Context
	token models.ProgressToken
	seq   int
}

func (r *run) emit(stage models.TaskLogStatus, status string, fraction float64) {
	r.o.emitter.Emit(r.ctx, r.token, r.seq, stage, status, &fraction)
	r.seq++
}

var (
	errDisabled   = errors.New("delegation disabled")
	errRateLimit  = errors.New("delegation rate limit exceeded")
	errNotAllowed = errors.New("operation is not delegated")
)

type outcome struct {
	raw any
	err error
}

// delegate runs the upstream call on a worker and races it against the
// timeout and the caller. The first of the three decides; a late worker is
// cancelled and its result dropped into a buffered channel nobody reads.
// On timeout the worker's context is cancelled with the timeout error as
// its cause.
// cause is the failure tag shown in progress, empty on success.
func (o *Orchestrator) delegate(ctx context.Context, req models.WorkRequest) (raw any, cause string, err error) {
	switch {
	case !o.opts.DelegationEnabled || o.delegator == nil:
		return nil, "disabled", errDisabled
	case !o.allowed(req.Operation()):
		return nil, "disabled", fmt.Errorf("%w: '%s'", errNotAllowed, req.Operation())
	case !o.limiter.Allow():
		return nil, string(mcp_host.CauseUnavailable), errRateLimit
	}

	timeout := req.Timeout()
	if timeout <= 0 {
		timeout = o.opts.DelegationTimeout
	}
	if timeout <= 0 {
		timeout = DefaultDelegationTimeout
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.delegate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int64("gateway.timeout_ms", timeout.Milliseconds())))
	defer span.End()

	workerCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	results := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- outcome{err: fmt.Errorf("delegation panicked: %v", r)}
			}
		}()
		out, err := o.delegator.Invoke(workerCtx, req, timeout)
		results <- outcome{raw: out, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-results:
		if out.err != nil {
			span.RecordError(out.err)
			span.SetStatus(codes.Error, "delegation failed")
			return nil, causeOf(out.err), out.err
		}
		return out.raw, "", nil
	case <-timer.C:
		err := &mcp_host.DelegationError{Cause: mcp_host.CauseTimeout, Err: fmt.Errorf("no result within %s", timeout)}
		cancel(err)
		span.SetStatus(codes.Error, "delegation timed out")
		return nil, string(mcp_host.CauseTimeout), err
	case <-ctx.Done():
		return nil, "cancelled", ctx.Err()
	}
}

func causeOf(err error) string {
	if c := mcp_host.CauseOf(err); c != "" {
		return string(c)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return string(mcp_host.CauseTimeout)
	}
	return string(mcp_host.CauseUnavailable)
}

func (o *Orchestrator) allowed(operation string) bool {
	if len(o.allowList) == 0 {
		return true
	}
	for _, g := range o.allowList {
		if g.Match(operation) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) record(ctx context.Context, rec models.TaskRecord, log *logger.Logger) {
	if o.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.recordTimeout)
	defer cancel()
	if err := o.recorder.Record(ctx, rec); err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error(), Type: "recorder"}).Warn("failed to record task")
	}
}
