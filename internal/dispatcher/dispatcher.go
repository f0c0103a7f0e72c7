// Package dispatcher is the single entry point that turns a process name and
// raw arguments into a validated, variant-selected invocation.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"process-dispatcher/backend/internal/invoker"
	"process-dispatcher/backend/internal/logging"
	"process-dispatcher/backend/internal/manifest"
	"process-dispatcher/backend/internal/schema"
	"process-dispatcher/backend/internal/strategy"
	"process-dispatcher/backend/internal/telemetry"
	"process-dispatcher/backend/pkg/models"
)

// DefaultTimeout bounds an invocation when neither the request nor the
// options name one.
const DefaultTimeout = 30 * time.Second

// ManifestLoader is the read side of the manifest store.
type ManifestLoader interface {
	Load(ctx context.Context, name string) (*manifest.Snapshot, error)
}

// OutcomeRecorder stores one row per invoked dispatch.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, outcome models.DispatchOutcome) error
}

// Options configures a Dispatcher. Zero values get defaults.
type Options struct {
	DefaultTimeout time.Duration
	Recorder       OutcomeRecorder
	Metrics        *telemetry.Metrics
	Tracer         trace.Tracer
	Logger         *logging.Logger
	Validator      *schema.Validator
}

// Dispatcher coordinates the store, the schema validator, the selector and
// the invoker. It is safe for concurrent use and never retries.
type Dispatcher struct {
	store     ManifestLoader
	selector  *strategy.Selector
	invoker   invoker.Invoker
	validator *schema.Validator
	recorder  OutcomeRecorder
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	logger    *logging.Logger
	timeout   time.Duration
	now       func() time.Time
}

// New creates a Dispatcher.
func New(store ManifestLoader, selector *strategy.Selector, inv invoker.Invoker, opts Options) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		selector:  selector,
		invoker:   inv,
		validator: opts.Validator,
		recorder:  opts.Recorder,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		logger:    opts.Logger,
		timeout:   opts.DefaultTimeout,
		now:       time.Now,
	}
	if d.validator == nil {
		d.validator = schema.New()
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(telemetry.InstrumentationName)
	}
	if d.logger == nil {
		d.logger = logging.Discard()
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	return d
}

// ResolveTraceID returns id unchanged when it is a well-formed UUID and a
// fresh random UUID otherwise.
func ResolveTraceID(id string) string {
	id = strings.TrimSpace(id)
	if id != "" {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	return uuid.NewString()
}

// Dispatch runs one call through RECEIVED, MANIFEST_LOADED, VALIDATED,
// VARIANT_SELECTED, INVOKED and COMPLETED, or stops at FAILED with a
// step-specific error kind. Every exit path, panics included, yields a
// DispatchResult.
func (d *Dispatcher) Dispatch(ctx context.Context, req models.DispatchRequest) (result models.DispatchResult) {
	start := d.now()
	traceID := ResolveTraceID(req.TraceID)
	result = models.DispatchResult{TraceID: traceID, Stage: models.StageReceived}
	stage := models.StageReceived

	ctx, span := d.tracer.Start(ctx, "dispatch "+req.ProcessName, trace.WithAttributes(
		attribute.String("process.name", req.ProcessName),
		attribute.String("dispatch.trace_id", traceID),
	))
	log := d.logger.With("trace_id", traceID, "process", req.ProcessName)

	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panicked", "stage", stage, "panic", r, "stack", string(debug.Stack()))
			fail(&result, models.KindInternal, fmt.Sprintf("internal error during %s", stage), nil)
		}
		d.finish(ctx, span, log, &result, req.ProcessName, stage, start)
	}()

	// MANIFEST_LOADED
	snap, err := d.store.Load(ctx, req.ProcessName)
	if err != nil {
		failLoad(&result, req.ProcessName, err)
		return result
	}
	stage = models.StageManifestLoaded
	result.Stage = stage
	result.ManifestVersion = snap.Version()
	span.SetAttributes(attribute.Int("manifest.version", snap.Version()))

	// VALIDATED
	args, err := d.validator.Validate(snap.Manifest.InputSchema, req.Arguments)
	if err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			fail(&result, models.KindValidation, verr.Error(), verr.Fields)
		} else {
			fail(&result, models.KindValidation, err.Error(), nil)
		}
		return result
	}
	stage = models.StageValidated
	result.Stage = stage

	// VARIANT_SELECTED
	variantID, err := d.selector.Select(snap.Manifest.Strategy, snap.Manifest.Variants, strategy.SelectionContext{
		ProcessName: req.ProcessName,
		Arguments:   args,
		Context:     req.Context,
	})
	if err != nil {
		failSelect(&result, err)
		return result
	}
	variant, _ := snap.Manifest.Variant(variantID)
	stage = models.StageVariantSelected
	result.Stage = stage
	result.SelectedVariantID = &variantID
	span.SetAttributes(attribute.String("variant.id", variantID))

	// INVOKED
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	invokeStart := d.now()
	payload, err := d.invoke(ctx, timeout, invoker.Invocation{
		ProcessName: req.ProcessName,
		VariantID:   variantID,
		Target:      variant.Path,
		Arguments:   args,
		TraceID:     traceID,
	})
	elapsed := d.now().Sub(invokeStart)
	stage = models.StageInvoked
	result.Stage = stage

	if err != nil {
		var panicked *panicError
		if errors.As(err, &panicked) {
			log.Error("implementation panicked", "variant", variantID, "panic", panicked.value, "stack", string(panicked.stack))
		}
		failInvoke(ctx, &result, variant.Path, timeout, err)
	} else {
		result.Success = true
		result.Data = payload
		stage = models.StageCompleted
		result.Stage = stage
	}
	d.record(ctx, log, result, req.ProcessName, elapsed)
	return result
}

// panicError carries a panic raised by an implementation.
type panicError struct {
	value interface{}
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("implementation panicked: %v", e.value) }

// invoke applies the timeout to the invoker call only. The call runs on its
// own goroutine so an implementation that ignores cancellation cannot hold
// the dispatch past its deadline.
func (d *Dispatcher) invoke(ctx context.Context, timeout time.Duration, inv invoker.Invocation) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := d.tracer.Start(ctx, "invoke "+inv.VariantID, trace.WithAttributes(
		attribute.String("variant.id", inv.VariantID),
		attribute.String("variant.target", inv.Target),
	))
	defer span.End()

	type reply struct {
		payload interface{}
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: &panicError{value: r, stack: debug.Stack()}}
			}
		}()
		payload, err := d.invoker.Invoke(ctx, inv)
		done <- reply{payload: payload, err: err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
	}
	return r.payload, r.err
}

func (d *Dispatcher) record(ctx context.Context, log *logging.Logger, result models.DispatchResult, process string, elapsed time.Duration) {
	if d.recorder == nil {
		return
	}
	outcome := models.DispatchOutcome{
		TraceID:     result.TraceID,
		ProcessName: process,
		VariantID:   result.VariantID(),
		Success:     result.Success,
		Duration:    elapsed,
		CreatedAt:   d.now().UTC(),
	}
	if result.Error != nil {
		outcome.ErrorKind = result.Error.Kind
	}
	if err := d.recorder.RecordOutcome(context.WithoutCancel(ctx), outcome); err != nil {
		log.Warn("failed to record dispatch outcome", "error", err)
	}
}

func (d *Dispatcher) finish(ctx context.Context, span trace.Span, log *logging.Logger, result *models.DispatchResult, process string, stage models.Stage, start time.Time) {
	elapsed := d.now().Sub(start)
	outcome := "ok"
	if result.Error != nil {
		outcome = string(result.Error.Kind)
		span.SetAttributes(attribute.String("error.kind", outcome))
		span.SetStatus(codes.Error, result.Error.Message)
		log.Warn("dispatch failed",
			"kind", result.Error.Kind,
			"stage", stage,
			"variant", result.VariantID(),
			"error", result.Error.Message,
			"duration_ms", elapsed.Milliseconds())
	} else {
		span.SetStatus(codes.Ok, "")
		log.Info("dispatch completed",
			"variant", result.VariantID(),
			"manifest_version", result.ManifestVersion,
			"duration_ms", elapsed.Milliseconds())
	}
	span.End()
	d.metrics.RecordDispatch(ctx, process, result.VariantID(), outcome, elapsed)
}

func failLoad(result *models.DispatchResult, name string, err error) {
	var invalid *manifest.InvalidError
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		fail(result, models.KindManifestNotFound, fmt.Sprintf("no manifest registered for process %q", name),
			map[string]interface{}{"process_name": name, "retryable": false})
	case errors.As(err, &invalid):
		fail(result, models.KindManifestInvalid, invalid.Error(),
			map[string]interface{}{"problems": invalid.Problems, "retryable": false})
	default:
		fail(result, models.KindInternal, fmt.Sprintf("load manifest: %v", err),
			map[string]interface{}{"retryable": true})
	}
}

func failSelect(result *models.DispatchResult, err error) {
	var (
		missing    *strategy.MissingBucketingKeyError
		resolution *strategy.ResolutionError
	)
	switch {
	case errors.As(err, &missing):
		fail(result, models.KindMissingBucketingKey, err.Error(),
			map[string]interface{}{"bucketing_key": missing.Key, "retryable": false})
	case errors.As(err, &resolution):
		details := map[string]interface{}{"strategy": string(resolution.Kind), "retryable": false}
		if resolution.VariantID != "" {
			details["variant_id"] = resolution.VariantID
		}
		fail(result, models.KindStrategyResolution, err.Error(), details)
	default:
		fail(result, models.KindStrategyResolution, err.Error(), nil)
	}
}

func failInvoke(ctx context.Context, result *models.DispatchResult, target string, timeout time.Duration, err error) {
	var (
		implErr     *invoker.Error
		unavailable *invoker.UnavailableError
		panicked    *panicError
	)
	switch {
	case errors.As(err, &panicked):
		fail(result, models.KindInternal, panicked.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		fail(result, models.KindInvocationTimeout, fmt.Sprintf("invocation of %s exceeded %s", target, timeout),
			map[string]interface{}{"timeout_ms": timeout.Milliseconds(), "retryable": true})
	case errors.As(err, &implErr):
		fail(result, models.KindInvocation, implErr.Error(), implErr.Payload)
	case errors.As(err, &unavailable):
		fail(result, models.KindInvocationUnavailable, unavailable.Error(),
			map[string]interface{}{"target": target, "retryable": true})
	case ctx.Err() != nil:
		fail(result, models.KindInvocationUnavailable, "dispatch cancelled by caller",
			map[string]interface{}{"target": target, "retryable": true})
	default:
		fail(result, models.KindInvocation, err.Error(), nil)
	}
}

func fail(result *models.DispatchResult, kind models.ErrorKind, message string, details interface{}) {
	result.Success = false
	result.Data = nil
	result.Stage = models.StageFailed
	result.Error = &models.ErrorDetail{Kind: kind, Message: message, Details: details}
}
