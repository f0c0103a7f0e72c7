package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"process-dispatcher/backend/internal/invoker"
	"process-dispatcher/backend/internal/manifest"
	"process-dispatcher/backend/internal/strategy"
	"process-dispatcher/backend/pkg/models"
)

type mockInvoker struct {
	mock.Mock
}

func (m *mockInvoker) Invoke(ctx context.Context, inv invoker.Invocation) (interface{}, error) {
	args := m.Called(ctx, inv)
	return args.Get(0), args.Error(1)
}

type memoryRecorder struct {
	mu       sync.Mutex
	outcomes []models.DispatchOutcome
	err      error
}

func (r *memoryRecorder) RecordOutcome(_ context.Context, o models.DispatchOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return r.err
}

func confirmActivation() *models.ProcessManifest {
	return &models.ProcessManifest{
		ProcessName: "confirm_activation",
		Owner:       "team-contracts",
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"contractId"},
			"properties": map[string]interface{}{
				"contractId": map[string]interface{}{"type": "string", "format": "uuid"},
			},
		},
		Strategy: models.StrategyDescriptor{Kind: models.StrategyFixed, Path: "strategies/fixed"},
		Variants: []models.Variant{{ID: "playbook_v1", Path: "local:confirm"}},
	}
}

func ambiguousDocument() *models.ProcessManifest {
	return &models.ProcessManifest{
		ProcessName: "resolve-ambiguous-provider-document",
		Owner:       "team-contracts",
		InputSchema: map[string]interface{}{"type": "object"},
		Strategy: models.StrategyDescriptor{
			Kind: models.StrategyPercentage,
			Path: "strategies/percentage",
			Args: map[string]interface{}{"bucketing_key": "document_id"},
		},
		Variants: []models.Variant{
			{ID: "playbook_v1_human_first", Path: "local:playbook", Weight: models.Float64(0.5)},
			{ID: "agent_v1_clarification_attempt", Path: "local:agent", Weight: models.Float64(0.5)},
		},
	}
}

func newStore(t *testing.T, manifests ...*models.ProcessManifest) *manifest.Store {
	t.Helper()
	v, err := manifest.NewValidator("", nil)
	require.NoError(t, err)
	return manifest.NewStore(manifest.NewMemorySource(manifests...), v, nil)
}

func echoRegistry() *invoker.Registry {
	r := invoker.NewRegistry()
	for _, name := range []string{"confirm", "playbook", "agent"} {
		name := name
		r.Register(name, func(_ context.Context, inv invoker.Invocation) (interface{}, error) {
			return map[string]interface{}{"handled_by": name, "trace_id": inv.TraceID, "args": inv.Arguments}, nil
		})
	}
	return r
}

func newDispatcher(t *testing.T, inv invoker.Invoker, opts Options, manifests ...*models.ProcessManifest) *Dispatcher {
	t.Helper()
	return New(newStore(t, manifests...), strategy.NewSelector(strategy.DefaultRegistry()), inv, opts)
}

func TestDispatch_Success(t *testing.T) {
	rec := &memoryRecorder{}
	d := newDispatcher(t, echoRegistry(), Options{Recorder: rec}, confirmActivation())
	id := uuid.NewString()

	res := d.Dispatch(context.Background(), models.DispatchRequest{
		ProcessName: "confirm_activation",
		Arguments:   json.RawMessage(`{"contractId": "` + id + `"}`),
	})

	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, models.StageCompleted, res.Stage)
	assert.Equal(t, "playbook_v1", res.VariantID())
	assert.Equal(t, 1, res.ManifestVersion)
	data := res.Data.(map[string]interface{})
	assert.Equal(t, "confirm", data["handled_by"])
	assert.Equal(t, res.TraceID, data["trace_id"])
	assert.Equal(t, map[string]interface{}{"contractId": id}, data["args"])

	require.Len(t, rec.outcomes, 1)
	assert.True(t, rec.outcomes[0].Success)
	assert.Equal(t, "playbook_v1", rec.outcomes[0].VariantID)
	assert.Equal(t, res.TraceID, rec.outcomes[0].TraceID)
}

func TestDispatch_ValidationErrorNeverInvokes(t *testing.T) {
	inv := &mockInvoker{}
	rec := &memoryRecorder{}
	d := newDispatcher(t, inv, Options{Recorder: rec}, confirmActivation())

	res := d.Dispatch(context.Background(), models.DispatchRequest{
		ProcessName: "confirm_activation",
		Arguments:   json.RawMessage(`{"contractId": "not-a-uuid"}`),
	})

	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, models.KindValidation, res.Error.Kind)
	assert.Equal(t, map[string][]string{"contractId": {"must be a UUID"}}, res.Error.Details)
	assert.Nil(t, res.SelectedVariantID)
	assert.Equal(t, models.StageFailed, res.Stage)
	inv.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)
	assert.Empty(t, rec.outcomes)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"contractId": ["must be a UUID"]}`, string(mustField(t, raw, "error", "details")))
	assert.Equal(t, "null", string(mustField(t, raw, "selectedVariantId")))
}

func mustField(t *testing.T, raw []byte, path ...string) json.RawMessage {
	t.Helper()
	cur := json.RawMessage(raw)
	for _, key := range path {
		var obj map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(cur, &obj))
		cur = obj[key]
	}
	return cur
}

func TestDispatch_ManifestNotFound(t *testing.T) {
	inv := &mockInvoker{}
	d := newDispatcher(t, inv, Options{})

	res := d.Dispatch(context.Background(), models.DispatchRequest{ProcessName: "does-not-exist"})

	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, models.KindManifestNotFound, res.Error.Kind)
	assert.Nil(t, res.SelectedVariantID)
	assert.NotEmpty(t, res.TraceID)
	inv.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)
}

func TestDispatch_ManifestInvalid(t *testing.T) {
	m := ambiguousDocument()
	m.Variants[1].Weight = models.Float64(0.4)
	d := newDispatcher(t, &mockInvoker{}, Options{}, m)

	res := d.Dispatch(context.Background(), models.DispatchRequest{ProcessName: m.ProcessName})
	require.NotNil(t, res.Error)
	assert.Equal(t, models.KindManifestInvalid, res.Error.Kind)
}

func TestDispatch_BucketingIsDeterministic(t *testing.T) {
	d := newDispatcher(t, echoRegistry(), Options{}, ambiguousDocument())
	req := models.DispatchRequest{
		ProcessName: "resolve-ambiguous-provider-document",
		Context:     map[string]string{"document_id": "doc-42"},
	}

	first := d.Dispatch(context.Background(), req)
	second := d.Dispatch(context.Background(), req)
	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.Equal(t, first.VariantID(), second.VariantID())
	assert.NotEqual(t, first.TraceID, second.TraceID)
}

func TestDispatch_MissingBucketingKey(t *testing.T) {
	inv := &mockInvoker{}
	d := newDispatcher(t, inv, Options{}, ambiguousDocument())

	res := d.Dispatch(context.Background(), models.DispatchRequest{ProcessName: "resolve-ambiguous-provider-document"})
	require.NotNil(t, res.Error)
	assert.Equal(t, models.KindMissingBucketingKey, res.Error.Kind)
	assert.Nil(t, res.SelectedVariantID)
	inv.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)
}

type ghostStrategy struct{}

func (ghostStrategy) Kind() models.StrategyKind { return "ghost" }
func (ghostStrategy) RequiresWeights() bool     { return false }
func (ghostStrategy) Select(models.StrategyDescriptor, []models.Variant, strategy.SelectionContext) (string, error) {
	return "retired_variant", nil
}

func TestDispatch_NoSilentFallback(t *testing.T) {
	registry := strategy.DefaultRegistry()
	registry.Register(ghostStrategy{})
	v, err := manifest.NewValidator("", registry)
	require.NoError(t, err)

	m := confirmActivation()
	m.Strategy = models.StrategyDescriptor{Kind: "ghost", Path: "strategies/ghost"}
	store := manifest.NewStore(manifest.NewMemorySource(m), v, nil)
	inv := &mockInvoker{}
	d := New(store, strategy.NewSelector(registry), inv, Options{})

	res := d.Dispatch(context.Background(), models.DispatchRequest{
		ProcessName: "confirm_activation",
		Arguments:   json.RawMessage(`{"contractId": "` + uuid.NewString() + `"}`),
	})
	require.NotNil(t, res.Error)
	assert.Equal(t, models.KindStrategyResolution, res.Error.Kind)
	assert.Nil(t, res.SelectedVariantID)
	inv.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)
}

func TestDispatch_FixedAlwaysSameVariant(t *testing.T) {
	m := confirmActivation()
	m.InputSchema = map[string]interface{}{}
	d := newDispatcher(t, echoRegistry(), Options{}, m)

	for i := 0; i < 1000; i++ {
		res := d.Dispatch(context.Background(), models.DispatchRequest{
			ProcessName: "confirm_activation",
			Context:     map[string]string{"user_id": uuid.NewString()},
		})
		require.Equal(t, "playbook_v1", res.VariantID())
	}
}

func TestDispatch_TraceIDPropagation(t *testing.T) {
	inv := &mockInvoker{}
	supplied := uuid.NewString()
	inv.On("Invoke", mock.Anything, mock.MatchedBy(func(i invoker.Invocation) bool {
		return i.TraceID == supplied && i.VariantID == "playbook_v1"
	})).Return("ok", nil).Once()

	m := confirmActivation()
	m.InputSchema = map[string]interface{}{}
	d := newDispatcher(t, inv, Options{}, m)

	res := d.Dispatch(context.Background(), models.DispatchRequest{ProcessName: "confirm_activation", TraceID: supplied})
	assert.Equal(t, supplied, res.TraceID)
	inv.AssertExpectations(t)

	for _, bad := range []string{"", "   ", "trace-123", "not-a-uuid"} {
		inv.On("Invoke", mock.Anything, mock.Anything).Return("ok", nil).Once()
		res := d.Dispatch(context.Background(), models.DispatchRequest{ProcessName: "confirm_activation", TraceID: bad})
		_, err := uuid.Parse(res.TraceID)
		assert.NoError(t, err, "generated trace id for %q", bad)
	}
}

func TestResolveTraceID(t *testing.T) {
	compact := "5f0c6a8e3b1d4c2a9f7e1a2b3c4d5e6f"
	assert.Equal(t, compact, ResolveTraceID(compact))
	assert.NotEqual(t, "abc", ResolveTraceID("abc"))
}

func TestDispatch_InvocationTimeout(t *testing.T) {
	m := confirmActivation()
	m.InputSchema = map[string]interface{}{}
	block := make(chan struct{})
	defer close(block)
	slow := invoker.Func(func(context.Context, invoker.Invocation) (interface{}, error) {
		<-block // ignores cancellation on purpose
		return "late", nil
	})
	d := newDispatcher(t, slow, Options{DefaultTimeout: time.Second}, m)

	start := time.Now()
	res := d.Dispatch(context.Background(), models.DispatchRequest{ProcessName: "confirm_activation", Timeout: 30 * time.Millisecond})
	assert.Less(t, time.Since(start), time.Second)

	require.NotNil(t, res.Error)
	assert.Equal(t, models.KindInvocationTimeout, res.Error.Kind)
	assert.True(t, res.Error.Kind.Retryable())
	assert.Equal(t, "playbook_v1", res.VariantID())
}

func TestDispatch_InvocationErrors(t *testing.T) {
	m := confirmActivation()
	m.InputSchema = map[string]interface{}{}

	tests := []struct {
		name    string
		err     error
		kind    models.ErrorKind
		details interface{}
	}{
		{
			name:    "business failure keeps payload",
			err:     &invoker.Error{Target: "local:confirm", Status: 422, Payload: map[string]interface{}{"reason": "already active"}},
			kind:    models.KindInvocation,
			details: map[string]interface{}{"reason": "already active"},
		},
		{
			name: "unreachable implementation",
			err:  &invoker.UnavailableError{Target: "local:confirm", Err: errors.New("connection refused")},
			kind: models.KindInvocationUnavailable,
			details: map[string]interface{}{"target": "local:confirm", "retryable": true},
		},
		{
			name: "plain error",
			err:  errors.New("contract locked"),
			kind: models.KindInvocation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &memoryRecorder{err: errors.New("recorder down")}
			inv := &mockInvoker{}
			inv.On("Invoke", mock.Anything, mock.Anything).Return(nil, tt.err)
			d := newDispatcher(t, inv, Options{Recorder: rec}, m)

			res := d.Dispatch(context.Background(), models.DispatchRequest{ProcessName: "confirm_activation"})
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.kind, res.Error.Kind)
			assert.Equal(t, tt.details, res.Error.Details)
			assert.Equal(t, "playbook_v1", res.VariantID())

			// recorder failures never change the result
			require.Len(t, rec.outcomes, 1)
			assert.Equal(t, tt.kind, rec.outcomes[0].ErrorKind)
		})
	}
}

func TestDispatch_RecoversPanics(t *testing.T) {
	m := confirmActivation()
	m.InputSchema = map[string]interface{}{}
	boom := invoker.Func(func(context.Context, invoker.Invocation) (interface{}, error) {
		panic("nil map write")
	})
	d := newDispatcher(t, boom, Options{}, m)

	res := d.Dispatch(context.Background(), models.DispatchRequest{ProcessName: "confirm_activation"})
	require.NotNil(t, res.Error)
	assert.Equal(t, models.KindInternal, res.Error.Kind)
	assert.Equal(t, models.StageFailed, res.Stage)
}

type panickingLoader struct{}

func (panickingLoader) Load(context.Context, string) (*manifest.Snapshot, error) {
	panic("store corrupted")
}

func TestDispatch_RecoversPanicsOutsideInvoker(t *testing.T) {
	d := New(panickingLoader{}, strategy.NewSelector(strategy.DefaultRegistry()), &mockInvoker{}, Options{})
	res := d.Dispatch(context.Background(), models.DispatchRequest{ProcessName: "x"})
	require.NotNil(t, res.Error)
	assert.Equal(t, models.KindInternal, res.Error.Kind)
	assert.NotEmpty(t, res.TraceID)
}

func TestDispatch_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	m := confirmActivation()
	m.InputSchema = map[string]interface{}{}
	d := newDispatcher(t, echoRegistry(), Options{Tracer: tp.Tracer("test")}, m)

	res := d.Dispatch(context.Background(), models.DispatchRequest{ProcessName: "confirm_activation"})
	require.True(t, res.Success)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	names := []string{spans[0].Name(), spans[1].Name()}
	assert.ElementsMatch(t, []string{"dispatch confirm_activation", "invoke playbook_v1"}, names)

	for _, s := range spans {
		if s.Name() != "dispatch confirm_activation" {
			continue
		}
		attrs := map[string]string{}
		for _, kv := range s.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		assert.Equal(t, res.TraceID, attrs["dispatch.trace_id"])
		assert.Equal(t, "playbook_v1", attrs["variant.id"])
	}
}

func TestDispatch_SeesConsistentSnapshotDuringUpdate(t *testing.T) {
	store := newStore(t, ambiguousDocument())
	entered := make(chan struct{})
	release := make(chan struct{})
	inv := invoker.Func(func(_ context.Context, inv invoker.Invocation) (interface{}, error) {
		close(entered)
		<-release
		return inv.VariantID, nil
	})
	d := New(store, strategy.NewSelector(strategy.DefaultRegistry()), inv, Options{})

	done := make(chan models.DispatchResult, 1)
	go func() {
		done <- d.Dispatch(context.Background(), models.DispatchRequest{
			ProcessName: "resolve-ambiguous-provider-document",
			Context:     map[string]string{"document_id": "doc-42"},
		})
	}()
	<-entered

	_, err := store.Update(context.Background(), "resolve-ambiguous-provider-document", func(m *models.ProcessManifest) error {
		m.Variants = m.Variants[:1]
		m.Variants[0].Weight = models.Float64(1)
		return nil
	})
	require.NoError(t, err)
	close(release)

	res := <-done
	require.True(t, res.Success)
	assert.Equal(t, 1, res.ManifestVersion)
}
