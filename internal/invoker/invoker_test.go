package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestScheme(t *testing.T) {
	tests := map[string]string{
		"local:resolve":              "local",
		"https://impl.internal/run":  "https",
		"service:contracts/activate": "service",
		"contracts/activate":         "",
		"impl.internal:8080/run":     "",
		"":                           "",
	}
	for target, want := range tests {
		assert.Equal(t, want, Scheme(target), target)
	}
}

func TestRegistry_Invoke(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", func(_ context.Context, inv Invocation) (interface{}, error) {
		return map[string]interface{}{"variant": inv.VariantID, "args": inv.Arguments}, nil
	})

	out, err := r.Invoke(context.Background(), Invocation{Target: "local:echo", VariantID: "v1", Arguments: "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"variant": "v1", "args": "x"}, out)

	_, err = r.Invoke(context.Background(), Invocation{Target: "echo"})
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), Invocation{Target: "local:missing"})
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.ErrorIs(t, err, ErrUnknownTarget)
	assert.Equal(t, []string{"echo"}, r.Names())
}

func TestMux_RoutesByScheme(t *testing.T) {
	local := NewRegistry()
	local.Register("a", func(context.Context, Invocation) (interface{}, error) { return "local", nil })
	remote := Func(func(context.Context, Invocation) (interface{}, error) { return "remote", nil })

	mux := NewMux(remote)
	mux.Handle("local", local)

	out, err := mux.Invoke(context.Background(), Invocation{Target: "local:a"})
	require.NoError(t, err)
	assert.Equal(t, "local", out)

	out, err = mux.Invoke(context.Background(), Invocation{Target: "contracts/activate"})
	require.NoError(t, err)
	assert.Equal(t, "remote", out)

	_, err = NewMux(nil).Invoke(context.Background(), Invocation{Target: "x"})
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestHTTPInvoker_Success(t *testing.T) {
	var got struct {
		path, trace, variant, process string
		body                          map[string]interface{}
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.trace = r.Header.Get("X-Trace-Id")
		got.variant = r.Header.Get("X-Variant-Id")
		got.process = r.Header.Get("X-Process-Name")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got.body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"activated": true}`))
	}))
	defer srv.Close()

	c := NewHTTPInvoker(srv.URL+"/", nil, time.Second)
	out, err := c.Invoke(context.Background(), Invocation{
		ProcessName: "confirm_activation",
		VariantID:   "playbook_v1",
		Target:      "service:/contracts/activate",
		Arguments:   map[string]interface{}{"contractId": "abc"},
		TraceID:     "trace-1",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"activated": true}, out)
	assert.Equal(t, "/contracts/activate", got.path)
	assert.Equal(t, "trace-1", got.trace)
	assert.Equal(t, "playbook_v1", got.variant)
	assert.Equal(t, "confirm_activation", got.process)
	assert.Equal(t, map[string]interface{}{"contractId": "abc"}, got.body)
}

func TestHTTPInvoker_OversizedResponseFails(t *testing.T) {
	doc := strings.Repeat("x", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"doc":"` + doc + `"}`))
	}))
	defer srv.Close()

	out, err := NewHTTPInvoker(srv.URL, nil, time.Second).WithMaxResponseBody(1024).
		Invoke(context.Background(), Invocation{Target: "run"})
	assert.Nil(t, out)
	var implErr *Error
	require.ErrorAs(t, err, &implErr)
	assert.Equal(t, http.StatusOK, implErr.Status)
	assert.Contains(t, implErr.Message, "response exceeds 1024 bytes")

	// exactly at the limit is accepted intact
	out, err = NewHTTPInvoker(srv.URL, nil, time.Second).WithMaxResponseBody(int64(len(doc)+10)).
		Invoke(context.Background(), Invocation{Target: "run"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"doc": doc}, out)
}

func TestHTTPInvoker_PropagatesTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, span := tp.Tracer("test").Start(context.Background(), "dispatch")
	_, err := NewHTTPInvoker(srv.URL, nil, time.Second).Invoke(ctx, Invocation{Target: "run"})
	span.End()
	require.NoError(t, err)
	assert.Contains(t, traceparent, span.SpanContext().TraceID().String())
}

func TestHTTPInvoker_StatusMapping(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		unavailable bool
		payload     interface{}
	}{
		{"business error", http.StatusUnprocessableEntity, `{"reason": "contract already active"}`, false, map[string]interface{}{"reason": "contract already active"}},
		{"server error with text", http.StatusInternalServerError, "kaboom", false, "kaboom"},
		{"service unavailable", http.StatusServiceUnavailable, "", true, nil},
		{"bad gateway", http.StatusBadGateway, "", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPInvoker(srv.URL, nil, time.Second).Invoke(context.Background(), Invocation{Target: "run"})
			if tt.unavailable {
				var unavailable *UnavailableError
				assert.ErrorAs(t, err, &unavailable)
				return
			}
			var implErr *Error
			require.ErrorAs(t, err, &implErr)
			assert.Equal(t, tt.status, implErr.Status)
			assert.Equal(t, tt.payload, implErr.Payload)
		})
	}
}

func TestHTTPInvoker_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPInvoker(url, nil, time.Second).Invoke(context.Background(), Invocation{Target: "run"})
	var unavailable *UnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestHTTPInvoker_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPInvoker(srv.URL, nil, 0).Invoke(ctx, Invocation{Target: "slow"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestHTTPInvoker_AbsoluteTarget(t *testing.T) {
	c := NewHTTPInvoker("http://base.internal", nil, time.Second)
	assert.Equal(t, "https://other.internal/x", c.URL("https://other.internal/x"))
	assert.Equal(t, "http://base.internal/contracts/run", c.URL("contracts/run"))
}
