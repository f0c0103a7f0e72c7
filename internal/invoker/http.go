package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	maxErrorBody = 64 << 10

	// DefaultMaxResponseBody bounds a successful response body.
	DefaultMaxResponseBody = 8 << 20
)

// HTTPInvoker POSTs the validated arguments as JSON to the variant's
// endpoint. Absolute http(s) targets are used as-is; other targets are
// resolved against the base URL, with an optional "service:" prefix.
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
	maxBody int64
}

// NewHTTPInvoker creates a new HTTPInvoker. A nil client gets a default one
// with the given timeout, instrumented with otelhttp so calls carry trace
// context and produce client spans.
func NewHTTPInvoker(baseURL string, client *http.Client, timeout time.Duration) *HTTPInvoker {
	if client == nil {
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPInvoker{baseURL: strings.TrimRight(baseURL, "/"), client: client, maxBody: DefaultMaxResponseBody}
}

// WithMaxResponseBody sets the largest accepted response body. Larger
// responses fail the invocation instead of being truncated.
func (c *HTTPInvoker) WithMaxResponseBody(n int64) *HTTPInvoker {
	if n > 0 {
		c.maxBody = n
	}
	return c
}

// URL resolves a target to the endpoint it is posted to.
func (c *HTTPInvoker) URL(target string) string {
	switch Scheme(target) {
	case "http", "https":
		return target
	}
	return c.baseURL + "/" + strings.TrimLeft(strings.TrimPrefix(target, "service:"), "/")
}

func (c *HTTPInvoker) Invoke(ctx context.Context, inv Invocation) (interface{}, error) {
	requestBody, err := json.Marshal(inv.Arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(inv.Target), bytes.NewReader(requestBody))
	if err != nil {
		return nil, &UnavailableError{Target: inv.Target, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Trace-Id", inv.TraceID)
	req.Header.Set("X-Variant-Id", inv.VariantID)
	req.Header.Set("X-Process-Name", inv.ProcessName)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var netTimeout interface{ Timeout() bool }
		if errors.As(err, &netTimeout) && netTimeout.Timeout() {
			return nil, fmt.Errorf("%s: %w", inv.Target, context.DeadlineExceeded)
		}
		return nil, &UnavailableError{Target: inv.Target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &UnavailableError{Target: inv.Target, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	tooLarge := int64(len(body)) > c.maxBody

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if tooLarge {
			return nil, &Error{
				Target:  inv.Target,
				Status:  resp.StatusCode,
				Message: fmt.Sprintf("response exceeds %d bytes", c.maxBody),
			}
		}
		return decodePayload(body), nil
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return nil, &UnavailableError{Target: inv.Target, Err: fmt.Errorf("status code %d", resp.StatusCode)}
	default:
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &Error{
			Target:  inv.Target,
			Status:  resp.StatusCode,
			Message: http.StatusText(resp.StatusCode),
			Payload: decodePayload(body),
		}
	}
}

// decodePayload returns the JSON value of body, or the raw text when the
// body is not JSON. An empty body is nil.
func decodePayload(body []byte) interface{} {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var payload interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return string(body)
	}
	return payload
}
