package metrics

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

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrSourceUnavailable wraps transport failures and 5xx answers from an
// external metrics service.
var ErrSourceUnavailable = errors.New("metrics source unavailable")

// HTTPSource asks an external service to evaluate success metrics.
// Queries are POSTed as JSON to {baseURL}/evaluate and answered with an
// Evaluation. Transient failures are retried with exponential backoff up to
// maxTries; 4xx answers are not retried.
type HTTPSource struct {
	baseURL  string
	client   *http.Client
	maxTries uint
}

// NewHTTPSource creates an HTTPSource. A nil client gets an instrumented
// default with the given timeout.
func NewHTTPSource(baseURL string, client *http.Client, timeout time.Duration) *HTTPSource {
	if client == nil {
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client, maxTries: 3}
}

// Evaluate implements Source.
func (s *HTTPSource) Evaluate(ctx context.Context, q Query) (*Evaluation, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, func() (*Evaluation, error) {
		return s.post(ctx, body)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(s.maxTries))
}

func (s *HTTPSource) post(ctx context.Context, body []byte) (*Evaluation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status code %d", ErrSourceUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, backoff.Permanent(fmt.Errorf("metrics source rejected query: status code %d: %s",
			resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var ev Evaluation
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode evaluation: %w", err))
	}
	return &ev, nil
}
