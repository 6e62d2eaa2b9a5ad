package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Invoker makes one outbound call to a step's business or compensation
// endpoint. It never retries; retry is orchestrated by the caller.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, payload map[string]any, timeout time.Duration) (map[string]any, error)
}

// StatusError reports a non-success HTTP response from a downstream service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("downstream returned status %d: %s", e.StatusCode, e.Body)
}

// ErrorData flattens an invocation error into a step error-data map.
func ErrorData(err error) map[string]any {
	data := map[string]any{"error": err.Error()}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		data["status_code"] = statusErr.StatusCode
		data["body"] = statusErr.Body
	}
	return data
}

const maxErrorBodyBytes = 4 * 1024

// HTTPInvoker posts JSON to downstream endpoints. The timeout bounds the local
// wait only; no cancellation crosses the wire, a timed-out downstream call may
// still complete on the remote side.
type HTTPInvoker struct {
	client *http.Client
}

func NewHTTP() *HTTPInvoker {
	return &HTTPInvoker{client: &http.Client{}}
}

func NewHTTPWithClient(client *http.Client) *HTTPInvoker {
	return &HTTPInvoker{client: client}
}

func (i *HTTPInvoker) Invoke(ctx context.Context, endpoint string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
