package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/maftabmirza/remediation-engine-sub000/internal/runbook"
	"github.com/maftabmirza/remediation-engine-sub000/internal/store"
	"github.com/maftabmirza/remediation-engine-sub000/internal/template"
)

const maxResponseBody = 64 * 1024

func (e *Executor) runAPICall(ctx context.Context, step *runbook.StepSpec, scope map[string]any) (*Result, error) {
	endpoint, err := template.Render(step.Endpoint, scope)
	if err != nil {
		return failure(store.ReasonCommandFailed, "endpoint: "+err.Error()), nil
	}
	headers, err := template.RenderMap(step.Headers, scope)
	if err != nil {
		return failure(store.ReasonCommandFailed, "headers: "+err.Error()), nil
	}
	body, err := template.Render(step.Body, scope)
	if err != nil {
		return failure(store.ReasonCommandFailed, "body: "+err.Error()), nil
	}
	timeout, err := step.ParseTimeout()
	if err != nil {
		return failure(store.ReasonCommandFailed, "bad timeout: "+err.Error()), nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, step.Method, endpoint, reqBody)
	if err != nil {
		return failure(store.ReasonCommandFailed, "build request: "+err.Error()), nil
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failure(store.ReasonTimeout, "request timed out"), nil
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return failure(store.ReasonConnectionError, err.Error()), nil
	}
	defer resp.Body.Close()

	// Keep only the leading chunk of the response so templates can reference
	// it without unbounded storage.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return failure(store.ReasonConnectionError, "read response: "+err.Error()), nil
	}

	out := &Result{
		StatusCode: resp.StatusCode,
		Stdout:     string(respBody),
	}
	if resp.StatusCode != step.StatusCriterion() {
		out.Status = store.StepFailed
		out.FailureReason = store.ReasonCommandFailed
		out.ErrorMsg = fmt.Sprintf("unexpected status %d, want %d", resp.StatusCode, step.StatusCriterion())
		return out, nil
	}
	out.Status = store.StepSuccess
	return out, nil
}
