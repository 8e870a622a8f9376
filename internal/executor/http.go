package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/actionbridge/actionbridge/pkg/models"
)

const maxResponseBody = 8 << 20 // 8 MiB response cap

// callResult is the decoded outcome of one bound interface call.
type callResult struct {
	StatusCode int
	Headers    map[string]string
	Body       map[string]any
}

// bindingCaller performs HTTP interface calls for steps and compensations.
type bindingCaller struct {
	client         *http.Client
	defaultTimeout time.Duration
}

func newBindingCaller(defaultTimeout time.Duration) *bindingCaller {
	return &bindingCaller{
		client:         &http.Client{},
		defaultTimeout: defaultTimeout,
	}
}

// call POSTs (or whatever the binding declares) the inputs as JSON and
// decodes the JSON response. Deadline overruns surface as ErrTimeout.
func (c *bindingCaller) call(ctx context.Context, binding *models.InterfaceBinding, timeoutSecs int, inputs map[string]any) (*callResult, error) {
	if binding == nil || binding.URL == "" {
		return nil, fmt.Errorf("binding declares no url")
	}

	timeout := c.defaultTimeout
	if timeoutSecs > 0 {
		timeout = time.Duration(timeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := binding.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if method != http.MethodGet && inputs != nil {
		raw, err := json.Marshal(inputs)
		if err != nil {
			return nil, fmt.Errorf("marshal step inputs: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, binding.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range binding.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %s %s", ErrTimeout, timeout, method, binding.URL)
		}
		return nil, fmt.Errorf("call %s %s: %w", method, binding.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	decoded := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			// Non-JSON bodies are kept verbatim rather than discarded.
			decoded = map[string]any{"raw": string(raw)}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &callResult{StatusCode: resp.StatusCode, Headers: headers, Body: decoded},
			fmt.Errorf("%s %s returned %d: %s", method, binding.URL, resp.StatusCode, truncate(string(raw), 512))
	}
	return &callResult{StatusCode: resp.StatusCode, Headers: headers, Body: decoded}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// httpStepExecutor serves the three step types whose semantics are one
// outbound HTTP call: api_call, internal_service (when bound over HTTP),
// and notification.
type httpStepExecutor struct {
	stepType models.StepType
	caller   *bindingCaller

	// dispatcher handles internal-kind bindings; nil means HTTP only.
	dispatcher InternalDispatcher

	// bestEffort swallows call failures into outputs instead of failing
	// the step. Notifications must not sink an otherwise healthy plan.
	bestEffort bool
}

// InternalDispatcher routes internal-service bindings to in-process or
// sidecar implementations registered by the host.
type InternalDispatcher interface {
	Dispatch(ctx context.Context, service, operation string, inputs map[string]any) (map[string]any, error)
}

// NewAPICallExecutor executes api_call steps over HTTP.
func NewAPICallExecutor(defaultTimeout time.Duration) StepExecutor {
	return &httpStepExecutor{stepType: models.StepAPICall, caller: newBindingCaller(defaultTimeout)}
}

// NewInternalServiceExecutor executes internal_service steps, preferring the
// dispatcher for internal-kind bindings and HTTP otherwise.
func NewInternalServiceExecutor(defaultTimeout time.Duration, dispatcher InternalDispatcher) StepExecutor {
	return &httpStepExecutor{
		stepType:   models.StepInternalService,
		caller:     newBindingCaller(defaultTimeout),
		dispatcher: dispatcher,
	}
}

// NewNotificationExecutor executes notification steps best-effort: delivery
// failures are recorded in the outputs, not raised.
func NewNotificationExecutor(defaultTimeout time.Duration) StepExecutor {
	return &httpStepExecutor{
		stepType:   models.StepNotification,
		caller:     newBindingCaller(defaultTimeout),
		bestEffort: true,
	}
}

func (e *httpStepExecutor) SupportedType() models.StepType { return e.stepType }

func (e *httpStepExecutor) Validate(step *models.ExecutionStep) error {
	if step.Binding == nil {
		return fmt.Errorf("step %s: no interface binding", step.DefinitionID)
	}
	if step.Binding.Kind == models.BindingInternal {
		if step.Binding.Service == "" || step.Binding.Operation == "" {
			return fmt.Errorf("step %s: internal binding needs service and operation", step.DefinitionID)
		}
		return nil
	}
	if step.Binding.URL == "" {
		return fmt.Errorf("step %s: http binding needs a url", step.DefinitionID)
	}
	return nil
}

func (e *httpStepExecutor) Execute(ctx context.Context, step *models.ExecutionStep) (*StepResult, error) {
	if step.Binding != nil && step.Binding.Kind == models.BindingInternal {
		return e.executeInternal(ctx, step)
	}

	res, err := e.caller.call(ctx, step.Binding, step.TimeoutSecs, step.InputValues)
	if err != nil {
		if e.bestEffort && !errors.Is(err, ErrTimeout) {
			return &StepResult{Outputs: map[string]any{
				"delivered": false,
				"error":     err.Error(),
			}}, nil
		}
		return nil, err
	}

	outputs := map[string]any{"status_code": res.StatusCode}
	for k, v := range res.Body {
		outputs[k] = v
	}
	if e.bestEffort {
		outputs["delivered"] = true
	}
	return &StepResult{Outputs: outputs}, nil
}

func (e *httpStepExecutor) executeInternal(ctx context.Context, step *models.ExecutionStep) (*StepResult, error) {
	if e.dispatcher == nil {
		return nil, fmt.Errorf("step %s: no internal service dispatcher configured", step.DefinitionID)
	}
	timeout := e.caller.defaultTimeout
	if step.TimeoutSecs > 0 {
		timeout = time.Duration(step.TimeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := e.dispatcher.Dispatch(ctx, step.Binding.Service, step.Binding.Operation, step.InputValues)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %s.%s", ErrTimeout, timeout, step.Binding.Service, step.Binding.Operation)
		}
		return nil, fmt.Errorf("dispatch %s.%s: %w", step.Binding.Service, step.Binding.Operation, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return &StepResult{Outputs: out}, nil
}
