package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/actionbridge/actionbridge/pkg/models"
	"github.com/expr-lang/expr"
)

// maxWait caps wait steps so a typo in the catalog cannot stall a plan.
const maxWait = 5 * time.Minute

// evalCondition compiles and evaluates an expr expression over the step's
// resolved inputs. Inputs are visible both at the top level and under
// "inputs" for names that are not valid identifiers.
func evalCondition(condition string, inputs map[string]any) (any, error) {
	if condition == "" {
		return nil, fmt.Errorf("no condition expression declared")
	}
	env := make(map[string]any, len(inputs)+1)
	for k, v := range inputs {
		env[k] = v
	}
	env["inputs"] = inputs

	prog, err := expr.Compile(condition, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", condition, err)
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate condition %q: %w", condition, err)
	}
	return out, nil
}

// ── decision ────────────────────────────────────────────────

// DecisionExecutor evaluates a boolean condition over prior outputs. A false
// result stops the plan early without failing it.
type DecisionExecutor struct{}

func (DecisionExecutor) SupportedType() models.StepType { return models.StepDecision }

func (DecisionExecutor) Validate(step *models.ExecutionStep) error {
	if step.Condition == "" {
		return fmt.Errorf("step %s: decision step has no condition", step.DefinitionID)
	}
	return nil
}

func (DecisionExecutor) Execute(_ context.Context, step *models.ExecutionStep) (*StepResult, error) {
	out, err := evalCondition(step.Condition, step.InputValues)
	if err != nil {
		return nil, err
	}
	passed, ok := out.(bool)
	if !ok {
		return nil, fmt.Errorf("condition %q evaluated to %T, want bool", step.Condition, out)
	}
	return &StepResult{
		Outputs:  map[string]any{"passed": passed},
		StopPlan: !passed,
	}, nil
}

// ── validation ──────────────────────────────────────────────

// ValidationExecutor asserts a condition over the inputs; a false result
// fails the step with a non-retryable validation error.
type ValidationExecutor struct{}

func (ValidationExecutor) SupportedType() models.StepType { return models.StepValidation }

func (ValidationExecutor) Validate(step *models.ExecutionStep) error {
	if step.Condition == "" {
		return fmt.Errorf("step %s: validation step has no condition", step.DefinitionID)
	}
	return nil
}

func (ValidationExecutor) Execute(_ context.Context, step *models.ExecutionStep) (*StepResult, error) {
	out, err := evalCondition(step.Condition, step.InputValues)
	if err != nil {
		return nil, err
	}
	passed, ok := out.(bool)
	if !ok {
		return nil, fmt.Errorf("condition %q evaluated to %T, want bool", step.Condition, out)
	}
	if !passed {
		return nil, fmt.Errorf("%w: %s", ErrValidation, step.Condition)
	}
	return &StepResult{Outputs: map[string]any{"valid": true}}, nil
}

// ── transform ───────────────────────────────────────────────

// TransformExecutor evaluates an expression over the inputs and exposes the
// value as output "result" for later steps.
type TransformExecutor struct{}

func (TransformExecutor) SupportedType() models.StepType { return models.StepTransform }

func (TransformExecutor) Validate(step *models.ExecutionStep) error {
	if step.Condition == "" {
		return fmt.Errorf("step %s: transform step has no expression", step.DefinitionID)
	}
	return nil
}

func (TransformExecutor) Execute(_ context.Context, step *models.ExecutionStep) (*StepResult, error) {
	out, err := evalCondition(step.Condition, step.InputValues)
	if err != nil {
		return nil, err
	}
	return &StepResult{Outputs: map[string]any{"result": out}}, nil
}

// ── wait ────────────────────────────────────────────────────

// WaitExecutor pauses the plan for a fixed interval, bounded by maxWait.
type WaitExecutor struct{}

func (WaitExecutor) SupportedType() models.StepType { return models.StepWait }

func (WaitExecutor) Validate(step *models.ExecutionStep) error {
	if waitDuration(step) <= 0 {
		return fmt.Errorf("step %s: wait step needs duration_secs or timeout_secs", step.DefinitionID)
	}
	return nil
}

func (WaitExecutor) Execute(ctx context.Context, step *models.ExecutionStep) (*StepResult, error) {
	d := waitDuration(step)
	if d > maxWait {
		d = maxWait
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d):
	}
	return &StepResult{Outputs: map[string]any{"waited_ms": d.Milliseconds()}}, nil
}

func waitDuration(step *models.ExecutionStep) time.Duration {
	if v, ok := step.InputValues["duration_secs"]; ok {
		switch n := v.(type) {
		case float64:
			return time.Duration(n * float64(time.Second))
		case int:
			return time.Duration(n) * time.Second
		case string:
			if d, err := time.ParseDuration(n + "s"); err == nil {
				return d
			}
		}
	}
	return time.Duration(step.TimeoutSecs) * time.Second
}

// ── query / input ───────────────────────────────────────────

// promptExecutor pauses the plan on a user prompt; query steps additionally
// offer selectable options resolved before the run.
type promptExecutor struct {
	stepType models.StepType
}

// NewQueryExecutor pauses on a prompt with selectable options.
func NewQueryExecutor() StepExecutor { return &promptExecutor{stepType: models.StepQuery} }

// NewInputExecutor pauses on a free-text prompt.
func NewInputExecutor() StepExecutor { return &promptExecutor{stepType: models.StepInput} }

func (e *promptExecutor) SupportedType() models.StepType { return e.stepType }

func (e *promptExecutor) Validate(step *models.ExecutionStep) error {
	if step.UserPrompt == "" {
		return fmt.Errorf("step %s: %s step has no prompt", step.DefinitionID, e.stepType)
	}
	return nil
}

func (e *promptExecutor) Execute(_ context.Context, step *models.ExecutionStep) (*StepResult, error) {
	// Already-answered steps (resume path) complete with the answers.
	if len(step.OutputValues) > 0 {
		return &StepResult{Outputs: step.OutputValues}, nil
	}
	return &StepResult{Waiting: true}, nil
}

// ── execute ─────────────────────────────────────────────────

// ExecuteStepExecutor runs a generic execute step: bound steps make their
// interface call, unbound steps pass their inputs through as outputs.
type ExecuteStepExecutor struct {
	caller *bindingCaller
}

// NewExecuteStepExecutor creates the generic execute-step executor.
func NewExecuteStepExecutor(defaultTimeout time.Duration) *ExecuteStepExecutor {
	return &ExecuteStepExecutor{caller: newBindingCaller(defaultTimeout)}
}

func (*ExecuteStepExecutor) SupportedType() models.StepType { return models.StepExecute }

func (*ExecuteStepExecutor) Validate(_ *models.ExecutionStep) error { return nil }

func (e *ExecuteStepExecutor) Execute(ctx context.Context, step *models.ExecutionStep) (*StepResult, error) {
	if step.Binding == nil {
		return &StepResult{Outputs: step.InputValues}, nil
	}
	res, err := e.caller.call(ctx, step.Binding, step.TimeoutSecs, step.InputValues)
	if err != nil {
		return nil, err
	}
	outputs := map[string]any{"status_code": res.StatusCode}
	for k, v := range res.Body {
		outputs[k] = v
	}
	return &StepResult{Outputs: outputs}, nil
}
