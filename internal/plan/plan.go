// Package plan turns a confirmed action plus its collected parameters into
// an executable plan. Generation is pure: no side effects, no network, and
// structural problems (bad step references) fail here rather than mid-run.
package plan

import (
	"fmt"
	"sort"
	"time"

	"github.com/actionbridge/actionbridge/pkg/models"
	"github.com/google/uuid"
)

// Generate builds an execution plan for the action. Single-step actions
// become one step from the action binding; multi-step actions expand their
// declared steps in Order. execCtx carries ambient values for
// CONTEXT-sourced inputs and is attached to the plan.
func Generate(action *models.ActionDefinition, collected map[string]string, execCtx map[string]any) (*models.ExecutionPlan, error) {
	if action == nil {
		return nil, fmt.Errorf("generate plan: nil action")
	}

	now := time.Now().UTC()
	p := &models.ExecutionPlan{
		PlanID:    uuid.New().String(),
		ActionID:  action.ActionID,
		Status:    models.PlanPending,
		Context:   execCtx,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if !action.IsMultiStep() {
		step, err := singleStep(action, collected)
		if err != nil {
			return nil, err
		}
		p.Steps = []*models.ExecutionStep{step}
		return p, nil
	}

	defs := append([]models.StepDefinition(nil), action.Steps...)
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].Order < defs[j].Order })

	seen := make(map[string]bool, len(defs))
	for i := range defs {
		def := &defs[i]
		if def.ID == "" {
			return nil, fmt.Errorf("action %s: step %d has no id", action.ActionID, i)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("action %s: duplicate step id %q", action.ActionID, def.ID)
		}

		// Declared orders are only a sort key; plan steps carry a normalized
		// sequence so positions stay unambiguous even when definitions share
		// an order value.
		step := &models.ExecutionStep{
			StepInstanceID: uuid.New().String(),
			DefinitionID:   def.ID,
			Name:           def.Name,
			Type:           def.Type,
			Order:          i + 1,
			Status:         models.StepPending,
			InputValues:    map[string]any{},
			RetryCount:     def.RetryCount,
			UserPrompt:     def.Prompt,
			Binding:        def.Binding,
			Condition:      def.Condition,
			Compensation:   def.Compensation,
			TimeoutSecs:    def.TimeoutSecs,
		}

		for _, in := range def.Inputs {
			if err := bindInput(step, def, in, collected, execCtx, seen); err != nil {
				return nil, fmt.Errorf("action %s: %w", action.ActionID, err)
			}
		}

		seen[def.ID] = true
		p.Steps = append(p.Steps, step)
	}

	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("action %s: multi-step action declares no steps", action.ActionID)
	}
	return p, nil
}

// singleStep wraps a single-step action's binding as a one-step plan, with
// every collected parameter passed as an input value.
func singleStep(action *models.ActionDefinition, collected map[string]string) (*models.ExecutionStep, error) {
	if action.Binding == nil {
		return nil, fmt.Errorf("action %s: single-step action has no binding", action.ActionID)
	}
	inputs := make(map[string]any, len(collected))
	for k, v := range collected {
		inputs[k] = v
	}
	stepType := models.StepAPICall
	if action.Binding.Kind == models.BindingInternal {
		stepType = models.StepInternalService
	}
	return &models.ExecutionStep{
		StepInstanceID: uuid.New().String(),
		DefinitionID:   action.ActionID,
		Name:           action.Name,
		Type:           stepType,
		Order:          1,
		Status:         models.StepPending,
		InputValues:    inputs,
		Binding:        action.Binding,
		Compensation:   action.Compensation,
		TimeoutSecs:    action.TimeoutMinutes * 60,
	}, nil
}

// bindInput resolves one declared input. USER_INPUT and CONTEXT values are
// bound immediately; PREVIOUS_STEP inputs are validated against already-seen
// steps and left as deferred references for the executor to fill at runtime.
func bindInput(step *models.ExecutionStep, def *models.StepDefinition, in models.InputBinding, collected map[string]string, execCtx map[string]any, seen map[string]bool) error {
	if in.Name == "" {
		return fmt.Errorf("step %s: input with no name", def.ID)
	}

	switch in.Source {
	case models.SourceUserInput:
		param := in.Param
		if param == "" {
			param = in.Name
		}
		if v, ok := collected[param]; ok {
			step.InputValues[in.Name] = v
		}
		// Absent optional parameters simply stay unbound.
		return nil

	case models.SourcePreviousStep:
		if in.StepID == "" {
			return fmt.Errorf("step %s: input %s references no step", def.ID, in.Name)
		}
		if in.StepID == def.ID {
			return fmt.Errorf("step %s: input %s references its own step", def.ID, in.Name)
		}
		if !seen[in.StepID] {
			// Forward or dangling references are structural errors; failing
			// at generation beats failing three steps into a run.
			return fmt.Errorf("step %s: input %s references step %q which does not precede it", def.ID, in.Name, in.StepID)
		}
		step.InputValues[in.Name] = models.StepRef(in.StepID, in.Field)
		return nil

	case models.SourceContext:
		key := in.ContextKey
		if key == "" {
			key = in.Name
		}
		if v, ok := execCtx[key]; ok {
			step.InputValues[in.Name] = v
		}
		return nil

	default:
		return fmt.Errorf("step %s: input %s has unknown source %q", def.ID, in.Name, in.Source)
	}
}
