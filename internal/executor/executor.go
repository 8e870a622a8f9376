// Package executor runs execution plans. Step semantics live behind the
// StepExecutor SPI so new step types plug in without touching the plan
// loop; the registry enforces exactly one executor per step type.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/actionbridge/actionbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// ErrTimeout marks a step failure caused by the step's deadline.
var ErrTimeout = errors.New("step timed out")

// ErrValidation marks a step failure caused by a failed validation rule.
// Validation failures are never retried.
var ErrValidation = errors.New("validation failed")

// StepResult is what a step executor produced.
type StepResult struct {
	// Outputs become the step's OutputValues, readable by later steps.
	Outputs map[string]any

	// Waiting pauses the plan for user input on this step.
	Waiting bool

	// StopPlan ends the plan early without failing it; remaining steps
	// are cancelled. Produced by DECISION steps whose condition is false.
	StopPlan bool
}

// StepExecutor implements the semantics of one step type.
type StepExecutor interface {
	// SupportedType names the single step type this executor handles.
	SupportedType() models.StepType

	// Validate checks the step's static shape before any attempt runs.
	Validate(step *models.ExecutionStep) error

	// Execute runs the step with its inputs already resolved.
	Execute(ctx context.Context, step *models.ExecutionStep) (*StepResult, error)
}

// Registry maps step types to executors. Registering a second executor for
// the same type is an error, never a silent override.
type Registry struct {
	mu    sync.RWMutex
	execs map[models.StepType]StepExecutor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{execs: make(map[models.StepType]StepExecutor)}
}

// Register adds an executor for its supported type.
func (r *Registry) Register(e StepExecutor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := e.SupportedType()
	if t == "" {
		return fmt.Errorf("executor %T supports no step type", e)
	}
	if _, dup := r.execs[t]; dup {
		return fmt.Errorf("step executor for type %q already registered", t)
	}
	r.execs[t] = e
	log.Debug().Str("type", string(t)).Msg("Step executor registered")
	return nil
}

// For returns the executor for the step type.
func (r *Registry) For(t models.StepType) (StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.execs[t]
	if !ok {
		return nil, fmt.Errorf("no step executor registered for type %q", t)
	}
	return e, nil
}

// Types returns the registered step types, for diagnostics.
func (r *Registry) Types() []models.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.StepType, 0, len(r.execs))
	for t := range r.execs {
		out = append(out, t)
	}
	return out
}
