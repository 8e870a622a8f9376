package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/actionbridge/actionbridge/internal/config"
	"github.com/actionbridge/actionbridge/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// ErrPlanNotFound is returned for unknown plan ids.
var ErrPlanNotFound = errors.New("plan not found")

// planEntry guards one tracked plan. mu serializes Run and Resume, so every
// status check-and-set is atomic; readers get a published snapshot instead of
// the live object and never block on a running plan.
type planEntry struct {
	mu   sync.Mutex
	live *models.ExecutionPlan

	snapMu sync.RWMutex
	snap   *models.ExecutionPlan
}

func (e *planEntry) publish() {
	e.snapMu.Lock()
	e.snap = clonePlan(e.live)
	e.snapMu.Unlock()
}

// PlanExecutor runs plans strictly sequentially: step N+1 never starts
// before step N completed. Failed plans compensate their completed steps
// best-effort, in reverse order, where a compensation is declared.
type PlanExecutor struct {
	registry *Registry
	caller   *bindingCaller
	cfg      config.ExecutionConfig

	mu    sync.RWMutex
	plans map[string]*planEntry
}

// NewPlanExecutor creates a plan executor over the given step registry.
func NewPlanExecutor(registry *Registry, cfg config.ExecutionConfig) *PlanExecutor {
	return &PlanExecutor{
		registry: registry,
		caller:   newBindingCaller(cfg.StepTimeout),
		cfg:      cfg,
		plans:    make(map[string]*planEntry),
	}
}

// Get returns a detached copy of a tracked plan. Mutating the returned plan
// never affects the stored one.
func (pe *PlanExecutor) Get(planID string) (*models.ExecutionPlan, error) {
	pe.mu.RLock()
	entry, ok := pe.plans[planID]
	pe.mu.RUnlock()
	if !ok {
		return nil, ErrPlanNotFound
	}

	entry.snapMu.RLock()
	defer entry.snapMu.RUnlock()
	return clonePlan(entry.snap), nil
}

// Run executes the plan from its first pending step. The returned result is
// also recorded on the plan; a waiting plan yields an unfinished result with
// the prompt in its metadata. The plan object is owned by the executor from
// this point on; callers read it back through Get.
func (pe *PlanExecutor) Run(ctx context.Context, plan *models.ExecutionPlan) (*models.ExecutionResult, error) {
	entry := &planEntry{live: plan}
	pe.mu.Lock()
	pe.plans[plan.PlanID] = entry
	pe.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	plan.Status = models.PlanRunning
	plan.UpdatedAt = time.Now().UTC()
	entry.publish()
	return pe.run(ctx, entry)
}

// Resume feeds user-provided values into a waiting step and continues the
// plan from the following step. The waiting check and the status flip happen
// under the plan's lock, so concurrent resumes of the same step cannot both
// proceed.
func (pe *PlanExecutor) Resume(ctx context.Context, planID, stepID string, inputs map[string]any) (*models.ExecutionResult, error) {
	pe.mu.RLock()
	entry, ok := pe.plans[planID]
	pe.mu.RUnlock()
	if !ok {
		return nil, ErrPlanNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	plan := entry.live
	if plan.Status != models.PlanWaitingInput {
		return nil, fmt.Errorf("plan %s is %s, not waiting for input", planID, plan.Status)
	}
	step := plan.Step(stepID)
	if step == nil {
		return nil, fmt.Errorf("plan %s has no step %q", planID, stepID)
	}
	if step.Status != models.StepWaitingInput {
		return nil, fmt.Errorf("step %s is %s, not waiting for input", stepID, step.Status)
	}

	step.OutputValues = inputs
	step.Status = models.StepCompleted
	completed := time.Now().UTC()
	step.CompletedAt = &completed
	plan.Status = models.PlanRunning
	entry.publish()

	log.Info().Str("plan", planID).Str("step", stepID).Msg("Plan resumed with user input")
	return pe.run(ctx, entry)
}

// run walks the plan's pending steps in order. Callers hold the entry lock.
func (pe *PlanExecutor) run(ctx context.Context, entry *planEntry) (*models.ExecutionResult, error) {
	plan := entry.live
	start := time.Now()

	for _, step := range plan.Steps {
		if step.Status == models.StepCompleted || step.Status == models.StepCancelled {
			continue
		}

		if err := pe.resolveRefs(plan, step); err != nil {
			return pe.fail(entry, step, err, start), nil
		}

		result, err := pe.runStep(ctx, plan, step)
		if err != nil {
			return pe.fail(entry, step, err, start), nil
		}

		if result.Waiting {
			step.Status = models.StepWaitingInput
			plan.Status = models.PlanWaitingInput
			plan.UpdatedAt = time.Now().UTC()
			entry.publish()
			log.Info().
				Str("plan", plan.PlanID).
				Str("step", step.DefinitionID).
				Msg("Plan waiting for user input")
			return pe.waitingResult(plan, step, start), nil
		}

		step.OutputValues = result.Outputs
		step.Status = models.StepCompleted
		completed := time.Now().UTC()
		step.CompletedAt = &completed
		entry.publish()

		if result.StopPlan {
			pe.cancelRemaining(plan, step)
			log.Info().
				Str("plan", plan.PlanID).
				Str("step", step.DefinitionID).
				Msg("Plan stopped early by decision step")
			break
		}
	}

	plan.Status = models.PlanCompleted
	plan.UpdatedAt = time.Now().UTC()
	entry.publish()
	return pe.successResult(plan, start), nil
}

// runStep validates, then retries the step per its retry budget. Validation
// rule failures and context cancellation are permanent.
func (pe *PlanExecutor) runStep(ctx context.Context, plan *models.ExecutionPlan, step *models.ExecutionStep) (*StepResult, error) {
	exec, err := pe.registry.For(step.Type)
	if err != nil {
		return nil, err
	}
	if err := exec.Validate(step); err != nil {
		return nil, err
	}

	step.Status = models.StepRunning
	started := time.Now().UTC()
	step.StartedAt = &started
	step.Attempts = 0

	retries := step.RetryCount
	if retries <= 0 {
		retries = pe.cfg.RetryCount
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pe.cfg.RetryBaseDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)

	var result *StepResult
	attempt := func() error {
		step.Attempts++
		r, execErr := pe.attempt(ctx, exec, step)
		if execErr != nil {
			if errors.Is(execErr, ErrValidation) || ctx.Err() != nil {
				return backoff.Permanent(execErr)
			}
			log.Warn().Err(execErr).
				Str("plan", plan.PlanID).
				Str("step", step.DefinitionID).
				Int("attempt", step.Attempts).
				Msg("Step attempt failed")
			return execErr
		}
		result = r
		return nil
	}
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return result, nil
}

// attempt runs one execution attempt, converting panics into errors so a
// misbehaving executor cannot take the engine down.
func (pe *PlanExecutor) attempt(ctx context.Context, exec StepExecutor, step *models.ExecutionStep) (result *StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step executor panicked: %v", r)
		}
	}()
	result, err = exec.Execute(ctx, step)
	if err == nil && result == nil {
		err = fmt.Errorf("step executor returned no result")
	}
	return result, err
}

// resolveRefs replaces deferred previous-step references with the actual
// outputs. Generation guarantees referenced steps precede this one.
func (pe *PlanExecutor) resolveRefs(plan *models.ExecutionPlan, step *models.ExecutionStep) error {
	for name, v := range step.InputValues {
		stepID, field, ok := models.ParseStepRef(v)
		if !ok {
			continue
		}
		src := plan.Step(stepID)
		if src == nil || src.Status != models.StepCompleted {
			return fmt.Errorf("input %s: step %q has not completed", name, stepID)
		}
		if field == "" {
			step.InputValues[name] = src.OutputValues
			continue
		}
		out, ok := src.OutputValues[field]
		if !ok {
			return fmt.Errorf("input %s: step %q produced no output %q", name, stepID, field)
		}
		step.InputValues[name] = out
	}
	return nil
}

// fail marks the step and plan failed, cancels the remaining steps, and
// compensates completed ones. The triggering error is carried verbatim.
func (pe *PlanExecutor) fail(entry *planEntry, failed *models.ExecutionStep, err error, start time.Time) *models.ExecutionResult {
	plan := entry.live
	failed.Status = models.StepFailed
	failed.ErrorMessage = err.Error()
	completed := time.Now().UTC()
	failed.CompletedAt = &completed

	pe.cancelRemaining(plan, failed)
	pe.compensate(plan, failed)

	plan.Status = models.PlanFailed
	plan.Error = err.Error()
	plan.UpdatedAt = time.Now().UTC()
	entry.publish()

	log.Error().Err(err).
		Str("plan", plan.PlanID).
		Str("step", failed.DefinitionID).
		Int("attempts", failed.Attempts).
		Msg("Plan failed")

	reason := models.FailureExecution
	if errors.Is(err, ErrTimeout) {
		reason = models.FailureTimeout
	} else if errors.Is(err, ErrValidation) {
		reason = models.FailureValidation
	}
	return &models.ExecutionResult{
		Success:         false,
		ErrorMessage:    err.Error(),
		FailureReason:   reason,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Warnings:        plan.Warnings,
		Metadata:        map[string]any{"plan_id": plan.PlanID, "failed_step": failed.DefinitionID},
	}
}

// cancelRemaining cancels every pending step positioned after the given one.
// Slice position, not the Order field, decides what "after" means, so plans
// whose steps share an order value still cancel correctly.
func (pe *PlanExecutor) cancelRemaining(plan *models.ExecutionPlan, after *models.ExecutionStep) {
	idx := -1
	for i, s := range plan.Steps {
		if s == after {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	for _, s := range plan.Steps[idx+1:] {
		if s.Status == models.StepPending {
			s.Status = models.StepCancelled
		}
	}
}

// compensate invokes declared compensations for completed steps in reverse
// order. Compensation is best-effort: failures become plan warnings, never
// new errors.
func (pe *PlanExecutor) compensate(plan *models.ExecutionPlan, failed *models.ExecutionStep) {
	for i := len(plan.Steps) - 1; i >= 0; i-- {
		s := plan.Steps[i]
		if s == failed || s.Status != models.StepCompleted || s.Compensation == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), pe.cfg.StepTimeout)
		_, err := pe.caller.call(ctx, s.Compensation, s.TimeoutSecs, s.OutputValues)
		cancel()
		if err != nil {
			warn := fmt.Sprintf("compensation for step %s failed: %v", s.DefinitionID, err)
			plan.Warnings = append(plan.Warnings, warn)
			log.Warn().Err(err).
				Str("plan", plan.PlanID).
				Str("step", s.DefinitionID).
				Msg("Compensation failed")
			continue
		}
		s.Status = models.StepCompensated
		log.Info().
			Str("plan", plan.PlanID).
			Str("step", s.DefinitionID).
			Msg("Step compensated")
	}
}

func (pe *PlanExecutor) successResult(plan *models.ExecutionPlan, start time.Time) *models.ExecutionResult {
	result := &models.ExecutionResult{
		Success:         true,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Warnings:        plan.Warnings,
		Metadata:        map[string]any{"plan_id": plan.PlanID},
	}
	// The last completed step's outputs are the plan's response payload.
	for i := len(plan.Steps) - 1; i >= 0; i-- {
		s := plan.Steps[i]
		if s.Status != models.StepCompleted {
			continue
		}
		result.ResponseData = s.OutputValues
		if code, ok := s.OutputValues["status_code"].(int); ok {
			result.HTTPStatusCode = code
		} else if code, ok := s.OutputValues["status_code"].(float64); ok {
			result.HTTPStatusCode = int(code)
		}
		break
	}
	return result
}

func (pe *PlanExecutor) waitingResult(plan *models.ExecutionPlan, step *models.ExecutionStep, start time.Time) *models.ExecutionResult {
	return &models.ExecutionResult{
		Success:         false,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Warnings:        plan.Warnings,
		Metadata: map[string]any{
			"plan_id":      plan.PlanID,
			"waiting_step": step.DefinitionID,
			"prompt":       step.UserPrompt,
			"options":      step.Options,
		},
	}
}

// clonePlan copies a plan deeply enough that readers never alias state a run
// may still mutate.
func clonePlan(p *models.ExecutionPlan) *models.ExecutionPlan {
	cp := *p
	cp.Context = cloneValueMap(p.Context)
	if p.Warnings != nil {
		cp.Warnings = append([]string(nil), p.Warnings...)
	}
	cp.Steps = make([]*models.ExecutionStep, len(p.Steps))
	for i, s := range p.Steps {
		sc := *s
		sc.InputValues = cloneValueMap(s.InputValues)
		sc.OutputValues = cloneValueMap(s.OutputValues)
		if s.Options != nil {
			sc.Options = append([]models.Option(nil), s.Options...)
		}
		if s.StartedAt != nil {
			t := *s.StartedAt
			sc.StartedAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			sc.CompletedAt = &t
		}
		cp.Steps[i] = &sc
	}
	return &cp
}

func cloneValueMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
