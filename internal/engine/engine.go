// Package engine ties the conversational pipeline together: permission
// adaptation, action matching, parameter collection, plan generation and
// execution. One HandleMessage call processes one user turn.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/actionbridge/actionbridge/internal/catalog"
	"github.com/actionbridge/actionbridge/internal/collect"
	"github.com/actionbridge/actionbridge/internal/config"
	"github.com/actionbridge/actionbridge/internal/executor"
	"github.com/actionbridge/actionbridge/internal/matcher"
	"github.com/actionbridge/actionbridge/internal/options"
	"github.com/actionbridge/actionbridge/internal/permission"
	"github.com/actionbridge/actionbridge/internal/plan"
	"github.com/actionbridge/actionbridge/internal/store"
	"github.com/actionbridge/actionbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// casRetries bounds re-reads when a concurrent turn wins the session save.
const casRetries = 3

// Request is one inbound user turn.
type Request struct {
	SystemID       string            `json:"system_id"`
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id"`
	Text           string            `json:"text"`
	RawContext     map[string]string `json:"raw_context,omitempty"`
}

// Engine orchestrates the dialogue pipeline.
type Engine struct {
	catalog   *catalog.Catalog
	perms     *permission.Registry
	matcher   *matcher.Matcher
	collector *collect.Collector
	sessions  store.SessionStore
	resolver  *options.Resolver
	plans     *executor.PlanExecutor
	cfg       *config.Config
}

// New wires the engine from its collaborators.
func New(cat *catalog.Catalog, perms *permission.Registry, m *matcher.Matcher, col *collect.Collector, sessions store.SessionStore, res *options.Resolver, plans *executor.PlanExecutor, cfg *config.Config) *Engine {
	return &Engine{
		catalog:   cat,
		perms:     perms,
		matcher:   m,
		collector: col,
		sessions:  sessions,
		resolver:  res,
		plans:     plans,
		cfg:       cfg,
	}
}

// HandleMessage processes one user turn and returns the discriminated
// dialogue result. Permission denial is indistinguishable from no match.
func (e *Engine) HandleMessage(ctx context.Context, req *Request) (*models.DialogueResult, error) {
	if req.SystemID == "" || req.ConversationID == "" {
		return nil, fmt.Errorf("system_id and conversation_id are required")
	}

	perm := e.perms.Adapt(req.SystemID, req.UserID, req.RawContext)

	// An active session claims every turn of its conversation.
	sess, err := e.sessions.GetActiveByConversation(ctx, req.ConversationID, req.UserID)
	switch {
	case err == nil:
		return e.continueSession(ctx, req, perm, sess)
	case errors.Is(err, store.ErrExpired):
		return &models.DialogueResult{
			Kind:    models.DialogueParamCollection,
			State:   models.SessionExpired,
			Message: "Your previous request expired. Please start over.",
		}, nil
	case errors.Is(err, store.ErrNotFound):
		return e.startDialogue(ctx, req, perm)
	default:
		return nil, fmt.Errorf("load session: %w", err)
	}
}

// startDialogue matches the input against the catalog and opens a
// collection session for the best candidate.
func (e *Engine) startDialogue(ctx context.Context, req *Request, perm *models.StandardPermission) (*models.DialogueResult, error) {
	matches := e.matcher.Match(ctx, req.Text, perm)
	if len(matches) == 0 {
		return &models.DialogueResult{
			Kind:    models.DialogueNoMatch,
			Message: "I could not find an action for that. Try describing what you want to do.",
		}, nil
	}
	best := matches[0]

	log.Info().
		Str("conversation", req.ConversationID).
		Str("action", best.Action.ActionID).
		Float64("confidence", best.Confidence).
		Str("match_type", string(best.MatchType)).
		Msg("Action matched")

	outcome, err := e.collector.Start(ctx, best.Action, best.Confidence, req.SystemID, req.UserID, req.ConversationID, req.Text)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	result := e.collectionResult(ctx, req, best.Action, outcome)
	result.ActionID = best.Action.ActionID
	result.Confidence = best.Confidence
	// MATCHED is reserved for the no-collection case: everything required
	// was on hand and the action went straight to confirmation. A first
	// turn that has to ask questions reports param_collection.
	if outcome.Kind == collect.TurnPendingConfirm {
		result.Kind = models.DialogueMatched
	}
	return result, nil
}

// continueSession routes the turn into the existing session, retrying reads
// when a concurrent turn wins the save.
func (e *Engine) continueSession(ctx context.Context, req *Request, perm *models.StandardPermission, sess *models.ParamCollectionSession) (*models.DialogueResult, error) {
	// A completed session lingers only to replay its result on a repeated
	// confirmation; anything else starts a fresh dialogue.
	if sess.State == models.SessionCompleted {
		if e.collector.IsConfirmPhrase(req.Text) {
			return &models.DialogueResult{
				Kind:      models.DialogueExecution,
				ActionID:  sess.ActionID,
				SessionID: sess.SessionID,
				State:     sess.State,
				Message:   "This request has already been completed.",
				Execution: sess.Result,
			}, nil
		}
		if err := e.collector.Deactivate(ctx, sess); err != nil {
			log.Warn().Err(err).Str("session", sess.SessionID).Msg("Could not deactivate completed session")
		}
		return e.startDialogue(ctx, req, perm)
	}

	action := e.catalog.Get(sess.ActionID)
	if action == nil || !perm.Allows(sess.ActionID) {
		// The action vanished or access was revoked mid-session.
		_ = collect.Transition(sess, models.SessionCancelled)
		if err := e.sessions.Save(ctx, sess); err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("cancel orphaned session: %w", err)
		}
		return &models.DialogueResult{
			Kind:      models.DialogueParamCollection,
			SessionID: sess.SessionID,
			State:     models.SessionCancelled,
			Message:   "That request is no longer available and has been cancelled.",
		}, nil
	}

	// A confirmed session means a plan is (or was) in flight; its turns
	// belong to the waiting plan, not to parameter collection.
	if sess.State == models.SessionConfirmed {
		return e.continueWaitingPlan(ctx, req, action, sess)
	}

	var outcome *collect.TurnOutcome
	var err error
	for attempt := 0; ; attempt++ {
		outcome, err = e.collector.HandleTurn(ctx, sess, action, req.Text)
		if err == nil || !errors.Is(err, store.ErrConflict) || attempt >= casRetries {
			break
		}
		log.Debug().
			Str("session", sess.SessionID).
			Int("attempt", attempt+1).
			Msg("Session save lost a race, re-reading")
		sess, err = e.sessions.GetByID(ctx, sess.SessionID)
		if err != nil {
			return nil, fmt.Errorf("re-read session: %w", err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("handle turn: %w", err)
	}

	if outcome.Kind == collect.TurnConfirmed {
		return e.execute(ctx, req, perm, action, outcome.Session)
	}
	return e.collectionResult(ctx, req, action, outcome), nil
}

// execute generates and runs the plan for a confirmed session, then closes
// the session with the result.
func (e *Engine) execute(ctx context.Context, req *Request, perm *models.StandardPermission, action *models.ActionDefinition, sess *models.ParamCollectionSession) (*models.DialogueResult, error) {
	execCtx := e.executionContext(req, perm)
	p, err := plan.Generate(action, sess.CollectedParams, execCtx)
	if err != nil {
		result := &models.ExecutionResult{
			Success:       false,
			ErrorMessage:  err.Error(),
			FailureReason: models.FailureValidation,
		}
		if cerr := e.collector.Complete(ctx, sess, result); cerr != nil {
			log.Warn().Err(cerr).Str("session", sess.SessionID).Msg("Could not close session after generation failure")
		}
		return &models.DialogueResult{
			Kind:      models.DialogueExecution,
			ActionID:  action.ActionID,
			SessionID: sess.SessionID,
			State:     sess.State,
			Message:   "The request could not be prepared: " + err.Error(),
			Execution: result,
		}, nil
	}
	p.SessionID = sess.SessionID
	p.UserID = req.UserID
	e.attachOptions(ctx, req.SystemID, action, p)

	// Record the plan on the session first, so a plan that pauses for step
	// input can be picked up by the next conversational turn.
	sess.PlanID = p.PlanID
	if err := e.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session plan reference: %w", err)
	}

	result, err := e.plans.Run(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("run plan: %w", err)
	}
	return e.finishPlan(ctx, action, sess, p.PlanID, result)
}

// continueWaitingPlan routes a turn into the session's in-flight plan: a
// cancel phrase abandons it, anything else answers the waiting step. The
// session closes when the plan finishes.
func (e *Engine) continueWaitingPlan(ctx context.Context, req *Request, action *models.ActionDefinition, sess *models.ParamCollectionSession) (*models.DialogueResult, error) {
	if e.collector.IsCancelPhrase(req.Text) {
		return e.cancelWaitingSession(ctx, sess, "Okay, cancelled. Nothing else will run.")
	}

	p, err := e.plans.Get(sess.PlanID)
	if err != nil {
		if errors.Is(err, executor.ErrPlanNotFound) {
			// The in-flight plan is gone (restart); release the session.
			return e.cancelWaitingSession(ctx, sess, "That request can no longer be continued. Please start over.")
		}
		return nil, fmt.Errorf("load waiting plan: %w", err)
	}

	switch p.Status {
	case models.PlanWaitingInput:
		stepID := waitingStepID(p)
		if stepID == "" {
			return e.cancelWaitingSession(ctx, sess, "That request can no longer be continued. Please start over.")
		}
		// Conversational answers are published under "value"; multi-field
		// answers go through the step-input endpoint instead.
		result, err := e.plans.Resume(ctx, sess.PlanID, stepID, map[string]any{"value": req.Text})
		if err != nil {
			return nil, fmt.Errorf("resume plan: %w", err)
		}
		return e.finishPlan(ctx, action, sess, sess.PlanID, result)

	case models.PlanCompleted, models.PlanFailed:
		// Finished outside the conversation (step-input endpoint) before the
		// session could close; close it now with the plan's outcome.
		result := &models.ExecutionResult{
			Success:      p.Status == models.PlanCompleted,
			ErrorMessage: p.Error,
			Metadata:     map[string]any{"plan_id": p.PlanID},
		}
		return e.finishPlan(ctx, action, sess, p.PlanID, result)

	default:
		return &models.DialogueResult{
			Kind:      models.DialogueExecution,
			ActionID:  sess.ActionID,
			SessionID: sess.SessionID,
			State:     sess.State,
			PlanID:    sess.PlanID,
			Message:   fmt.Sprintf("%s is still running, one moment.", action.Name),
		}, nil
	}
}

// finishPlan shapes a plan run's outcome: a still-waiting plan keeps the
// session open and surfaces the prompt, anything else closes the session.
func (e *Engine) finishPlan(ctx context.Context, action *models.ActionDefinition, sess *models.ParamCollectionSession, planID string, result *models.ExecutionResult) (*models.DialogueResult, error) {
	if _, waiting := result.Metadata["waiting_step"]; waiting {
		prompt, _ := result.Metadata["prompt"].(string)
		return &models.DialogueResult{
			Kind:          models.DialogueExecution,
			ActionID:      action.ActionID,
			SessionID:     sess.SessionID,
			State:         sess.State,
			PlanID:        planID,
			RequiresInput: true,
			Message:       prompt,
			Execution:     result,
		}, nil
	}

	if err := e.collector.Complete(ctx, sess, result); err != nil {
		log.Warn().Err(err).Str("session", sess.SessionID).Msg("Could not close session after execution")
	}

	msg := fmt.Sprintf("Done: %s completed.", action.Name)
	if !result.Success {
		msg = fmt.Sprintf("%s failed: %s", action.Name, result.ErrorMessage)
	}
	return &models.DialogueResult{
		Kind:      models.DialogueExecution,
		ActionID:  action.ActionID,
		SessionID: sess.SessionID,
		State:     sess.State,
		PlanID:    planID,
		Message:   msg,
		Execution: result,
	}, nil
}

// ResumePlan feeds inputs into a waiting plan step and, when the plan
// finishes, releases the session holding the conversation slot.
func (e *Engine) ResumePlan(ctx context.Context, planID, stepID string, inputs map[string]any) (*models.ExecutionResult, error) {
	result, err := e.plans.Resume(ctx, planID, stepID, inputs)
	if err != nil {
		return nil, err
	}
	if _, waiting := result.Metadata["waiting_step"]; waiting {
		return result, nil
	}

	p, err := e.plans.Get(planID)
	if err != nil || p.SessionID == "" {
		return result, nil
	}
	sess, err := e.sessions.GetByID(ctx, p.SessionID)
	if err != nil || sess.State != models.SessionConfirmed {
		return result, nil
	}
	if err := e.collector.Complete(ctx, sess, result); err != nil {
		log.Warn().Err(err).Str("session", sess.SessionID).Msg("Could not close session after plan resume")
	}
	return result, nil
}

func (e *Engine) cancelWaitingSession(ctx context.Context, sess *models.ParamCollectionSession, msg string) (*models.DialogueResult, error) {
	if err := collect.Transition(sess, models.SessionCancelled); err != nil {
		return nil, err
	}
	if err := e.sessions.Save(ctx, sess); err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("cancel waiting session: %w", err)
	}
	return &models.DialogueResult{
		Kind:      models.DialogueParamCollection,
		ActionID:  sess.ActionID,
		SessionID: sess.SessionID,
		State:     models.SessionCancelled,
		Message:   msg,
	}, nil
}

func waitingStepID(p *models.ExecutionPlan) string {
	for _, s := range p.Steps {
		if s.Status == models.StepWaitingInput {
			return s.DefinitionID
		}
	}
	return ""
}

// collectionResult shapes a collector outcome for the caller, resolving
// selectable options for the awaited parameter when declared.
func (e *Engine) collectionResult(ctx context.Context, req *Request, action *models.ActionDefinition, outcome *collect.TurnOutcome) *models.DialogueResult {
	sess := outcome.Session
	result := &models.DialogueResult{
		Kind:                 models.DialogueParamCollection,
		ActionID:             sess.ActionID,
		SessionID:            sess.SessionID,
		State:                sess.State,
		Message:              outcome.Message,
		RequiresInput:        sess.AwaitingInput,
		RequiresConfirmation: outcome.Kind == collect.TurnPendingConfirm,
	}

	if outcome.Kind == collect.TurnAlreadyDone {
		result.Execution = sess.Result
		result.Kind = models.DialogueExecution
		return result
	}

	if outcome.Kind == collect.TurnCollecting && sess.AwaitingParam != "" {
		if res := e.resolver.Resolve(ctx, req.SystemID, action.Param(sess.AwaitingParam)); res != nil {
			if len(res.Options) > 0 {
				labels := make([]string, 0, len(res.Options))
				for _, o := range res.Options {
					labels = append(labels, o.Label)
				}
				result.Message += "\nOptions: " + strings.Join(labels, ", ")
			}
			// Degraded sources fall back to free text silently for the
			// user; the warning is kept for the caller.
			if len(res.Warnings) > 0 {
				log.Warn().Strs("warnings", res.Warnings).
					Str("param", sess.AwaitingParam).
					Msg("Options degraded to free-text input")
			}
		}
	}
	return result
}

// attachOptions resolves declared option sources onto the plan's prompt
// steps so a waiting step can present choices.
func (e *Engine) attachOptions(ctx context.Context, systemID string, action *models.ActionDefinition, p *models.ExecutionPlan) {
	for _, def := range action.Steps {
		if def.OptionSource == nil {
			continue
		}
		step := p.Step(def.ID)
		if step == nil {
			continue
		}
		res := e.resolver.Resolve(ctx, systemID, &models.ActionParameter{
			Name:         def.ID,
			OptionSource: def.OptionSource,
		})
		if res == nil {
			continue
		}
		step.Options = res.Options
		p.Warnings = append(p.Warnings, res.Warnings...)
	}
}

// executionContext assembles the ambient values CONTEXT-sourced step inputs
// resolve from.
func (e *Engine) executionContext(req *Request, perm *models.StandardPermission) map[string]any {
	execCtx := map[string]any{
		"user_id":         req.UserID,
		"system_id":       req.SystemID,
		"conversation_id": req.ConversationID,
		"data_scope":      string(perm.DataScope),
	}
	for k, v := range req.RawContext {
		if _, reserved := execCtx[k]; !reserved {
			execCtx[k] = v
		}
	}
	return execCtx
}
