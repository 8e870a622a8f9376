// Package collect implements the multi-turn parameter-collection state
// machine: COLLECTING → PENDING_CONFIRM → CONFIRMED → COMPLETED, with
// CANCELLED reachable from any non-terminal state and EXPIRED applied
// lazily by the session store's TTL sweep.
package collect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/actionbridge/actionbridge/internal/config"
	"github.com/actionbridge/actionbridge/internal/nlu"
	"github.com/actionbridge/actionbridge/internal/store"
	"github.com/actionbridge/actionbridge/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrIllegalTransition is returned when a turn would move a session along
// an edge the state machine does not define.
var ErrIllegalTransition = errors.New("illegal session state transition")

// legalTransitions is the total transition function; absent edges are errors.
var legalTransitions = map[models.SessionState][]models.SessionState{
	models.SessionCollecting: {
		models.SessionCollecting, models.SessionPendingConfirm,
		models.SessionCancelled, models.SessionExpired,
	},
	models.SessionPendingConfirm: {
		models.SessionCollecting, models.SessionPendingConfirm, models.SessionConfirmed,
		models.SessionCancelled, models.SessionExpired,
	},
	models.SessionConfirmed: {
		models.SessionCompleted, models.SessionCancelled,
	},
}

// Transition moves the session to the target state, or fails if the edge is
// not defined. Terminal states have no outgoing edges.
func Transition(s *models.ParamCollectionSession, to models.SessionState) error {
	for _, allowed := range legalTransitions[s.State] {
		if allowed == to {
			s.State = to
			if to.Terminal() {
				s.AwaitingInput = false
			}
			// A completed session keeps its conversation slot so a repeated
			// confirmation can replay the result; cancellation and expiry
			// release it immediately.
			if to == models.SessionCancelled || to == models.SessionExpired {
				s.Active = false
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, s.State, to)
}

// TurnKind discriminates what a processed turn produced.
type TurnKind string

const (
	TurnCollecting     TurnKind = "collecting"      // still missing parameters
	TurnPendingConfirm TurnKind = "pending_confirm" // summary emitted, awaiting yes/no
	TurnConfirmed      TurnKind = "confirmed"       // hand off to the plan generator
	TurnCancelled      TurnKind = "cancelled"
	TurnAlreadyDone    TurnKind = "already_done" // idempotent confirm on a completed session
)

// TurnOutcome is the result of one processed user turn.
type TurnOutcome struct {
	Kind    TurnKind
	Message string
	Session *models.ParamCollectionSession
}

// Collector drives parameter collection sessions.
type Collector struct {
	store     store.SessionStore
	extractor nlu.ParameterExtractor // nil disables automatic extraction
	cfg       config.SessionConfig
	now       func() time.Time
}

// New creates a collector. extractor may be nil; raw turn input is then
// taken verbatim as the value of the awaited parameter.
func New(st store.SessionStore, extractor nlu.ParameterExtractor, cfg config.SessionConfig) *Collector {
	return &Collector{
		store:     st,
		extractor: extractor,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the collector's clock. Test hook.
func (c *Collector) SetClock(now func() time.Time) { c.now = now }

// Start creates a session for a matched action, attempting automatic
// extraction from the triggering input before asking anything.
func (c *Collector) Start(ctx context.Context, action *models.ActionDefinition, confidence float64, systemID, userID, conversationID, rawInput string) (*TurnOutcome, error) {
	now := c.now()
	sess := &models.ParamCollectionSession{
		SessionID:       uuid.New().String(),
		SystemID:        systemID,
		UserID:          userID,
		ConversationID:  conversationID,
		ActionID:        action.ActionID,
		State:           models.SessionCollecting,
		Active:          true,
		CollectedParams: map[string]string{},
		Confidence:      confidence,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpireAt:        now.Add(c.cfg.TTL),
	}

	var warnings []string
	extracted := c.extract(ctx, rawInput, action)
	warnings = c.merge(sess, action, extracted, warnings)
	c.recompute(sess, action)

	outcome, err := c.advance(sess, action, warnings)
	if err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save new session: %w", err)
	}

	log.Info().
		Str("session", sess.SessionID).
		Str("action", action.ActionID).
		Strs("missing", sess.MissingParams).
		Msg("Collection session started")
	return outcome, nil
}

// HandleTurn merges one user turn into the session and advances the state
// machine. The caller is expected to re-read and retry on store.ErrConflict.
func (c *Collector) HandleTurn(ctx context.Context, sess *models.ParamCollectionSession, action *models.ActionDefinition, input string) (*TurnOutcome, error) {
	trimmed := strings.TrimSpace(input)

	// Idempotent confirm: a completed session replays its recorded result.
	if sess.State == models.SessionCompleted {
		return &TurnOutcome{Kind: TurnAlreadyDone, Message: "This request has already been completed.", Session: sess}, nil
	}
	if sess.State.Terminal() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrIllegalTransition, sess.SessionID, sess.State)
	}

	if c.matchesPhrase(trimmed, c.cfg.CancelPhrases) {
		if err := Transition(sess, models.SessionCancelled); err != nil {
			return nil, err
		}
		if err := c.store.Save(ctx, sess); err != nil {
			return nil, fmt.Errorf("save cancelled session: %w", err)
		}
		log.Info().Str("session", sess.SessionID).Msg("Collection cancelled by user")
		return &TurnOutcome{Kind: TurnCancelled, Message: "Okay, cancelled. Nothing was changed.", Session: sess}, nil
	}

	if sess.State == models.SessionPendingConfirm && c.matchesPhrase(trimmed, c.cfg.ConfirmPhrases) {
		if err := Transition(sess, models.SessionConfirmed); err != nil {
			return nil, err
		}
		if err := c.store.Save(ctx, sess); err != nil {
			return nil, fmt.Errorf("save confirmed session: %w", err)
		}
		return &TurnOutcome{Kind: TurnConfirmed, Session: sess}, nil
	}

	// Treat the turn as parameter input (or a correction mid-confirm).
	var warnings []string
	extracted := c.extract(ctx, trimmed, action)
	if len(extracted) == 0 && sess.AwaitingParam != "" && trimmed != "" {
		extracted = map[string]string{sess.AwaitingParam: trimmed}
	}
	warnings = c.merge(sess, action, extracted, warnings)
	c.recompute(sess, action)

	outcome, err := c.advance(sess, action, warnings)
	if err != nil {
		return nil, err
	}
	sess.ExpireAt = c.now().Add(c.cfg.TTL) // activity extends the TTL
	if err := c.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session turn: %w", err)
	}
	return outcome, nil
}

// Complete closes a confirmed session with its execution result. Repeating
// the confirmation afterwards replays this result.
func (c *Collector) Complete(ctx context.Context, sess *models.ParamCollectionSession, result *models.ExecutionResult) error {
	if err := Transition(sess, models.SessionCompleted); err != nil {
		return err
	}
	sess.Result = result
	if err := c.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("save completed session: %w", err)
	}
	return nil
}

// IsConfirmPhrase reports whether the input is a configured confirmation.
func (c *Collector) IsConfirmPhrase(input string) bool {
	return c.matchesPhrase(input, c.cfg.ConfirmPhrases)
}

// IsCancelPhrase reports whether the input is a configured cancellation.
func (c *Collector) IsCancelPhrase(input string) bool {
	return c.matchesPhrase(input, c.cfg.CancelPhrases)
}

// Deactivate releases the conversation slot held by a completed session so
// a new dialogue can start.
func (c *Collector) Deactivate(ctx context.Context, sess *models.ParamCollectionSession) error {
	sess.Active = false
	if err := c.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	return nil
}

// ── internals ───────────────────────────────────────────────

func (c *Collector) extract(ctx context.Context, input string, action *models.ActionDefinition) map[string]string {
	if c.extractor == nil || input == "" || len(action.Parameters) == 0 {
		return nil
	}
	specs := make([]nlu.ParamSpec, 0, len(action.Parameters))
	for _, p := range action.Parameters {
		specs = append(specs, nlu.ParamSpec{
			Name: p.Name, Type: string(p.Type),
			Description: p.Description, EnumValues: p.EnumValues,
		})
	}
	values, err := c.extractor.Extract(ctx, input, specs)
	if err != nil {
		// Extraction is best-effort; the user can still answer prompts.
		log.Warn().Err(err).Str("action", action.ActionID).Msg("Parameter extraction unavailable")
		return nil
	}
	return values
}

// merge applies extracted values. Already-collected values are never
// overwritten unless the user is actively correcting the awaited parameter.
// Invalid values are rejected with a warning and stay missing.
func (c *Collector) merge(sess *models.ParamCollectionSession, action *models.ActionDefinition, extracted map[string]string, warnings []string) []string {
	for name, value := range extracted {
		param := action.Param(name)
		if param == nil {
			continue
		}
		if _, exists := sess.CollectedParams[name]; exists && name != sess.AwaitingParam {
			continue
		}
		if err := ValidateValue(param, value); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", name, err))
			delete(sess.CollectedParams, name)
			continue
		}
		sess.CollectedParams[name] = value
	}
	return warnings
}

// recompute rebuilds MissingParams from the action's required parameters,
// resolving declared defaults into CollectedParams so the later summary can
// show them. Order follows parameter declaration order.
func (c *Collector) recompute(sess *models.ParamCollectionSession, action *models.ActionDefinition) {
	var missing []string
	for _, p := range action.Parameters {
		if !p.Required {
			continue
		}
		if _, ok := sess.CollectedParams[p.Name]; ok {
			continue
		}
		if p.Default != "" {
			sess.CollectedParams[p.Name] = p.Default
			continue
		}
		missing = append(missing, p.Name)
	}
	sess.MissingParams = missing
}

// advance moves the session to PENDING_CONFIRM when nothing is missing, or
// prepares the next question otherwise. Validation warnings are prepended to
// the user-facing message. A session outside the collecting states cannot
// advance; the transition error surfaces instead of being swallowed.
func (c *Collector) advance(sess *models.ParamCollectionSession, action *models.ActionDefinition, warnings []string) (*TurnOutcome, error) {
	prefix := ""
	if len(warnings) > 0 {
		prefix = "Some values were rejected: " + strings.Join(warnings, "; ") + "\n"
	}

	if len(sess.MissingParams) == 0 {
		if err := Transition(sess, models.SessionPendingConfirm); err != nil {
			return nil, err
		}
		sess.AwaitingParam = ""
		sess.AwaitingInput = true
		sess.NextQuestion = prefix + c.summary(sess, action)
		return &TurnOutcome{Kind: TurnPendingConfirm, Message: sess.NextQuestion, Session: sess}, nil
	}

	if err := Transition(sess, models.SessionCollecting); err != nil {
		return nil, err
	}
	sess.AwaitingParam = sess.MissingParams[0]
	sess.AwaitingInput = true
	sess.NextQuestion = prefix + c.question(action, sess.AwaitingParam)
	return &TurnOutcome{Kind: TurnCollecting, Message: sess.NextQuestion, Session: sess}, nil
}

func (c *Collector) question(action *models.ActionDefinition, name string) string {
	p := action.Param(name)
	if p != nil && p.Description != "" {
		return fmt.Sprintf("Please provide %s (%s).", name, p.Description)
	}
	if p != nil && len(p.EnumValues) > 0 {
		return fmt.Sprintf("Please choose %s: %s.", name, strings.Join(p.EnumValues, ", "))
	}
	return fmt.Sprintf("Please provide %s.", name)
}

// summary renders all collected values, including resolved defaults, for
// explicit confirmation.
func (c *Collector) summary(sess *models.ParamCollectionSession, action *models.ActionDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "About to run %q with:\n", action.Name)
	for _, p := range action.Parameters {
		if v, ok := sess.CollectedParams[p.Name]; ok {
			fmt.Fprintf(&b, "  %s: %s\n", p.Name, v)
		}
	}
	b.WriteString("Confirm? (yes/no)")
	return b.String()
}

func (c *Collector) matchesPhrase(input string, phrases []string) bool {
	in := strings.ToLower(strings.TrimSpace(input))
	if in == "" {
		return false
	}
	for _, p := range phrases {
		if in == strings.ToLower(strings.TrimSpace(p)) {
			return true
		}
	}
	return false
}
