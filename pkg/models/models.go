// Package models defines the core data model for the ActionBridge engine:
// action definitions, parameter-collection sessions, execution plans, and
// the permission types that scope them.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ── Action Catalog ──────────────────────────────────────────

// ActionType classifies how an action is executed.
type ActionType string

const (
	ActionTypeAPICall         ActionType = "api_call"
	ActionTypeMultiStep       ActionType = "multi_step"
	ActionTypeInternalService ActionType = "internal_service"
)

// ParamType is the declared type of an action parameter.
type ParamType string

const (
	ParamTypeString  ParamType = "string"
	ParamTypeNumber  ParamType = "number"
	ParamTypeBoolean ParamType = "boolean"
	ParamTypeDate    ParamType = "date"
	ParamTypeEnum    ParamType = "enum"
)

// SourceType identifies where selectable parameter options come from.
type SourceType string

const (
	SourceStatic SourceType = "static"
	SourceEnum   SourceType = "enum"
	SourceHTTP   SourceType = "http"
	SourceNL2SQL SourceType = "nl2sql"
)

// Option is a single selectable (label, value) pair.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// OptionSourceConfig configures how a parameter's options are fetched.
// Only the fields for the declared Type are consulted.
type OptionSourceConfig struct {
	Type SourceType `json:"type"`

	// STATIC: inline options.
	Values []Option `json:"values,omitempty"`

	// HTTP: remote lookup. LabelPath and ValuePath are gjson paths that
	// must resolve to arrays of equal length.
	Method    string            `json:"method,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	LabelPath string            `json:"label_path,omitempty"`
	ValuePath string            `json:"value_path,omitempty"`

	// NL2SQL: natural-language query delegated to the schema collaborator.
	Query string `json:"query,omitempty"`
}

// ActionParameter declares one slot an action needs filled.
type ActionParameter struct {
	Name         string              `json:"name"`
	Type         ParamType           `json:"type"`
	Required     bool                `json:"required"`
	EnumValues   []string            `json:"enum_values,omitempty"`
	Default      string              `json:"default,omitempty"`
	Description  string              `json:"description,omitempty"`
	Pattern      string              `json:"pattern,omitempty"` // validation regex
	OptionSource *OptionSourceConfig `json:"option_source,omitempty"`
}

// BindingKind distinguishes HTTP bindings from internal service calls.
type BindingKind string

const (
	BindingHTTP     BindingKind = "http"
	BindingInternal BindingKind = "internal"
)

// InterfaceBinding describes the external interface a step or single-step
// action is bound to.
type InterfaceBinding struct {
	Kind    BindingKind       `json:"kind"`
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Internal service reference.
	Service   string `json:"service,omitempty"`
	Operation string `json:"operation,omitempty"`

	// TimeoutSecs bounds the network call; 0 means the engine default.
	TimeoutSecs int `json:"timeout_secs,omitempty"`
}

// StepType enumerates the step semantics known to the executor registry.
type StepType string

const (
	StepQuery           StepType = "query"
	StepInput           StepType = "input"
	StepExecute         StepType = "execute"
	StepAPICall         StepType = "api_call"
	StepInternalService StepType = "internal_service"
	StepNotification    StepType = "notification"
	StepDecision        StepType = "decision"
	StepWait            StepType = "wait"
	StepTransform       StepType = "transform"
	StepValidation      StepType = "validation"
)

// InputSource identifies where a step input value is resolved from.
type InputSource string

const (
	SourceUserInput    InputSource = "user_input"
	SourcePreviousStep InputSource = "previous_step"
	SourceContext      InputSource = "context"
)

// InputBinding maps one step input to its source.
type InputBinding struct {
	Name   string      `json:"name"`
	Source InputSource `json:"source"`

	// USER_INPUT: collected parameter name (defaults to Name).
	Param string `json:"param,omitempty"`

	// PREVIOUS_STEP: step id and output field.
	StepID string `json:"step_id,omitempty"`
	Field  string `json:"field,omitempty"`

	// CONTEXT: ambient value key (user_id, system_id, ...).
	ContextKey string `json:"context_key,omitempty"`
}

// StepDefinition is one declared step of a multi-step action.
type StepDefinition struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Type         StepType            `json:"type"`
	Order        int                 `json:"order"`
	Inputs       []InputBinding      `json:"inputs,omitempty"`
	Binding      *InterfaceBinding   `json:"binding,omitempty"`
	Condition    string              `json:"condition,omitempty"` // DECISION: expr over prior outputs
	Prompt       string              `json:"prompt,omitempty"`    // INPUT/QUERY: question for the user
	OptionSource *OptionSourceConfig `json:"option_source,omitempty"`
	TimeoutSecs  int                 `json:"timeout_secs,omitempty"`
	RetryCount   int                 `json:"retry_count,omitempty"`
	Compensation *InterfaceBinding   `json:"compensation,omitempty"`
}

// ActionDefinition is a registered business capability.
type ActionDefinition struct {
	ActionID    string   `json:"action_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	// Matching hints.
	TriggerKeywords []string `json:"trigger_keywords,omitempty"`
	Synonyms        []string `json:"synonyms,omitempty"`
	ExampleInputs   []string `json:"example_inputs,omitempty"`

	ActionType ActionType        `json:"action_type"`
	Parameters []ActionParameter `json:"parameters,omitempty"`
	Steps      []StepDefinition  `json:"steps,omitempty"`

	// Binding and Compensation apply to single-step actions only;
	// multi-step actions bind per StepDefinition.
	Binding      *InterfaceBinding `json:"binding,omitempty"`
	Compensation *InterfaceBinding `json:"compensation,omitempty"`

	Priority            int      `json:"priority,omitempty"`
	TimeoutMinutes      int      `json:"timeout_minutes,omitempty"`
	Enabled             bool     `json:"enabled"`
	RequiredPermissions []string `json:"required_permissions,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// IsMultiStep reports whether the action expands into a declared step list.
// An action with ActionType multi_step or any declared steps is multi-step;
// everything else is a single-step action bound to one interface.
func (a *ActionDefinition) IsMultiStep() bool {
	return a.ActionType == ActionTypeMultiStep || len(a.Steps) > 0
}

// RequiredParams returns the names of required parameters in declared order.
func (a *ActionDefinition) RequiredParams() []string {
	var names []string
	for _, p := range a.Parameters {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}

// Param returns the parameter declaration by name, or nil.
func (a *ActionDefinition) Param(name string) *ActionParameter {
	for i := range a.Parameters {
		if a.Parameters[i].Name == name {
			return &a.Parameters[i]
		}
	}
	return nil
}

// ── Action Matching ─────────────────────────────────────────

// MatchType records which signal produced a match.
type MatchType string

const (
	MatchKeyword  MatchType = "keyword"
	MatchSemantic MatchType = "semantic"
	MatchHybrid   MatchType = "hybrid"
)

// ActionMatch is one scored candidate, ephemeral per matching call.
type ActionMatch struct {
	Action     *ActionDefinition `json:"action"`
	Confidence float64           `json:"confidence"` // ∈ [0,1]
	MatchType  MatchType         `json:"match_type"`
}

// ── Parameter Collection Session ────────────────────────────

// SessionState is the parameter-collection state machine state.
type SessionState string

const (
	SessionCollecting     SessionState = "collecting"
	SessionPendingConfirm SessionState = "pending_confirm"
	SessionConfirmed      SessionState = "confirmed"
	SessionCompleted      SessionState = "completed"
	SessionCancelled      SessionState = "cancelled"
	SessionExpired        SessionState = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled || s == SessionExpired
}

// ParamCollectionSession carries multi-turn slot-filling state for one
// (conversation, user) pair. At most one session per pair is active.
type ParamCollectionSession struct {
	SessionID      string       `json:"session_id"`
	SystemID       string       `json:"system_id"`
	UserID         string       `json:"user_id"`
	ConversationID string       `json:"conversation_id"`
	ActionID       string       `json:"action_id"`
	State          SessionState `json:"state"`
	Active         bool         `json:"active"`
	AwaitingInput  bool         `json:"awaiting_input"`
	NextQuestion   string       `json:"next_question,omitempty"`
	AwaitingParam  string       `json:"awaiting_param,omitempty"`

	// MissingParams is ordered by parameter declaration order; later
	// CollectedParams values override earlier ones on merge.
	MissingParams   []string          `json:"missing_params"`
	CollectedParams map[string]string `json:"collected_params"`

	Confidence float64 `json:"confidence"`

	// PlanID references the generated execution plan once the session is
	// confirmed, so a plan pausing for step input can be resumed from the
	// next conversational turn.
	PlanID string `json:"plan_id,omitempty"`

	// Result is set when the session completes, so repeating the
	// confirmation phrase returns the original outcome instead of
	// executing twice.
	Result *ExecutionResult `json:"result,omitempty"`

	// Version supports compare-and-set saves; stores reject a Save whose
	// version does not match the persisted one.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpireAt  time.Time `json:"expire_at"`
}

// IsExpired reports whether the session TTL has elapsed at now.
func (s *ParamCollectionSession) IsExpired(now time.Time) bool {
	return !s.ExpireAt.IsZero() && now.After(s.ExpireAt)
}

// ToMap serializes the session to a flat map, suitable for stores that
// persist hashes rather than documents.
func (s *ParamCollectionSession) ToMap() (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal session map: %w", err)
	}
	return m, nil
}

// SessionFromMap is the inverse of ToMap.
func SessionFromMap(m map[string]any) (*ParamCollectionSession, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal session map: %w", err)
	}
	var s ParamCollectionSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

// ── Execution Plan ──────────────────────────────────────────

// StepStatus is the per-step execution status.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepRunning      StepStatus = "running"
	StepCompleted    StepStatus = "completed"
	StepWaitingInput StepStatus = "waiting_input"
	StepFailed       StepStatus = "failed"
	StepCancelled    StepStatus = "cancelled"
	StepCompensated  StepStatus = "compensated"
)

// PlanStatus is the overall plan status.
type PlanStatus string

const (
	PlanPending      PlanStatus = "pending"
	PlanRunning      PlanStatus = "running"
	PlanWaitingInput PlanStatus = "waiting_input"
	PlanCompleted    PlanStatus = "completed"
	PlanFailed       PlanStatus = "failed"
	PlanCancelled    PlanStatus = "cancelled"
)

// ExecutionStep is one instantiated step of a plan. The plan executor
// exclusively owns status transitions; prior step outputs are read-only
// inputs to later steps.
type ExecutionStep struct {
	StepInstanceID string   `json:"step_instance_id"`
	DefinitionID   string   `json:"definition_id,omitempty"`
	Name           string   `json:"name"`
	Type           StepType `json:"type"`
	Order          int      `json:"order"`

	InputValues  map[string]any `json:"input_values,omitempty"`
	OutputValues map[string]any `json:"output_values,omitempty"`

	Status       StepStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`

	// RetryCount is the configured maximum; Attempts counts what actually ran.
	RetryCount int `json:"retry_count"`
	Attempts   int `json:"attempts"`

	UserPrompt string   `json:"user_prompt,omitempty"`
	Options    []Option `json:"options,omitempty"`

	Binding      *InterfaceBinding `json:"binding,omitempty"`
	Condition    string            `json:"condition,omitempty"`
	Compensation *InterfaceBinding `json:"compensation,omitempty"`
	TimeoutSecs  int               `json:"timeout_secs,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ExecutionPlan is an ordered list of execution steps derived from an action.
type ExecutionPlan struct {
	PlanID    string     `json:"plan_id"`
	ActionID  string     `json:"action_id"`
	SessionID string     `json:"session_id,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Status    PlanStatus `json:"status"`

	Steps []*ExecutionStep `json:"steps"`

	// Context carries ambient values (user id, system id, tenant) that
	// CONTEXT-sourced inputs resolve from.
	Context map[string]any `json:"context,omitempty"`

	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step returns the plan step with the given definition id, or nil.
func (p *ExecutionPlan) Step(definitionID string) *ExecutionStep {
	for _, s := range p.Steps {
		if s.DefinitionID == definitionID {
			return s
		}
	}
	return nil
}

// stepRefPrefix marks an input value as a deferred reference to a prior
// step's output, resolved by the executor once that step has run.
const stepRefPrefix = "$step:"

// StepRef encodes a deferred reference to field of the step's output. An
// empty field refers to the whole output map.
func StepRef(stepID, field string) string {
	return stepRefPrefix + stepID + ":" + field
}

// ParseStepRef decodes a StepRef input value. ok is false for plain values.
func ParseStepRef(v any) (stepID, field string, ok bool) {
	s, isStr := v.(string)
	if !isStr || !strings.HasPrefix(s, stepRefPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(s, stepRefPrefix)
	stepID, field, _ = strings.Cut(rest, ":")
	if stepID == "" {
		return "", "", false
	}
	return stepID, field, true
}

// ── Permissions ─────────────────────────────────────────────

// DataScope is the breadth of records a permission grants access over.
type DataScope string

const (
	DataScopeSelf         DataScope = "self"
	DataScopeDepartment   DataScope = "department"
	DataScopeOrganization DataScope = "organization"
	DataScopeAll          DataScope = "all"
)

// Filter is one field-level data constraint attached to a permission.
type Filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// StandardPermission is the normalized permission produced by an adapter.
// It is computed per request and never persisted by the engine.
type StandardPermission struct {
	UserID         string            `json:"user_id"`
	SystemID       string            `json:"system_id"`
	AllowedActions []string          `json:"allowed_actions"`
	DataScope      DataScope         `json:"data_scope"`
	Filters        []Filter          `json:"filters,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
}

// Allows reports whether the permission covers the action id. Entries may
// be exact ids or prefixes of the form "hr.*".
func (p *StandardPermission) Allows(actionID string) bool {
	for _, a := range p.AllowedActions {
		if a == actionID {
			return true
		}
		if strings.HasSuffix(a, ".*") && strings.HasPrefix(actionID, strings.TrimSuffix(a, "*")) {
			return true
		}
	}
	return false
}

// ── Execution Result ────────────────────────────────────────

// FailureReason distinguishes failure modes the caller may react to.
type FailureReason string

const (
	FailureNone       FailureReason = ""
	FailureTimeout    FailureReason = "timeout"
	FailureValidation FailureReason = "validation"
	FailureExecution  FailureReason = "execution"
)

// ExecutionResult is the terminal artifact of one step or one action.
type ExecutionResult struct {
	Success         bool              `json:"success"`
	HTTPStatusCode  int               `json:"http_status_code,omitempty"`
	ResponseData    map[string]any    `json:"response_data,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	FailureReason   FailureReason     `json:"failure_reason,omitempty"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`

	// Warnings records non-fatal degradations (failed compensation,
	// unavailable option sources) so callers and tests can observe them
	// without log inspection.
	Warnings []string       `json:"warnings,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ── Conversational Result ───────────────────────────────────

// DialogueKind discriminates the engine's per-turn outcome.
type DialogueKind string

const (
	DialogueNoMatch         DialogueKind = "no_match"
	DialogueMatched         DialogueKind = "matched"
	DialogueParamCollection DialogueKind = "param_collection"
	DialogueExecution       DialogueKind = "execution"
)

// DialogueResult is the discriminated result returned to the calling UI
// layer after each user turn.
type DialogueResult struct {
	Kind DialogueKind `json:"kind"`

	ActionID   string  `json:"action_id,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	SessionID            string       `json:"session_id,omitempty"`
	State                SessionState `json:"state,omitempty"`
	Message              string       `json:"message,omitempty"`
	RequiresInput        bool         `json:"requires_input,omitempty"`
	RequiresConfirmation bool         `json:"requires_confirmation,omitempty"`

	PlanID    string           `json:"plan_id,omitempty"`
	Execution *ExecutionResult `json:"execution,omitempty"`
}
