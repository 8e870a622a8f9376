// Package handlers implements the HTTP handlers for the ActionBridge
// engine: the conversation endpoint, catalog management, and plan
// inspection / resumption.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/actionbridge/actionbridge/internal/api/middleware"
	"github.com/actionbridge/actionbridge/internal/catalog"
	"github.com/actionbridge/actionbridge/internal/engine"
	"github.com/actionbridge/actionbridge/internal/executor"
	"github.com/actionbridge/actionbridge/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Engine  *engine.Engine
	Catalog *catalog.Catalog
	Plans   *executor.PlanExecutor
}

// New creates a Handlers instance with all dependencies.
func New(eng *engine.Engine, cat *catalog.Catalog, plans *executor.PlanExecutor) *Handlers {
	return &Handlers{Engine: eng, Catalog: cat, Plans: plans}
}

// ── Conversation ────────────────────────────────────────────

// messageRequest is the body of one conversational turn. system_id and
// user_id fall back to the request headers when omitted.
type messageRequest struct {
	SystemID string            `json:"system_id,omitempty"`
	UserID   string            `json:"user_id,omitempty"`
	Text     string            `json:"text"`
	Context  map[string]string `json:"context,omitempty"`
}

func (h *Handlers) PostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.SystemID == "" {
		req.SystemID = middleware.GetSystemID(r.Context())
	}
	if req.UserID == "" {
		req.UserID = middleware.GetUserID(r.Context())
	}

	result, err := h.Engine.HandleMessage(r.Context(), &engine.Request{
		SystemID:       req.SystemID,
		UserID:         req.UserID,
		ConversationID: conversationID,
		Text:           req.Text,
		RawContext:     req.Context,
	})
	if err != nil {
		log.Error().Err(err).Str("conversation", conversationID).Msg("Turn failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Action Catalog ──────────────────────────────────────────

func (h *Handlers) ListActions(w http.ResponseWriter, r *http.Request) {
	actions := h.Catalog.ListAll()
	if actions == nil {
		actions = []*models.ActionDefinition{}
	}
	respondJSON(w, http.StatusOK, actions)
}

func (h *Handlers) RegisterAction(w http.ResponseWriter, r *http.Request) {
	var action models.ActionDefinition
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	action.CreatedAt = time.Now().UTC()
	action.UpdatedAt = action.CreatedAt

	if err := h.Catalog.Register(&action); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Info().Str("action", action.ActionID).Msg("Action registered")
	respondJSON(w, http.StatusCreated, action)
}

func (h *Handlers) GetAction(w http.ResponseWriter, r *http.Request) {
	action := h.Catalog.Get(chi.URLParam(r, "actionID"))
	if action == nil {
		respondError(w, http.StatusNotFound, "Action not found")
		return
	}
	respondJSON(w, http.StatusOK, action)
}

func (h *Handlers) UpdateAction(w http.ResponseWriter, r *http.Request) {
	actionID := chi.URLParam(r, "actionID")
	existing := h.Catalog.Get(actionID)
	if existing == nil {
		respondError(w, http.StatusNotFound, "Action not found")
		return
	}

	var action models.ActionDefinition
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if action.ActionID != "" && action.ActionID != actionID {
		respondError(w, http.StatusBadRequest, "action_id cannot change")
		return
	}
	action.ActionID = actionID
	action.CreatedAt = existing.CreatedAt
	action.UpdatedAt = time.Now().UTC()

	// Register overwrites the existing definition after validation.
	if err := h.Catalog.Register(&action); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, action)
}

func (h *Handlers) DeleteAction(w http.ResponseWriter, r *http.Request) {
	if !h.Catalog.Delete(chi.URLParam(r, "actionID")) {
		respondError(w, http.StatusNotFound, "Action not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Plans ───────────────────────────────────────────────────

func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.Plans.Get(chi.URLParam(r, "planID"))
	if err != nil {
		if errors.Is(err, executor.ErrPlanNotFound) {
			respondError(w, http.StatusNotFound, "Plan not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// stepInputRequest feeds user answers into a waiting plan step.
type stepInputRequest struct {
	Inputs map[string]any `json:"inputs"`
}

func (h *Handlers) PostStepInput(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	stepID := chi.URLParam(r, "stepID")

	var req stepInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Inputs) == 0 {
		respondError(w, http.StatusBadRequest, "inputs are required")
		return
	}

	result, err := h.Engine.ResumePlan(r.Context(), planID, stepID, req.Inputs)
	if err != nil {
		if errors.Is(err, executor.ErrPlanNotFound) {
			respondError(w, http.StatusNotFound, "Plan not found")
			return
		}
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Response encoding failed")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
