package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/actionbridge/actionbridge/internal/api"
	"github.com/actionbridge/actionbridge/internal/api/handlers"
	"github.com/actionbridge/actionbridge/internal/catalog"
	"github.com/actionbridge/actionbridge/internal/collect"
	"github.com/actionbridge/actionbridge/internal/config"
	"github.com/actionbridge/actionbridge/internal/engine"
	"github.com/actionbridge/actionbridge/internal/executor"
	"github.com/actionbridge/actionbridge/internal/matcher"
	"github.com/actionbridge/actionbridge/internal/options"
	"github.com/actionbridge/actionbridge/internal/permission"
	"github.com/actionbridge/actionbridge/internal/store"
	"github.com/actionbridge/actionbridge/pkg/models"
)

func newTestServer(t *testing.T) (http.Handler, *catalog.Catalog) {
	t.Helper()
	cfg := &config.Config{
		Version: "test",
		Match:   config.MatchConfig{KeywordWeight: 0.4, SemanticWeight: 0.6, Threshold: 0.3},
		Session: config.SessionConfig{
			TTL:            10 * time.Minute,
			ConfirmPhrases: []string{"yes"},
			CancelPhrases:  []string{"no"},
		},
		Options: config.OptionsConfig{CacheTTL: time.Minute, HTTPTimeout: time.Second},
		Execution: config.ExecutionConfig{
			StepTimeout:    time.Second,
			RetryCount:     0,
			RetryBaseDelay: time.Millisecond,
		},
	}

	cat := catalog.New()
	perms := permission.NewRegistry()
	if err := perms.Register(permission.NewRoleMapAdapter("default", 0, map[string]permission.RoleGrant{
		"admin": {AllowedActions: []string{"unit.*"}, DataScope: models.DataScopeAll},
	})); err != nil {
		t.Fatal(err)
	}

	st := store.NewMemorySessionStore()
	col := collect.New(st, nil, cfg.Session)
	res := options.NewResolver(cfg.Options)

	reg := executor.NewRegistry()
	if err := reg.Register(executor.NewAPICallExecutor(time.Second)); err != nil {
		t.Fatal(err)
	}
	plans := executor.NewPlanExecutor(reg, cfg.Execution)

	eng := engine.New(cat, perms, matcher.New(cat, nil, cfg.Match), col, st, res, plans, cfg)
	return api.NewRouter(cfg, handlers.New(eng, cat, plans)), cat
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestActionCatalogCRUD(t *testing.T) {
	h, _ := newTestServer(t)

	action := models.ActionDefinition{
		ActionID:   "unit.create",
		Name:       "添加计量单位",
		ActionType: models.ActionTypeAPICall,
		Enabled:    true,
		Binding:    &models.InterfaceBinding{Kind: models.BindingHTTP, Method: "POST", URL: "http://erp/api/units"},
	}

	w := postJSON(t, h, "/api/v1/actions", action)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", w.Code, w.Body)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/actions/unit.create", nil)
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Fatalf("get status = %d", w2.Code)
	}
	var got models.ActionDefinition
	if err := json.Unmarshal(w2.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "添加计量单位" {
		t.Errorf("Name = %q", got.Name)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/actions/unit.create", nil)
	w3 := httptest.NewRecorder()
	h.ServeHTTP(w3, req)
	if w3.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w3.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/actions/unit.create", nil)
	w4 := httptest.NewRecorder()
	h.ServeHTTP(w4, req)
	if w4.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", w4.Code)
	}
}

func TestRegisterActionValidation(t *testing.T) {
	h, _ := newTestServer(t)

	// Single-step action with no binding is rejected.
	w := postJSON(t, h, "/api/v1/actions", models.ActionDefinition{
		ActionID:   "broken",
		Name:       "Broken",
		ActionType: models.ActionTypeAPICall,
		Enabled:    true,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestPostMessageFlow(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"id":"u-1"}`))
	}))
	defer upstream.Close()

	h, cat := newTestServer(t)
	if err := cat.Register(&models.ActionDefinition{
		ActionID:        "unit.create",
		Name:            "添加计量单位",
		ActionType:      models.ActionTypeAPICall,
		Enabled:         true,
		TriggerKeywords: []string{"添加单位"},
		Binding:         &models.InterfaceBinding{Kind: models.BindingHTTP, Method: "POST", URL: upstream.URL},
	}); err != nil {
		t.Fatal(err)
	}

	body := map[string]any{
		"user_id": "u1",
		"text":    "添加单位",
		"context": map[string]string{"role": "admin", "user_id": "u1"},
	}
	w := postJSON(t, h, "/api/v1/conversations/c1/messages", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var result models.DialogueResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	// No parameters declared: the engine goes straight to confirmation.
	if result.Kind != models.DialogueMatched || !result.RequiresConfirmation {
		t.Fatalf("result = %+v", result)
	}

	body["text"] = "yes"
	w = postJSON(t, h, "/api/v1/conversations/c1/messages", body)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm status = %d: %s", w.Code, w.Body)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Kind != models.DialogueExecution || result.Execution == nil || !result.Execution.Success {
		t.Fatalf("confirm result = %+v", result)
	}
}

func TestPostMessageRequiresText(t *testing.T) {
	h, _ := newTestServer(t)
	w := postJSON(t, h, "/api/v1/conversations/c1/messages", map[string]any{"user_id": "u1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetPlanNotFound(t *testing.T) {
	h, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/plans/nope", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestStepInputValidation(t *testing.T) {
	h, _ := newTestServer(t)
	w := postJSON(t, h, "/api/v1/plans/nope/steps/s1/input", map[string]any{"inputs": map[string]any{"days": "3"}})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown plan status = %d, want 404", w.Code)
	}

	w = postJSON(t, h, "/api/v1/plans/nope/steps/s1/input", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty inputs status = %d, want 400", w.Code)
	}
}
