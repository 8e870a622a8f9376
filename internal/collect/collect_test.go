package collect_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/actionbridge/actionbridge/internal/collect"
	"github.com/actionbridge/actionbridge/internal/config"
	"github.com/actionbridge/actionbridge/internal/nlu"
	"github.com/actionbridge/actionbridge/internal/store"
	"github.com/actionbridge/actionbridge/pkg/models"
)

type fakeExtractor struct {
	values map[string]string
	err    error
}

func (f *fakeExtractor) Extract(_ context.Context, _ string, _ []nlu.ParamSpec) (map[string]string, error) {
	return f.values, f.err
}

func sessionCfg() config.SessionConfig {
	return config.SessionConfig{
		TTL:            10 * time.Minute,
		ConfirmPhrases: []string{"yes", "y", "ok", "confirm", "确认", "确定", "是"},
		CancelPhrases:  []string{"no", "n", "cancel", "abort", "取消", "不", "算了"},
	}
}

func unitAction() *models.ActionDefinition {
	return &models.ActionDefinition{
		ActionID:   "unit.create",
		Name:       "添加计量单位",
		ActionType: models.ActionTypeAPICall,
		Enabled:    true,
		Parameters: []models.ActionParameter{
			{Name: "name", Type: models.ParamTypeString, Required: true, Description: "unit name"},
			{Name: "status", Type: models.ParamTypeString, Required: true, Default: "enabled"},
		},
		Binding: &models.InterfaceBinding{
			Kind: models.BindingHTTP, Method: "POST", URL: "http://erp/api/units",
		},
	}
}

func newCollector(t *testing.T, ex nlu.ParameterExtractor) (*collect.Collector, *store.MemorySessionStore) {
	t.Helper()
	st := store.NewMemorySessionStore()
	return collect.New(st, ex, sessionCfg()), st
}

// Full happy path: missing param asked, answered, confirmed, completed.
func TestCollectionFlow(t *testing.T) {
	c, _ := newCollector(t, nil)
	ctx := context.Background()
	action := unitAction()

	out, err := c.Start(ctx, action, 0.9, "erp", "u1", "c1", "添加单位")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if out.Kind != collect.TurnCollecting {
		t.Fatalf("Start() kind = %q, want collecting", out.Kind)
	}
	sess := out.Session
	if len(sess.MissingParams) != 1 || sess.MissingParams[0] != "name" {
		t.Fatalf("MissingParams = %v, want [name]", sess.MissingParams)
	}
	// The defaulted parameter must already be resolved, not asked for.
	if sess.CollectedParams["status"] != "enabled" {
		t.Errorf("default not resolved: %v", sess.CollectedParams)
	}

	out, err = c.HandleTurn(ctx, sess, action, "个")
	if err != nil {
		t.Fatalf("HandleTurn(answer) error = %v", err)
	}
	if out.Kind != collect.TurnPendingConfirm {
		t.Fatalf("kind after answer = %q, want pending_confirm", out.Kind)
	}
	if out.Session.CollectedParams["name"] != "个" {
		t.Errorf("CollectedParams = %v", out.Session.CollectedParams)
	}

	out, err = c.HandleTurn(ctx, out.Session, action, "确认")
	if err != nil {
		t.Fatalf("HandleTurn(confirm) error = %v", err)
	}
	if out.Kind != collect.TurnConfirmed {
		t.Fatalf("kind after confirm = %q, want confirmed", out.Kind)
	}

	result := &models.ExecutionResult{Success: true, HTTPStatusCode: 200}
	if err := c.Complete(ctx, out.Session, result); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out.Session.State != models.SessionCompleted {
		t.Errorf("session after Complete: state=%s", out.Session.State)
	}
	// Completed sessions keep their conversation slot for result replay.
	if !out.Session.Active {
		t.Error("completed session released its conversation slot")
	}
	if out.Session.Result == nil || !out.Session.Result.Success {
		t.Errorf("Result = %+v", out.Session.Result)
	}
}

// Repeating the confirmation after completion replays the stored result
// instead of executing again.
func TestIdempotentConfirmAfterCompletion(t *testing.T) {
	c, _ := newCollector(t, nil)
	ctx := context.Background()
	action := unitAction()

	out, _ := c.Start(ctx, action, 0.9, "erp", "u1", "c1", "添加单位")
	out, _ = c.HandleTurn(ctx, out.Session, action, "个")
	out, _ = c.HandleTurn(ctx, out.Session, action, "yes")
	result := &models.ExecutionResult{Success: true}
	if err := c.Complete(ctx, out.Session, result); err != nil {
		t.Fatal(err)
	}

	replay, err := c.HandleTurn(ctx, out.Session, action, "yes")
	if err != nil {
		t.Fatalf("HandleTurn(replayed confirm) error = %v", err)
	}
	if replay.Kind != collect.TurnAlreadyDone {
		t.Errorf("kind = %q, want already_done", replay.Kind)
	}
	if replay.Session.Result == nil || !replay.Session.Result.Success {
		t.Errorf("stored result not replayed: %+v", replay.Session.Result)
	}
}

func TestCancelAtAnyStage(t *testing.T) {
	c, _ := newCollector(t, nil)
	ctx := context.Background()
	action := unitAction()

	// Cancel mid-collection.
	out, _ := c.Start(ctx, action, 0.9, "erp", "u1", "c1", "添加单位")
	out, err := c.HandleTurn(ctx, out.Session, action, "取消")
	if err != nil {
		t.Fatalf("HandleTurn(cancel) error = %v", err)
	}
	if out.Kind != collect.TurnCancelled || out.Session.State != models.SessionCancelled {
		t.Errorf("cancel mid-collection: kind=%q state=%s", out.Kind, out.Session.State)
	}

	// Cancel at the confirmation prompt.
	out2, _ := c.Start(ctx, action, 0.9, "erp", "u1", "c2", "添加单位")
	out2, _ = c.HandleTurn(ctx, out2.Session, action, "个")
	out2, err = c.HandleTurn(ctx, out2.Session, action, "no")
	if err != nil {
		t.Fatalf("HandleTurn(cancel at confirm) error = %v", err)
	}
	if out2.Kind != collect.TurnCancelled {
		t.Errorf("kind = %q, want cancelled", out2.Kind)
	}

	// A cancelled session accepts no further turns.
	if _, err := c.HandleTurn(ctx, out.Session, action, "个"); !errors.Is(err, collect.ErrIllegalTransition) {
		t.Errorf("turn on cancelled session error = %v, want ErrIllegalTransition", err)
	}
}

// Automatic extraction can satisfy everything up front, jumping straight to
// the confirmation prompt.
func TestAutoExtractionSkipsQuestions(t *testing.T) {
	ex := &fakeExtractor{values: map[string]string{"name": "箱"}}
	c, _ := newCollector(t, ex)
	ctx := context.Background()

	out, err := c.Start(ctx, unitAction(), 0.9, "erp", "u1", "c1", "添加计量单位 箱")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if out.Kind != collect.TurnPendingConfirm {
		t.Fatalf("kind = %q, want pending_confirm", out.Kind)
	}
	if out.Session.CollectedParams["name"] != "箱" {
		t.Errorf("CollectedParams = %v", out.Session.CollectedParams)
	}
}

// Extraction failure degrades to asking; it never aborts the session.
func TestExtractionFailureDegrades(t *testing.T) {
	ex := &fakeExtractor{err: errors.New("model unavailable")}
	c, _ := newCollector(t, ex)

	out, err := c.Start(context.Background(), unitAction(), 0.9, "erp", "u1", "c1", "添加单位 个")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if out.Kind != collect.TurnCollecting {
		t.Errorf("kind = %q, want collecting", out.Kind)
	}
}

// A collected value is never silently overwritten by later extraction unless
// it is the parameter currently being corrected.
func TestNoOverwriteExceptAwaiting(t *testing.T) {
	ex := &fakeExtractor{values: map[string]string{"name": "箱", "status": "disabled"}}
	c, _ := newCollector(t, ex)
	ctx := context.Background()
	action := unitAction()

	out, _ := c.Start(ctx, action, 0.9, "erp", "u1", "c1", "添加单位 箱 停用")
	sess := out.Session
	if sess.CollectedParams["name"] != "箱" {
		t.Fatalf("setup: %v", sess.CollectedParams)
	}
	// Nothing is awaited at pending_confirm, so neither value may change.
	before := sess.CollectedParams["status"]

	ex.values = map[string]string{"name": "包", "status": "enabled"}
	out, err := c.HandleTurn(ctx, sess, action, "some unrelated remark")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if out.Session.CollectedParams["name"] != "箱" {
		t.Errorf("name overwritten: %v", out.Session.CollectedParams)
	}
	if out.Session.CollectedParams["status"] != before {
		t.Errorf("status overwritten: %v", out.Session.CollectedParams)
	}
}

// Invalid values are rejected with an explanation and the parameter is asked
// for again.
func TestInvalidValueReAsked(t *testing.T) {
	action := &models.ActionDefinition{
		ActionID:   "leave.apply",
		Name:       "请假申请",
		ActionType: models.ActionTypeAPICall,
		Enabled:    true,
		Parameters: []models.ActionParameter{
			{Name: "days", Type: models.ParamTypeNumber, Required: true},
		},
		Binding: &models.InterfaceBinding{Kind: models.BindingHTTP, Method: "POST", URL: "http://hr/api/leave"},
	}
	c, _ := newCollector(t, nil)
	ctx := context.Background()

	out, _ := c.Start(ctx, action, 0.9, "hr", "u1", "c1", "请假")
	out, err := c.HandleTurn(ctx, out.Session, action, "a few")
	if err != nil {
		t.Fatalf("HandleTurn(invalid) error = %v", err)
	}
	if out.Kind != collect.TurnCollecting {
		t.Fatalf("kind = %q, want collecting", out.Kind)
	}
	if out.Session.AwaitingParam != "days" {
		t.Errorf("AwaitingParam = %q, want days", out.Session.AwaitingParam)
	}
	if _, ok := out.Session.CollectedParams["days"]; ok {
		t.Errorf("invalid value stored: %v", out.Session.CollectedParams)
	}

	out, _ = c.HandleTurn(ctx, out.Session, action, "3")
	if out.Kind != collect.TurnPendingConfirm {
		t.Errorf("kind after valid retry = %q, want pending_confirm", out.Kind)
	}
}

// Every required parameter is either collected or missing, never both.
func TestCollectedMissingPartition(t *testing.T) {
	action := unitAction()
	action.Parameters = append(action.Parameters,
		models.ActionParameter{Name: "code", Type: models.ParamTypeString, Required: true})

	c, _ := newCollector(t, nil)
	ctx := context.Background()
	out, _ := c.Start(ctx, action, 0.9, "erp", "u1", "c1", "添加单位")

	check := func(sess *models.ParamCollectionSession) {
		t.Helper()
		for _, m := range sess.MissingParams {
			if _, ok := sess.CollectedParams[m]; ok {
				t.Errorf("param %q both collected and missing", m)
			}
		}
		for _, p := range action.Parameters {
			if !p.Required {
				continue
			}
			_, collected := sess.CollectedParams[p.Name]
			missing := false
			for _, m := range sess.MissingParams {
				if m == p.Name {
					missing = true
				}
			}
			if collected == missing {
				t.Errorf("param %q: collected=%v missing=%v", p.Name, collected, missing)
			}
		}
	}
	check(out.Session)

	out, _ = c.HandleTurn(ctx, out.Session, action, "个")
	check(out.Session)
	out, _ = c.HandleTurn(ctx, out.Session, action, "U001")
	check(out.Session)
}

// A confirmed session belongs to the executor; feeding it collection turns
// is an error, not a silent re-prompt.
func TestConfirmedSessionRejectsCollectionTurns(t *testing.T) {
	c, _ := newCollector(t, nil)
	ctx := context.Background()
	action := unitAction()
	action.Parameters = nil // nothing to collect: straight to confirmation

	out, err := c.Start(ctx, action, 0.9, "erp", "u1", "c1", "添加单位")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if out.Kind != collect.TurnPendingConfirm {
		t.Fatalf("Start() kind = %q, want pending_confirm", out.Kind)
	}

	out, err = c.HandleTurn(ctx, out.Session, action, "yes")
	if err != nil {
		t.Fatalf("HandleTurn(confirm) error = %v", err)
	}
	if out.Kind != collect.TurnConfirmed {
		t.Fatalf("kind = %q, want confirmed", out.Kind)
	}

	if _, err := c.HandleTurn(ctx, out.Session, action, "hello"); !errors.Is(err, collect.ErrIllegalTransition) {
		t.Errorf("HandleTurn on confirmed session error = %v, want ErrIllegalTransition", err)
	}
}

func TestTransitionRules(t *testing.T) {
	cases := []struct {
		from, to models.SessionState
		ok       bool
	}{
		{models.SessionCollecting, models.SessionPendingConfirm, true},
		{models.SessionCollecting, models.SessionConfirmed, false},
		{models.SessionPendingConfirm, models.SessionConfirmed, true},
		{models.SessionPendingConfirm, models.SessionCollecting, true},
		{models.SessionConfirmed, models.SessionCompleted, true},
		{models.SessionCompleted, models.SessionCollecting, false},
		{models.SessionCancelled, models.SessionConfirmed, false},
	}
	for _, tc := range cases {
		s := &models.ParamCollectionSession{State: tc.from, Active: true}
		err := collect.Transition(s, tc.to)
		if tc.ok && err != nil {
			t.Errorf("Transition(%s → %s) error = %v, want nil", tc.from, tc.to, err)
		}
		if !tc.ok && !errors.Is(err, collect.ErrIllegalTransition) {
			t.Errorf("Transition(%s → %s) error = %v, want ErrIllegalTransition", tc.from, tc.to, err)
		}
	}
}

func TestValidateValue(t *testing.T) {
	num := &models.ActionParameter{Name: "qty", Type: models.ParamTypeNumber}
	if err := collect.ValidateValue(num, "3.5"); err != nil {
		t.Errorf("number 3.5: %v", err)
	}
	if err := collect.ValidateValue(num, "many"); err == nil {
		t.Error("number 'many' accepted")
	}

	en := &models.ActionParameter{Name: "type", Type: models.ParamTypeEnum, EnumValues: []string{"annual", "sick"}}
	if err := collect.ValidateValue(en, "Sick"); err != nil {
		t.Errorf("enum case-fold: %v", err)
	}
	if err := collect.ValidateValue(en, "casual"); err == nil {
		t.Error("enum outsider accepted")
	}

	pat := &models.ActionParameter{Name: "code", Type: models.ParamTypeString, Pattern: `^[A-Z]{2}\d{3}$`}
	if err := collect.ValidateValue(pat, "AB123"); err != nil {
		t.Errorf("pattern match: %v", err)
	}
	if err := collect.ValidateValue(pat, "nope"); err == nil {
		t.Error("pattern mismatch accepted")
	}

	d := &models.ActionParameter{Name: "from", Type: models.ParamTypeDate}
	if err := collect.ValidateValue(d, "2026-03-01"); err != nil {
		t.Errorf("date: %v", err)
	}
	if err := collect.ValidateValue(d, "tomorrow-ish"); err == nil {
		t.Error("bad date accepted")
	}
}
