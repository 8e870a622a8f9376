package options_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/actionbridge/actionbridge/internal/config"
	"github.com/actionbridge/actionbridge/internal/options"
	"github.com/actionbridge/actionbridge/pkg/models"
)

func newResolver(t *testing.T, sources ...options.Source) *options.Resolver {
	t.Helper()
	r := options.NewResolver(config.OptionsConfig{CacheTTL: 5 * time.Minute, HTTPTimeout: 2 * time.Second})
	for _, s := range sources {
		if err := r.Register(s); err != nil {
			t.Fatalf("Register(%T) error = %v", s, err)
		}
	}
	return r
}

func staticParam(values ...models.Option) *models.ActionParameter {
	return &models.ActionParameter{
		Name: "unit",
		Type: models.ParamTypeString,
		OptionSource: &models.OptionSourceConfig{
			Type:   models.SourceStatic,
			Values: values,
		},
	}
}

func TestStaticSource(t *testing.T) {
	r := newResolver(t, options.StaticSource{})

	res := r.Resolve(context.Background(), "erp",
		staticParam(models.Option{Label: "个", Value: "pcs"}, models.Option{Label: "箱", Value: "box"}))
	if res == nil || len(res.Warnings) != 0 {
		t.Fatalf("Resolve() = %+v", res)
	}
	if len(res.Options) != 2 || res.Options[0].Value != "pcs" {
		t.Errorf("Options = %v", res.Options)
	}
}

func TestNilSourceConfig(t *testing.T) {
	r := newResolver(t)
	if res := r.Resolve(context.Background(), "erp", &models.ActionParameter{Name: "free"}); res != nil {
		t.Errorf("Resolve() on sourceless param = %+v, want nil", res)
	}
}

func TestUnregisteredTypeDegrades(t *testing.T) {
	r := newResolver(t) // nothing registered
	res := r.Resolve(context.Background(), "erp", staticParam(models.Option{Label: "个", Value: "pcs"}))
	if res == nil {
		t.Fatal("Resolve() = nil")
	}
	if len(res.Options) != 0 || len(res.Warnings) != 1 {
		t.Errorf("degradation: options=%v warnings=%v", res.Options, res.Warnings)
	}
}

func TestDuplicateSourceRejected(t *testing.T) {
	r := newResolver(t, options.StaticSource{})
	if err := r.Register(options.StaticSource{}); err == nil {
		t.Error("duplicate Register() succeeded")
	}
}

func TestHTTPSourceParallelArrays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Tenant"); got != "erp" {
			t.Errorf("X-Tenant = %q", got)
		}
		w.Write([]byte(`{"data":{"names":["个","箱"],"ids":["pcs","box"]}}`))
	}))
	defer srv.Close()

	r := newResolver(t, options.NewHTTPSource(2*time.Second))
	param := &models.ActionParameter{
		Name: "unit",
		OptionSource: &models.OptionSourceConfig{
			Type:      models.SourceHTTP,
			URL:       srv.URL,
			Headers:   map[string]string{"X-Tenant": "erp"},
			LabelPath: "data.names",
			ValuePath: "data.ids",
		},
	}

	res := r.Resolve(context.Background(), "erp", param)
	if len(res.Warnings) != 0 {
		t.Fatalf("Warnings = %v", res.Warnings)
	}
	want := []models.Option{{Label: "个", Value: "pcs"}, {Label: "箱", Value: "box"}}
	if len(res.Options) != 2 || res.Options[0] != want[0] || res.Options[1] != want[1] {
		t.Errorf("Options = %v, want %v", res.Options, want)
	}
}

// Unequal label/value arrays are a configuration error and degrade rather
// than producing misaligned options.
func TestHTTPSourceLengthMismatchDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"names":["个","箱","包"],"ids":["pcs","box"]}`))
	}))
	defer srv.Close()

	r := newResolver(t, options.NewHTTPSource(2*time.Second))
	param := &models.ActionParameter{
		Name: "unit",
		OptionSource: &models.OptionSourceConfig{
			Type: models.SourceHTTP, URL: srv.URL,
			LabelPath: "names", ValuePath: "ids",
		},
	}

	res := r.Resolve(context.Background(), "erp", param)
	if len(res.Options) != 0 || len(res.Warnings) != 1 {
		t.Errorf("mismatch not degraded: options=%v warnings=%v", res.Options, res.Warnings)
	}
}

func TestHTTPSourceErrorDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := newResolver(t, options.NewHTTPSource(2*time.Second))
	param := &models.ActionParameter{
		Name: "unit",
		OptionSource: &models.OptionSourceConfig{
			Type: models.SourceHTTP, URL: srv.URL,
			LabelPath: "names", ValuePath: "ids",
		},
	}

	res := r.Resolve(context.Background(), "erp", param)
	if len(res.Options) != 0 || len(res.Warnings) != 1 {
		t.Errorf("upstream 502 not degraded: %+v", res)
	}
}

func TestResolveCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"names":["个"],"ids":["pcs"]}`))
	}))
	defer srv.Close()

	r := newResolver(t, options.NewHTTPSource(2*time.Second))
	now := time.Now().UTC()
	r.SetClock(func() time.Time { return now })

	param := &models.ActionParameter{
		Name: "unit",
		OptionSource: &models.OptionSourceConfig{
			Type: models.SourceHTTP, URL: srv.URL,
			LabelPath: "names", ValuePath: "ids",
		},
	}

	r.Resolve(context.Background(), "erp", param)
	r.Resolve(context.Background(), "erp", param)
	if hits.Load() != 1 {
		t.Errorf("upstream hits = %d, want 1 (cached)", hits.Load())
	}

	// Different tenant misses the cache.
	r.Resolve(context.Background(), "crm", param)
	if hits.Load() != 2 {
		t.Errorf("upstream hits = %d, want 2 (tenant-scoped cache)", hits.Load())
	}

	// Past the TTL the entry is evicted.
	now = now.Add(6 * time.Minute)
	r.Resolve(context.Background(), "erp", param)
	if hits.Load() != 3 {
		t.Errorf("upstream hits = %d, want 3 (TTL eviction)", hits.Load())
	}
}

type fakeRunner struct {
	opts []models.Option
	err  error
}

func (f *fakeRunner) RunQuery(_ context.Context, _, _ string) ([]models.Option, error) {
	return f.opts, f.err
}

func TestNL2SQLSource(t *testing.T) {
	runner := &fakeRunner{opts: []models.Option{{Label: "销售部", Value: "dept-01"}}}
	r := newResolver(t, options.NewNL2SQLSource(runner))

	param := &models.ActionParameter{
		Name: "department",
		OptionSource: &models.OptionSourceConfig{
			Type:  models.SourceNL2SQL,
			Query: "list all departments",
		},
	}
	res := r.Resolve(context.Background(), "erp", param)
	if len(res.Options) != 1 || res.Options[0].Value != "dept-01" {
		t.Errorf("Options = %v", res.Options)
	}

	runner.err = errors.New("query engine offline")
	r2 := newResolver(t, options.NewNL2SQLSource(runner))
	res = r2.Resolve(context.Background(), "erp", param)
	if len(res.Options) != 0 || len(res.Warnings) != 1 {
		t.Errorf("runner failure not degraded: %+v", res)
	}
}
