// Package options resolves selectable values for action parameters from
// pluggable sources. Resolution never fails the surrounding conversation:
// a broken source degrades to an empty option list plus a warning, and the
// collector falls back to free-text input.
package options

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/actionbridge/actionbridge/internal/config"
	"github.com/actionbridge/actionbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// Source fetches options of one SourceType.
type Source interface {
	// SupportedType names the single source type this source handles.
	SupportedType() models.SourceType

	// Handle fetches options for the given tenant and config.
	Handle(ctx context.Context, systemID string, cfg *models.OptionSourceConfig) ([]models.Option, error)
}

// Result carries resolved options together with degradation warnings.
type Result struct {
	Options  []models.Option
	Warnings []string
}

// Resolver dispatches option lookups to registered sources and caches
// successful results per (type, tenant, config).
type Resolver struct {
	mu      sync.RWMutex
	sources map[models.SourceType]Source
	cache   map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	options  []models.Option
	cachedAt time.Time
}

// NewResolver creates a resolver with the given cache TTL.
func NewResolver(cfg config.OptionsConfig) *Resolver {
	return &Resolver{
		sources: make(map[models.SourceType]Source),
		cache:   make(map[string]cacheEntry),
		ttl:     cfg.CacheTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the resolver's clock. Test hook.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// Register adds a source. Exactly one source may serve each type.
func (r *Resolver) Register(src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := src.SupportedType()
	if _, dup := r.sources[t]; dup {
		return fmt.Errorf("option source for type %q already registered", t)
	}
	r.sources[t] = src
	log.Debug().Str("type", string(t)).Msg("Option source registered")
	return nil
}

// Resolve fetches options for the parameter's source. Failures degrade to an
// empty list with a warning; only a nil source config yields a nil result.
func (r *Resolver) Resolve(ctx context.Context, systemID string, param *models.ActionParameter) *Result {
	if param == nil || param.OptionSource == nil {
		return nil
	}
	cfg := param.OptionSource

	key, keyErr := cacheKey(systemID, cfg)
	if keyErr == nil {
		if opts, ok := r.cached(key); ok {
			return &Result{Options: opts}
		}
	}

	r.mu.RLock()
	src, ok := r.sources[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		warn := fmt.Sprintf("no option source registered for type %q", cfg.Type)
		log.Warn().Str("param", param.Name).Str("type", string(cfg.Type)).Msg("Option source missing")
		return &Result{Options: []models.Option{}, Warnings: []string{warn}}
	}

	opts, err := src.Handle(ctx, systemID, cfg)
	if err != nil {
		warn := fmt.Sprintf("options for %s unavailable: %v", param.Name, err)
		log.Warn().Err(err).
			Str("param", param.Name).
			Str("type", string(cfg.Type)).
			Msg("Option resolution degraded")
		return &Result{Options: []models.Option{}, Warnings: []string{warn}}
	}
	if opts == nil {
		opts = []models.Option{}
	}

	if keyErr == nil {
		r.store(key, opts)
	}
	return &Result{Options: opts}
}

// cached returns a fresh cache hit, lazily evicting stale entries.
func (r *Resolver) cached(key string) ([]models.Option, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.cache[key]
	if !ok {
		return nil, false
	}
	if r.now().Sub(e.cachedAt) > r.ttl {
		delete(r.cache, key)
		return nil, false
	}
	return append([]models.Option(nil), e.options...), true
}

func (r *Resolver) store(key string, opts []models.Option) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = cacheEntry{
		options:  append([]models.Option(nil), opts...),
		cachedAt: r.now(),
	}
}

// cacheKey canonicalizes the source config so equivalent configs share one
// entry regardless of field order in the original catalog JSON.
func cacheKey(systemID string, cfg *models.OptionSourceConfig) (string, error) {
	canon, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(cfg.Type) + "|" + systemID + "|" + string(canon), nil
}

// ── built-in sources ────────────────────────────────────────

// StaticSource serves options inlined in the catalog.
type StaticSource struct{}

func (StaticSource) SupportedType() models.SourceType { return models.SourceStatic }

func (StaticSource) Handle(_ context.Context, _ string, cfg *models.OptionSourceConfig) ([]models.Option, error) {
	if len(cfg.Values) == 0 {
		return nil, fmt.Errorf("static source declares no values")
	}
	return append([]models.Option(nil), cfg.Values...), nil
}

// EnumSource mirrors a parameter's enum values as options. The enum list is
// carried in cfg.Values with Label == Value when the catalog loader expands
// it, or read from Values directly.
type EnumSource struct{}

func (EnumSource) SupportedType() models.SourceType { return models.SourceEnum }

func (EnumSource) Handle(_ context.Context, _ string, cfg *models.OptionSourceConfig) ([]models.Option, error) {
	if len(cfg.Values) == 0 {
		return nil, fmt.Errorf("enum source declares no values")
	}
	out := make([]models.Option, 0, len(cfg.Values))
	for _, v := range cfg.Values {
		o := v
		if o.Label == "" {
			o.Label = o.Value
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

// SQLRunner executes a natural-language data query and returns label/value
// rows. Implemented by the host system; the engine only brokers the call.
type SQLRunner interface {
	RunQuery(ctx context.Context, systemID, query string) ([]models.Option, error)
}

// NL2SQLSource delegates option lookups to a SQLRunner collaborator.
type NL2SQLSource struct {
	runner SQLRunner
}

// NewNL2SQLSource wraps the given runner.
func NewNL2SQLSource(runner SQLRunner) *NL2SQLSource {
	return &NL2SQLSource{runner: runner}
}

func (*NL2SQLSource) SupportedType() models.SourceType { return models.SourceNL2SQL }

func (s *NL2SQLSource) Handle(ctx context.Context, systemID string, cfg *models.OptionSourceConfig) ([]models.Option, error) {
	if s.runner == nil {
		return nil, fmt.Errorf("no query runner configured")
	}
	if cfg.Query == "" {
		return nil, fmt.Errorf("nl2sql source declares no query")
	}
	return s.runner.RunQuery(ctx, systemID, cfg.Query)
}
