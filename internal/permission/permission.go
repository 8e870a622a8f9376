// Package permission converts raw role/identity context from external
// systems into StandardPermission values that scope matching and execution.
//
// Each external system registers exactly one adapter. The registry resolves
// adapters by system id, with an order value breaking ties when multiple
// adapters claim the same system during composition. Resolution is
// fail-closed: any unknown system, nil context, or adapter error yields the
// empty permission, never an open one.
package permission

import (
	"fmt"
	"sort"
	"sync"

	"github.com/actionbridge/actionbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// Adapter normalizes one external system's raw context.
//
// Adapt must be a pure function of its input: the same role and department
// in always produces the same allowed-action set and data scope out.
type Adapter interface {
	// SystemID identifies the external system this adapter serves.
	SystemID() string

	// Adapt converts raw context into a StandardPermission.
	Adapt(rawContext map[string]string) (*models.StandardPermission, error)

	// Order ranks adapters claiming the same system id; lower wins.
	Order() int
}

// Empty returns the fail-closed permission: no actions, self scope.
func Empty(systemID, userID string) *models.StandardPermission {
	return &models.StandardPermission{
		UserID:         userID,
		SystemID:       systemID,
		AllowedActions: []string{},
		DataScope:      models.DataScopeSelf,
	}
}

// Registry resolves permission adapters by system id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string][]Adapter // key: system id, sorted by Order
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string][]Adapter)}
}

// Register adds an adapter. Registering two adapters with the same system id
// and the same order is an error; the priority policy must be explicit, not
// last-registration-wins.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.SystemID()
	if id == "" {
		return fmt.Errorf("adapter has empty system id")
	}
	for _, existing := range r.adapters[id] {
		if existing.Order() == a.Order() {
			return fmt.Errorf("adapter for system %q with order %d already registered", id, a.Order())
		}
	}
	r.adapters[id] = append(r.adapters[id], a)
	sort.SliceStable(r.adapters[id], func(i, j int) bool {
		return r.adapters[id][i].Order() < r.adapters[id][j].Order()
	})

	log.Info().Str("system", id).Int("order", a.Order()).Msg("Permission adapter registered")
	return nil
}

// Adapt resolves the highest-priority adapter for the system and applies it.
// Every failure path returns the empty permission.
func (r *Registry) Adapt(systemID, userID string, rawContext map[string]string) *models.StandardPermission {
	r.mu.RLock()
	chain := r.adapters[systemID]
	r.mu.RUnlock()

	if len(chain) == 0 {
		log.Debug().Str("system", systemID).Msg("No permission adapter, failing closed")
		return Empty(systemID, userID)
	}
	if rawContext == nil {
		return Empty(systemID, userID)
	}

	perm, err := chain[0].Adapt(rawContext)
	if err != nil || perm == nil {
		log.Warn().Err(err).Str("system", systemID).Msg("Permission adapt failed, failing closed")
		return Empty(systemID, userID)
	}
	perm.SystemID = systemID
	if perm.UserID == "" {
		perm.UserID = userID
	}
	if perm.AllowedActions == nil {
		perm.AllowedActions = []string{}
	}
	if perm.DataScope == "" {
		perm.DataScope = models.DataScopeSelf
	}
	return perm
}

// Systems returns the registered system ids (for diagnostics).
func (r *Registry) Systems() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
