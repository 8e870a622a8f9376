// Package catalog stores and serves ActionDefinition records.
//
// The catalog is a thread-safe in-memory registry, read-only to the engine
// at match and plan time. Definitions are registered by administration APIs
// or loaded from a JSON seed file at startup.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/actionbridge/actionbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// Catalog is a thread-safe action registry.
type Catalog struct {
	mu      sync.RWMutex
	actions map[string]*models.ActionDefinition // key: action id
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{actions: make(map[string]*models.ActionDefinition)}
}

// Register adds or replaces an action definition. The multi-step invariant
// is normalized here: any action with declared steps is stored as multi_step.
func (c *Catalog) Register(action *models.ActionDefinition) error {
	if action.ActionID == "" {
		return fmt.Errorf("action has no action_id")
	}
	if action.Name == "" {
		return fmt.Errorf("action %q has no name", action.ActionID)
	}
	if len(action.Steps) > 0 {
		action.ActionType = models.ActionTypeMultiStep
	} else if action.Binding == nil {
		return fmt.Errorf("single-step action %q has no interface binding", action.ActionID)
	}
	now := time.Now().UTC()
	if action.CreatedAt.IsZero() {
		action.CreatedAt = now
	}
	action.UpdatedAt = now

	c.mu.Lock()
	c.actions[action.ActionID] = action
	c.mu.Unlock()

	log.Debug().Str("action", action.ActionID).Str("type", string(action.ActionType)).Msg("Action registered")
	return nil
}

// Get returns the action by id, or nil if unknown.
func (c *Catalog) Get(actionID string) *models.ActionDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.actions[actionID]
}

// Delete removes an action by id. Returns false if it did not exist.
func (c *Catalog) Delete(actionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.actions[actionID]; !ok {
		return false
	}
	delete(c.actions, actionID)
	return true
}

// ListEnabled returns all enabled actions, ordered by action id for
// deterministic iteration.
func (c *Catalog) ListEnabled() []*models.ActionDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*models.ActionDefinition
	for _, a := range c.actions {
		if a.Enabled {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionID < out[j].ActionID })
	return out
}

// ListAll returns every registered action, enabled or not, ordered by id.
func (c *Catalog) ListAll() []*models.ActionDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*models.ActionDefinition, 0, len(c.actions))
	for _, a := range c.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionID < out[j].ActionID })
	return out
}

// Count returns the number of registered actions.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.actions)
}

// LoadFile reads a JSON array of action definitions from path and registers
// each one. Returns the number registered.
func (c *Catalog) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read catalog seed: %w", err)
	}
	var defs []*models.ActionDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return 0, fmt.Errorf("unmarshal catalog seed: %w", err)
	}
	count := 0
	for _, d := range defs {
		if err := c.Register(d); err != nil {
			log.Warn().Err(err).Str("action", d.ActionID).Msg("Skipping invalid seed action")
			continue
		}
		count++
	}
	log.Info().Int("actions", count).Str("path", path).Msg("Catalog seeded from file")
	return count, nil
}
