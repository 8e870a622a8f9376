package permission

import (
	"github.com/actionbridge/actionbridge/pkg/models"
)

// RoleGrant is the permission template a role maps to.
type RoleGrant struct {
	AllowedActions []string
	DataScope      models.DataScope
	Filters        []models.Filter
}

// RoleMapAdapter adapts raw context by looking up the "role" key in a
// static role→grant table. Unknown or missing roles fail closed.
type RoleMapAdapter struct {
	systemID string
	order    int
	grants   map[string]RoleGrant
}

// NewRoleMapAdapter builds a role-table adapter for one external system.
func NewRoleMapAdapter(systemID string, order int, grants map[string]RoleGrant) *RoleMapAdapter {
	return &RoleMapAdapter{systemID: systemID, order: order, grants: grants}
}

func (a *RoleMapAdapter) SystemID() string { return a.systemID }
func (a *RoleMapAdapter) Order() int       { return a.order }

// Adapt maps rawContext["role"] through the grant table. The result is a
// pure function of the input context.
func (a *RoleMapAdapter) Adapt(rawContext map[string]string) (*models.StandardPermission, error) {
	grant, ok := a.grants[rawContext["role"]]
	if !ok {
		return Empty(a.systemID, rawContext["user_id"]), nil
	}

	allowed := make([]string, len(grant.AllowedActions))
	copy(allowed, grant.AllowedActions)

	perm := &models.StandardPermission{
		UserID:         rawContext["user_id"],
		SystemID:       a.systemID,
		AllowedActions: allowed,
		DataScope:      grant.DataScope,
		Filters:        grant.Filters,
		Context:        map[string]string{},
	}
	if dept := rawContext["department"]; dept != "" {
		perm.Context["department"] = dept
	}
	return perm, nil
}
