package agent

import "github.com/ironmill-erp/decision-engine/internal/domain"

// adjacency lists the peers consulted during cross-validation.
var adjacency = map[domain.Role][]domain.Role{
	domain.RolePlanning:   {domain.RoleWarehouse, domain.RoleProduction, domain.RolePurchase},
	domain.RoleWarehouse:  {domain.RolePlanning, domain.RoleProduction, domain.RolePurchase},
	domain.RoleProduction: {domain.RolePlanning, domain.RoleWarehouse, domain.RoleQuality},
	domain.RolePurchase:   {domain.RolePlanning, domain.RoleWarehouse},
	domain.RoleSales:      {domain.RolePlanning, domain.RoleWarehouse},
	domain.RoleQuality:    {domain.RoleProduction, domain.RoleWarehouse},
}

// Related returns the roles that cross-validate decisions made by role.
func Related(role domain.Role) []domain.Role {
	peers := adjacency[role]
	out := make([]domain.Role, len(peers))
	copy(out, peers)
	return out
}
