package agent

import (
	"fmt"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

var responsibilities = map[domain.Role]string{
	domain.RolePlanning:   "production planning: capacity, schedules, and material requirements",
	domain.RoleWarehouse:  "warehouse management: stock levels, reservations, and movements",
	domain.RoleProduction: "shop-floor production: work orders, production logs, and output",
	domain.RolePurchase:   "purchasing: suppliers, lead times, and purchase orders",
	domain.RoleSales:      "sales: customer orders, pricing, and delivery promises",
	domain.RoleQuality:    "quality control: inspections, defect rates, and release criteria",
}

const replyContract = `Answer with one JSON object and nothing else. Fields:
"decision" (approve|reject|conditional|pending), "reasoning" (string),
"confidence" (0..1), optional "action", "data", "severity"
(low|medium|high|critical), "issues", "recommendations", "conditions",
"requires_human_approval" (bool).`

// instructions builds the system prompt for one oracle call.
func instructions(role domain.Role, task string) string {
	return fmt.Sprintf("You are the %s of a manufacturing ERP, responsible for %s. Task: %s.\n%s",
		role.AgentName(), responsibilities[role], task, replyContract)
}
