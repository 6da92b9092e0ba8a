package domain

import "time"

// PlanStatus represents the lifecycle status of a consolidation plan.
type PlanStatus string

const (
	PlanStatusPending  PlanStatus = "PENDING"
	PlanStatusApproved PlanStatus = "APPROVED"
	PlanStatusRejected PlanStatus = "REJECTED"
	PlanStatusApplied  PlanStatus = "APPLIED"
)

// Migration records a single VM relocation produced by a committed
// consolidation attempt.
type Migration struct {
	VMID         string `json:"vm_id"`
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id"`
}

// ConsolidationPlan is the persisted outcome of one consolidation run: the
// migrations required to reach the new placement and the resulting host
// savings. Executing the migrations is outside the planner; the plan only
// moves through an approval lifecycle.
type ConsolidationPlan struct {
	ID     string     `json:"id"`
	Status PlanStatus `json:"status"`

	// Migrations lists every VM move across all committed attempts, in
	// commit order. A VM may appear more than once if later attempts
	// relocated it again.
	Migrations []Migration `json:"migrations"`

	// Placement is the final VM to node mapping.
	Placement map[string]string `json:"placement"`

	NodesFreed   int `json:"nodes_freed"`
	ActiveBefore int `json:"active_before"`
	ActiveAfter  int `json:"active_after"`

	CreatedAt time.Time  `json:"created_at"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
	AppliedBy string     `json:"applied_by,omitempty"`
}

// Succeeded reports whether the run freed at least one host. A plan that
// freed nothing is a valid terminal outcome, not a failure.
func (p *ConsolidationPlan) Succeeded() bool {
	return p.NodesFreed > 0
}
