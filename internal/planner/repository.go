package planner

import (
	"context"
	"time"

	"github.com/virtpack/virtpack/internal/domain"
)

// NodeRepository provides access to the physical host inventory.
type NodeRepository interface {
	Get(ctx context.Context, id string) (*domain.Node, error)
	List(ctx context.Context) ([]*domain.Node, error)
	Upsert(ctx context.Context, n *domain.Node) (*domain.Node, error)
	Delete(ctx context.Context, id string) error
	ReplaceAll(ctx context.Context, nodes []*domain.Node) error
}

// VMRepository provides access to the virtual machine inventory, including
// the current host assignment of each VM.
type VMRepository interface {
	Get(ctx context.Context, id string) (*domain.VirtualMachine, error)
	List(ctx context.Context) ([]*domain.VirtualMachine, error)
	ListByNode(ctx context.Context, nodeID string) ([]*domain.VirtualMachine, error)
	Upsert(ctx context.Context, vm *domain.VirtualMachine) (*domain.VirtualMachine, error)
	SetNode(ctx context.Context, vmID, nodeID string) error
	Delete(ctx context.Context, id string) error
	ReplaceAll(ctx context.Context, vms []*domain.VirtualMachine) error
}

// PlanFilter narrows plan listings.
type PlanFilter struct {
	Statuses []domain.PlanStatus
	Limit    int
}

// PlanRepository persists consolidation plans.
type PlanRepository interface {
	Create(ctx context.Context, p *domain.ConsolidationPlan) (*domain.ConsolidationPlan, error)
	Get(ctx context.Context, id string) (*domain.ConsolidationPlan, error)
	List(ctx context.Context, filter PlanFilter) ([]*domain.ConsolidationPlan, error)
	UpdateStatus(ctx context.Context, id string, status domain.PlanStatus, appliedBy string) (*domain.ConsolidationPlan, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []domain.PlanStatus) (int, error)
}
