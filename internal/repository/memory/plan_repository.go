package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/virtpack/virtpack/internal/domain"
	"github.com/virtpack/virtpack/internal/planner"
)

// Ensure PlanRepository implements planner.PlanRepository
var _ planner.PlanRepository = (*PlanRepository)(nil)

// PlanRepository is an in-memory implementation of the plan store.
type PlanRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.ConsolidationPlan
}

// NewPlanRepository creates a new in-memory plan repository.
func NewPlanRepository() *PlanRepository {
	return &PlanRepository{
		data: make(map[string]*domain.ConsolidationPlan),
	}
}

// Create stores a new plan.
func (r *PlanRepository) Create(ctx context.Context, p *domain.ConsolidationPlan) (*domain.ConsolidationPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if _, ok := r.data[p.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}
	if p.Status == "" {
		p.Status = domain.PlanStatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	stored := clonePlan(p)
	r.data[stored.ID] = stored

	return clonePlan(stored), nil
}

// Get retrieves a plan by ID.
func (r *PlanRepository) Get(ctx context.Context, id string) (*domain.ConsolidationPlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	return clonePlan(p), nil
}

// List returns plans matching the filter, newest first.
func (r *PlanRepository) List(ctx context.Context, filter planner.PlanFilter) ([]*domain.ConsolidationPlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.ConsolidationPlan
	for _, p := range r.data {
		if !matchesStatus(p.Status, filter.Statuses) {
			continue
		}
		result = append(result, clonePlan(p))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// UpdateStatus sets a plan's status. For APPLIED it also records when and by
// whom. Transition legality is the service's concern, not the store's.
func (r *PlanRepository) UpdateStatus(ctx context.Context, id string, status domain.PlanStatus, appliedBy string) (*domain.ConsolidationPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	p.Status = status
	if status == domain.PlanStatusApplied {
		now := time.Now()
		p.AppliedAt = &now
		p.AppliedBy = appliedBy
	}

	return clonePlan(p), nil
}

// DeleteOlderThan removes plans created before the cutoff whose status is in
// the given set. It returns the number of plans removed.
func (r *PlanRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []domain.PlanStatus) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, p := range r.data {
		if p.CreatedAt.Before(cutoff) && matchesStatus(p.Status, statuses) {
			delete(r.data, id)
			removed++
		}
	}
	return removed, nil
}

func matchesStatus(status domain.PlanStatus, wanted []domain.PlanStatus) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, s := range wanted {
		if s == status {
			return true
		}
	}
	return false
}

// clonePlan creates a deep copy of a plan.
func clonePlan(p *domain.ConsolidationPlan) *domain.ConsolidationPlan {
	if p == nil {
		return nil
	}

	clone := *p

	clone.Migrations = append([]domain.Migration(nil), p.Migrations...)
	if p.Placement != nil {
		clone.Placement = make(map[string]string, len(p.Placement))
		for k, v := range p.Placement {
			clone.Placement[k] = v
		}
	}
	if p.AppliedAt != nil {
		t := *p.AppliedAt
		clone.AppliedAt = &t
	}

	return &clone
}
