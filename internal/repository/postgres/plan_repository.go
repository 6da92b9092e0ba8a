package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/virtpack/virtpack/internal/domain"
	"github.com/virtpack/virtpack/internal/planner"
)

// Ensure PlanRepository implements planner.PlanRepository
var _ planner.PlanRepository = (*PlanRepository)(nil)

// PlanRepository implements the plan store using PostgreSQL. Migrations and
// the final placement are stored as JSONB documents since they are only ever
// read back whole.
type PlanRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPlanRepository creates a new PostgreSQL plan repository.
func NewPlanRepository(db *DB, logger *zap.Logger) *PlanRepository {
	return &PlanRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "plan")),
	}
}

// Create stores a new plan.
func (r *PlanRepository) Create(ctx context.Context, p *domain.ConsolidationPlan) (*domain.ConsolidationPlan, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = domain.PlanStatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	migrations, err := json.Marshal(p.Migrations)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal migrations: %w", err)
	}
	placement, err := json.Marshal(p.Placement)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal placement: %w", err)
	}

	query := `
		INSERT INTO consolidation_plans (
			id, status, migrations, placement, nodes_freed,
			active_before, active_after, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.db.pool.Exec(ctx, query,
		p.ID,
		string(p.Status),
		migrations,
		placement,
		p.NodesFreed,
		p.ActiveBefore,
		p.ActiveAfter,
		p.CreatedAt,
	)

	if err != nil {
		r.logger.Error("Failed to create plan", zap.Error(err), zap.String("id", p.ID))
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert plan: %w", err)
	}

	r.logger.Info("Created plan",
		zap.String("id", p.ID),
		zap.Int("nodes_freed", p.NodesFreed),
		zap.Int("migrations", len(p.Migrations)),
	)
	return p, nil
}

// Get retrieves a plan by ID.
func (r *PlanRepository) Get(ctx context.Context, id string) (*domain.ConsolidationPlan, error) {
	query := `
		SELECT id, status, migrations, placement, nodes_freed,
		       active_before, active_after, created_at, applied_at, applied_by
		FROM consolidation_plans
		WHERE id = $1
	`

	return r.scanPlan(r.db.pool.QueryRow(ctx, query, id))
}

// List returns plans matching the filter, newest first.
func (r *PlanRepository) List(ctx context.Context, filter planner.PlanFilter) ([]*domain.ConsolidationPlan, error) {
	query := `
		SELECT id, status, migrations, placement, nodes_freed,
		       active_before, active_after, created_at, applied_at, applied_by
		FROM consolidation_plans
	`
	var args []any
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, statuses)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list plans", zap.Error(err))
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*domain.ConsolidationPlan
	for rows.Next() {
		p, err := r.scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// UpdateStatus sets a plan's status, stamping the audit fields on APPLIED.
func (r *PlanRepository) UpdateStatus(ctx context.Context, id string, status domain.PlanStatus, appliedBy string) (*domain.ConsolidationPlan, error) {
	var query string
	var args []any
	if status == domain.PlanStatusApplied {
		query = `
			UPDATE consolidation_plans
			SET status = $2, applied_at = $3, applied_by = $4
			WHERE id = $1
		`
		args = []any{id, string(status), time.Now(), appliedBy}
	} else {
		query = `
			UPDATE consolidation_plans
			SET status = $2
			WHERE id = $1
		`
		args = []any{id, string(status)}
	}

	tag, err := r.db.pool.Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to update plan status", zap.Error(err), zap.String("id", id))
		return nil, fmt.Errorf("failed to update plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrNotFound
	}

	return r.Get(ctx, id)
}

// DeleteOlderThan removes plans created before the cutoff whose status is in
// the given set. It returns the number of plans removed.
func (r *PlanRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []domain.PlanStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	wanted := make([]string, len(statuses))
	for i, s := range statuses {
		wanted[i] = string(s)
	}

	query := `
		DELETE FROM consolidation_plans
		WHERE created_at < $1 AND status = ANY($2)
	`

	tag, err := r.db.pool.Exec(ctx, query, cutoff, wanted)
	if err != nil {
		r.logger.Error("Failed to delete old plans", zap.Error(err))
		return 0, fmt.Errorf("failed to delete old plans: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PlanRepository) scanPlan(row pgx.Row) (*domain.ConsolidationPlan, error) {
	var (
		p          domain.ConsolidationPlan
		status     string
		migrations []byte
		placement  []byte
		appliedBy  *string
	)

	err := row.Scan(
		&p.ID,
		&status,
		&migrations,
		&placement,
		&p.NodesFreed,
		&p.ActiveBefore,
		&p.ActiveAfter,
		&p.CreatedAt,
		&p.AppliedAt,
		&appliedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}

	p.Status = domain.PlanStatus(status)
	if appliedBy != nil {
		p.AppliedBy = *appliedBy
	}
	if err := json.Unmarshal(migrations, &p.Migrations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal migrations: %w", err)
	}
	if err := json.Unmarshal(placement, &p.Placement); err != nil {
		return nil, fmt.Errorf("failed to unmarshal placement: %w", err)
	}
	return &p, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "unique constraint")
}
