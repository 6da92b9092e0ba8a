// Package planner runs the periodic consolidation analysis loop and manages
// the plan approval lifecycle.
package planner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/virtpack/virtpack/internal/config"
	"github.com/virtpack/virtpack/internal/consolidation"
	"github.com/virtpack/virtpack/internal/domain"
)

// LeaderChecker checks if this instance is the leader. Only the leader runs
// the periodic analysis; every instance serves the API.
type LeaderChecker interface {
	IsLeader() bool
}

// PlanCache caches plans and publishes plan lifecycle events.
type PlanCache interface {
	SetPlan(ctx context.Context, p *domain.ConsolidationPlan) error
	SetLatestPlan(ctx context.Context, p *domain.ConsolidationPlan) error
	InvalidatePlan(ctx context.Context, id string) error
	PublishPlanEvent(ctx context.Context, eventType string, p *domain.ConsolidationPlan) error
}

// RunRecorder persists a marker after each analysis pass.
type RunRecorder interface {
	RecordLastRun(ctx context.Context, planID string, nodesFreed int) error
}

// Service is the consolidation planner: it periodically analyzes the
// inventory, produces plans, and walks them through approval.
type Service struct {
	cfg       config.PlannerConfig
	engineCfg consolidation.Config

	nodeRepo NodeRepository
	vmRepo   VMRepository
	planRepo PlanRepository

	cache    PlanCache     // optional
	recorder RunRecorder   // optional
	leader   LeaderChecker // optional; nil means always run

	logger *zap.Logger

	mu           sync.RWMutex
	isRunning    bool
	lastAnalysis time.Time
}

// NewService creates a new planner service. Cache, recorder, and leader may
// be nil.
func NewService(
	cfg config.PlannerConfig,
	engineCfg consolidation.Config,
	nodeRepo NodeRepository,
	vmRepo VMRepository,
	planRepo PlanRepository,
	cache PlanCache,
	recorder RunRecorder,
	leader LeaderChecker,
	logger *zap.Logger,
) *Service {
	return &Service{
		cfg:       cfg,
		engineCfg: engineCfg,
		nodeRepo:  nodeRepo,
		vmRepo:    vmRepo,
		planRepo:  planRepo,
		cache:     cache,
		recorder:  recorder,
		leader:    leader,
		logger:    logger.With(zap.String("component", "planner")),
	}
}

// Start begins the analysis loop. It blocks until ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("Planner disabled")
		return
	}

	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.logger.Info("Starting planner",
		zap.Duration("interval", s.cfg.Interval),
		zap.Float64("sample_ratio", s.engineCfg.SampleRatio),
		zap.Int("max_attempts", s.engineCfg.MaxAttempts),
		zap.String("target_policy", s.engineCfg.TargetPolicy),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runAnalysis(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Planner stopped")
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.runAnalysis(ctx)
		}
	}
}

// runAnalysis performs a single analysis cycle.
func (s *Service) runAnalysis(ctx context.Context) {
	if s.leader != nil && !s.leader.IsLeader() {
		s.logger.Debug("Not leader, skipping analysis")
		return
	}

	s.logger.Debug("Running consolidation analysis")
	start := time.Now()

	nodes, err := s.nodeRepo.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list nodes", zap.Error(err))
		return
	}
	if len(nodes) < 2 {
		s.logger.Debug("Not enough nodes to consolidate", zap.Int("node_count", len(nodes)))
		return
	}

	vms, err := s.vmRepo.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list VMs", zap.Error(err))
		return
	}

	plan, err := s.Analyze(ctx, nodes, vms)
	if err != nil {
		s.logger.Error("Analysis failed", zap.Error(err))
		return
	}

	if !plan.Succeeded() {
		s.logger.Info("No consolidation opportunity found",
			zap.Int("active_nodes", plan.ActiveBefore),
		)
	} else {
		stored, err := s.planRepo.Create(ctx, plan)
		if err != nil {
			s.logger.Error("Failed to store plan", zap.Error(err))
			return
		}
		plan = stored

		s.logger.Info("Consolidation plan created",
			zap.String("id", plan.ID),
			zap.Int("nodes_freed", plan.NodesFreed),
			zap.Int("migrations", len(plan.Migrations)),
		)

		if s.cache != nil {
			if err := s.cache.SetPlan(ctx, plan); err != nil {
				s.logger.Warn("Failed to cache plan", zap.Error(err))
			}
			if err := s.cache.SetLatestPlan(ctx, plan); err != nil {
				s.logger.Warn("Failed to cache latest plan", zap.Error(err))
			}
			if err := s.cache.PublishPlanEvent(ctx, "plan.created", plan); err != nil {
				s.logger.Warn("Failed to publish plan event", zap.Error(err))
			}
		}
		if s.recorder != nil {
			if err := s.recorder.RecordLastRun(ctx, plan.ID, plan.NodesFreed); err != nil {
				s.logger.Warn("Failed to record run", zap.Error(err))
			}
		}
	}

	// Cleanup terminal plans past retention.
	if s.cfg.PlanRetention > 0 {
		cutoff := time.Now().Add(-s.cfg.PlanRetention)
		removed, err := s.planRepo.DeleteOlderThan(ctx, cutoff,
			[]domain.PlanStatus{domain.PlanStatusRejected, domain.PlanStatusApplied})
		if err != nil {
			s.logger.Warn("Failed to cleanup old plans", zap.Error(err))
		} else if removed > 0 {
			s.logger.Info("Cleaned up old plans", zap.Int("removed", removed))
		}
	}

	s.mu.Lock()
	s.lastAnalysis = time.Now()
	s.mu.Unlock()

	s.logger.Debug("Analysis complete", zap.Duration("duration", time.Since(start)))
}

// Analyze runs the consolidation engine over the given inventory and returns
// the resulting plan. The plan is not stored.
func (s *Service) Analyze(ctx context.Context, nodes []*domain.Node, vms []*domain.VirtualMachine) (*domain.ConsolidationPlan, error) {
	model, err := consolidation.NewModel(nodes, vms)
	if err != nil {
		return nil, fmt.Errorf("build placement model: %w", err)
	}

	cfg := s.engineCfg
	if cfg.Seed == 0 {
		// A fixed seed is only for reproducing runs; by default every
		// pass explores a different sample sequence.
		cfg.Seed = time.Now().UnixNano()
	}

	controller, err := consolidation.NewController(model, cfg, s.logger)
	if err != nil {
		return nil, err
	}

	result, err := controller.Run(ctx)
	if err != nil {
		return nil, err
	}

	return &domain.ConsolidationPlan{
		Status:       domain.PlanStatusPending,
		Migrations:   result.Migrations,
		Placement:    result.Placement,
		NodesFreed:   result.NodesFreed,
		ActiveBefore: result.ActiveBefore,
		ActiveAfter:  result.ActiveAfter,
		CreatedAt:    time.Now(),
	}, nil
}

// RunOnInventory analyzes a submitted inventory and stores the resulting
// plan. Used by the synchronous API path.
func (s *Service) RunOnInventory(ctx context.Context, nodes []*domain.Node, vms []*domain.VirtualMachine) (*domain.ConsolidationPlan, error) {
	plan, err := s.Analyze(ctx, nodes, vms)
	if err != nil {
		return nil, err
	}

	stored, err := s.planRepo.Create(ctx, plan)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetPlan(ctx, stored); err != nil {
			s.logger.Warn("Failed to cache plan", zap.Error(err))
		}
		if err := s.cache.PublishPlanEvent(ctx, "plan.created", stored); err != nil {
			s.logger.Warn("Failed to publish plan event", zap.Error(err))
		}
	}
	return stored, nil
}

// GetPlan retrieves a plan by ID.
func (s *Service) GetPlan(ctx context.Context, id string) (*domain.ConsolidationPlan, error) {
	return s.planRepo.Get(ctx, id)
}

// ListPlans returns plans matching the filter, newest first.
func (s *Service) ListPlans(ctx context.Context, filter PlanFilter) ([]*domain.ConsolidationPlan, error) {
	return s.planRepo.List(ctx, filter)
}

// ApprovePlan marks a pending plan as approved.
func (s *Service) ApprovePlan(ctx context.Context, id string) (*domain.ConsolidationPlan, error) {
	return s.transition(ctx, id, domain.PlanStatusPending, domain.PlanStatusApproved, "", "plan.approved")
}

// RejectPlan marks a pending plan as rejected.
func (s *Service) RejectPlan(ctx context.Context, id string) (*domain.ConsolidationPlan, error) {
	return s.transition(ctx, id, domain.PlanStatusPending, domain.PlanStatusRejected, "", "plan.rejected")
}

// ApplyPlan marks an approved plan as applied and moves the inventory's VM
// assignments to the plan's final placement. Actual migration execution is
// external; this records its outcome.
func (s *Service) ApplyPlan(ctx context.Context, id, appliedBy string) (*domain.ConsolidationPlan, error) {
	plan, err := s.transition(ctx, id, domain.PlanStatusApproved, domain.PlanStatusApplied, appliedBy, "plan.applied")
	if err != nil {
		return nil, err
	}

	for vmID, nodeID := range plan.Placement {
		if err := s.vmRepo.SetNode(ctx, vmID, nodeID); err != nil {
			s.logger.Warn("Failed to update VM assignment",
				zap.String("vm_id", vmID),
				zap.String("node_id", nodeID),
				zap.Error(err),
			)
		}
	}
	return plan, nil
}

func (s *Service) transition(ctx context.Context, id string, from, to domain.PlanStatus, appliedBy, event string) (*domain.ConsolidationPlan, error) {
	plan, err := s.planRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.Status != from {
		return nil, fmt.Errorf("%w: plan %s is %s, not %s", domain.ErrConflict, id, plan.Status, from)
	}

	updated, err := s.planRepo.UpdateStatus(ctx, id, to, appliedBy)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.InvalidatePlan(ctx, id); err != nil {
			s.logger.Warn("Failed to invalidate cached plan", zap.Error(err))
		}
		if err := s.cache.PublishPlanEvent(ctx, event, updated); err != nil {
			s.logger.Warn("Failed to publish plan event", zap.Error(err))
		}
	}

	s.logger.Info("Plan status changed",
		zap.String("id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return updated, nil
}

// LastAnalysisTime returns when the last analysis pass finished.
func (s *Service) LastAnalysisTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAnalysis
}

// IsRunning returns true if the analysis loop is running.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
