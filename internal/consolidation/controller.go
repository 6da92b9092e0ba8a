package consolidation

import (
	"context"
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/virtpack/virtpack/internal/domain"
)

// Result is the outcome of a full consolidation run.
type Result struct {
	// Placement is the final VM to node mapping.
	Placement map[string]string

	// Migrations accumulates the records of every committed attempt, in
	// commit order.
	Migrations []domain.Migration

	// NodesFreed is the net reduction in active nodes over the run.
	NodesFreed   int
	ActiveBefore int
	ActiveAfter  int
	Attempts     int

	// Success reports whether at least one node was freed. A run that
	// frees none is a normal terminal result, not an error.
	Success bool
}

// Controller drives repeated vacating attempts: an inner retry loop per
// target (fresh sample each attempt) and an outer sweep over all occupied
// nodes, repeated until a full sweep frees nothing or the attempt budget
// runs out.
type Controller struct {
	model  *Model
	engine *Engine
	policy TargetPolicy
	cfg    Config
	logger *zap.Logger
}

// NewController wires a controller for one run. MaxAttempts of zero is the
// degenerate "no attempts" configuration and yields an unchanged placement;
// service-facing configuration is expected to pass Config.Validate first,
// which rejects it.
func NewController(model *Model, cfg Config, logger *zap.Logger) (*Controller, error) {
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("%w: sample ratio %v outside [0, 1]", domain.ErrInvalidArgument, cfg.SampleRatio)
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("%w: max attempts %d < 0", domain.ErrInvalidArgument, cfg.MaxAttempts)
	}
	if cfg.AttemptBudget < 0 {
		return nil, fmt.Errorf("%w: attempt budget %d < 0", domain.ErrInvalidArgument, cfg.AttemptBudget)
	}
	policy, err := policyByName(cfg.TargetPolicy)
	if err != nil {
		return nil, err
	}

	sampler := NewSampler(rand.New(rand.NewSource(cfg.Seed)))
	return &Controller{
		model:  model,
		engine: NewEngine(model, sampler, cfg.SampleRatio, logger),
		policy: policy,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "consolidation-controller")),
	}, nil
}

// Run executes the consolidation until a fixed point: sweeps target every
// occupied node in policy order, retrying each up to MaxAttempts times, and
// the run ends when one full sweep makes no progress or the global budget is
// exhausted. Progress is the net reduction of active nodes, not committed
// attempts: a commit that merely shuffles VMs between hosts (vacating one
// while activating another) does not keep the search alive. The context is
// checked between attempts only; the returned result reflects every attempt
// committed before cancellation.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	activeBefore := c.model.ActiveNodes()

	var migrations []domain.Migration
	attempts := 0
	budgetLeft := func() bool {
		return c.cfg.AttemptBudget == 0 || attempts < c.cfg.AttemptBudget
	}

sweeps:
	for c.cfg.MaxAttempts > 0 {
		activeAtSweepStart := c.model.ActiveNodes()

		for _, target := range c.policy.Order(c.model) {
			// A node can empty out mid-sweep when its VMs get
			// sampled away by an earlier commit.
			if c.model.IsEmpty(target) {
				continue
			}

			for retry := 0; retry < c.cfg.MaxAttempts; retry++ {
				if err := ctx.Err(); err != nil {
					c.logger.Info("Consolidation canceled",
						zap.Int("attempts", attempts),
					)
					break sweeps
				}
				if !budgetLeft() {
					c.logger.Info("Attempt budget exhausted",
						zap.Int("attempts", attempts),
					)
					break sweeps
				}

				attempts++
				migs, committed := c.engine.Attempt(target)
				if committed {
					migrations = append(migrations, migs...)
					c.logger.Info("Node vacated",
						zap.String("node_id", target),
						zap.Int("retries", retry),
						zap.Int("migrations", len(migs)),
					)
					break
				}
			}
		}

		if c.model.ActiveNodes() >= activeAtSweepStart {
			break
		}
	}

	activeAfter := c.model.ActiveNodes()
	freed := activeBefore - activeAfter
	result := &Result{
		Placement:    c.model.Assignment(),
		Migrations:   migrations,
		NodesFreed:   freed,
		ActiveBefore: activeBefore,
		ActiveAfter:  activeAfter,
		Attempts:     attempts,
		Success:      freed > 0,
	}

	c.logger.Info("Consolidation finished",
		zap.Int("active_before", activeBefore),
		zap.Int("active_after", activeAfter),
		zap.Int("nodes_freed", freed),
		zap.Int("attempts", attempts),
		zap.Int("migrations", len(migrations)),
	)
	return result, nil
}
