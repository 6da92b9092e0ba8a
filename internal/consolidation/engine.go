package consolidation

import (
	"sort"

	"go.uber.org/zap"

	"github.com/virtpack/virtpack/internal/domain"
)

// vmOutcome is the typed result of placing one queued VM.
type vmOutcome struct {
	vmID   string
	nodeID string // destination; empty when no feasible node was found
	placed bool
}

// Engine runs single vacating attempts against a model: build a candidate
// queue for a target node, sort it by worst-case demand, first-fit place every
// candidate under the Gamma-robust constraint, then commit or roll back.
type Engine struct {
	model   *Model
	checker *Checker
	sampler *Sampler
	ratio   float64
	logger  *zap.Logger
}

// NewEngine creates an engine bound to a model.
func NewEngine(model *Model, sampler *Sampler, sampleRatio float64, logger *zap.Logger) *Engine {
	return &Engine{
		model:   model,
		checker: NewChecker(model),
		sampler: sampler,
		ratio:   sampleRatio,
		logger:  logger.With(zap.String("component", "consolidation-engine")),
	}
}

// Attempt tries to fully vacate the target node. It is atomic: either every
// queued VM finds a feasible node and the working placement is committed, or
// the placement is restored to the pre-attempt snapshot. On commit it returns
// the migrations of all VMs whose node changed, in queue order.
func (e *Engine) Attempt(targetNodeID string) ([]domain.Migration, bool) {
	snapshot := e.model.Snapshot()

	queue := e.buildQueue(targetNodeID)
	e.sortQueue(queue)

	for _, vmID := range queue {
		e.model.Unassign(vmID)
	}

	for _, vmID := range queue {
		outcome := e.place(vmID, targetNodeID)
		if !outcome.placed {
			e.model.Restore(snapshot)
			e.logger.Debug("Attempt failed, rolled back",
				zap.String("target_node", targetNodeID),
				zap.String("unplaced_vm", vmID),
				zap.Int("queue_size", len(queue)),
			)
			return nil, false
		}
	}

	migrations := e.migrationsSince(snapshot, queue)
	e.logger.Debug("Attempt committed",
		zap.String("target_node", targetNodeID),
		zap.Int("queue_size", len(queue)),
		zap.Int("migrations", len(migrations)),
	)
	return migrations, true
}

// buildQueue collects every VM on the target node plus a random sample from
// all other occupied nodes.
func (e *Engine) buildQueue(targetNodeID string) []string {
	queue := e.model.VMsOn(targetNodeID)
	queue = append(queue, e.sampler.Sample(e.model, targetNodeID, e.ratio)...)
	return queue
}

// sortQueue orders candidates by worst-case CPU demand descending, ties
// broken by VM ID so runs are reproducible.
func (e *Engine) sortQueue(queue []string) {
	sort.SliceStable(queue, func(i, j int) bool {
		vi, _ := e.model.VM(queue[i])
		vj, _ := e.model.VM(queue[j])
		wi, wj := vi.WorstCaseCPU(), vj.WorstCaseCPU()
		if wi != wj {
			return wi > wj
		}
		return queue[i] < queue[j]
	})
}

// place scans candidate nodes in ascending ID order, skipping the target, and
// assigns the VM to the first feasible one. Later checks in the same attempt
// see this assignment: first fit is greedy and order sensitive by design.
func (e *Engine) place(vmID, targetNodeID string) vmOutcome {
	for _, nodeID := range e.model.nodeIDs {
		if nodeID == targetNodeID {
			continue
		}
		if e.checker.Feasible(nodeID, vmID) {
			// Assign cannot fail here: the VM was detached above and
			// the node exists.
			_ = e.model.Assign(vmID, nodeID)
			return vmOutcome{vmID: vmID, nodeID: nodeID, placed: true}
		}
	}
	return vmOutcome{vmID: vmID}
}

// migrationsSince diffs the committed placement against the pre-attempt
// snapshot, emitting a record only for VMs that actually moved.
func (e *Engine) migrationsSince(snapshot Snapshot, queue []string) []domain.Migration {
	var migrations []domain.Migration
	for _, vmID := range queue {
		before := snapshot.assignment[vmID]
		after := e.model.assignment[vmID]
		if before != after {
			migrations = append(migrations, domain.Migration{
				VMID:         vmID,
				SourceNodeID: before,
				TargetNodeID: after,
			})
		}
	}
	return migrations
}
