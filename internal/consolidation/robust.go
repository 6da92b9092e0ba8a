package consolidation

import (
	"errors"
	"fmt"
	"sort"
)

// feasibilityEpsilon absorbs float accumulation noise when comparing loads
// against capacity.
const feasibilityEpsilon = 1e-9

// radiusLedger keeps a node's deviation radii sorted descending with a cached
// sum of the top Gamma entries, so the robust load is available in O(1) and
// only actual placement mutations pay for maintenance.
type radiusLedger struct {
	gamma int
	radii []float64 // descending
	top   float64   // sum of first min(gamma, len) radii
}

func (l *radiusLedger) reset() {
	l.radii = l.radii[:0]
	l.top = 0
}

func (l *radiusLedger) insert(r float64) {
	i := sort.Search(len(l.radii), func(i int) bool { return l.radii[i] <= r })
	l.radii = append(l.radii, 0)
	copy(l.radii[i+1:], l.radii[i:])
	l.radii[i] = r
	l.recompute()
}

func (l *radiusLedger) remove(r float64) {
	i := sort.Search(len(l.radii), func(i int) bool { return l.radii[i] <= r })
	if i >= len(l.radii) || l.radii[i] != r {
		return
	}
	l.radii = append(l.radii[:i], l.radii[i+1:]...)
	l.recompute()
}

// topSum returns the sum of the Gamma largest radii, Gamma clamped to the
// current VM count.
func (l *radiusLedger) topSum() float64 {
	return l.top
}

// topSumWith returns what topSum would be if a VM with radius r were added,
// without mutating the ledger.
func (l *radiusLedger) topSumWith(r float64) float64 {
	g := l.gamma
	if g <= 0 {
		return 0
	}
	if len(l.radii) < g {
		// All current radii are already counted; r joins them.
		return l.top + r
	}
	// g entries among len+1 candidates: r displaces the smallest counted
	// radius iff it is larger.
	if smallest := l.radii[g-1]; r > smallest {
		return l.top - smallest + r
	}
	return l.top
}

func (l *radiusLedger) recompute() {
	g := l.gamma
	if g > len(l.radii) {
		g = len(l.radii)
	}
	sum := 0.0
	for _, r := range l.radii[:g] {
		sum += r
	}
	l.top = sum
}

// Checker evaluates the Gamma-robust feasibility predicate against a model's
// working placement.
type Checker struct {
	m *Model
}

// NewChecker creates a checker bound to a model.
func NewChecker(m *Model) *Checker {
	return &Checker{m: m}
}

// Feasible reports whether placing the VM onto the node keeps the node within
// its Gamma-robust CPU bound and its memory bound. The VM set evaluated is
// the node's current working assignment plus the candidate.
func (c *Checker) Feasible(nodeID, vmID string) bool {
	ns, ok := c.m.nodes[nodeID]
	if !ok {
		return false
	}
	vm, ok := c.m.vms[vmID]
	if !ok {
		return false
	}

	if ns.memoryMiB+vm.MemoryMiB > ns.node.MemoryCapacityMiB {
		return false
	}

	robust := ns.nominalCPU + vm.NominalCPU + ns.radii.topSumWith(vm.CPUDeviation)
	return robust <= ns.node.CPUCapacityMillis+feasibilityEpsilon
}

// Verify audits a committed placement: every active node must satisfy both
// the Gamma-robust CPU bound and the memory bound, recomputed from scratch.
func Verify(m *Model) error {
	var errs []error
	for _, nodeID := range m.nodeIDs {
		ns := m.nodes[nodeID]
		if len(ns.vmIDs) == 0 {
			continue
		}

		var nominal, mem float64
		var radii []float64
		for vmID := range ns.vmIDs {
			vm := m.vms[vmID]
			nominal += vm.NominalCPU
			mem += float64(vm.MemoryMiB)
			radii = append(radii, vm.CPUDeviation)
		}
		sort.Sort(sort.Reverse(sort.Float64Slice(radii)))

		g := ns.node.Gamma
		if g > len(radii) {
			g = len(radii)
		}
		robust := nominal
		for _, r := range radii[:g] {
			robust += r
		}

		if robust > ns.node.CPUCapacityMillis+feasibilityEpsilon {
			errs = append(errs, fmt.Errorf("node %s: robust cpu %.3f exceeds capacity %.3f", nodeID, robust, ns.node.CPUCapacityMillis))
		}
		if int64(mem) > ns.node.MemoryCapacityMiB {
			errs = append(errs, fmt.Errorf("node %s: memory %.0f exceeds capacity %d", nodeID, mem, ns.node.MemoryCapacityMiB))
		}
	}
	return errors.Join(errs...)
}
