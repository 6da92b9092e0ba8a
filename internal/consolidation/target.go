package consolidation

import (
	"fmt"
	"sort"

	"github.com/virtpack/virtpack/internal/domain"
)

// Target selection policy names.
const (
	// PolicyFewestVMs targets the occupied node hosting the fewest VMs
	// first. Fewer VMs to relocate means a cheaper vacating attempt.
	PolicyFewestVMs = "fewest-vms"

	// PolicyLeastLoaded targets the node with the lowest Gamma-robust CPU
	// load first.
	PolicyLeastLoaded = "least-loaded"
)

// TargetPolicy orders the occupied nodes for a consolidation sweep. Every
// still-occupied node appears in the order; the engine walks it front to
// back, so the policy only decides priority, never reachability.
type TargetPolicy interface {
	Name() string

	// Order returns the IDs of all occupied nodes, most attractive
	// vacating target first. The order must be deterministic for a given
	// model state.
	Order(m *Model) []string
}

func policyByName(name string) (TargetPolicy, error) {
	switch name {
	case PolicyFewestVMs, "":
		return fewestVMsPolicy{}, nil
	case PolicyLeastLoaded:
		return leastLoadedPolicy{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown target policy %q", domain.ErrInvalidArgument, name)
	}
}

type fewestVMsPolicy struct{}

func (fewestVMsPolicy) Name() string { return PolicyFewestVMs }

func (fewestVMsPolicy) Order(m *Model) []string {
	ids := m.OccupiedNodeIDs()
	sort.SliceStable(ids, func(i, j int) bool {
		ci, cj := m.VMCount(ids[i]), m.VMCount(ids[j])
		if ci != cj {
			return ci < cj
		}
		return ids[i] < ids[j]
	})
	return ids
}

type leastLoadedPolicy struct{}

func (leastLoadedPolicy) Name() string { return PolicyLeastLoaded }

func (leastLoadedPolicy) Order(m *Model) []string {
	ids := m.OccupiedNodeIDs()
	sort.SliceStable(ids, func(i, j int) bool {
		li, lj := m.RobustCPU(ids[i]), m.RobustCPU(ids[j])
		if li != lj {
			return li < lj
		}
		return ids[i] < ids[j]
	})
	return ids
}
