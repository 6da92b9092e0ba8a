package consolidation

import (
	"fmt"
	"sort"

	"github.com/virtpack/virtpack/internal/domain"
)

// Model holds the working placement state of a consolidation run: every VM,
// every node, and the current VM to node assignment, with per-node load
// accumulators kept incrementally so feasibility checks stay cheap.
//
// A Model is owned by a single writer. Attempts mutate it speculatively and
// either commit (drop the snapshot) or roll back (Restore). There is no
// partial undo.
type Model struct {
	vms   map[string]*domain.VirtualMachine
	nodes map[string]*nodeState

	// assignment maps VM ID to node ID. Empty value means the VM is
	// temporarily detached inside an in-flight attempt; committed states
	// are always total.
	assignment map[string]string

	nodeIDs []string // all node IDs, sorted, fixed for the run
}

// nodeState tracks one node's hosted VMs and load accumulators.
type nodeState struct {
	node       *domain.Node
	vmIDs      map[string]struct{}
	nominalCPU float64
	memoryMiB  int64
	radii      radiusLedger
}

// Snapshot is an opaque copy of the full placement, captured before an
// attempt and restored on failure.
type Snapshot struct {
	assignment map[string]string
}

// NewModel builds a model from validated inventory. All input validation
// happens here, fail-fast, before any attempt can run: invalid capacities or
// demands, negative Gamma, duplicate IDs, and VMs referencing unknown nodes
// are each distinct errors wrapping domain.ErrInvalidArgument.
func NewModel(nodes []*domain.Node, vms []*domain.VirtualMachine) (*Model, error) {
	m := &Model{
		vms:        make(map[string]*domain.VirtualMachine, len(vms)),
		nodes:      make(map[string]*nodeState, len(nodes)),
		assignment: make(map[string]string, len(vms)),
	}

	for _, n := range nodes {
		if err := n.Validate(); err != nil {
			return nil, err
		}
		if _, ok := m.nodes[n.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate node id %s", domain.ErrInvalidArgument, n.ID)
		}
		m.nodes[n.ID] = &nodeState{
			node:  n,
			vmIDs: make(map[string]struct{}),
			radii: radiusLedger{gamma: n.Gamma},
		}
		m.nodeIDs = append(m.nodeIDs, n.ID)
	}
	sort.Strings(m.nodeIDs)

	for _, vm := range vms {
		if err := vm.Validate(); err != nil {
			return nil, err
		}
		if _, ok := m.vms[vm.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate vm id %s", domain.ErrInvalidArgument, vm.ID)
		}
		if _, ok := m.nodes[vm.NodeID]; !ok {
			return nil, fmt.Errorf("%w: vm %s references unknown node %s", domain.ErrInvalidArgument, vm.ID, vm.NodeID)
		}
		m.vms[vm.ID] = vm
		m.attach(vm.ID, vm.NodeID)
	}

	return m, nil
}

// Snapshot captures the current placement for transactional rollback.
func (m *Model) Snapshot() Snapshot {
	assignment := make(map[string]string, len(m.assignment))
	for vmID, nodeID := range m.assignment {
		assignment[vmID] = nodeID
	}
	return Snapshot{assignment: assignment}
}

// Restore atomically replaces the working placement with the captured one,
// rebuilding every node accumulator from the snapshot.
func (m *Model) Restore(s Snapshot) {
	for _, ns := range m.nodes {
		ns.vmIDs = make(map[string]struct{})
		ns.nominalCPU = 0
		ns.memoryMiB = 0
		ns.radii.reset()
	}
	m.assignment = make(map[string]string, len(s.assignment))
	for vmID, nodeID := range s.assignment {
		if nodeID == "" {
			m.assignment[vmID] = ""
			continue
		}
		m.attach(vmID, nodeID)
	}
}

// Assign places a currently detached VM onto a node in the working placement.
func (m *Model) Assign(vmID, nodeID string) error {
	if cur := m.assignment[vmID]; cur != "" {
		return fmt.Errorf("%w: vm %s already assigned to node %s", domain.ErrConflict, vmID, cur)
	}
	if _, ok := m.nodes[nodeID]; !ok {
		return fmt.Errorf("%w: node %s", domain.ErrNotFound, nodeID)
	}
	m.attach(vmID, nodeID)
	return nil
}

// Unassign detaches a VM from its node in the working placement. The VM
// must be re-assigned before the attempt can commit.
func (m *Model) Unassign(vmID string) {
	nodeID := m.assignment[vmID]
	if nodeID == "" {
		return
	}
	vm := m.vms[vmID]
	ns := m.nodes[nodeID]
	delete(ns.vmIDs, vmID)
	ns.nominalCPU -= vm.NominalCPU
	ns.memoryMiB -= vm.MemoryMiB
	ns.radii.remove(vm.CPUDeviation)
	m.assignment[vmID] = ""
}

// IsEmpty reports whether a node currently hosts no VMs.
func (m *Model) IsEmpty(nodeID string) bool {
	ns, ok := m.nodes[nodeID]
	return ok && len(ns.vmIDs) == 0
}

// ActiveNodes returns the number of nodes hosting at least one VM.
func (m *Model) ActiveNodes() int {
	active := 0
	for _, ns := range m.nodes {
		if len(ns.vmIDs) > 0 {
			active++
		}
	}
	return active
}

// NodeIDs returns all node IDs in ascending order.
func (m *Model) NodeIDs() []string {
	out := make([]string, len(m.nodeIDs))
	copy(out, m.nodeIDs)
	return out
}

// OccupiedNodeIDs returns the IDs of all active nodes in ascending order.
func (m *Model) OccupiedNodeIDs() []string {
	var out []string
	for _, id := range m.nodeIDs {
		if len(m.nodes[id].vmIDs) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// VMsOn returns the IDs of the VMs on a node in ascending order.
func (m *Model) VMsOn(nodeID string) []string {
	ns, ok := m.nodes[nodeID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ns.vmIDs))
	for id := range ns.vmIDs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// VM returns a VM by ID.
func (m *Model) VM(id string) (*domain.VirtualMachine, bool) {
	vm, ok := m.vms[id]
	return vm, ok
}

// Node returns a node by ID.
func (m *Model) Node(id string) (*domain.Node, bool) {
	ns, ok := m.nodes[id]
	if !ok {
		return nil, false
	}
	return ns.node, true
}

// VMCount returns the number of VMs on a node.
func (m *Model) VMCount(nodeID string) int {
	ns, ok := m.nodes[nodeID]
	if !ok {
		return 0
	}
	return len(ns.vmIDs)
}

// RobustCPU returns a node's Gamma-robust CPU load: the nominal sum plus the
// Gamma largest deviation radii among its VMs.
func (m *Model) RobustCPU(nodeID string) float64 {
	ns, ok := m.nodes[nodeID]
	if !ok {
		return 0
	}
	return ns.nominalCPU + ns.radii.topSum()
}

// Assignment returns a copy of the current VM to node mapping.
func (m *Model) Assignment() map[string]string {
	out := make(map[string]string, len(m.assignment))
	for vmID, nodeID := range m.assignment {
		out[vmID] = nodeID
	}
	return out
}

// attach adds a VM to a node's accumulators without any precondition checks.
func (m *Model) attach(vmID, nodeID string) {
	vm := m.vms[vmID]
	ns := m.nodes[nodeID]
	ns.vmIDs[vmID] = struct{}{}
	ns.nominalCPU += vm.NominalCPU
	ns.memoryMiB += vm.MemoryMiB
	ns.radii.insert(vm.CPUDeviation)
	m.assignment[vmID] = nodeID
}
