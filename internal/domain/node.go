package domain

import "fmt"

// Node represents a physical hypervisor host that VMs are consolidated onto.
// A node is "active" iff it currently hosts at least one VM; the flag is
// always derived from the placement, never stored.
type Node struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname,omitempty"`

	// CPUCapacityMillis is the usable CPU capacity in millicores, already
	// discounted by any utilization threshold applied upstream.
	CPUCapacityMillis float64 `json:"cpu_capacity_millis"`

	// MemoryCapacityMiB is the usable memory capacity.
	MemoryCapacityMiB int64 `json:"memory_capacity_mib"`

	// Gamma is the robustness budget: the number of simultaneous
	// worst-case CPU deviations the node must absorb without exceeding
	// capacity. It is clamped to the hosted-VM count at evaluation time.
	Gamma int `json:"gamma"`
}

// Validate checks the node parameters. Validation failures are configuration
// errors and wrap ErrInvalidArgument.
func (n *Node) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("%w: node has empty id", ErrInvalidArgument)
	}
	if n.CPUCapacityMillis <= 0 {
		return fmt.Errorf("%w: node %s: cpu capacity %v <= 0", ErrInvalidArgument, n.ID, n.CPUCapacityMillis)
	}
	if n.MemoryCapacityMiB <= 0 {
		return fmt.Errorf("%w: node %s: memory capacity %d <= 0", ErrInvalidArgument, n.ID, n.MemoryCapacityMiB)
	}
	if n.Gamma < 0 {
		return fmt.Errorf("%w: node %s: gamma %d < 0", ErrInvalidArgument, n.ID, n.Gamma)
	}
	return nil
}
