package domain

import "fmt"

// VirtualMachine represents a virtual machine tracked by the consolidation
// planner. CPU demand is modeled as an uncertain quantity: NominalCPU is the
// center of the demand interval and CPUDeviation its radius, both derived
// offline from usage traces by the statistics collaborator.
type VirtualMachine struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	// NominalCPU is the nominal CPU demand in millicores.
	NominalCPU float64 `json:"nominal_cpu_millis"`

	// CPUDeviation is the demand deviation radius in millicores. A host
	// absorbs up to Gamma simultaneous worst-case deviations.
	CPUDeviation float64 `json:"cpu_deviation_millis"`

	// MemoryMiB is the deterministic memory demand. No robustness margin
	// is applied to memory.
	MemoryMiB int64 `json:"memory_mib"`

	// NodeID is the host currently running this VM. Every VM belongs to
	// exactly one node at any instant.
	NodeID string `json:"node_id"`
}

// WorstCaseCPU returns the upper end of the demand interval, used as the
// sorting key when building a placement queue.
func (vm *VirtualMachine) WorstCaseCPU() float64 {
	return vm.NominalCPU + vm.CPUDeviation
}

// Validate checks the VM parameters. Validation failures are configuration
// errors and wrap ErrInvalidArgument.
func (vm *VirtualMachine) Validate() error {
	if vm.ID == "" {
		return fmt.Errorf("%w: vm has empty id", ErrInvalidArgument)
	}
	if vm.NominalCPU < 0 {
		return fmt.Errorf("%w: vm %s: nominal cpu %v < 0", ErrInvalidArgument, vm.ID, vm.NominalCPU)
	}
	if vm.CPUDeviation < 0 {
		return fmt.Errorf("%w: vm %s: cpu deviation %v < 0", ErrInvalidArgument, vm.ID, vm.CPUDeviation)
	}
	if vm.MemoryMiB < 0 {
		return fmt.Errorf("%w: vm %s: memory %d < 0", ErrInvalidArgument, vm.ID, vm.MemoryMiB)
	}
	if vm.NodeID == "" {
		return fmt.Errorf("%w: vm %s: no node assignment", ErrInvalidArgument, vm.ID)
	}
	return nil
}
