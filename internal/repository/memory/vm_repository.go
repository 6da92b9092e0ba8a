package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/virtpack/virtpack/internal/domain"
	"github.com/virtpack/virtpack/internal/planner"
)

// Ensure VMRepository implements planner.VMRepository
var _ planner.VMRepository = (*VMRepository)(nil)

// VMRepository is an in-memory implementation of the VM repository.
type VMRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.VirtualMachine
}

// NewVMRepository creates a new in-memory VM repository.
func NewVMRepository() *VMRepository {
	return &VMRepository{
		data: make(map[string]*domain.VirtualMachine),
	}
}

// Get retrieves a VM by ID.
func (r *VMRepository) Get(ctx context.Context, id string) (*domain.VirtualMachine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vm, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	return cloneVM(vm), nil
}

// List returns all VMs ordered by ID.
func (r *VMRepository) List(ctx context.Context) ([]*domain.VirtualMachine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.VirtualMachine, 0, len(r.data))
	for _, vm := range r.data {
		result = append(result, cloneVM(vm))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result, nil
}

// ListByNode returns all VMs currently assigned to a node, ordered by ID.
func (r *VMRepository) ListByNode(ctx context.Context, nodeID string) ([]*domain.VirtualMachine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.VirtualMachine
	for _, vm := range r.data {
		if vm.NodeID == nodeID {
			result = append(result, cloneVM(vm))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result, nil
}

// Upsert stores a VM, replacing any existing record with the same ID.
func (r *VMRepository) Upsert(ctx context.Context, vm *domain.VirtualMachine) (*domain.VirtualMachine, error) {
	if err := vm.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := cloneVM(vm)
	r.data[stored.ID] = stored

	return cloneVM(stored), nil
}

// SetNode moves a VM to another host. Used when an approved plan is applied.
func (r *VMRepository) SetNode(ctx context.Context, vmID, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vm, ok := r.data[vmID]
	if !ok {
		return domain.ErrNotFound
	}

	vm.NodeID = nodeID
	return nil
}

// Delete removes a VM by ID.
func (r *VMRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}

	delete(r.data, id)
	return nil
}

// ReplaceAll swaps the whole inventory in one step.
func (r *VMRepository) ReplaceAll(ctx context.Context, vms []*domain.VirtualMachine) error {
	for _, vm := range vms {
		if err := vm.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.data = make(map[string]*domain.VirtualMachine, len(vms))
	for _, vm := range vms {
		r.data[vm.ID] = cloneVM(vm)
	}
	return nil
}

// cloneVM creates a copy of a VM to avoid external mutations.
func cloneVM(vm *domain.VirtualMachine) *domain.VirtualMachine {
	if vm == nil {
		return nil
	}
	clone := *vm
	return &clone
}
