// Package memory provides in-memory repository implementations for
// development, testing, and dataset-driven runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/virtpack/virtpack/internal/domain"
	"github.com/virtpack/virtpack/internal/planner"
)

// Ensure NodeRepository implements planner.NodeRepository
var _ planner.NodeRepository = (*NodeRepository)(nil)

// NodeRepository is an in-memory implementation of the Node repository.
type NodeRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.Node
}

// NewNodeRepository creates a new in-memory Node repository.
func NewNodeRepository() *NodeRepository {
	return &NodeRepository{
		data: make(map[string]*domain.Node),
	}
}

// Get retrieves a node by ID.
func (r *NodeRepository) Get(ctx context.Context, id string) (*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	return cloneNode(n), nil
}

// List returns all nodes ordered by ID.
func (r *NodeRepository) List(ctx context.Context) ([]*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Node, 0, len(r.data))
	for _, n := range r.data {
		result = append(result, cloneNode(n))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result, nil
}

// Upsert stores a node, replacing any existing record with the same ID.
func (r *NodeRepository) Upsert(ctx context.Context, n *domain.Node) (*domain.Node, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := cloneNode(n)
	r.data[stored.ID] = stored

	return cloneNode(stored), nil
}

// Delete removes a node by ID.
func (r *NodeRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}

	delete(r.data, id)
	return nil
}

// ReplaceAll swaps the whole inventory in one step. Used when a fresh dataset
// is loaded.
func (r *NodeRepository) ReplaceAll(ctx context.Context, nodes []*domain.Node) error {
	for _, n := range nodes {
		if err := n.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.data = make(map[string]*domain.Node, len(nodes))
	for _, n := range nodes {
		r.data[n.ID] = cloneNode(n)
	}
	return nil
}

// cloneNode creates a copy of a Node to avoid external mutations.
func cloneNode(n *domain.Node) *domain.Node {
	if n == nil {
		return nil
	}
	clone := *n
	return &clone
}
