// Package inventory loads cluster datasets: the node and VM records a
// consolidation run operates on. Records arrive as JSON, either from a file
// or embedded in an API request, and are validated before they reach the
// placement model.
package inventory

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/virtpack/virtpack/internal/domain"
)

// NodeRecord is the wire shape of one physical host.
type NodeRecord struct {
	ID                string  `json:"id"`
	Hostname          string  `json:"hostname,omitempty"`
	CPUCapacityMillis float64 `json:"cpu_capacity_millis"`
	MemoryCapacityMiB int64   `json:"memory_capacity_mib"`
	Gamma             int     `json:"gamma"`
}

// VMRecord is the wire shape of one virtual machine, including its current
// host assignment.
type VMRecord struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name,omitempty"`
	NominalCPUMillis   float64 `json:"nominal_cpu_millis"`
	CPUDeviationMillis float64 `json:"cpu_deviation_millis"`
	MemoryMiB          int64   `json:"memory_mib"`
	NodeID             string  `json:"node_id"`
}

// Dataset is a full cluster snapshot.
type Dataset struct {
	Nodes []NodeRecord `json:"nodes"`
	VMs   []VMRecord   `json:"vms"`
}

// Parse decodes a dataset from r. Unknown fields are rejected so that
// misspelled keys fail loudly instead of silently defaulting to zero.
func Parse(r io.Reader) (*Dataset, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var ds Dataset
	if err := dec.Decode(&ds); err != nil {
		return nil, fmt.Errorf("%w: decode dataset: %v", domain.ErrInvalidArgument, err)
	}
	return &ds, nil
}

// Load reads and decodes a dataset file.
func Load(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	ds, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	return ds, nil
}

// Materialize converts the records into domain objects, validating each one.
// Cross-record checks (duplicate IDs, dangling node references) belong to the
// placement model and are not repeated here.
func (ds *Dataset) Materialize() ([]*domain.Node, []*domain.VirtualMachine, error) {
	if len(ds.Nodes) == 0 {
		return nil, nil, fmt.Errorf("%w: dataset has no nodes", domain.ErrInvalidArgument)
	}

	nodes := make([]*domain.Node, 0, len(ds.Nodes))
	for i, rec := range ds.Nodes {
		hostname := rec.Hostname
		if hostname == "" {
			hostname = rec.ID
		}
		n := &domain.Node{
			ID:                rec.ID,
			Hostname:          hostname,
			CPUCapacityMillis: rec.CPUCapacityMillis,
			MemoryCapacityMiB: rec.MemoryCapacityMiB,
			Gamma:             rec.Gamma,
		}
		if err := n.Validate(); err != nil {
			return nil, nil, fmt.Errorf("node %d (%q): %w", i, rec.ID, err)
		}
		nodes = append(nodes, n)
	}

	vms := make([]*domain.VirtualMachine, 0, len(ds.VMs))
	for i, rec := range ds.VMs {
		name := rec.Name
		if name == "" {
			name = rec.ID
		}
		vm := &domain.VirtualMachine{
			ID:           rec.ID,
			Name:         name,
			NominalCPU:   rec.NominalCPUMillis,
			CPUDeviation: rec.CPUDeviationMillis,
			MemoryMiB:    rec.MemoryMiB,
			NodeID:       rec.NodeID,
		}
		if err := vm.Validate(); err != nil {
			return nil, nil, fmt.Errorf("vm %d (%q): %w", i, rec.ID, err)
		}
		vms = append(vms, vm)
	}

	return nodes, vms, nil
}
