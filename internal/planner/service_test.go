package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/virtpack/virtpack/internal/config"
	"github.com/virtpack/virtpack/internal/consolidation"
	"github.com/virtpack/virtpack/internal/domain"
)

// ============================================================================
// Mocks
// ============================================================================

type mockNodeRepo struct {
	nodes []*domain.Node
}

func (m *mockNodeRepo) Get(ctx context.Context, id string) (*domain.Node, error) {
	for _, n := range m.nodes {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, domain.ErrNotFound
}
func (m *mockNodeRepo) List(ctx context.Context) ([]*domain.Node, error) { return m.nodes, nil }
func (m *mockNodeRepo) Upsert(ctx context.Context, n *domain.Node) (*domain.Node, error) {
	return n, nil
}
func (m *mockNodeRepo) Delete(ctx context.Context, id string) error { return nil }
func (m *mockNodeRepo) ReplaceAll(ctx context.Context, nodes []*domain.Node) error {
	m.nodes = nodes
	return nil
}

type mockVMRepo struct {
	vms      []*domain.VirtualMachine
	setCalls map[string]string
}

func (m *mockVMRepo) Get(ctx context.Context, id string) (*domain.VirtualMachine, error) {
	for _, vm := range m.vms {
		if vm.ID == id {
			return vm, nil
		}
	}
	return nil, domain.ErrNotFound
}
func (m *mockVMRepo) List(ctx context.Context) ([]*domain.VirtualMachine, error) {
	return m.vms, nil
}
func (m *mockVMRepo) ListByNode(ctx context.Context, nodeID string) ([]*domain.VirtualMachine, error) {
	var out []*domain.VirtualMachine
	for _, vm := range m.vms {
		if vm.NodeID == nodeID {
			out = append(out, vm)
		}
	}
	return out, nil
}
func (m *mockVMRepo) Upsert(ctx context.Context, vm *domain.VirtualMachine) (*domain.VirtualMachine, error) {
	return vm, nil
}
func (m *mockVMRepo) SetNode(ctx context.Context, vmID, nodeID string) error {
	if m.setCalls == nil {
		m.setCalls = make(map[string]string)
	}
	m.setCalls[vmID] = nodeID
	return nil
}
func (m *mockVMRepo) Delete(ctx context.Context, id string) error { return nil }
func (m *mockVMRepo) ReplaceAll(ctx context.Context, vms []*domain.VirtualMachine) error {
	m.vms = vms
	return nil
}

type mockPlanRepo struct {
	plans   map[string]*domain.ConsolidationPlan
	created int
}

func newMockPlanRepo() *mockPlanRepo {
	return &mockPlanRepo{plans: make(map[string]*domain.ConsolidationPlan)}
}

func (m *mockPlanRepo) Create(ctx context.Context, p *domain.ConsolidationPlan) (*domain.ConsolidationPlan, error) {
	if p.ID == "" {
		p.ID = "plan-1"
	}
	if p.Status == "" {
		p.Status = domain.PlanStatusPending
	}
	m.plans[p.ID] = p
	m.created++
	return p, nil
}
func (m *mockPlanRepo) Get(ctx context.Context, id string) (*domain.ConsolidationPlan, error) {
	p, ok := m.plans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}
func (m *mockPlanRepo) List(ctx context.Context, filter PlanFilter) ([]*domain.ConsolidationPlan, error) {
	var out []*domain.ConsolidationPlan
	for _, p := range m.plans {
		out = append(out, p)
	}
	return out, nil
}
func (m *mockPlanRepo) UpdateStatus(ctx context.Context, id string, status domain.PlanStatus, appliedBy string) (*domain.ConsolidationPlan, error) {
	p, ok := m.plans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	p.Status = status
	if status == domain.PlanStatusApplied {
		now := time.Now()
		p.AppliedAt = &now
		p.AppliedBy = appliedBy
	}
	return p, nil
}
func (m *mockPlanRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []domain.PlanStatus) (int, error) {
	return 0, nil
}

type mockLeader struct{ leader bool }

func (m *mockLeader) IsLeader() bool { return m.leader }

// ============================================================================
// Helpers
// ============================================================================

func testService(t *testing.T, nodes []*domain.Node, vms []*domain.VirtualMachine) (*Service, *mockVMRepo, *mockPlanRepo) {
	t.Helper()

	engineCfg := consolidation.DefaultConfig()
	engineCfg.SampleRatio = 0
	engineCfg.MaxAttempts = 5
	engineCfg.Seed = 1

	vmRepo := &mockVMRepo{vms: vms}
	planRepo := newMockPlanRepo()
	svc := NewService(
		config.PlannerConfig{Enabled: true, Interval: time.Minute},
		engineCfg,
		&mockNodeRepo{nodes: nodes},
		vmRepo,
		planRepo,
		nil, nil, nil,
		zap.NewNop(),
	)
	return svc, vmRepo, planRepo
}

func spreadInventory() ([]*domain.Node, []*domain.VirtualMachine) {
	nodes := []*domain.Node{
		{ID: "pm-1", Hostname: "pm-1", CPUCapacityMillis: 1000, MemoryCapacityMiB: 8192, Gamma: 1},
		{ID: "pm-2", Hostname: "pm-2", CPUCapacityMillis: 1000, MemoryCapacityMiB: 8192, Gamma: 1},
		{ID: "pm-3", Hostname: "pm-3", CPUCapacityMillis: 1000, MemoryCapacityMiB: 8192, Gamma: 1},
	}
	vms := []*domain.VirtualMachine{
		{ID: "vm-1", Name: "vm-1", NominalCPU: 100, CPUDeviation: 10, MemoryMiB: 512, NodeID: "pm-1"},
		{ID: "vm-2", Name: "vm-2", NominalCPU: 100, CPUDeviation: 10, MemoryMiB: 512, NodeID: "pm-2"},
		{ID: "vm-3", Name: "vm-3", NominalCPU: 100, CPUDeviation: 10, MemoryMiB: 512, NodeID: "pm-3"},
	}
	return nodes, vms
}

// ============================================================================
// Tests
// ============================================================================

func TestService_AnalyzeProducesPlan(t *testing.T) {
	nodes, vms := spreadInventory()
	svc, _, _ := testService(t, nodes, vms)

	plan, err := svc.Analyze(context.Background(), nodes, vms)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if !plan.Succeeded() {
		t.Fatal("plan did not free any nodes")
	}
	if plan.ActiveBefore != 3 || plan.ActiveAfter != 1 {
		t.Errorf("active %d -> %d, want 3 -> 1", plan.ActiveBefore, plan.ActiveAfter)
	}
	if plan.Status != domain.PlanStatusPending {
		t.Errorf("Status = %s, want PENDING", plan.Status)
	}
	if len(plan.Placement) != 3 {
		t.Errorf("placement covers %d VMs, want 3", len(plan.Placement))
	}
}

func TestService_AnalyzeRejectsBrokenInventory(t *testing.T) {
	nodes, vms := spreadInventory()
	vms[0].NodeID = "ghost"
	svc, _, _ := testService(t, nodes, vms)

	if _, err := svc.Analyze(context.Background(), nodes, vms); err == nil {
		t.Fatal("Analyze accepted a VM on an unknown node")
	}
}

func TestService_RunOnInventoryStoresPlan(t *testing.T) {
	nodes, vms := spreadInventory()
	svc, _, planRepo := testService(t, nodes, vms)

	plan, err := svc.RunOnInventory(context.Background(), nodes, vms)
	if err != nil {
		t.Fatalf("RunOnInventory failed: %v", err)
	}
	if planRepo.created != 1 {
		t.Errorf("stored %d plans, want 1", planRepo.created)
	}
	if _, err := svc.GetPlan(context.Background(), plan.ID); err != nil {
		t.Errorf("stored plan not retrievable: %v", err)
	}
}

func TestService_ApprovalLifecycle(t *testing.T) {
	nodes, vms := spreadInventory()
	svc, vmRepo, _ := testService(t, nodes, vms)
	ctx := context.Background()

	plan, err := svc.RunOnInventory(ctx, nodes, vms)
	if err != nil {
		t.Fatalf("RunOnInventory failed: %v", err)
	}

	// Rejecting an approved plan or applying a pending one is a conflict.
	if _, err := svc.ApplyPlan(ctx, plan.ID, "op"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("ApplyPlan on pending plan = %v, want ErrConflict", err)
	}

	approved, err := svc.ApprovePlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("ApprovePlan failed: %v", err)
	}
	if approved.Status != domain.PlanStatusApproved {
		t.Errorf("Status = %s, want APPROVED", approved.Status)
	}

	if _, err := svc.RejectPlan(ctx, plan.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("RejectPlan on approved plan = %v, want ErrConflict", err)
	}

	applied, err := svc.ApplyPlan(ctx, plan.ID, "operator")
	if err != nil {
		t.Fatalf("ApplyPlan failed: %v", err)
	}
	if applied.Status != domain.PlanStatusApplied || applied.AppliedBy != "operator" {
		t.Errorf("applied plan = %+v", applied)
	}

	// Applying moves the inventory to the plan's placement.
	if len(vmRepo.setCalls) != len(plan.Placement) {
		t.Errorf("SetNode called for %d VMs, want %d", len(vmRepo.setCalls), len(plan.Placement))
	}
	for vmID, nodeID := range plan.Placement {
		if vmRepo.setCalls[vmID] != nodeID {
			t.Errorf("vm %s moved to %s, want %s", vmID, vmRepo.setCalls[vmID], nodeID)
		}
	}
}

func TestService_RejectPlan(t *testing.T) {
	nodes, vms := spreadInventory()
	svc, _, _ := testService(t, nodes, vms)
	ctx := context.Background()

	plan, err := svc.RunOnInventory(ctx, nodes, vms)
	if err != nil {
		t.Fatalf("RunOnInventory failed: %v", err)
	}

	rejected, err := svc.RejectPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("RejectPlan failed: %v", err)
	}
	if rejected.Status != domain.PlanStatusRejected {
		t.Errorf("Status = %s, want REJECTED", rejected.Status)
	}

	if _, err := svc.ApprovePlan(ctx, plan.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("ApprovePlan on rejected plan = %v, want ErrConflict", err)
	}
}

func TestService_TransitionOnMissingPlan(t *testing.T) {
	nodes, vms := spreadInventory()
	svc, _, _ := testService(t, nodes, vms)

	if _, err := svc.ApprovePlan(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("ApprovePlan = %v, want ErrNotFound", err)
	}
}

func TestService_AnalysisSkippedOnFollower(t *testing.T) {
	nodes, vms := spreadInventory()

	engineCfg := consolidation.DefaultConfig()
	engineCfg.SampleRatio = 0
	engineCfg.MaxAttempts = 5

	planRepo := newMockPlanRepo()
	svc := NewService(
		config.PlannerConfig{Enabled: true, Interval: time.Minute},
		engineCfg,
		&mockNodeRepo{nodes: nodes},
		&mockVMRepo{vms: vms},
		planRepo,
		nil, nil,
		&mockLeader{leader: false},
		zap.NewNop(),
	)

	svc.runAnalysis(context.Background())
	if planRepo.created != 0 {
		t.Errorf("follower stored %d plans, want 0", planRepo.created)
	}

	leaderSvc := NewService(
		config.PlannerConfig{Enabled: true, Interval: time.Minute},
		engineCfg,
		&mockNodeRepo{nodes: nodes},
		&mockVMRepo{vms: vms},
		planRepo,
		nil, nil,
		&mockLeader{leader: true},
		zap.NewNop(),
	)
	leaderSvc.runAnalysis(context.Background())
	if planRepo.created != 1 {
		t.Errorf("leader stored %d plans, want 1", planRepo.created)
	}
}

func TestService_NoPlanStoredWhenNothingFreed(t *testing.T) {
	// Two hosts at capacity 100 where neither can absorb the other's VMs.
	nodes := []*domain.Node{
		{ID: "pm-1", Hostname: "pm-1", CPUCapacityMillis: 100, MemoryCapacityMiB: 1024, Gamma: 1},
		{ID: "pm-2", Hostname: "pm-2", CPUCapacityMillis: 100, MemoryCapacityMiB: 1024, Gamma: 1},
	}
	vms := []*domain.VirtualMachine{
		{ID: "vm-1", Name: "vm-1", NominalCPU: 80, CPUDeviation: 10, MemoryMiB: 256, NodeID: "pm-1"},
		{ID: "vm-2", Name: "vm-2", NominalCPU: 80, CPUDeviation: 10, MemoryMiB: 256, NodeID: "pm-2"},
	}

	engineCfg := consolidation.DefaultConfig()
	engineCfg.SampleRatio = 1.0
	engineCfg.MaxAttempts = 3

	planRepo := newMockPlanRepo()
	svc := NewService(
		config.PlannerConfig{Enabled: true, Interval: time.Minute},
		engineCfg,
		&mockNodeRepo{nodes: nodes},
		&mockVMRepo{vms: vms},
		planRepo,
		nil, nil, nil,
		zap.NewNop(),
	)

	svc.runAnalysis(context.Background())
	if planRepo.created != 0 {
		t.Errorf("stored %d plans for a run that freed nothing, want 0", planRepo.created)
	}
}
