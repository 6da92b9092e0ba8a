package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/virtpack/virtpack/internal/config"
	"github.com/virtpack/virtpack/internal/consolidation"
	"github.com/virtpack/virtpack/internal/domain"
	"github.com/virtpack/virtpack/internal/planner"
	"github.com/virtpack/virtpack/internal/repository/memory"
)

const testDataset = `{
  "nodes": [
    {"id": "pm-1", "cpu_capacity_millis": 1000, "memory_capacity_mib": 8192, "gamma": 1},
    {"id": "pm-2", "cpu_capacity_millis": 1000, "memory_capacity_mib": 8192, "gamma": 1},
    {"id": "pm-3", "cpu_capacity_millis": 1000, "memory_capacity_mib": 8192, "gamma": 1}
  ],
  "vms": [
    {"id": "vm-1", "nominal_cpu_millis": 100, "cpu_deviation_millis": 10, "memory_mib": 512, "node_id": "pm-1"},
    {"id": "vm-2", "nominal_cpu_millis": 100, "cpu_deviation_millis": 10, "memory_mib": 512, "node_id": "pm-2"},
    {"id": "vm-3", "nominal_cpu_millis": 100, "cpu_deviation_millis": 10, "memory_mib": 512, "node_id": "pm-3"}
  ]
}`

func newTestHandler(t *testing.T) *PlanRestHandler {
	t.Helper()

	engineCfg := consolidation.DefaultConfig()
	engineCfg.SampleRatio = 0
	engineCfg.MaxAttempts = 5
	engineCfg.Seed = 1

	svc := planner.NewService(
		config.PlannerConfig{Enabled: true, Interval: time.Minute},
		engineCfg,
		memory.NewNodeRepository(),
		memory.NewVMRepository(),
		memory.NewPlanRepository(),
		nil, nil, nil,
		zap.NewNop(),
	)
	return NewPlanRestHandler(svc, zap.NewNop())
}

func createPlan(t *testing.T, h *PlanRestHandler) *domain.ConsolidationPlan {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/consolidations", strings.NewReader(testDataset))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /api/consolidations status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var plan domain.ConsolidationPlan
	if err := json.Unmarshal(rec.Body.Bytes(), &plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	return &plan
}

func TestPlanRest_RunConsolidation(t *testing.T) {
	h := newTestHandler(t)
	plan := createPlan(t, h)

	if plan.ID == "" {
		t.Error("plan has no ID")
	}
	if plan.Status != domain.PlanStatusPending {
		t.Errorf("Status = %s, want PENDING", plan.Status)
	}
	if plan.NodesFreed != 2 {
		t.Errorf("NodesFreed = %d, want 2", plan.NodesFreed)
	}
	if len(plan.Placement) != 3 {
		t.Errorf("placement covers %d VMs, want 3", len(plan.Placement))
	}
}

func TestPlanRest_RunConsolidation_BadDataset(t *testing.T) {
	h := newTestHandler(t)

	cases := []string{
		`not json`,
		`{"nodes": []}`,
		`{"nodes": [{"id": "pm-1", "cpu_capacity_millis": -5, "memory_capacity_mib": 10}]}`,
	}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/consolidations", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestPlanRest_GetAndList(t *testing.T) {
	h := newTestHandler(t)
	plan := createPlan(t, h)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/plans/"+plan.ID, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET plan status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/plans/does-not-exist", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET missing plan status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/plans?status=pending", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/plans status = %d", rec.Code)
	}
	var listing struct {
		Plans []*domain.ConsolidationPlan `json:"plans"`
		Count int                         `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if listing.Count != 1 || len(listing.Plans) != 1 {
		t.Errorf("listing = %+v, want one plan", listing)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/plans?status=applied", nil))
	var empty struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &empty); err != nil {
		t.Fatal(err)
	}
	if empty.Count != 0 {
		t.Errorf("applied listing count = %d, want 0", empty.Count)
	}
}

func TestPlanRest_ApprovalFlow(t *testing.T) {
	h := newTestHandler(t)
	plan := createPlan(t, h)

	// Applying a pending plan is a conflict.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/plans/"+plan.ID+"/apply", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("apply pending plan status = %d, want 409", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/plans/"+plan.ID+"/approve", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var approved domain.ConsolidationPlan
	if err := json.Unmarshal(rec.Body.Bytes(), &approved); err != nil {
		t.Fatal(err)
	}
	if approved.Status != domain.PlanStatusApproved {
		t.Errorf("Status = %s, want APPROVED", approved.Status)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/plans/"+plan.ID+"/apply", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("apply status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var applied domain.ConsolidationPlan
	if err := json.Unmarshal(rec.Body.Bytes(), &applied); err != nil {
		t.Fatal(err)
	}
	if applied.Status != domain.PlanStatusApplied {
		t.Errorf("Status = %s, want APPLIED", applied.Status)
	}
}

func TestPlanRest_UnknownActionAndMethods(t *testing.T) {
	h := newTestHandler(t)
	plan := createPlan(t, h)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/plans/"+plan.ID+"/explode", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown action status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/plans", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /api/plans status = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/consolidations", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/consolidations status = %d, want 405", rec.Code)
	}
}
