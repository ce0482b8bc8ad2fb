package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/GoCodeAlone/sortie/activity"
	"github.com/GoCodeAlone/sortie/agent"
	"github.com/GoCodeAlone/sortie/cloud"
	"github.com/GoCodeAlone/sortie/comms"
	"github.com/GoCodeAlone/sortie/fleet"
	"github.com/GoCodeAlone/sortie/policy"
	"github.com/GoCodeAlone/sortie/proposal"
	"github.com/GoCodeAlone/sortie/server/api"
	"github.com/GoCodeAlone/sortie/store"
	"github.com/GoCodeAlone/sortie/task"
)

type apiHarness struct {
	db    *store.DB
	tasks *task.Registry
	mux   http.Handler
}

// newHarness serves the API over a real store. Requests carry their
// organization in the X-Org header in place of a JWT.
func newHarness(t *testing.T) *apiHarness {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	rec := activity.NewLog(nil)
	tasks := task.NewRegistry(db, db, rec, nil)
	gate := policy.NewGatekeeper(db, nil)
	router := comms.NewRouter(db)
	proposals := proposal.NewManager(proposal.Config{
		Store: db, Gate: gate, Missions: tasks, Members: db, Chat: router, Activity: rec,
	})
	fm := fleet.NewManager(fleet.Config{Agents: db, Workload: db, Machines: cloud.NewNoop()})

	h := &api.Handlers{
		Tasks: tasks, Proposals: proposals, Policies: gate, Fleet: fm, Chat: router, Version: "test",
	}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	withOrg := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := api.WithCaller(r.Context(), api.Caller{Subject: "tester", OrgID: r.Header.Get("X-Org")})
		mux.ServeHTTP(w, r.WithContext(ctx))
	})
	return &apiHarness{db: db, tasks: tasks, mux: withOrg}
}

func (h *apiHarness) do(t *testing.T, org, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if org != "" {
		req.Header.Set("X-Org", org)
	}
	rr := httptest.NewRecorder()
	h.mux.ServeHTTP(rr, req)
	return rr
}

func decodeInto[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", rr.Body.String(), err)
	}
	return v
}

func (h *apiHarness) hire(t *testing.T, org, name, team string) *agent.Agent {
	t.Helper()
	rr := h.do(t, org, http.MethodPost, "/api/agents", fleet.HireInput{Name: name, Role: "analyst", TeamID: team})
	if rr.Code != http.StatusCreated {
		t.Fatalf("hire %s: %d %s", name, rr.Code, rr.Body.String())
	}
	return decodeInto[*agent.Agent](t, rr)
}

func TestTasks_CreateListAssignStatus(t *testing.T) {
	h := newHarness(t)
	scout := h.hire(t, "org-1", "Scout", "ops")

	rr := h.do(t, "org-1", http.MethodPost, "/api/tasks", map[string]string{"title": "Patrol", "priority": "high"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	created := decodeInto[task.Task](t, rr)
	if created.Status != task.StatusInbox || created.Priority != task.PriorityHigh {
		t.Errorf("created = %+v", created)
	}

	rr = h.do(t, "org-1", http.MethodGet, "/api/tasks?status=inbox", nil)
	if list := decodeInto[[]task.Task](t, rr); len(list) != 1 {
		t.Errorf("inbox = %d tasks, want 1", len(list))
	}

	rr = h.do(t, "org-1", http.MethodPost, "/api/tasks/"+created.ID+"/assign", map[string]string{"agent_id": scout.ID})
	if rr.Code != http.StatusOK {
		t.Fatalf("assign: %d %s", rr.Code, rr.Body.String())
	}
	if got := decodeInto[task.Task](t, rr); got.AssignedTo != scout.ID || got.Status != task.StatusAssigned {
		t.Errorf("assigned = %+v", got)
	}

	rr = h.do(t, "org-1", http.MethodPatch, "/api/tasks/"+created.ID+"/status", map[string]string{"status": "blocked"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d %s", rr.Code, rr.Body.String())
	}
}

func TestTasks_ErrorMapping(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, "org-1", http.MethodPost, "/api/tasks", map[string]string{"title": "Patrol"})
	created := decodeInto[task.Task](t, rr)

	tests := []struct {
		name   string
		org    string
		method string
		path   string
		body   any
		want   int
	}{
		{"other org", "org-2", http.MethodGet, "/api/tasks/" + created.ID, nil, http.StatusForbidden},
		{"unknown task", "org-1", http.MethodGet, "/api/tasks/nope", nil, http.StatusNotFound},
		{"blank title", "org-1", http.MethodPost, "/api/tasks", map[string]string{"title": " "}, http.StatusBadRequest},
		{"bad priority", "org-1", http.MethodPost, "/api/tasks", map[string]string{"title": "x", "priority": "urgent"}, http.StatusBadRequest},
		{"bad status filter", "org-1", http.MethodGet, "/api/tasks?status=lost", nil, http.StatusBadRequest},
		{"block from inbox", "org-1", http.MethodPatch, "/api/tasks/" + created.ID + "/status", map[string]string{"status": "blocked"}, http.StatusConflict},
		{"no org", "", http.MethodGet, "/api/tasks", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := h.do(t, tt.org, tt.method, tt.path, tt.body); rr.Code != tt.want {
				t.Errorf("got %d, want %d: %s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestProposals_ApproveDeny(t *testing.T) {
	h := newHarness(t)
	scout := h.hire(t, "org-1", "Scout", "ops")

	rr := h.do(t, "org-1", http.MethodPost, "/api/proposals", map[string]any{
		"agent_id": scout.ID, "action": "deploy", "rationale": "ship the fix",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("propose: %d %s", rr.Code, rr.Body.String())
	}
	first := decodeInto[proposal.Result](t, rr)
	if first.Status != proposal.StatusPending {
		t.Fatalf("status = %s, want pending without a policy", first.Status)
	}

	if rr := h.do(t, "org-2", http.MethodPost, "/api/proposals/"+first.ProposalID+"/approve", nil); rr.Code != http.StatusForbidden {
		t.Errorf("cross-org approve = %d, want 403", rr.Code)
	}
	rr = h.do(t, "org-1", http.MethodPost, "/api/proposals/"+first.ProposalID+"/approve", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rr.Code, rr.Body.String())
	}
	if res := decodeInto[proposal.Result](t, rr); res.MissionID == "" {
		t.Error("approve created no mission")
	}
	if rr := h.do(t, "org-1", http.MethodPost, "/api/proposals/"+first.ProposalID+"/deny", map[string]string{"reason": "late"}); rr.Code != http.StatusConflict {
		t.Errorf("deny after approve = %d, want 409", rr.Code)
	}

	rr = h.do(t, "org-1", http.MethodPost, "/api/proposals", map[string]any{"agent_id": scout.ID, "action": "deploy"})
	second := decodeInto[proposal.Result](t, rr)
	rr = h.do(t, "org-1", http.MethodPost, "/api/proposals/"+second.ProposalID+"/deny", map[string]string{"reason": "too risky"})
	if rr.Code != http.StatusOK {
		t.Fatalf("deny: %d %s", rr.Code, rr.Body.String())
	}
	if p := decodeInto[proposal.Proposal](t, rr); p.Status != proposal.StatusDenied || p.Reason != "too risky" {
		t.Errorf("denied = %+v", p)
	}

	rr = h.do(t, "org-1", http.MethodGet, "/api/proposals?status=pending", nil)
	if list := decodeInto[[]proposal.Proposal](t, rr); len(list) != 0 {
		t.Errorf("pending = %d, want 0", len(list))
	}
}

func TestPolicies_AutoApproval(t *testing.T) {
	h := newHarness(t)
	scout := h.hire(t, "org-1", "Scout", "ops")

	rr := h.do(t, "org-1", http.MethodPut, "/api/policies", map[string]any{"team_id": "ops", "action": "restart", "mode": "auto"})
	if rr.Code != http.StatusOK {
		t.Fatalf("upsert: %d %s", rr.Code, rr.Body.String())
	}
	pol := decodeInto[policy.Policy](t, rr)
	if pol.OrgID != "org-1" || pol.ID == "" {
		t.Errorf("policy = %+v", pol)
	}

	rr = h.do(t, "org-1", http.MethodPost, "/api/proposals", map[string]any{"agent_id": scout.ID, "action": "restart"})
	if res := decodeInto[proposal.Result](t, rr); res.Status != proposal.StatusAutoApproved || res.MissionID == "" {
		t.Errorf("result = %+v, want auto-approved mission", res)
	}

	if rr := h.do(t, "org-1", http.MethodPut, "/api/policies", map[string]any{"action": "*", "mode": "auto"}); rr.Code != http.StatusBadRequest {
		t.Errorf("org-wide wildcard = %d, want 400", rr.Code)
	}

	if rr := h.do(t, "org-1", http.MethodDelete, "/api/policies/"+pol.ID, nil); rr.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rr.Code)
	}
	rr = h.do(t, "org-1", http.MethodGet, "/api/policies", nil)
	if list := decodeInto[[]policy.Policy](t, rr); len(list) != 0 {
		t.Errorf("policies = %d, want 0", len(list))
	}
}

func TestAgents_HireSoulFire(t *testing.T) {
	h := newHarness(t)
	scout := h.hire(t, "org-1", "Scout", "ops")
	if scout.MachineID == "" {
		t.Error("hired agent has no machine")
	}
	if rr := h.do(t, "org-1", http.MethodPost, "/api/agents", fleet.HireInput{Name: "Scout"}); rr.Code != http.StatusConflict {
		t.Errorf("duplicate hire = %d, want 409", rr.Code)
	}

	rr := h.do(t, "org-1", http.MethodPatch, "/api/agents/"+scout.ID+"/soul", map[string]string{"soul": "terse"})
	if rr.Code != http.StatusOK {
		t.Fatalf("soul: %d %s", rr.Code, rr.Body.String())
	}
	if a := decodeInto[agent.Agent](t, rr); a.Soul != "terse" {
		t.Errorf("soul = %q", a.Soul)
	}

	rr = h.do(t, "org-1", http.MethodPost, "/api/tasks", map[string]string{"title": "Hold", "assignee_id": scout.ID})
	held := decodeInto[task.Task](t, rr)
	if rr := h.do(t, "org-1", http.MethodDelete, "/api/agents/"+scout.ID, nil); rr.Code != http.StatusConflict {
		t.Errorf("fire with open task = %d, want 409", rr.Code)
	}
	if err := h.tasks.Complete(context.Background(), "org-1", held.ID, scout.ID, "held"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if rr := h.do(t, "org-1", http.MethodDelete, "/api/agents/"+scout.ID, nil); rr.Code != http.StatusNoContent {
		t.Errorf("fire = %d %s", rr.Code, rr.Body.String())
	}
	if rr := h.do(t, "org-1", http.MethodGet, "/api/agents/"+scout.ID, nil); rr.Code != http.StatusNotFound {
		t.Errorf("get fired agent = %d, want 404", rr.Code)
	}
}

func TestChannels_PostAndRead(t *testing.T) {
	h := newHarness(t)
	for _, text := range []string{"first", "second", "third"} {
		rr := h.do(t, "org-1", http.MethodPost, "/api/channels/general/messages", map[string]string{"content": text})
		if rr.Code != http.StatusCreated {
			t.Fatalf("post: %d %s", rr.Code, rr.Body.String())
		}
	}
	if rr := h.do(t, "org-1", http.MethodPost, "/api/channels/general/messages", map[string]string{"content": " "}); rr.Code != http.StatusBadRequest {
		t.Errorf("blank post = %d, want 400", rr.Code)
	}

	rr := h.do(t, "org-1", http.MethodGet, "/api/channels/general/messages?limit=2", nil)
	recent := decodeInto[[]comms.Message](t, rr)
	if len(recent) != 2 || recent[1].Content != "third" || recent[0].Depth != 0 || recent[0].AgentID != "" {
		t.Errorf("recent = %+v", recent)
	}

	rr = h.do(t, "org-1", http.MethodGet, "/api/channels/general/messages?after="+strconv.FormatInt(recent[0].Seq, 10), nil)
	if after := decodeInto[[]comms.Message](t, rr); len(after) != 1 || after[0].Content != "third" {
		t.Errorf("after = %+v", after)
	}

	rr = h.do(t, "org-2", http.MethodGet, "/api/channels/general/messages", nil)
	if other := decodeInto[[]comms.Message](t, rr); len(other) != 0 {
		t.Errorf("other org sees %d messages", len(other))
	}
}

func TestStatusFor(t *testing.T) {
	if got := api.StatusFor(context.Canceled); got != http.StatusInternalServerError {
		t.Errorf("StatusFor(plain error) = %d, want 500", got)
	}
}
