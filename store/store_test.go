package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/sortie/activity"
	"github.com/GoCodeAlone/sortie/agent"
	"github.com/GoCodeAlone/sortie/comms"
	"github.com/GoCodeAlone/sortie/internal/apperr"
	"github.com/GoCodeAlone/sortie/policy"
	"github.com/GoCodeAlone/sortie/proposal"
	"github.com/GoCodeAlone/sortie/task"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertTask(t *testing.T, db *DB, id string, status task.Status) *task.Task {
	t.Helper()
	now := time.Now().UTC()
	tk := &task.Task{
		ID: id, OrgID: "org", Title: "title " + id, Status: status,
		Priority: task.PriorityNormal, CreatedAt: now, UpdatedAt: now,
	}
	if err := db.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return tk
}

func TestTasks_CreateGetRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	in := insertTask(t, db, "t1", task.StatusInbox)

	got, err := db.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != in.Title || got.Status != task.StatusInbox || got.OrgID != "org" {
		t.Errorf("GetTask = %+v", got)
	}
	if got.AssigneeIDs != nil {
		t.Errorf("AssigneeIDs = %v, want nil", got.AssigneeIDs)
	}
	if _, err := db.GetTask(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetTask(missing) err = %v, want not found", err)
	}
}

func TestClaimTask_ConcurrentExactlyOneWinner(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	insertTask(t, db, "t1", task.StatusInbox)

	agents := []string{"x", "y", "z", "w"}
	results := make([]bool, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a string) {
			defer wg.Done()
			ok, err := db.ClaimTask(ctx, "org", "t1", a, time.Now())
			if err != nil {
				t.Errorf("ClaimTask(%s): %v", a, err)
			}
			results[i] = ok
		}(i, a)
	}
	wg.Wait()

	winners := 0
	winner := ""
	for i, ok := range results {
		if ok {
			winners++
			winner = agents[i]
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
	got, _ := db.GetTask(ctx, "t1")
	if got.Status != task.StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
	if got.AssignedTo != winner || len(got.AssigneeIDs) != 1 || got.AssigneeIDs[0] != winner {
		t.Errorf("assignees = %q/%v, want only %s", got.AssignedTo, got.AssigneeIDs, winner)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not set")
	}
}

func TestClaimTask_WrongOrgOrStatusDoesNothing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	insertTask(t, db, "t1", task.StatusInbox)
	insertTask(t, db, "t2", task.StatusAssigned)

	if ok, _ := db.ClaimTask(ctx, "other", "t1", "x", time.Now()); ok {
		t.Error("claim across orgs succeeded")
	}
	if ok, _ := db.ClaimTask(ctx, "org", "t2", "x", time.Now()); ok {
		t.Error("claim of assigned task succeeded")
	}
}

func TestUpdateTask_CompareAndSwap(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tk := insertTask(t, db, "t1", task.StatusAssigned)

	tk.Status = task.StatusBlocked
	if err := db.UpdateTask(ctx, tk, task.StatusInbox); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("stale update err = %v, want conflict", err)
	}
	if err := db.UpdateTask(ctx, tk, task.StatusAssigned); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	got, _ := db.GetTask(ctx, "t1")
	if got.Status != task.StatusBlocked {
		t.Errorf("status = %s, want blocked", got.Status)
	}
}

func TestListTasks_FiltersAndOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i, tk := range []*task.Task{
		{ID: "low", Priority: task.PriorityLow, Status: task.StatusInbox},
		{ID: "crit", Priority: task.PriorityCritical, Status: task.StatusInbox},
		{ID: "mine", Priority: task.PriorityNormal, Status: task.StatusAssigned, AssignedTo: "a1", AssigneeIDs: []string{"a1"}},
		{ID: "team", Priority: task.PriorityNormal, Status: task.StatusInbox, TeamID: "ops"},
	} {
		tk.OrgID, tk.Title = "org", tk.ID
		tk.CreatedAt = now.Add(time.Duration(i) * time.Millisecond)
		tk.UpdatedAt = tk.CreatedAt
		if err := db.CreateTask(ctx, tk); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	inbox, err := db.ListTasks(ctx, task.Filter{OrgID: "org", Statuses: []task.Status{task.StatusInbox}})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(inbox) != 3 || inbox[0].ID != "crit" || inbox[2].ID != "low" {
		ids := []string{}
		for _, x := range inbox {
			ids = append(ids, x.ID)
		}
		t.Errorf("inbox order = %v, want crit first and low last", ids)
	}

	mine, _ := db.ListTasks(ctx, task.Filter{OrgID: "org", AssigneeID: "a1"})
	if len(mine) != 1 || mine[0].ID != "mine" {
		t.Errorf("assignee filter = %d tasks", len(mine))
	}
	n, _ := db.OpenTaskCount(ctx, "org", "a1")
	if n != 1 {
		t.Errorf("OpenTaskCount = %d, want 1", n)
	}
}

func TestAgents_UniqueNameAndStale(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour).UTC()
	a := &agent.Agent{ID: "a1", OrgID: "org", Name: "scout", Status: agent.StatusIdle, MachineID: "m1", CreatedAt: old, UpdatedAt: old}
	if err := db.CreateAgent(ctx, a); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	dup := &agent.Agent{ID: "a2", OrgID: "org", Name: "scout", CreatedAt: old, UpdatedAt: old}
	if err := db.CreateAgent(ctx, dup); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("duplicate name err = %v, want conflict", err)
	}

	stale, err := db.StaleAgents(ctx, time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("StaleAgents: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("stale = %d, want 1", len(stale))
	}

	if err := db.TouchAgent(ctx, "a1", time.Now()); err != nil {
		t.Fatalf("TouchAgent: %v", err)
	}
	stale, _ = db.StaleAgents(ctx, time.Now().Add(-10*time.Minute))
	if len(stale) != 0 {
		t.Errorf("stale after heartbeat = %d, want 0", len(stale))
	}

	if err := db.SetAgentSoul(ctx, "a1", "curious"); err != nil {
		t.Fatalf("SetAgentSoul: %v", err)
	}
	m, err := db.Member(ctx, "a1")
	if err != nil || m.OrgID != "org" || m.Name != "scout" {
		t.Errorf("Member = %+v, %v", m, err)
	}
	got, _ := db.GetAgent(ctx, "a1")
	if got.Soul != "curious" || got.LastHeartbeat == nil {
		t.Errorf("agent = %+v", got)
	}
}

func TestPolicies_UpsertReplacesByKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	limit := 0.05

	first := &policy.Policy{ID: "p1", OrgID: "org", Action: "deploy", Mode: policy.ModeManual, CreatedAt: now, UpdatedAt: now}
	if err := db.UpsertPolicy(ctx, first); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}
	second := &policy.Policy{ID: "p2", OrgID: "org", Action: "deploy", Mode: policy.ModeAuto, MaxCost: &limit, CreatedAt: now, UpdatedAt: now}
	if err := db.UpsertPolicy(ctx, second); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}
	if second.ID != "p1" {
		t.Errorf("upserted ID = %s, want p1", second.ID)
	}
	got, err := db.FindPolicy(ctx, "org", "", "deploy")
	if err != nil || got == nil {
		t.Fatalf("FindPolicy = %v, %v", got, err)
	}
	if got.Mode != policy.ModeAuto || got.MaxCost == nil || *got.MaxCost != limit || got.MinConfidence != nil {
		t.Errorf("policy = %+v", got)
	}
	if p, _ := db.FindPolicy(ctx, "org", "ops", "deploy"); p != nil {
		t.Error("team lookup should not match org-wide policy")
	}
	if err := db.DeletePolicy(ctx, "other", "p1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("cross-org delete err = %v, want not found", err)
	}
}

func TestProposals_ResolveOnlyFromPending(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	p := &proposal.Proposal{ID: "p1", OrgID: "org", AgentID: "a1", Action: "web_research", Status: proposal.StatusPending, CreatedAt: time.Now()}
	if err := db.CreateProposal(ctx, p); err != nil {
		t.Fatalf("CreateProposal: %v", err)
	}
	ok, err := db.ResolveProposal(ctx, "p1", proposal.StatusApproved, "", time.Now())
	if err != nil || !ok {
		t.Fatalf("first resolve = %v, %v", ok, err)
	}
	ok, _ = db.ResolveProposal(ctx, "p1", proposal.StatusDenied, "late", time.Now())
	if ok {
		t.Error("second resolve succeeded")
	}
	if err := db.SetProposalMission(ctx, "p1", "t9"); err != nil {
		t.Fatalf("SetProposalMission: %v", err)
	}
	got, _ := db.GetProposal(ctx, "p1")
	if got.Status != proposal.StatusApproved || got.MissionID != "t9" || got.ResolvedAt == nil {
		t.Errorf("proposal = %+v", got)
	}
	pending := proposal.StatusPending
	list, _ := db.ListProposals(ctx, "org", &pending)
	if len(list) != 0 {
		t.Errorf("pending list = %d, want 0", len(list))
	}
}

func TestMessages_SeqAndCursor(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	r := comms.NewRouter(db)
	for _, c := range []string{"one", "two", "three"} {
		if err := r.Post(ctx, &comms.Message{OrgID: "org", Channel: "general", Content: c, Depth: 1}); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	all, _ := db.MessagesAfter(ctx, "org", "general", 0, 0)
	if len(all) != 3 {
		t.Fatalf("messages = %d, want 3", len(all))
	}
	after, _ := db.MessagesAfter(ctx, "org", "general", all[0].Seq, 0)
	if len(after) != 2 || after[0].Content != "two" {
		t.Errorf("after first = %+v", after)
	}
	recent, _ := db.RecentMessages(ctx, "org", "general", 2)
	if len(recent) != 2 || recent[1].Content != "three" || recent[0].Depth != 1 {
		t.Errorf("recent = %+v", recent)
	}
}

func TestActivity_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	l := activity.NewLog(nil, activity.StoreRecorder{Store: db})
	if err := l.Record(ctx, &activity.Entry{OrgID: "org", Payload: activity.ProposalDenied{ProposalID: "p1", Reason: "no"}}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	entries, err := db.ListActivity(ctx, "org", 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListActivity = %d, %v", len(entries), err)
	}
	if d, ok := entries[0].Payload.(activity.ProposalDenied); !ok || d.Reason != "no" {
		t.Errorf("payload = %#v", entries[0].Payload)
	}
}

func TestProposals_ReopenWithoutMission(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for _, id := range []string{"p1", "p2"} {
		p := &proposal.Proposal{ID: id, OrgID: "org", AgentID: "a1", Action: "deploy", Status: proposal.StatusPending, CreatedAt: time.Now()}
		if err := db.CreateProposal(ctx, p); err != nil {
			t.Fatalf("CreateProposal: %v", err)
		}
		if ok, err := db.ResolveProposal(ctx, id, proposal.StatusApproved, "", time.Now()); err != nil || !ok {
			t.Fatalf("resolve %s = %v, %v", id, ok, err)
		}
	}
	if err := db.SetProposalMission(ctx, "p2", "t1"); err != nil {
		t.Fatal(err)
	}

	if ok, err := db.ReopenProposal(ctx, "p1", proposal.StatusDenied); err != nil || ok {
		t.Errorf("reopen from wrong status = %v, %v", ok, err)
	}
	if ok, err := db.ReopenProposal(ctx, "p1", proposal.StatusApproved); err != nil || !ok {
		t.Fatalf("reopen = %v, %v", ok, err)
	}
	got, _ := db.GetProposal(ctx, "p1")
	if got.Status != proposal.StatusPending || got.ResolvedAt != nil {
		t.Errorf("reopened = %+v", got)
	}
	if ok, _ := db.ReopenProposal(ctx, "p2", proposal.StatusApproved); ok {
		t.Error("reopened a proposal that has a mission")
	}
}
