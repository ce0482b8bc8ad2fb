package task_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/sortie/activity"
	"github.com/GoCodeAlone/sortie/agent"
	"github.com/GoCodeAlone/sortie/internal/apperr"
	"github.com/GoCodeAlone/sortie/store"
	"github.com/GoCodeAlone/sortie/task"
)

type fixture struct {
	db  *store.DB
	reg *task.Registry
	mem *activity.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mem := &activity.Memory{}
	f := &fixture{db: db, reg: task.NewRegistry(db, db, activity.NewLog(nil, mem), nil), mem: mem}
	f.addAgent(t, "x", "org", "")
	f.addAgent(t, "y", "org", "")
	f.addAgent(t, "outsider", "other", "")
	return f
}

func (f *fixture) addAgent(t *testing.T, id, org, team string) {
	t.Helper()
	now := time.Now().UTC()
	err := f.db.CreateAgent(context.Background(), &agent.Agent{
		ID: id, OrgID: org, Name: id, TeamID: team, Status: agent.StatusIdle, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
}

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	id, err := f.reg.Create(context.Background(), "org", task.CreateInput{Title: "investigate", Description: "d"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.reg.Create(ctx, "org", task.CreateInput{Title: "  "}); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("empty title err = %v, want invalid", err)
	}
	if _, err := f.reg.Create(ctx, "org", task.CreateInput{Title: "x", Priority: 9}); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("bad priority err = %v, want invalid", err)
	}
	id := f.create(t)
	got, err := f.reg.Get(ctx, "org", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusInbox {
		t.Errorf("status = %s, want inbox", got.Status)
	}
	if n := len(f.mem.OfKind(activity.KindTaskCreated)); n != 1 {
		t.Errorf("task_created entries = %d, want 1", n)
	}
}

func TestClaim_RaceExactlyOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	var wg sync.WaitGroup
	results := map[string]bool{}
	var mu sync.Mutex
	for _, a := range []string{"x", "y"} {
		wg.Add(1)
		go func(a string) {
			defer wg.Done()
			ok, err := f.reg.Claim(ctx, "org", id, a)
			if err != nil {
				t.Errorf("Claim(%s): %v", a, err)
			}
			mu.Lock()
			results[a] = ok
			mu.Unlock()
		}(a)
	}
	wg.Wait()

	if results["x"] == results["y"] {
		t.Fatalf("results = %v, want exactly one true", results)
	}
	winner := "x"
	if results["y"] {
		winner = "y"
	}
	got, _ := f.reg.Get(ctx, "org", id)
	if got.Status != task.StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
	if as := got.Assignees(); len(as) != 1 || as[0] != winner {
		t.Errorf("assignees = %v, want [%s]", as, winner)
	}
}

func TestClaim_OrgMismatchIsHardError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	if _, err := f.reg.Claim(ctx, "org", id, "outsider"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("outsider claim err = %v, want unauthorized", err)
	}
	if _, err := f.reg.Claim(ctx, "other", id, "outsider"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("cross-org claim err = %v, want unauthorized", err)
	}
	got, _ := f.reg.Get(ctx, "org", id)
	if got.Status != task.StatusInbox {
		t.Errorf("task mutated by rejected claim: %s", got.Status)
	}
}

func TestClaim_NotInboxIsSoftFalse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)
	if err := f.reg.Assign(ctx, "org", id, "x"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	ok, err := f.reg.Claim(ctx, "org", id, "y")
	if err != nil || ok {
		t.Errorf("Claim = %v, %v; want false, nil", ok, err)
	}
}

func TestAssign_WritesBothShapes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)
	if err := f.reg.Assign(ctx, "org", id, "y"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	got, _ := f.reg.Get(ctx, "org", id)
	if got.Status != task.StatusAssigned || got.AssignedTo != "y" || len(got.AssigneeIDs) != 1 {
		t.Errorf("task = %+v", got)
	}
	if err := f.reg.Assign(ctx, "org", id, "outsider"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("assign outsider err = %v, want unauthorized", err)
	}
}

func TestUpdateStatus_TransitionsAndObservers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	var seen []task.Status
	f.reg.Observe(task.ObserverFunc(func(_ context.Context, taskID string, s task.Status) error {
		if taskID == id {
			seen = append(seen, s)
		}
		return errors.New("observer failures are logged only")
	}))

	if err := f.reg.UpdateStatus(ctx, "org", id, task.StatusBlocked); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("inbox->blocked err = %v, want conflict", err)
	}
	if err := f.reg.UpdateStatus(ctx, "org", id, "sleeping"); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("unknown status err = %v, want invalid", err)
	}
	if err := f.reg.Assign(ctx, "org", id, "x"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := f.reg.UpdateStatus(ctx, "org", id, task.StatusBlocked); err != nil {
		t.Fatalf("assigned->blocked: %v", err)
	}
	if err := f.reg.UpdateStatus(ctx, "org", id, task.StatusInProgress); err != nil {
		t.Fatalf("blocked->in_progress: %v", err)
	}
	want := []task.Status{task.StatusAssigned, task.StatusBlocked, task.StatusInProgress}
	if len(seen) != len(want) {
		t.Fatalf("observed %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("observed[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestComplete_RequiresAssigneeAndIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)
	if ok, _ := f.reg.Claim(ctx, "org", id, "x"); !ok {
		t.Fatal("claim failed")
	}
	if err := f.reg.Complete(ctx, "org", id, "y", "nope"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("non-assignee complete err = %v, want unauthorized", err)
	}
	if err := f.reg.Complete(ctx, "org", id, "x", "report"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ := f.reg.Get(ctx, "org", id)
	if got.Status != task.StatusDone || got.Output != "report" || got.CompletedAt == nil {
		t.Errorf("task = %+v", got)
	}
	if err := f.reg.UpdateStatus(ctx, "org", id, task.StatusInProgress); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("done->in_progress err = %v, want conflict", err)
	}
	if n := len(f.mem.OfKind(activity.KindTaskCompleted)); n != 1 {
		t.Errorf("task_completed entries = %d, want 1", n)
	}
}

func TestFindActive_PrefersInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t)
	b := f.create(t)
	if err := f.reg.Assign(ctx, "org", a, "x"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := f.reg.Claim(ctx, "org", b, "x"); !ok {
		t.Fatal("claim failed")
	}
	got, err := f.reg.FindActive(ctx, "org", "x")
	if err != nil || got == nil || got.ID != b {
		t.Errorf("FindActive = %v, %v; want %s", got, err, b)
	}
	none, err := f.reg.FindActive(ctx, "org", "y")
	if err != nil || none != nil {
		t.Errorf("FindActive(y) = %v, %v; want nil", none, err)
	}
}

func TestCreateAssigned_InheritsAgentTeam(t *testing.T) {
	f := newFixture(t)
	f.addAgent(t, "ops1", "org", "ops")
	tk, err := f.reg.CreateAssigned(context.Background(), "org", task.CreateInput{Title: "web_research"}, "ops1")
	if err != nil {
		t.Fatalf("CreateAssigned: %v", err)
	}
	if tk.Status != task.StatusAssigned || tk.TeamID != "ops" || !tk.HasAssignee("ops1") {
		t.Errorf("task = %+v", tk)
	}
	if n := len(f.mem.OfKind(activity.KindTaskAssigned)); n != 1 {
		t.Errorf("task_assigned entries = %d, want 1", n)
	}
}
