package fleet_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/sortie/activity"
	"github.com/GoCodeAlone/sortie/agent"
	"github.com/GoCodeAlone/sortie/cloud"
	"github.com/GoCodeAlone/sortie/fleet"
	"github.com/GoCodeAlone/sortie/internal/apperr"
	"github.com/GoCodeAlone/sortie/store"
	"github.com/GoCodeAlone/sortie/task"
)

func newStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type brokenMachines struct{}

func (brokenMachines) SpawnMachine(context.Context, string, string) (string, error) {
	return "", errors.New("quota exceeded")
}
func (brokenMachines) StopMachine(context.Context, string) error { return errors.New("unreachable") }

type fakeLauncher struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (l *fakeLauncher) Start(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, id)
	return nil
}

func (l *fakeLauncher) Stop(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = append(l.stopped, id)
	return nil
}

func TestHire_SpawnsMachineAndStartsRuntime(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	machines := cloud.NewNoop()
	launcher := &fakeLauncher{}
	m := fleet.NewManager(fleet.Config{Agents: db, Workload: db, Machines: machines, Launcher: launcher})

	a, err := m.Hire(ctx, "org-1", fleet.HireInput{Name: "Scout", Role: "analyst", Soul: "curious"})
	if err != nil {
		t.Fatalf("Hire: %v", err)
	}
	if a.MachineID == "" || machines.Running() != 1 {
		t.Errorf("machine = %q, running = %d", a.MachineID, machines.Running())
	}
	stored, err := db.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.MachineID != a.MachineID || stored.Status != agent.StatusIdle {
		t.Errorf("stored = %+v", stored)
	}
	if len(launcher.started) != 1 || launcher.started[0] != a.ID {
		t.Errorf("started = %v", launcher.started)
	}
}

func TestHire_Validation(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	m := fleet.NewManager(fleet.Config{Agents: db, Workload: db})

	if _, err := m.Hire(ctx, "org-1", fleet.HireInput{Name: "  "}); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("blank name = %v, want invalid", err)
	}
	if _, err := m.Hire(ctx, "org-1", fleet.HireInput{Name: "Scout"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Hire(ctx, "org-1", fleet.HireInput{Name: "Scout"}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("duplicate name = %v, want conflict", err)
	}
	if _, err := m.Hire(ctx, "org-2", fleet.HireInput{Name: "Scout"}); err != nil {
		t.Errorf("same name in another org = %v", err)
	}
}

func TestHire_SpawnFailureLeavesAgentOffline(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	m := fleet.NewManager(fleet.Config{Agents: db, Workload: db, Machines: brokenMachines{}})

	a, err := m.Hire(ctx, "org-1", fleet.HireInput{Name: "Scout"})
	if err != nil {
		t.Fatalf("Hire: %v", err)
	}
	stored, err := db.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != agent.StatusOffline || stored.MachineID != "" {
		t.Errorf("stored = %s/%q, want offline without machine", stored.Status, stored.MachineID)
	}
}

func TestFire(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	machines := cloud.NewNoop()
	launcher := &fakeLauncher{}
	m := fleet.NewManager(fleet.Config{Agents: db, Workload: db, Machines: machines, Launcher: launcher})
	tasks := task.NewRegistry(db, db, activity.NewLog(nil), nil)

	a, err := m.Hire(ctx, "org-1", fleet.HireInput{Name: "Scout"})
	if err != nil {
		t.Fatal(err)
	}
	tk, err := tasks.CreateAssigned(ctx, "org-1", task.CreateInput{Title: "Patrol", Priority: task.PriorityNormal}, a.ID)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Fire(ctx, "org-2", a.ID); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("cross-org fire = %v, want unauthorized", err)
	}
	if err := m.Fire(ctx, "org-1", a.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("fire with open task = %v, want conflict", err)
	}

	if err := tasks.Complete(ctx, "org-1", tk.ID, a.ID, "done"); err != nil {
		t.Fatal(err)
	}
	if err := m.Fire(ctx, "org-1", a.ID); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if machines.Running() != 0 {
		t.Errorf("running machines = %d, want 0", machines.Running())
	}
	if _, err := db.GetAgent(ctx, a.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetAgent after fire = %v, want not found", err)
	}
	if len(launcher.stopped) != 1 {
		t.Errorf("stopped = %v", launcher.stopped)
	}
}

func TestSetSoul_OrgScoped(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	m := fleet.NewManager(fleet.Config{Agents: db, Workload: db})
	a, _ := m.Hire(ctx, "org-1", fleet.HireInput{Name: "Scout", Soul: "old"})

	if err := m.SetSoul(ctx, "org-2", a.ID, "hijacked"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("cross-org SetSoul = %v, want unauthorized", err)
	}
	if err := m.SetSoul(ctx, "org-1", a.ID, "new"); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(ctx, "org-1", a.ID)
	if got.Soul != "new" {
		t.Errorf("soul = %q, want new", got.Soul)
	}
}

func TestReaper_Sweep(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	machines := cloud.NewNoop()
	m := fleet.NewManager(fleet.Config{Agents: db, Workload: db, Machines: machines})

	quiet, _ := m.Hire(ctx, "org-1", fleet.HireInput{Name: "Quiet"})
	lively, _ := m.Hire(ctx, "org-1", fleet.HireInput{Name: "Lively"})

	now := time.Now().Add(time.Hour)
	if err := db.TouchAgent(ctx, lively.ID, now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	r := fleet.NewReaper(db, machines, 10*time.Minute, nil)
	n, err := r.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}

	got, _ := db.GetAgent(ctx, quiet.ID)
	if got.Status != agent.StatusOffline || got.MachineID != "" {
		t.Errorf("quiet = %s/%q, want offline without machine", got.Status, got.MachineID)
	}
	got, _ = db.GetAgent(ctx, lively.ID)
	if got.MachineID == "" {
		t.Error("lively agent lost its machine")
	}
	if machines.Running() != 1 {
		t.Errorf("running = %d, want 1", machines.Running())
	}

	// Already reaped agents have no machine and are not swept again.
	if n, _ := r.Sweep(ctx, now); n != 0 {
		t.Errorf("second sweep reaped %d, want 0", n)
	}
}

func TestReaper_StopFailureKeepsGoing(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	m := fleet.NewManager(fleet.Config{Agents: db, Workload: db, Machines: cloud.NewNoop()})
	a, _ := m.Hire(ctx, "org-1", fleet.HireInput{Name: "Quiet"})

	r := fleet.NewReaper(db, brokenMachines{}, time.Minute, nil)
	n, err := r.Sweep(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("Sweep = %d, %v; want 0, nil", n, err)
	}
	got, _ := db.GetAgent(ctx, a.ID)
	if got.MachineID == "" {
		t.Error("machine cleared although stop failed")
	}
}
