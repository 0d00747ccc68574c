package engine_test

import (
	"context"
	"testing"
	"time"

	"dutyline/internal/bus"
	"dutyline/internal/config"
	"dutyline/internal/db"
	"dutyline/internal/domain"
	"dutyline/internal/engine"
	"dutyline/internal/migrate"
	"dutyline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Bus    *bus.Bus
	Events []string
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{Ctx: context.Background()}
	env.Bus = bus.New()
	env.Bus.SubscribeAll(func(_ context.Context, event string, _ bus.Payload) error {
		env.Events = append(env.Events, event)
		return nil
	})
	env.Bus.Seal()
	eng := engine.New(conn, env.Bus, config.Default("chapter-1"))
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	env.Engine = eng
	return env
}

func (env *testEnv) setNow(ts time.Time) {
	env.Engine.Now = func() time.Time { return ts }
}

func TestClaimSubmitApprove(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title:       "Fix the chapter van",
		Type:        domain.TypeBounty,
		PointsValue: 75,
		ActorID:     "admin",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != domain.StatusOpen || task.NotificationLevel != domain.LevelUnlocked {
		t.Fatalf("expected open/unlocked, got %s/%s", task.Status, task.NotificationLevel)
	}

	task, err = env.Engine.Claim(env.Ctx, engine.ClaimOptions{TaskID: task.ID, ActorID: "member-7"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task.Status != domain.StatusPending || task.AssignedTo == nil || *task.AssignedTo != "member-7" {
		t.Fatalf("unexpected claim result: %+v", task)
	}

	task, err = env.Engine.SubmitProof(env.Ctx, engine.SubmitOptions{TaskID: task.ID, ActorID: "member-7", ProofKey: "proofs/van.jpg"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.ProofKey == nil || *task.ProofKey != "proofs/van.jpg" {
		t.Fatalf("proof key not set: %+v", task)
	}

	task, err = env.Engine.Approve(env.Ctx, engine.ReviewOptions{TaskID: task.ID, VerifierID: "admin"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if task.Status != domain.StatusApproved || task.CompletedAt == nil {
		t.Fatalf("unexpected approve result: %+v", task)
	}
	want := []string{bus.TaskCreated, bus.TaskClaimed, bus.TaskSubmitted, bus.TaskApproved}
	if len(env.Events) != len(want) {
		t.Fatalf("events %v, want %v", env.Events, want)
	}
	for i := range want {
		if env.Events[i] != want[i] {
			t.Fatalf("events %v, want %v", env.Events, want)
		}
	}
}

func TestClaimGuards(t *testing.T) {
	env := newTestEnv(t)
	duty, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "Clean kitchen", Type: domain.TypeDuty, ActorID: "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{TaskID: duty.ID, ActorID: "member-1"}); err == nil {
		t.Fatal("expected duty claim to fail")
	}
	before, _ := env.Engine.Repo.GetTask(env.Ctx, duty.ID)

	bounty, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "Wash windows", Type: domain.TypeBounty, ActorID: "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{TaskID: bounty.ID, ActorID: "member-1"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{TaskID: bounty.ID, ActorID: "member-2"}); err == nil {
		t.Fatal("expected second claim to fail")
	}

	// rejected transitions leave the row untouched
	after, _ := env.Engine.Repo.GetTask(env.Ctx, duty.ID)
	if after.Status != before.Status || after.AssignedTo != nil || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("duty mutated by failed claim: %+v vs %+v", after, before)
	}
}

func TestClaimSetsExecutionDeadline(t *testing.T) {
	env := newTestEnv(t)
	limit := 3
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "Paint the deck", Type: domain.TypeProject, ExecutionLimitDays: &limit, ActorID: "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.Claim(env.Ctx, engine.ClaimOptions{TaskID: task.ID, ActorID: "member-3"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	wantDue := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	if task.DueAt == nil || !task.DueAt.Equal(wantDue) {
		t.Fatalf("due = %v, want %v", task.DueAt, wantDue)
	}
}

func TestSubmitGuards(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "Run recycling", Type: domain.TypeAdHoc, ActorID: "admin",
	})
	task, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{TaskID: task.ID, ActorID: "member-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitProof(env.Ctx, engine.SubmitOptions{TaskID: task.ID, ActorID: "member-2", ProofKey: "k"}); err == nil {
		t.Fatal("expected non-assignee submit to fail")
	}

	due := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	tx, _ := env.Engine.DB.Begin()
	task.DueAt = &due
	if err := env.Engine.Repo.UpdateTask(env.Ctx, tx, task); err != nil {
		t.Fatal(err)
	}
	tx.Commit()
	env.setNow(due.Add(time.Hour))
	if _, err := env.Engine.SubmitProof(env.Ctx, engine.SubmitOptions{TaskID: task.ID, ActorID: "member-1", ProofKey: "k"}); err == nil {
		t.Fatal("expected past-deadline submit to fail")
	}
}

func TestRejectReopensAndClearsProof(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "Inventory pantry", Type: domain.TypeOneOff, ActorID: "admin",
	})
	task, _ = env.Engine.Claim(env.Ctx, engine.ClaimOptions{TaskID: task.ID, ActorID: "member-1"})
	task, _ = env.Engine.SubmitProof(env.Ctx, engine.SubmitOptions{TaskID: task.ID, ActorID: "member-1", ProofKey: "proofs/p.jpg"})
	task, err := env.Engine.Reject(env.Ctx, engine.ReviewOptions{TaskID: task.ID, VerifierID: "admin", Reason: "photo too dark"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if task.Status != domain.StatusOpen || task.ProofKey != nil {
		t.Fatalf("unexpected reject result: %+v", task)
	}
}

func TestUnclaimAndReassign(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "Stock bar", Type: domain.TypeBounty, ActorID: "admin",
	})
	task, _ = env.Engine.Claim(env.Ctx, engine.ClaimOptions{TaskID: task.ID, ActorID: "member-1"})
	if _, err := env.Engine.Unclaim(env.Ctx, engine.ClaimOptions{TaskID: task.ID, ActorID: "member-2"}); err == nil {
		t.Fatal("expected non-owner unclaim to fail")
	}
	task, err := env.Engine.Unclaim(env.Ctx, engine.ClaimOptions{TaskID: task.ID, ActorID: "member-1"})
	if err != nil {
		t.Fatalf("unclaim: %v", err)
	}
	if task.Status != domain.StatusOpen || task.AssignedTo != nil || task.DueAt != nil {
		t.Fatalf("unexpected unclaim result: %+v", task)
	}

	who := "member-9"
	task, err = env.Engine.Reassign(env.Ctx, engine.ReassignOptions{TaskID: task.ID, NewAssignee: &who, ActorID: "admin"})
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if task.Status != domain.StatusPending || task.AssignedTo == nil || *task.AssignedTo != "member-9" {
		t.Fatalf("unexpected reassign result: %+v", task)
	}
	task, err = env.Engine.Reassign(env.Ctx, engine.ReassignOptions{TaskID: task.ID, NewAssignee: nil, ActorID: "admin"})
	if err != nil {
		t.Fatalf("clear assignment: %v", err)
	}
	if task.Status != domain.StatusOpen || task.AssignedTo != nil {
		t.Fatalf("unexpected cleared result: %+v", task)
	}
}

func TestScheduleSpawnsFirstInstance(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleCreateOptions{
		Title:          "Weekly trash run",
		RecurrenceRule: "7",
		LeadTimeHours:  24,
		TaskType:       domain.TypeDuty,
		AssignedTo:     "member-4",
		ActorID:        "admin",
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ScheduleID: s.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one instance, got %d", len(tasks))
	}
	inst := tasks[0]
	wantDue := time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC)
	if inst.DueAt == nil || !inst.DueAt.Equal(wantDue) {
		t.Fatalf("due = %v, want %v", inst.DueAt, wantDue)
	}
	if inst.Status != domain.StatusLocked || inst.NotificationLevel != domain.LevelNone {
		t.Fatalf("expected locked/none, got %s/%s", inst.Status, inst.NotificationLevel)
	}
	if inst.AssignedTo == nil || *inst.AssignedTo != "member-4" {
		t.Fatalf("assignee not propagated: %+v", inst)
	}
}

func TestCreateScheduleRejectsMalformedRule(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleCreateOptions{
		Title: "Broken", RecurrenceRule: "not-a-rule", ActorID: "admin",
	}); err == nil {
		t.Fatal("expected malformed rule to be rejected")
	}
}

func TestApproveTriggersNextInstance(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleCreateOptions{
		Title:          "Weekly chapter dinner",
		RecurrenceRule: "7",
		TaskType:       domain.TypeAdHoc,
		PointsValue:    20,
		ActorID:        "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ScheduleID: s.ID})
	first := tasks[0]

	// jump past the unlock instant so claiming is allowed
	env.setNow(first.UnlockAt.Add(time.Hour))
	if _, err := env.Engine.Unlock(env.Ctx, first.ID); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{TaskID: first.ID, ActorID: "member-2"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, engine.ReviewOptions{TaskID: first.ID, VerifierID: "admin"}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	tasks, _ = env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ScheduleID: s.ID})
	if len(tasks) != 2 {
		t.Fatalf("expected successor instance, got %d tasks", len(tasks))
	}
	active, err := env.Engine.Repo.CountActiveForSchedule(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active != 1 {
		t.Fatalf("expected exactly one active instance, got %d", active)
	}

	updated, _ := env.Engine.Repo.GetSchedule(env.Ctx, s.ID)
	if updated.LastGeneratedAt == nil {
		t.Fatal("last_generated_at not set")
	}
}

func TestSpawnNextExhaustedRule(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleCreateOptions{
		Title:          "One last meeting",
		RecurrenceRule: "FREQ=DAILY;COUNT=1",
		TaskType:       domain.TypeDuty,
		ActorID:        "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	// the rule's only occurrence coincides with the anchor, so nothing
	// strictly after it exists
	next, err := env.Engine.SpawnNext(env.Ctx, s.ID, env.Engine.Now(), nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if next != nil {
		t.Fatalf("expected exhausted rule to produce nothing, got %+v", next)
	}
}

func TestSpawnNextInactiveSchedule(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleCreateOptions{
		Title: "Paused duty", RecurrenceRule: "3", TaskType: domain.TypeDuty, ActorID: "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.SetScheduleActive(env.Ctx, s.ID, false, env.Engine.Now()); err != nil {
		t.Fatal(err)
	}
	next, err := env.Engine.SpawnNext(env.Ctx, s.ID, env.Engine.Now(), nil)
	if err != nil || next != nil {
		t.Fatalf("expected inactive schedule no-op, got %v %v", next, err)
	}
}

func TestExpireFinesAndRegenerates(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleCreateOptions{
		Title:          "Take out trash",
		RecurrenceRule: "7",
		TaskType:       domain.TypeDuty,
		AssignedTo:     "member-5",
		ActorID:        "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ScheduleID: s.ID})
	first := tasks[0]

	env.setNow(first.DueAt.Add(time.Hour))
	if _, err := env.Engine.Unlock(env.Ctx, first.ID); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	expired, err := env.Engine.Expire(env.Ctx, first.ID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired.Status != domain.StatusExpired {
		t.Fatalf("expected expired, got %s", expired.Status)
	}
	tasks, _ = env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ScheduleID: s.ID})
	if len(tasks) != 2 {
		t.Fatalf("expected successor instance after expiry, got %d tasks", len(tasks))
	}
}

func TestExpireGuards(t *testing.T) {
	env := newTestEnv(t)
	due := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	bounty, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "Optional run", Type: domain.TypeBounty, DueAt: &due, ActorID: "admin",
	})
	if _, err := env.Engine.Expire(env.Ctx, bounty.ID); err == nil {
		t.Fatal("expected bounty expiry to be refused")
	}
	future := env.Engine.Now().Add(48 * time.Hour)
	duty, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "Not yet due", Type: domain.TypeDuty, DueAt: &future, ActorID: "admin",
	})
	if _, err := env.Engine.Expire(env.Ctx, duty.ID); err == nil {
		t.Fatal("expected not-overdue expiry to be refused")
	}
}
