package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"dutyline/internal/bus"
	"dutyline/internal/config"
	"dutyline/internal/db"
	"dutyline/internal/domain"
	"dutyline/internal/engine"
	"dutyline/internal/ledger"
	"dutyline/internal/migrate"
	"dutyline/internal/pipeline"
	"dutyline/internal/repo"
)

type fakeSender struct {
	direct     []string
	channel    []string
	failDirect bool
}

func (f *fakeSender) SendDirect(_ context.Context, recipient, text string) error {
	if f.failDirect {
		return errors.New("discord unavailable")
	}
	f.direct = append(f.direct, recipient+": "+text)
	return nil
}

func (f *fakeSender) SendChannel(_ context.Context, channel, text string) error {
	f.channel = append(f.channel, channel+": "+text)
	return nil
}

type testEnv struct {
	Engine engine.Engine
	Sender *fakeSender
	Cfg    *config.Config
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
	cfg := config.Default("chapter-1")
	cfg.Notify.Enabled = true
	cfg.Notify.AdminChannel = "exec-board"
	b := bus.New()
	if err := ledger.Register(b, ledger.New(repo.Repo{DB: conn})); err != nil {
		t.Fatalf("register ledger: %v", err)
	}
	b.Seal()
	eng := engine.New(conn, b, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Sender: &fakeSender{}, Cfg: cfg, Ctx: context.Background()}
}

func (env *testEnv) setNow(ts time.Time) {
	env.Engine.Now = func() time.Time { return ts }
}

// pipeline builds a fresh Pipeline bound to the engine's current clock.
func (env *testEnv) pipeline() pipeline.Pipeline {
	return pipeline.New(env.Engine, env.Sender, env.Cfg)
}

func report(t *testing.T, reports []pipeline.Report, job string) pipeline.Report {
	t.Helper()
	for _, r := range reports {
		if r.Job == job {
			return r
		}
	}
	t.Fatalf("no report for job %s", job)
	return pipeline.Report{}
}

func TestExpireFinesAndSpawnsSuccessor(t *testing.T) {
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
	reports := env.pipeline().Run(env.Ctx)

	for _, job := range []string{"unlock", "urgent-notify", "expire", "expired-notify"} {
		if r := report(t, reports, job); r.Failed() || r.Processed != 1 {
			t.Fatalf("job %s: processed=%d errors=%v", job, r.Processed, r.Errors)
		}
	}

	got, _ := env.Engine.Repo.GetTask(env.Ctx, first.ID)
	if got.Status != domain.StatusExpired || got.NotificationLevel != domain.LevelExpired {
		t.Fatalf("expected expired/expired, got %s/%s", got.Status, got.NotificationLevel)
	}

	balance, err := env.Engine.Repo.MemberBalance(env.Ctx, "member-5")
	if err != nil {
		t.Fatal(err)
	}
	if balance != -env.Cfg.Escalation.ExpiryFine {
		t.Fatalf("balance = %d, want %d", balance, -env.Cfg.Escalation.ExpiryFine)
	}
	entries, _ := env.Engine.Repo.ListPointEntries(env.Ctx, "member-5", 0)
	if len(entries) != 1 || entries[0].Category != "fine" {
		t.Fatalf("unexpected ledger entries: %+v", entries)
	}

	active, _ := env.Engine.Repo.CountActiveForSchedule(env.Ctx, s.ID)
	if active != 1 {
		t.Fatalf("expected exactly one successor instance, got %d", active)
	}
	if len(env.Sender.channel) != 1 {
		t.Fatalf("expected one admin channel post, got %v", env.Sender.channel)
	}
}

func TestUnlockJobIdempotent(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleCreateOptions{
		Title:          "Weekly meeting prep",
		RecurrenceRule: "7",
		TaskType:       domain.TypeDuty,
		ActorID:        "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ScheduleID: s.ID})
	first := tasks[0]

	env.setNow(first.UnlockAt.Add(time.Minute))
	p := env.pipeline()
	if r := p.UnlockJob(env.Ctx); r.Failed() || r.Processed != 1 {
		t.Fatalf("first run: processed=%d errors=%v", r.Processed, r.Errors)
	}
	if r := p.UnlockJob(env.Ctx); r.Failed() || r.Processed != 0 {
		t.Fatalf("second run should be a no-op: processed=%d errors=%v", r.Processed, r.Errors)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, first.ID)
	if got.Status != domain.StatusOpen || got.NotificationLevel != domain.LevelUnlocked {
		t.Fatalf("expected open/unlocked, got %s/%s", got.Status, got.NotificationLevel)
	}
}

func TestUrgentNotifyRetriesOnSendFailure(t *testing.T) {
	env := newTestEnv(t)
	due := env.Engine.Now().Add(2 * time.Hour)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title:      "Return rental tables",
		Type:       domain.TypeDuty,
		AssignedTo: "member-2",
		DueAt:      &due,
		ActorID:    "admin",
	})
	if err != nil {
		t.Fatal(err)
	}

	env.Sender.failDirect = true
	p := env.pipeline()
	r := p.UrgentNotifyJob(env.Ctx)
	if !r.Failed() || r.Processed != 0 {
		t.Fatalf("expected send failure to be recorded: processed=%d errors=%v", r.Processed, r.Errors)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.NotificationLevel != domain.LevelUnlocked {
		t.Fatalf("level must not advance on failed send, got %s", got.NotificationLevel)
	}

	// same task qualifies again once delivery recovers
	env.Sender.failDirect = false
	r = p.UrgentNotifyJob(env.Ctx)
	if r.Failed() || r.Processed != 1 {
		t.Fatalf("retry run: processed=%d errors=%v", r.Processed, r.Errors)
	}
	got, _ = env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.NotificationLevel != domain.LevelUrgent {
		t.Fatalf("expected urgent, got %s", got.NotificationLevel)
	}

	// and never advances twice
	r = p.UrgentNotifyJob(env.Ctx)
	if r.Processed != 0 {
		t.Fatalf("third run should find nothing, processed=%d", r.Processed)
	}
}

func TestExpiredNotifyGatedByDirectMessage(t *testing.T) {
	env := newTestEnv(t)
	due := env.Engine.Now().Add(-time.Hour)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title:      "Clean chapter room",
		Type:       domain.TypeDuty,
		AssignedTo: "member-3",
		DueAt:      &due,
		ActorID:    "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	p := env.pipeline()
	if r := p.ExpireJob(env.Ctx); r.Failed() || r.Processed != 1 {
		t.Fatalf("expire: processed=%d errors=%v", r.Processed, r.Errors)
	}

	env.Sender.failDirect = true
	r := p.ExpiredNotifyJob(env.Ctx)
	if !r.Failed() || r.Processed != 0 {
		t.Fatalf("expected gated advance: processed=%d errors=%v", r.Processed, r.Errors)
	}
	// the admin post went out even though the dm failed
	if len(env.Sender.channel) != 1 {
		t.Fatalf("expected best-effort channel post, got %v", env.Sender.channel)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.NotificationLevel == domain.LevelExpired {
		t.Fatal("level advanced despite failed dm")
	}

	env.Sender.failDirect = false
	if r := p.ExpiredNotifyJob(env.Ctx); r.Failed() || r.Processed != 1 {
		t.Fatalf("retry: processed=%d errors=%v", r.Processed, r.Errors)
	}
	got, _ = env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.NotificationLevel != domain.LevelExpired {
		t.Fatalf("expected expired level, got %s", got.NotificationLevel)
	}
}

func TestNotificationLevelNeverRegresses(t *testing.T) {
	env := newTestEnv(t)
	due := env.Engine.Now().Add(time.Hour)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title:      "Drive airport pickup",
		Type:       domain.TypeDuty,
		AssignedTo: "member-1",
		DueAt:      &due,
		ActorID:    "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	p := env.pipeline()
	if r := p.UrgentNotifyJob(env.Ctx); r.Processed != 1 {
		t.Fatalf("urgent: %+v", r)
	}
	advanced, err := env.Engine.Repo.AdvanceNotificationLevel(env.Ctx, task.ID, domain.LevelUnlocked, env.Engine.Now())
	if err != nil {
		t.Fatal(err)
	}
	if advanced {
		t.Fatal("advance to a lower level must be refused")
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.NotificationLevel != domain.LevelUrgent {
		t.Fatalf("expected urgent, got %s", got.NotificationLevel)
	}
}

func TestGuardRegeneratesSilentSchedule(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleCreateOptions{
		Title:          "Monday exec meeting setup",
		RecurrenceRule: "FREQ=WEEKLY;BYDAY=MO;BYHOUR=9;BYMINUTE=0",
		TaskType:       domain.TypeDuty,
		AssignedTo:     "member-6",
		ActorID:        "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ScheduleID: s.ID})
	first := tasks[0]

	// simulate a manual edit that retires the instance without regeneration
	tx, _ := env.Engine.DB.Begin()
	first.Status = domain.StatusApproved
	if err := env.Engine.Repo.UpdateTask(env.Ctx, tx, first); err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	// far in the future, so the natural anchor is long stale
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	env.setNow(now)
	p := env.pipeline()
	r := p.GuardJob(env.Ctx)
	if r.Failed() || r.Processed != 1 {
		t.Fatalf("guard: processed=%d errors=%v", r.Processed, r.Errors)
	}

	active, _ := env.Engine.Repo.CountActiveForSchedule(env.Ctx, s.ID)
	if active != 1 {
		t.Fatalf("expected one regenerated instance, got %d", active)
	}
	latest, err := env.Engine.Repo.LatestTaskForSchedule(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.DueAt == nil || !latest.DueAt.After(now) {
		t.Fatalf("regenerated due must be strictly in the future, got %v", latest.DueAt)
	}

	// a healthy schedule is left alone
	if r := p.GuardJob(env.Ctx); r.Processed != 0 {
		t.Fatalf("guard on healthy schedule should skip, processed=%d", r.Processed)
	}
}

func TestRecurringNotifyAnnouncesOnceAndBatchContinuesOnFailure(t *testing.T) {
	env := newTestEnv(t)
	// a rule whose lead time exceeds the interval creates instances already open
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleCreateOptions{
		Title:          "Daily flag raise",
		RecurrenceRule: "1",
		LeadTimeHours:  48,
		TaskType:       domain.TypeDuty,
		AssignedTo:     "member-8",
		ActorID:        "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ScheduleID: s.ID})
	if len(tasks) != 1 || tasks[0].Status != domain.StatusOpen {
		t.Fatalf("expected one already-open instance, got %+v", tasks)
	}
	// force it back to the never-announced state
	if _, err := env.Engine.DB.Exec(`UPDATE tasks SET notification_level='none' WHERE id=?`, tasks[0].ID); err != nil {
		t.Fatal(err)
	}

	env.Sender.failDirect = true
	p := env.pipeline()
	r := p.RecurringNotifyJob(env.Ctx)
	// announce failure is logged as an error but does not block the advance
	if r.Processed != 1 || !r.Failed() {
		t.Fatalf("processed=%d errors=%v", r.Processed, r.Errors)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, tasks[0].ID)
	if got.NotificationLevel != domain.LevelUnlocked {
		t.Fatalf("expected unlocked, got %s", got.NotificationLevel)
	}
	if r := p.RecurringNotifyJob(env.Ctx); r.Processed != 0 {
		t.Fatalf("second run should find nothing, processed=%d", r.Processed)
	}
}

func TestRunReportsAllJobs(t *testing.T) {
	env := newTestEnv(t)
	reports := env.pipeline().Run(env.Ctx)
	want := []string{"unlock", "recurring-notify", "urgent-notify", "expire", "expired-notify", "schedule-guard"}
	if len(reports) != len(want) {
		t.Fatalf("got %d reports, want %d", len(reports), len(want))
	}
	for i, r := range reports {
		if r.Job != want[i] {
			t.Fatalf("report %d = %s, want %s", i, r.Job, want[i])
		}
		if r.Failed() {
			t.Fatalf("job %s failed on empty db: %v", r.Job, r.Errors)
		}
	}
}
