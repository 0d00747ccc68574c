// Package engine owns the task lifecycle state machine and the generation of
// recurring task instances from schedules. Every mutation is check-then-act
// inside a transaction; lifecycle events are published on the bus only after
// the transaction commits, so a handler failure can be reported to the caller
// but never rolls the transition back.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dutyline/internal/bus"
	"dutyline/internal/config"
	"dutyline/internal/domain"
	"dutyline/internal/recur"
	"dutyline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Bus    *bus.Bus
	Config *config.Config
	Log    *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, b *bus.Bus, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Bus:    b,
		Config: cfg,
		Log:    slog.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) publish(ctx context.Context, event string, payload bus.Payload) error {
	if e.Bus == nil {
		return nil
	}
	return e.Bus.Publish(ctx, event, payload)
}

// TaskCreateOptions are parameters for creating a task directly (one-off,
// ad hoc, bounty or project work not produced by a schedule).
type TaskCreateOptions struct {
	ID                 string
	Title              string
	Description        string
	Type               string
	PointsValue        int
	AssignedTo         string
	DueAt              *time.Time
	UnlockAt           *time.Time
	ExecutionLimitDays *int
	ActorID            string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.Type == "" {
		opts.Type = domain.TypeOneOff
	}
	if !domain.ValidType(opts.Type) {
		return domain.Task{}, fmt.Errorf("unknown task type %q", opts.Type)
	}
	if opts.PointsValue < 0 {
		return domain.Task{}, errors.New("points value must not be negative")
	}
	now := e.now()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	status, level := domain.StatusOpen, domain.LevelUnlocked
	if opts.UnlockAt != nil && opts.UnlockAt.After(now) {
		status, level = domain.StatusLocked, domain.LevelNone
	}
	t := domain.Task{
		ID:                 id,
		Title:              opts.Title,
		Description:        opts.Description,
		Type:               opts.Type,
		Status:             status,
		NotificationLevel:  level,
		PointsValue:        opts.PointsValue,
		AssignedTo:         optionalString(opts.AssignedTo),
		DueAt:              opts.DueAt,
		UnlockAt:           opts.UnlockAt,
		ExecutionLimitDays: opts.ExecutionLimitDays,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, e.publish(ctx, bus.TaskCreated, bus.Payload{
		"task_id": t.ID, "title": t.Title, "type": t.Type, "status": t.Status, "actor": opts.ActorID,
	})
}

// ScheduleCreateOptions are parameters for creating a recurrence template.
// The first instance is generated immediately unless the rule is already
// exhausted.
type ScheduleCreateOptions struct {
	ID                 string
	Title              string
	Description        string
	RecurrenceRule     string
	LeadTimeHours      int
	TaskType           string
	PointsValue        int
	AssignedTo         string
	ExecutionLimitDays *int
	ActorID            string
}

func (e Engine) CreateSchedule(ctx context.Context, opts ScheduleCreateOptions) (domain.Schedule, error) {
	if opts.Title == "" {
		return domain.Schedule{}, errors.New("title is required")
	}
	if opts.TaskType == "" {
		opts.TaskType = domain.TypeDuty
	}
	if !domain.ValidType(opts.TaskType) {
		return domain.Schedule{}, fmt.Errorf("unknown task type %q", opts.TaskType)
	}
	if opts.LeadTimeHours <= 0 {
		opts.LeadTimeHours = e.Config.Defaults.LeadTimeHours
	}
	now := e.now()
	if _, err := recur.Next(opts.RecurrenceRule, now, opts.LeadTimeHours, nil); errors.Is(err, recur.ErrMalformedRule) {
		return domain.Schedule{}, fmt.Errorf("recurrence rule %q: %w", opts.RecurrenceRule, err)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	s := domain.Schedule{
		ID:                 id,
		Title:              opts.Title,
		Description:        opts.Description,
		RecurrenceRule:     opts.RecurrenceRule,
		LeadTimeHours:      opts.LeadTimeHours,
		Active:             true,
		TaskType:           opts.TaskType,
		PointsValue:        opts.PointsValue,
		AssignedTo:         optionalString(opts.AssignedTo),
		ExecutionLimitDays: opts.ExecutionLimitDays,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.Repo.InsertSchedule(ctx, s); err != nil {
		return domain.Schedule{}, err
	}
	if _, err := e.SpawnNext(ctx, s.ID, now, nil); err != nil {
		e.Log.Warn("initial instance generation failed", "schedule", s.ID, "err", err)
	}
	return s, nil
}

// ClaimOptions identify who claims which task.
type ClaimOptions struct {
	TaskID  string
	ActorID string
}

// Claim assigns an open claimable task to the actor and starts its execution
// clock when the task carries a per-claim deadline.
func (e Engine) Claim(ctx context.Context, opts ClaimOptions) (domain.Task, error) {
	if opts.ActorID == "" {
		return domain.Task{}, errors.New("actor is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return t, err
	}
	if !domain.IsClaimable(t.Type) {
		return t, fmt.Errorf("tasks of type %s are assigned, not claimed", t.Type)
	}
	if t.Status != domain.StatusOpen {
		return t, fmt.Errorf("cannot claim task in status %s", t.Status)
	}
	now := e.now()
	t.AssignedTo = &opts.ActorID
	t.Status = domain.StatusPending
	if t.ExecutionLimitDays != nil {
		due := now.AddDate(0, 0, *t.ExecutionLimitDays)
		t.DueAt = &due
	}
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, e.publish(ctx, bus.TaskClaimed, bus.Payload{
		"task_id": t.ID, "title": t.Title, "assignee": opts.ActorID, "actor": opts.ActorID,
	})
}

// SubmitOptions carry a proof submission.
type SubmitOptions struct {
	TaskID   string
	ActorID  string
	ProofKey string
}

// SubmitProof attaches evidence to a pending task owned by the actor.
func (e Engine) SubmitProof(ctx context.Context, opts SubmitOptions) (domain.Task, error) {
	if opts.ProofKey == "" {
		return domain.Task{}, errors.New("proof key is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.StatusPending {
		return t, fmt.Errorf("cannot submit proof for task in status %s", t.Status)
	}
	if t.AssignedTo == nil || *t.AssignedTo != opts.ActorID {
		return t, errors.New("only the assignee may submit proof")
	}
	now := e.now()
	if t.DueAt != nil && now.After(*t.DueAt) {
		return t, fmt.Errorf("deadline passed at %s", t.DueAt.Format(time.RFC3339))
	}
	t.ProofKey = &opts.ProofKey
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, e.publish(ctx, bus.TaskSubmitted, bus.Payload{
		"task_id": t.ID, "title": t.Title, "assignee": opts.ActorID, "proof_key": opts.ProofKey, "actor": opts.ActorID,
	})
}

// ReviewOptions identify the verifier acting on a pending task.
type ReviewOptions struct {
	TaskID     string
	VerifierID string
	Reason     string
}

// Approve completes a pending task, awards points through the approved event
// and triggers the next instance for recurring work. Duty completion is
// obligation, not reward, so duties award zero regardless of points value.
func (e Engine) Approve(ctx context.Context, opts ReviewOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.StatusPending {
		return t, fmt.Errorf("cannot approve task in status %s", t.Status)
	}
	now := e.now()
	t.Status = domain.StatusApproved
	t.CompletedAt = &now
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	points := t.PointsValue
	if t.Type == domain.TypeDuty {
		points = 0
	}
	pubErr := e.publish(ctx, bus.TaskApproved, bus.Payload{
		"task_id": t.ID, "title": t.Title, "assignee": deref(t.AssignedTo),
		"points": points, "actor": opts.VerifierID,
	})
	e.spawnFollowUp(ctx, t)
	return t, pubErr
}

// Reject sends a pending task back to open, discarding the submitted proof.
func (e Engine) Reject(ctx context.Context, opts ReviewOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.StatusPending {
		return t, fmt.Errorf("cannot reject task in status %s", t.Status)
	}
	assignee := deref(t.AssignedTo)
	t.Status = domain.StatusOpen
	t.ProofKey = nil
	t.UpdatedAt = e.now()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, e.publish(ctx, bus.TaskRejected, bus.Payload{
		"task_id": t.ID, "title": t.Title, "assignee": assignee, "reason": opts.Reason, "actor": opts.VerifierID,
	})
}

// Unclaim releases a task back to the pool. Only the current assignee may
// release, and the claim-time deadline is discarded with the assignment.
func (e Engine) Unclaim(ctx context.Context, opts ClaimOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.StatusOpen && t.Status != domain.StatusPending {
		return t, fmt.Errorf("cannot unclaim task in status %s", t.Status)
	}
	if t.AssignedTo == nil || *t.AssignedTo != opts.ActorID {
		return t, errors.New("only the assignee may unclaim")
	}
	t.AssignedTo = nil
	t.DueAt = nil
	t.Status = domain.StatusOpen
	t.UpdatedAt = e.now()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, e.publish(ctx, bus.TaskUnassigned, bus.Payload{
		"task_id": t.ID, "title": t.Title, "assignee": opts.ActorID, "actor": opts.ActorID,
	})
}

// ReassignOptions carry an administrative assignment change. A nil NewAssignee
// clears the assignment.
type ReassignOptions struct {
	TaskID      string
	NewAssignee *string
	ActorID     string
}

func (e Engine) Reassign(ctx context.Context, opts ReassignOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return t, err
	}
	if domain.IsTerminalStatus(t.Status) {
		return t, fmt.Errorf("cannot reassign task in status %s", t.Status)
	}
	previous := deref(t.AssignedTo)
	if opts.NewAssignee == nil || *opts.NewAssignee == "" {
		t.AssignedTo = nil
		t.Status = domain.StatusOpen
	} else {
		t.AssignedTo = opts.NewAssignee
		t.Status = domain.StatusPending
	}
	t.UpdatedAt = e.now()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, e.publish(ctx, bus.TaskReassigned, bus.Payload{
		"task_id": t.ID, "title": t.Title, "previous": previous, "assignee": deref(t.AssignedTo), "actor": opts.ActorID,
	})
}

// Unlock moves a locked task to open once its unlock instant has passed.
func (e Engine) Unlock(ctx context.Context, taskID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.StatusLocked {
		return t, fmt.Errorf("cannot unlock task in status %s", t.Status)
	}
	now := e.now()
	if t.UnlockAt != nil && t.UnlockAt.After(now) {
		return t, fmt.Errorf("task unlocks at %s", t.UnlockAt.Format(time.RFC3339))
	}
	t.Status = domain.StatusOpen
	if domain.LevelRank(t.NotificationLevel) < domain.LevelRank(domain.LevelUnlocked) {
		t.NotificationLevel = domain.LevelUnlocked
	}
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, e.publish(ctx, bus.TaskUnlocked, bus.Payload{
		"task_id": t.ID, "title": t.Title, "assignee": deref(t.AssignedTo),
	})
}

// Expire marks an overdue open task expired, fines the assignee through the
// expired event and triggers the next instance for recurring work.
func (e Engine) Expire(ctx context.Context, taskID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.StatusOpen {
		return t, fmt.Errorf("cannot expire task in status %s", t.Status)
	}
	if !domain.IsFinable(t.Type) {
		return t, fmt.Errorf("tasks of type %s do not expire", t.Type)
	}
	now := e.now()
	if t.DueAt == nil || t.DueAt.After(now) {
		return t, errors.New("task is not overdue")
	}
	t.Status = domain.StatusExpired
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	fine := 0
	if t.AssignedTo != nil {
		fine = e.Config.Escalation.ExpiryFine
	}
	pubErr := e.publish(ctx, bus.TaskExpired, bus.Payload{
		"task_id": t.ID, "title": t.Title, "assignee": deref(t.AssignedTo), "fine": fine,
	})
	e.spawnFollowUp(ctx, t)
	return t, pubErr
}

// spawnFollowUp generates the successor instance after approve or expire. A
// generation failure is logged, never propagated; the schedule guard repairs
// schedules this leaves without a live instance.
func (e Engine) spawnFollowUp(ctx context.Context, t domain.Task) {
	if t.ScheduleID == nil {
		return
	}
	anchor := e.now()
	if t.CompletedAt != nil {
		anchor = *t.CompletedAt
	} else if t.DueAt != nil {
		anchor = *t.DueAt
	}
	if _, err := e.SpawnNext(ctx, *t.ScheduleID, anchor, nil); err != nil {
		e.Log.Warn("next instance generation failed", "schedule", *t.ScheduleID, "task", t.ID, "err", err)
	}
}

// SpawnNext creates the next instance of a schedule. It returns (nil, nil)
// when the schedule is inactive or its rule has no further occurrences; a
// malformed rule is reported as an error so callers can log and skip.
func (e Engine) SpawnNext(ctx context.Context, scheduleID string, anchor time.Time, reference *time.Time) (*domain.Task, error) {
	s, err := e.Repo.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if !s.Active {
		return nil, nil
	}
	inst, err := recur.Next(s.RecurrenceRule, anchor, s.LeadTimeHours, reference)
	if err != nil {
		return nil, fmt.Errorf("schedule %s rule %q: %w", s.ID, s.RecurrenceRule, err)
	}
	if inst == nil {
		return nil, nil
	}
	now := e.now()
	status, level := inst.Status(now)
	t := domain.Task{
		ID:                 uuid.NewString(),
		Title:              s.Title,
		Description:        s.Description,
		Type:               s.TaskType,
		Status:             status,
		NotificationLevel:  level,
		PointsValue:        s.PointsValue,
		AssignedTo:         s.AssignedTo,
		DueAt:              &inst.DueAt,
		UnlockAt:           &inst.UnlockAt,
		ScheduleID:         &s.ID,
		ExecutionLimitDays: s.ExecutionLimitDays,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := e.Repo.MarkGenerated(ctx, tx, s.ID, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if err := e.publish(ctx, bus.TaskCreated, bus.Payload{
		"task_id": t.ID, "title": t.Title, "type": t.Type, "status": t.Status, "schedule_id": s.ID,
	}); err != nil {
		e.Log.Warn("task.created handler failed", "task", t.ID, "err", err)
	}
	return &t, nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
