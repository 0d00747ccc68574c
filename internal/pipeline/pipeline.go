// Package pipeline runs the per-tick escalation jobs: unlock, recurring
// notify, urgent notify, expire and expired notify, followed by the schedule
// guard. Each job is idempotent by guard condition, processes a bounded batch
// and collects per-task failures without aborting the batch.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dutyline/internal/config"
	"dutyline/internal/domain"
	"dutyline/internal/engine"
	"dutyline/internal/notify"
	"dutyline/internal/repo"
)

type Pipeline struct {
	Engine        engine.Engine
	Sender        notify.Sender
	Log           *slog.Logger
	AdminChannel  string
	BatchLimit    int
	UrgentHorizon time.Duration
	Now           func() time.Time
}

func New(eng engine.Engine, sender notify.Sender, cfg *config.Config) Pipeline {
	return Pipeline{
		Engine:        eng,
		Sender:        sender,
		Log:           slog.Default(),
		AdminChannel:  cfg.Notify.AdminChannel,
		BatchLimit:    cfg.Escalation.BatchLimit,
		UrgentHorizon: time.Duration(cfg.Escalation.UrgentHorizonHours) * time.Hour,
		Now:           eng.Now,
	}
}

// Report summarizes one job's run.
type Report struct {
	Job       string
	Processed int
	Errors    []error
}

func (r Report) Failed() bool { return len(r.Errors) > 0 }

// Run executes all jobs in order and returns one report per job. A job's
// failures never stop later jobs.
func (p Pipeline) Run(ctx context.Context) []Report {
	reports := []Report{
		p.UnlockJob(ctx),
		p.RecurringNotifyJob(ctx),
		p.UrgentNotifyJob(ctx),
		p.ExpireJob(ctx),
		p.ExpiredNotifyJob(ctx),
		p.GuardJob(ctx),
	}
	for _, r := range reports {
		if r.Failed() {
			p.Log.Warn("job finished with failures", "job", r.Job, "processed", r.Processed, "failures", len(r.Errors))
		} else {
			p.Log.Info("job finished", "job", r.Job, "processed", r.Processed)
		}
	}
	return reports
}

func (p Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p Pipeline) limit() int {
	if p.BatchLimit > 0 {
		return p.BatchLimit
	}
	return 100
}

func (p Pipeline) sendDirect(ctx context.Context, recipient, text string) error {
	if p.Sender == nil || recipient == "" {
		return nil
	}
	return p.Sender.SendDirect(ctx, recipient, text)
}

func (p Pipeline) sendChannel(ctx context.Context, text string) error {
	if p.Sender == nil || p.AdminChannel == "" {
		return nil
	}
	return p.Sender.SendChannel(ctx, p.AdminChannel, text)
}

// UnlockJob opens locked tasks whose unlock instant has passed.
func (p Pipeline) UnlockJob(ctx context.Context) Report {
	rep := Report{Job: "unlock"}
	now := p.now()
	tasks, err := p.Engine.Repo.ListTasks(ctx, repo.TaskFilters{
		Statuses:     []string{domain.StatusLocked},
		UnlockBefore: &now,
		OrderDueAsc:  true,
		Limit:        p.limit(),
	})
	if err != nil {
		rep.Errors = append(rep.Errors, err)
		return rep
	}
	for _, t := range tasks {
		if _, err := p.Engine.Unlock(ctx, t.ID); err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("task %s: %w", t.ID, err))
			continue
		}
		rep.Processed++
	}
	return rep
}

// RecurringNotifyJob announces open recurring tasks that were created already
// unlocked and so never went through the unlock job.
func (p Pipeline) RecurringNotifyJob(ctx context.Context) Report {
	rep := Report{Job: "recurring-notify"}
	now := p.now()
	hasSchedule := true
	tasks, err := p.Engine.Repo.ListTasks(ctx, repo.TaskFilters{
		Statuses:    []string{domain.StatusOpen},
		Levels:      []string{domain.LevelNone},
		HasSchedule: &hasSchedule,
		Limit:       p.limit(),
	})
	if err != nil {
		rep.Errors = append(rep.Errors, err)
		return rep
	}
	for _, t := range tasks {
		advanced, err := p.Engine.Repo.AdvanceNotificationLevel(ctx, t.ID, domain.LevelUnlocked, now)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("task %s: %w", t.ID, err))
			continue
		}
		if !advanced {
			continue
		}
		rep.Processed++
		if t.AssignedTo != nil {
			if err := p.sendDirect(ctx, *t.AssignedTo, fmt.Sprintf("Your task %q is now open.", t.Title)); err != nil {
				rep.Errors = append(rep.Errors, fmt.Errorf("task %s notify: %w", t.ID, err))
			}
		}
	}
	return rep
}

// UrgentNotifyJob warns assignees whose deadline is inside the urgent
// horizon. The warning is sent first and the level advances only when the
// send succeeds, so a delivery failure is retried on the next tick.
func (p Pipeline) UrgentNotifyJob(ctx context.Context) Report {
	rep := Report{Job: "urgent-notify"}
	now := p.now()
	horizon := now.Add(p.UrgentHorizon)
	hasAssignee := true
	tasks, err := p.Engine.Repo.ListTasks(ctx, repo.TaskFilters{
		Statuses:    []string{domain.StatusOpen},
		Levels:      []string{domain.LevelNone, domain.LevelUnlocked},
		HasAssignee: &hasAssignee,
		DueBefore:   &horizon,
		OrderDueAsc: true,
		Limit:       p.limit(),
	})
	if err != nil {
		rep.Errors = append(rep.Errors, err)
		return rep
	}
	for _, t := range tasks {
		msg := fmt.Sprintf("Heads up: %q is due %s.", t.Title, t.DueAt.Format("Mon 15:04"))
		if err := p.sendDirect(ctx, *t.AssignedTo, msg); err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("task %s urgent notify: %w", t.ID, err))
			continue
		}
		if _, err := p.Engine.Repo.AdvanceNotificationLevel(ctx, t.ID, domain.LevelUrgent, now); err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("task %s: %w", t.ID, err))
			continue
		}
		rep.Processed++
	}
	return rep
}

// ExpireJob expires overdue finable tasks. The fine and the successor
// instance are handled by the lifecycle engine.
func (p Pipeline) ExpireJob(ctx context.Context) Report {
	rep := Report{Job: "expire"}
	now := p.now()
	tasks, err := p.Engine.Repo.ListTasks(ctx, repo.TaskFilters{
		Statuses:     []string{domain.StatusOpen},
		ExcludeTypes: []string{domain.TypeBounty, domain.TypeProject},
		DueBefore:    &now,
		OrderDueAsc:  true,
		Limit:        p.limit(),
	})
	if err != nil {
		rep.Errors = append(rep.Errors, err)
		return rep
	}
	for _, t := range tasks {
		if _, err := p.Engine.Expire(ctx, t.ID); err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("task %s: %w", t.ID, err))
			continue
		}
		rep.Processed++
	}
	return rep
}

// ExpiredNotifyJob tells the chapter about expired tasks. The admin channel
// post is best-effort; the assignee DM gates the level advance so a failed
// delivery is retried next tick.
func (p Pipeline) ExpiredNotifyJob(ctx context.Context) Report {
	rep := Report{Job: "expired-notify"}
	now := p.now()
	tasks, err := p.Engine.Repo.ListTasks(ctx, repo.TaskFilters{
		Statuses: []string{domain.StatusExpired},
		Levels:   []string{domain.LevelNone, domain.LevelUnlocked, domain.LevelUrgent},
		Limit:    p.limit(),
	})
	if err != nil {
		rep.Errors = append(rep.Errors, err)
		return rep
	}
	for _, t := range tasks {
		if err := p.sendChannel(ctx, fmt.Sprintf("Task %q expired without completion.", t.Title)); err != nil {
			p.Log.Warn("admin channel post failed", "task", t.ID, "err", err)
		}
		if t.AssignedTo != nil {
			msg := fmt.Sprintf("Your task %q expired. A fine has been applied.", t.Title)
			if !domain.IsFinable(t.Type) {
				msg = fmt.Sprintf("Your task %q expired.", t.Title)
			}
			if err := p.sendDirect(ctx, *t.AssignedTo, msg); err != nil {
				rep.Errors = append(rep.Errors, fmt.Errorf("task %s expired notify: %w", t.ID, err))
				continue
			}
		}
		if _, err := p.Engine.Repo.AdvanceNotificationLevel(ctx, t.ID, domain.LevelExpired, now); err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("task %s: %w", t.ID, err))
			continue
		}
		rep.Processed++
	}
	return rep
}
