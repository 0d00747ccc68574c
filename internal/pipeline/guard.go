package pipeline

import (
	"context"
	"errors"
	"fmt"

	"dutyline/internal/repo"
)

// GuardJob is the self-healing pass. An active schedule with no live
// instance has gone silent, usually because a follow-up generation failed or
// data was edited by hand. The guard regenerates the missing instance with
// the reference pinned to now so the computed due date is strictly in the
// future even when the natural anchor is stale.
func (p Pipeline) GuardJob(ctx context.Context) Report {
	rep := Report{Job: "schedule-guard"}
	schedules, err := p.Engine.Repo.ListSchedules(ctx, true)
	if err != nil {
		rep.Errors = append(rep.Errors, err)
		return rep
	}
	now := p.now()
	for _, s := range schedules {
		active, err := p.Engine.Repo.CountActiveForSchedule(ctx, s.ID)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("schedule %s: %w", s.ID, err))
			continue
		}
		if active > 0 {
			continue
		}
		anchor := now
		latest, err := p.Engine.Repo.LatestTaskForSchedule(ctx, s.ID)
		switch {
		case err == nil && latest.CompletedAt != nil:
			anchor = *latest.CompletedAt
		case err == nil && latest.DueAt != nil:
			anchor = *latest.DueAt
		case errors.Is(err, repo.ErrNotFound) && s.LastGeneratedAt != nil:
			anchor = *s.LastGeneratedAt
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			rep.Errors = append(rep.Errors, fmt.Errorf("schedule %s: %w", s.ID, err))
			continue
		}
		created, err := p.Engine.SpawnNext(ctx, s.ID, anchor, &now)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("schedule %s: %w", s.ID, err))
			continue
		}
		if created != nil {
			p.Log.Info("regenerated missing instance", "schedule", s.ID, "task", created.ID, "due", created.DueAt)
			rep.Processed++
		}
	}
	return rep
}
