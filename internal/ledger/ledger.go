// Package ledger is the single writer path for points balances. Scheduling
// jobs never touch point entries directly; awards and fines flow through the
// bus handlers registered here.
package ledger

import (
	"context"
	"fmt"
	"time"

	"dutyline/internal/bus"
	"dutyline/internal/domain"
	"dutyline/internal/repo"
)

type Ledger struct {
	Repo repo.Repo
	Now  func() time.Time
}

func New(r repo.Repo) Ledger {
	return Ledger{Repo: r, Now: time.Now}
}

func (l Ledger) Award(ctx context.Context, memberID string, amount int, reason, category, taskID string) error {
	if memberID == "" {
		return fmt.Errorf("member is required")
	}
	if amount == 0 {
		return nil
	}
	e := domain.PointEntry{
		MemberID:  memberID,
		Amount:    amount,
		Reason:    reason,
		Category:  category,
		CreatedAt: l.Now().UTC(),
	}
	if taskID != "" {
		e.TaskID = &taskID
	}
	_, err := l.Repo.InsertPointEntry(ctx, e)
	return err
}

// Register wires the ledger to task completion and expiry. Duties carry zero
// award points; bounty and project expiries never reach here because they are
// not finable.
func Register(b *bus.Bus, l Ledger) error {
	if err := b.Subscribe(bus.TaskApproved, func(ctx context.Context, _ string, p bus.Payload) error {
		assignee, _ := p["assignee"].(string)
		points, _ := p["points"].(int)
		if assignee == "" || points <= 0 {
			return nil
		}
		taskID, _ := p["task_id"].(string)
		title, _ := p["title"].(string)
		return l.Award(ctx, assignee, points, "completed: "+title, "award", taskID)
	}); err != nil {
		return err
	}
	return b.Subscribe(bus.TaskExpired, func(ctx context.Context, _ string, p bus.Payload) error {
		assignee, _ := p["assignee"].(string)
		fine, _ := p["fine"].(int)
		if assignee == "" || fine <= 0 {
			return nil
		}
		taskID, _ := p["task_id"].(string)
		title, _ := p["title"].(string)
		return l.Award(ctx, assignee, -fine, "missed deadline: "+title, "fine", taskID)
	})
}
