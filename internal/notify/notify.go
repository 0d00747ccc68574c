// Package notify delivers lifecycle messages to members and admins. Transport
// failures are returned as values; callers decide whether a failed send blocks
// a state advance.
package notify

import (
	"context"
	"fmt"

	"dutyline/internal/bus"
	"dutyline/internal/config"
)

// Sender is the outbound messaging channel.
type Sender interface {
	SendDirect(ctx context.Context, recipient, text string) error
	SendChannel(ctx context.Context, channel, text string) error
}

// Register subscribes the lifecycle message handlers. Registration is a no-op
// when notifications are disabled. Urgent and expiry escalation messages are
// sent by the pipeline jobs directly because their delivery gates the state
// advance; everything here is plain best-effort messaging.
func Register(b *bus.Bus, sender Sender, cfg *config.Config) error {
	if !cfg.Notify.Enabled {
		return nil
	}
	dm := func(event, template string) error {
		return b.Subscribe(event, func(ctx context.Context, _ string, p bus.Payload) error {
			assignee, _ := p["assignee"].(string)
			if assignee == "" {
				return nil
			}
			title, _ := p["title"].(string)
			return sender.SendDirect(ctx, assignee, fmt.Sprintf(template, title))
		})
	}
	if err := dm(bus.TaskUnlocked, "Your task %q is now open."); err != nil {
		return err
	}
	if err := dm(bus.TaskClaimed, "You claimed %q. Good luck."); err != nil {
		return err
	}
	if err := dm(bus.TaskUnassigned, "You released %q."); err != nil {
		return err
	}
	if err := b.Subscribe(bus.TaskSubmitted, func(ctx context.Context, _ string, p bus.Payload) error {
		title, _ := p["title"].(string)
		assignee, _ := p["assignee"].(string)
		return sender.SendChannel(ctx, cfg.Notify.AdminChannel,
			fmt.Sprintf("Proof submitted for %q by %s, awaiting review.", title, assignee))
	}); err != nil {
		return err
	}
	if err := b.Subscribe(bus.TaskApproved, func(ctx context.Context, _ string, p bus.Payload) error {
		assignee, _ := p["assignee"].(string)
		if assignee == "" {
			return nil
		}
		title, _ := p["title"].(string)
		points, _ := p["points"].(int)
		msg := fmt.Sprintf("Your task %q was approved.", title)
		if points > 0 {
			msg = fmt.Sprintf("Your task %q was approved, +%d points.", title, points)
		}
		return sender.SendDirect(ctx, assignee, msg)
	}); err != nil {
		return err
	}
	if err := b.Subscribe(bus.TaskRejected, func(ctx context.Context, _ string, p bus.Payload) error {
		assignee, _ := p["assignee"].(string)
		if assignee == "" {
			return nil
		}
		title, _ := p["title"].(string)
		reason, _ := p["reason"].(string)
		if reason == "" {
			reason = "no reason given"
		}
		return sender.SendDirect(ctx, assignee, fmt.Sprintf("Your submission for %q was rejected: %s", title, reason))
	}); err != nil {
		return err
	}
	return b.Subscribe(bus.TaskReassigned, func(ctx context.Context, _ string, p bus.Payload) error {
		title, _ := p["title"].(string)
		var firstErr error
		if prev, _ := p["previous"].(string); prev != "" {
			firstErr = sender.SendDirect(ctx, prev, fmt.Sprintf("You were taken off %q.", title))
		}
		if next, _ := p["assignee"].(string); next != "" {
			if err := sender.SendDirect(ctx, next, fmt.Sprintf("You were assigned %q.", title)); firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}
