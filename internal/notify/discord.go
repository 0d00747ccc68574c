package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Discord sends messages through a bot session. Recipients are Discord user
// IDs; channels are channel IDs.
type Discord struct {
	session *discordgo.Session
}

func NewDiscord(token string) (*Discord, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: s}, nil
}

func (d *Discord) SendDirect(ctx context.Context, recipient, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := d.session.UserChannelCreate(recipient)
	if err != nil {
		return fmt.Errorf("open dm with %s: %w", recipient, err)
	}
	if _, err := d.session.ChannelMessageSend(ch.ID, text); err != nil {
		return fmt.Errorf("dm %s: %w", recipient, err)
	}
	return nil
}

func (d *Discord) SendChannel(ctx context.Context, channel, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := d.session.ChannelMessageSend(channel, text); err != nil {
		return fmt.Errorf("post to %s: %w", channel, err)
	}
	return nil
}

func (d *Discord) Close() error {
	return d.session.Close()
}
