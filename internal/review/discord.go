package review

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// discordLimit is the maximum message length Discord accepts.
const discordLimit = 2000

// DiscordNotifier posts flags to a Discord channel over the REST API. It never
// opens the gateway websocket.
type DiscordNotifier struct {
	session *discordgo.Session
	channel string
	logger  *zap.Logger
}

// NewDiscordNotifier creates a Discord notifier for a bot token.
func NewDiscordNotifier(token, channel string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{session: session, channel: channel, logger: logger}, nil
}

func (n *DiscordNotifier) Platform() string { return "discord" }

func (n *DiscordNotifier) Notify(ctx context.Context, f *Flag) error {
	msg, err := n.session.ChannelMessageSend(n.channel, discordContent(f), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	n.logger.Debug("discord review posted",
		zap.String("channel", n.channel),
		zap.String("message", msg.ID),
		zap.String("chain", f.ChainID))
	return nil
}

// Close releases the session.
func (n *DiscordNotifier) Close() error {
	return n.session.Close()
}

// discordContent renders f with Discord emphasis, truncated to the platform
// limit.
func discordContent(f *Flag) string {
	content := format(f, "**")
	if len(content) > discordLimit {
		content = content[:discordLimit-3] + "..."
	}
	return content
}
