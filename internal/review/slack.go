package review

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts flags to a Slack channel with a bot token.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a Slack notifier. botToken is the Bot User OAuth
// Token (xoxb-...).
func NewSlackNotifier(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken, opts...),
		channel: channel,
		logger:  logger,
	}
}

func (n *SlackNotifier) Platform() string { return "slack" }

func (n *SlackNotifier) Notify(ctx context.Context, f *Flag) error {
	_, ts, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(Format(f), false),
		slack.MsgOptionUsername("fairloop"),
		slack.MsgOptionIconEmoji(":warning:"),
	)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	n.logger.Debug("slack review posted",
		zap.String("channel", n.channel),
		zap.String("ts", ts),
		zap.String("chain", f.ChainID))
	return nil
}
