package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// SlackAPI abstracts the Slack client for testing.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts notifications to one channel.
type SlackNotifier struct {
	api     SlackAPI
	channel string
	logger  zerolog.Logger
}

// NewSlackNotifier creates a notifier using a bot token.
func NewSlackNotifier(botToken, channel string, logger zerolog.Logger) *SlackNotifier {
	return NewSlackNotifierWithAPI(slack.New(botToken), channel, logger)
}

// NewSlackNotifierWithAPI creates a notifier over an existing client.
func NewSlackNotifierWithAPI(api SlackAPI, channel string, logger zerolog.Logger) *SlackNotifier {
	return &SlackNotifier{
		api:     api,
		channel: channel,
		logger:  logger.With().Str("component", "slack").Logger(),
	}
}

func (s *SlackNotifier) Notify(ctx context.Context, e Event) error {
	fallback := fmt.Sprintf("[%s] %s: %s", e.Level, e.Title, e.Message)
	_, ts, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionBlocks(BuildBlocks(e)...),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	s.logger.Debug().Str("kind", string(e.Kind)).Str("ts", ts).Msg("notification posted")
	return nil
}

// BuildBlocks renders a notification as Block Kit blocks.
func BuildBlocks(e Event) []slack.Block {
	header := fmt.Sprintf("%s *%s*\n%s", levelEmoji(e.Level), e.Title, e.Message)
	if e.Err != nil {
		header += fmt.Sprintf("\n```%v```", e.Err)
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, header, false, false), nil, nil),
	}

	var fields []slack.MixedElement
	if e.Role != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Role:* "+e.Role, false, false))
	}
	if e.Principal != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Principal:* "+e.Principal, false, false))
	}
	if e.GrantID != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Grant:* `"+e.GrantID+"`", false, false))
	}
	if len(fields) > 0 {
		blocks = append(blocks, slack.NewContextBlock("", fields...))
	}
	return blocks
}

func levelEmoji(l Level) string {
	switch l {
	case LevelCritical:
		return ":rotating_light:"
	case LevelWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}
