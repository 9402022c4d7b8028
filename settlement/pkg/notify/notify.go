// Package notify posts run summaries for operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/malbeclabs/payouts/utils/pkg/retry"
	"github.com/shopspring/decimal"
	"github.com/slack-go/slack"
)

// Summary describes one distribution, packing or send run.
type Summary struct {
	Action    string
	ListID    string
	Type      string
	Memo      string
	Asset     string
	Total     decimal.Decimal
	Payments  int
	Envelopes int
	Unsent    int
	Warnings  []string
}

type Notifier interface {
	Notify(ctx context.Context, s Summary) error
}

// Nop discards summaries.
type Nop struct{}

func (Nop) Notify(context.Context, Summary) error { return nil }

// Poster is the part of the Slack client used here.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

type SlackConfig struct {
	Logger    *slog.Logger
	Client    Poster
	ChannelID string
	Retry     retry.Config
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.ChannelID == "" {
		return errors.New("channel id is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

type Slack struct {
	log *slog.Logger
	cfg SlackConfig
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Slack{log: cfg.Logger, cfg: cfg}, nil
}

// NewSlackFromToken builds a notifier on a bot token.
func NewSlackFromToken(log *slog.Logger, token, channelID string) (*Slack, error) {
	return NewSlack(SlackConfig{Logger: log, Client: slack.New(token), ChannelID: channelID})
}

func (s *Slack) Notify(ctx context.Context, sum Summary) error {
	text := FormatText(sum)
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, headline(sum), false, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}
	if len(sum.Warnings) > 0 {
		var b strings.Builder
		for _, w := range sum.Warnings {
			fmt.Fprintf(&b, "• %s\n", w)
		}
		blocks = append(blocks, slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, b.String(), false, false)))
	}

	var ts string
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		var err error
		_, ts, err = s.cfg.Client.PostMessageContext(ctx, s.cfg.ChannelID,
			slack.MsgOptionText(text, false),
			slack.MsgOptionBlocks(blocks...),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to post summary: %w", err)
	}
	s.log.Debug("notify: posted summary", "channel", s.cfg.ChannelID, "ts", ts, "list", sum.ListID)
	return nil
}

func headline(sum Summary) string {
	if sum.Type == "" {
		return sum.Action
	}
	return fmt.Sprintf("%s: %s", sum.Action, sum.Type)
}

// FormatText renders a summary as Slack markdown.
func FormatText(sum Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*List* `%s`\n", sum.ListID)
	if sum.Memo != "" {
		fmt.Fprintf(&b, "*Memo* %s\n", sum.Memo)
	}
	if sum.Asset != "" {
		fmt.Fprintf(&b, "*Total* %s %s\n", amount.Format(sum.Total), sum.Asset)
	}
	fmt.Fprintf(&b, "*Payments* %d  *Envelopes* %d  *Unsent* %d", sum.Payments, sum.Envelopes, sum.Unsent)
	if n := len(sum.Warnings); n > 0 {
		fmt.Fprintf(&b, "\n*Warnings* %d", n)
	}
	return b.String()
}
