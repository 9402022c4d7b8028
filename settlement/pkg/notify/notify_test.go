package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/malbeclabs/payouts/ledger/pkg/amount"
	"github.com/malbeclabs/payouts/utils/pkg/retry"
	payoutstesting "github.com/malbeclabs/payouts/utils/pkg/testing"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/require"
)

type fakePoster struct {
	mu      sync.Mutex
	fails   int
	calls   int
	channel string
	options []slack.MsgOption
}

func (f *fakePoster) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return "", "", errors.New("service unavailable")
	}
	f.channel = channelID
	f.options = options
	return channelID, "1700000000.000100", nil
}

func TestPayouts_Notify_SlackConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := SlackConfig{}
	require.EqualError(t, cfg.Validate(), "logger is required")
	cfg = SlackConfig{Logger: payoutstesting.NewLogger()}
	require.EqualError(t, cfg.Validate(), "client is required")
	cfg = SlackConfig{Logger: payoutstesting.NewLogger(), Client: &fakePoster{}}
	require.EqualError(t, cfg.Validate(), "channel id is required")
	cfg.ChannelID = "C1"
	require.NoError(t, cfg.Validate())
	require.Equal(t, retry.DefaultConfig().MaxAttempts, cfg.Retry.MaxAttempts)
}

func TestPayouts_Notify_Slack(t *testing.T) {
	t.Parallel()

	t.Run("posts text and blocks", func(t *testing.T) {
		t.Parallel()
		poster := &fakePoster{}
		n, err := NewSlack(SlackConfig{Logger: payoutstesting.NewLogger(), Client: poster, ChannelID: "C1"})
		require.NoError(t, err)

		require.NoError(t, n.Notify(t.Context(), Summary{
			Action:    "distribute",
			ListID:    "list-1",
			Type:      "mtl_div",
			Asset:     "EURMTL",
			Total:     amount.MustParse("12.5"),
			Payments:  3,
			Envelopes: 1,
			Warnings:  []string{"skipped rule"},
		}))
		require.Equal(t, "C1", poster.channel)

		_, values, err := slack.UnsafeApplyMsgOptions("token", "C1", "https://slack.example/api/", poster.options...)
		require.NoError(t, err)
		require.Contains(t, values.Get("text"), "12.5000000 EURMTL")
		require.Contains(t, values.Get("blocks"), "distribute: mtl_div")
		require.Contains(t, values.Get("blocks"), "skipped rule")
	})

	t.Run("retries transient failures", func(t *testing.T) {
		t.Parallel()
		poster := &fakePoster{fails: 2}
		n, err := NewSlack(SlackConfig{
			Logger:    payoutstesting.NewLogger(),
			Client:    poster,
			ChannelID: "C1",
			Retry:     retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		})
		require.NoError(t, err)
		require.NoError(t, n.Notify(t.Context(), Summary{Action: "send", ListID: "x"}))
		require.Equal(t, 3, poster.calls)
	})
}

func TestPayouts_Notify_FormatText(t *testing.T) {
	t.Parallel()
	text := FormatText(Summary{ListID: "abc", Memo: "dividend", Payments: 2, Envelopes: 1, Unsent: 1})
	require.Contains(t, text, "`abc`")
	require.Contains(t, text, "dividend")
	require.Contains(t, text, "*Unsent* 1")
	require.NotContains(t, text, "*Total*")
}
