// Package notify delivers operational events (audit write failures, pending
// approvals) to an out-of-band channel.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Kind classifies an operational event.
type Kind string

const (
	KindAuditFailure    Kind = "audit_failure"
	KindPendingApproval Kind = "pending_approval"
)

// Event is a single operational notification.
type Event struct {
	Kind   Kind
	Title  string
	Text   string
	Fields map[string]string
	Time   time.Time
}

// Notifier sends operational events somewhere a human will see them.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the operational log only.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	if n.Logger == nil {
		return nil
	}
	fields := []zap.Field{zap.String("kind", string(ev.Kind)), zap.String("title", ev.Title)}
	for _, k := range sortedKeys(ev.Fields) {
		fields = append(fields, zap.String(k, ev.Fields[k]))
	}
	n.Logger.Warn(ev.Text, fields...)
	return nil
}

// SlackNotifier posts events to Slack, either through an incoming webhook or
// through chat.postMessage with a bot token.
type SlackNotifier struct {
	WebhookURL string
	BotToken   string
	Channel    string
	APIBase    string
	Client     *http.Client
	Logger     *zap.Logger
}

func (n *SlackNotifier) Notify(ctx context.Context, ev Event) error {
	if n == nil {
		return nil
	}
	if strings.TrimSpace(n.WebhookURL) == "" && strings.TrimSpace(n.BotToken) == "" {
		return errors.New("slack notifier: missing webhook url and bot token")
	}
	err := withRetry(ctx, 3, 200*time.Millisecond, func() (bool, time.Duration, error) {
		if url := strings.TrimSpace(n.WebhookURL); url != "" {
			return retryDecision(slack.PostWebhookCustomHTTPContext(ctx, url, n.httpClient(), n.webhookMessage(ev)))
		}
		api := slack.New(strings.TrimSpace(n.BotToken), slack.OptionHTTPClient(n.httpClient()), slack.OptionAPIURL(n.apiBase()))
		_, _, err := api.PostMessageContext(ctx, n.Channel,
			slack.MsgOptionText(ev.Title, false),
			slack.MsgOptionAttachments(attachment(ev)),
		)
		return retryDecision(err)
	})
	if err != nil && n.Logger != nil {
		n.Logger.Error("slack notify failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
	return err
}

func (n *SlackNotifier) webhookMessage(ev Event) *slack.WebhookMessage {
	return &slack.WebhookMessage{
		Channel:     n.Channel,
		Text:        ev.Title,
		Attachments: []slack.Attachment{attachment(ev)},
	}
}

func (n *SlackNotifier) httpClient() *http.Client {
	if n.Client != nil {
		return n.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (n *SlackNotifier) apiBase() string {
	base := strings.TrimSpace(n.APIBase)
	if base == "" {
		base = "https://slack.com/api"
	}
	return strings.TrimRight(base, "/") + "/"
}

func attachment(ev Event) slack.Attachment {
	color := "#439FE0"
	if ev.Kind == KindAuditFailure {
		color = "danger"
	}
	att := slack.Attachment{
		Color: color,
		Text:  ev.Text,
	}
	if !ev.Time.IsZero() {
		att.Ts = json.Number(strconv.FormatInt(ev.Time.Unix(), 10))
	}
	for _, k := range sortedKeys(ev.Fields) {
		att.Fields = append(att.Fields, slack.AttachmentField{Title: k, Value: ev.Fields[k], Short: true})
	}
	return att
}

// retryDecision reports whether err is worth retrying and how long Slack
// asked us to wait first.
func retryDecision(err error) (bool, time.Duration, error) {
	if err == nil {
		return false, 0, nil
	}
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) && rle != nil {
		return true, rle.RetryAfter, err
	}
	return false, 0, err
}

// withRetry calls fn until it succeeds, returns a non-retryable error, or
// attempts run out. Waits are exponential from baseDelay unless fn names a
// longer one, and end early with ctx.Err() when ctx is done.
func withRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() (retryable bool, wait time.Duration, err error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		retryable, wait, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || i == attempts-1 {
			break
		}
		if backoff := baseDelay * time.Duration(1<<i); wait < backoff {
			wait = backoff
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return errors.Join(lastErr, err)
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Multi fans an event out to several notifiers and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
