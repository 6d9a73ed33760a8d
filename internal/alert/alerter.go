package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/pixelboard/internal/domain/model"
	"github.com/emperorhan/pixelboard/internal/metrics"
)

type AlertType string

const (
	AlertTypePublishStalled AlertType = "PUBLISH_STALLED"
	AlertTypeRecovery       AlertType = "RECOVERY"
	AlertTypeFeeCeiling     AlertType = "FEE_CEILING"
	AlertTypeDurability     AlertType = "DURABILITY"
)

const sendTimeout = 10 * time.Second

// Alert is one operator notification about one board.
type Alert struct {
	Type    AlertType
	Board   model.BoardID
	Title   string
	Message string
	Fields  map[string]string
}

type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// MultiAlerter fans an alert out to every channel, muting repeats of the same
// type for the same board within the cooldown. A recovery is never muted and
// re-arms the board's stall alert.
type MultiAlerter struct {
	channels []Alerter
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[muteKey]time.Time
}

type muteKey struct {
	typ   AlertType
	board model.BoardID
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, channels ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		channels: channels,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		now:      time.Now,
		lastSent: make(map[muteKey]time.Time),
	}
}

// admit records the send and reports whether the alert is outside its cooldown.
func (m *MultiAlerter) admit(a Alert) bool {
	now := m.now()
	key := muteKey{typ: a.Type, board: a.Board}

	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Type == AlertTypeRecovery {
		delete(m.lastSent, muteKey{typ: AlertTypePublishStalled, board: a.Board})
		return true
	}
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		return false
	}
	m.lastSent[key] = now
	return true
}

func (m *MultiAlerter) Send(ctx context.Context, a Alert) error {
	if !m.admit(a) {
		m.logger.Debug("alert muted by cooldown", "type", a.Type, "board", a.Board)
		for _, ch := range m.channels {
			metrics.AlertsCooldownSkipped.WithLabelValues(channelName(ch), string(a.Type)).Inc()
		}
		return nil
	}

	var errs []error
	for _, ch := range m.channels {
		name := channelName(ch)
		if err := ch.Send(ctx, a); err != nil {
			m.logger.Warn("alert delivery failed", "channel", name, "type", a.Type, "board", a.Board, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(name, string(a.Type)).Inc()
	}
	return errors.Join(errs...)
}

func channelName(a Alerter) string {
	if n, ok := a.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "unknown"
}

// SlackAlerter posts a formatted text message to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{webhookURL: webhookURL, client: &http.Client{Timeout: sendTimeout}}
}

func (s *SlackAlerter) Name() string { return "slack" }

var slackEmoji = map[AlertType]string{
	AlertTypePublishStalled: ":warning:",
	AlertTypeRecovery:       ":white_check_mark:",
	AlertTypeFeeCeiling:     ":fuelpump:",
	AlertTypeDurability:     ":floppy_disk:",
}

func (s *SlackAlerter) Send(ctx context.Context, a Alert) error {
	emoji, ok := slackEmoji[a.Type]
	if !ok {
		emoji = ":warning:"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s]* board %d: %s\n%s", emoji, a.Type, int(a.Board), a.Title, a.Message)
	if len(a.Fields) > 0 {
		b.WriteString("\n")
		keys := make([]string, 0, len(a.Fields))
		for k := range a.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- *%s*: %s\n", k, a.Fields[k])
		}
	}
	return postJSON(ctx, s.client, s.webhookURL, map[string]string{"text": b.String()})
}

// WebhookAlerter posts the alert as JSON to an arbitrary endpoint.
type WebhookAlerter struct {
	url    string
	client *http.Client
	now    func() time.Time
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{url: url, client: &http.Client{Timeout: sendTimeout}, now: time.Now}
}

func (w *WebhookAlerter) Name() string { return "webhook" }

type webhookPayload struct {
	Type    AlertType         `json:"type"`
	Board   int               `json:"board"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Time    string            `json:"time"`
}

func (w *WebhookAlerter) Send(ctx context.Context, a Alert) error {
	return postJSON(ctx, w.client, w.url, webhookPayload{
		Type:    a.Type,
		Board:   int(a.Board),
		Title:   a.Title,
		Message: a.Message,
		Fields:  a.Fields,
		Time:    w.now().UTC().Format(time.RFC3339),
	})
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// NoopAlerter is used when no channel is configured.
type NoopAlerter struct{}

func (n *NoopAlerter) Name() string { return "noop" }

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }
