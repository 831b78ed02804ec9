package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-tick/caretaker/internal/event"
)

const slackFooter = "caretaker"

// SlackConfig configures an incoming-webhook channel.
type SlackConfig struct {
	Name       string
	WebhookURL string
	// Channel and Username override the webhook defaults when set.
	Channel  string
	Username string
	Client   *http.Client
}

type Slack struct {
	cfg SlackConfig
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Name == "" {
		cfg.Name = "slack"
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Slack{cfg: cfg}
}

func (s *Slack) Name() string { return s.cfg.Name }

type slackAttachment struct {
	Fallback string `json:"fallback"`
	Color    string `json:"color"`
	Title    string `json:"title"`
	Text     string `json:"text"`
	Footer   string `json:"footer"`
	Ts       int64  `json:"ts"`
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

// Deliver posts ev as a colored attachment. 429 and 5xx responses are
// retryable; any other non-2xx status is permanent.
func (s *Slack) Deliver(ctx context.Context, ev event.Event) error {
	payload := slackPayload{
		Channel:  s.cfg.Channel,
		Username: s.cfg.Username,
		Attachments: []slackAttachment{{
			Fallback: ev.Subject() + " " + ev.Message,
			Color:    slackColor(ev.Severity),
			Title:    ev.Subject(),
			Text:     ev.Message,
			Footer:   slackFooter,
			Ts:       ev.FirstSeenAt.Unix(),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return err
	}
	return Permanent(err)
}

func slackColor(sev event.Severity) string {
	switch sev {
	case event.SeverityCritical:
		return "danger"
	case event.SeverityWarning:
		return "warning"
	case event.SeverityRecovery:
		return "good"
	default:
		return "#439FE0"
	}
}

var _ Channel = (*Slack)(nil)
