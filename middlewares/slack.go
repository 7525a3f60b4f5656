package middlewares

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/netresearch/jobbroker/core"
)

var (
	slackUsername  = "jobbroker"
	slackAvatarURL = ""

	slackPayloadVar = "payload"

	// slackDeprecationOnce ensures deprecation warning is only shown once
	slackDeprecationOnce sync.Once
)

// SlackConfig configuration for the Slack notifier
type SlackConfig struct {
	SlackWebhook     string `mapstructure:"slack-webhook" json:"-"`
	SlackOnlyOnError bool   `mapstructure:"slack-only-on-error"`
	// Dedup is the notification deduplicator (set by config loader)
	Dedup *NotificationDedup `mapstructure:"-" json:"-"`
}

// NewSlack returns a Slack notifier if the given configuration is not empty.
//
// Deprecated: prefer the generic webhook notifier with the "slack" preset,
// which supports retries and other chat backends.
func NewSlack(c *SlackConfig) core.NotifyMiddleware {
	var m core.NotifyMiddleware
	if !IsEmpty(c) {
		slackDeprecationOnce.Do(func() {
			fmt.Fprintln(os.Stderr, "DEPRECATION WARNING: the 'slack-webhook' notifier is deprecated.")
			fmt.Fprintln(os.Stderr, "Please migrate to the generic webhook notifier with preset = slack.")
		})

		m = &Slack{
			SlackConfig: *c,
			Client:      &http.Client{Timeout: 5 * time.Second},
		}
	}

	return m
}

// Slack notifies a Slack incoming webhook when a job reaches a terminal state.
type Slack struct {
	SlackConfig
	Client *http.Client
}

// Notify posts the terminal job state to the configured webhook.
func (m *Slack) Notify(n core.NotifyEvent) error {
	if n.State != "error" && m.SlackOnlyOnError {
		return nil
	}
	if m.Dedup != nil && n.State == "error" && !m.Dedup.ShouldNotify(n) {
		return nil
	}
	m.pushMessage(n)
	return nil
}

func (m *Slack) pushMessage(n core.NotifyEvent) {
	values := make(url.Values, 0)
	content, _ := json.Marshal(m.buildMessage(n))
	values.Add(slackPayloadVar, string(content))

	if m.Client == nil {
		m.Client = &http.Client{Timeout: 5 * time.Second}
	}

	u, err := url.Parse(m.SlackWebhook)
	if err != nil || u.Scheme == "" || u.Host == "" {
		fmt.Fprintf(os.Stderr, "slack webhook URL is invalid: %q\n", m.SlackWebhook)
		return
	}
	ctxReq, cancel := context.WithTimeout(context.Background(), m.Client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctxReq, http.MethodPost, u.String(), strings.NewReader(values.Encode()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "slack request build error: %q\n", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r, err := m.Client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "slack error calling %q: %q\n", m.SlackWebhook, err)
		return
	}
	defer r.Body.Close()
	if r.StatusCode != 200 {
		fmt.Fprintf(os.Stderr, "slack error non-200 status code calling %q\n", m.SlackWebhook)
	}
}

func (m *Slack) buildMessage(n core.NotifyEvent) *slackMessage {
	msg := &slackMessage{
		Username: slackUsername,
		IconURL:  slackAvatarURL,
	}

	msg.Text = fmt.Sprintf(
		"Job *%q* (%s) finished with state *%s*", n.JobName, n.Application, n.State,
	)

	if n.State == "error" {
		msg.Attachments = append(msg.Attachments, slackAttachment{
			Title: "Job failed",
			Text:  n.Reason,
			Color: "#F35A00",
		})
	} else {
		msg.Attachments = append(msg.Attachments, slackAttachment{
			Title: "Job succeeded",
			Color: "#7CD197",
		})
	}

	return msg
}

type slackMessage struct {
	Text        string            `json:"text"`
	Username    string            `json:"username"`
	Attachments []slackAttachment `json:"attachments"`
	IconURL     string            `json:"icon_url"`
}

type slackAttachment struct {
	Color string `json:"color,omitempty"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}
