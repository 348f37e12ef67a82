// Package slack posts owner notifications to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/target/research-fanout/internal/observability/notify"
)

// Config describes the webhook and message decoration.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// JobURLPrefix, when set, turns the job id into a link: <prefix>/<job id>.
	JobURLPrefix string
}

// Client delivers notifications to one webhook.
type Client struct {
	webhookURL   string
	channel      string
	username     string
	retryLimit   int
	jobURLPrefix string
	client       *http.Client
}

var _ notify.Sink = (*Client)(nil)

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "researchd"
	}
	return &Client{
		webhookURL:   webhookURL,
		channel:      strings.TrimSpace(cfg.Channel),
		username:     username,
		retryLimit:   max(cfg.RetryLimit, 0),
		jobURLPrefix: strings.TrimSpace(cfg.JobURLPrefix),
		client:       hc,
	}, nil
}

// SendOwnerNotification posts one message, retrying with linear backoff.
func (c *Client) SendOwnerNotification(ctx context.Context, n notify.OwnerNotification) error {
	body, err := json.Marshal(c.formatMessage(n))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryLimit; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt) * 200 * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if lastErr = c.post(ctx, body); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (c *Client) formatMessage(n notify.OwnerNotification) map[string]any {
	var text strings.Builder
	text.WriteString("*Research ")
	text.WriteString(fallback(n.Status, "finished"))
	text.WriteString("*")
	if title := strings.TrimSpace(n.Title); title != "" {
		text.WriteString(": ")
		text.WriteString(escape(title))
	}
	text.WriteByte('\n')

	writeField(&text, "Job", c.jobValue(n.JobID))
	writeField(&text, "Owner", escape(n.OwnerID))
	writeField(&text, "Providers", escape(strings.Join(n.Providers, ", ")))
	if n.CostUSD > 0 {
		writeField(&text, "Cost", "$"+strconv.FormatFloat(n.CostUSD, 'f', 4, 64))
	}
	ts := n.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}
	writeField(&text, "Finished", ts.UTC().Format(time.RFC3339))

	msg := map[string]any{
		"text":     strings.TrimRight(text.String(), "\n"),
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

func (c *Client) jobValue(jobID string) string {
	id := escape(strings.TrimSpace(jobID))
	if id == "" || c.jobURLPrefix == "" {
		return id
	}
	u, err := url.Parse(c.jobURLPrefix)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return id
	}
	link, err := url.JoinPath(u.String(), jobID)
	if err != nil {
		return id
	}
	return "<" + link + "|" + id + ">"
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("slack webhook %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("drain slack response body: %w", err)
	}
	return nil
}

var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string { return slackEscaper.Replace(s) }

func fallback(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func writeField(b *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	b.WriteString("• ")
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteByte('\n')
}
