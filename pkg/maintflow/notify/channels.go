package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	mferrors "github.com/sentriq/maintflow/pkg/maintflow/errors"
)

// ConsoleChannel writes notifications to the structured log. It is the
// always-available channel for demos and as a last-resort sink.
type ConsoleChannel struct {
	Logger *slog.Logger
}

// Name implements Channel.
func (c *ConsoleChannel) Name() string { return "console" }

// Send implements Channel.
func (c *ConsoleChannel) Send(_ context.Context, msg Message) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("maintenance notification",
		"subject", msg.Subject,
		"priority", msg.Priority,
		"task_id", msg.Task.TaskID,
		"equipment_id", msg.Task.EquipmentID,
		"window_start", msg.Task.WindowStart,
		"window_end", msg.Task.WindowEnd,
	)
	return nil
}

// WebhookChannel POSTs the message as JSON to a configured endpoint,
// typically the maintenance management system's intake hook.
type WebhookChannel struct {
	ChannelName string
	URL         string
	AuthToken   string
	Client      *http.Client
}

// Name implements Channel.
func (c *WebhookChannel) Name() string {
	if c.ChannelName != "" {
		return c.ChannelName
	}
	return "webhook"
}

// Send implements Channel. Connection failures and 5xx responses are
// wrapped as connectivity errors so they categorize as transient.
func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("webhook channel %s has no URL configured", c.Name())
	}

	body, err := json.Marshal(map[string]any{
		"subject":  msg.Subject,
		"body":     msg.Body,
		"priority": msg.Priority,
		"task":     msg.Task,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := strings.TrimSpace(c.AuthToken); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &mferrors.ConnectivityError{Dependency: c.Name(), Op: "post notification", Err: err}
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 500 {
		return &mferrors.ConnectivityError{
			Dependency: c.Name(),
			Op:         "post notification",
			Err:        fmt.Errorf("status %d", resp.StatusCode),
		}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s webhook status: %d", c.Name(), resp.StatusCode)
	}
	return nil
}

// ChatChannel posts a formatted text payload to a chat webhook (Slack
// style incoming webhook).
type ChatChannel struct {
	WebhookURL string
	Client     *http.Client
}

// Name implements Channel.
func (c *ChatChannel) Name() string { return "chat" }

// Send implements Channel.
func (c *ChatChannel) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("*%s*\n%s\nEquipment: %s | Priority: %s | Window: %s to %s",
		msg.Subject, msg.Body,
		msg.Task.EquipmentID, msg.Priority,
		msg.Task.WindowStart.Format(time.RFC3339),
		msg.Task.WindowEnd.Format(time.RFC3339))

	if strings.TrimSpace(c.WebhookURL) == "" {
		return fmt.Errorf("chat channel has no webhook URL configured")
	}

	body, err := json.Marshal(map[string]any{"text": text})
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &mferrors.ConnectivityError{Dependency: "chat", Op: "post message", Err: err}
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("chat webhook status: %d", resp.StatusCode)
	}
	return nil
}

// EmailChannel sends plain-text mail through an SMTP relay.
type EmailChannel struct {
	Host string
	Port int
	From string
	To   []string
	Auth smtp.Auth
}

// Name implements Channel.
func (c *EmailChannel) Name() string { return "email" }

// Send implements Channel.
func (c *EmailChannel) Send(_ context.Context, msg Message) error {
	if c.Host == "" || c.From == "" || len(c.To) == 0 {
		return fmt.Errorf("email channel is not fully configured")
	}

	port := c.Port
	if port == 0 {
		port = 25
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")

	addr := fmt.Sprintf("%s:%d", c.Host, port)
	if err := smtp.SendMail(addr, c.Auth, c.From, c.To, []byte(b.String())); err != nil {
		return &mferrors.ConnectivityError{Dependency: "smtp", Op: "send mail", Err: err}
	}
	return nil
}
