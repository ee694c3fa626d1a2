package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
)

// Discord keeps a single webhook message up to date as the status indicator.
// The first Notify creates the message, later calls edit it and Hide deletes it.
type Discord struct {
	webhookURL string
	client     *http.Client

	mu        sync.Mutex
	messageID string
}

func NewDiscord(webhookURL string, client *http.Client) *Discord {
	if client == nil {
		client = http.DefaultClient
	}

	return &Discord{webhookURL: webhookURL, client: client}
}

type discordMessage struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
}

func (d *Discord) Notify(ctx context.Context, n Notification) error {
	if d.webhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	content := fmt.Sprintf("**%s**\n%s\n`%s`", n.Title, n.Body, Bar(n.Percent))

	if d.messageID != "" {
		target, err := d.messageURL(d.messageID)
		if err != nil {
			return err
		}

		_, err = d.send(ctx, http.MethodPatch, target, &discordMessage{Content: content})

		return err
	}

	target, err := url.Parse(d.webhookURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}

	q := target.Query()
	q.Set("wait", "true")
	target.RawQuery = q.Encode()

	msg, err := d.send(ctx, http.MethodPost, target.String(), &discordMessage{Content: content})
	if err != nil {
		return err
	}

	d.messageID = msg.ID

	return nil
}

func (d *Discord) Hide(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.messageID == "" {
		return nil
	}

	target, err := d.messageURL(d.messageID)
	if err != nil {
		return err
	}

	// The message is forgotten even if the delete fails; a stale message is
	// preferable to editing it after it was hidden.
	d.messageID = ""

	_, err = d.send(ctx, http.MethodDelete, target, nil)

	return err
}

func (d *Discord) messageURL(id string) (string, error) {
	base, err := url.Parse(d.webhookURL)
	if err != nil {
		return "", fmt.Errorf("invalid webhook URL: %w", err)
	}

	return base.JoinPath("messages", id).String(), nil
}

func (d *Discord) send(ctx context.Context, method, target string, payload *discordMessage) (*discordMessage, error) {
	var body bytes.Buffer

	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	var msg discordMessage

	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			return nil, fmt.Errorf("failed to decode webhook response: %w", err)
		}
	}

	return &msg, nil
}
