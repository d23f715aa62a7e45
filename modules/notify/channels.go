package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const deliveryTimeout = 10 * time.Second

// channel delivers one formatted message to one destination. Delivery is
// at-most-once: a failed send is recorded, never retried.
type channel interface {
	Name() string
	Send(ctx context.Context, msg message) error
}

func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// discordChannel posts embeds to a Discord webhook URL.
type discordChannel struct {
	url    string
	client *http.Client
}

func (c *discordChannel) Name() string { return "discord" }

func (c *discordChannel) Send(ctx context.Context, msg message) error {
	return postJSON(ctx, c.client, c.url, map[string]any{
		"embeds": []map[string]any{{
			"title":       msg.Title,
			"description": msg.Body,
		}},
	})
}

// slackChannel posts to a Slack incoming webhook.
type slackChannel struct {
	url    string
	client *http.Client
}

func (c *slackChannel) Name() string { return "slack" }

func (c *slackChannel) Send(ctx context.Context, msg message) error {
	return postJSON(ctx, c.client, c.url, map[string]any{
		"text": fmt.Sprintf("*%s*\n%s", msg.Title, msg.Body),
	})
}

// ntfyChannel publishes to an ntfy topic. The body is the message text;
// the title rides in a header.
type ntfyChannel struct {
	url    string
	client *http.Client
}

func (c *ntfyChannel) Name() string { return "ntfy" }

func (c *ntfyChannel) Send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader([]byte(msg.Body)))
	if err != nil {
		return err
	}
	req.Header.Set("Title", msg.Title)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}
	return nil
}
