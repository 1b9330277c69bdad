package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DiscordWebhook posts payloads as a single embed to a Discord webhook.
// The destination channel passed to Send is the webhook URL.
type DiscordWebhook struct {
	DefaultURL string
	Username   string
	HTTPClient *http.Client
	Logger     *slog.Logger
	RetryDelay time.Duration // base backoff, default 1s
}

type webhookMessage struct {
	Username string         `json:"username,omitempty"`
	Content  string         `json:"content,omitempty"`
	Embeds   []webhookEmbed `json:"embeds,omitempty"`
}

type webhookEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Color       int            `json:"color,omitempty"`
	Author      *webhookAuthor `json:"author,omitempty"`
	Image       *webhookImage  `json:"image,omitempty"`
}

type webhookAuthor struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type webhookImage struct {
	URL string `json:"url"`
}

func buildMessage(p Payload, username string) webhookMessage {
	e := webhookEmbed{
		Title:       p.Title,
		Description: p.Description,
		URL:         p.URL,
		Color:       p.Color,
	}
	if !p.Timestamp.IsZero() {
		e.Timestamp = p.Timestamp.UTC().Format(time.RFC3339)
	}
	if p.AuthorName != "" {
		e.Author = &webhookAuthor{Name: p.AuthorName, URL: p.AuthorURL, IconURL: p.AuthorIcon}
	}
	if p.Image != "" {
		e.Image = &webhookImage{URL: p.Image}
	}
	return webhookMessage{Username: username, Content: p.Content, Embeds: []webhookEmbed{e}}
}

type statusErr struct {
	code int
	body string
}

func (e *statusErr) Error() string { return fmt.Sprintf("webhook returned %d: %s", e.code, e.body) }

func (d *DiscordWebhook) Send(ctx context.Context, p Payload, channel string) error {
	url := channel
	if url == "" {
		url = d.DefaultURL
	}
	if url == "" {
		return errors.New("no webhook url configured")
	}
	body, err := json.Marshal(buildMessage(p, d.Username))
	if err != nil {
		return fmt.Errorf("marshal webhook message: %w", err)
	}
	hc := d.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	delay := d.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := hc.Do(req)
			if err != nil {
				return fmt.Errorf("post webhook: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			serr := &statusErr{code: resp.StatusCode, body: string(b)}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return serr
			}
			return retry.Unrecoverable(serr)
		},
		retry.Attempts(3),
		retry.Delay(delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Info("retrying webhook delivery", slog.Uint64("attempt", uint64(n)), slog.Any("err", err))
		}),
	)
}
