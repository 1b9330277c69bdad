// Package twitchapi is a thin Helix client whose every call goes through the
// token manager's auth retry, plus the Twitch go-live notification source.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/sprinkles/oauth"
	"github.com/onnwee/sprinkles/telemetry"
)

const (
	DefaultBaseURL = "https://api.twitch.tv/helix"
	// ChunkSize is the Helix limit for repeated query parameters.
	ChunkSize = 100
)

// Authorizer runs a call with a bearer token, recovering once from 401.
type Authorizer interface {
	WithAuthRetry(ctx context.Context, op oauth.Operation) (*http.Response, error)
}

type Helix struct {
	Tokens     Authorizer
	ClientID   string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (h *Helix) http() *http.Client {
	if h.HTTPClient != nil {
		return h.HTTPClient
	}
	return http.DefaultClient
}

func (h *Helix) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default().With(slog.String("component", "helix"))
}

// Request performs one Helix call and decodes the JSON response into out.
// It reports false with a nil error for non-2xx responses other than 401,
// which are logged and treated as no data.
func (h *Helix) Request(ctx context.Context, method, path string, query url.Values, body, out any) (bool, error) {
	base := h.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return false, fmt.Errorf("marshal request body: %w", err)
		}
	}

	ctx, span := telemetry.StartSpan(ctx, "twitchapi", "helix "+path, telemetry.HTTPMethodAttr(method), telemetry.HTTPRouteAttr(path))
	defer span.End()

	resp, err := h.Tokens.WithAuthRetry(ctx, func(ctx context.Context, token string) (*http.Response, error) {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Client-Id", h.ClientID)
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := h.http().Do(req)
		if err != nil {
			return nil, err
		}
		telemetry.APIResponse("twitch", resp.StatusCode)
		return resp, nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return false, fmt.Errorf("helix %s %s: %w", method, path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			h.log().Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.SetSpanHTTPStatus(span, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		h.log().Warn("helix request failed", slog.String("method", method), slog.String("path", path),
			slog.Int("status", resp.StatusCode), slog.String("body", string(b)))
		return false, nil
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("decode helix %s: %w", path, err)
		}
	}
	return true, nil
}

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = ChunkSize
	}
	var out [][]T
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n:n])
		items = items[n:]
	}
	return out
}

type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameName     string    `json:"game_name"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

// LookupUsers resolves logins in batches of ChunkSize. A failed batch is
// logged and skipped; the users of the other batches are still returned.
func (h *Helix) LookupUsers(ctx context.Context, logins []string) []User {
	var users []User
	chunks := Chunk(logins, ChunkSize)
	for i, chunk := range chunks {
		q := url.Values{}
		for _, l := range chunk {
			q.Add("login", strings.ToLower(l))
		}
		var body struct {
			Data []User `json:"data"`
		}
		ok, err := h.Request(ctx, http.MethodGet, "/users", q, nil, &body)
		if err != nil || !ok {
			h.log().Warn("user lookup chunk skipped", slog.Int("chunk", i+1), slog.Int("chunks", len(chunks)), slog.Int("size", len(chunk)), slog.Any("err", err))
			continue
		}
		users = append(users, body.Data...)
	}
	return users
}

// Streams lists live streams for the given user ids in batches of ChunkSize.
// Failed batches are skipped like in LookupUsers.
func (h *Helix) Streams(ctx context.Context, userIDs []string) []Stream {
	var streams []Stream
	for i, chunk := range Chunk(userIDs, ChunkSize) {
		q := url.Values{}
		for _, id := range chunk {
			q.Add("user_id", id)
		}
		q.Set("first", fmt.Sprint(ChunkSize))
		var body struct {
			Data []Stream `json:"data"`
		}
		ok, err := h.Request(ctx, http.MethodGet, "/streams", q, nil, &body)
		if err != nil || !ok {
			h.log().Warn("stream list chunk skipped", slog.Int("chunk", i+1), slog.Any("err", err))
			continue
		}
		streams = append(streams, body.Data...)
	}
	return streams
}

// CurrentUser returns the user the token belongs to (user tokens only).
func (h *Helix) CurrentUser(ctx context.Context) (User, error) {
	var body struct {
		Data []User `json:"data"`
	}
	ok, err := h.Request(ctx, http.MethodGet, "/users", nil, nil, &body)
	if err != nil {
		return User{}, err
	}
	if !ok || len(body.Data) == 0 {
		return User{}, fmt.Errorf("current user not available")
	}
	return body.Data[0], nil
}
