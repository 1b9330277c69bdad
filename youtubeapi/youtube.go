// Package youtubeapi polls YouTube channels for new uploads using the Data
// API with an API key.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/sprinkles/notify"
	"github.com/onnwee/sprinkles/telemetry"
)

const (
	youtubeColor = 0xFF0000
	titleLimit   = 253
	// channels.list accepts at most 50 ids per call.
	channelBatch = 50
)

// NewService builds a Data API client authenticated with apiKey. Extra
// options override the endpoint or HTTP client in tests.
func NewService(ctx context.Context, apiKey string, opts ...option.ClientOption) (*yt.Service, error) {
	if apiKey == "" {
		return nil, errors.New("youtube api key is empty")
	}
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return svc, nil
}

type channelInfo struct {
	title  string
	avatar string
}

// UploadSource reports the latest uploads of each channel id.
type UploadSource struct {
	Service    *yt.Service
	ChannelIDs []string
	Message    string
	MaxResults int64 // default 5
	Logger     *slog.Logger

	mu       sync.RWMutex
	channels map[string]channelInfo
}

func (s *UploadSource) Name() string      { return "youtube" }
func (s *UploadSource) Targets() []string { return s.ChannelIDs }

func (s *UploadSource) log() *slog.Logger {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", "youtube"))
}

// Prepare loads channel titles and avatars for the payload author fields.
// A failure only leaves the author fields to the search results.
func (s *UploadSource) Prepare(ctx context.Context, targets []string) error {
	found := map[string]channelInfo{}
	for i := 0; i < len(targets); i += channelBatch {
		ids := targets[i:min(i+channelBatch, len(targets))]
		resp, err := s.Service.Channels.List([]string{"snippet"}).Id(ids...).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("list channels: %w", err)
		}
		for _, c := range resp.Items {
			if c.Snippet == nil {
				continue
			}
			info := channelInfo{title: c.Snippet.Title}
			if th := c.Snippet.Thumbnails; th != nil && th.Default != nil {
				info.avatar = th.Default.Url
			}
			found[c.Id] = info
		}
	}
	s.mu.Lock()
	if s.channels == nil {
		s.channels = map[string]channelInfo{}
	}
	for id, info := range found {
		s.channels[id] = info
	}
	s.mu.Unlock()
	return nil
}

func (s *UploadSource) Fetch(ctx context.Context, channelID string) ([]notify.Item, error) {
	n := s.MaxResults
	if n <= 0 {
		n = 5
	}
	resp, err := s.Service.Search.List([]string{"snippet"}).
		ChannelId(channelID).
		Order("date").
		Type("video").
		MaxResults(n).
		Context(ctx).
		Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			telemetry.APIResponse("youtube", gerr.Code)
			s.log().Warn("youtube search failed", slog.String("channel", channelID), slog.Int("status", gerr.Code), slog.String("body", gerr.Body))
			return nil, nil
		}
		return nil, fmt.Errorf("youtube search %s: %w", channelID, err)
	}
	telemetry.APIResponse("youtube", resp.HTTPStatusCode)

	s.mu.RLock()
	info := s.channels[channelID]
	s.mu.RUnlock()

	items := make([]notify.Item, 0, len(resp.Items))
	for _, r := range resp.Items {
		if r.Id == nil || r.Id.VideoId == "" || r.Snippet == nil {
			continue
		}
		published, err := time.Parse(time.RFC3339, r.Snippet.PublishedAt)
		if err != nil {
			s.log().Debug("unparsable publishedAt", slog.String("video", r.Id.VideoId), slog.Any("err", err))
		}
		items = append(items, notify.Item{
			ID:        r.Id.VideoId,
			CreatedAt: published,
			Payload:   s.payload(channelID, info, r),
		})
	}
	return items, nil
}

func (s *UploadSource) payload(channelID string, info channelInfo, r *yt.SearchResult) notify.Payload {
	sn := r.Snippet
	name := info.title
	if name == "" {
		name = sn.ChannelTitle
	}
	title, rest := notify.Truncate(sn.Title, titleLimit)
	desc := rest
	if desc == "" {
		desc = sn.Description
	}
	p := notify.Payload{
		Content:     notify.FillTemplate(s.Message, name, name),
		Title:       title,
		Description: desc,
		AuthorName:  name + " has uploaded a new video!",
		AuthorURL:   "https://www.youtube.com/channel/" + channelID,
		AuthorIcon:  info.avatar,
		URL:         "https://www.youtube.com/watch?v=" + r.Id.VideoId,
		Color:       youtubeColor,
	}
	if t, err := time.Parse(time.RFC3339, sn.PublishedAt); err == nil {
		p.Timestamp = t
	}
	if th := sn.Thumbnails; th != nil {
		switch {
		case th.Maxres != nil:
			p.Image = th.Maxres.Url
		case th.High != nil:
			p.Image = th.High.Url
		case th.Default != nil:
			p.Image = th.Default.Url
		}
	}
	return p
}
