// Package tiktok scrapes public TikTok profile pages for new videos.
package tiktok

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"github.com/onnwee/sprinkles/notify"
	"github.com/onnwee/sprinkles/telemetry"
)

const (
	DefaultBaseURL = "https://www.tiktok.com"
	// MaxAge is how old a video may be and still be announced.
	MaxAge = 3 * 24 * time.Hour

	tiktokColor = 0xFFFFFF
	titleLimit  = 253
)

// Author is the profile owner as shown on the page.
type Author struct {
	Username    string
	DisplayName string
	AvatarURL   string
}

// Video is one entry of the profile grid.
type Video struct {
	ID          string
	Description string
	Thumbnail   string
}

// Profile is a parsed profile page.
type Profile struct {
	Author Author
	Videos []Video
}

// NotFoundError is returned for profiles that do not exist.
type NotFoundError struct {
	Username string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("tiktok profile @%s not found", e.Username) }

// ProfileSource reports recent videos of each configured username.
type ProfileSource struct {
	Usernames  []string
	Message    string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
	RetryDelay time.Duration
}

func (s *ProfileSource) Name() string      { return "tiktok" }
func (s *ProfileSource) Targets() []string { return s.Usernames }

func (s *ProfileSource) log() *slog.Logger {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", "tiktok"))
}

func (s *ProfileSource) Fetch(ctx context.Context, username string) ([]notify.Item, error) {
	p, err := s.FetchProfile(ctx, username)
	if err != nil {
		return nil, err
	}
	items := make([]notify.Item, 0, len(p.Videos))
	for _, v := range p.Videos {
		created, ok := VideoTime(v.ID)
		if !ok {
			s.log().Debug("video id carries no timestamp", slog.String("video", v.ID))
		}
		items = append(items, notify.Item{ID: v.ID, CreatedAt: created, Payload: s.payload(p.Author, v, created)})
	}
	return items, nil
}

// VideoTime decodes the upload time from a video id; the upper 32 bits of
// the id are unix seconds.
func VideoTime(id string) (time.Time, bool) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || n>>32 == 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(n>>32), 0).UTC(), true
}

func (s *ProfileSource) payload(a Author, v Video, created time.Time) notify.Payload {
	name := a.DisplayName
	if name == "" {
		name = a.Username
	}
	title, rest := notify.Truncate(v.Description, titleLimit)
	return notify.Payload{
		Content:     notify.FillTemplate(s.Message, name, a.Username),
		Title:       title,
		Description: rest,
		AuthorName:  name + " has uploaded a new TikTok!",
		AuthorURL:   "https://tiktok.com/@" + a.Username,
		AuthorIcon:  a.AvatarURL,
		URL:         "https://tiktok.com/@" + a.Username + "/video/" + v.ID,
		Timestamp:   created,
		Color:       tiktokColor,
		Image:       v.Thumbnail,
	}
}

// FetchProfile downloads and parses the profile page of username.
func (s *ProfileSource) FetchProfile(ctx context.Context, username string) (*Profile, error) {
	base := s.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	pageURL := strings.TrimRight(base, "/") + "/@" + username
	hc := s.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	delay := s.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	log := s.log().With(slog.String("username", username))

	var profile *Profile
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")

			resp, err := hc.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := resp.Body.Close(); cerr != nil {
					log.Warn("failed to close response body", slog.Any("err", cerr))
				}
			}()
			telemetry.APIResponse("tiktok", resp.StatusCode)
			if resp.StatusCode == http.StatusNotFound {
				return retry.Unrecoverable(&NotFoundError{Username: username})
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			profile, err = parseProfile(resp.Body, username)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(delay),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Info("retrying profile fetch", slog.Uint64("attempt", uint64(n)), slog.Any("err", err))
		}),
	)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nil, nf
		}
		return nil, fmt.Errorf("fetch tiktok profile @%s: %w", username, err)
	}
	return profile, nil
}

func parseProfile(body io.Reader, username string) (*Profile, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	p := &Profile{Author: Author{Username: username}}

	if title, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		// "Display Name (@user) | TikTok"
		name := title
		if i := strings.Index(name, " (@"); i > 0 {
			name = name[:i]
		} else if i := strings.Index(name, " | "); i > 0 {
			name = name[:i]
		}
		p.Author.DisplayName = strings.TrimSpace(name)
	}
	if img, ok := doc.Find(`meta[property="og:image"]`).First().Attr("content"); ok {
		p.Author.AvatarURL = img
	}

	seen := map[string]bool{}
	doc.Find(`a[href*="/video/"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		i := strings.LastIndex(href, "/video/")
		id := href[i+len("/video/"):]
		if j := strings.IndexAny(id, "?#/"); j >= 0 {
			id = id[:j]
		}
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		img := a.Find("img").First()
		alt, _ := img.Attr("alt")
		src, _ := img.Attr("src")
		p.Videos = append(p.Videos, Video{ID: id, Description: strings.TrimSpace(alt), Thumbnail: src})
	})

	if p.Author.DisplayName == "" && len(p.Videos) == 0 {
		return nil, fmt.Errorf("no profile data found for @%s", username)
	}
	return p, nil
}
