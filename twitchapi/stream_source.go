package twitchapi

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/onnwee/sprinkles/notify"
)

const (
	twitchColor = 0x9146FF
	titleLimit  = 253
)

// StreamSource reports live streams of the configured logins as notification
// items, one per stream id.
type StreamSource struct {
	API       *Helix
	Usernames []string
	Message   string // update template, %displayName% and %username%

	mu    sync.RWMutex
	users map[string]User // by lowercase login
}

func (s *StreamSource) Name() string      { return "twitch" }
func (s *StreamSource) Targets() []string { return s.Usernames }

// Prepare resolves every login in one batched lookup. Logins that are not
// found keep their previous resolution, if any.
func (s *StreamSource) Prepare(ctx context.Context, targets []string) error {
	users := s.API.LookupUsers(ctx, targets)
	if len(users) == 0 && len(targets) > 0 {
		return fmt.Errorf("no users resolved for %d logins", len(targets))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]User, len(users))
	}
	for _, u := range users {
		s.users[strings.ToLower(u.Login)] = u
	}
	return nil
}

func (s *StreamSource) user(login string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[strings.ToLower(login)]
	return u, ok
}

func (s *StreamSource) Fetch(ctx context.Context, target string) ([]notify.Item, error) {
	u, ok := s.user(target)
	if !ok {
		return nil, fmt.Errorf("twitch user %q not resolved", target)
	}
	streams := s.API.Streams(ctx, []string{u.ID})
	items := make([]notify.Item, 0, len(streams))
	for _, st := range streams {
		if st.UserID != u.ID {
			continue
		}
		items = append(items, notify.Item{ID: st.ID, CreatedAt: st.StartedAt, Payload: s.payload(u, st)})
	}
	return items, nil
}

func (s *StreamSource) payload(u User, st Stream) notify.Payload {
	name := u.DisplayName
	if name == "" {
		name = u.Login
	}
	title, rest := notify.Truncate(st.Title, titleLimit)
	thumb := strings.NewReplacer("{width}", "1280", "{height}", "720").Replace(st.ThumbnailURL)
	p := notify.Payload{
		Content:     notify.FillTemplate(s.Message, name, u.Login),
		Title:       title,
		Description: rest,
		AuthorName:  name,
		AuthorURL:   "https://twitch.tv/" + u.Login,
		AuthorIcon:  u.ProfileImageURL,
		URL:         "https://twitch.tv/" + u.Login,
		Timestamp:   st.StartedAt,
		Color:       twitchColor,
		Image:       thumb,
	}
	if st.GameName != "" && p.Description == "" {
		p.Description = "Playing " + st.GameName
	}
	return p
}
