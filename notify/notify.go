// Package notify runs the notification pollers: each one repeatedly fetches
// items from a platform source, drops stale and already-notified items, and
// hands the rest to a Sender exactly once per item id.
package notify

import (
	"context"
	"strings"
	"time"
)

// Payload holds the logical fields of a notification; rendering is up to the Sender.
type Payload struct {
	Content     string
	Title       string
	Description string
	AuthorName  string
	AuthorURL   string
	AuthorIcon  string
	URL         string
	Timestamp   time.Time
	Color       int
	Image       string
}

// Item is one fetched entry. A zero CreatedAt means the age is unknown.
type Item struct {
	ID        string
	CreatedAt time.Time
	Payload   Payload
}

type Event struct {
	SourceKey string
	ItemID    string
	ItemTime  time.Time
	Payload   Payload
}

// Source lists items for each configured target (username, channel id).
type Source interface {
	Name() string
	Targets() []string
	Fetch(ctx context.Context, target string) ([]Item, error)
}

// Preparer is implemented by sources that resolve all targets once per cycle
// before the per-target fetches (e.g. batched login to id lookups).
type Preparer interface {
	Prepare(ctx context.Context, targets []string) error
}

// SeenStore is the per-source set of notified item ids.
type SeenStore interface {
	Has(ctx context.Context, key, id string) (bool, error)
	Add(ctx context.Context, key, id string) error
}

// Sender delivers a payload to one destination channel.
type Sender interface {
	Send(ctx context.Context, p Payload, channel string) error
}

// SourceKey names the seen set of target within source.
func SourceKey(source, target string) string { return source + ":" + target }

// FillTemplate substitutes %displayName% and %username% in an update message.
func FillTemplate(tmpl, displayName, username string) string {
	return strings.NewReplacer("%displayName%", displayName, "%username%", username).Replace(tmpl)
}

// Truncate cuts s to max runes, appending "..." and returning the cut remainder.
func Truncate(s string, max int) (head, rest string) {
	r := []rune(s)
	if len(r) <= max {
		return s, ""
	}
	return string(r[:max]) + "...", string(r[max:])
}
