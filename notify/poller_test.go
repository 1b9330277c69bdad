package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

type memSeen struct {
	mu  sync.Mutex
	ids map[string]map[string]bool
}

func (m *memSeen) Has(_ context.Context, key, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[key][id], nil
}

func (m *memSeen) Add(_ context.Context, key, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ids == nil {
		m.ids = map[string]map[string]bool{}
	}
	if m.ids[key] == nil {
		m.ids[key] = map[string]bool{}
	}
	m.ids[key][id] = true
	return nil
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []string // payload titles
	fail  map[string]bool
	calls int
}

func (r *recordingSender) Send(_ context.Context, p Payload, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail[p.Title] {
		return errors.New("destination unavailable")
	}
	r.sent = append(r.sent, p.Title)
	return nil
}

type fakeSource struct {
	name    string
	targets []string
	items   map[string][]Item
	errs    map[string]error
	panics  map[string]bool
	fetches atomic.Int32
}

func (f *fakeSource) Name() string      { return f.name }
func (f *fakeSource) Targets() []string { return f.targets }
func (f *fakeSource) Fetch(_ context.Context, target string) ([]Item, error) {
	f.fetches.Add(1)
	if f.panics[target] {
		panic("boom")
	}
	return f.items[target], f.errs[target]
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func item(id string, age time.Duration) Item {
	return Item{ID: id, CreatedAt: fixedNow.Add(-age), Payload: Payload{Title: id}}
}

func newPoller(src Source, seen SeenStore, sender Sender) *Poller {
	return &Poller{Source: src, Seen: seen, Sender: sender, Channels: []string{"c1"}, Now: func() time.Time { return fixedNow }}
}

func TestCycleFreshVersusStale(t *testing.T) {
	src := &fakeSource{name: "tiktok", targets: []string{"alice"}, items: map[string][]Item{
		"alice": {item("recent", time.Hour), item("old", 5*24*time.Hour)},
	}}
	seen := &memSeen{}
	sender := &recordingSender{}
	p := newPoller(src, seen, sender)

	events := p.Cycle(context.Background())
	if len(events) != 1 || events[0].ItemID != "recent" || events[0].SourceKey != "tiktok:alice" {
		t.Fatalf("events = %+v", events)
	}
	if has, _ := seen.Has(context.Background(), "tiktok:alice", "recent"); !has {
		t.Error("recent not recorded as seen")
	}
	if has, _ := seen.Has(context.Background(), "tiktok:alice", "old"); has {
		t.Error("stale item recorded as seen")
	}

	// Unchanged fetch result: nothing new.
	if events := p.Cycle(context.Background()); len(events) != 0 {
		t.Errorf("second cycle events = %+v", events)
	}
	if diff := cmp.Diff([]string{"recent"}, sender.sent); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestCycleIdempotentAgainstSeen(t *testing.T) {
	items := []Item{item("a", time.Minute), item("b", time.Minute), item("c", time.Minute)}
	src := &fakeSource{name: "yt", targets: []string{"chan"}, items: map[string][]Item{"chan": items}}
	seen := &memSeen{}
	for _, it := range items {
		_ = seen.Add(context.Background(), "yt:chan", it.ID)
	}
	sender := &recordingSender{}
	if events := newPoller(src, seen, sender).Cycle(context.Background()); len(events) != 0 {
		t.Errorf("events = %+v, want none", events)
	}
	if sender.calls != 0 {
		t.Errorf("sender called %d times", sender.calls)
	}
}

func TestCycleStaleNeverNotified(t *testing.T) {
	src := &fakeSource{name: "yt", targets: []string{"chan"}, items: map[string][]Item{
		"chan": {item("edge", 72*time.Hour+time.Second), item("ancient", 400*24*time.Hour)},
	}}
	sender := &recordingSender{}
	p := newPoller(src, &memSeen{}, sender)
	for i := 0; i < 2; i++ {
		if events := p.Cycle(context.Background()); len(events) != 0 {
			t.Fatalf("cycle %d events = %+v", i, events)
		}
	}
}

func TestCycleUnknownTimestampIsFresh(t *testing.T) {
	src := &fakeSource{name: "x", targets: []string{"t"}, items: map[string][]Item{
		"t": {{ID: "no-time", Payload: Payload{Title: "no-time"}}},
	}}
	if events := newPoller(src, &memSeen{}, &recordingSender{}).Cycle(context.Background()); len(events) != 1 {
		t.Errorf("events = %+v", events)
	}
}

func TestCyclePreservesSourceOrder(t *testing.T) {
	src := &fakeSource{name: "x", targets: []string{"t"}, items: map[string][]Item{
		"t": {item("3", 3*time.Minute), item("1", time.Minute), item("2", 2*time.Minute)},
	}}
	sender := &recordingSender{}
	newPoller(src, &memSeen{}, sender).Cycle(context.Background())
	if diff := cmp.Diff([]string{"3", "1", "2"}, sender.sent); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestCycleContainsFailures(t *testing.T) {
	src := &fakeSource{
		name:    "twitch",
		targets: []string{"broken", "panicky", "ok"},
		items: map[string][]Item{
			"ok": {item("bad-send", time.Minute), item("good", time.Minute)},
		},
		errs:   map[string]error{"broken": errors.New("503")},
		panics: map[string]bool{"panicky": true},
	}
	seen := &memSeen{}
	sender := &recordingSender{fail: map[string]bool{"bad-send": true}}
	p := newPoller(src, seen, sender)

	events := p.Cycle(context.Background())
	if len(events) != 1 || events[0].ItemID != "good" {
		t.Fatalf("events = %+v", events)
	}
	// Failed delivery is retried next cycle, not marked seen.
	if has, _ := seen.Has(context.Background(), "twitch:ok", "bad-send"); has {
		t.Error("undelivered item marked seen")
	}
	st := p.Status()
	if st.Failures != 2 || st.Notified != 1 || st.CycleCount != 1 {
		t.Errorf("status = %+v", st)
	}
	if n := src.fetches.Load(); n != 3 {
		t.Errorf("fetches = %d, want 3", n)
	}
}

func TestCycleMultipleChannels(t *testing.T) {
	src := &fakeSource{name: "x", targets: []string{"t"}, items: map[string][]Item{"t": {item("i", time.Minute)}}}
	sender := &recordingSender{}
	p := newPoller(src, &memSeen{}, sender)
	p.Channels = []string{"a", "b"}
	if events := p.Cycle(context.Background()); len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	if sender.calls != 2 {
		t.Errorf("sends = %d, want 2", sender.calls)
	}
}

type prepSource struct {
	fakeSource
	prepared [][]string
}

func (p *prepSource) Prepare(_ context.Context, targets []string) error {
	p.prepared = append(p.prepared, targets)
	return nil
}

func TestCycleCallsPrepare(t *testing.T) {
	src := &prepSource{fakeSource: fakeSource{name: "twitch", targets: []string{"a", "b"}}}
	newPoller(src, &memSeen{}, &recordingSender{}).Cycle(context.Background())
	if diff := cmp.Diff([][]string{{"a", "b"}}, src.prepared); diff != "" {
		t.Errorf("prepare calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	src := &fakeSource{name: "x", targets: []string{"t"}}
	p := newPoller(src, &memSeen{}, &recordingSender{})
	p.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if n := src.fetches.Load(); n < 2 {
		t.Errorf("fetches = %d, want repeated cycles", n)
	}
}

func TestFillTemplateAndTruncate(t *testing.T) {
	if got := FillTemplate("%displayName% (%username%) is live", "Alice", "alice"); got != "Alice (alice) is live" {
		t.Errorf("FillTemplate = %q", got)
	}
	long := make([]rune, 300)
	for i := range long {
		long[i] = 'x'
	}
	head, rest := Truncate(string(long), 253)
	if len([]rune(head)) != 256 || len([]rune(rest)) != 47 {
		t.Errorf("Truncate lens = %d/%d", len([]rune(head)), len([]rune(rest)))
	}
	if h, r := Truncate("short", 253); h != "short" || r != "" {
		t.Errorf("Truncate short = %q/%q", h, r)
	}
}

func TestDiscordWebhook(t *testing.T) {
	var attempts atomic.Int32
	var got webhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := &DiscordWebhook{DefaultURL: srv.URL, Username: "Sprinkles", RetryDelay: time.Millisecond}
	p := Payload{
		Content: "Alice is live!", Title: "Stream", URL: "https://twitch.tv/alice",
		AuthorName: "Alice", AuthorIcon: "https://img/alice.png", Color: 0x9146FF,
		Image: "https://img/thumb.jpg", Timestamp: fixedNow,
	}
	if err := d.Send(context.Background(), p, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
	want := webhookMessage{
		Username: "Sprinkles",
		Content:  "Alice is live!",
		Embeds: []webhookEmbed{{
			Title: "Stream", URL: "https://twitch.tv/alice", Color: 0x9146FF,
			Timestamp: "2026-03-01T12:00:00Z",
			Author:    &webhookAuthor{Name: "Alice", IconURL: "https://img/alice.png"},
			Image:     &webhookImage{URL: "https://img/thumb.jpg"},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}
}

func TestDiscordWebhookClientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := &DiscordWebhook{RetryDelay: time.Millisecond}
	if err := d.Send(context.Background(), Payload{Title: "x"}, srv.URL); err == nil {
		t.Fatal("expected error")
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
	if err := d.Send(context.Background(), Payload{}, ""); err == nil {
		t.Error("expected error without url")
	}
}
