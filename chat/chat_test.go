package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/onnwee/sprinkles/commands"
	"github.com/onnwee/sprinkles/oauth"
)

type fakeClient struct {
	nick, password string

	mu        sync.Mutex
	onConnect func()
	onMessage func(twitch.PrivateMessage)
	joined    []string
	said      []string
	active    bool
	closed    bool
	done      chan error
}

func (f *fakeClient) OnConnect(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = cb
}

func (f *fakeClient) OnPrivateMessage(cb func(twitch.PrivateMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = cb
}

func (f *fakeClient) Join(channels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, channels...)
}

func (f *fakeClient) Depart(string) {}

func (f *fakeClient) Say(channel, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, channel+": "+text)
}

// Connect blocks until the test ends the connection.
func (f *fakeClient) Connect() error { return <-f.done }

// Disconnect refuses to close a client that has not finished logging in,
// like *twitch.Client.
func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	if !f.active {
		f.mu.Unlock()
		return twitch.ErrConnectionIsNotOpen
	}
	f.closed = true
	f.mu.Unlock()
	select {
	case f.done <- twitch.ErrClientDisconnected:
	default:
	}
	return nil
}

func (f *fakeClient) connected() {
	f.mu.Lock()
	f.active = true
	cb := f.onConnect
	f.mu.Unlock()
	cb()
}

func (f *fakeClient) message(user, text string) {
	f.mu.Lock()
	cb := f.onMessage
	f.mu.Unlock()
	cb(twitch.PrivateMessage{Channel: "chan", Message: text, User: twitch.User{Name: user}})
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeClient) saidLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.said...)
}

type fakeTokens struct {
	mu        sync.Mutex
	token     string
	err       error
	refreshes int
	events    chan oauth.Event
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, f.err
}

func (f *fakeTokens) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.token += "+"
	return nil
}

func (f *fakeTokens) Subscribe() (<-chan oauth.Event, func()) { return f.events, func() {} }

type scheduled struct {
	delay time.Duration
	run   func()
}

type harness struct {
	session   *Session
	tokens    *fakeTokens
	clients   chan *fakeClient
	schedules chan scheduled
	disc      chan error
}

type recordingHandler struct{ disc chan error }

func (recordingHandler) OnConnect()                 {}
func (recordingHandler) OnMessage(Message)          {}
func (h recordingHandler) OnDisconnect(cause error) { h.disc <- cause }

func newHarness(t *testing.T, d Dispatcher) *harness {
	t.Helper()
	h := &harness{
		tokens:    &fakeTokens{token: "tok", events: make(chan oauth.Event, 1)},
		clients:   make(chan *fakeClient, 4),
		schedules: make(chan scheduled, 4),
		disc:      make(chan error, 4),
	}
	if d == nil {
		d = commands.NewRegistry(nil)
	}
	h.session = NewSession(Config{Nick: "SprinklesBot", Channels: []string{"chan"}},
		h.tokens, d,
		WithClientFactory(func(nick, password string) Client {
			c := &fakeClient{nick: nick, password: password, done: make(chan error, 1)}
			h.clients <- c
			return c
		}),
		WithScheduler(func(d time.Duration, f func()) func() bool {
			h.schedules <- scheduled{delay: d, run: f}
			return func() bool { return true }
		}),
		WithHandler(recordingHandler{disc: h.disc}),
	)
	return h
}

func (h *harness) nextClient(t *testing.T) *fakeClient {
	t.Helper()
	select {
	case c := <-h.clients:
		return c
	case <-time.After(time.Second):
		t.Fatal("no client created")
	}
	return nil
}

func (h *harness) nextDisconnect(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.disc:
		return err
	case <-time.After(time.Second):
		t.Fatal("no disconnect observed")
	}
	return nil
}

func (h *harness) noSchedule(t *testing.T) {
	t.Helper()
	select {
	case s := <-h.schedules:
		t.Fatalf("unexpected reconnect scheduled after %v", s.delay)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectJoinsChannels(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c := h.nextClient(t)
	if c.nick != "sprinklesbot" || c.password != "oauth:tok" {
		t.Errorf("client = %q/%q", c.nick, c.password)
	}
	c.connected()
	if h.session.State() != Connected {
		t.Errorf("state = %v", h.session.State())
	}
	if diff := cmp.Diff([]string{"chan"}, h.session.Snapshot().Channels); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
	h.session.Disconnect("test done")
	if err := h.nextDisconnect(t); err != nil {
		t.Errorf("disconnect cause = %v, want nil", err)
	}
}

func TestDisconnectWithCauseSchedulesOneReconnect(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.session.Connect(context.Background())
	c := h.nextClient(t)
	c.connected()

	cause := errors.New("connection reset by peer")
	c.done <- cause
	if err := h.nextDisconnect(t); !errors.Is(err, cause) {
		t.Fatalf("disconnect cause = %v", err)
	}
	var s scheduled
	select {
	case s = <-h.schedules:
	case <-time.After(time.Second):
		t.Fatal("no reconnect scheduled")
	}
	if s.delay != DefaultReconnectDelay {
		t.Errorf("delay = %v, want %v", s.delay, DefaultReconnectDelay)
	}
	h.noSchedule(t)
	if h.session.State() != Reconnecting {
		t.Errorf("state = %v", h.session.State())
	}

	s.run()
	c2 := h.nextClient(t)
	c2.connected()
	if h.session.State() != Connected {
		t.Errorf("state after reconnect = %v", h.session.State())
	}
	if got := h.session.Snapshot().Reconnects; got != 1 {
		t.Errorf("reconnects = %d", got)
	}
	h.session.Disconnect("test done")
}

func TestCleanDisconnectDoesNotReconnect(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.session.Connect(context.Background())
	c := h.nextClient(t)
	c.connected()

	c.done <- twitch.ErrClientDisconnected
	if err := h.nextDisconnect(t); err != nil {
		t.Fatalf("disconnect cause = %v, want nil", err)
	}
	h.noSchedule(t)
	if h.session.State() != Disconnected {
		t.Errorf("state = %v", h.session.State())
	}
}

func TestLoginFailureRefreshesBeforeReconnect(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.session.Connect(context.Background())
	c := h.nextClient(t)

	c.done <- twitch.ErrLoginAuthenticationFailed
	h.nextDisconnect(t)
	s := <-h.schedules
	s.run()
	c2 := h.nextClient(t)
	if h.tokens.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", h.tokens.refreshes)
	}
	if c2.password != "oauth:tok+" {
		t.Errorf("password = %q", c2.password)
	}
	c2.connected()
	h.session.Disconnect("test done")
}

func TestConnectTearsDownPrevious(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.session.Connect(context.Background())
	c1 := h.nextClient(t)
	c1.connected()
	_ = h.session.Connect(context.Background())
	c2 := h.nextClient(t)

	if !c1.isClosed() {
		t.Error("previous client not disconnected")
	}
	// The old client's end does not trigger handlers or reconnects.
	h.noSchedule(t)
	select {
	case err := <-h.disc:
		t.Errorf("unexpected disconnect event %v", err)
	default:
	}
	c2.connected()
	if h.session.State() != Connected {
		t.Errorf("state = %v", h.session.State())
	}
	h.session.Disconnect("test done")
}

func TestConnectClosesPreviousStillLoggingIn(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.session.Connect(context.Background())
	c1 := h.nextClient(t)
	_ = h.session.Connect(context.Background())
	c2 := h.nextClient(t)

	if c1.isClosed() {
		t.Fatal("client closed before login completed")
	}
	// The old login completes after it was replaced.
	c1.connected()
	if !c1.isClosed() {
		t.Error("superseded client left connected")
	}
	if h.session.State() != Connecting {
		t.Errorf("state = %v, want connecting", h.session.State())
	}
	c2.connected()
	if h.session.State() != Connected {
		t.Errorf("state = %v", h.session.State())
	}
	h.session.Disconnect("test done")
}

func TestDisconnectWhileConnectingClosesLateLogin(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.session.Connect(context.Background())
	c := h.nextClient(t)

	h.session.Disconnect("Shutting down")
	if err := h.nextDisconnect(t); err != nil {
		t.Errorf("disconnect cause = %v, want nil", err)
	}
	c.connected()
	if !c.isClosed() {
		t.Error("client finished logging in after shutdown and stayed connected")
	}
	if h.session.State() != Disconnected {
		t.Errorf("state = %v", h.session.State())
	}
	h.noSchedule(t)
}

type dispatchFunc func(ctx context.Context, line string, inv commands.Invocation) error

func (f dispatchFunc) Dispatch(ctx context.Context, line string, inv commands.Invocation) error {
	return f(ctx, line, inv)
}

func TestCommandDispatch(t *testing.T) {
	var lines []string
	d := dispatchFunc(func(_ context.Context, line string, inv commands.Invocation) error {
		lines = append(lines, inv.User+":"+line)
		switch line {
		case "fail":
			return errors.New("kaboom")
		case "panic":
			panic("bad command")
		}
		inv.Reply("ok")
		return nil
	})
	h := newHarness(t, d)
	_ = h.session.Connect(context.Background())
	c := h.nextClient(t)
	c.connected()

	c.message("bob", "hello there")
	c.message("bob", "!hi")
	c.message("amy", "!fail")
	c.message("amy", "!panic")

	if diff := cmp.Diff([]string{"bob:hi", "amy:fail", "amy:panic"}, lines); diff != "" {
		t.Errorf("dispatched mismatch (-want +got):\n%s", diff)
	}
	want := []string{
		"chan: ok",
		"chan: Failed to run command! Error: kaboom",
		"chan: Failed to run command! Error: bad command",
	}
	if diff := cmp.Diff(want, c.saidLines()); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
	if h.session.State() != Connected {
		t.Errorf("state = %v after failing commands", h.session.State())
	}
	h.session.Disconnect("test done")
}

func TestRunWaitsForAuthorization(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, nil)
	h.tokens.err = oauth.ErrAuthorizationPending

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.session.Run(ctx) }()

	select {
	case <-h.clients:
		t.Fatal("connected without a token")
	case <-time.After(50 * time.Millisecond):
	}
	h.noSchedule(t)

	h.tokens.mu.Lock()
	h.tokens.err = nil
	h.tokens.mu.Unlock()
	h.tokens.events <- oauth.Event{Identity: "user", Kind: oauth.EventAuthorized}
	c := h.nextClient(t)
	c.connected()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if h.session.State() != Disconnected {
		t.Errorf("state = %v", h.session.State())
	}
	if !c.isClosed() {
		t.Error("client not closed on shutdown")
	}
}

func TestRunRejectsMissingNick(t *testing.T) {
	h := newHarness(t, nil)
	h.session.cfg.Nick = ""
	if err := h.session.Run(context.Background()); !errors.Is(err, oauth.ErrConfiguration) {
		t.Errorf("Run = %v, want ErrConfiguration", err)
	}
}
