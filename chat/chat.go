package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/sprinkles/commands"
	"github.com/onnwee/sprinkles/oauth"
	"github.com/onnwee/sprinkles/telemetry"
)

const (
	DefaultAddr           = "irc.chat.twitch.tv:6697"
	DefaultPrefix         = "!"
	DefaultReconnectDelay = 5 * time.Second
)

// Message is an inbound channel line.
type Message struct {
	Channel     string
	User        string
	DisplayName string
	Text        string
	Time        time.Time
}

// Handler receives session events. Callbacks run on the client's reader
// goroutine and must not block for long.
type Handler interface {
	OnConnect()
	OnMessage(Message)
	OnDisconnect(cause error)
}

// Client is the subset of *twitch.Client the session drives.
type Client interface {
	OnConnect(func())
	OnPrivateMessage(func(twitch.PrivateMessage))
	Join(channels ...string)
	Depart(channel string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

// ClientFactory creates an unconnected client for nick authenticating with password.
type ClientFactory func(nick, password string) Client

// Scheduler runs f after d and returns a function cancelling it.
type Scheduler func(d time.Duration, f func()) (cancel func() bool)

// Tokens is the part of the token manager the session uses.
type Tokens interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
	Subscribe() (<-chan oauth.Event, func())
}

type Dispatcher interface {
	Dispatch(ctx context.Context, line string, inv commands.Invocation) error
}

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

type Config struct {
	// Nick is used when NickFunc is nil.
	Nick string
	// NickFunc resolves the login of the token's user on every connect.
	NickFunc       func(ctx context.Context) (string, error)
	Channels       []string
	Prefix         string
	ReconnectDelay time.Duration
	Addr           string
}

type Option func(*Session)

func WithHandler(h Handler) Option             { return func(s *Session) { s.handlers = append(s.handlers, h) } }
func WithClientFactory(f ClientFactory) Option { return func(s *Session) { s.newClient = f } }
func WithScheduler(f Scheduler) Option         { return func(s *Session) { s.schedule = f } }
func WithLogger(l *slog.Logger) Option         { return func(s *Session) { s.log = l } }

type Session struct {
	cfg       Config
	tokens    Tokens
	commands  Dispatcher
	handlers  []Handler
	newClient ClientFactory
	schedule  Scheduler
	log       *slog.Logger

	mu          sync.Mutex
	base        context.Context
	state       State
	client      Client
	gen         uint64
	nick        string
	joined      []string
	cancelRetry func() bool
	connectedAt time.Time
	reconnects  int
	lastErr     string
}

func NewSession(cfg Config, tokens Tokens, dispatcher Dispatcher, opts ...Option) *Session {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Session{cfg: cfg, tokens: tokens, commands: dispatcher, base: context.Background()}
	for _, o := range opts {
		o(s)
	}
	if s.newClient == nil {
		addr := cfg.Addr
		s.newClient = func(nick, password string) Client {
			c := twitch.NewClient(nick, password)
			c.IrcAddress = addr
			return c
		}
	}
	if s.schedule == nil {
		s.schedule = func(d time.Duration, f func()) func() bool { return time.AfterFunc(d, f).Stop }
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With(slog.String("component", "chat"))
	return s
}

// Run connects and keeps the session up until ctx is done, then closes the
// connection. An authorization grant completed elsewhere reconnects the
// session under the new identity.
func (s *Session) Run(ctx context.Context) error {
	events, unsubscribe := s.tokens.Subscribe()
	defer unsubscribe()
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	if err := s.Connect(ctx); err != nil {
		if errors.Is(err, oauth.ErrConfiguration) {
			return err
		}
		s.handleConnectError(err)
	}
	for {
		select {
		case <-ctx.Done():
			s.Disconnect("Shutting down")
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Kind != oauth.EventAuthorized {
				continue
			}
			s.log.Info("authorization completed, reconnecting chat")
			if err := s.Connect(ctx); err != nil {
				s.handleConnectError(err)
			}
		}
	}
}

// Connect replaces any current connection with a new one for the current
// token and nick, joined to the configured channels.
func (s *Session) Connect(ctx context.Context) error {
	tok, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("chat token: %w", err)
	}
	nick := s.cfg.Nick
	if s.cfg.NickFunc != nil {
		if nick, err = s.cfg.NickFunc(ctx); err != nil {
			return fmt.Errorf("resolve chat nick: %w", err)
		}
	}
	if nick == "" {
		return fmt.Errorf("chat nick is empty: %w", oauth.ErrConfiguration)
	}

	s.mu.Lock()
	old := s.teardownLocked()
	s.gen++
	gen := s.gen
	c := s.newClient(strings.ToLower(nick), "oauth:"+tok)
	s.client = c
	s.nick = nick
	s.state = Connecting
	s.mu.Unlock()

	if old != nil {
		s.log.Info("closing previous chat connection", slog.String("reason", "Reconnecting under different user"))
		s.closeClient(old)
	}

	c.OnConnect(func() { s.onConnect(gen, c) })
	c.OnPrivateMessage(func(m twitch.PrivateMessage) { s.onMessage(gen, c, m) })
	c.Join(s.cfg.Channels...)

	s.log.Info("connecting to Twitch IRC", slog.String("nick", nick), slog.String("addr", s.cfg.Addr))
	go func() {
		s.onDisconnect(gen, c.Connect())
	}()
	return nil
}

// Disconnect closes the connection without reconnecting.
func (s *Session) Disconnect(reason string) {
	s.mu.Lock()
	c := s.teardownLocked()
	s.gen++
	wasUp := c != nil
	s.state = Disconnected
	s.mu.Unlock()
	if !wasUp {
		return
	}
	s.log.Info("closing chat connection", slog.String("reason", reason))
	s.closeClient(c)
	telemetry.SetChatConnected(false)
	for _, h := range s.handlers {
		h.OnDisconnect(nil)
	}
}

// teardownLocked detaches the current client and pending reconnect.
func (s *Session) teardownLocked() Client {
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
	c := s.client
	s.client = nil
	s.joined = nil
	return c
}

// closeClient disconnects c. A client still logging in refuses to close;
// onConnect closes it once the login completes.
func (s *Session) closeClient(c Client) {
	if err := c.Disconnect(); err != nil && !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
		s.log.Warn("failed to close chat connection", slog.Any("err", err))
	}
}

func (s *Session) onConnect(gen uint64, c Client) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.log.Info("closing superseded chat connection")
		s.closeClient(c)
		return
	}
	s.state = Connected
	s.connectedAt = time.Now()
	s.joined = append([]string(nil), s.cfg.Channels...)
	s.mu.Unlock()

	telemetry.SetChatConnected(true)
	s.log.Info("established connection with Twitch IRC", slog.String("channels", strings.Join(s.cfg.Channels, ", ")))
	for _, h := range s.handlers {
		h.OnConnect()
	}
}

func (s *Session) onDisconnect(gen uint64, err error) {
	cause := err
	if errors.Is(err, twitch.ErrClientDisconnected) {
		cause = nil
	}
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.client = nil
	s.joined = nil
	if cause == nil {
		s.state = Disconnected
		s.mu.Unlock()
		telemetry.SetChatConnected(false)
		s.log.Info("chat stopped without error, not reconnecting")
		for _, h := range s.handlers {
			h.OnDisconnect(nil)
		}
		return
	}
	s.lastErr = cause.Error()
	s.mu.Unlock()

	telemetry.SetChatConnected(false)
	for _, h := range s.handlers {
		h.OnDisconnect(cause)
	}
	s.scheduleReconnect(gen, cause)
}

// scheduleReconnect arranges exactly one reconnect attempt after the delay
// unless the session moved on since generation gen.
func (s *Session) scheduleReconnect(gen uint64, cause error) {
	refresh := errors.Is(cause, twitch.ErrLoginAuthenticationFailed)
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.state = Reconnecting
	s.reconnects++
	attempt := s.reconnects
	telemetry.ChatReconnectScheduled()
	s.log.Warn("disconnected, attempting to reconnect",
		slog.Any("err", cause), slog.Int("attempt", attempt), slog.Duration("delay", s.cfg.ReconnectDelay), slog.Bool("refresh_token", refresh))
	s.cancelRetry = s.schedule(s.cfg.ReconnectDelay, func() { s.reconnect(gen, refresh) })
}

func (s *Session) reconnect(gen uint64, refresh bool) {
	s.mu.Lock()
	if gen != s.gen || s.state != Reconnecting {
		s.mu.Unlock()
		return
	}
	s.cancelRetry = nil
	ctx := s.base
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if refresh {
		if err := s.tokens.Refresh(ctx); err != nil {
			s.log.Warn("token refresh before reconnect failed", slog.Any("err", err))
		}
	}
	if err := s.Connect(ctx); err != nil {
		s.handleConnectError(err)
	}
}

// handleConnectError waits for the authorization event when a human grant
// is pending and retries later for anything else.
func (s *Session) handleConnectError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	gen := s.gen
	s.mu.Unlock()
	switch {
	case errors.Is(err, oauth.ErrAuthorizationPending):
		s.mu.Lock()
		s.state = Disconnected
		s.mu.Unlock()
		s.log.Info("chat waiting for authorization")
	case errors.Is(err, oauth.ErrConfiguration):
		s.mu.Lock()
		s.state = Disconnected
		s.mu.Unlock()
		s.log.Error("chat cannot start", slog.Any("err", err))
	default:
		s.scheduleReconnect(gen, err)
	}
}

func (s *Session) onMessage(gen uint64, c Client, m twitch.PrivateMessage) {
	s.mu.Lock()
	stale := gen != s.gen
	ctx := s.base
	s.mu.Unlock()
	if stale {
		return
	}
	msg := Message{Channel: m.Channel, User: m.User.Name, DisplayName: m.User.DisplayName, Text: m.Message, Time: m.Time}
	for _, h := range s.handlers {
		h.OnMessage(msg)
	}
	if !strings.HasPrefix(msg.Text, s.cfg.Prefix) {
		return
	}
	line := strings.TrimPrefix(msg.Text, s.cfg.Prefix)
	inv := commands.Invocation{
		User:        msg.User,
		DisplayName: msg.DisplayName,
		Channel:     msg.Channel,
		Reply:       func(text string) { c.Say(msg.Channel, text) },
	}
	if err := s.dispatch(ctx, line, inv); err != nil {
		telemetry.ChatCommand("error")
		s.log.Error("failed to run command", slog.String("command", line), slog.String("user", msg.User), slog.Any("err", err))
		c.Say(msg.Channel, "Failed to run command! Error: "+err.Error())
		return
	}
	telemetry.ChatCommand("ok")
}

func (s *Session) dispatch(ctx context.Context, line string, inv commands.Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return s.commands.Dispatch(ctx, line, inv)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

type Snapshot struct {
	State       string    `json:"state"`
	Nick        string    `json:"nick,omitempty"`
	Channels    []string  `json:"channels"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	Reconnects  int       `json:"reconnects"`
	LastError   string    `json:"last_error,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:      s.state.String(),
		Nick:       s.nick,
		Channels:   append([]string{}, s.joined...),
		Reconnects: s.reconnects,
		LastError:  s.lastErr,
	}
	if s.state == Connected {
		snap.ConnectedAt = s.connectedAt
	}
	return snap
}
