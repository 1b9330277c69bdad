// Package oauth owns the OAuth token lifecycle for one platform identity.
//
// A Manager hands out bearer tokens, transparently refreshes or re-acquires
// them when the platform answers 401, and publishes lifecycle events that
// dependent sessions (chat) subscribe to. All token mutation is serialized:
// concurrent callers that hit an in-flight acquisition or refresh wait for it
// and share its result.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/sprinkles/telemetry"
)

// Record is the persisted token pair. A zero Expiry means unknown.
type Record struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// CredentialStore persists the single token record of one identity.
type CredentialStore interface {
	// Load returns ok=false when nothing was stored yet.
	Load(ctx context.Context) (Record, bool, error)
	Save(ctx context.Context, rec Record) error
}

type Flow int

const (
	FlowClientCredentials Flow = iota
	FlowAuthorizationCode
)

type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	Refreshing
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	}
	return "unknown"
}

// RetryPolicy bounds WithAuthRetry. The zero value means DefaultRetryPolicy.
type RetryPolicy struct {
	MaxAuthRetries int
}

var DefaultRetryPolicy = RetryPolicy{MaxAuthRetries: 1}

type Config struct {
	Identity     string // label used in logs and metrics ("app", "user")
	Flow         Flow
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint // zero means the Twitch endpoint
	HTTPClient   *http.Client
	Retry        RetryPolicy
}

// Interactive starts an out-of-band browser grant for authURL. The redirect
// must carry state back; the code is handed to AuthorizeWithCode.
type Interactive func(ctx context.Context, authURL, state string) error

type Option func(*Manager)

func WithInteractive(fn Interactive) Option { return func(m *Manager) { m.interactive = fn } }
func WithLogger(l *slog.Logger) Option      { return func(m *Manager) { m.log = l } }

// Operation performs one platform call with token. WithAuthRetry inspects
// the returned status code for 401.
type Operation func(ctx context.Context, token string) (*http.Response, error)

type Manager struct {
	cfg         Config
	store       CredentialStore
	interactive Interactive
	log         *slog.Logger

	sf     singleflight.Group
	flight sync.Mutex // held for the duration of any network token grant

	mu           sync.RWMutex
	rec          Record
	state        State
	pendingState string

	events bus
}

const flightKey = "token"

func NewManager(cfg Config, store CredentialStore, opts ...Option) *Manager {
	if cfg.Endpoint == (oauth2.Endpoint{}) {
		cfg.Endpoint = twitch.Endpoint
	}
	if cfg.Endpoint.AuthStyle == oauth2.AuthStyleAutoDetect {
		cfg.Endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy
	}
	if cfg.Identity == "" {
		cfg.Identity = "default"
	}
	m := &Manager{cfg: cfg, store: store}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With(slog.String("component", "oauth"), slog.String("identity", cfg.Identity))
	return m
}

func (m *Manager) Identity() string { return m.cfg.Identity }

func (m *Manager) validate() error {
	var missing []string
	if strings.TrimSpace(m.cfg.ClientID) == "" {
		missing = append(missing, "client id")
	}
	if strings.TrimSpace(m.cfg.ClientSecret) == "" {
		missing = append(missing, "client secret")
	}
	if len(missing) > 0 {
		return &ConfigError{Identity: m.cfg.Identity, Missing: missing}
	}
	return nil
}

// Load restores the stored record, if any. Call once at startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	rec, ok, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if !ok {
		return nil
	}
	m.mu.Lock()
	m.rec = rec
	if rec.AccessToken != "" {
		m.state = Authenticated
	}
	m.mu.Unlock()
	m.log.Info("credentials loaded", slog.Bool("has_refresh_token", rec.RefreshToken != ""), slog.Time("expiry", rec.Expiry))
	return nil
}

// Token returns the current access token, acquiring or refreshing first when
// none is held. The authorization-code flow returns ErrAuthorizationPending
// until a human completes the grant.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if err := m.validate(); err != nil {
		return "", err
	}
	m.mu.RLock()
	tok := m.rec.AccessToken
	m.mu.RUnlock()
	if tok != "" {
		return tok, nil
	}
	v, err, _ := m.sf.Do(flightKey, func() (any, error) {
		m.flight.Lock()
		defer m.flight.Unlock()
		m.mu.RLock()
		rec := m.rec
		m.mu.RUnlock()
		if rec.AccessToken != "" {
			return rec.AccessToken, nil
		}
		if rec.RefreshToken != "" {
			return m.refresh(ctx, rec.RefreshToken)
		}
		return m.acquire(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// WithAuthRetry runs op with the current token. A 401 triggers one
// refresh-or-reacquire and a second attempt; further 401s beyond the retry
// policy return ErrAuthExhausted and drop the token so the next call starts
// over. A failed recovery is also reported as ErrAuthExhausted, wrapping the
// grant error, except ErrAuthorizationPending which is returned as is.
// The 401 response bodies are drained and closed here.
func (m *Manager) WithAuthRetry(ctx context.Context, op Operation) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		tok, err := m.Token(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := op(ctx, tok)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		if attempt >= m.cfg.Retry.MaxAuthRetries {
			m.invalidate(tok)
			telemetry.AuthRetriesExhausted(m.cfg.Identity)
			m.log.Warn("token rejected after retry", slog.Int("attempts", attempt+1))
			return nil, ErrAuthExhausted
		}
		m.log.Info("token rejected, recovering", slog.Int("attempt", attempt+1))
		if err := m.recoverToken(ctx, tok); err != nil {
			if errors.Is(err, ErrAuthorizationPending) {
				return nil, err
			}
			telemetry.AuthRetriesExhausted(m.cfg.Identity)
			m.log.Warn("token recovery failed", slog.Any("err", err))
			return nil, fmt.Errorf("%w: %w", ErrAuthExhausted, err)
		}
	}
}

// recoverToken replaces stale unless another caller already did.
func (m *Manager) recoverToken(ctx context.Context, stale string) error {
	_, err, _ := m.sf.Do(flightKey, func() (any, error) {
		m.flight.Lock()
		defer m.flight.Unlock()
		m.mu.Lock()
		if cur := m.rec.AccessToken; cur != "" && cur != stale {
			m.mu.Unlock()
			return cur, nil
		}
		m.rec.AccessToken = ""
		rt := m.rec.RefreshToken
		m.mu.Unlock()
		if rt != "" {
			return m.refresh(ctx, rt)
		}
		return m.acquire(ctx)
	})
	return err
}

// Refresh runs the refresh-token grant now. Without a refresh token it
// falls back to acquisition.
func (m *Manager) Refresh(ctx context.Context) error {
	if err := m.validate(); err != nil {
		return err
	}
	_, err, _ := m.sf.Do(flightKey, func() (any, error) {
		m.flight.Lock()
		defer m.flight.Unlock()
		m.mu.RLock()
		rt := m.rec.RefreshToken
		m.mu.RUnlock()
		if rt == "" {
			return m.acquire(ctx)
		}
		return m.refresh(ctx, rt)
	})
	return err
}

// AuthorizeWithCode completes the interactive grant, persists the token pair
// and publishes EventAuthorized.
func (m *Manager) AuthorizeWithCode(ctx context.Context, code string) error {
	if err := m.validate(); err != nil {
		return err
	}
	if m.cfg.Flow != FlowAuthorizationCode {
		return fmt.Errorf("oauth %s: authorization code grant not enabled", m.cfg.Identity)
	}
	if code == "" {
		return errors.New("authorization code is empty")
	}
	m.flight.Lock()
	defer m.flight.Unlock()

	m.setState(Authenticating)
	tok, err := m.oauthConfig().Exchange(m.httpCtx(ctx), code)
	if err != nil {
		m.settle()
		telemetry.TokenAcquired(m.cfg.Identity, "error")
		return fmt.Errorf("exchange authorization code: %w", err)
	}
	m.adopt(ctx, tok, "")
	m.mu.Lock()
	m.pendingState = ""
	m.mu.Unlock()
	telemetry.TokenAcquired(m.cfg.Identity, "ok")
	m.log.Info("authorization completed", slog.Time("expiry", tok.Expiry))
	m.publish(EventAuthorized)
	return nil
}

// Subscribe registers for lifecycle events. Call the returned func to stop.
func (m *Manager) Subscribe() (<-chan Event, func()) { return m.events.subscribe() }

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Expiry is the held token's expiry; zero when unknown.
func (m *Manager) Expiry() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec.Expiry
}

// PendingState returns the state parameter of an interactive grant that is
// still waiting for its callback.
func (m *Manager) PendingState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingState
}

type Snapshot struct {
	Identity             string    `json:"identity"`
	State                string    `json:"state"`
	HasAccessToken       bool      `json:"has_access_token"`
	HasRefreshToken      bool      `json:"has_refresh_token"`
	Expiry               time.Time `json:"expiry,omitempty"`
	AuthorizationPending bool      `json:"authorization_pending"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Identity:             m.cfg.Identity,
		State:                m.state.String(),
		HasAccessToken:       m.rec.AccessToken != "",
		HasRefreshToken:      m.rec.RefreshToken != "",
		Expiry:               m.rec.Expiry,
		AuthorizationPending: m.pendingState != "",
	}
}

// refresh must run under flight.
func (m *Manager) refresh(ctx context.Context, rt string) (string, error) {
	m.setState(Refreshing)
	src := m.oauthConfig().TokenSource(m.httpCtx(ctx), &oauth2.Token{RefreshToken: rt})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			telemetry.TokenRefreshed(m.cfg.Identity, "rejected")
			m.log.Warn("refresh token rejected, clearing credentials", slog.Int("status", re.Response.StatusCode))
			m.clear(ctx)
			return m.acquire(ctx)
		}
		m.settle()
		telemetry.TokenRefreshed(m.cfg.Identity, "error")
		return "", fmt.Errorf("refresh token: %w", err)
	}
	m.adopt(ctx, tok, rt)
	telemetry.TokenRefreshed(m.cfg.Identity, "ok")
	m.log.Info("token refreshed", slog.Time("expiry", tok.Expiry))
	m.publish(EventRefreshed)
	return tok.AccessToken, nil
}

// acquire must run under flight.
func (m *Manager) acquire(ctx context.Context) (string, error) {
	if m.cfg.Flow == FlowAuthorizationCode {
		return "", m.beginInteractive(ctx)
	}
	m.setState(Authenticating)
	cc := clientcredentials.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		TokenURL:     m.cfg.Endpoint.TokenURL,
		Scopes:       m.cfg.Scopes,
		AuthStyle:    m.cfg.Endpoint.AuthStyle,
	}
	tok, err := cc.Token(m.httpCtx(ctx))
	if err != nil {
		m.settle()
		telemetry.TokenAcquired(m.cfg.Identity, "error")
		return "", fmt.Errorf("client credentials grant: %w", err)
	}
	m.adopt(ctx, tok, "")
	telemetry.TokenAcquired(m.cfg.Identity, "ok")
	m.log.Info("app token acquired", slog.Time("expiry", tok.Expiry))
	m.publish(EventAcquired)
	return tok.AccessToken, nil
}

func (m *Manager) beginInteractive(ctx context.Context) error {
	m.mu.Lock()
	if m.pendingState != "" {
		m.mu.Unlock()
		return ErrAuthorizationPending
	}
	state := uuid.NewString()
	m.pendingState = state
	m.state = Authenticating
	m.mu.Unlock()

	authURL := m.oauthConfig().AuthCodeURL(state)
	m.log.Info("Log into Twitch API - " + authURL)
	if m.interactive != nil {
		if err := m.interactive(ctx, authURL, state); err != nil {
			m.log.Error("interactive authorization could not start", slog.Any("err", err))
			m.mu.Lock()
			m.pendingState = ""
			m.state = Unauthenticated
			m.mu.Unlock()
		}
	}
	return ErrAuthorizationPending
}

// adopt installs tok, keeping fallbackRT when the response omitted a refresh token.
func (m *Manager) adopt(ctx context.Context, tok *oauth2.Token, fallbackRT string) {
	rec := Record{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
	if rec.RefreshToken == "" {
		rec.RefreshToken = fallbackRT
	}
	m.mu.Lock()
	m.rec = rec
	m.state = Authenticated
	m.mu.Unlock()
	m.persist(ctx, rec)
}

func (m *Manager) clear(ctx context.Context) {
	m.mu.Lock()
	m.rec = Record{}
	m.state = Unauthenticated
	m.mu.Unlock()
	m.persist(ctx, Record{})
	m.publish(EventCleared)
}

// invalidate drops tok if it is still current.
func (m *Manager) invalidate(tok string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec.AccessToken == tok {
		m.rec.AccessToken = ""
		m.state = Unauthenticated
	}
}

// settle restores the state after a failed grant.
func (m *Manager) settle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec.AccessToken != "" {
		m.state = Authenticated
	} else {
		m.state = Unauthenticated
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) persist(ctx context.Context, rec Record) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, rec); err != nil {
		m.log.Warn("persist credentials failed", slog.Any("err", err))
	}
}

func (m *Manager) publish(kind EventKind) {
	if n := m.events.publish(Event{Identity: m.cfg.Identity, Kind: kind}); n > 0 {
		m.log.Debug("event dropped for slow subscribers", slog.String("event", kind.String()), slog.Int("dropped", n))
	}
}

func (m *Manager) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		Endpoint:     m.cfg.Endpoint,
		RedirectURL:  m.cfg.RedirectURL,
		Scopes:       m.cfg.Scopes,
	}
}

func (m *Manager) httpCtx(ctx context.Context) context.Context {
	if m.cfg.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, m.cfg.HTTPClient)
	}
	return ctx
}
