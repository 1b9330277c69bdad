// Command sprinkles is the bot entrypoint.
// It:
//   - Loads configuration and initializes structured logging and telemetry.
//   - Keeps the Twitch app identity (client credentials) and, when chat is
//     enabled, the user identity (authorization code) authenticated.
//   - Starts one notification poller per configured platform (Twitch live
//     streams, YouTube uploads, TikTok videos) posting to Discord webhooks.
//   - Keeps the Twitch chat session connected and dispatches commands.
//   - Exposes /healthz, /readyz, /status, /metrics and /admin/poll over HTTP.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/sprinkles/chat"
	"github.com/onnwee/sprinkles/commands"
	"github.com/onnwee/sprinkles/config"
	"github.com/onnwee/sprinkles/crypto"
	"github.com/onnwee/sprinkles/db"
	"github.com/onnwee/sprinkles/notify"
	"github.com/onnwee/sprinkles/oauth"
	"github.com/onnwee/sprinkles/server"
	"github.com/onnwee/sprinkles/store"
	"github.com/onnwee/sprinkles/telemetry"
	"github.com/onnwee/sprinkles/tiktok"
	"github.com/onnwee/sprinkles/twitchapi"
	"github.com/onnwee/sprinkles/youtubeapi"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("sprinkles", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	shutdownTracing()
	if err != nil {
		slog.Error("exiting", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shut down cleanly")
}

// backends are the storage handles shared by the credential and dedup stores.
type backends struct {
	credentials func(identity string) oauth.CredentialStore
	seen        notify.SeenStore
	redis       *redis.Client
	closers     []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, sealer crypto.Sealer) (*backends, error) {
	b := &backends{}
	var (
		gcsBlob  *store.GCSBlob
		database *sql.DB
	)
	needGCS := cfg.StorageBackend == "gcs" || cfg.DedupBackend == "gcs"
	needPG := cfg.StorageBackend == "postgres" || cfg.DedupBackend == "postgres"
	needRedis := cfg.DedupBackend == "redis" || strings.EqualFold(os.Getenv("RATE_LIMIT_BACKEND"), "redis")

	if needGCS {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return b, fmt.Errorf("storage client: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		gcsBlob = &store.GCSBlob{Client: client, Bucket: cfg.GCSBucket}
	}
	if needPG {
		conn, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return b, err
		}
		b.closers = append(b.closers, func() {
			if err := conn.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		})
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, conn); err != nil {
			return b, err
		}
		database = conn
	}
	if needRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		b.closers = append(b.closers, func() { _ = client.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return b, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		b.redis = client
	}

	local := store.LocalBlob{Dir: cfg.DataDir}
	switch cfg.StorageBackend {
	case "postgres":
		b.credentials = func(identity string) oauth.CredentialStore {
			return &db.TokenStore{DB: database, Provider: db.Provider(identity), Sealer: sealer}
		}
	case "gcs":
		b.credentials = func(identity string) oauth.CredentialStore {
			return &store.CredentialFile{Blob: gcsBlob, Name: store.CredentialName(identity), Sealer: sealer}
		}
	default:
		b.credentials = func(identity string) oauth.CredentialStore {
			return &store.CredentialFile{Blob: local, Name: store.CredentialName(identity), Sealer: sealer}
		}
	}
	switch cfg.DedupBackend {
	case "postgres":
		b.seen = &db.SeenStore{DB: database}
	case "redis":
		b.seen = &store.SeenRedis{Client: b.redis}
	case "gcs":
		b.seen = &store.SeenFile{Blob: gcsBlob}
	default:
		b.seen = &store.SeenFile{Blob: local}
	}
	slog.Info("storage ready", slog.String("credentials", cfg.StorageBackend), slog.String("dedup", cfg.DedupBackend))
	return b, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateTwitch(); err != nil {
		return err
	}
	if cfg.ChatEnabled() {
		if err := cfg.ValidateChat(); err != nil {
			return err
		}
	}

	var sealer crypto.Sealer
	if cfg.EncryptionKey != "" {
		ring, err := crypto.NewKeyring(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		sealer = ring
	} else {
		slog.Warn("ENCRYPTION_KEY not set, credentials are stored in plaintext")
	}

	back, err := openBackends(ctx, cfg, sealer)
	defer back.close()
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	if telemetry.IsTracingEnabled() {
		httpClient.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}

	appMgr := oauth.NewManager(oauth.Config{
		Identity:     "app",
		Flow:         oauth.FlowClientCredentials,
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		HTTPClient:   httpClient,
	}, back.credentials("app"))
	if err := appMgr.Load(ctx); err != nil {
		slog.Warn("app credentials not restored", slog.Any("err", err))
	}
	identities := []server.Identity{appMgr}
	refreshers := []*oauth.Manager{appMgr}

	g, gctx := errgroup.WithContext(ctx)

	var session *chat.Session
	if cfg.ChatEnabled() {
		var userMgr *oauth.Manager
		userMgr = oauth.NewManager(oauth.Config{
			Identity:     "user",
			Flow:         oauth.FlowAuthorizationCode,
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			RedirectURL:  cfg.TwitchRedirectURI,
			Scopes:       cfg.TwitchScopes,
			HTTPClient:   httpClient,
		}, back.credentials("user"), oauth.WithInteractive(func(_ context.Context, _ string, state string) error {
			return startCallback(gctx, cfg, state, userMgr)
		}))
		if err := userMgr.Load(ctx); err != nil {
			slog.Warn("user credentials not restored", slog.Any("err", err))
		}
		identities = append(identities, userMgr)
		refreshers = append(refreshers, userMgr)

		userAPI := &twitchapi.Helix{Tokens: userMgr, ClientID: cfg.TwitchClientID, HTTPClient: httpClient}
		chatCfg := chat.Config{
			Nick:           cfg.TwitchBotUsername,
			Channels:       cfg.TwitchChatChannels,
			Prefix:         cfg.CommandPrefix,
			ReconnectDelay: cfg.ReconnectDelay,
		}
		if chatCfg.Nick == "" {
			chatCfg.NickFunc = func(ctx context.Context) (string, error) {
				u, err := userAPI.CurrentUser(ctx)
				if err != nil {
					return "", err
				}
				return u.Login, nil
			}
		}
		session = chat.NewSession(chatCfg, userMgr, commands.NewRegistry(time.Now))
	} else {
		slog.Info("chat session disabled (TWITCH_CHAT_CHANNELS not set)")
	}

	for _, m := range refreshers {
		done := oauth.StartRefresher(gctx, m, 5*time.Minute, cfg.TokenRefreshWindow)
		g.Go(func() error {
			<-done
			return nil
		})
	}

	pollers := buildPollers(ctx, cfg, appMgr, back.seen, httpClient)
	for _, p := range pollers {
		g.Go(func() error { return p.Run(gctx) })
	}
	if session != nil {
		g.Go(func() error { return session.Run(gctx) })
	}

	deps := server.Deps{Version: version, Identities: identities, Redis: back.redis}
	if session != nil {
		deps.Chat = session
	}
	for _, p := range pollers {
		deps.Pollers = append(deps.Pollers, p)
	}
	mux := server.NewMux(gctx, deps)
	g.Go(func() error { return server.Start(gctx, cfg.HTTPAddr, mux) })

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof(gctx)
	}

	return g.Wait()
}

// startCallback serves the authorization redirect until a grant completes or
// ctx ends.
func startCallback(ctx context.Context, cfg *config.Config, state string, receiver oauth.CodeReceiver) error {
	path := "/auth/callback"
	if u, err := url.Parse(cfg.TwitchRedirectURI); err == nil && u.Path != "" {
		path = u.Path
	}
	l := &oauth.CallbackListener{Addr: cfg.AuthCallbackAddr, Path: path, State: state, Receiver: receiver}
	if err := l.Start(); err != nil {
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Stop()
		case <-l.Done():
			if err := l.Err(); err != nil {
				slog.Warn("authorization callback listener stopped", slog.Any("err", err))
			}
		}
	}()
	return nil
}

func buildPollers(ctx context.Context, cfg *config.Config, app *oauth.Manager, seen notify.SeenStore, httpClient *http.Client) []*notify.Poller {
	sender := &notify.DiscordWebhook{HTTPClient: httpClient}
	newPoller := func(src notify.Source, channels []string, interval, maxAge time.Duration) *notify.Poller {
		return &notify.Poller{
			Source:   src,
			Seen:     seen,
			Sender:   sender,
			Channels: channels,
			Interval: interval,
			MaxAge:   maxAge,
		}
	}
	enabled := func(platform string, targets, channels []string) bool {
		if len(targets) == 0 {
			return false
		}
		if len(channels) == 0 {
			slog.Warn("no webhook configured, poller disabled", slog.String("source", platform))
			return false
		}
		return true
	}

	var pollers []*notify.Poller
	if enabled("twitch", cfg.TwitchNotifyUsernames, cfg.TwitchWebhookURLs) {
		api := &twitchapi.Helix{Tokens: app, ClientID: cfg.TwitchClientID, HTTPClient: httpClient}
		pollers = append(pollers, newPoller(&twitchapi.StreamSource{
			API:       api,
			Usernames: cfg.TwitchNotifyUsernames,
			Message:   cfg.TwitchUpdateMessage,
		}, cfg.TwitchWebhookURLs, cfg.TwitchNotifyInterval, cfg.NotifyMaxAge))
	}
	if enabled("youtube", cfg.YouTubeChannelIDs, cfg.YouTubeWebhookURLs) {
		svc, err := youtubeapi.NewService(ctx, cfg.YouTubeAPIKey)
		if err != nil {
			slog.Warn("youtube poller disabled", slog.Any("err", err))
		} else {
			pollers = append(pollers, newPoller(&youtubeapi.UploadSource{
				Service:    svc,
				ChannelIDs: cfg.YouTubeChannelIDs,
				Message:    cfg.YouTubeUpdateMessage,
			}, cfg.YouTubeWebhookURLs, cfg.YouTubeNotifyInterval, cfg.NotifyMaxAge))
		}
	}
	if enabled("tiktok", cfg.TikTokUsernames, cfg.TikTokWebhookURLs) {
		pollers = append(pollers, newPoller(&tiktok.ProfileSource{
			Usernames:  cfg.TikTokUsernames,
			Message:    cfg.TikTokUpdateMessage,
			HTTPClient: httpClient,
		}, cfg.TikTokWebhookURLs, cfg.TikTokNotifyInterval, tiktok.MaxAge))
	}
	for _, p := range pollers {
		slog.Info("poller configured", slog.String("source", p.Name()), slog.Int("targets", len(p.Source.Targets())))
	}
	return pollers
}

func startPprof(ctx context.Context) {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil, // default mux exposes /debug/pprof
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
