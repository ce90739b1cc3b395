// Command streamkit is the main entrypoint for the account registry, the
// chat gateway and the reward handlers.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the chat gateway (when a bot username is configured), joining
//     every linked channel, and the bot token refresher.
//   - Exposes the HTTP server with account linking, /healthz, /readyz and /metrics.
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
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/onnwee/streamkit/accounts"
	"github.com/onnwee/streamkit/chat"
	"github.com/onnwee/streamkit/config"
	"github.com/onnwee/streamkit/crypto"
	"github.com/onnwee/streamkit/db"
	"github.com/onnwee/streamkit/oauth"
	"github.com/onnwee/streamkit/rewards"
	"github.com/onnwee/streamkit/server"
	"github.com/onnwee/streamkit/telemetry"
	"github.com/onnwee/streamkit/twitchapi"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdown, err := telemetry.InitTracing("streamkit", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	if err := migrate(ctx, database); err != nil {
		slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err), slog.String("component", "db_migrate"))
		os.Exit(1)
	}

	a, err := newApp(cfg, database)
	if err != nil {
		slog.Error("startup failed", slog.Any("err", err))
		os.Exit(1)
	}
	done := a.start(ctx)

	startPprof()

	if err := server.Start(ctx, a.serverDeps(), cfg.HTTPAddr); err != nil {
		slog.Error("http server exited with error", slog.Any("err", err))
		stop()
	}

	<-ctx.Done()
	slog.Info("shutting down")
	<-done
}

// setupLogging configures level (LOG_LEVEL) and format (LOG_FORMAT).
// Defaults: level=info, format=text.
func setupLogging() {
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
	format := "text"
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		format = "json"
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// migrate applies versioned migrations, falling back to the embedded SQL
// for databases created before version tracking existed.
func migrate(ctx context.Context, database *sql.DB) error {
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			return err
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
		return nil
	}
	slog.Info("versioned migrations completed successfully", slog.String("component", "db_migrate"))
	return nil
}

// app holds the wired service.
type app struct {
	cfg      *config.Config
	db       *sql.DB
	tokens   *db.TokenStore
	registry *accounts.Registry
	ledger   *rewards.SQLLedger
	gateway  *chat.Gateway         // nil when chat is not configured
	oauthCfg *oauth2.Config        // nil when linking is not configured
	helix    *twitchapi.HelixClient
}

func newApp(cfg *config.Config, database *sql.DB) (*app, error) {
	enc, err := newKeyring(cfg)
	if err != nil {
		return nil, err
	}
	store := accounts.NewSQLStore(database, enc)
	a := &app{
		cfg:    cfg,
		db:     database,
		tokens: &db.TokenStore{DB: database, Enc: enc},
		ledger: rewards.NewSQLLedger(database),
		helix:  &twitchapi.HelixClient{ClientID: cfg.TwitchClientID, HTTPClient: &http.Client{Timeout: 10 * time.Second}},
	}
	if cfg.OAuthReady() {
		a.oauthCfg = twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes)
	} else {
		slog.Info("account linking disabled (need TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET, TWITCH_REDIRECT_URI)")
	}

	var joiner accounts.ChannelJoiner
	if err := cfg.ValidateChatReady(); err == nil {
		dialer := &chat.TwitchDialer{Username: cfg.TwitchBotUsername, Token: a.botToken}
		a.gateway = chat.NewGateway(dialer, store, cfg.ChatReconnectInterval)
		joiner = a.gateway
	} else {
		slog.Info("chat gateway disabled", slog.Any("reason", err))
	}

	a.registry = accounts.NewRegistry(store, crypto.NewToken, joiner)
	if a.gateway != nil {
		rewards.NewHandlers(a.registry, a.ledger).Register(a.gateway)
	}
	return a, nil
}

// newKeyring seals with ENCRYPTION_KEY and, during a rotation, still opens
// secrets sealed with OLD_ENCRYPTION_KEY.
func newKeyring(cfg *config.Config) (*crypto.Keyring, error) {
	current, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init encryptor: %w", err)
	}
	if cfg.OldEncryptionKey == "" {
		return crypto.NewKeyring(current), nil
	}
	old, err := crypto.NewAESEncryptor(cfg.OldEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init previous encryptor: %w", err)
	}
	slog.Info("previous encryption key loaded for reads; run rotate-key to finish the rotation")
	return crypto.NewKeyring(current, old), nil
}

// botToken prefers TWITCH_OAUTH_TOKEN and falls back to the stored bot token,
// so a refreshed token is used from the next reconnect on.
func (a *app) botToken(ctx context.Context) (string, error) {
	if a.cfg.TwitchOAuthToken != "" {
		return a.cfg.TwitchOAuthToken, nil
	}
	tok, err := a.tokens.Get(ctx, db.BotTokenProvider)
	if errors.Is(err, db.ErrNoToken) {
		return "", errors.New("no bot token: set TWITCH_OAUTH_TOKEN or link the bot account via /auth/twitch/start")
	}
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// refreshBotToken is the oauth.RefreshFunc for the bot credential.
func (a *app) refreshBotToken(ctx context.Context, refreshToken string) (db.OAuthToken, error) {
	tok, err := twitchapi.RefreshToken(ctx, a.oauthCfg, refreshToken)
	if err != nil {
		return db.OAuthToken{}, err
	}
	return db.OAuthToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       twitchapi.ComputeExpiry(tok),
		Scope:        twitchapi.Scope(tok),
	}, nil
}

// start launches the background workers. The returned channel closes once
// they have stopped after ctx is cancelled.
func (a *app) start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if a.oauthCfg != nil {
		oauth.StartRefresher(ctx, a.tokens, db.BotTokenProvider, 5*time.Minute, 15*time.Minute, a.refreshBotToken)
	}
	if a.gateway == nil {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		a.gateway.Run(ctx)
	}()
	return done
}

func (a *app) serverDeps() server.Deps {
	deps := server.Deps{
		DB:        a.db,
		Accounts:  a.registry,
		Rewards:   a.ledger,
		Users:     a.helix,
		OAuth:     a.oauthCfg,
		BotLogin:  a.cfg.TwitchBotUsername,
		BotTokens: a.tokens,
	}
	// a nil *chat.Gateway must not become a non-nil interface
	if a.gateway != nil {
		deps.Gateway = a.gateway
	}
	return deps
}

// startPprof enables profiling endpoints in debug mode (ENABLE_PPROF=1).
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
