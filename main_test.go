package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/onnwee/streamkit/config"
	"github.com/onnwee/streamkit/crypto"
	"github.com/onnwee/streamkit/db"
	"github.com/onnwee/streamkit/oauth"
	"github.com/onnwee/streamkit/server"
	"github.com/onnwee/streamkit/testutil"
)

func testConfig() *config.Config {
	return &config.Config{
		EncryptionKey:         testutil.EncryptionKey,
		ChatReconnectInterval: time.Hour,
		TwitchScopes:          "user:read:email chat:read",
	}
}

func TestNewAppWithoutChatOrOAuth(t *testing.T) {
	a, err := newApp(testConfig(), nil)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	if a.gateway != nil || a.oauthCfg != nil {
		t.Fatalf("gateway = %v, oauth = %v, want both disabled", a.gateway, a.oauthCfg)
	}
	deps := a.serverDeps()
	if deps.Gateway != nil {
		t.Errorf("Deps.Gateway = %#v, want nil interface", deps.Gateway)
	}
	if deps.OAuth != nil {
		t.Errorf("Deps.OAuth = %v, want nil", deps.OAuth)
	}

	// start must not block when nothing runs in the background
	select {
	case <-a.start(context.Background()):
	case <-time.After(time.Second):
		t.Fatal("start() done channel not closed")
	}
}

func TestNewAppRejectsBadKey(t *testing.T) {
	cfg := testConfig()
	cfg.EncryptionKey = "not-base64!"
	if _, err := newApp(cfg, nil); err == nil {
		t.Fatal("newApp() with invalid key succeeded")
	}
}

func TestBotTokenPrefersEnvironment(t *testing.T) {
	cfg := testConfig()
	cfg.TwitchBotUsername = "streamkitbot"
	cfg.TwitchOAuthToken = "oauth:from-env"
	a, err := newApp(cfg, nil)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	if a.gateway == nil {
		t.Fatal("gateway not created with TWITCH_BOT_USERNAME set")
	}
	got, err := a.botToken(context.Background())
	if err != nil || got != "oauth:from-env" {
		t.Errorf("botToken() = (%q, %v), want oauth:from-env", got, err)
	}
}

// TestLinkFlowPostgres drives the HTTP linking flow against a real database
// and a fake Twitch, then checks the stored bot token is served to chat and
// refreshed.
func TestLinkFlowPostgres(t *testing.T) {
	database := testutil.SetupTestDB(t)
	t.Setenv("RATE_LIMIT_ENABLED", "0")

	twitch := testutil.NewMockTwitchServer(t)
	twitch.MockOAuthTokenResponse("access-1", "refresh-1", 60)
	twitch.MockUserResponse("1001", "StreamkitBot")

	cfg := testConfig()
	cfg.TwitchBotUsername = "streamkitbot"
	cfg.TwitchClientID = "client"
	cfg.TwitchClientSecret = "secret"
	cfg.TwitchRedirectURI = "http://localhost/auth/twitch/callback"
	a, err := newApp(cfg, database)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	a.oauthCfg.Endpoint.TokenURL = twitch.TokenURL()
	a.helix.BaseURL = twitch.HelixURL()

	ctx := context.Background()
	mux := server.NewMux(ctx, a.serverDeps())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/start", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("start status = %d", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	state := loc.Query().Get("state")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=abc&state="+url.QueryEscape(state), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d body = %s", rec.Code, rec.Body.String())
	}
	var linked struct {
		AccountID      string `json:"account_id"`
		PlatformHandle string `json:"platform_handle"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &linked); err != nil {
		t.Fatalf("decode callback body: %v", err)
	}
	if linked.PlatformHandle != "streamkitbot" || linked.AccountID == "" {
		t.Fatalf("linked = %+v", linked)
	}

	acc, err := a.registry.GetByPlatformHandle(ctx, "streamkitbot")
	if err != nil || acc.AccountID != linked.AccountID {
		t.Fatalf("GetByPlatformHandle() = (%v, %v)", acc, err)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/"+linked.AccountID+"/rewards", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("rewards status = %d", rec.Code)
	}

	// the bot linked itself, so its token now backs the chat connection
	tok, err := a.botToken(ctx)
	if err != nil || tok != "access-1" {
		t.Fatalf("botToken() = (%q, %v), want access-1", tok, err)
	}

	twitch.MockOAuthTokenResponse("access-2", "refresh-2", 3600)
	refreshed, err := oauth.RefreshIfDue(ctx, a.tokens, db.BotTokenProvider, 15*time.Minute, a.refreshBotToken)
	if err != nil || !refreshed {
		t.Fatalf("RefreshIfDue() = (%v, %v), want refreshed", refreshed, err)
	}
	if tok, _ := a.botToken(ctx); tok != "access-2" {
		t.Errorf("botToken() after refresh = %q, want access-2", tok)
	}
}

func TestNewKeyringReadsPreviousKey(t *testing.T) {
	old := testutil.Encryptor(t)
	sealed, err := crypto.EncryptString(old, "bearer-old")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}

	cfg := testConfig()
	cfg.EncryptionKey = base64.StdEncoding.EncodeToString([]byte("fedcba9876543210fedcba9876543210"))
	cfg.OldEncryptionKey = testutil.EncryptionKey
	ring, err := newKeyring(cfg)
	if err != nil {
		t.Fatalf("newKeyring() error = %v", err)
	}
	if got, err := crypto.DecryptString(ring, sealed); err != nil || got != "bearer-old" {
		t.Errorf("DecryptString() = (%q, %v), want bearer-old", got, err)
	}

	cfg.OldEncryptionKey = "short"
	if _, err := newKeyring(cfg); err == nil {
		t.Error("newKeyring() accepted an invalid previous key")
	}
}
