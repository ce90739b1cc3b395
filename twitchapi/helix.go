// Package twitchapi contains minimal helpers to interact with Twitch OAuth
// and the Helix API: the authorization-code flow used to link accounts, token
// refresh for the chat bot, and resolving the user behind a token.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const defaultHelixBaseURL = "https://api.twitch.tv/helix"

// ErrUserNotFound is returned when Helix resolves no user.
var ErrUserNotFound = errors.New("user not found")

// User is the subset of a Helix user the service links.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// HelixClient provides the Helix calls needed for account linking.
type HelixClient struct {
	ClientID   string
	HTTPClient *http.Client
	// BaseURL overrides the Helix base URL (tests).
	BaseURL string
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return defaultHelixBaseURL
}

// GetAuthenticatedUser returns the user that owns accessToken.
func (hc *HelixClient) GetAuthenticatedUser(ctx context.Context, accessToken string) (*User, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("access token empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.baseURL()+"/users", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("helix users failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode helix users: %w", err)
	}
	if len(body.Data) == 0 || body.Data[0].ID == "" {
		return nil, ErrUserNotFound
	}
	return &body.Data[0], nil
}
