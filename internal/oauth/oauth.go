// Package oauth performs the refresh-token exchange against the OpenAI
// identity provider using the Codex CLI public client.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yansir/codex-pool/internal/tokenstore"
)

const (
	ClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
	TokenURL = "https://auth.openai.com/oauth/token"
)

// ErrInvalidGrant marks a refresh token rejected by the identity provider.
// The account holding it cannot recover without re-authentication.
var ErrInvalidGrant = errors.New("refresh token rejected")

// Client exchanges refresh tokens. Single-flight per account is the pool's
// responsibility; the client itself is stateless.
type Client struct {
	store    *tokenstore.Store
	http     *http.Client
	tokenURL string
}

func New(store *tokenstore.Store, timeout time.Duration) *Client {
	return &Client{
		store:    store,
		http:     &http.Client{Timeout: timeout},
		tokenURL: TokenURL,
	}
}

// NewWithEndpoint is used by tests to point at a fake identity provider.
func NewWithEndpoint(store *tokenstore.Store, timeout time.Duration, tokenURL string) *Client {
	c := New(store, timeout)
	c.tokenURL = tokenURL
	return c
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Refresh exchanges the account's refresh token and persists the result.
// Returns the updated account with the fresh access token.
func (c *Client) Refresh(ctx context.Context, acct *tokenstore.Account) (*tokenstore.Account, error) {
	if acct.RefreshToken == "" {
		return nil, fmt.Errorf("account %s: %w", acct.ID, ErrInvalidGrant)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {acct.RefreshToken},
		"client_id":     {ClientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && isInvalidGrant(body) {
			slog.Warn("refresh token rejected", "accountId", acct.ID, "status", resp.StatusCode)
			return nil, fmt.Errorf("account %s: %w", acct.ID, ErrInvalidGrant)
		}
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("empty access_token in token response")
	}

	now := time.Now().UTC()
	updated := *acct
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	if tok.IDToken != "" {
		updated.IDToken = tok.IDToken
	}
	updated.LastRefresh = &now

	updated.AccessTokenExpiresAt = tokenstore.TokenExpiryMillis(tok.AccessToken)
	if updated.AccessTokenExpiresAt == 0 && tok.ExpiresIn > 0 {
		updated.AccessTokenExpiresAt = now.Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli()
	}

	if err := c.store.Save(acct.ID, &updated); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens: %w", err)
	}

	slog.Info("token refreshed", "accountId", acct.ID, "expiresIn", tok.ExpiresIn)
	return &updated, nil
}

func isInvalidGrant(body []byte) bool {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error == "invalid_grant" || e.Error == "invalid_request"
	}
	// Some error bodies are plain text.
	return strings.Contains(string(body), "invalid_grant")
}

func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
