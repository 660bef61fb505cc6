// Package usage reads an account's rate-limit window consumption from the
// upstream introspection endpoint.
package usage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/yansir/codex-pool/internal/pool"
)

const usagePath = "/backend-api/codex/usage"

// Availability summarizes the two windows.
type Availability string

const (
	Available           Availability = "available"
	Unavailable         Availability = "unavailable"
	PrimaryWindowOnly   Availability = "primary_window_available_only"
	AvailabilityUnknown Availability = "unknown"
)

// Window is one rate-limit window's consumption.
type Window struct {
	UsedPercent   float64   `json:"used_percent"`
	WindowMinutes int       `json:"window_minutes"`
	ResetsAt      time.Time `json:"resets_at"`
}

// Snapshot is the mapped usage response for one account.
type Snapshot struct {
	AccountID    string       `json:"account_id"`
	Primary      *Window      `json:"primary,omitempty"`
	Secondary    *Window      `json:"secondary,omitempty"`
	Availability Availability `json:"availability"`
	CapturedAt   time.Time    `json:"captured_at"`
}

// Reader fetches usage snapshots with pool-managed access tokens.
type Reader struct {
	pool    *pool.Pool
	client  *http.Client
	baseURL string
}

func New(p *pool.Pool, client *http.Client, baseURL string) *Reader {
	return &Reader{pool: p, client: client, baseURL: baseURL}
}

// Get obtains the account's access token (refreshing if stale) and maps the
// upstream usage response into a snapshot.
func (r *Reader) Get(ctx context.Context, accountID string) (*Snapshot, error) {
	token, err := r.pool.AccessToken(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+usagePath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if id := r.pool.UpstreamID(accountID); id != "" {
		req.Header.Set("Chatgpt-Account-Id", id)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read usage response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usage endpoint returned %d", resp.StatusCode)
	}

	now := time.Now().UTC()
	snap := &Snapshot{
		AccountID:  accountID,
		Primary:    parseWindow(body, "rate_limits.primary", now),
		Secondary:  parseWindow(body, "rate_limits.secondary", now),
		CapturedAt: now,
	}
	snap.Availability = deriveAvailability(snap.Primary, snap.Secondary)
	return snap, nil
}

func parseWindow(body []byte, path string, now time.Time) *Window {
	win := gjson.GetBytes(body, path)
	if !win.Exists() {
		return nil
	}
	w := &Window{
		UsedPercent:   win.Get("used_percent").Float(),
		WindowMinutes: int(win.Get("window_minutes").Int()),
	}
	if sec := win.Get("resets_in_seconds"); sec.Exists() {
		w.ResetsAt = now.Add(time.Duration(sec.Int()) * time.Second)
	} else if at := win.Get("resets_at"); at.Exists() {
		if t, err := time.Parse(time.RFC3339, at.String()); err == nil {
			w.ResetsAt = t
		}
	}
	return w
}

func deriveAvailability(primary, secondary *Window) Availability {
	if primary == nil || secondary == nil {
		return AvailabilityUnknown
	}
	primaryLeft := primary.UsedPercent < 100
	secondaryLeft := secondary.UsedPercent < 100
	switch {
	case primaryLeft && secondaryLeft:
		return Available
	case !primaryLeft && !secondaryLeft:
		return Unavailable
	case primaryLeft:
		return PrimaryWindowOnly
	default:
		return AvailabilityUnknown
	}
}
