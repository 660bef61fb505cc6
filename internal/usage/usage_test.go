package usage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yansir/codex-pool/internal/oauth"
	"github.com/yansir/codex-pool/internal/pool"
	"github.com/yansir/codex-pool/internal/tokenstore"
)

func testJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(map[string]interface{}{"exp": exp.Unix()})
	if err != nil {
		t.Fatal(err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func newTestPool(t *testing.T, id string) *pool.Pool {
	t.Helper()
	store := tokenstore.New(t.TempDir())
	acct := &tokenstore.Account{
		ID:           id,
		AccessToken:  testJWT(t, time.Now().Add(time.Hour)),
		RefreshToken: "rt",
		UpstreamID:   "acc_" + id,
	}
	if err := store.Save(id, acct); err != nil {
		t.Fatal(err)
	}
	p := pool.New(store, oauth.New(store, 5*time.Second), nil)
	if err := p.Reload(); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestGetMapsWindows(t *testing.T) {
	p := newTestPool(t, "a")

	var gotPath, gotAccountID string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAccountID = r.Header.Get("Chatgpt-Account-Id")
		fmt.Fprint(w, `{
			"rate_limits": {
				"primary":   {"used_percent": 35.5, "window_minutes": 300, "resets_in_seconds": 1200},
				"secondary": {"used_percent": 80,   "window_minutes": 10080, "resets_in_seconds": 86400}
			}
		}`)
	}))
	defer ts.Close()

	r := New(p, &http.Client{}, ts.URL)
	before := time.Now().Add(-time.Second)
	snap, err := r.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if gotPath != "/backend-api/codex/usage" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAccountID != "acc_a" {
		t.Fatalf("account id header = %q", gotAccountID)
	}
	if snap.Primary == nil || snap.Primary.UsedPercent != 35.5 || snap.Primary.WindowMinutes != 300 {
		t.Fatalf("primary = %+v", snap.Primary)
	}
	if snap.Secondary == nil || snap.Secondary.WindowMinutes != 10080 {
		t.Fatalf("secondary = %+v", snap.Secondary)
	}
	if snap.Primary.ResetsAt.Before(before.Add(1100 * time.Second)) {
		t.Fatalf("resets_at not derived from resets_in_seconds: %v", snap.Primary.ResetsAt)
	}
	if snap.Availability != Available {
		t.Fatalf("availability = %q", snap.Availability)
	}
	if snap.CapturedAt.Before(before) {
		t.Fatalf("captured_at = %v", snap.CapturedAt)
	}
}

func TestDeriveAvailability(t *testing.T) {
	win := func(used float64) *Window { return &Window{UsedPercent: used} }
	cases := []struct {
		name      string
		primary   *Window
		secondary *Window
		want      Availability
	}{
		{"both free", win(10), win(20), Available},
		{"both exhausted", win(100), win(100), Unavailable},
		{"primary only", win(50), win(100), PrimaryWindowOnly},
		{"secondary only", win(100), win(50), AvailabilityUnknown},
		{"missing windows", nil, nil, AvailabilityUnknown},
		{"missing secondary", win(10), nil, AvailabilityUnknown},
	}
	for _, c := range cases {
		if got := deriveAvailability(c.primary, c.secondary); got != c.want {
			t.Errorf("%s: availability = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestGetUpstreamError(t *testing.T) {
	p := newTestPool(t, "a")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	r := New(p, &http.Client{}, ts.URL)
	if _, err := r.Get(context.Background(), "a"); err == nil {
		t.Fatal("expected error for upstream failure")
	}
}

func TestGetUnknownAccount(t *testing.T) {
	p := newTestPool(t, "a")
	r := New(p, &http.Client{}, "http://127.0.0.1:1")
	if _, err := r.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown account")
	}
}
