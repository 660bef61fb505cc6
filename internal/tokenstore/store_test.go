package tokenstore

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testJWT(t *testing.T, email, plan, accountID string, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims := map[string]interface{}{
		"email": email,
		"exp":   exp.Unix(),
		"https://api.openai.com/auth": map[string]interface{}{
			"chatgpt_plan_type":  plan,
			"chatgpt_account_id": accountID,
			"chatgpt_user_id":    "user-" + accountID,
		},
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	refresh := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	in := &Account{
		ID:           "acct-1",
		IDToken:      testJWT(t, "dev@example.com", "pro", "acc_123", exp),
		AccessToken:  testJWT(t, "dev@example.com", "pro", "acc_123", exp),
		RefreshToken: "rt-secret",
		UpstreamID:   "acc_123",
		LastRefresh:  &refresh,
	}
	if err := s.Save("acct-1", in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := s.Load("acct-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.AccessToken != in.AccessToken || out.RefreshToken != "rt-secret" {
		t.Fatalf("tokens not preserved: %+v", out)
	}
	if out.Email != "dev@example.com" {
		t.Fatalf("email = %q", out.Email)
	}
	if out.Plan != "pro" {
		t.Fatalf("plan = %q", out.Plan)
	}
	if out.UserID != "user-acc_123" {
		t.Fatalf("user id = %q", out.UserID)
	}
	if out.UpstreamID != "acc_123" {
		t.Fatalf("upstream id = %q", out.UpstreamID)
	}
	if out.AccessTokenExpiresAt != exp.Unix()*1000 {
		t.Fatalf("expiry = %d, want %d", out.AccessTokenExpiresAt, exp.Unix()*1000)
	}
	if out.LastRefresh == nil || !out.LastRefresh.Equal(refresh) {
		t.Fatalf("last refresh = %v", out.LastRefresh)
	}
}

func TestLoadLegacyFlatSchema(t *testing.T) {
	s := newTestStore(t)
	exp := time.Now().Add(time.Hour)
	access := testJWT(t, "old@example.com", "plus", "acc_legacy", exp)

	dir := filepath.Join(s.home, "accounts", "legacy")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	legacy := map[string]string{
		"id_token":      access,
		"access_token":  access,
		"refresh_token": "rt-legacy",
		"account_id":    "acc_legacy",
	}
	data, _ := json.Marshal(legacy)
	if err := os.WriteFile(filepath.Join(dir, "auth.json"), data, 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := s.Load("legacy")
	if err != nil {
		t.Fatalf("load legacy: %v", err)
	}
	if out.RefreshToken != "rt-legacy" || out.Email != "old@example.com" || out.Plan != "plus" {
		t.Fatalf("legacy fields: %+v", out)
	}
}

func TestSaveWritesNestedForm(t *testing.T) {
	s := newTestStore(t)
	acct := &Account{ID: "n1", AccessToken: "a", RefreshToken: "r", UpstreamID: "acc"}
	if err := s.Save("n1", acct); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(s.home, "accounts", "n1", "auth.json"))
	if err != nil {
		t.Fatal(err)
	}
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if _, ok := rec["tokens"]; !ok {
		t.Fatalf("expected nested tokens object, got %s", data)
	}
	if _, ok := rec["access_token"]; ok {
		t.Fatalf("flat token fields should not be written: %s", data)
	}
}

func TestListSkipsCorruptRecords(t *testing.T) {
	s := newTestStore(t)
	exp := time.Now().Add(time.Hour)
	good := &Account{
		ID:          "good",
		IDToken:     testJWT(t, "ok@example.com", "free", "acc_good", exp),
		AccessToken: testJWT(t, "ok@example.com", "free", "acc_good", exp),
	}
	if err := s.Save("good", good); err != nil {
		t.Fatal(err)
	}

	badDir := filepath.Join(s.home, "accounts", "bad")
	if err := os.MkdirAll(badDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(badDir, "auth.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	accounts, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != "good" {
		t.Fatalf("expected only the good account, got %d", len(accounts))
	}
}

func TestListEmptyHome(t *testing.T) {
	s := newTestStore(t)
	accounts, err := s.List()
	if err != nil {
		t.Fatalf("list on empty home: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("expected no accounts, got %d", len(accounts))
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save("gone", &Account{ID: "gone", AccessToken: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("gone"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, err := s.Load("gone"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLabelSurvivesList(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save("lbl", &Account{ID: "lbl", AccessToken: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetLabel("lbl", "work account"); err != nil {
		t.Fatalf("set label: %v", err)
	}
	accounts, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 || accounts[0].Label != "work account" {
		t.Fatalf("label not surfaced: %+v", accounts)
	}
}

func TestSaveCurrent(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveCurrent(&Account{ID: "cur", AccessToken: "tok", RefreshToken: "rt"}); err != nil {
		t.Fatalf("save current: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(s.home, "auth.json"))
	if err != nil {
		t.Fatal(err)
	}
	var rec struct {
		Tokens struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Tokens.AccessToken != "tok" {
		t.Fatalf("current record: %s", data)
	}
}

func TestSlugID(t *testing.T) {
	cases := []struct {
		upstream, user, want string
	}{
		{"acc_ABC123", "", "acc_abc123"},
		{"", "user/with spaces", "user-with-spaces"},
		{"--trimmed--", "", "trimmed"},
	}
	for _, c := range cases {
		if got := SlugID(c.upstream, c.user); got != c.want {
			t.Errorf("SlugID(%q, %q) = %q, want %q", c.upstream, c.user, got, c.want)
		}
	}
}
