// Package tokenstore owns the credential records under the Codex home
// directory. It is the single source of truth for accounts on disk; the pool
// keeps an in-memory shadow refreshed on reload.
package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("account not found")

// Account is a credential record with fields derived from its token claims.
type Account struct {
	ID      string    `json:"id"`
	Email   string    `json:"email"`
	Plan    string    `json:"plan"`
	UserID  string    `json:"user_id"`
	Label   string    `json:"label,omitempty"`
	AddedAt time.Time `json:"added_at"`

	IDToken      string `json:"-"`
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	UpstreamID   string `json:"-"` // account_id as the upstream knows it

	// Milliseconds since epoch, taken from the access token's exp claim.
	AccessTokenExpiresAt int64      `json:"access_token_expires_at"`
	LastRefresh          *time.Time `json:"last_refresh,omitempty"`
}

// fileRecord is the on-disk schema shared with the Codex CLI. The legacy
// layout placed the token fields at the top level; both forms are accepted
// on read, the nested form is always written.
type fileRecord struct {
	Tokens       *fileTokens `json:"tokens,omitempty"`
	LastRefresh  string      `json:"last_refresh,omitempty"`
	OpenAIAPIKey string      `json:"OPENAI_API_KEY,omitempty"`

	// Legacy flat fields
	IDToken      string `json:"id_token,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
}

type fileTokens struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	AccountID    string `json:"account_id"`
}

type metaEntry struct {
	Label   string    `json:"label,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// Store reads and writes per-account credential files.
type Store struct {
	mu   sync.Mutex
	home string
}

func New(home string) *Store {
	return &Store{home: home}
}

func (s *Store) accountsDir() string   { return filepath.Join(s.home, "accounts") }
func (s *Store) metaPath() string      { return filepath.Join(s.home, "accounts_meta.json") }
func (s *Store) currentPath() string   { return filepath.Join(s.home, "auth.json") }
func (s *Store) authPath(id string) string {
	return filepath.Join(s.accountsDir(), id, "auth.json")
}

// List returns a snapshot of all accounts with derived claim fields.
// Corrupt records are logged and skipped, never aborting the enumeration.
func (s *Store) List() ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.accountsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read accounts dir: %w", err)
	}

	meta := s.readMeta()

	accounts := make([]*Account, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		acct, err := s.loadLocked(e.Name(), meta)
		if err != nil {
			slog.Warn("skipping corrupt account record", "id", e.Name(), "error", err)
			continue
		}
		accounts = append(accounts, acct)
	}

	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

// Load returns a single account including tokens.
func (s *Store) Load(id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id, s.readMeta())
}

func (s *Store) loadLocked(id string, meta map[string]metaEntry) (*Account, error) {
	data, err := os.ReadFile(s.authPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read auth file: %w", err)
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse auth file: %w", err)
	}

	acct := recordToAccount(id, &rec)
	if m, ok := meta[id]; ok {
		acct.Label = m.Label
		acct.AddedAt = m.AddedAt
	}
	return acct, nil
}

// Save atomically replaces the account's credential file (write temp + rename).
func (s *Store) Save(id string, acct *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.authPath(id))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create account dir: %w", err)
	}
	return writeRecord(s.authPath(id), accountToRecord(acct))
}

// SaveCurrent mirrors an account into <home>/auth.json, the record the
// external CLI consumes.
func (s *Store) SaveCurrent(acct *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.home, 0o700); err != nil {
		return fmt.Errorf("create codex home: %w", err)
	}
	return writeRecord(s.currentPath(), accountToRecord(acct))
}

// Delete removes the account's record. Idempotent.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.accountsDir(), id)); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	meta := s.readMeta()
	if _, ok := meta[id]; ok {
		delete(meta, id)
		return s.writeMeta(meta)
	}
	return nil
}

// SetLabel updates the human label in accounts_meta.json.
func (s *Store) SetLabel(id, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := s.readMeta()
	m := meta[id]
	m.Label = label
	if m.AddedAt.IsZero() {
		m.AddedAt = time.Now().UTC()
	}
	meta[id] = m
	return s.writeMeta(meta)
}

func (s *Store) readMeta() map[string]metaEntry {
	meta := make(map[string]metaEntry)
	data, err := os.ReadFile(s.metaPath())
	if err != nil {
		return meta
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		slog.Warn("accounts_meta.json unreadable, ignoring", "error", err)
		return make(map[string]metaEntry)
	}
	return meta
}

func (s *Store) writeMeta(meta map[string]metaEntry) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.metaPath(), data)
}

func recordToAccount(id string, rec *fileRecord) *Account {
	acct := &Account{ID: id, Plan: "free"}

	if rec.Tokens != nil {
		acct.IDToken = rec.Tokens.IDToken
		acct.AccessToken = rec.Tokens.AccessToken
		acct.RefreshToken = rec.Tokens.RefreshToken
		acct.UpstreamID = rec.Tokens.AccountID
	} else {
		acct.IDToken = rec.IDToken
		acct.AccessToken = rec.AccessToken
		acct.RefreshToken = rec.RefreshToken
		acct.UpstreamID = rec.AccountID
	}

	if rec.LastRefresh != "" {
		if t, err := time.Parse(time.RFC3339, rec.LastRefresh); err == nil {
			acct.LastRefresh = &t
		}
	}

	claims := DecodeClaims(acct.IDToken)
	acct.Email = claims.Email
	if claims.Plan != "" {
		acct.Plan = claims.Plan
	}
	acct.UserID = claims.UserID
	if acct.UpstreamID == "" {
		acct.UpstreamID = claims.AccountID
	}
	acct.AccessTokenExpiresAt = TokenExpiryMillis(acct.AccessToken)

	return acct
}

func accountToRecord(acct *Account) *fileRecord {
	rec := &fileRecord{
		Tokens: &fileTokens{
			IDToken:      acct.IDToken,
			AccessToken:  acct.AccessToken,
			RefreshToken: acct.RefreshToken,
			AccountID:    acct.UpstreamID,
		},
	}
	if acct.LastRefresh != nil {
		rec.LastRefresh = acct.LastRefresh.UTC().Format(time.RFC3339)
	}
	return rec
}

func writeRecord(path string, rec *fileRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// SlugID derives a filesystem-safe account id from the upstream account id
// or, failing that, the user id.
func SlugID(upstreamID, userID string) string {
	src := upstreamID
	if src == "" {
		src = userID
	}
	var b strings.Builder
	for _, r := range strings.ToLower(src) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
