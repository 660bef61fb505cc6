// Package pool keeps the in-memory scheduling shadow of the token store:
// per-account health state, a round-robin cursor, leases, and the refresh
// single-flight.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/yansir/codex-pool/internal/oauth"
	"github.com/yansir/codex-pool/internal/tokenstore"
)

// ErrNoHealthyAccount is returned by Pick when every account is blocked,
// cooling down, or absent.
var ErrNoHealthyAccount = errors.New("no healthy account available")

// State is the health state of a pooled account.
type State int

const (
	Active State = iota
	Refreshing
	Cooldown
	Blocked
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Refreshing:
		return "refreshing"
	case Cooldown:
		return "cooldown"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// entry is the mutable per-account scheduling state. All fields are guarded
// by the pool mutex; the refresh itself runs with the mutex released.
type entry struct {
	acct *tokenstore.Account

	state               State
	cooldownUntil       time.Time
	consecutiveFailures int
	consecutive429      int
	inFlight            int
	refreshStarted      time.Time
}

// Lease binds one in-flight request to an account. It is consumed by exactly
// one Report call.
type Lease struct {
	ID          string
	AccountID   string
	UpstreamID  string
	AccessToken string

	reported bool
	mu       sync.Mutex
}

// Outcome describes how the upstream answered a leased request.
type Outcome struct {
	// Status is the upstream HTTP status, or 0 for a transport failure.
	Status int
	// Err is set for transport failures and client disconnects.
	Err error
	// BanSignal marks a 403 whose body carries an explicit ban indicator.
	BanSignal bool
}

// Options tune the pool's timing behavior.
type Options struct {
	RefreshAdvance  time.Duration // refresh when expiry is this close
	RefreshTimeout  time.Duration
	CooldownBase    time.Duration // first 429 cooldown
	CooldownCeiling time.Duration // 429 backoff cap
}

func (o *Options) withDefaults() Options {
	out := Options{
		RefreshAdvance:  60 * time.Second,
		RefreshTimeout:  30 * time.Second,
		CooldownBase:    60 * time.Second,
		CooldownCeiling: 10 * time.Minute,
	}
	if o == nil {
		return out
	}
	if o.RefreshAdvance > 0 {
		out.RefreshAdvance = o.RefreshAdvance
	}
	if o.RefreshTimeout > 0 {
		out.RefreshTimeout = o.RefreshTimeout
	}
	if o.CooldownBase > 0 {
		out.CooldownBase = o.CooldownBase
	}
	if o.CooldownCeiling > 0 {
		out.CooldownCeiling = o.CooldownCeiling
	}
	return out
}

// Status is the pool-level state summary.
type Status struct {
	AccountCount int `json:"account_count"`
	Active       int `json:"active"`
	Refreshing   int `json:"refreshing"`
	Cooldown     int `json:"cooldown"`
	Blocked      int `json:"blocked"`
}

const (
	cooldownAfterFailures = 3
	blockAfterFailures    = 10
)

// Pool schedules accounts for requests.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	cursor  int

	store *tokenstore.Store
	oauth *oauth.Client
	opts  Options

	group singleflight.Group
	now   func() time.Time
}

func New(store *tokenstore.Store, oc *oauth.Client, opts *Options) *Pool {
	return &Pool{
		entries: make(map[string]*entry),
		store:   store,
		oauth:   oc,
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
}

// Reload rereads the token store and reconciles membership: new ids join as
// Active, removed ids drop out, surviving ids keep their state but take the
// new token material. In-flight leases stay valid.
func (p *Pool) Reload() error {
	accounts, err := p.store.List()
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(accounts))
	for _, acct := range accounts {
		seen[acct.ID] = true
		if e, ok := p.entries[acct.ID]; ok {
			e.acct = acct
			continue
		}
		p.entries[acct.ID] = &entry{acct: acct, state: Active}
		p.order = append(p.order, acct.ID)
		slog.Info("account joined pool", "accountId", acct.ID, "plan", acct.Plan)
	}

	kept := p.order[:0]
	for _, id := range p.order {
		if seen[id] {
			kept = append(kept, id)
			continue
		}
		delete(p.entries, id)
		slog.Info("account left pool", "accountId", id)
	}
	p.order = kept
	if len(p.order) == 0 {
		p.cursor = 0
	} else {
		p.cursor %= len(p.order)
	}
	return nil
}

// Pick selects an account round-robin and returns a lease carrying a fresh
// access token. Entries whose cooldown has elapsed are promoted before the
// selection decision. When only refreshing entries remain, the caller joins
// the oldest in-progress refresh.
func (p *Pool) Pick(ctx context.Context) (*Lease, error) {
	// A stale-token refresh can fail and knock the candidate out; walk again
	// until every account has been ruled out.
	tried := make(map[string]bool)
	for {
		id, awaitRefresh, err := p.selectCandidate(tried)
		if err != nil {
			return nil, err
		}
		tried[id] = true

		if awaitRefresh {
			if _, err := p.RefreshAccount(ctx, id); err != nil {
				continue
			}
		} else if p.tokenStale(id) {
			if _, err := p.RefreshAccount(ctx, id); err != nil {
				continue
			}
		}

		lease, ok := p.lease(id)
		if !ok {
			continue
		}
		return lease, nil
	}
}

// selectCandidate walks the order from the cursor and returns the chosen id.
// awaitRefresh is true when no active candidate existed and the caller
// should join the oldest in-progress refresh instead.
func (p *Pool) selectCandidate(tried map[string]bool) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.order)
	if n == 0 {
		return "", false, ErrNoHealthyAccount
	}

	now := p.now()
	var oldestRefreshing string
	var oldestStart time.Time

	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		id := p.order[idx]
		e := p.entries[id]

		if e.state == Cooldown && !e.cooldownUntil.After(now) {
			e.state = Active
			slog.Debug("cooldown elapsed", "accountId", id)
		}

		switch e.state {
		case Active:
			if tried[id] {
				continue
			}
			p.cursor = (idx + 1) % n
			return id, false, nil
		case Refreshing:
			if tried[id] {
				continue
			}
			if oldestRefreshing == "" || e.refreshStarted.Before(oldestStart) {
				oldestRefreshing = id
				oldestStart = e.refreshStarted
			}
		}
	}

	if oldestRefreshing != "" {
		return oldestRefreshing, true, nil
	}
	return "", false, ErrNoHealthyAccount
}

func (p *Pool) tokenStale(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return false
	}
	return tokenstore.Expired(e.acct.AccessTokenExpiresAt, p.opts.RefreshAdvance)
}

func (p *Pool) lease(id string) (*Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok || e.state != Active {
		return nil, false
	}
	e.inFlight++
	return &Lease{
		ID:          uuid.New().String(),
		AccountID:   id,
		UpstreamID:  e.acct.UpstreamID,
		AccessToken: e.acct.AccessToken,
	}, true
}

// RefreshAccount runs the OAuth refresh for one account under the
// per-account single-flight guard. Concurrent callers share one upstream
// call and observe the same resulting token.
func (p *Pool) RefreshAccount(ctx context.Context, id string) (string, error) {
	token, err, _ := p.group.Do(id, func() (interface{}, error) {
		return p.doRefresh(id)
	})
	if err != nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return token.(string), nil
}

func (p *Pool) doRefresh(id string) (interface{}, error) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return "", fmt.Errorf("account %s: %w", id, tokenstore.ErrNotFound)
	}
	if e.state == Blocked {
		p.mu.Unlock()
		return "", fmt.Errorf("account %s is blocked", id)
	}
	acct := e.acct
	e.state = Refreshing
	e.refreshStarted = p.now()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.RefreshTimeout)
	defer cancel()

	updated, err := p.oauth.Refresh(ctx, acct)

	p.mu.Lock()
	defer p.mu.Unlock()
	// Reload may have replaced or removed the entry while the call ran.
	e, ok = p.entries[id]
	if !ok {
		if err != nil {
			return "", err
		}
		return updated.AccessToken, nil
	}

	if err != nil {
		if errors.Is(err, oauth.ErrInvalidGrant) {
			e.state = Blocked
			slog.Error("account blocked: refresh token invalid", "accountId", id)
		} else {
			e.state = Active
			e.consecutiveFailures++
			if e.consecutiveFailures >= cooldownAfterFailures {
				e.state = Cooldown
				e.cooldownUntil = p.now().Add(p.opts.CooldownBase)
			}
			slog.Warn("token refresh failed", "accountId", id, "error", err)
		}
		return "", err
	}

	e.acct = updated
	e.state = Active
	e.consecutiveFailures = 0
	return updated.AccessToken, nil
}

// Report consumes a lease with the observed upstream outcome. It is
// idempotent per lease: the in-flight count is decremented exactly once.
func (p *Pool) Report(lease *Lease, outcome Outcome) {
	if lease == nil {
		return
	}
	lease.mu.Lock()
	if lease.reported {
		lease.mu.Unlock()
		return
	}
	lease.reported = true
	lease.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[lease.AccountID]
	if !ok {
		return
	}
	if e.inFlight > 0 {
		e.inFlight--
	}

	switch {
	case outcome.BanSignal:
		e.state = Blocked
		slog.Error("account blocked: ban signal", "accountId", lease.AccountID)

	case outcome.Status >= 200 && outcome.Status < 400:
		if e.state != Blocked && e.state != Refreshing {
			e.state = Active
		}
		e.consecutiveFailures = 0
		e.consecutive429 = 0

	case outcome.Status == 401:
		// The dispatcher drives the refresh and retry; here the account just
		// leaves the rotation until that completes.
		if e.state != Blocked {
			e.state = Refreshing
			e.refreshStarted = p.now()
		}

	case outcome.Status == 429:
		e.consecutive429++
		backoff := p.opts.CooldownBase << (e.consecutive429 - 1)
		if backoff > p.opts.CooldownCeiling || backoff <= 0 {
			backoff = p.opts.CooldownCeiling
		}
		e.state = Cooldown
		e.cooldownUntil = p.now().Add(backoff)
		slog.Warn("account rate limited", "accountId", lease.AccountID, "cooldown", backoff)

	case outcome.Status >= 500 || outcome.Status == 0:
		e.consecutiveFailures++
		switch {
		case e.consecutiveFailures >= blockAfterFailures:
			e.state = Blocked
			slog.Error("account blocked: sustained failures", "accountId", lease.AccountID)
		case e.consecutiveFailures >= cooldownAfterFailures:
			e.state = Cooldown
			e.cooldownUntil = p.now().Add(p.opts.CooldownBase)
			slog.Warn("account cooling down after failures",
				"accountId", lease.AccountID, "failures", e.consecutiveFailures)
		}
	}
}

// ResetAccount manually clears a Blocked account back to Active.
func (p *Pool) ResetAccount(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return tokenstore.ErrNotFound
	}
	e.state = Active
	e.consecutiveFailures = 0
	e.consecutive429 = 0
	e.cooldownUntil = time.Time{}
	return nil
}

// AccessToken returns the current access token for an account, refreshing
// first when it is stale. Used by the usage reader.
func (p *Pool) AccessToken(ctx context.Context, id string) (string, error) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return "", tokenstore.ErrNotFound
	}
	token := e.acct.AccessToken
	stale := tokenstore.Expired(e.acct.AccessTokenExpiresAt, p.opts.RefreshAdvance)
	p.mu.Unlock()

	if !stale && token != "" {
		return token, nil
	}
	return p.RefreshAccount(ctx, id)
}

// UpstreamID returns the upstream account id, used for identity headers.
func (p *Pool) UpstreamID(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		return e.acct.UpstreamID
	}
	return ""
}

// Status counts accounts by state.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	st := Status{AccountCount: len(p.order)}
	for _, e := range p.entries {
		switch {
		case e.state == Active:
			st.Active++
		case e.state == Refreshing:
			st.Refreshing++
		case e.state == Cooldown && e.cooldownUntil.After(now):
			st.Cooldown++
		case e.state == Cooldown:
			st.Active++
		case e.state == Blocked:
			st.Blocked++
		}
	}
	return st
}
