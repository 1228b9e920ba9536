// Package auth manages upstream bearer credentials for the account pool:
// refreshing Amazon Q OIDC and Gemini OAuth tokens, deciding when a bearer
// is stale, serializing concurrent refreshes per account, and running the
// optional background refresh scheduler.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/amq2api/amq2api/internal/apperr"
	"github.com/amq2api/amq2api/internal/store"
	log "github.com/sirupsen/logrus"
)

// earlyRefresh is how long before expiry a bearer is considered stale.
const earlyRefresh = 5 * time.Minute

// Manager owns per-account refresh locks and the refresh implementations.
type Manager struct {
	store      *store.Store
	httpClient *http.Client

	mu    sync.Mutex
	locks map[int64]*sync.Mutex

	// Fallback OAuth client for gemini accounts created without their own.
	geminiClientID     string
	geminiClientSecret string

	// Endpoint overrides, settable by tests.
	oidcTokenURL   string
	googleTokenURL string
}

// NewManager builds a Manager over the account store.
func NewManager(s *store.Store) *Manager {
	return &Manager{
		store:          s,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		locks:          make(map[int64]*sync.Mutex),
		oidcTokenURL:   "https://oidc.us-east-1.amazonaws.com/token",
		googleTokenURL: "https://oauth2.googleapis.com/token",
	}
}

// SetGeminiClientCredentials installs the fallback OAuth client used when a
// gemini account carries no client_id of its own.
func (m *Manager) SetGeminiClientCredentials(id, secret string) {
	m.geminiClientID = id
	m.geminiClientSecret = secret
}

// accountLock returns the lazily created mutex for one account id.
func (m *Manager) accountLock(id int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// EnsureFresh returns an account with a usable bearer, refreshing it first
// when missing or expiring within five minutes. Concurrent callers for the
// same account share a single upstream refresh: the lock holder refreshes
// and waiters re-read the stored row.
func (m *Manager) EnsureFresh(ctx context.Context, account *store.Account) (*store.Account, error) {
	if !m.needsRefresh(account) {
		return account, nil
	}

	lock := m.accountLock(account.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read: another request may have refreshed while we waited.
	current, err := m.store.Get(account.ID)
	if err != nil {
		return nil, err
	}
	if !m.needsRefresh(current) {
		return current, nil
	}

	if err = m.Refresh(ctx, current); err != nil {
		return nil, err
	}
	return m.store.Get(account.ID)
}

// Refresh performs one upstream token exchange for the account's kind.
// custom_api accounts use static API keys and never refresh.
func (m *Manager) Refresh(ctx context.Context, account *store.Account) error {
	switch account.Kind {
	case store.KindAmazonQ:
		return m.refreshAmazonQ(ctx, account)
	case store.KindGemini:
		return m.refreshGemini(ctx, account)
	case store.KindCustomAPI:
		return nil
	}
	return fmt.Errorf("unknown account kind %q: %w", account.Kind, apperr.ErrTokenRefreshFailed)
}

// needsRefresh reports whether the bearer is missing or expiring soon.
func (m *Manager) needsRefresh(account *store.Account) bool {
	switch account.Kind {
	case store.KindCustomAPI:
		return false
	case store.KindAmazonQ:
		if account.AccessToken == "" {
			return true
		}
		exp, ok := jwtExpiry(account.AccessToken)
		if !ok {
			// Opaque token; trust the stored refresh timestamp instead.
			exp = storedExpiry(account)
		}
		return time.Now().Add(earlyRefresh).After(exp)
	case store.KindGemini:
		if account.AccessToken == "" {
			return true
		}
		return time.Now().Add(earlyRefresh).After(storedExpiry(account))
	}
	return false
}

// storedExpiry reads other.token_expires_at, zero time when absent.
func storedExpiry(account *store.Account) time.Time {
	raw := account.Other("token_expires_at").String()
	if raw == "" {
		return time.Time{}
	}
	exp, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return exp
}

// RunScheduler refreshes every enabled amazonq account on a fixed period
// with one second between accounts. Failures are logged and skipped.
func (m *Manager) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	log.Infof("token refresh scheduler started, interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("token refresh scheduler stopped")
			return
		case <-ticker.C:
			m.refreshAllAmazonQ(ctx)
		}
	}
}

func (m *Manager) refreshAllAmazonQ(ctx context.Context) {
	accounts, err := m.store.ListEnabled(store.KindAmazonQ)
	if err != nil {
		log.Errorf("scheduled refresh: failed to list accounts: %v", err)
		return
	}
	for i := range accounts {
		account := &accounts[i]
		lock := m.accountLock(account.ID)
		lock.Lock()
		err = m.Refresh(ctx, account)
		lock.Unlock()
		if err != nil {
			log.Warnf("scheduled refresh failed for account %d (%s): %v", account.ID, account.Label, err)
		} else {
			log.Debugf("scheduled refresh succeeded for account %d (%s)", account.ID, account.Label)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
