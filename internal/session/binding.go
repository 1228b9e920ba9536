// Package session keeps fan-out requests from one IDE session on the same
// upstream account. The binding key is a hash of the stable prefix of the
// system prompt, which is the only request attribute an IDE keeps constant
// across parallel sub-requests.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// prefixLen is how much of the system prompt participates in the key.
	prefixLen = 200

	// DefaultTTL is how long a binding survives without reuse.
	DefaultTTL = 30 * time.Minute

	// maxEntries caps the binding map; the least recently used entry is
	// evicted when full.
	maxEntries = 1000
)

// Binding associates a session with the account and conversation that
// served it last.
type Binding struct {
	AccountID      int64
	ConversationID string
	Kind           string
	boundAt        time.Time
}

// Binder owns the session map. Safe for concurrent use.
type Binder struct {
	mu      sync.Mutex
	entries map[string]*Binding
	ttl     time.Duration
	now     func() time.Time
}

// NewBinder returns a Binder with the default TTL.
func NewBinder() *Binder {
	return &Binder{
		entries: make(map[string]*Binding),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
}

// Key derives the binding key from a request's system prompt text. An empty
// system prompt yields an empty key, which disables binding for the request.
func Key(systemText string) string {
	if systemText == "" {
		return ""
	}
	if len(systemText) > prefixLen {
		systemText = systemText[:prefixLen]
	}
	sum := sha256.Sum256([]byte(systemText))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the live binding for key, refreshing its timestamp, or nil.
func (b *Binder) Lookup(key string) *Binding {
	if key == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if !ok {
		return nil
	}
	if b.now().Sub(entry.boundAt) > b.ttl {
		delete(b.entries, key)
		return nil
	}
	entry.boundAt = b.now()
	return entry
}

// Bind records or replaces the binding for key, evicting the oldest entry
// when the map is full.
func (b *Binder) Bind(key string, accountID int64, conversationID, kind string) {
	if key == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[key]; !ok && len(b.entries) >= maxEntries {
		var oldestKey string
		var oldest time.Time
		for k, e := range b.entries {
			if oldestKey == "" || e.boundAt.Before(oldest) {
				oldestKey = k
				oldest = e.boundAt
			}
		}
		delete(b.entries, oldestKey)
	}
	b.entries[key] = &Binding{
		AccountID:      accountID,
		ConversationID: conversationID,
		Kind:           kind,
		boundAt:        b.now(),
	}
}

// Drop removes the binding for key, typically after the bound account fails.
func (b *Binder) Drop(key string) {
	if key == "" {
		return
	}
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
}

// Sweep removes expired bindings.
func (b *Binder) Sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for k, e := range b.entries {
		if now.Sub(e.boundAt) > b.ttl {
			delete(b.entries, k)
		}
	}
}

// Run drives the periodic TTL sweep until done closes.
func (b *Binder) Run(done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.Sweep()
		}
	}
}
