// Package cache simulates Anthropic's prompt caching accounting. No upstream
// cache exists; the manager tracks which cacheable prompt prefixes have been
// seen so clients receive believable cache_creation_input_tokens and
// cache_read_input_tokens values.
package cache

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultTTL is the sliding entry lifetime.
	DefaultTTL = 24 * time.Hour
	minTTL     = 60 * time.Second
	maxTTL     = 7 * 24 * time.Hour

	// DefaultMaxEntries caps the entry count before batch eviction.
	DefaultMaxEntries = 5000
	minMaxEntries     = 100
	maxMaxEntries     = 100000

	// batchEvictionPercent of the oldest entries are removed when full.
	batchEvictionPercent = 10

	// emergencyEvictionPercent is used by EmergencyCleanup.
	emergencyEvictionPercent = 50

	// cleanupInterval is the period of the background expiry sweep.
	cleanupInterval = 300 * time.Second
)

type entry struct {
	key           string
	tokenCount    int
	contentLength int
	createdAt     time.Time
	lastAccessed  time.Time
}

// Stats is a read-only snapshot of cache accounting.
type Stats struct {
	Entries       int     `json:"entries"`
	HitCount      int64   `json:"hit_count"`
	MissCount     int64   `json:"miss_count"`
	EvictionCount int64   `json:"eviction_count"`
	HitRate       float64 `json:"hit_rate"`
}

// Manager is the process-wide prompt cache simulator. All operations are
// safe for concurrent use; a single mutex guards the entry map.
type Manager struct {
	mu         sync.Mutex
	entries    map[string]*entry
	ttl        time.Duration
	maxEntries int

	hits      int64
	misses    int64
	evictions int64

	now func() time.Time
}

// NewManager builds a Manager, clamping ttl and maxEntries to their
// supported ranges. Zero values select the defaults.
func NewManager(ttl time.Duration, maxEntries int) *Manager {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	if maxEntries == 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxEntries < minMaxEntries {
		maxEntries = minMaxEntries
	}
	if maxEntries > maxMaxEntries {
		maxEntries = maxMaxEntries
	}
	return &Manager{
		entries:    make(map[string]*entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Check resolves one request's cache accounting. A first sighting of key
// inserts an entry and returns (tokenCount, 0). A repeat sighting with the
// same contentLength refreshes the entry and returns (0, tokenCount). A key
// collision with a different contentLength evicts the stale entry and counts
// as a miss.
func (m *Manager) Check(key string, tokenCount, contentLength int) (creation, read int) {
	if key == "" || tokenCount <= 0 {
		return 0, 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok {
		if now.Sub(e.lastAccessed) > m.ttl {
			delete(m.entries, key)
			m.evictions++
		} else if e.contentLength == contentLength {
			e.lastAccessed = now
			m.hits++
			return 0, e.tokenCount
		} else {
			// Same digest, different length: treat as a collision.
			delete(m.entries, key)
			m.evictions++
		}
	}

	if len(m.entries) >= m.maxEntries {
		m.evictOldestLocked(len(m.entries) * batchEvictionPercent / 100)
	}
	m.entries[key] = &entry{
		key:           key,
		tokenCount:    tokenCount,
		contentLength: contentLength,
		createdAt:     now,
		lastAccessed:  now,
	}
	m.misses++
	return tokenCount, 0
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Entries:       len(m.entries),
		HitCount:      m.hits,
		MissCount:     m.misses,
		EvictionCount: m.evictions,
	}
	if total := m.hits + m.misses; total > 0 {
		s.HitRate = float64(m.hits) / float64(total)
	}
	return s
}

// EmergencyCleanup evicts half of the entries, oldest first. Intended for
// memory-pressure situations.
func (m *Manager) EmergencyCleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.entries) * emergencyEvictionPercent / 100
	m.evictOldestLocked(n)
	return n
}

// RemoveExpired drops every entry whose sliding TTL has elapsed and returns
// how many were removed.
func (m *Manager) RemoveExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, e := range m.entries {
		if now.Sub(e.lastAccessed) > m.ttl {
			delete(m.entries, key)
			m.evictions++
			removed++
		}
	}
	return removed
}

// Run drives the periodic expiry sweep until ctx is done. Meant to be
// started as a goroutine at server startup.
func (m *Manager) Run(done <-chan struct{}) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if removed := m.RemoveExpired(); removed > 0 {
				log.Debugf("prompt cache cleanup removed %d expired entries", removed)
			}
		}
	}
}

// evictOldestLocked removes n entries ordered by lastAccessed ascending,
// ties broken by smaller token count first. Caller holds the mutex.
func (m *Manager) evictOldestLocked(n int) {
	if n <= 0 {
		n = 1
	}
	if n > len(m.entries) {
		n = len(m.entries)
	}
	victims := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		victims = append(victims, e)
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].lastAccessed.Equal(victims[j].lastAccessed) {
			return victims[i].tokenCount < victims[j].tokenCount
		}
		return victims[i].lastAccessed.Before(victims[j].lastAccessed)
	})
	for _, e := range victims[:n] {
		delete(m.entries, e.key)
		m.evictions++
	}
}
