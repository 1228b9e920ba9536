// Package distributor selects one account per request from the enabled pool.
// Selection is a weighted random draw over a per-account score combining
// success rate, time since last use, short-window load and the admin-assigned
// weight. Cooldowns from rate-limit events exclude accounts temporarily.
package distributor

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/amq2api/amq2api/internal/apperr"
	"github.com/amq2api/amq2api/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultCooldown is applied after an upstream 429.
	DefaultCooldown = 300 * time.Second

	// recentWindow bounds the short-window usage counter.
	recentWindow = 60 * time.Second

	// minSuccessRate filters accounts once they have enough history.
	minSuccessRate = 0.5
)

// usageRecord tracks in-memory per-account counters. Records are created
// lazily on first selection and never destroyed.
type usageRecord struct {
	successCount int64
	failCount    int64
	lastUsed     time.Time
	recentCount  int
	recentStart  time.Time
}

// Distributor owns the usage and cooldown maps. All methods are safe for
// concurrent use.
type Distributor struct {
	store *store.Store

	mu        sync.Mutex
	usage     map[int64]*usageRecord
	cooldowns map[int64]time.Time

	now  func() time.Time
	rand *rand.Rand
}

// New builds a Distributor over the given account store.
func New(s *store.Store) *Distributor {
	return &Distributor{
		store:     s,
		usage:     make(map[int64]*usageRecord),
		cooldowns: make(map[int64]time.Time),
		now:       time.Now,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Pick returns the best account of the requested kind, or an error wrapping
// apperr.ErrNoAccountAvailable. filter, when non-nil, removes candidates the
// caller cannot use (for example models with exhausted quota).
func (d *Distributor) Pick(kind string, filter func(*store.Account) bool) (*store.Account, error) {
	accounts, err := d.store.ListEnabled(kind)
	if err != nil {
		return nil, err
	}
	if filter != nil {
		kept := accounts[:0]
		for i := range accounts {
			if filter(&accounts[i]) {
				kept = append(kept, accounts[i])
			}
		}
		accounts = kept
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no enabled %s accounts: %w", kind, apperr.ErrNoAccountAvailable)
	}

	candidates := d.eligible(accounts)
	if len(candidates) == 0 {
		// Everything is cooling down or rate limited; pick the least
		// penalized account rather than failing outright.
		candidates = make([]*store.Account, len(accounts))
		for i := range accounts {
			candidates[i] = &accounts[i]
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	scores := make([]float64, len(candidates))
	minScore := 0.0
	for i, account := range candidates {
		scores[i] = d.scoreLocked(account)
		if scores[i] < minScore {
			minScore = scores[i]
		}
	}
	// Shift so every weight is strictly positive before the draw.
	shift := 0.0
	if minScore <= 0 {
		shift = 1 - minScore
	}
	total := 0.0
	for i := range scores {
		scores[i] += shift
		total += scores[i]
	}

	target := d.rand.Float64() * total
	chosen := candidates[len(candidates)-1]
	for i, account := range candidates {
		target -= scores[i]
		if target < 0 {
			chosen = account
			break
		}
	}

	rec := d.recordLocked(chosen.ID)
	now := d.now()
	rec.lastUsed = now
	if now.Sub(rec.recentStart) > recentWindow {
		rec.recentStart = now
		rec.recentCount = 0
	}
	rec.recentCount++

	log.Debugf("distributor picked account %d (%s) from %d candidates", chosen.ID, chosen.Label, len(candidates))
	return chosen, nil
}

// eligible filters out cooldown-ed, rate-limited and chronically failing
// accounts.
func (d *Distributor) eligible(accounts []store.Account) []*store.Account {
	var out []*store.Account
	for i := range accounts {
		account := &accounts[i]
		if d.IsInCooldown(account.ID) {
			continue
		}
		if ok, err := d.store.CheckRateLimit(account.ID); err != nil || !ok {
			continue
		}
		d.mu.Lock()
		rec := d.recordLocked(account.ID)
		total := rec.successCount + rec.failCount
		rate := successRate(rec)
		d.mu.Unlock()
		if total > 10 && rate < minSuccessRate {
			continue
		}
		out = append(out, account)
	}
	return out
}

// scoreLocked computes the selection score. Caller holds the mutex.
func (d *Distributor) scoreLocked(account *store.Account) float64 {
	rec := d.recordLocked(account.ID)
	now := d.now()

	var successScore float64
	total := rec.successCount + rec.failCount
	rate := successRate(rec)
	switch {
	case total < 10:
		successScore = 40
	case rate < 0.5:
		successScore = rate * 20
	default:
		successScore = rate * 40
	}

	var cooldownScore float64
	idle := now.Sub(rec.lastUsed)
	switch {
	case rec.lastUsed.IsZero() || idle >= 300*time.Second:
		cooldownScore = 30
	case idle >= 60*time.Second:
		cooldownScore = 25
	case idle >= 30*time.Second:
		cooldownScore = 15
	default:
		cooldownScore = 5
	}

	recent := rec.recentCount
	if now.Sub(rec.recentStart) > recentWindow {
		recent = 0
	}
	balanceScore := 30 - float64(recent)*10
	if balanceScore < 0 {
		balanceScore = 0
	}

	return (successScore + cooldownScore + balanceScore) * (float64(account.Weight) / 50)
}

// RecordUsage updates the in-memory success counters for an account.
func (d *Distributor) RecordUsage(id int64, success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := d.recordLocked(id)
	if success {
		rec.successCount++
	} else {
		rec.failCount++
	}
}

// SetCooldown excludes the account from selection for the given duration.
func (d *Distributor) SetCooldown(id int64, duration time.Duration) {
	if duration <= 0 {
		duration = DefaultCooldown
	}
	d.mu.Lock()
	d.cooldowns[id] = d.now().Add(duration)
	d.mu.Unlock()
	log.Infof("account %d placed in cooldown for %s", id, duration)
}

// IsInCooldown reports and lazily expires cooldown state.
func (d *Distributor) IsInCooldown(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.cooldowns[id]
	if !ok {
		return false
	}
	if d.now().After(until) {
		delete(d.cooldowns, id)
		return false
	}
	return true
}

// Sweep drops expired cooldown entries. Driven periodically at runtime so
// the map does not accumulate dead entries between selections.
func (d *Distributor) Sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for id, until := range d.cooldowns {
		if now.After(until) {
			delete(d.cooldowns, id)
		}
	}
}

// Run drives the periodic cooldown sweep until done closes.
func (d *Distributor) Run(done <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

func (d *Distributor) recordLocked(id int64) *usageRecord {
	rec, ok := d.usage[id]
	if !ok {
		rec = &usageRecord{}
		d.usage[id] = rec
	}
	return rec
}

func successRate(rec *usageRecord) float64 {
	total := rec.successCount + rec.failCount
	if total == 0 {
		return 1
	}
	return float64(rec.successCount) / float64(total)
}
