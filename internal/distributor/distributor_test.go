package distributor

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/amq2api/amq2api/internal/apperr"
	"github.com/amq2api/amq2api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addAccount(t *testing.T, s *store.Store, label string, weight int) *store.Account {
	t.Helper()
	account := &store.Account{Label: label, Kind: store.KindAmazonQ, Enabled: true, Weight: weight, RateLimitPerHour: 100000}
	require.NoError(t, s.Create(account))
	return account
}

func TestPickFailsWithoutAccounts(t *testing.T) {
	d := New(testStore(t))
	_, err := d.Pick(store.KindAmazonQ, nil)
	assert.ErrorIs(t, err, apperr.ErrNoAccountAvailable)
}

func TestPickFairnessAtEqualWeights(t *testing.T) {
	s := testStore(t)
	a := addAccount(t, s, "a", 50)
	b := addAccount(t, s, "b", 50)
	c := addAccount(t, s, "c", 50)

	d := New(s)
	clock := time.Now()
	d.now = func() time.Time { return clock }

	counts := map[int64]int{}
	const n = 3000
	for i := 0; i < n; i++ {
		// Advance past the recent window so balance penalties do not skew
		// the draw.
		clock = clock.Add(recentWindow + time.Second)
		picked, err := d.Pick(store.KindAmazonQ, nil)
		require.NoError(t, err)
		counts[picked.ID]++
	}

	mean := float64(n) / 3
	for _, id := range []int64{a.ID, b.ID, c.ID} {
		dev := math.Abs(float64(counts[id])-mean) / mean
		assert.Less(t, dev, 0.15, "account %d picked %d times", id, counts[id])
	}
}

func TestPickSkipsCooldown(t *testing.T) {
	s := testStore(t)
	a := addAccount(t, s, "a", 50)
	b := addAccount(t, s, "b", 50)

	d := New(s)
	d.SetCooldown(a.ID, time.Minute)

	for i := 0; i < 20; i++ {
		picked, err := d.Pick(store.KindAmazonQ, nil)
		require.NoError(t, err)
		assert.Equal(t, b.ID, picked.ID)
	}
}

func TestPickFallsBackWhenAllCoolingDown(t *testing.T) {
	s := testStore(t)
	a := addAccount(t, s, "a", 50)

	d := New(s)
	d.SetCooldown(a.ID, time.Minute)

	picked, err := d.Pick(store.KindAmazonQ, nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, picked.ID)
}

func TestCooldownExpiresLazily(t *testing.T) {
	s := testStore(t)
	a := addAccount(t, s, "a", 50)

	d := New(s)
	clock := time.Now()
	d.now = func() time.Time { return clock }

	d.SetCooldown(a.ID, time.Minute)
	assert.True(t, d.IsInCooldown(a.ID))

	clock = clock.Add(2 * time.Minute)
	assert.False(t, d.IsInCooldown(a.ID))
	assert.False(t, d.IsInCooldown(a.ID), "entry removed on first expired read")
}

func TestLowSuccessRateFiltered(t *testing.T) {
	s := testStore(t)
	bad := addAccount(t, s, "bad", 50)
	good := addAccount(t, s, "good", 50)

	d := New(s)
	for i := 0; i < 20; i++ {
		d.RecordUsage(bad.ID, false)
		d.RecordUsage(good.ID, true)
	}

	for i := 0; i < 20; i++ {
		picked, err := d.Pick(store.KindAmazonQ, nil)
		require.NoError(t, err)
		assert.Equal(t, good.ID, picked.ID)
	}
}

func TestFilterExcludesCandidates(t *testing.T) {
	s := testStore(t)
	a := addAccount(t, s, "a", 50)
	b := addAccount(t, s, "b", 50)

	d := New(s)
	picked, err := d.Pick(store.KindAmazonQ, func(acc *store.Account) bool {
		return acc.ID != a.ID
	})
	require.NoError(t, err)
	assert.Equal(t, b.ID, picked.ID)
}

func TestRecentUsageWindowResets(t *testing.T) {
	s := testStore(t)
	a := addAccount(t, s, "a", 50)

	d := New(s)
	clock := time.Now()
	d.now = func() time.Time { return clock }

	for i := 0; i < 5; i++ {
		_, err := d.Pick(store.KindAmazonQ, nil)
		require.NoError(t, err)
	}
	d.mu.Lock()
	assert.Equal(t, 5, d.usage[a.ID].recentCount)
	d.mu.Unlock()

	clock = clock.Add(recentWindow + time.Second)
	_, err := d.Pick(store.KindAmazonQ, nil)
	require.NoError(t, err)
	d.mu.Lock()
	assert.Equal(t, 1, d.usage[a.ID].recentCount, "window crossing resets the counter")
	d.mu.Unlock()
}
