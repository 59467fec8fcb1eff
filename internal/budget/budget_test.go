package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_BurstThenDeny(t *testing.T) {
	g := NewGuard(60, 5, nil)
	frozen := time.Now()
	g.now = func() time.Time { return frozen }

	for i := 0; i < 5; i++ {
		d := g.Allow("203.0.113.10")
		require.True(t, d.Allowed, "request %d within burst must pass", i+1)
	}

	d := g.Allow("203.0.113.10")
	assert.False(t, d.Allowed)
	assert.GreaterOrEqual(t, d.RetryAfter, 1)
}

func TestGuard_IPsAreIndependent(t *testing.T) {
	g := NewGuard(60, 1, nil)
	frozen := time.Now()
	g.now = func() time.Time { return frozen }

	require.True(t, g.Allow("203.0.113.10").Allowed)
	assert.False(t, g.Allow("203.0.113.10").Allowed)

	// A different client still has its full budget
	assert.True(t, g.Allow("203.0.113.11").Allowed)
}

func TestGuard_TokensRefillOverTime(t *testing.T) {
	g := NewGuard(60, 1, nil)
	now := time.Now()
	g.now = func() time.Time { return now }

	require.True(t, g.Allow("203.0.113.10").Allowed)
	require.False(t, g.Allow("203.0.113.10").Allowed)

	now = now.Add(2 * time.Second) // 60/min refills one token per second
	assert.True(t, g.Allow("203.0.113.10").Allowed)
}

func TestGuard_EvictsIdleEntries(t *testing.T) {
	g := NewGuard(60, 5, nil)
	now := time.Now()
	g.now = func() time.Time { return now }

	g.Allow("203.0.113.10")
	g.Allow("203.0.113.11")
	require.Equal(t, 2, g.Tracked())

	now = now.Add(5 * time.Minute)
	g.Allow("203.0.113.11") // keeps this one fresh

	now = now.Add(6 * time.Minute)
	evicted := g.Evict()
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, g.Tracked())
}

func TestDailyQuota_ConsumeAndExhaust(t *testing.T) {
	q := NewDailyQuota(3)

	for i := 0; i < 3; i++ {
		require.True(t, q.Consume())
	}
	assert.False(t, q.Consume())
	assert.Equal(t, 3, q.Used(), "denied requests must not count")
	assert.Equal(t, 3, q.Max())
}

func TestDailyQuota_ResetsAtMidnightUTC(t *testing.T) {
	q := NewDailyQuota(2)
	now := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	require.True(t, q.Consume())
	require.True(t, q.Consume())
	require.False(t, q.Consume())

	now = time.Date(2025, 6, 2, 0, 1, 0, 0, time.UTC)
	assert.True(t, q.Consume())
	assert.Equal(t, 1, q.Used())
}

func TestDailyQuota_ConcurrentConsume(t *testing.T) {
	const max = 100
	q := NewDailyQuota(max)

	var wg sync.WaitGroup
	admitted := make(chan struct{}, 2*max)
	for i := 0; i < 2*max; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.Consume() {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	assert.Len(t, admitted, max)
	assert.Equal(t, max, q.Used())
}
