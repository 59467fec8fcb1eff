// Package budget enforces the two request budgets of the license API:
// a per-IP sliding rate limit and a process-wide daily request quota
// that resets at midnight UTC.
package budget

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed    bool
	RetryAfter int // seconds, only meaningful when !Allowed
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Guard tracks one token-bucket limiter per client IP. Entries idle for
// longer than the eviction window are dropped so the map stays bounded by
// the set of recently active clients.
type Guard struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rps      rate.Limit
	burst    int
	idleTTL  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewGuard creates a per-IP rate limit guard allowing perMinute requests
// per minute with the given burst.
func NewGuard(perMinute, burst int, logger *slog.Logger) *Guard {
	if burst < 1 {
		burst = 1
	}
	return &Guard{
		limiters: make(map[string]*ipLimiter),
		rps:      rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		logger:   logger,
		now:      time.Now,
	}
}

// Allow consumes one token from the limiter of the given IP, creating it
// on first sight. A denial carries the seconds to wait before retrying.
func (g *Guard) Allow(ip string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	entry, ok := g.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(g.rps, g.burst)}
		g.limiters[ip] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return Decision{Allowed: false, RetryAfter: 60}
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		// Not enough tokens now; give the token back and tell the client
		// when one will be available.
		reservation.CancelAt(now)
		retryAfter := int(delay.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}
	return Decision{Allowed: true}
}

// Evict drops limiters that have been idle past the eviction window and
// returns how many were removed. Meant to run from a periodic sweeper.
func (g *Guard) Evict() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-g.idleTTL)
	evicted := 0
	for ip, entry := range g.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(g.limiters, ip)
			evicted++
		}
	}
	if evicted > 0 && g.logger != nil {
		g.logger.Debug("evicted idle rate limiters", "count", evicted)
	}
	return evicted
}

// Tracked returns the number of IPs currently holding a limiter.
func (g *Guard) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.limiters)
}

// DailyQuota is the process-wide request budget. The counter keys off the
// current UTC date, so the first request after midnight UTC observes a
// fresh day and resets it.
type DailyQuota struct {
	mu   sync.Mutex
	max  int
	used int
	day  string
	now  func() time.Time
}

// NewDailyQuota creates a quota of max requests per UTC day.
func NewDailyQuota(max int) *DailyQuota {
	return &DailyQuota{max: max, now: time.Now}
}

// Consume counts one request against today's budget. It reports false
// once the budget is exhausted; the counter still reflects only admitted
// requests.
func (q *DailyQuota) Consume() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rollover()
	if q.used >= q.max {
		return false
	}
	q.used++
	return true
}

// Used returns the number of requests admitted so far today.
func (q *DailyQuota) Used() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	return q.used
}

// Max returns the daily budget.
func (q *DailyQuota) Max() int { return q.max }

// rollover resets the counter when the UTC date has changed. Callers must
// hold q.mu.
func (q *DailyQuota) rollover() {
	today := q.now().UTC().Format("2006-01-02")
	if today != q.day {
		q.day = today
		q.used = 0
	}
}
