package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// commitLimiter keeps one token bucket per player for the commit endpoint.
type commitLimiter struct {
	perSecond rate.Limit
	burst     int
	now       func() time.Time

	mu        sync.Mutex
	players   map[string]*limiterEntry
	lastSweep time.Time
}

func newCommitLimiter(perSecond float64, burst int) *commitLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &commitLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		now:       time.Now,
		players:   make(map[string]*limiterEntry),
	}
}

func (c *commitLimiter) allow(playerID string) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if now.Sub(c.lastSweep) > limiterIdleTTL {
		for id, entry := range c.players {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(c.players, id)
			}
		}
		c.lastSweep = now
	}
	entry, ok := c.players[playerID]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(c.perSecond, c.burst)}
		c.players[playerID] = entry
	}
	entry.lastSeen = now
	res := entry.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (c *commitLimiter) middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			playerID, err := playerFromContext(r.Context())
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			ok, wait := c.allow(playerID)
			if !ok {
				m.ObserveRateLimited()
				secs := int(wait.Seconds())
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, http.StatusTooManyRequests, "too many commits, slow down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
