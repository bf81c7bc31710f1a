package server

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// rateWindow is the sliding window over which requests are counted.
const rateWindow = 60 * time.Second

// limiter counts requests per client IP over a sliding window. Buckets
// live in a janitored cache so idle clients stop costing memory.
type limiter struct {
	limit int // requests per window, 0 disables the limiter

	mu      sync.Mutex
	buckets *gocache.Cache
}

func newLimiter(limit int) *limiter {
	return &limiter{
		limit:   limit,
		buckets: gocache.New(2*rateWindow, 5*time.Minute),
	}
}

// check returns 0 when the request may proceed, otherwise the number of
// seconds the client should wait before retrying.
func (l *limiter) check(ip string) int {
	if l.limit <= 0 {
		return 0
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	var stamps []time.Time
	if v, ok := l.buckets.Get(ip); ok {
		stamps = v.([]time.Time)
	}
	kept := stamps[:0]
	for _, t := range stamps {
		if now.Sub(t) < rateWindow {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.buckets.Set(ip, kept, gocache.DefaultExpiration)
		retry := int(kept[0].Add(rateWindow).Sub(now).Seconds()) + 1
		if retry < 1 {
			retry = 1
		}
		return retry
	}
	kept = append(kept, now)
	l.buckets.Set(ip, kept, gocache.DefaultExpiration)
	return 0
}
