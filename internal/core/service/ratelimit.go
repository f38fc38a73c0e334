package service

import (
	"sync"
	"time"

	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
	"golang.org/x/time/rate"
)

const limiterSweepThreshold = 1024

// InitiateLimiter is a per-user token bucket on call initiation.
type InitiateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	idle     time.Duration
	limiters map[domain.UserID]*userLimiter
	now      func() time.Time
}

type userLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewInitiateLimiter allows perMinute initiations per user with the given
// burst. perMinute <= 0 disables limiting.
func NewInitiateLimiter(perMinute, burst int) *InitiateLimiter {
	l := rate.Inf
	if perMinute > 0 {
		l = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst < 1 {
		burst = 1
	}
	return &InitiateLimiter{
		limit:    l,
		burst:    burst,
		idle:     10 * time.Minute,
		limiters: make(map[domain.UserID]*userLimiter),
		now:      time.Now,
	}
}

func (l *InitiateLimiter) Allow(userID domain.UserID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	ul, ok := l.limiters[userID]
	if !ok {
		if len(l.limiters) >= limiterSweepThreshold {
			l.sweepLocked(now)
		}
		ul = &userLimiter{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = ul
	}
	ul.lastSeen = now
	return ul.lim.AllowN(now, 1)
}

func (l *InitiateLimiter) sweepLocked(now time.Time) {
	for id, ul := range l.limiters {
		if now.Sub(ul.lastSeen) > l.idle {
			delete(l.limiters, id)
		}
	}
}
