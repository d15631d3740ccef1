package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	perMinuteBudget = 20
	perHourBudget   = 100

	// bucketIdle is how long an IP may stay quiet before its buckets are
	// swept. It must cover the hour window, or a swept client would get a
	// fresh hourly budget.
	bucketIdle = time.Hour
)

// RateLimiter enforces the dual per-IP budget on validate calls: 20 requests
// per minute and 100 per hour, both token buckets.
//
// The zero value is not usable — create instances with NewRateLimiter.
type RateLimiter struct {
	mu    sync.Mutex
	perIP map[string]*ipBuckets
	now   func() time.Time
}

type ipBuckets struct {
	minute   *rate.Limiter
	hour     *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		perIP: make(map[string]*ipBuckets),
		now:   time.Now,
	}
}

// Allow reports whether ip may make another request now. A denied request
// still drains the other bucket, so hammering one window cannot bank tokens
// in the other.
func (l *RateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.perIP[ip]
	if !ok {
		b = &ipBuckets{
			minute: rate.NewLimiter(rate.Every(time.Minute/perMinuteBudget), perMinuteBudget),
			hour:   rate.NewLimiter(rate.Every(time.Hour/perHourBudget), perHourBudget),
		}
		l.perIP[ip] = b
	}
	b.lastSeen = l.now()

	okMinute := b.minute.Allow()
	okHour := b.hour.Allow()
	return okMinute && okHour
}

// Sweep drops buckets for IPs idle longer than the hour window and returns
// how many were removed. Wired as a periodic maintenance job.
func (l *RateLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-bucketIdle)
	n := 0
	for ip, b := range l.perIP {
		if b.lastSeen.Before(cutoff) {
			delete(l.perIP, ip)
			n++
		}
	}
	return n
}

// Len reports how many IPs currently hold buckets.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perIP)
}
