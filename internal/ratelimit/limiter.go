package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultPerMinute = 60
	DefaultPerHour   = 1000
)

// Limiter admits requests per client key under two simultaneous sliding
// windows. Each client has its own bucket and lock; the registry mutex only
// guards bucket lookup, so unrelated clients never contend.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	perMinute  int
	perHour    int
	maxBuckets int
}

type bucket struct {
	mu   sync.Mutex
	hits []time.Time
}

func New(perMinute, perHour int) *Limiter {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	if perHour <= 0 {
		perHour = DefaultPerHour
	}

	return &Limiter{
		buckets:    make(map[string]*bucket),
		perMinute:  perMinute,
		perHour:    perHour,
		maxBuckets: 5000,
	}
}

// Admit reports whether a request from key may proceed now. A request is
// admitted only when both windows are under quota; on denial the returned
// duration says how long until the violated window has room again. When both
// windows are over quota the minute window decides, since its reset is always
// the nearer one.
func (l *Limiter) Admit(key string, now time.Time) (bool, time.Duration) {
	b := l.bucket(key, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	hourThreshold := now.Add(-time.Hour)
	minuteThreshold := now.Add(-time.Minute)

	trimmed := b.hits[:0]
	for _, hit := range b.hits {
		if hit.After(hourThreshold) {
			trimmed = append(trimmed, hit)
		}
	}
	b.hits = trimmed

	inMinute := 0
	var oldestInMinute time.Time
	for _, hit := range b.hits {
		if hit.After(minuteThreshold) {
			if inMinute == 0 {
				oldestInMinute = hit
			}
			inMinute++
		}
	}

	var retryAfter time.Duration
	switch {
	case inMinute >= l.perMinute:
		retryAfter = oldestInMinute.Add(time.Minute).Sub(now)
	case len(b.hits) >= l.perHour:
		retryAfter = b.hits[0].Add(time.Hour).Sub(now)
	}
	if retryAfter > 0 {
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter
	}

	b.hits = append(b.hits, now)
	return true, 0
}

func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.Admit(clientIP(r), time.Now().UTC())
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) bucket(key string, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxBuckets {
			l.prune(now)
		}
		b = &bucket{}
		l.buckets[key] = b
	}

	return b
}

// prune drops buckets with no hit inside the hour window. Called with l.mu held.
func (l *Limiter) prune(now time.Time) {
	threshold := now.Add(-time.Hour)
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := len(b.hits) == 0 || !b.hits[len(b.hits)-1].After(threshold)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
		}
	}
}

func clientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}
