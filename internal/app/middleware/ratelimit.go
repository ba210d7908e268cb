package middleware

/*
				Streamgate Middleware - request rate limiting
	Per-key sliding window with a short burst clause on top of a global
	limiter. The window counts raw timestamps, so the steady rate holds over
	any 60 second span, not just fixed buckets; the burst clause lets a
	player fire a handful of range probes in quick succession without
	tripping the steady limit.
*/

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"github.com/streamgate/streamgate/internal/core/constants"
	"github.com/streamgate/streamgate/internal/logger"
	"github.com/streamgate/streamgate/internal/util"
)

const (
	rateWindow  = 60 * time.Second
	burstWindow = 5 * time.Second

	purgeEvery = 1000
)

type RateLimiterConfig struct {
	// RequestsPerWindow is the steady per-key budget over 60 s.
	RequestsPerWindow int
	// BurstLimit admits short spikes: up to this many requests inside any
	// 5 s span even when the steady budget is exhausted.
	BurstLimit int
	// GlobalLimit caps total admitted requests per second across all keys.
	GlobalLimit int
	// Whitelist keys bypass limiting entirely.
	Whitelist []string
}

type bucket struct {
	mu     sync.Mutex
	stamps []time.Time
}

// RateLimiter admits or rejects requests per client key.
type RateLimiter struct {
	cfg       RateLimiterConfig
	buckets   *xsync.Map[string, *bucket]
	global    *rate.Limiter
	whitelist map[string]struct{}
	requests  atomic.Uint64
	logger    *logger.StyledLogger

	now func() time.Time
}

func NewRateLimiter(cfg RateLimiterConfig, lgr *logger.StyledLogger) *RateLimiter {
	whitelist := make(map[string]struct{}, len(cfg.Whitelist))
	for _, key := range cfg.Whitelist {
		whitelist[key] = struct{}{}
	}

	var global *rate.Limiter
	if cfg.GlobalLimit > 0 {
		global = rate.NewLimiter(rate.Limit(cfg.GlobalLimit), cfg.GlobalLimit)
	}

	return &RateLimiter{
		cfg:       cfg,
		buckets:   xsync.NewMap[string, *bucket](),
		global:    global,
		whitelist: whitelist,
		logger:    lgr,
		now:       time.Now,
	}
}

// Middleware enforces the limit, keyed by forwarded-for or peer address.
// The status endpoint is never limited.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, constants.DefaultStatusEndpoint) {
			next.ServeHTTP(w, r)
			return
		}

		key := util.ClientIP(r)
		if !rl.Allow(key) {
			rl.logger.Warn("rate limit exceeded", "key", key, "path", r.URL.Path)
			w.Header().Set(constants.HeaderRetryAfter, strconv.Itoa(int(rateWindow.Seconds())))
			WriteJSONError(w, http.StatusTooManyRequests, "Too many requests, slow down.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Allow records one request for key and reports whether it is admitted.
func (rl *RateLimiter) Allow(key string) bool {
	if _, ok := rl.whitelist[key]; ok {
		return true
	}
	if rl.global != nil && !rl.global.Allow() {
		return false
	}

	if rl.requests.Add(1)%purgeEvery == 0 {
		rl.purge()
	}

	b, _ := rl.buckets.LoadOrCompute(key, func() (*bucket, bool) {
		return &bucket{}, false
	})

	now := rl.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stamps = trimBefore(b.stamps, now.Add(-rateWindow))

	if len(b.stamps) < rl.cfg.RequestsPerWindow {
		b.stamps = append(b.stamps, now)
		return true
	}

	// Steady budget exhausted; the burst clause still admits short spikes.
	recent := 0
	cutoff := now.Add(-burstWindow)
	for i := len(b.stamps) - 1; i >= 0 && b.stamps[i].After(cutoff); i-- {
		recent++
	}
	if recent < rl.cfg.BurstLimit {
		b.stamps = append(b.stamps, now)
		return true
	}

	return false
}

// purge drops buckets whose every timestamp has aged out.
func (rl *RateLimiter) purge() {
	cutoff := rl.now().Add(-rateWindow)
	rl.buckets.Range(func(key string, b *bucket) bool {
		b.mu.Lock()
		stale := len(b.stamps) == 0 || b.stamps[len(b.stamps)-1].Before(cutoff)
		b.mu.Unlock()
		if stale {
			rl.buckets.Delete(key)
		}
		return true
	})
}

func trimBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[idx:]...)
}
