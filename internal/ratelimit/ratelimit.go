// Package ratelimit enforces fixed-window request limits with counters held in
// Redis, so every instance behind a load balancer shares the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/proofroom/proofroom/internal/httputil"
	"github.com/redis/go-redis/v9"
)

// incrWindow increments the counter and starts the window on the first hit.
// It also repairs a counter that somehow lost its expiry.
var incrWindow = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

type Rule struct {
	Window      time.Duration
	MaxRequests int64
	Message     string
}

type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Denial describes a rejected request. The HTTP response has already been
// written when a caller receives one.
type Denial struct {
	Purpose    string
	Identity   string
	Count      int64
	Limit      int64
	RetryAfter time.Duration
	Message    string
}

type denialBody struct {
	Error        string `json:"error"`
	RetryAfterMs int64  `json:"retryAfterMs"`
}

type Limiter struct {
	client redis.Cmdable
}

func NewLimiter(client redis.Cmdable) *Limiter {
	return &Limiter{client: client}
}

func Key(purpose, identity string) string {
	return "ratelimit:" + purpose + ":" + identity
}

func (l *Limiter) Allow(ctx context.Context, key string, rule Rule) (Decision, error) {
	window := rule.Window
	if window <= 0 {
		window = time.Minute
	}

	res, err := incrWindow.Run(ctx, l.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("increment %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{Allowed: true}, fmt.Errorf("increment %s: unexpected reply length %d", key, len(res))
	}

	count := res[0]
	return Decision{
		Allowed:    count <= rule.MaxRequests,
		Count:      count,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}

// Check applies rule to the request. identity defaults to the client IP. A nil
// return means the request may proceed; otherwise a 429 has been written.
// Cache failures let the request through.
func (l *Limiter) Check(w http.ResponseWriter, r *http.Request, rule Rule, purpose, identity string) *Denial {
	if l == nil || rule.MaxRequests <= 0 {
		return nil
	}
	if identity == "" {
		identity = httputil.ClientIP(r)
	}

	decision, err := l.Allow(r.Context(), Key(purpose, identity), rule)
	if err != nil {
		slog.Error("ratelimit: counter unavailable, allowing request", "purpose", purpose, "error", err)
		return nil
	}
	if decision.Allowed {
		return nil
	}

	message := rule.Message
	if message == "" {
		message = "too many requests"
	}
	denial := &Denial{
		Purpose:    purpose,
		Identity:   identity,
		Count:      decision.Count,
		Limit:      rule.MaxRequests,
		RetryAfter: decision.RetryAfter,
		Message:    message,
	}
	writeDenial(w, denial)
	return denial
}

func (l *Limiter) Middleware(rule Rule, purpose string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if denial := l.Check(w, r, rule, purpose, ""); denial != nil {
				slog.Warn("ratelimit: request denied", "purpose", purpose, "path", r.URL.Path, "count", denial.Count)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeDenial(w http.ResponseWriter, d *Denial) {
	seconds := int64(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	httputil.WriteJSON(w, http.StatusTooManyRequests, denialBody{
		Error:        d.Message,
		RetryAfterMs: d.RetryAfter.Milliseconds(),
	})
}
