package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/ridepool/internal/auth"
)

var throttledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ride_rate_limited_total",
	Help: "Requests refused by the rate limiter grouped by scope.",
}, []string{"scope"})

// Scope names a bucket family. Every route opts into exactly one.
type Scope string

const (
	ScopeRead    Scope = "read"
	ScopeWrite   Scope = "write"
	ScopeMatch   Scope = "match"
	ScopeBooking Scope = "booking"
)

// Rule admits Rate requests per second on average and up to Burst back to
// back. A zero Rate or Burst turns the scope off.
type Rule struct {
	Rate  float64
	Burst int
}

func (r Rule) enabled() bool { return r.Rate > 0 && r.Burst > 0 }

// interval is the spacing between requests at the steady rate, in whole
// milliseconds so the script stays in integer arithmetic.
func (r Rule) interval() int64 {
	ms := int64(math.Ceil(1000 / r.Rate))
	if ms < 1 {
		ms = 1
	}
	return ms
}

// RateLimiter throttles authenticated callers with a GCRA bucket per scope
// and principal, stored in Redis so every replica shares it.
type RateLimiter struct {
	client redis.Cmdable
	rules  map[Scope]Rule
	script *redis.Script
	now    func() time.Time
	logger *zap.Logger
}

// NewRateLimiter returns nil when client is nil, which disables limiting.
func NewRateLimiter(client redis.Cmdable, rules map[Scope]Rule, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		client: client,
		rules:  rules,
		script: redis.NewScript(gcraLua),
		now:    time.Now,
		logger: logger,
	}
}

// Limit charges the caller's bucket for scope. It must run after
// authentication: requests without a principal pass through untouched.
func (l *RateLimiter) Limit(scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil || !l.rules[scope].enabled() {
			return next
		}
		rule := l.rules[scope]
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			allowed, retryAfter, err := l.allow(r.Context(), "rl:"+string(scope)+":"+p.ID.String(), rule)
			if err != nil {
				l.logger.Error("rate limit check", zap.String("scope", string(scope)), zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "dependency_unavailable", "rate limiter unavailable")
				return
			}
			if !allowed {
				throttledTotal.WithLabelValues(string(scope)).Inc()
				w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", http.StatusText(http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *RateLimiter) allow(ctx context.Context, key string, rule Rule) (bool, time.Duration, error) {
	res, err := l.script.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), rule.interval(), rule.Burst).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit script returned %d values", len(res))
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": code, "message": message}})
}

// gcraLua keeps one theoretical arrival time per key. A request is admitted
// while that time is less than burst intervals ahead of now.
const gcraLua = `
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local tat = now
local stored = redis.call('GET', KEYS[1])
if stored then
  tat = math.max(tonumber(stored), now)
end

local allow_at = tat + interval - burst * interval
if now < allow_at then
  return {0, allow_at - now}
end

local new_tat = tat + interval
redis.call('SET', KEYS[1], new_tat, 'PX', new_tat - now)
return {1, 0}
`
