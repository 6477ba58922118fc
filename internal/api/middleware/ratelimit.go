package middleware

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/TaviloBreno/chat-laravel-angular/internal/crypto"
	"github.com/TaviloBreno/chat-laravel-angular/internal/hub"
	"github.com/TaviloBreno/chat-laravel-angular/internal/metrics"
)

// Counter holds rate limit state shared by every instance.
// store.RedisStore implements it.
type Counter interface {
	CountHit(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error)
	RecordViolation(ctx context.Context, ip string, within time.Duration) (int64, error)
	IsBlocked(ctx context.Context, ip string) (bool, error)
	Block(ctx context.Context, ip string, d time.Duration, reason string) error
}

// RateLimit is the budget of requests matching Pattern: "METHOD /path"
// prefix where "*" stands for exactly one path segment.
type RateLimit struct {
	Pattern  string
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

type RateLimiterConfig struct {
	// Whitelist holds IPs or CIDRs exempt from limiting.
	Whitelist        []string
	AutoBlockEnabled bool
}

const (
	violationWindow = time.Hour
	violationLimit  = 10
	autoBlockFor    = 24 * time.Hour
)

// RateLimiter applies fixed window limits per endpoint family.
type RateLimiter struct {
	counter   Counter
	limits    []RateLimit
	allow     []netip.Prefix
	autoBlock bool
	logger    zerolog.Logger
	now       func() time.Time
}

func NewRateLimiter(counter Counter, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		counter:   counter,
		limits:    DefaultLimits(),
		autoBlock: cfg.AutoBlockEnabled,
		logger:    logger,
		now:       time.Now,
	}
	for _, entry := range cfg.Whitelist {
		p, err := parseAllowEntry(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("ignoring invalid whitelist entry")
			continue
		}
		rl.allow = append(rl.allow, p)
	}
	if len(rl.allow) > 0 {
		logger.Info().Int("entries", len(rl.allow)).Msg("rate limit whitelist configured")
	}
	return rl
}

func parseAllowEntry(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		return p.Masked(), err
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (rl *RateLimiter) whitelisted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range rl.allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// DefaultLimits returns the per-endpoint limits, most specific pattern first.
// Typing pings are frequent by nature, so they get the loosest budget.
func DefaultLimits() []RateLimit {
	return []RateLimit{
		{"POST /conversations/*/typing", 120, time.Minute, tokenKey},
		{"POST /conversations/*/messages", 60, time.Minute, tokenKey},
		{"POST /conversations/*/participants", 30, time.Minute, tokenKey},
		{"DELETE /conversations/", 30, time.Minute, tokenKey},
		{"POST /conversations", 10, time.Minute, tokenKey},
		{"PATCH /messages/", 60, time.Minute, tokenKey},
		{"DELETE /messages/", 60, time.Minute, tokenKey},
		{"POST /broadcasting/auth", 120, time.Minute, tokenKey},
		{"GET /ws", 30, time.Minute, ipKey},
	}
}

func ipKey(r *http.Request) string {
	return "ip:" + RealIP(r)
}

// tokenKey keys on a prefix of the bearer token hash, falling back to the IP.
func tokenKey(r *http.Request) string {
	hash, err := crypto.HashToken(hub.BearerToken(r))
	if err != nil {
		return ipKey(r)
	}
	return "token:" + hash[:16]
}

// RealIP returns the client address, trusting proxy headers first.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if rl.whitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		log := rl.logger.With().Str("ip", ip).Str("endpoint", r.URL.Path).Logger()

		blocked, err := rl.counter.IsBlocked(ctx, ip)
		if err != nil {
			log.Warn().Err(err).Msg("block lookup failed")
		}
		if blocked {
			log.Warn().Str("type", "security").Str("event", "blocked_request").Msg("blocked IP attempted request")
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		limit := rl.findLimit(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := limit.KeyFunc(r)
		start := time.Now()
		hits, resetAt, err := rl.counter.CountHit(ctx, key, limit.Window, rl.now())
		metrics.RedisLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			// fail open
			log.Warn().Err(err).Str("key", key).Msg("rate limit check failed")
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(limit.Requests-int(hits), 0)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if hits > int64(limit.Requests) {
			retry := int(resetAt.Sub(rl.now()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			log.Warn().Str("type", "security").Str("event", "rate_limit_exceeded").Str("key", key).Msg("rate limit exceeded")
			metrics.RateLimitHits.WithLabelValues(limit.Pattern).Inc()
			rl.recordViolation(ctx, ip, log)
			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findLimit returns the first limit whose pattern matches the request.
func (rl *RateLimiter) findLimit(r *http.Request) *RateLimit {
	key := r.Method + " " + r.URL.Path
	for i := range rl.limits {
		if matchPattern(rl.limits[i].Pattern, key) {
			return &rl.limits[i]
		}
	}
	return nil
}

// matchPattern is a prefix match where "*" stands for one path segment.
func matchPattern(pattern, key string) bool {
	head, tail, wild := strings.Cut(pattern, "*")
	if !wild {
		return strings.HasPrefix(key, pattern)
	}
	if !strings.HasPrefix(key, head) {
		return false
	}
	rest := key[len(head):]
	slash := strings.IndexByte(rest, '/')
	if slash <= 0 {
		return false
	}
	return matchPattern(tail, rest[slash:])
}

// recordViolation blocks an IP once it keeps hitting limits.
func (rl *RateLimiter) recordViolation(ctx context.Context, ip string, log zerolog.Logger) {
	if !rl.autoBlock {
		return
	}
	count, err := rl.counter.RecordViolation(ctx, ip, violationWindow)
	if err != nil {
		log.Warn().Err(err).Msg("recording violation failed")
		return
	}
	if count < violationLimit {
		return
	}
	if err := rl.counter.Block(ctx, ip, autoBlockFor, "repeated rate limit violations"); err != nil {
		log.Warn().Err(err).Msg("auto-block failed")
		return
	}
	log.Warn().Str("type", "security").Str("event", "ip_auto_blocked").Int64("violations", count).Msg("IP auto-blocked for repeated violations")
}
