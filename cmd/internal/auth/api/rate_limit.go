package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"avancira/cmd/internal/apperr"

	"github.com/go-chi/httprate"
)

// rateLimit builds a per-client-IP limiter of n requests per minute. n <= 0 disables it.
func (h *Handler) rateLimit(name string, n int) func(http.Handler) http.Handler {
	if n <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	key := httprate.KeyByIP
	if h.cfg.TrustProxy {
		key = httprate.KeyByRealIP
	}
	return httprate.Limit(
		n,
		time.Minute,
		httprate.WithKeyFuncs(key),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			h.log.Warn("auth.rate_limited", "limiter", name, "path", r.URL.Path, "ip", h.resolver.FromRequest(r, "").IPString())
			writeRateLimited(w, time.Minute)
		}),
	)
}

type lockoutTier struct {
	Threshold int
	Duration  time.Duration
}

func (h *Handler) lockoutTiers() []lockoutTier {
	return []lockoutTier{
		{Threshold: h.cfg.LockoutSevereThreshold, Duration: h.cfg.LockoutSevereDuration},
		{Threshold: h.cfg.LockoutLongThreshold, Duration: h.cfg.LockoutLongDuration},
		{Threshold: h.cfg.LockoutShortThreshold, Duration: h.cfg.LockoutShortDuration},
	}
}

// checkLockout applies progressive lockout to an identifier before credentials are checked.
func (h *Handler) checkLockout(ctx context.Context, identifier string, now time.Time) (bool, time.Duration, error) {
	if h.auditLog == nil || identifier == "" {
		return false, 0, nil
	}
	failures, err := h.auditLog.RecentFailures(ctx, identifier, now.Add(-h.cfg.LockoutWindow))
	if err != nil {
		return false, 0, err
	}
	blocked, retry := evaluateProgressiveLockout(now, failures, h.lockoutTiers())
	return blocked, retry, nil
}

// evaluateProgressiveLockout checks tiers in order. A tier whose threshold is
// met blocks until Duration after the most recent failure.
func evaluateProgressiveLockout(now time.Time, failures []time.Time, tiers []lockoutTier) (bool, time.Duration) {
	if len(failures) == 0 {
		return false, 0
	}
	latest := failures[0]
	for _, f := range failures[1:] {
		if f.After(latest) {
			latest = f
		}
	}
	for _, tier := range tiers {
		if tier.Threshold <= 0 || tier.Duration <= 0 || len(failures) < tier.Threshold {
			continue
		}
		if retry := latest.Add(tier.Duration).Sub(now); retry > 0 {
			return true, retry
		}
	}
	return false, 0
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	apperr.Write(w, apperr.TooManyRequests("too many attempts"))
}
