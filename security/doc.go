// Package security provides the gateway's security collaborators: the audit
// sink, per-key rate limiting, client IP extraction, Origin validation, and
// response hardening (security headers and request IDs).
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per Key. The Key's Type selects the
// Limit, so tool invocations are counted per bearer token while SSE
// connections and OAuth endpoints are counted per client IP:
//
//	limiter := security.NewRateLimiter(security.DefaultLimits(), logger)
//	defer limiter.Stop()
//
//	d := limiter.Check(security.Key{Type: security.KeyTypeIP, Value: ip})
//	if !d.Allowed {
//	    w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter(time.Now())))
//	    w.WriteHeader(http.StatusTooManyRequests)
//	    return
//	}
//
// Key values are hashed before they are used as map keys, so raw bearer
// tokens never stay in limiter memory. At most MaxEntries keys are tracked;
// when the limit is reached the least recently used key is evicted, and a
// background loop drops keys idle for 30 minutes.
//
// # Audit Logging
//
// Auditor writes one "security_audit" record per event. User IDs are logged
// only as a truncated SHA-256 hash.
package security
