package security

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyType selects which limit applies to a Key
type KeyType string

const (
	// KeyTypeToken limits per bearer token (tool invocations)
	KeyTypeToken KeyType = "token"

	// KeyTypeIP limits per client IP (SSE connections)
	KeyTypeIP KeyType = "ip"

	// KeyTypeOAuth limits per client IP on the token and revoke endpoints
	KeyTypeOAuth KeyType = "oauth"

	// KeyTypeRegistration limits per client IP on dynamic client registration
	KeyTypeRegistration KeyType = "registration"
)

// Key identifies the subject of a rate limit check
type Key struct {
	Type  KeyType
	Value string
}

// Limit allows Requests per Window, refilled continuously
type Limit struct {
	Requests int
	Window   time.Duration
}

// Decision is the outcome of a rate limit check. When the request is denied,
// ResetAt is the earliest time a retry can succeed.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the whole seconds until ResetAt, at least 1
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// DefaultLimits are the limits applied by the gateway when none are configured
func DefaultLimits() map[KeyType]Limit {
	return map[KeyType]Limit{
		KeyTypeToken:        {Requests: 1000, Window: time.Hour},
		KeyTypeIP:           {Requests: 60, Window: time.Minute},
		KeyTypeOAuth:        {Requests: 30, Window: time.Minute},
		KeyTypeRegistration: {Requests: 10, Window: time.Hour},
	}
}

const (
	// DefaultMaxEntries is the default number of keys tracked before LRU eviction
	DefaultMaxEntries = 10000

	defaultCleanupInterval = 5 * time.Minute
	defaultMaxIdleTime     = 30 * time.Minute
)

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-key rate limiting using a token bucket per key,
// with LRU eviction to prevent unbounded memory growth.
type RateLimiter struct {
	limits          map[KeyType]Limit
	limiters        map[string]*list.Element // identifier -> list element
	lruList         *list.List               // LRU list of *rateLimiterEntry
	mu              sync.Mutex
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time

	// Statistics
	totalEvictions int64
	totalCleanups  int64
	totalDenied    int64
}

// NewRateLimiter creates a rate limiter with automatic cleanup and the default
// maximum of 10,000 tracked keys. Key types without a limit are never limited.
func NewRateLimiter(limits map[KeyType]Limit, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(limits, DefaultMaxEntries, logger)
}

// NewRateLimiterWithConfig creates a rate limiter with a custom maximum number
// of tracked keys. Set maxEntries to 0 for unlimited (not recommended for production).
func NewRateLimiterWithConfig(limits map[KeyType]Limit, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		maxEntries = DefaultMaxEntries
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
	}

	copied := make(map[KeyType]Limit, len(limits))
	for k, l := range limits {
		if l.Requests <= 0 || l.Window <= 0 {
			logger.Warn("Ignoring invalid rate limit", "key_type", k, "requests", l.Requests, "window", l.Window)
			continue
		}
		copied[k] = l
	}

	rl := &RateLimiter{
		limits:          copied,
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: defaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}

	go rl.cleanupLoop()

	return rl
}

// Check consumes one request for key and reports whether it is allowed
func (rl *RateLimiter) Check(key Key) Decision {
	limit, ok := rl.limits[key.Type]
	if !ok {
		return Decision{Allowed: true}
	}

	// Raw bearer tokens must never sit in memory as map keys
	identifier := string(key.Type) + ":" + digest(key.Value)
	interval := limit.Window / time.Duration(limit.Requests)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	lim := rl.limiterFor(identifier, limit, interval, now)

	if lim.AllowN(now, 1) {
		remaining := int(lim.TokensAt(now))
		if remaining < 0 {
			remaining = 0
		}
		// Time until the bucket is full again
		missing := float64(limit.Requests) - lim.TokensAt(now)
		return Decision{
			Allowed:   true,
			Remaining: remaining,
			ResetAt:   now.Add(time.Duration(missing * float64(interval))),
		}
	}

	rl.totalDenied++
	// One token short; the deficit tells how long until the next one
	deficit := 1 - lim.TokensAt(now)
	return Decision{
		Allowed: false,
		ResetAt: now.Add(time.Duration(deficit * float64(interval))),
	}
}

// limiterFor returns the limiter for identifier, creating it if needed.
// Must be called with mutex locked.
func (rl *RateLimiter) limiterFor(identifier string, limit Limit, interval time.Duration, now time.Time) *rate.Limiter {
	if elem, exists := rl.limiters[identifier]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Every(interval), limit.Requests),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)
	return entry.limiter
}

// evictLRU removes the least recently used entry from the cache.
// Must be called with mutex locked.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

// cleanupLoop periodically removes inactive rate limiters to prevent memory leaks
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(defaultMaxIdleTime)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters that haven't been accessed for maxIdleTime
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0

	// The list is ordered by recency, so idle entries sit at the back
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) <= maxIdleTime {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.identifier)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int     // Current number of tracked keys
	MaxEntries     int     // Maximum allowed entries (0 = unlimited)
	TotalEvictions int64   // Total number of LRU evictions
	TotalCleanups  int64   // Total number of cleanup operations
	TotalDenied    int64   // Total number of denied checks
	MemoryPressure float64 // Percentage of max capacity used (0-100)
}

// GetStats returns current rate limiter statistics for monitoring and alerting.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := Stats{
		CurrentEntries: len(rl.limiters),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
		TotalDenied:    rl.totalDenied,
	}

	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}

	return stats
}

func digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:16])
}
