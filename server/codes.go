package server

import (
	"log/slog"
	"sync"
	"time"
)

// MaxSweepPerTick bounds how many expired codes a single sweep deletes
const MaxSweepPerTick = 100

// AuthorizationCode is a pending authorization, held only in process memory
// and keyed by the SHA-256 hash of the code handed to the client.
type AuthorizationCode struct {
	CodeHash            string
	UserID              string
	OrganizationID      string
	ClientName          string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
}

// IsExpired reports whether the code expired before now
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return c.ExpiresAt.Before(now)
}

// CodeCache stores issued authorization codes until they are exchanged or expire.
// A code is issued once and leaves the cache either through Take (exchanged)
// or Sweep (expired); it can never be exchanged twice.
type CodeCache struct {
	mu    sync.RWMutex
	codes map[string]*AuthorizationCode

	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
	onSweep   func(n int)
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewCodeCache creates an empty cache swept every interval once started
func NewCodeCache(interval time.Duration, logger *slog.Logger) *CodeCache {
	if interval <= 0 {
		interval = DefaultCodeSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CodeCache{
		codes:    make(map[string]*AuthorizationCode),
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Put stores a code under its hash, replacing any existing entry
func (c *CodeCache) Put(code *AuthorizationCode) {
	entry := *code
	c.mu.Lock()
	c.codes[entry.CodeHash] = &entry
	c.mu.Unlock()
}

// Get returns a copy of the unexpired code stored under hash
func (c *CodeCache) Get(hash string) (*AuthorizationCode, bool) {
	c.mu.RLock()
	entry, ok := c.codes[hash]
	c.mu.RUnlock()

	if !ok || entry.IsExpired(c.now()) {
		return nil, false
	}
	code := *entry
	return &code, true
}

// Take atomically removes the code stored under hash and returns it.
// Of several concurrent callers at most one gets the code. Expired codes are
// removed but not returned.
func (c *CodeCache) Take(hash string) (*AuthorizationCode, bool) {
	c.mu.Lock()
	entry, ok := c.codes[hash]
	if ok {
		delete(c.codes, hash)
	}
	c.mu.Unlock()

	if !ok || entry.IsExpired(c.now()) {
		return nil, false
	}
	return entry, true
}

// Sweep deletes up to MaxSweepPerTick codes that expired before now and
// returns how many were deleted
func (c *CodeCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	deleted := 0
	for hash, entry := range c.codes {
		if deleted >= MaxSweepPerTick {
			break
		}
		if entry.IsExpired(now) {
			delete(c.codes, hash)
			deleted++
		}
	}
	return deleted
}

// Len returns the number of codes currently held, expired or not
func (c *CodeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.codes)
}

// Start runs the periodic sweep in a background goroutine. Safe to call more than once.
func (c *CodeCache) Start() {
	c.startOnce.Do(func() {
		go c.sweepLoop()
	})
}

// Stop ends the periodic sweep. Safe to call more than once.
func (c *CodeCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *CodeCache) sweepLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(c.now()); n > 0 {
				c.logger.Debug("Swept expired authorization codes", "count", n)
				if c.onSweep != nil {
					c.onSweep(n)
				}
			}
		case <-c.stop:
			return
		}
	}
}
