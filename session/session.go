package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-gateway/storage"
)

const (
	// DefaultIdleTTL is how long a session survives without requests
	DefaultIdleTTL = 30 * time.Minute

	// MaxSweepPerTick bounds how many idle sessions a single sweep deletes
	MaxSweepPerTick = 1000
)

// Config holds session registry configuration
type Config struct {
	// IdleTTL is how long a session may go unused before it is dropped
	IdleTTL time.Duration // default: 30m

	// SweepInterval is how often idle sessions are removed
	SweepInterval time.Duration // default: IdleTTL/2
}

// Session is a live MCP session bound to the grant that created it
type Session struct {
	ID              string
	UserID          string
	OrganizationID  string
	AuthorizationID string
	CreatedAt       time.Time
	LastSeenAt      time.Time
}

// Identity returns the identity the session is bound to
func (s *Session) Identity() storage.Identity {
	return storage.Identity{
		UserID:          s.UserID,
		OrganizationID:  s.OrganizationID,
		AuthorizationID: s.AuthorizationID,
	}
}

func (s *Session) idle(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastSeenAt) > ttl
}

// Registry maps session ids to sessions. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	config    Config
	logger    *slog.Logger
	now       func() time.Time
	onSweep   func(n int)
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRegistry creates an empty registry. Call Start to enable the idle sweep.
func NewRegistry(config Config, logger *slog.Logger) *Registry {
	if config.IdleTTL <= 0 {
		config.IdleTTL = DefaultIdleTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = config.IdleTTL / 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		config:   config,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// SetSweepHook registers a callback receiving the number of sessions each
// sweep removed. It must be called before Start.
func (r *Registry) SetSweepHook(fn func(n int)) {
	r.onSweep = fn
}

// Create starts a new session for identity and returns a copy of it
func (r *Registry) Create(identity storage.Identity) *Session {
	now := r.now()
	s := &Session{
		ID:              uuid.NewString(),
		UserID:          identity.UserID,
		OrganizationID:  identity.OrganizationID,
		AuthorizationID: identity.AuthorizationID,
		CreatedAt:       now,
		LastSeenAt:      now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	out := *s
	return &out
}

// Get returns the session stored under id when it belongs to the same
// authorization as identity and has not idled out. A successful lookup marks
// the session as used.
func (r *Registry) Get(id string, identity storage.Identity) *Session {
	if id == "" {
		return nil
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.AuthorizationID != identity.AuthorizationID {
		return nil
	}
	if s.idle(now, r.config.IdleTTL) {
		delete(r.sessions, id)
		return nil
	}
	s.LastSeenAt = now

	out := *s
	return &out
}

// Delete removes the session stored under id if it belongs to the same
// authorization as identity. It reports whether a session was removed.
func (r *Registry) Delete(id string, identity storage.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.AuthorizationID != identity.AuthorizationID {
		return false
	}
	delete(r.sessions, id)
	return true
}

// DeleteByAuthorization removes every session bound to authorizationID and
// returns how many were removed
func (r *Registry) DeleteByAuthorization(authorizationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if s.AuthorizationID == authorizationID {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// Sweep removes up to MaxSweepPerTick sessions idle at now and returns how
// many were removed
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if removed >= MaxSweepPerTick {
			break
		}
		if s.idle(now, r.config.IdleTTL) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of sessions held, idle or not
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Start runs the idle sweep in a background goroutine. Safe to call more than once.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		go r.sweepLoop()
	})
}

// Stop ends the idle sweep. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.logger.Debug("Swept idle sessions", "count", n)
				if r.onSweep != nil {
					r.onSweep(n)
				}
			}
		case <-r.stop:
			return
		}
	}
}
