// ABOUTME: Process-wide registry mapping session ids to live sessions
// ABOUTME: Sole shared state; handles creation, lookup, disposal, idle eviction

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultQueueSize       = 1000
	defaultIdleTimeout     = 30 * time.Minute
	defaultCleanupInterval = time.Minute
)

// RegistryOptions tune queue sizing and idle eviction.
type RegistryOptions struct {
	QueueSize       int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// Registry is the process-wide session map. All lookups go through it;
// no other cross-session state exists.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	opts   RegistryOptions
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewRegistry creates a registry and starts its idle-eviction janitor.
// Pass nil logger for the default.
func NewRegistry(opts RegistryOptions, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sessions: make(map[string]*Session),
		opts:     opts,
		logger:   logger.With("component", "registry"),
		cancel:   cancel,
	}
	go r.cleanupLoop(ctx)
	return r
}

// Create registers a new session under a fresh opaque id.
func (r *Registry) Create() *Session {
	s := newSession(uuid.New().String(), r.opts.QueueSize, r.logger)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Info("session created", "session_id", s.ID)
	return s
}

// Get looks up a live session. Returns ErrNotFound for unknown or disposed
// ids, which callers surface as a client-visible 404.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Dispose cancels the session's pipeline task, closes its queue, and removes
// it from the registry. Idempotent: disposing an unknown id is a no-op.
func (r *Registry) Dispose(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.dispose()
	r.logger.Info("session disposed", "session_id", id)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close disposes all sessions and stops the janitor.
func (r *Registry) Close() {
	r.cancel()

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.dispose()
	}
}

func (r *Registry) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

// evictIdle disposes sessions idle past the configured timeout. Best effort;
// an active pipeline refreshes lastActivity on every publish.
func (r *Registry) evictIdle() {
	cutoff := time.Now().Add(-r.opts.IdleTimeout)

	r.mu.Lock()
	var stale []*Session
	for id, s := range r.sessions {
		if s.lastActivityBefore(cutoff) {
			delete(r.sessions, id)
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		s.dispose()
		r.logger.Info("idle session evicted", "session_id", s.ID)
	}
}
