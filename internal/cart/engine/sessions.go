package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tair/cart-sync/internal/cart/domain"
	"github.com/tair/cart-sync/internal/cart/metrics"
	"github.com/tair/cart-sync/internal/cart/reconcile"
	"github.com/tair/cart-sync/pkg/logger"
)

var errManagerClosed = errors.New("session manager is closed")

// StoreFactory returns the guest store of a session
type StoreFactory func(sessionID string) domain.GuestStore

// ManagerDeps are shared by every engine of a manager
type ManagerDeps struct {
	Remote     domain.RemoteCart
	Quoter     domain.ShippingQuoter
	Stores     StoreFactory
	Reconciler *reconcile.Coordinator
	Publisher  domain.EventPublisher
	Metrics    *metrics.Metrics
}

// Manager keeps one engine per session
type Manager struct {
	cfg  Config
	deps ManagerDeps
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	// starting dedupes the first concurrent requests of a new session
	starting singleflight.Group
}

type session struct {
	engine   *Engine
	lastUsed time.Time
}

// NewManager creates an empty session registry
func NewManager(cfg Config, deps ManagerDeps) *Manager {
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Get returns the engine of sessionID, creating and starting it for owner if
// the session is new. Existing sessions keep their current owner.
// Starting a session never blocks requests of other sessions.
func (m *Manager) Get(ctx context.Context, sessionID string, owner domain.Ownership) (*Engine, error) {
	if sessionID == "" {
		return nil, &domain.ValidationError{Field: "session_id", Reason: "is required"}
	}
	if e, ok, err := m.lookup(sessionID); ok || err != nil {
		return e, err
	}

	v, err, _ := m.starting.Do(sessionID, func() (interface{}, error) {
		if e, ok, err := m.lookup(sessionID); ok || err != nil {
			return e, err
		}
		return m.start(context.WithoutCancel(ctx), sessionID, owner)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Engine), nil
}

func (m *Manager) lookup(sessionID string) (*Engine, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, errManagerClosed
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false, nil
	}
	s.lastUsed = m.now()
	return s.engine, true, nil
}

func (m *Manager) start(ctx context.Context, sessionID string, owner domain.Ownership) (*Engine, error) {
	e := New(sessionID, owner, m.cfg, Deps{
		Remote:     m.deps.Remote,
		Quoter:     m.deps.Quoter,
		Store:      m.deps.Stores(sessionID),
		Reconciler: m.deps.Reconciler,
		Publisher:  m.deps.Publisher,
		Metrics:    m.deps.Metrics,
	})
	if err := e.Start(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to start cart session: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		e.Close()
		return nil, errManagerClosed
	}
	m.sessions[sessionID] = &session{engine: e, lastUsed: m.now()}
	m.mu.Unlock()

	m.deps.Metrics.SessionOpened()
	return e, nil
}

// RefreshUser re-fetches the cart of every session of userID except origin
func (m *Manager) RefreshUser(ctx context.Context, userID, origin string) error {
	if userID == "" {
		return nil
	}
	var errs []error
	for _, e := range m.sessionsOf(userID) {
		if e.SessionID() == origin {
			continue
		}
		if err := e.Refresh(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", e.SessionID(), err))
		}
	}
	return errors.Join(errs...)
}

// Evict closes and forgets a session
func (m *Manager) Evict(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if ok {
		s.engine.Close()
		m.deps.Metrics.SessionClosed()
	}
}

// EvictIdle closes every session unused for longer than ttl and returns how many were closed
func (m *Manager) EvictIdle(ttl time.Duration) int {
	cutoff := m.now().Add(-ttl)

	m.mu.Lock()
	var idle []*Engine
	for id, s := range m.sessions {
		if s.lastUsed.Before(cutoff) {
			idle = append(idle, s.engine)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, e := range idle {
		e.Close()
		m.deps.Metrics.SessionClosed()
	}
	if len(idle) > 0 {
		logger.Logger.Debug().Int("sessions", len(idle)).Dur("idle_ttl", ttl).Msg("Idle cart sessions evicted")
	}
	return len(idle)
}

// RunJanitor evicts idle sessions every interval until ctx is done
func (m *Manager) RunJanitor(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Logger.Info().Dur("idle_ttl", ttl).Dur("interval", interval).Msg("Cart session janitor started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle(ttl)
		}
	}
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops every engine
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.engine.Close()
		m.deps.Metrics.SessionClosed()
	}
	logger.Logger.Info().Int("sessions", len(sessions)).Msg("Cart sessions closed")
}

func (m *Manager) sessionsOf(userID string) []*Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Engine
	for _, s := range m.sessions {
		if s.engine.Owner().UserID == userID {
			out = append(out, s.engine)
		}
	}
	return out
}
