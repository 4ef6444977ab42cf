package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultWelcomeDelay is the pause between the welcome view settling and the upload stage.
const DefaultWelcomeDelay = time.Second

// Manager keeps the live sessions of this process in memory.
type Manager struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	scheduler    Scheduler
	welcomeDelay time.Duration
}

// NewManager returns an empty manager. A nil scheduler uses the runtime timer.
func NewManager(scheduler Scheduler, welcomeDelay time.Duration) *Manager {
	if scheduler == nil {
		scheduler = TimerScheduler{}
	}
	if welcomeDelay < 0 {
		welcomeDelay = DefaultWelcomeDelay
	}
	return &Manager{
		sessions:     make(map[string]*Session),
		scheduler:    scheduler,
		welcomeDelay: welcomeDelay,
	}
}

// Create starts a new session in the welcome stage.
func (m *Manager) Create(_ context.Context) (*Session, error) {
	sess := New()

	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()

	log.Info().Str("session_id", sess.ID()).Msg("session created")
	return sess, nil
}

// Get looks up a session by identifier.
func (m *Manager) Get(_ context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Delete removes and closes a session.
func (m *Manager) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	sess.Close()
	log.Info().Str("session_id", sessionID).Msg("session deleted")
	return nil
}

// WelcomeComplete records the welcome view's completion signal and schedules
// the upload stage. It reports whether a transition was scheduled.
func (m *Manager) WelcomeComplete(ctx context.Context, sessionID string) (bool, error) {
	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return sess.ScheduleWelcome(m.scheduler, m.welcomeDelay), nil
}

// Evict closes sessions idle for longer than idleFor and returns how many were removed.
func (m *Manager) Evict(idleFor time.Duration) int {
	if idleFor <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-idleFor)

	m.mu.Lock()
	var stale []*Session
	for id, sess := range m.sessions {
		if sess.LastActive().Before(cutoff) {
			stale = append(stale, sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, sess := range stale {
		sess.Close()
	}
	if len(stale) > 0 {
		log.Info().Int("evicted", len(stale)).Int("remaining", m.Count()).Msg("evicted idle sessions")
	}
	return len(stale)
}

// RunEvictor evicts idle sessions every interval until ctx is done.
func (m *Manager) RunEvictor(ctx context.Context, interval, idleFor time.Duration) error {
	if interval <= 0 || idleFor <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Evict(idleFor)
		}
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
