package handlers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/civilrights-helper/internal/models"
	"github.com/google/uuid"
)

// DefaultSessionTTL is how long an unwatched session may stay idle before it is closed.
const DefaultSessionTTL = time.Hour

// Sessions keeps the live sessions by ID and closes the ones left idle for longer than the TTL.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*Session

	answerer        Answerer
	defaultLanguage models.Language
	ttl             time.Duration

	logger *slog.Logger
}

// NewSessions creates an empty registry. New sessions ask through answerer in defaultLanguage.
func NewSessions(answerer Answerer, defaultLanguage models.Language, ttl time.Duration, logger *slog.Logger) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if defaultLanguage == "" {
		defaultLanguage = models.LanguageEnglish
	}
	return &Sessions{
		sessions:        make(map[string]*Session),
		answerer:        answerer,
		defaultLanguage: defaultLanguage,
		ttl:             ttl,
		logger:          logger.With(slog.String("module", "sessions")),
	}
}

// Get returns the live session with the given ID and marks it as used.
func (s *Sessions) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if ok {
		sess.Touch()
	}
	return sess, ok
}

// Create starts a new session with a fresh ID.
func (s *Sessions) Create() *Session {
	sess := NewSession(uuid.New().String(), s.answerer, s.defaultLanguage, s.logger)

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	n := len(s.sessions)
	s.mu.Unlock()

	s.logger.Debug("Session created", slog.String("id", sess.ID()), slog.Int("live", n))
	return sess
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep closes every session idle since before now minus the TTL that nobody is watching, and
// returns how many were closed.
func (s *Sessions) Sweep(now time.Time) int {
	cutoff := now.Add(-s.ttl)

	s.mu.Lock()
	var expired []*Session
	for id, sess := range s.sessions {
		if sess.Watched() || sess.IdleSince().After(cutoff) {
			continue
		}
		expired = append(expired, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sess := range expired {
		sess.Close()
	}
	if len(expired) > 0 {
		s.logger.Info("Expired idle sessions", slog.Int("count", len(expired)))
	}
	return len(expired)
}

// Run sweeps periodically until ctx is done.
func (s *Sessions) Run(ctx context.Context) {
	interval := s.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Close closes all sessions, cancelling any answer in flight.
func (s *Sessions) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}
