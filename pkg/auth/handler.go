// Package auth keeps the moderator session alive. Every call that touches the
// remote service, logins included, goes through the action limiter, and
// repeated login failures trip a breaker that pushes the limiter into its
// long cooldown instead of hammering the server with a bad password.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"jetstream-labeler/internal/logging"
	"jetstream-labeler/internal/models"
	"jetstream-labeler/pkg/limiter"
	"jetstream-labeler/pkg/metrics"
	"jetstream-labeler/pkg/ozone"
	"jetstream-labeler/pkg/store"
)

// Client is the subset of the XRPC client the manager needs.
type Client interface {
	CreateSession(ctx context.Context, identifier, password string) (*models.Session, models.RateLimit, error)
	GetSession(ctx context.Context, s *models.Session) (models.RateLimit, error)
	RefreshSession(ctx context.Context, s *models.Session) (*models.Session, models.RateLimit, error)
}

// Scheduler runs remote calls under the shared rate limit.
type Scheduler interface {
	Schedule(ctx context.Context, name string, action limiter.Action) error
	Cooldown()
}

// Call is an authenticated remote call.
type Call func(ctx context.Context, s *models.Session) (models.RateLimit, error)

type Config struct {
	Identifier string
	Password   string
	// FailureThreshold is the number of consecutive rejected logins that
	// trips the breaker. Default 1.
	FailureThreshold uint32
	// Cooldown is how long the breaker stays open. Default 24h.
	Cooldown time.Duration
	Metrics  *metrics.Metrics
}

type Manager struct {
	client   Client
	limiter  Scheduler
	sessions store.SessionStore
	cfg      Config
	breaker  *gobreaker.CircuitBreaker[*models.Session]
	log      zerolog.Logger

	loginMu sync.Mutex
	mu      sync.RWMutex
	session *models.Session
}

func NewManager(client Client, sched Scheduler, sessions store.SessionStore, cfg Config) *Manager {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 24 * time.Hour
	}

	m := &Manager{
		client:   client,
		limiter:  sched,
		sessions: sessions,
		cfg:      cfg,
		log:      logging.For("auth"),
	}

	m.breaker = gobreaker.NewCircuitBreaker[*models.Session](gobreaker.Settings{
		Name:        "moderator-login",
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// Only rejected credentials count against the breaker. Network
		// trouble is retried normally.
		IsSuccessful: func(err error) bool {
			return err == nil || !ozone.IsAuthError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("login breaker state change")
			if to == gobreaker.StateOpen {
				sched.Cooldown()
			}
		},
	})
	return m
}

// Session returns the current session, or nil before the first login.
func (m *Manager) Session() *models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// EnsureAuthenticated makes sure a usable session exists. A persisted session
// is resumed (and refreshed if its access token expired) before falling back
// to a throttled login. Concurrent callers share one login.
func (m *Manager) EnsureAuthenticated(ctx context.Context) error {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	if m.Session() != nil {
		return nil
	}

	if s := m.resume(ctx); s != nil {
		m.setSession(s)
		return nil
	}

	s, err := m.login(ctx)
	if err != nil {
		return err
	}
	m.setSession(s)
	m.persist(ctx, s)
	return nil
}

// Do runs call with the current session. An authentication failure discards
// the session and the call is retried exactly once after logging in again.
func (m *Manager) Do(ctx context.Context, name string, call Call) error {
	if err := m.EnsureAuthenticated(ctx); err != nil {
		return err
	}

	s := m.Session()
	err := m.limiter.Schedule(ctx, name, func(ctx context.Context) (models.RateLimit, error) {
		return call(ctx, s)
	})
	if err == nil || !ozone.IsAuthError(err) {
		return err
	}

	m.log.Warn().Err(err).Str("action", name).Msg("session rejected, logging in again")
	m.invalidate(ctx, s)
	if err := m.EnsureAuthenticated(ctx); err != nil {
		return fmt.Errorf("re-login after %s: %w", name, err)
	}

	s = m.Session()
	return m.limiter.Schedule(ctx, name, func(ctx context.Context) (models.RateLimit, error) {
		return call(ctx, s)
	})
}

func (m *Manager) resume(ctx context.Context) *models.Session {
	if m.sessions == nil {
		return nil
	}
	stored, err := m.sessions.LoadSession(ctx, m.cfg.Identifier)
	if err != nil {
		m.log.Warn().Err(err).Msg("could not load persisted session")
		return nil
	}
	if stored == nil {
		return nil
	}

	err = m.limiter.Schedule(ctx, "getSession", func(ctx context.Context) (models.RateLimit, error) {
		return m.client.GetSession(ctx, stored)
	})
	if err == nil {
		m.log.Info().Str("did", stored.DID).Msg("resumed persisted session")
		return stored
	}
	if !ozone.IsAuthError(err) {
		m.log.Warn().Err(err).Msg("could not verify persisted session")
		return nil
	}

	var refreshed *models.Session
	err = m.limiter.Schedule(ctx, "refreshSession", func(ctx context.Context) (models.RateLimit, error) {
		s, rl, err := m.client.RefreshSession(ctx, stored)
		refreshed = s
		return rl, err
	})
	if err != nil {
		m.log.Info().Err(err).Msg("persisted session expired")
		return nil
	}

	m.log.Info().Str("did", refreshed.DID).Msg("refreshed persisted session")
	m.persist(ctx, refreshed)
	return refreshed
}

func (m *Manager) login(ctx context.Context) (*models.Session, error) {
	var s *models.Session
	err := m.limiter.Schedule(ctx, "login", func(ctx context.Context) (models.RateLimit, error) {
		var rl models.RateLimit
		out, err := m.breaker.Execute(func() (*models.Session, error) {
			session, quota, err := m.client.CreateSession(ctx, m.cfg.Identifier, m.cfg.Password)
			rl = quota
			return session, err
		})
		s = out
		return rl, err
	})

	switch {
	case err == nil:
		m.countLogin("success")
		m.log.Info().Str("did", s.DID).Str("handle", s.Handle).Msg("moderator logged in")
		return s, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		m.countLogin("rejected")
	default:
		m.countLogin("failure")
	}
	m.log.Error().Err(err).Str("identifier", m.cfg.Identifier).Msg("login failed")
	return nil, fmt.Errorf("login as %s: %w", m.cfg.Identifier, err)
}

func (m *Manager) setSession(s *models.Session) {
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
}

// invalidate drops stale unless another caller already replaced it.
func (m *Manager) invalidate(ctx context.Context, stale *models.Session) {
	m.mu.Lock()
	if m.session != stale {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.mu.Unlock()

	if m.sessions != nil {
		if err := m.sessions.DeleteSession(ctx, m.cfg.Identifier); err != nil {
			m.log.Warn().Err(err).Msg("could not delete persisted session")
		}
	}
}

func (m *Manager) persist(ctx context.Context, s *models.Session) {
	if m.sessions == nil {
		return
	}
	if err := m.sessions.SaveSession(ctx, m.cfg.Identifier, s); err != nil {
		m.log.Warn().Err(err).Msg("could not persist session")
	}
}

func (m *Manager) countLogin(outcome string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.LoginAttempts.WithLabelValues(outcome).Inc()
	}
}
