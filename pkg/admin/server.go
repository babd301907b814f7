// Package admin serves the operator endpoints: Prometheus metrics, a liveness
// check and a JSON status snapshot of the subscription and the limiter.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"jetstream-labeler/internal/logging"
	"jetstream-labeler/internal/models"
	"jetstream-labeler/pkg/subscription"
)

type SubscriptionStatus interface {
	Status() subscription.Status
}

type LimiterState interface {
	State() models.RateState
}

type SessionState interface {
	Session() *models.Session
}

// Sources are the components /status reports on. Any may be nil.
type Sources struct {
	Subscription SubscriptionStatus
	Limiter      LimiterState
	Session      SessionState
	Metrics      http.Handler
}

type limiterStatus struct {
	Reservoir      int       `json:"reservoir"`
	RefillAmount   int       `json:"refill_amount"`
	RefillInterval string    `json:"refill_interval"`
	LastRefillAt   time.Time `json:"last_refill_at"`
	Queued         int       `json:"queued"`
}

type statusResponse struct {
	Subscription  *subscription.Status `json:"subscription,omitempty"`
	Limiter       *limiterStatus       `json:"limiter,omitempty"`
	Authenticated bool                 `json:"authenticated"`
	Moderator     string               `json:"moderator,omitempty"`
}

type Server struct {
	addr    string
	sources Sources
	router  *mux.Router
}

func NewServer(addr string, sources Sources) *Server {
	s := &Server{addr: addr, sources: sources, router: mux.NewRouter()}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if sources.Metrics != nil {
		s.router.Handle("/metrics", sources.Metrics).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.addr).Msg("admin server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin server shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if s.sources.Subscription != nil {
		st := s.sources.Subscription.Status()
		resp.Subscription = &st
	}
	if s.sources.Limiter != nil {
		rs := s.sources.Limiter.State()
		resp.Limiter = &limiterStatus{
			Reservoir:      rs.Reservoir,
			RefillAmount:   rs.RefillAmount,
			RefillInterval: rs.RefillInterval.String(),
			LastRefillAt:   rs.LastRefillAt,
			Queued:         rs.Queued,
		}
	}
	if s.sources.Session != nil {
		if session := s.sources.Session.Session(); session != nil {
			resp.Authenticated = true
			resp.Moderator = session.DID
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Warn().Err(err).Msg("could not write status response")
	}
}
