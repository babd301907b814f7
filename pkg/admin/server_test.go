package admin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jetstream-labeler/internal/models"
	"jetstream-labeler/pkg/metrics"
	"jetstream-labeler/pkg/subscription"
)

type fixedSubscription subscription.Status

func (f fixedSubscription) Status() subscription.Status { return subscription.Status(f) }

type fixedLimiter models.RateState

func (f fixedLimiter) State() models.RateState { return models.RateState(f) }

type fixedSession struct{ s *models.Session }

func (f fixedSession) Session() *models.Session { return f.s }

func TestHealthz(t *testing.T) {
	srv := NewServer(":0", Sources{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatus(t *testing.T) {
	cursor := int64(1725911162329308)
	srv := NewServer(":0", Sources{
		Subscription: fixedSubscription{SubscriptionID: "jetstream", State: subscription.StateConnected, Cursor: &cursor, Connects: 3},
		Limiter:      fixedLimiter{Reservoir: 12, RefillAmount: 30, RefillInterval: 5 * time.Minute, Queued: 2},
		Session:      fixedSession{&models.Session{DID: "did:plc:mod"}},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Subscription struct {
			State    string `json:"state"`
			Cursor   int64  `json:"cursor"`
			Connects int    `json:"connects"`
		} `json:"subscription"`
		Limiter struct {
			Reservoir      int    `json:"reservoir"`
			RefillInterval string `json:"refill_interval"`
			Queued         int    `json:"queued"`
		} `json:"limiter"`
		Authenticated bool   `json:"authenticated"`
		Moderator     string `json:"moderator"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "connected", body.Subscription.State)
	assert.Equal(t, cursor, body.Subscription.Cursor)
	assert.Equal(t, 3, body.Subscription.Connects)
	assert.Equal(t, 12, body.Limiter.Reservoir)
	assert.Equal(t, "5m0s", body.Limiter.RefillInterval)
	assert.Equal(t, 2, body.Limiter.Queued)
	assert.True(t, body.Authenticated)
	assert.Equal(t, "did:plc:mod", body.Moderator)
}

func TestStatusBeforeLogin(t *testing.T) {
	srv := NewServer(":0", Sources{Session: fixedSession{}})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Contains(t, rec.Body.String(), `"authenticated":false`)
	assert.NotContains(t, rec.Body.String(), "subscription")
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.NewMetrics("labeler", prometheus.NewRegistry())
	m.EventsReceived.Add(3)

	srv := NewServer(":0", Sources{Metrics: m.Handler()})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "labeler_events_received_total 3"))
}

func TestOnlyGetIsRouted(t *testing.T) {
	srv := NewServer(":0", Sources{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
