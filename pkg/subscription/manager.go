// Package subscription keeps a resumable connection to the firehose open for
// the life of the process.
//
// The manager is a small state machine:
//
//	connecting -> connected -> reconnecting (after delay) -> connecting ...
//
// Every connect resolves the resume cursor afresh: an operator override wins,
// then the stored checkpoint, then "from now". Events are handed to a single
// worker so slow rule evaluation never blocks frame decoding, and the
// checkpoint is advanced on a fixed cadence, only ever on commit events.
package subscription

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"jetstream-labeler/internal/logging"
	"jetstream-labeler/internal/models"
	"jetstream-labeler/pkg/metrics"
	"jetstream-labeler/pkg/store"
	"jetstream-labeler/pkg/websocket"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// Dialer opens one firehose connection starting at cursor (nil means live).
type Dialer interface {
	Dial(ctx context.Context, cursor *int64) (websocket.Events, error)
}

// Handler processes one event. It runs on the worker goroutine, never on the
// read loop.
type Handler interface {
	HandleEvent(ctx context.Context, evt *models.StreamEvent)
}

type Config struct {
	SubscriptionID     string
	OverrideCursor     string
	IgnoreStoredCursor bool
	// CheckpointEvery is the number of events between checkpoints. The
	// first commit after the count is reached is the one written.
	CheckpointEvery int
	CommitKinds     []string
	HandoffBuffer   int
	ReconnectDelay  time.Duration
	Clock           clock.Clock
	Metrics         *metrics.Metrics
}

// Status is a snapshot for the admin endpoint.
type Status struct {
	SubscriptionID string    `json:"subscription_id"`
	State          State     `json:"state"`
	Cursor         *int64    `json:"cursor,omitempty"`
	LastSequence   int64     `json:"last_sequence"`
	Connects       int       `json:"connects"`
	LastError      string    `json:"last_error,omitempty"`
	Since          time.Time `json:"since"`
}

type Manager struct {
	dialer      Dialer
	checkpoints store.CheckpointStore
	handler     Handler
	cfg         Config
	log         zerolog.Logger

	mu     sync.RWMutex
	status Status
	// lastKnown is the last position read from or written to the store.
	lastKnown *int64
}

func New(dialer Dialer, checkpoints store.CheckpointStore, handler Handler, cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 1000
	}
	if len(cfg.CommitKinds) == 0 {
		cfg.CommitKinds = []string{models.KindCommit}
	}
	return &Manager{
		dialer:      dialer,
		checkpoints: checkpoints,
		handler:     handler,
		cfg:         cfg,
		log:         logging.For("subscription").With().Str("subscription", cfg.SubscriptionID).Logger(),
		status: Status{
			SubscriptionID: cfg.SubscriptionID,
			State:          StateIdle,
			Since:          cfg.Clock.Now(),
		},
	}
}

// Serve runs the subscription with the configured reconnect delay.
func (m *Manager) Serve(ctx context.Context) error {
	return m.Run(ctx, m.cfg.ReconnectDelay)
}

// Run connects and reconnects until ctx is cancelled. Connection failures are
// never fatal.
func (m *Manager) Run(ctx context.Context, reconnectDelay time.Duration) error {
	handoff := make(chan *models.StreamEvent, m.cfg.HandoffBuffer)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.work(ctx, handoff)
	}()
	defer func() {
		close(handoff)
		wg.Wait()
		m.setState(StateStopped, nil)
	}()

	state := StateConnecting
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch state {
		case StateConnecting:
			m.setState(StateConnecting, nil)
			err := m.connect(ctx, handoff)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Error().Err(err).Dur("retry_in", reconnectDelay).Msg("firehose subscription errored")
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.SubscriptionErrors.Inc()
			}
			m.setState(StateReconnecting, err)
			state = StateReconnecting

		case StateReconnecting:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.cfg.Clock.After(reconnectDelay):
				state = StateConnecting
			}
		}
	}
}

// connect runs one connection to completion and returns why it ended.
func (m *Manager) connect(ctx context.Context, handoff chan<- *models.StreamEvent) error {
	cursor := m.resumeCursor(ctx)

	events, err := m.dialer.Dial(ctx, cursor)
	if err != nil {
		return err
	}
	defer events.Close()

	m.mu.Lock()
	m.status.Connects++
	m.mu.Unlock()
	m.setState(StateConnected, nil)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SubscriptionStarts.Inc()
	}
	ev := m.log.Info()
	if cursor != nil {
		ev = ev.Int64("cursor", *cursor)
	}
	ev.Msg("firehose connected")

	var count int
	for {
		evt, err := events.Next()
		if err != nil {
			return err
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.EventsReceived.Inc()
		}
		m.mu.Lock()
		m.status.LastSequence = evt.Sequence
		m.mu.Unlock()

		select {
		case handoff <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}

		count++
		if count >= m.cfg.CheckpointEvery && m.isCommit(evt) {
			m.checkpoint(ctx, evt.Sequence)
			count = 0
		}
	}
}

// resumeCursor picks where the next connection starts.
func (m *Manager) resumeCursor(ctx context.Context) *int64 {
	if raw := strings.TrimSpace(m.cfg.OverrideCursor); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			m.log.Info().Int64("cursor", v).Msg("using cursor override")
			return &v
		}
		m.log.Warn().Str("override", raw).Msg("ignoring invalid cursor override")
	}

	if m.cfg.IgnoreStoredCursor {
		return nil
	}

	pos, ok, err := m.checkpoints.Get(ctx, m.cfg.SubscriptionID)
	if err != nil {
		m.log.Error().Err(err).Msg("checkpoint read failed, resuming from memory")
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.CheckpointErrors.Inc()
		}
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.lastKnown
	}
	if !ok {
		return nil
	}

	m.mu.Lock()
	m.lastKnown = &pos
	m.status.Cursor = &pos
	m.mu.Unlock()
	return &pos
}

func (m *Manager) checkpoint(ctx context.Context, position int64) {
	if err := m.checkpoints.Put(ctx, m.cfg.SubscriptionID, position); err != nil {
		m.log.Error().Err(err).Int64("cursor", position).Msg("checkpoint write failed")
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.CheckpointErrors.Inc()
		}
		return
	}

	m.mu.Lock()
	m.lastKnown = &position
	m.status.Cursor = &position
	m.mu.Unlock()
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.Cursor.Set(float64(position))
	}
	m.log.Debug().Int64("cursor", position).Msg("checkpoint written")
}

func (m *Manager) isCommit(evt *models.StreamEvent) bool {
	return slices.Contains(m.cfg.CommitKinds, evt.Kind)
}

func (m *Manager) work(ctx context.Context, handoff <-chan *models.StreamEvent) {
	for evt := range handoff {
		m.handle(ctx, evt)
	}
}

func (m *Manager) handle(ctx context.Context, evt *models.StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("did", evt.SubjectID).Int64("cursor", evt.Sequence).Msg("event handler panicked")
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.HandlerPanics.Inc()
			}
		}
	}()
	m.handler.HandleEvent(ctx, evt)
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.State = s
	m.status.Since = m.cfg.Clock.Now()
	if err != nil && !errors.Is(err, context.Canceled) {
		m.status.LastError = err.Error()
	}
}

// Status returns a copy of the current connection status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.status
	if s.Cursor != nil {
		c := *s.Cursor
		s.Cursor = &c
	}
	return s
}
