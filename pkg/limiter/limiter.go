// Package limiter serializes every outgoing moderation call through a token
// reservoir that is kept in step with the server's own rate-limit headers.
//
// Actions run one at a time, in submission order, at least MinSpacing apart.
// Each action takes one permit from the reservoir; when the reservoir is empty
// the queue waits for the next refill instead of dropping work. After every
// call the reservoir and refill interval are overwritten from the response's
// quota fields, since the server is the authority on how many calls remain.
// A forced cooldown outranks that feedback until it expires.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"jetstream-labeler/internal/logging"
	"jetstream-labeler/internal/models"
	"jetstream-labeler/pkg/metrics"
)

// Action is one remote call. It reports the quota the server returned, even
// when the call itself failed.
type Action func(ctx context.Context) (models.RateLimit, error)

type Config struct {
	Reservoir      int
	RefillAmount   int
	RefillInterval time.Duration
	MinSpacing     time.Duration
	Cooldown       time.Duration
	Clock          clock.Clock
	Metrics        *metrics.Metrics
}

type job struct {
	ctx    context.Context
	name   string
	action Action
	done   chan error
}

type Limiter struct {
	clock    clock.Clock
	cooldown time.Duration
	spacing  *rate.Limiter
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu        sync.Mutex
	state     models.RateState
	coolUntil time.Time
	queue     []*job
	wake      chan struct{}
}

// DefaultRefillInterval applies when Config.RefillInterval is unset.
const DefaultRefillInterval = 5 * time.Minute

func New(cfg Config) *Limiter {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.RefillAmount <= 0 {
		cfg.RefillAmount = cfg.Reservoir
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = DefaultRefillInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 24 * time.Hour
	}

	spacing := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinSpacing > 0 {
		spacing = rate.NewLimiter(rate.Every(cfg.MinSpacing), 1)
	}

	l := &Limiter{
		clock:    cfg.Clock,
		cooldown: cfg.Cooldown,
		spacing:  spacing,
		metrics:  cfg.Metrics,
		log:      logging.For("limiter"),
		state: models.RateState{
			Reservoir:      max(cfg.Reservoir, 0),
			RefillAmount:   cfg.RefillAmount,
			RefillInterval: cfg.RefillInterval,
			LastRefillAt:   cfg.Clock.Now(),
		},
		wake: make(chan struct{}, 1),
	}
	l.publish()
	return l
}

// Schedule queues action and blocks until it has run or ctx is done. The
// returned error is the action's own.
func (l *Limiter) Schedule(ctx context.Context, name string, action Action) error {
	j := &job{ctx: ctx, name: name, action: action, done: make(chan error, 1)}

	l.mu.Lock()
	l.queue = append(l.queue, j)
	l.state.Queued = len(l.queue)
	l.mu.Unlock()
	l.publish()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", name, ctx.Err())
	}
}

// Serve runs queued actions until ctx is cancelled.
func (l *Limiter) Serve(ctx context.Context) error {
	for {
		j := l.pop()
		if j == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.wake:
				continue
			}
		}

		if err := j.ctx.Err(); err != nil {
			j.done <- err
			continue
		}
		if err := l.acquire(ctx, j); err != nil {
			j.done <- err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		l.run(j)
	}
}

func (l *Limiter) pop() *job {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	j := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	l.state.Queued = len(l.queue)
	return j
}

// acquire takes one permit, waiting for refills, then honours the minimum
// spacing between calls.
func (l *Limiter) acquire(ctx context.Context, j *job) error {
	depleted := false
	for {
		l.mu.Lock()
		now := l.clock.Now()
		l.refillLocked(now)
		if l.state.Reservoir > 0 {
			l.state.Reservoir--
			l.mu.Unlock()
			break
		}
		wait := l.state.LastRefillAt.Add(l.state.RefillInterval).Sub(now)
		l.mu.Unlock()

		if !depleted {
			depleted = true
			l.log.Warn().Str("action", j.name).Dur("refill_in", wait).Msg("limiter depleted")
			if l.metrics != nil {
				l.metrics.LimiterDepleted.Inc()
			}
		}
		if err := l.sleep(ctx, j.ctx, wait); err != nil {
			return err
		}
	}
	l.publish()

	now := l.clock.Now()
	if delay := l.spacing.ReserveN(now, 1).DelayFrom(now); delay > 0 {
		return l.sleep(ctx, j.ctx, delay)
	}
	return nil
}

func (l *Limiter) sleep(ctx, jobCtx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-l.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-jobCtx.Done():
		return jobCtx.Err()
	}
}

func (l *Limiter) run(j *job) {
	var (
		quota models.RateLimit
		err   error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s panicked: %v", j.name, r)
				if l.metrics != nil {
					l.metrics.HandlerPanics.Inc()
				}
			}
		}()
		quota, err = j.action(j.ctx)
	}()

	if quota.Present {
		l.Reconcile(quota)
	}
	j.done <- err
}

// refillLocked restores the reservoir once the refill interval has elapsed.
func (l *Limiter) refillLocked(now time.Time) {
	if l.state.RefillInterval <= 0 {
		return
	}
	if now.Sub(l.state.LastRefillAt) >= l.state.RefillInterval {
		l.state.Reservoir = l.state.RefillAmount
		l.state.LastRefillAt = now
	}
}

// Reconcile overwrites the reservoir with the server's remaining count and
// aligns the next refill with the server's reset time. It is a no-op while a
// cooldown is in force.
func (l *Limiter) Reconcile(q models.RateLimit) {
	l.mu.Lock()
	now := l.clock.Now()
	if now.Before(l.coolUntil) {
		until := l.coolUntil
		l.mu.Unlock()
		l.log.Debug().Int("remaining", q.Remaining).Time("cooling_until", until).Msg("quota ignored during cooldown")
		return
	}
	l.state.Reservoir = max(q.Remaining, 0)
	if !q.Reset.IsZero() {
		if interval := q.Reset.Sub(now); interval > 0 {
			l.state.RefillInterval = interval
			l.state.LastRefillAt = now
		}
	}
	reservoir, interval := l.state.Reservoir, l.state.RefillInterval
	l.mu.Unlock()

	l.log.Debug().Int("reservoir", reservoir).Dur("refill_interval", interval).Msg("reservoir updated")
	l.publish()
}

// Cooldown empties the reservoir and pushes the next refill out by the
// configured cooldown. Used when the credential looks broken. Quota feedback
// is ignored until the cooldown has elapsed.
func (l *Limiter) Cooldown() {
	l.mu.Lock()
	now := l.clock.Now()
	l.state.Reservoir = 0
	l.state.RefillInterval = l.cooldown
	l.state.LastRefillAt = now
	l.coolUntil = now.Add(l.cooldown)
	l.mu.Unlock()

	l.log.Error().Dur("cooldown", l.cooldown).Msg("limiter forced into cooldown")
	l.publish()
}

// State returns a snapshot of the reservoir.
func (l *Limiter) State() models.RateState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Limiter) publish() {
	if l.metrics == nil {
		return
	}
	s := l.State()
	l.metrics.Reservoir.Set(float64(s.Reservoir))
	l.metrics.LimiterQueued.Set(float64(s.Queued))
}
