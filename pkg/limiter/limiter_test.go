package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"jetstream-labeler/internal/models"
)

func startLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		l.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return l
}

func noQuota(context.Context) (models.RateLimit, error) {
	return models.RateLimit{}, nil
}

func TestScheduleNeverRunsActionsConcurrently(t *testing.T) {
	l := startLimiter(t, Config{Reservoir: 100, RefillInterval: time.Minute})

	const n = 25
	var (
		inFlight, peak atomic.Int32
		mu             sync.Mutex
		starts         []time.Time
		ends           []time.Time
		wg             sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Schedule(context.Background(), "serial", func(context.Context) (models.RateLimit, error) {
				cur := inFlight.Add(1)
				for {
					p := peak.Load()
					if cur <= p || peak.CompareAndSwap(p, cur) {
						break
					}
				}
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				ends = append(ends, time.Now())
				mu.Unlock()
				inFlight.Add(-1)
				return models.RateLimit{}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, peak.Load())
	require.Len(t, starts, n)
	for i := 1; i < n; i++ {
		assert.False(t, starts[i].Before(ends[i-1]), "action %d started before action %d finished", i, i-1)
	}
}

func TestScheduleRunsInSubmissionOrder(t *testing.T) {
	l := startLimiter(t, Config{Reservoir: 100, RefillInterval: time.Minute})

	release := make(chan struct{})
	blocked := make(chan struct{})
	go l.Schedule(context.Background(), "gate", func(context.Context) (models.RateLimit, error) {
		close(blocked)
		<-release
		return models.RateLimit{}, nil
	})
	<-blocked

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Schedule(context.Background(), "ordered", func(context.Context) (models.RateLimit, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return models.RateLimit{}, nil
			})
		}(i)
		require.Eventually(t, func() bool { return l.State().Queued == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestReconcileOverwritesReservoir(t *testing.T) {
	for _, prior := range []int{0, 3, 30, 500} {
		l := New(Config{Reservoir: prior, RefillInterval: time.Minute})
		l.Reconcile(models.RateLimit{Remaining: 5, Present: true})
		assert.Equal(t, 5, l.State().Reservoir, "prior reservoir %d", prior)
	}
}

func TestReconcileClampsAndAlignsRefill(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1_700_000_000, 0))
	l := New(Config{Reservoir: 30, RefillInterval: 5 * time.Minute, Clock: clk})

	l.Reconcile(models.RateLimit{Remaining: -4, Reset: clk.Now().Add(90 * time.Second), Present: true})

	s := l.State()
	assert.Equal(t, 0, s.Reservoir)
	assert.Equal(t, 90*time.Second, s.RefillInterval)
	assert.Equal(t, clk.Now(), s.LastRefillAt)

	l.Reconcile(models.RateLimit{Remaining: 2, Reset: clk.Now().Add(-time.Second), Present: true})
	assert.Equal(t, 90*time.Second, l.State().RefillInterval, "a reset in the past leaves the interval alone")
}

func TestResponseQuotaIsApplied(t *testing.T) {
	l := startLimiter(t, Config{Reservoir: 30, RefillInterval: time.Minute})

	err := l.Schedule(context.Background(), "emit", func(context.Context) (models.RateLimit, error) {
		return models.RateLimit{Remaining: 5, Present: true}, errors.New("rejected")
	})
	assert.EqualError(t, err, "rejected")
	assert.Equal(t, 5, l.State().Reservoir)

	require.NoError(t, l.Schedule(context.Background(), "emit", noQuota))
	assert.Equal(t, 4, l.State().Reservoir, "calls without quota headers only spend a permit")
}

func TestExhaustedReservoirQueuesUntilRefill(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1_700_000_000, 0))
	l := startLimiter(t, Config{Reservoir: 0, RefillAmount: 2, RefillInterval: time.Minute, Clock: clk})

	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- l.Schedule(context.Background(), "queued", func(context.Context) (models.RateLimit, error) {
			ran.Store(true)
			return models.RateLimit{}, nil
		})
	}()

	require.NoError(t, clk.WaitAdvance(time.Minute, 5*time.Second, 1))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queued action never ran after refill")
	}
	assert.True(t, ran.Load())
	assert.Equal(t, 1, l.State().Reservoir)
}

func TestCooldownBlocksActions(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1_700_000_000, 0))
	l := startLimiter(t, Config{Reservoir: 30, RefillInterval: time.Minute, Cooldown: 24 * time.Hour, Clock: clk})

	l.Cooldown()
	s := l.State()
	assert.Equal(t, 0, s.Reservoir)
	assert.Equal(t, 24*time.Hour, s.RefillInterval)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var ran atomic.Bool
	err := l.Schedule(ctx, "blocked", func(context.Context) (models.RateLimit, error) {
		ran.Store(true)
		return models.RateLimit{}, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran.Load())
}

func TestQuotaDoesNotLiftCooldown(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1_700_000_000, 0))
	l := startLimiter(t, Config{Reservoir: 30, RefillInterval: 5 * time.Minute, Cooldown: 24 * time.Hour, Clock: clk})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.Schedule(ctx, "login", func(context.Context) (models.RateLimit, error) {
		l.Cooldown()
		return models.RateLimit{Remaining: 29, Reset: clk.Now().Add(5 * time.Minute), Present: true}, errors.New("invalid password")
	})
	require.EqualError(t, err, "invalid password")

	s := l.State()
	assert.Equal(t, 0, s.Reservoir)
	assert.Equal(t, 24*time.Hour, s.RefillInterval)

	clk.Advance(24*time.Hour + time.Second)
	l.Reconcile(models.RateLimit{Remaining: 7, Reset: clk.Now().Add(time.Minute), Present: true})
	s = l.State()
	assert.Equal(t, 7, s.Reservoir, "feedback applies again once the cooldown has passed")
	assert.Equal(t, time.Minute, s.RefillInterval)
}

func TestZeroRefillIntervalIsDefaulted(t *testing.T) {
	l := New(Config{Reservoir: 0, RefillAmount: 3})
	assert.Equal(t, DefaultRefillInterval, l.State().RefillInterval)
}

func TestPanickingActionIsReported(t *testing.T) {
	l := startLimiter(t, Config{Reservoir: 5, RefillInterval: time.Minute})

	err := l.Schedule(context.Background(), "boom", func(context.Context) (models.RateLimit, error) {
		panic("bad payload")
	})
	assert.ErrorContains(t, err, "boom panicked")
	assert.NoError(t, l.Schedule(context.Background(), "after", noQuota))
}

func TestServeStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(Config{Reservoir: 1, RefillInterval: time.Minute, MinSpacing: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- l.Serve(ctx) }()

	require.NoError(t, l.Schedule(context.Background(), "one", noQuota))
	cancel()
	assert.ErrorIs(t, <-stopped, context.Canceled)
}
