package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"video-chunk-pipeline/internal/models"
)

type fakeMedia struct {
	mu         sync.Mutex
	current    float64
	duration   float64
	ranges     []models.TimeRange
	prefetches int
	closes     int
}

func (m *fakeMedia) Timing() (float64, float64, []models.TimeRange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.duration, m.ranges
}

func (m *fakeMedia) Prefetch(context.Context) error {
	m.mu.Lock()
	m.prefetches++
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) set(current, duration float64, ranges ...models.TimeRange) {
	m.mu.Lock()
	m.current, m.duration, m.ranges = current, duration, ranges
	m.mu.Unlock()
}

func (m *fakeMedia) counts() (prefetches, closes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefetches, m.closes
}

func newController(opts ...Option) *Controller {
	return NewController(DefaultThresholds(), time.Millisecond, zap.NewNop(), opts...)
}

// The state machine is driven through the unexported steps so each tick is deterministic.
func TestController_Transitions(t *testing.T) {
	var seen []string
	c := newController(WithTransitionHook(func(from, to State) {
		seen = append(seen, from.String()+"->"+to.String())
	}))
	m := &fakeMedia{}
	ctx := context.Background()

	require.NoError(t, c.load(m))
	assert.Equal(t, Loading, c.State())

	c.tick(ctx) // duration unknown
	assert.Equal(t, Loading, c.State())

	m.set(0, 100, models.TimeRange{Start: 0, End: 2})
	c.tick(ctx)
	assert.Equal(t, Loading, c.State(), "not enough lead yet")

	m.set(0, 100, models.TimeRange{Start: 0, End: 10})
	c.tick(ctx)
	assert.Equal(t, Playing, c.State())

	m.set(2, 100, models.TimeRange{Start: 0, End: 4})
	c.tick(ctx)
	assert.Equal(t, Buffering, c.State())
	assert.True(t, c.Snapshot().IsBuffering)

	m.set(2, 100, models.TimeRange{Start: 0, End: 10})
	c.tick(ctx)
	assert.Equal(t, Playing, c.State())

	m.set(100, 100, models.TimeRange{Start: 0, End: 100})
	c.tick(ctx)
	assert.Equal(t, Ended, c.State())

	prefetches, _ := m.counts()
	assert.Equal(t, 2, prefetches, "once while loading, once while buffering")
	assert.Equal(t, []string{
		"idle->loading", "loading->playing", "playing->buffering",
		"buffering->playing", "playing->ended",
	}, seen)
}

func TestController_FailAndRestart(t *testing.T) {
	c := newController()
	m := &fakeMedia{}

	assert.ErrorIs(t, c.restart(), ErrInvalidState, "restart only from a terminal state")
	require.NoError(t, c.load(m))
	assert.ErrorIs(t, c.load(m), ErrInvalidState)

	cause := errors.New("VIDEO_NOT_FOUND")
	c.fail(cause)
	assert.Equal(t, Error, c.State())
	assert.Equal(t, cause, c.Err())

	c.tick(context.Background())
	assert.Equal(t, Error, c.State(), "error is terminal")

	require.NoError(t, c.restart())
	assert.Equal(t, Idle, c.State())
	assert.NoError(t, c.Err())
	_, closes := m.counts()
	assert.Equal(t, 1, closes)
}

func TestController_RunClosesMediaOnce(t *testing.T) {
	c := newController()
	m := &fakeMedia{}
	m.set(0, 100, models.TimeRange{Start: 0, End: 50})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.NoError(t, c.Load(ctx, m))
	require.Eventually(t, func() bool { return c.State() == Playing }, time.Second, time.Millisecond)

	require.NoError(t, c.Fail(ctx, errors.New("boom")))
	assert.Equal(t, Error, c.State())
	require.NoError(t, c.Restart(ctx))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	_, closes := m.counts()
	assert.Equal(t, 1, closes, "restart already released the handle")

	assert.ErrorIs(t, c.Load(context.Background(), m), ErrStopped)
}

func TestController_RunCancelClosesAttachedMedia(t *testing.T) {
	c := newController()
	m := &fakeMedia{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.NoError(t, c.Load(ctx, m))

	cancel()
	<-done
	_, closes := m.counts()
	assert.Equal(t, 1, closes)
}
