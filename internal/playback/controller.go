package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"video-chunk-pipeline/internal/metrics"
	"video-chunk-pipeline/internal/models"
)

type State int32

const (
	Idle State = iota
	Loading
	Playing
	Buffering
	Ended
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Playing:
		return "playing"
	case Buffering:
		return "buffering"
	case Ended:
		return "ended"
	case Error:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	ErrStopped      = errors.New("playback controller stopped")
	ErrInvalidState = errors.New("invalid playback state")
)

// Media is the player-side handle for one video.
type Media interface {
	// Timing reports the current position, duration (0 while unknown) and buffered ranges.
	Timing() (current, duration float64, ranges []models.TimeRange)
	// Prefetch asks for the chunk after the furthest buffered one.
	Prefetch(ctx context.Context) error
	Close() error
}

type handle struct {
	Media
	once sync.Once
}

func (h *handle) close(log *zap.Logger) {
	h.once.Do(func() {
		if err := h.Media.Close(); err != nil {
			log.Warn("Failed to close media", zap.Error(err))
		}
	})
}

type Option func(*Controller)

// WithTransitionHook is invoked on the loop goroutine after every state change.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(c *Controller) { c.onTransition = fn }
}

// Controller owns one playback session. All state changes happen on the goroutine running Run;
// Load, Fail and Restart are delivered to it as commands.
type Controller struct {
	thresholds   Thresholds
	interval     time.Duration
	log          *zap.Logger
	onTransition func(from, to State)

	cmds chan command
	done chan struct{}

	state atomic.Int32
	media *handle

	mu       sync.Mutex
	err      error
	snapshot models.BufferingState
}

type command struct {
	apply func(ctx context.Context) error
	reply chan error
}

func NewController(t Thresholds, interval time.Duration, log *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		thresholds: t,
		interval:   interval,
		log:        log.Named("playback"),
		cmds:       make(chan command),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) State() State { return State(c.state.Load()) }

// Snapshot returns the buffering state computed on the latest tick.
func (c *Controller) Snapshot() models.BufferingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snapshot
	s.BufferedRanges = append([]models.TimeRange(nil), s.BufferedRanges...)
	return s
}

// Err is the failure that moved the session into Error.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Run ticks until ctx is done. The attached media is closed on return.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if c.media != nil {
				c.media.close(c.log)
			}
			return ctx.Err()
		case cmd := <-c.cmds:
			cmd.reply <- cmd.apply(ctx)
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// Load attaches media and starts loading. Only valid from Idle.
func (c *Controller) Load(ctx context.Context, m Media) error {
	return c.send(ctx, func(context.Context) error { return c.load(m) })
}

// Fail moves the session into Error from any non-terminal state.
func (c *Controller) Fail(ctx context.Context, cause error) error {
	return c.send(ctx, func(context.Context) error {
		c.fail(cause)
		return nil
	})
}

// Restart returns an Ended or Errored session to Idle and releases its media.
func (c *Controller) Restart(ctx context.Context) error {
	return c.send(ctx, func(context.Context) error { return c.restart() })
}

func (c *Controller) send(ctx context.Context, fn func(context.Context) error) error {
	cmd := command{apply: fn, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) load(m Media) error {
	if s := c.State(); s != Idle {
		return fmt.Errorf("load from %s: %w", s, ErrInvalidState)
	}
	c.media = &handle{Media: m}
	c.setErr(nil)
	c.transition(Loading)
	return nil
}

func (c *Controller) fail(cause error) {
	switch c.State() {
	case Ended, Error:
		return
	}
	c.setErr(cause)
	c.log.Error("Playback failed", zap.Error(cause))
	c.transition(Error)
}

func (c *Controller) restart() error {
	switch s := c.State(); s {
	case Ended, Error:
	default:
		return fmt.Errorf("restart from %s: %w", s, ErrInvalidState)
	}
	if c.media != nil {
		c.media.close(c.log)
		c.media = nil
	}
	c.setErr(nil)
	c.setSnapshot(models.BufferingState{})
	c.transition(Idle)
	return nil
}

// tick evaluates the session once.
func (c *Controller) tick(ctx context.Context) {
	state := c.State()
	if c.media == nil || state == Idle || state == Ended || state == Error {
		return
	}
	current, duration, ranges := c.media.Timing()
	needs := NeedsBuffering(current, duration, ranges, c.thresholds)
	c.setSnapshot(models.BufferingState{
		CurrentTime:    current,
		Duration:       duration,
		BufferedRanges: ranges,
		IsBuffering:    needs,
	})

	switch state {
	case Loading:
		if duration <= 0 {
			return
		}
		if needs {
			c.prefetch(ctx)
			return
		}
		c.transition(Playing)
	case Playing, Buffering:
		if duration > 0 && current >= duration {
			c.transition(Ended)
			return
		}
		if needs {
			if state == Playing {
				c.transition(Buffering)
			}
			c.prefetch(ctx)
			return
		}
		if state == Buffering {
			c.transition(Playing)
		}
	}
}

func (c *Controller) prefetch(ctx context.Context) {
	if err := c.media.Prefetch(ctx); err != nil {
		c.log.Warn("Prefetch failed", zap.Error(err))
	}
}

func (c *Controller) transition(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	metrics.PlaybackTransitions.WithLabelValues(from.String(), to.String()).Inc()
	c.log.Debug("Playback state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if c.onTransition != nil {
		c.onTransition(from, to)
	}
}

func (c *Controller) setSnapshot(s models.BufferingState) {
	c.mu.Lock()
	c.snapshot = s
	c.mu.Unlock()
}

func (c *Controller) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}
