// Package clock drives clock pulses into the runtime: periodic ticks to a set
// of targets, one-off pulses, and process-requested re-arms bounded by a pulse
// cap and a token-bucket rate limit.
package clock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"golang.org/x/time/rate"
)

// Driver injects clock messages into an emitter.
type Driver struct {
	emitter ports.Emitter
	logger  *slog.Logger
	hooks   domain.LifecycleHooks

	interval   time.Duration
	maxPulses  int64
	limiter    *rate.Limiter
	rearmDelay time.Duration

	pulses atomic.Int64

	mu      sync.Mutex
	targets []domain.Binding
	timers  map[*time.Timer]struct{}
	stopped bool
}

// Option configures the Driver.
type Option func(*Driver)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithLifecycleHooks registers an OnPulse observer.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(d *Driver) {
		d.hooks = d.hooks.Merge(hooks)
	}
}

// WithInterval sets the period of Run. Zero disables ticking.
func WithInterval(interval time.Duration) Option {
	return func(d *Driver) {
		d.interval = interval
	}
}

// WithMaxPulses caps the total number of pulses delivered. Zero means unlimited.
func WithMaxPulses(n int64) Option {
	return func(d *Driver) {
		d.maxPulses = n
	}
}

// WithRateLimit throttles re-arms to r per second with the given burst.
func WithRateLimit(r float64, burst int) Option {
	return func(d *Driver) {
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithRearmDelay postpones re-armed pulses.
func WithRearmDelay(delay time.Duration) Option {
	return func(d *Driver) {
		d.rearmDelay = delay
	}
}

// WithTargets sets the bindings pulsed on every tick.
func WithTargets(targets ...domain.Binding) Option {
	return func(d *Driver) {
		d.targets = append(d.targets, targets...)
	}
}

// New creates a clock driver over an emitter.
func New(emitter ports.Emitter, opts ...Option) *Driver {
	d := &Driver{
		emitter: emitter,
		logger:  logging.NewNop(),
		timers:  make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddTarget adds a binding to the periodic pulse set.
func (d *Driver) AddTarget(b domain.Binding) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, b)
}

// Targets returns the periodic pulse set.
func (d *Driver) Targets() []domain.Binding {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Binding(nil), d.targets...)
}

// Pulses reports how many pulses have been delivered.
func (d *Driver) Pulses() int64 {
	return d.pulses.Load()
}

// Pulse delivers one clock message to target now.
func (d *Driver) Pulse(ctx context.Context, target domain.Binding) error {
	return d.deliver(ctx, target, false)
}

// Rearm schedules another pulse for target, subject to the cap and the rate
// limit. Refused re-arms are dropped and reported.
func (d *Driver) Rearm(ctx context.Context, target domain.Binding) error {
	if d.capped() {
		d.refuse(ctx, target, true, "capped")
		return fmt.Errorf("%w: %s", domain.ErrPulseCapped, target)
	}
	if d.limiter != nil && !d.limiter.Allow() {
		d.refuse(ctx, target, true, "throttled")
		return fmt.Errorf("%w: %s", domain.ErrPulseThrottled, target)
	}
	if d.rearmDelay <= 0 {
		return d.deliver(ctx, target, true)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return fmt.Errorf("%w: clock stopped", domain.ErrEmissionFailure)
	}
	bg := context.WithoutCancel(ctx)
	var t *time.Timer
	t = time.AfterFunc(d.rearmDelay, func() {
		d.mu.Lock()
		delete(d.timers, t)
		d.mu.Unlock()
		if err := d.deliver(bg, target, true); err != nil {
			d.logger.Warn("delayed re-arm failed", "target", target.String(), "err", err)
		}
	})
	d.timers[t] = struct{}{}
	return nil
}

// Run pulses every target once per interval until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	if d.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.logger.Info("clock started", "interval", d.interval, "targets", len(d.Targets()))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("clock stopped", "pulses", d.Pulses())
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick pulses every target once.
func (d *Driver) Tick(ctx context.Context) {
	for _, target := range d.Targets() {
		if err := d.Pulse(ctx, target); err != nil {
			d.logger.Debug("pulse not delivered", "target", target.String(), "err", err)
		}
	}
}

// Stop cancels pending delayed re-arms.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for t := range d.timers {
		t.Stop()
	}
	clear(d.timers)
}

func (d *Driver) capped() bool {
	return d.maxPulses > 0 && d.pulses.Load() >= d.maxPulses
}

// reserve claims one pulse against the cap.
func (d *Driver) reserve() bool {
	for {
		n := d.pulses.Load()
		if d.maxPulses > 0 && n >= d.maxPulses {
			return false
		}
		if d.pulses.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (d *Driver) deliver(ctx context.Context, target domain.Binding, rearm bool) error {
	if !d.reserve() {
		d.refuse(ctx, target, rearm, "capped")
		return fmt.Errorf("%w: %s", domain.ErrPulseCapped, target)
	}
	if err := d.emitter.Emit(ctx, target, domain.NewClock()); err != nil {
		return err
	}
	if h := d.hooks.OnPulse; h != nil {
		h(ctx, &domain.PulseEvent{
			EventBase: domain.EventBase{Timestamp: time.Now(), Type: domain.EventPulse},
			Target:    target,
			Rearm:     rearm,
		})
	}
	return nil
}

func (d *Driver) refuse(ctx context.Context, target domain.Binding, rearm bool, reason string) {
	d.logger.Warn("pulse dropped", "target", target.String(), "reason", reason)
	if h := d.hooks.OnPulse; h != nil {
		h(ctx, &domain.PulseEvent{
			EventBase: domain.EventBase{Timestamp: time.Now(), Type: domain.EventPulse},
			Target:    target,
			Rearm:     rearm,
			Dropped:   true,
			Reason:    reason,
		})
	}
}
