package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// ThrottleConfig parameterizes a Throttle.
type ThrottleConfig struct {
	// Initial is the backoff applied after the first throttling signal.
	Initial time.Duration
	// Multiplier scales the backoff on each further signal.
	Multiplier float64
	// Max caps the backoff.
	Max time.Duration
	// JitterFactor is the ± variance applied by Delay (0 disables).
	JitterFactor float64
	// QuietPeriod is how long without a signal before the backoff
	// resets to zero.
	QuietPeriod time.Duration
}

// Throttle is the shared backoff state a worker applies to every job
// after a rate-limit signal. It escalates on each signal and decays back
// to zero once a quiet period passes without further signals — evaluated
// lazily on job completion, never by a standalone timer.
//
// A Throttle is exclusively owned and mutated by one worker; the mutex
// only guards against reads from that worker's control goroutines.
type Throttle struct {
	cfg ThrottleConfig

	mu         sync.Mutex
	current    time.Duration
	lastSignal time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewThrottle creates a Throttle in the Normal (zero backoff) state.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	return &Throttle{cfg: cfg, now: time.Now}
}

// RecordSignal registers a throttling signal: the first signal sets the
// backoff to Initial, every further one multiplies it, capped at Max.
func (t *Throttle) RecordSignal() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastSignal = t.now()

	if t.current == 0 {
		t.current = t.cfg.Initial
	} else {
		next := time.Duration(float64(t.current) * t.cfg.Multiplier)
		if t.cfg.Max > 0 && next > t.cfg.Max {
			next = t.cfg.Max
		}
		t.current = next
	}

	return t.current
}

// MaybeReset zeroes the backoff if the quiet period has elapsed since the
// last signal. Called after every finished job; it does not zero an
// active backoff early.
func (t *Throttle) MaybeReset() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == 0 {
		return false
	}
	if t.now().Sub(t.lastSignal) <= t.cfg.QuietPeriod {
		return false
	}
	t.current = 0
	return true
}

// Current returns the unjittered backoff. Zero means no active penalty.
func (t *Throttle) Current() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Delay returns the jittered backoff to sleep before the next job, or
// zero when no penalty is active.
func (t *Throttle) Delay() time.Duration {
	t.mu.Lock()
	base := t.current
	t.mu.Unlock()

	if base == 0 {
		return 0
	}
	return Jitter(base, t.cfg.JitterFactor)
}

// Jitter perturbs base by a uniform ± factor: base × (1 + U(-1,1)×f),
// rounded to the nearest millisecond and floored at zero. factor 0
// returns base unchanged.
func Jitter(base time.Duration, factor float64) time.Duration {
	if factor == 0 {
		return base
	}
	mult := (rand.Float64()*2 - 1) * factor //nolint:gosec // jitter intentionally uses non-crypto rand
	ms := math.Round(float64(base.Milliseconds()) * (1 + mult))
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
