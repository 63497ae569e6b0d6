package outbound

import (
	"os"
	"strconv"
	"time"
)

// Config holds the rate-limiting subsystem configuration for one process.
// The zero value is not usable; start from DefaultConfig or FromEnv.
type Config struct {
	// Enabled gates the entire subsystem. When false the dispatcher is a
	// no-op passthrough and the worker never starts.
	Enabled bool

	// RedisURI is the backend address (e.g. "redis://localhost:6379/0").
	// An empty URI disables the subsystem regardless of Enabled.
	RedisURI string

	// MaxRetries is how many times the backend re-attempts a retryable
	// job before failing it terminally.
	MaxRetries int

	// InitialBackoff seeds both the backend retry schedule and the
	// worker's throttle escalation.
	InitialBackoff time.Duration

	// BackoffMultiplier scales the throttle backoff on each further
	// throttling signal.
	BackoffMultiplier float64

	// MaxBackoff caps the throttle backoff.
	MaxBackoff time.Duration

	// BackoffJitterFactor is the ± variance applied to the throttle
	// delay before each job (0.25 = ±25%).
	BackoffJitterFactor float64

	// MessageDelay is the base dispatch-side delay for message sends and
	// join-request operations.
	MessageDelay time.Duration

	// JitterFactor is the ± variance applied to MessageDelay at enqueue
	// time.
	JitterFactor float64

	// MessagesPerMinute is the execution ceiling per rolling minute,
	// enforced independently of priorities and delays.
	MessagesPerMinute int

	// QueueTimeout is the default WaitForJob timeout.
	QueueTimeout time.Duration

	// BackoffQuietPeriod is how long the worker must go without a
	// throttling signal before the backoff resets to zero.
	BackoffQuietPeriod time.Duration
}

// DefaultConfig returns a Config with the subsystem disabled and the
// pacing parameters at their tuned defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:             false,
		MaxRetries:          3,
		InitialBackoff:      time.Second,
		BackoffMultiplier:   2,
		MaxBackoff:          time.Minute,
		BackoffJitterFactor: 0.25,
		MessageDelay:        1500 * time.Millisecond,
		JitterFactor:        0.5,
		MessagesPerMinute:   20,
		QueueTimeout:        30 * time.Second,
		BackoffQuietPeriod:  5 * time.Minute,
	}
}

// FromEnv builds a Config from RATE_LIMIT_* environment variables,
// falling back to DefaultConfig for anything unset or unparseable.
func FromEnv() Config {
	cfg := DefaultConfig()

	cfg.Enabled = envBool("RATE_LIMIT_ENABLED", cfg.Enabled)
	if v := os.Getenv("RATE_LIMIT_REDIS_URI"); v != "" {
		cfg.RedisURI = v
	}
	cfg.MaxRetries = envInt("RATE_LIMIT_MAX_RETRIES", cfg.MaxRetries)
	cfg.InitialBackoff = envMillis("RATE_LIMIT_INITIAL_BACKOFF_MS", cfg.InitialBackoff)
	cfg.BackoffMultiplier = envFloat("RATE_LIMIT_BACKOFF_MULTIPLIER", cfg.BackoffMultiplier)
	cfg.MaxBackoff = envMillis("RATE_LIMIT_MAX_BACKOFF_MS", cfg.MaxBackoff)
	cfg.BackoffJitterFactor = envFloat("RATE_LIMIT_BACKOFF_JITTER_FACTOR", cfg.BackoffJitterFactor)
	cfg.MessageDelay = envMillis("RATE_LIMIT_MESSAGE_DELAY_MS", cfg.MessageDelay)
	cfg.JitterFactor = envFloat("RATE_LIMIT_JITTER_FACTOR", cfg.JitterFactor)
	cfg.MessagesPerMinute = envInt("RATE_LIMIT_MESSAGES_PER_MINUTE", cfg.MessagesPerMinute)
	cfg.QueueTimeout = envMillis("RATE_LIMIT_QUEUE_TIMEOUT_MS", cfg.QueueTimeout)

	return cfg
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
