// Package worker consumes one instance's outbound queue and executes
// jobs against the attached network client. Concurrency is fixed at one:
// a single consumer goroutine is what makes the per-instance pacing and
// ordering guarantees hold.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/waline/outbound"
	"github.com/waline/outbound/backoff"
	"github.com/waline/outbound/conn"
	"github.com/waline/outbound/id"
	"github.com/waline/outbound/job"
	"github.com/waline/outbound/middleware"
	"github.com/waline/outbound/queue"
	"github.com/waline/outbound/wa"
)

// defaultPollInterval is how long the loop idles when the queue is empty
// or the backend is unavailable.
const defaultPollInterval = 500 * time.Millisecond

// Worker is the single consumer of one instance's queue.
type Worker struct {
	cfg          outbound.Config
	queueName    string
	source       *conn.Source
	logger       *slog.Logger
	workerID     id.WorkerID
	window       *queue.Window
	throttle     *backoff.Throttle
	retry        backoff.Strategy
	mw           middleware.Middleware
	classify     Classifier
	pollInterval time.Duration

	mu      sync.Mutex
	client  wa.Client
	running bool
	closed  bool
	stopCh  chan struct{}
	done    chan struct{} // closed when the current loop has fully exited
	wg      sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithPollInterval sets the idle poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithClassifier overrides the error classifier.
func WithClassifier(c Classifier) Option {
	return func(w *Worker) { w.classify = c }
}

// WithRetryStrategy overrides the per-job retry delay schedule. Defaults
// to exponential doubling from the configured initial backoff; pass
// backoff.NewConstant for a flat schedule.
func WithRetryStrategy(s backoff.Strategy) Option {
	return func(w *Worker) {
		if s != nil {
			w.retry = s
		}
	}
}

// WithMiddleware replaces the default execution middleware chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(w *Worker) { w.mw = middleware.Chain(mws...) }
}

// New builds a Worker for the given queue. The worker stays idle until a
// client is attached with SetClient.
func New(queueName string, cfg outbound.Config, source *conn.Source, opts ...Option) *Worker {
	w := &Worker{
		cfg:       cfg,
		queueName: queueName,
		source:    source,
		logger:    slog.Default(),
		workerID:  id.NewWorkerID(),
		window:    queue.NewWindow(cfg.MessagesPerMinute, time.Minute),
		throttle: backoff.NewThrottle(backoff.ThrottleConfig{
			Initial:      cfg.InitialBackoff,
			Multiplier:   cfg.BackoffMultiplier,
			Max:          cfg.MaxBackoff,
			JitterFactor: cfg.BackoffJitterFactor,
			QuietPeriod:  cfg.BackoffQuietPeriod,
		}),
		retry:        backoff.NewExponential(cfg.InitialBackoff, 0),
		classify:     Classify,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.mw == nil {
		w.mw = middleware.Chain(
			middleware.Recover(w.logger),
			middleware.Logging(w.logger),
			middleware.Tracing(),
			middleware.Metrics(),
			middleware.Timeout(cfg.QueueTimeout),
		)
	}
	return w
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() id.WorkerID { return w.workerID }

// Throttle exposes the shared backoff state for inspection.
func (w *Worker) Throttle() *backoff.Throttle { return w.throttle }

// SetClient attaches or detaches the network client. Attaching starts the
// consume loop (when enabled); detaching with nil signals it to stop. An
// in-flight job observing a detached client fails fast.
func (w *Worker) SetClient(c wa.Client) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.client = c

	switch {
	case c == nil:
		w.stopLocked()
	case w.cfg.Enabled && !w.running:
		w.running = true
		stop := make(chan struct{})
		done := make(chan struct{})
		prev := w.done
		w.stopCh = stop
		w.done = done
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer close(done)
			// A stopped loop may still be settling its in-flight job.
			// Consuming before it exits would put two jobs in flight.
			if prev != nil {
				<-prev
			}
			w.runLoop(stop)
		}()
		w.logger.Info("worker started",
			slog.String("worker_id", w.workerID.String()),
			slog.String("queue", w.queueName),
		)
	}
}

// stopLocked signals the loop to stop. Caller holds w.mu.
func (w *Worker) stopLocked() {
	if w.running {
		w.running = false
		close(w.stopCh)
	}
}

// Close stops the worker and waits for the in-flight job, if any, to
// settle. Idempotent.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.stopLocked()
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("worker stopped", slog.String("worker_id", w.workerID.String()))
}

func (w *Worker) currentClient() wa.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client
}

// runLoop is the single consumer: dequeue, rate window, execute, settle.
func (w *Worker) runLoop(stop chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		st := w.source.Store()
		if st == nil {
			w.sleep(ctx)
			continue
		}

		j, err := st.DequeueJob(ctx, w.queueName)
		if err != nil {
			if !errors.Is(err, outbound.ErrNoEligibleJob) && ctx.Err() == nil {
				w.logger.Error("dequeue error", slog.String("error", err.Error()))
			}
			w.sleep(ctx)
			continue
		}

		// The window counts executions, not polls: a slot is spent only
		// once a job has actually been claimed, so an idle worker never
		// drains the limiter with empty dequeues. On shutdown mid-wait
		// the claimed job still settles through process.
		_ = w.window.Wait(ctx)

		w.process(ctx, st, j)
	}
}

// process executes one claimed job and settles its outcome.
func (w *Worker) process(ctx context.Context, st job.Store, j *job.Job) {
	// Throttle gate: while the network is pushing back, every job waits
	// a jittered share of the current backoff before executing.
	if delay := w.throttle.Delay(); delay > 0 {
		w.logger.Debug("throttle gate",
			slog.String("job_id", j.ID.String()),
			slog.Duration("delay", delay),
		)
		sleepCtx(ctx, delay)
	}

	client := w.currentClient()
	if client == nil {
		w.finishFailed(ctx, st, j, job.Fail("client not available", true))
		w.throttle.MaybeReset()
		return
	}

	var data any
	terminal := func(ctx context.Context) error {
		var execErr error
		data, execErr = execute(ctx, client, j)
		return execErr
	}

	err := w.mw(ctx, j, terminal)
	if err == nil {
		if cErr := st.CompleteJob(ctx, j, job.OK(data)); cErr != nil {
			w.logger.Error("complete failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", cErr.Error()),
			)
		}
	} else {
		w.handleFailure(ctx, st, j, err)
	}

	// Lazy reset: a quiet period since the last throttling signal clears
	// the backoff. Only ever evaluated here, never by a timer.
	if w.throttle.MaybeReset() {
		w.logger.Info("throttle backoff reset", slog.String("queue", w.queueName))
	}
}

// handleFailure classifies the error and routes the job to the retry path
// or a terminal failure.
func (w *Worker) handleFailure(ctx context.Context, st job.Store, j *job.Job, execErr error) {
	outcome := w.classify(execErr)
	j.LastError = execErr.Error()

	if outcome == OutcomeThrottled {
		delay := w.throttle.RecordSignal()
		w.logger.Warn("rate limited by network",
			slog.String("job_id", j.ID.String()),
			slog.Duration("backoff", delay),
		)
	}

	switch {
	case outcome == OutcomeNonRetryable:
		w.finishFailed(ctx, st, j, job.Fail(execErr.Error(), false))

	case j.RetryCount+1 > j.MaxRetries:
		w.logger.Warn("retries exhausted",
			slog.String("job_id", j.ID.String()),
			slog.Int("attempts", j.RetryCount+1),
		)
		w.finishFailed(ctx, st, j, job.Fail(execErr.Error(), true))

	default:
		runAt := time.Now().UTC().Add(w.retry.Delay(j.RetryCount + 1))
		if err := st.RetryJob(ctx, j, runAt); err != nil {
			w.logger.Error("retry schedule failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		w.logger.Info("job scheduled for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("outcome", outcome.String()),
			slog.Int("retry_count", j.RetryCount),
			slog.Time("run_at", runAt),
		)
	}
}

func (w *Worker) finishFailed(ctx context.Context, st job.Store, j *job.Job, res *job.Result) {
	if err := st.FailJob(ctx, j, res); err != nil {
		w.logger.Error("fail record failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	sleepCtx(ctx, w.pollInterval)
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
