package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/waline/outbound"
	"github.com/waline/outbound/backoff"
	"github.com/waline/outbound/conn"
	"github.com/waline/outbound/id"
	"github.com/waline/outbound/job"
	"github.com/waline/outbound/store/memory"
	"github.com/waline/outbound/wa"
	"github.com/waline/outbound/worker"
)

// fakeClient fails its first `failures` calls with `err`, then succeeds.
type fakeClient struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	sent     []string
}

func (f *fakeClient) step() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeClient) SendMessage(_ context.Context, jid string, _ json.RawMessage, _ *wa.SendOptions) (*wa.Message, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sent = append(f.sent, jid)
	f.mu.Unlock()
	return &wa.Message{Key: wa.MessageKey{RemoteJID: jid, ID: "m1"}}, nil
}

func (f *fakeClient) SendPresenceUpdate(_ context.Context, _ wa.Presence, _ string) error {
	return f.step()
}

func (f *fakeClient) GroupMetadata(_ context.Context, groupJID string) (*wa.GroupMetadata, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return &wa.GroupMetadata{JID: groupJID, Subject: "test group"}, nil
}

func (f *fakeClient) ReadMessages(_ context.Context, _ []wa.MessageKey) error {
	return f.step()
}

func (f *fakeClient) OnWhatsApp(_ context.Context, jid string) ([]wa.Registration, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return []wa.Registration{{JID: jid, Exists: true}}, nil
}

func (f *fakeClient) GroupRequestParticipantsList(_ context.Context, _ string) ([]wa.JoinRequest, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeClient) GroupRequestParticipantsUpdate(_ context.Context, _ string, participants []string, _ wa.JoinRequestAction) ([]wa.JoinRequestResult, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	out := make([]wa.JoinRequestResult, len(participants))
	for i, p := range participants {
		out[i] = wa.JoinRequestResult{JID: p, Status: "200"}
	}
	return out, nil
}

func testConfig() outbound.Config {
	cfg := outbound.DefaultConfig()
	cfg.Enabled = true
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond
	cfg.MessagesPerMinute = 0 // unlimited; pacing is not under test here
	return cfg
}

func newTestWorker(t *testing.T, cfg outbound.Config, store *memory.Store, opts ...worker.Option) *worker.Worker {
	t.Helper()
	w := worker.New("wa_test", cfg, conn.FixedSource(store),
		append([]worker.Option{worker.WithPollInterval(10 * time.Millisecond)}, opts...)...,
	)
	t.Cleanup(w.Close)
	return w
}

func enqueue(t *testing.T, store *memory.Store, typ job.Type, payload any, maxRetries int) *job.Job {
	t.Helper()
	data, err := job.EncodePayload(payload)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	now := time.Now().UTC()
	j := &job.Job{
		ID:         id.NewJobID(),
		Type:       typ,
		Queue:      "wa_test",
		Payload:    data,
		Priority:   job.PriorityOutgoing,
		State:      job.StateWaiting,
		MaxRetries: maxRetries,
		RunAt:      now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return j
}

func waitFinished(t *testing.T, store *memory.Store, jobID string) *job.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j, err := store.GetJob(context.Background(), "wa_test", jobID)
		if err == nil && j.State.Finished() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never finished", jobID)
	return nil
}

func TestWorker_ExecutesJob(t *testing.T) {
	store := memory.New()
	defer store.Close()
	client := &fakeClient{}
	w := newTestWorker(t, testConfig(), store)

	j := enqueue(t, store, job.TypeSendMessage, job.SendMessagePayload{
		Recipient: "a@s.whatsapp.net",
		Content:   json.RawMessage(`{"text":"hi"}`),
	}, 3)
	w.SetClient(client)

	got := waitFinished(t, store, j.ID.String())
	if got.State != job.StateCompleted {
		t.Fatalf("state = %s, want %s (last error %q)", got.State, job.StateCompleted, got.LastError)
	}
	if got.Result == nil || !got.Result.Success {
		t.Errorf("result = %+v, want success", got.Result)
	}
	if got.Result.Data == nil {
		t.Error("result carries no message ack")
	}
}

func TestWorker_RetriesTransientFailures(t *testing.T) {
	store := memory.New()
	defer store.Close()
	client := &fakeClient{failures: 2, err: errors.New("stream closed")}
	w := newTestWorker(t, testConfig(), store)

	j := enqueue(t, store, job.TypeReadMessages, job.ReadMessagesPayload{
		Keys: []wa.MessageKey{{RemoteJID: "a@s.whatsapp.net", ID: "m1"}},
	}, 3)
	w.SetClient(client)

	got := waitFinished(t, store, j.ID.String())
	if got.State != job.StateCompleted {
		t.Fatalf("state = %s, want %s", got.State, job.StateCompleted)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
	if client.callCount() != 3 {
		t.Errorf("client calls = %d, want 3", client.callCount())
	}
}

func TestWorker_NonRetryableFailsImmediately(t *testing.T) {
	store := memory.New()
	defer store.Close()
	client := &fakeClient{failures: 100, err: errors.New("not authorized")}
	w := newTestWorker(t, testConfig(), store)

	j := enqueue(t, store, job.TypeSendPresenceUpdate, job.SendPresencePayload{
		Presence: wa.PresenceAvailable,
	}, 3)
	w.SetClient(client)

	got := waitFinished(t, store, j.ID.String())
	if got.State != job.StateFailed {
		t.Fatalf("state = %s, want %s", got.State, job.StateFailed)
	}
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 for a non-retryable failure", got.RetryCount)
	}
	if got.Result == nil || got.Result.Retryable {
		t.Errorf("result = %+v, want non-retryable failure", got.Result)
	}
	if cur := w.Throttle().Current(); cur != 0 {
		t.Errorf("throttle = %v, want 0: auth failures are not throttling signals", cur)
	}
}

func TestWorker_RetriesExhaustedFailsTerminally(t *testing.T) {
	store := memory.New()
	defer store.Close()
	client := &fakeClient{failures: 100, err: errors.New("stream closed")}
	cfg := testConfig()
	w := newTestWorker(t, cfg, store)

	j := enqueue(t, store, job.TypeOnWhatsAppCheck, job.OnWhatsAppPayload{
		JID: "a@s.whatsapp.net",
	}, 1)
	w.SetClient(client)

	got := waitFinished(t, store, j.ID.String())
	if got.State != job.StateFailed {
		t.Fatalf("state = %s, want %s", got.State, job.StateFailed)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
	if got.Result == nil || !got.Result.Retryable {
		t.Errorf("result = %+v, want retryable failure", got.Result)
	}
	if client.callCount() != 2 {
		t.Errorf("client calls = %d, want 2 (first attempt + one retry)", client.callCount())
	}
}

func TestWorker_ThrottleEscalatesOnRateLimit(t *testing.T) {
	store := memory.New()
	defer store.Close()
	client := &fakeClient{failures: 1, err: errors.New("rate-overlimit")}
	cfg := testConfig()
	w := newTestWorker(t, cfg, store)

	j := enqueue(t, store, job.TypeGroupMetadata, job.GroupMetadataPayload{
		GroupJID: "123@g.us",
	}, 3)
	w.SetClient(client)

	got := waitFinished(t, store, j.ID.String())
	if got.State != job.StateCompleted {
		t.Fatalf("state = %s, want %s", got.State, job.StateCompleted)
	}
	// The signal escalated the throttle and the quiet period hasn't
	// elapsed, so the backoff must still be standing.
	if cur := w.Throttle().Current(); cur != cfg.InitialBackoff {
		t.Errorf("throttle = %v, want %v after one signal", cur, cfg.InitialBackoff)
	}
}

func TestWorker_StatusCodeThrottling(t *testing.T) {
	store := memory.New()
	defer store.Close()
	client := &fakeClient{failures: 1, err: &wa.RequestError{StatusCode: 429, Message: "slow down"}}
	cfg := testConfig()
	w := newTestWorker(t, cfg, store)

	j := enqueue(t, store, job.TypeSendMessage, job.SendMessagePayload{
		Recipient: "a@s.whatsapp.net",
		Content:   json.RawMessage(`{}`),
	}, 3)
	w.SetClient(client)

	got := waitFinished(t, store, j.ID.String())
	if got.State != job.StateCompleted {
		t.Fatalf("state = %s, want %s", got.State, job.StateCompleted)
	}
	if cur := w.Throttle().Current(); cur != cfg.InitialBackoff {
		t.Errorf("throttle = %v, want %v after a 429", cur, cfg.InitialBackoff)
	}
}

func TestWorker_DisabledNeverConsumes(t *testing.T) {
	store := memory.New()
	defer store.Close()
	cfg := testConfig()
	cfg.Enabled = false
	w := newTestWorker(t, cfg, store)

	j := enqueue(t, store, job.TypeSendPresenceUpdate, job.SendPresencePayload{
		Presence: wa.PresenceAvailable,
	}, 3)
	w.SetClient(&fakeClient{})

	time.Sleep(100 * time.Millisecond)
	got, err := store.GetJob(context.Background(), "wa_test", j.ID.String())
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateWaiting {
		t.Errorf("state = %s, want %s while disabled", got.State, job.StateWaiting)
	}
}

// blockingClient holds every SendMessage open until release is closed and
// tracks how many executions overlap.
type blockingClient struct {
	fakeClient
	trackMu  sync.Mutex
	inflight int
	maxSeen  int
	started  chan struct{}
	release  chan struct{}
}

func (c *blockingClient) SendMessage(_ context.Context, jid string, _ json.RawMessage, _ *wa.SendOptions) (*wa.Message, error) {
	c.trackMu.Lock()
	c.inflight++
	if c.inflight > c.maxSeen {
		c.maxSeen = c.inflight
	}
	c.trackMu.Unlock()

	select {
	case c.started <- struct{}{}:
	default:
	}
	<-c.release

	c.trackMu.Lock()
	c.inflight--
	c.trackMu.Unlock()
	return &wa.Message{Key: wa.MessageKey{RemoteJID: jid, ID: "m1"}}, nil
}

func (c *blockingClient) maxOverlap() int {
	c.trackMu.Lock()
	defer c.trackMu.Unlock()
	return c.maxSeen
}

func TestWorker_ReattachKeepsSingleExecution(t *testing.T) {
	store := memory.New()
	defer store.Close()
	client := &blockingClient{
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	w := newTestWorker(t, testConfig(), store)

	a := enqueue(t, store, job.TypeSendMessage, job.SendMessagePayload{
		Recipient: "a@s.whatsapp.net",
		Content:   json.RawMessage(`{}`),
	}, 3)
	b := enqueue(t, store, job.TypeSendMessage, job.SendMessagePayload{
		Recipient: "b@s.whatsapp.net",
		Content:   json.RawMessage(`{}`),
	}, 3)

	w.SetClient(client)
	<-client.started // first job is now in flight

	// Detach and immediately re-attach while the first job still holds
	// the network call, as a session re-authentication would.
	w.SetClient(nil)
	w.SetClient(client)

	// The second job must not execute until the first one settles.
	time.Sleep(100 * time.Millisecond)
	if got := client.maxOverlap(); got != 1 {
		t.Fatalf("concurrent in-flight executions = %d, want 1", got)
	}

	close(client.release)
	waitFinished(t, store, a.ID.String())
	waitFinished(t, store, b.ID.String())
	if got := client.maxOverlap(); got != 1 {
		t.Errorf("concurrent in-flight executions = %d, want 1", got)
	}
}

func TestWorker_IdlePollingDoesNotDrainWindow(t *testing.T) {
	store := memory.New()
	defer store.Close()
	client := &fakeClient{}
	cfg := testConfig()
	cfg.MessagesPerMinute = 2
	w := newTestWorker(t, cfg, store)

	// Idle long enough for many empty polls. If polling spent window
	// slots, both would be gone and the jobs below would stall until the
	// window refills.
	w.SetClient(client)
	time.Sleep(150 * time.Millisecond)

	a := enqueue(t, store, job.TypeSendPresenceUpdate, job.SendPresencePayload{
		Presence: wa.PresenceAvailable,
	}, 3)
	b := enqueue(t, store, job.TypeSendPresenceUpdate, job.SendPresencePayload{
		Presence: wa.PresencePaused,
	}, 3)

	for _, j := range []*job.Job{a, b} {
		got := waitFinished(t, store, j.ID.String())
		if got.State != job.StateCompleted {
			t.Fatalf("state = %s, want %s", got.State, job.StateCompleted)
		}
	}
}

func TestWorker_ConstantRetryStrategy(t *testing.T) {
	store := memory.New()
	defer store.Close()
	client := &fakeClient{failures: 2, err: errors.New("stream closed")}
	w := newTestWorker(t, testConfig(), store,
		worker.WithRetryStrategy(backoff.NewConstant(10*time.Millisecond)),
	)

	j := enqueue(t, store, job.TypeReadMessages, job.ReadMessagesPayload{
		Keys: []wa.MessageKey{{RemoteJID: "a@s.whatsapp.net", ID: "m1"}},
	}, 3)
	w.SetClient(client)

	got := waitFinished(t, store, j.ID.String())
	if got.State != job.StateCompleted {
		t.Fatalf("state = %s, want %s", got.State, job.StateCompleted)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
}

func TestWorker_DetachStopsConsumption(t *testing.T) {
	store := memory.New()
	defer store.Close()
	client := &fakeClient{}
	w := newTestWorker(t, testConfig(), store)

	w.SetClient(client)
	w.SetClient(nil)
	time.Sleep(30 * time.Millisecond) // let the loop observe the stop

	j := enqueue(t, store, job.TypeSendPresenceUpdate, job.SendPresencePayload{
		Presence: wa.PresenceAvailable,
	}, 3)

	time.Sleep(100 * time.Millisecond)
	got, err := store.GetJob(context.Background(), "wa_test", j.ID.String())
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateWaiting {
		t.Errorf("state = %s, want %s after detach", got.State, job.StateWaiting)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want worker.Outcome
	}{
		{"nil", nil, worker.OutcomeRetryable},
		{"generic", errors.New("stream closed"), worker.OutcomeRetryable},
		{"rate-overlimit", errors.New("rate-overlimit"), worker.OutcomeThrottled},
		{"too many requests", errors.New("Too Many Requests"), worker.OutcomeThrottled},
		{"rate limit mixed case", errors.New("Rate Limit exceeded"), worker.OutcomeThrottled},
		{"status 429", &wa.RequestError{StatusCode: 429}, worker.OutcomeThrottled},
		{"wrapped 429", &wrapErr{&wa.RequestError{StatusCode: 429, Message: "slow"}}, worker.OutcomeThrottled},
		{"status 500", &wa.RequestError{StatusCode: 500, Message: "server error"}, worker.OutcomeRetryable},
		{"not authorized", errors.New("not authorized"), worker.OutcomeNonRetryable},
		{"unauthorized", errors.New("Unauthorized"), worker.OutcomeNonRetryable},
		{"forbidden", errors.New("403 Forbidden"), worker.OutcomeNonRetryable},
		{"not found", errors.New("item Not Found"), worker.OutcomeNonRetryable},
		{"invalid", errors.New("invalid jid"), worker.OutcomeNonRetryable},
		{"bad request", errors.New("Bad Request"), worker.OutcomeNonRetryable},
		{"throttle wins over wording", errors.New("rate limit: request invalid"), worker.OutcomeThrottled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := worker.Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// wrapErr exercises errors.As unwrapping in the classifier.
type wrapErr struct{ inner error }

func (w *wrapErr) Error() string { return "request failed: " + w.inner.Error() }
func (w *wrapErr) Unwrap() error { return w.inner }
