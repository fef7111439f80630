package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the name of the JetStream stream
	StreamName = "WDSHOT_JOBS"
	// SubjectName is the subject for job messages
	SubjectName = "wdshot.jobs"
	// ConsumerName is the name of the durable consumer
	ConsumerName = "wdshot-worker"

	cleanupInterval = time.Minute
	fetchWait       = 5 * time.Second
	maxFetchBackoff = 30 * time.Second
)

// errJobCanceled stops a state change on a job that was canceled meanwhile
var errJobCanceled = errors.New("job canceled")

// JobProcessor runs a single job
type JobProcessor interface {
	Process(ctx context.Context, job *Job, progress func(int, string)) (*JobResult, error)
}

// Manager manages the job queue
type Manager struct {
	js        jetstream.JetStream
	consumer  jetstream.Consumer
	publish   func(ctx context.Context, data []byte) error
	store     *Store
	events    *EventHub
	mu        sync.Mutex
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewManager creates a queue manager backed by JetStream
func NewManager(js jetstream.JetStream) (*Manager, error) {
	m := newManager(func(ctx context.Context, data []byte) error {
		_, err := js.Publish(ctx, SubjectName, data)
		return err
	})
	m.js = js

	if err := m.setupStream(); err != nil {
		m.cancel()
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}

	return m, nil
}

func newManager(publish func(ctx context.Context, data []byte) error) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		publish: publish,
		store:   NewStore(),
		events:  NewEventHub(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// setupStream creates or updates the stream and its durable consumer
func (m *Manager) setupStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "wdshot capture jobs",
		Subjects:    []string{SubjectName},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	consumer, err := m.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Name:          ConsumerName,
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxAckPending: 1,
		AckWait:       5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	m.consumer = consumer

	return nil
}

// Start consumes jobs one at a time until Stop is called
func (m *Manager) Start(processor JobProcessor) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return nil
	}
	if m.consumer == nil {
		m.mu.Unlock()
		return fmt.Errorf("queue has no consumer")
	}
	m.isRunning = true
	m.mu.Unlock()

	log.Println("Starting capture job worker...")

	go m.cleanupLoop()
	go m.fetchLoop(processor)

	return nil
}

func (m *Manager) fetchLoop(processor JobProcessor) {
	failures := 0
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		msgs, err := m.consumer.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err == nil {
			err = drain(msgs, func(msg jetstream.Msg) { m.processMessage(msg, processor) })
		}
		if err != nil {
			failures++
			delay := fetchBackoff(failures)
			log.Printf("Warning: failed to fetch jobs (attempt %d), retrying in %v: %v", failures, delay, err)
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		failures = 0
	}
}

// drain handles every message of a fetch batch and reports the batch error.
// A fetch that simply waited out FetchMaxWait is not an error.
func drain(msgs jetstream.MessageBatch, handle func(jetstream.Msg)) error {
	for msg := range msgs.Messages() {
		handle(msg)
	}
	if err := msgs.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return err
	}
	return nil
}

// fetchBackoff doubles from one second up to maxFetchBackoff
func fetchBackoff(failures int) time.Duration {
	delay := time.Second
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= maxFetchBackoff {
			return maxFetchBackoff
		}
	}
	return delay
}

// Stop stops the worker and closes event subscriptions
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancel()
	if !m.isRunning {
		return
	}
	m.isRunning = false
	m.events.Close()
	log.Println("Capture job worker stopped")
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.purge()
		}
	}
}

func (m *Manager) purge() int {
	purged := m.store.PurgeExpired()
	for _, id := range purged {
		m.events.Forget(id)
	}
	if len(purged) > 0 {
		log.Printf("Purged %d expired jobs", len(purged))
	}
	return len(purged)
}

// Enqueue stores a job and publishes it
func (m *Manager) Enqueue(job *Job) error {
	if err := m.store.Save(job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	data, err := job.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize job: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}

	m.events.Emit(Event{
		JobID:   job.ID,
		Status:  job.Status,
		Message: "Job queued",
	})

	return nil
}

// EnqueueWithIdempotency returns the live job holding the same idempotency
// key instead of enqueueing a duplicate. The bool reports a duplicate.
func (m *Manager) EnqueueWithIdempotency(job *Job) (*Job, bool, error) {
	if job.IdempotencyKey != "" {
		if existing, ok := m.store.GetByIdempotencyKey(job.IdempotencyKey); ok {
			return existing, true, nil
		}
	}

	if err := m.Enqueue(job); err != nil {
		return nil, false, err
	}
	return job, false, nil
}

// GetJob returns a snapshot of a job
func (m *Manager) GetJob(jobID string) (*Job, error) {
	return m.store.Get(jobID)
}

// update changes a job through the store and emits the new state
func (m *Manager) update(jobID string, fn func(*Job) error) (*Job, error) {
	job, err := m.store.Mutate(jobID, fn)
	if err != nil {
		return nil, err
	}
	m.events.Emit(eventFor(job))
	return job, nil
}

// unlessCanceled wraps a state change so it is skipped once the job has
// been canceled
func unlessCanceled(fn func(*Job)) func(*Job) error {
	return func(j *Job) error {
		if j.Status == JobStatusCanceled {
			return errJobCanceled
		}
		fn(j)
		return nil
	}
}

// CancelJob cancels a job that has not finished
func (m *Manager) CancelJob(jobID string) (*Job, error) {
	return m.update(jobID, func(j *Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("cannot cancel job with status: %s", j.Status)
		}
		j.SetStatus(JobStatusCanceled)
		j.Message = "Job canceled"
		return nil
	})
}

// Subscribe subscribes to job events
func (m *Manager) Subscribe(jobID string) <-chan Event {
	return m.events.Subscribe(jobID)
}

// Unsubscribe unsubscribes from job events
func (m *Manager) Unsubscribe(jobID string, ch <-chan Event) {
	m.events.Unsubscribe(jobID, ch)
}

func (m *Manager) processMessage(msg jetstream.Msg, processor JobProcessor) {
	queued, err := FromJSON(msg.Data())
	if err != nil {
		log.Printf("Failed to unmarshal job: %v", err)
		msg.Term()
		return
	}

	job, err := m.store.Get(queued.ID)
	if err != nil {
		// The store is in memory; jobs published before a restart are gone.
		log.Printf("Warning: dropping job %s: %v", queued.ID, err)
		msg.Ack()
		return
	}

	if job.Status == JobStatusRetrying && job.NextRetryAt > 0 {
		waitUntil := time.Unix(job.NextRetryAt, 0)
		if time.Now().Before(waitUntil) {
			msg.NakWithDelay(time.Until(waitUntil))
			return
		}
	}

	m.runJob(job.ID, processor)
	msg.Ack()
}

// runJob processes a job and records the outcome. A failed job with retries
// left is republished. Once the job is canceled no later state change is
// applied, so a canceled run keeps status canceled and no result.
func (m *Manager) runJob(jobID string, processor JobProcessor) {
	job, err := m.update(jobID, unlessCanceled(func(j *Job) {
		j.SetStatus(JobStatusRunning)
		j.SetProgress(0, "Processing started")
	}))
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, job.TimeoutDuration())
	defer cancel()

	result, procErr := processor.Process(ctx, job, func(progress int, message string) {
		m.update(jobID, unlessCanceled(func(j *Job) {
			j.SetProgress(progress, message)
		}))
	})

	if procErr == nil {
		if final, err := m.update(jobID, unlessCanceled(func(j *Job) {
			j.SetResult(result)
		})); err == nil {
			notify(final)
		}
		return
	}

	final, err := m.update(jobID, unlessCanceled(func(j *Job) {
		if !j.CanRetry() {
			j.SetError(procErr.Error())
			return
		}
		j.LastError = procErr.Error()
		j.PrepareRetry()
		j.Message = fmt.Sprintf("Retrying (%d/%d): %s", j.RetryCount, j.MaxRetries, procErr)
	}))
	if err != nil {
		return
	}
	if final.Status != JobStatusRetrying {
		notify(final)
		return
	}

	data, _ := final.ToJSON()
	pubCtx, pubCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pubCancel()
	if pubErr := m.publish(pubCtx, data); pubErr != nil {
		log.Printf("Failed to re-enqueue job for retry: %v", pubErr)
		if failed, err := m.update(jobID, unlessCanceled(func(j *Job) {
			j.SetError(procErr.Error())
		})); err == nil {
			notify(failed)
		}
	}
}
