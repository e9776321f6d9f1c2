// Package jobs runs scans asynchronously and tracks each one through
// queued → processing → completed|failed.
//
// Backpressure: the manager rejects. When every queue slot is reserved, Submit
// returns an Overloaded error immediately and nothing is stored.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-shield/internal/governance"
	"github.com/polisai/polis-shield/pkg/domain"
	"github.com/polisai/polis-shield/pkg/events"
	"github.com/polisai/polis-shield/pkg/scanner"
	"github.com/polisai/polis-shield/pkg/storage"
	"github.com/polisai/polis-shield/pkg/telemetry"
)

const (
	defaultWorkers       = 4
	defaultQueueSize     = 64
	defaultJobTimeout    = 30 * time.Second
	defaultRetention     = time.Hour
	defaultPruneInterval = time.Minute
	finalizeTimeout      = 5 * time.Second
)

// ErrClosed is returned by Submit after Close has been called, wrapped in an
// Overloaded error.
var ErrClosed = errors.New("job manager is closed")

// DefaultStoreRetry bounds the retries of a single job status write.
func DefaultStoreRetry() governance.RetryConfig {
	return governance.RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        500 * time.Millisecond,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
	// JobTimeout bounds a single execution.
	JobTimeout time.Duration
	// Retention is how long terminal jobs stay readable in stores that do not
	// expire them on their own.
	Retention     time.Duration
	PruneInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaultJobTimeout
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = defaultPruneInterval
	}
	return c
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers  int
	Capacity int
	Queued   int
	InFlight int
}

// Option customises a Manager.
type Option func(*Manager)

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithStoreRetry sets how status writes are retried when the store fails.
func WithStoreRetry(cfg governance.RetryConfig) Option {
	return func(m *Manager) {
		m.retry = governance.NewRetryPolicy(cfg)
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator overrides uuid job ids.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// Manager owns every job it creates. Only the worker that dequeued a job writes
// its status, and every write goes through the store's atomic Update.
type Manager struct {
	cfg       Config
	scanner   *scanner.Scanner
	store     storage.JobStore
	publisher events.Publisher
	logger    *slog.Logger
	retry     *governance.RetryPolicy
	now       func() time.Time
	newID     func() string

	slots chan struct{}
	queue chan string

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	stopCh    chan struct{}
	workerWg  sync.WaitGroup
	pruneWg   sync.WaitGroup
	inFlight  atomic.Int64
}

// NewManager wires a manager. Call Start to launch the workers.
func NewManager(cfg Config, sc *scanner.Scanner, store storage.JobStore, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	if sc == nil {
		sc = scanner.New(nil, nil, nil)
	}
	if store == nil {
		store = storage.NewMemoryJobStore()
	}
	m := &Manager{
		cfg:       cfg,
		scanner:   sc,
		store:     store,
		publisher: events.NopPublisher{},
		logger:    slog.Default(),
		retry:     governance.NewRetryPolicy(DefaultStoreRetry()),
		now:       time.Now,
		newID:     uuid.NewString,
		slots:     make(chan struct{}, cfg.QueueSize),
		queue:     make(chan string, cfg.QueueSize),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the worker pool and the retention loop. Calling it again is a
// no-op.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.logger.Info("starting job workers",
			"workers", m.cfg.Workers,
			"queue_size", m.cfg.QueueSize,
			"job_timeout", m.cfg.JobTimeout,
		)
		m.workerWg.Add(m.cfg.Workers)
		for i := range m.cfg.Workers {
			go func(workerID int) {
				defer m.workerWg.Done()
				m.workerLoop(workerID)
			}(i)
		}
		m.pruneWg.Add(1)
		go func() {
			defer m.pruneWg.Done()
			m.pruneLoop()
		}()
	})
}

// Submit validates req, stores a queued job and schedules it. It returns as
// soon as the job is queued.
func (m *Manager) Submit(ctx context.Context, req domain.ScanRequest) (domain.Job, error) {
	plan, err := m.scanner.Prepare(req)
	if err != nil {
		return domain.Job{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return domain.Job{}, &domain.DomainError{
			Err:     ErrClosed,
			Kind:    domain.KindOverloaded,
			Message: "job manager is shutting down",
		}
	}

	select {
	case m.slots <- struct{}{}:
	default:
		return domain.Job{}, domain.Overloaded("job queue is full (%d queued)", m.cfg.QueueSize)
	}

	job := domain.NewJob(m.newID(), plan.Request, m.now().UTC())
	if err := m.store.Create(ctx, job); err != nil {
		<-m.slots
		return domain.Job{}, fmt.Errorf("store job: %w", err)
	}
	m.record(ctx, job)

	// A reserved slot guarantees room in the queue.
	m.queue <- job.ID
	return job.Clone(), nil
}

// Get returns a snapshot of the job. Unknown ids are NotFound.
func (m *Manager) Get(ctx context.Context, id string) (domain.Job, error) {
	if id == "" {
		return domain.Job{}, fmt.Errorf("job id is empty: %w", domain.ErrNotFound)
	}
	return m.store.Get(ctx, id)
}

// Stats reports queue occupancy.
func (m *Manager) Stats() Stats {
	return Stats{
		Workers:  m.cfg.Workers,
		Capacity: m.cfg.QueueSize,
		Queued:   len(m.slots),
		InFlight: int(m.inFlight.Load()),
	}
}

// Ping checks the job store.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// Close stops intake, lets workers drain the queue and waits for them until ctx
// ends.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	close(m.stopCh)
	m.mu.Unlock()

	// Workers were never started; nothing will drain the queue.
	m.startOnce.Do(func() {})

	done := make(chan struct{})
	go func() {
		m.workerWg.Wait()
		m.pruneWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("job workers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) workerLoop(workerID int) {
	for id := range m.queue {
		<-m.slots
		m.inFlight.Add(1)
		m.execute(workerID, id)
		m.inFlight.Add(-1)
	}
}

func (m *Manager) pruneLoop() {
	ticker := time.NewTicker(m.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.prune()
		}
	}
}

func (m *Manager) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	removed, err := m.store.Prune(ctx, m.now().Add(-m.cfg.Retention))
	if err != nil {
		m.logger.Warn("job pruning failed", "error", err)
		return
	}
	if removed > 0 {
		m.logger.Debug("pruned terminal jobs", "removed", removed)
	}
}

type scanOutcome struct {
	result domain.ScanResult
	err    error
}

func (m *Manager) execute(workerID int, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.JobTimeout)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "shield.job.execute", trace.WithAttributes(
		attribute.String("job.id", id),
		attribute.Int("worker.id", workerID),
	))
	defer span.End()

	job, err := m.write(ctx, id, func(j *domain.Job) error { return j.Start(m.now().UTC()) })
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		m.logger.Error("failed to start job", "job_id", id, "error", err)
		abandonCtx, abandonCancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer abandonCancel()
		m.abandon(abandonCtx, id, fmt.Errorf("start job: %w", err))
		return
	}
	m.record(ctx, job)

	outcome := m.run(ctx, job)

	// The execution context may already be expired; the final write gets its own.
	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer writeCancel()

	var final domain.Job
	if outcome.err != nil {
		info := domain.NewErrorInfo(outcome.err)
		span.RecordError(outcome.err)
		span.SetStatus(codes.Error, string(info.Kind))
		final, err = m.write(writeCtx, id, func(j *domain.Job) error { return j.Fail(info, m.now().UTC()) })
	} else {
		final, err = m.write(writeCtx, id, func(j *domain.Job) error { return j.Complete(outcome.result, m.now().UTC()) })
	}
	if err != nil {
		span.RecordError(err)
		m.logger.Error("failed to finish job", "job_id", id, "error", err)
		var ok bool
		if final, ok = m.abandon(writeCtx, id, fmt.Errorf("store outcome: %w", err)); !ok {
			return
		}
	} else {
		m.record(writeCtx, final)
	}

	attrs := []any{"job_id", id, "status", final.Status, "worker", workerID}
	if final.Error != nil {
		attrs = append(attrs, "kind", final.Error.Kind, "detector", final.Error.Detector)
		m.logger.Warn("job failed", attrs...)
		return
	}
	m.logger.Debug("job completed", append(attrs, "safe", final.Result.IsSafe, "score", final.Result.Score)...)
}

// write applies fn through the store, retrying store failures. Lifecycle
// violations and unknown ids are not retried.
func (m *Manager) write(ctx context.Context, id string, fn storage.UpdateFunc) (domain.Job, error) {
	var job domain.Job
	err := m.retry.Do(ctx, func(ctx context.Context) error {
		var lifecycleErr error
		updated, err := m.store.Update(ctx, id, func(j *domain.Job) error {
			if err := fn(j); err != nil {
				lifecycleErr = err
				return err
			}
			return nil
		})
		switch {
		case err == nil:
			job = updated
			return nil
		case lifecycleErr != nil, errors.Is(err, domain.ErrNotFound):
			return governance.Permanent(err)
		default:
			return err
		}
	})
	return job, err
}

// abandon moves a job that could not be written normally to failed with an
// Internal error, starting it first when it is still queued so the lifecycle
// order holds. It reports whether the job reached failed.
func (m *Manager) abandon(ctx context.Context, id string, cause error) (domain.Job, bool) {
	info := domain.ErrorInfo{Kind: domain.KindInternal, Message: cause.Error()}

	job, err := m.store.Get(ctx, id)
	if err == nil && job.Status == domain.JobStatusQueued {
		job, err = m.write(ctx, id, func(j *domain.Job) error { return j.Start(m.now().UTC()) })
		if err == nil {
			m.record(ctx, job)
		}
	}
	if err == nil {
		job, err = m.write(ctx, id, func(j *domain.Job) error { return j.Fail(info, m.now().UTC()) })
	}
	if err != nil {
		m.logger.Error("failed to mark job failed", "job_id", id, "cause", cause, "error", err)
		return domain.Job{}, false
	}
	m.record(ctx, job)
	return job, true
}

// run executes the scan and gives up at the deadline even if a detector keeps
// running.
func (m *Manager) run(ctx context.Context, job domain.Job) scanOutcome {
	done := make(chan scanOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- scanOutcome{err: fmt.Errorf("scan panicked: %v", r)}
			}
		}()
		result, err := m.scanner.ScanAs(ctx, scanner.ModeJob, job.Request)
		done <- scanOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() != nil && domain.KindOf(out.err) != domain.KindDetectorFailure {
			return scanOutcome{err: m.timeoutError()}
		}
		return out
	case <-ctx.Done():
		return scanOutcome{err: m.timeoutError()}
	}
}

func (m *Manager) timeoutError() error {
	return domain.Timeout("scan exceeded the %s job deadline", m.cfg.JobTimeout)
}

func (m *Manager) record(ctx context.Context, job domain.Job) {
	telemetry.RecordJobTransition(ctx, string(job.Status))
	if err := m.publisher.Publish(ctx, events.NewJobEvent(job)); err != nil {
		m.logger.Warn("failed to publish job event",
			"job_id", job.ID,
			"status", job.Status,
			"error", err,
		)
	}
}
