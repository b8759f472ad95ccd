package session

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/memohai/groupwatch/internal/metrics"
)

const (
	DefaultInitTimeout    = 2 * time.Minute
	DefaultQueueDelay     = 2 * time.Second
	DefaultQueueBusyDelay = 5 * time.Second
)

// InitJob is one queued session startup.
type InitJob struct {
	ID         string
	TenantID   string
	EnqueuedAt time.Time
	Attempt    int
}

// JobRunner performs a session startup.
type JobRunner func(ctx context.Context, job InitJob) error

// QueueConfig tunes the initialization queue.
type QueueConfig struct {
	JobTimeout time.Duration
	Delay      time.Duration
	BusyDelay  time.Duration
}

// Queue serializes session startups across all tenants. At most one job
// runs at a time and jobs run in enqueue order. The draining flag and the
// pending jobs share one mutex so two drain loops can never coexist.
type Queue struct {
	cfg    QueueConfig
	run    JobRunner
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	jobs          []InitJob
	draining      bool
	closed        bool
	current       *InitJob
	currentCancel context.CancelFunc
}

// NewQueue creates an idle queue running jobs with run.
func NewQueue(log *slog.Logger, cfg QueueConfig, run JobRunner) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultInitTimeout
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultQueueDelay
	}
	if cfg.BusyDelay <= 0 {
		cfg.BusyDelay = DefaultQueueBusyDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:    cfg,
		run:    run,
		logger: log.With(slog.String("component", "init_queue")),
		now:    time.Now,
		sleep:  sleepContext,
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewJob builds a job for tenantID with a fresh id.
func (q *Queue) NewJob(tenantID string, attempt int) InitJob {
	now := q.now()
	return InitJob{
		ID:         ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		TenantID:   tenantID,
		EnqueuedAt: now,
		Attempt:    attempt,
	}
}

// Enqueue appends job and starts the drain loop if it is not running.
func (q *Queue) Enqueue(job InitJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.jobs = append(q.jobs, job)
	metrics.InitQueueDepth.Set(float64(len(q.jobs)))
	q.logger.Info("startup queued",
		slog.String("tenant_id", job.TenantID),
		slog.String("job_id", job.ID),
		slog.Int("depth", len(q.jobs)),
	)
	if !q.draining {
		q.draining = true
		q.wg.Add(1)
		go q.drain()
	}
	return nil
}

// Cancel drops queued jobs for tenantID and cancels its running job.
// It returns the number of queued jobs dropped.
func (q *Queue) Cancel(tenantID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.jobs[:0]
	dropped := 0
	for _, job := range q.jobs {
		if job.TenantID == tenantID {
			dropped++
			continue
		}
		kept = append(kept, job)
	}
	q.jobs = kept
	metrics.InitQueueDepth.Set(float64(len(q.jobs)))
	if q.current != nil && q.current.TenantID == tenantID && q.currentCancel != nil {
		q.currentCancel()
	}
	return dropped
}

// Len returns the number of jobs waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Pending reports whether tenantID has a queued or running job.
func (q *Queue) Pending(tenantID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil && q.current.TenantID == tenantID {
		return true
	}
	for _, job := range q.jobs {
		if job.TenantID == tenantID {
			return true
		}
	}
	return false
}

// Close drops pending jobs, cancels the running one and waits for the
// drain loop to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.jobs = nil
	metrics.InitQueueDepth.Set(0)
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		job, busy, ctx, ok := q.next()
		if !ok {
			return
		}
		q.execute(ctx, job)

		delay := q.cfg.Delay
		if busy {
			delay = q.cfg.BusyDelay
		}
		if err := q.sleep(q.ctx, delay); err != nil {
			q.mu.Lock()
			q.draining = false
			q.mu.Unlock()
			return
		}
	}
}

// next pops the front job, or clears the draining flag when there is none.
func (q *Queue) next() (InitJob, bool, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.jobs) == 0 {
		q.draining = false
		return InitJob{}, false, nil, false
	}
	busy := len(q.jobs) > 1
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	metrics.InitQueueDepth.Set(float64(len(q.jobs)))
	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.JobTimeout)
	q.current = &job
	q.currentCancel = cancel
	return job, busy, ctx, true
}

func (q *Queue) execute(ctx context.Context, job InitJob) {
	start := q.now()
	err := q.run(ctx, job)

	q.mu.Lock()
	if q.currentCancel != nil {
		q.currentCancel()
	}
	q.current = nil
	q.currentCancel = nil
	q.mu.Unlock()

	metrics.InitJobDuration.Observe(q.now().Sub(start).Seconds())
	attrs := []any{
		slog.String("tenant_id", job.TenantID),
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempt),
		slog.Duration("waited", start.Sub(job.EnqueuedAt)),
	}
	switch {
	case err == nil:
		metrics.InitJobs.WithLabelValues("ok").Inc()
		q.logger.Info("startup finished", attrs...)
	case errors.Is(err, context.Canceled) || errors.Is(err, ErrRemovalRace) || errors.Is(err, ErrSessionNotFound):
		metrics.InitJobs.WithLabelValues("canceled").Inc()
		q.logger.Info("startup canceled", attrs...)
	default:
		metrics.InitJobs.WithLabelValues("failed").Inc()
		q.logger.Warn("startup failed", append(attrs, slog.Any("error", err))...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
