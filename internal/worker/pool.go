// Package worker runs the delivery consumers. Each worker loops on the
// priority queue, drives the per-task status state machine and schedules
// backoff re-enqueues without ever sleeping in the loop.
package worker

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"PrioMail/internal/email"
	"PrioMail/internal/metrics"
	"PrioMail/internal/models"
	"PrioMail/internal/queue"
	"PrioMail/internal/status"
)

// Backoff delay is capped at 60 units, matching the delivery engine's
// original ceiling of one minute.
const maxBackoffUnits = 60

type Config struct {
	Workers          int
	BackoffUnit      time.Duration
	SendTimeout      time.Duration
	PollTimeout      time.Duration
	SnapshotInterval time.Duration
}

type Pool struct {
	cfg       Config
	queue     *queue.PriorityTaskQueue
	store     *status.Store
	transport email.Transport
	limiter   *rate.Limiter
	log       *zap.Logger

	saveMu   sync.Mutex
	lastSave time.Time
}

func NewPool(
	cfg Config,
	q *queue.PriorityTaskQueue,
	store *status.Store,
	transport email.Transport,
	limiter *rate.Limiter,
	log *zap.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	return &Pool{
		cfg:       cfg,
		queue:     q,
		store:     store,
		transport: transport,
		limiter:   limiter,
		log:       log,
		lastSave:  time.Now(),
	}
}

// Start launches the consumer goroutines. They run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context, wg *sync.WaitGroup) {
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			log := p.log.With(zap.Int("worker_id", id))
			log.Info("worker started")

			for {
				select {
				case <-ctx.Done():
					log.Info("worker shutting down")
					return
				default:
				}

				task := p.queue.Get(p.cfg.PollTimeout)
				metrics.QueueDepth.Set(float64(p.queue.Size()))

				if task == nil {
					// Idle; housekeeping only.
					p.maybeSnapshot(ctx)
					continue
				}

				p.process(ctx, log, task)
				p.maybeSnapshot(ctx)
			}
		}(i)
	}
}

// process drives one task through its attempt. A panic is contained to the
// task so a single malformed message can never take the consumer down.
func (p *Pool) process(ctx context.Context, log *zap.Logger, task *models.EmailTask) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker recovered from panic",
				zap.String("task_id", task.TaskID),
				zap.Any("panic", r),
			)
			p.store.Update(task.TaskID, func(rec *models.EmailStatus) {
				rec.Status = models.StatusFailed
				rec.Error = "worker panic during delivery"
			})
		}
	}()

	// Re-check after dequeue: cancel races with Get and may flag the task
	// after it left the pending index.
	if task.Cancelled() {
		log.Info("skipping cancelled task", zap.String("task_id", task.TaskID))
		return
	}

	if err := p.limiter.Wait(ctx); err != nil {
		// Shutdown while throttled; the task stays queued in the snapshot.
		return
	}

	var attempts, maxAttempts int
	known := p.store.Update(task.TaskID, func(rec *models.EmailStatus) {
		now := time.Now()
		rec.Status = models.StatusSending
		rec.Attempts++
		rec.LastAttempt = &now
		attempts = rec.Attempts
		maxAttempts = rec.MaxAttempts
	})
	if !known {
		log.Warn("dequeued task with no status record, dropping",
			zap.String("task_id", task.TaskID))
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	err := p.transport.Send(attemptCtx, task)
	cancel()

	if err == nil {
		p.store.Update(task.TaskID, func(rec *models.EmailStatus) {
			now := time.Now()
			rec.Status = models.StatusSent
			rec.SentAt = &now
			rec.Error = ""
		})
		metrics.EmailsSent.Inc()
		log.Info("email sent",
			zap.String("task_id", task.TaskID),
			zap.String("recipient", task.Recipient),
			zap.Int("attempts", attempts),
		)
		return
	}

	if attempts < maxAttempts {
		p.store.Update(task.TaskID, func(rec *models.EmailStatus) {
			rec.Status = models.StatusQueued
			rec.Error = err.Error()
		})

		delay := p.backoffDelay(attempts)
		metrics.EmailRetries.Inc()
		log.Warn("delivery failed, retry scheduled",
			zap.String("task_id", task.TaskID),
			zap.String("recipient", task.Recipient),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		// Delayed re-enqueue at the task's original priority; the worker
		// stays free to service other tasks during the backoff window.
		time.AfterFunc(delay, func() {
			p.queue.Put(task, task.Priority)
		})
		return
	}

	p.store.Update(task.TaskID, func(rec *models.EmailStatus) {
		rec.Status = models.StatusFailed
		rec.Error = err.Error()
	})
	metrics.EmailFailures.Inc()
	log.Error("delivery failed permanently",
		zap.String("task_id", task.TaskID),
		zap.String("recipient", task.Recipient),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
}

func (p *Pool) backoffDelay(attempts int) time.Duration {
	units := math.Pow(2, float64(attempts))
	if units > maxBackoffUnits {
		units = maxBackoffUnits
	}
	return time.Duration(units) * p.cfg.BackoffUnit
}

// maybeSnapshot flushes the status store if the save interval has elapsed.
// Workers share one timer so the snapshot rate is bounded pool-wide.
func (p *Pool) maybeSnapshot(ctx context.Context) {
	if p.cfg.SnapshotInterval <= 0 {
		return
	}

	p.saveMu.Lock()
	due := time.Since(p.lastSave) >= p.cfg.SnapshotInterval
	if due {
		p.lastSave = time.Now()
	}
	p.saveMu.Unlock()

	if due {
		p.store.SaveSnapshot(ctx)
	}
}
