// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package worker runs the execution pool: fixed-size, each worker on an
// independent poll-claim-execute loop against the shared queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adxyz/optimizer/pkg/log"
	"github.com/adxyz/optimizer/pkg/metric"
	"github.com/adxyz/optimizer/pkg/queue"
	"github.com/adxyz/optimizer/pkg/safety"
)

// ResultSink receives the outcome of every executed job so it can flow
// back into allocator state.
type ResultSink interface {
	RecordExecution(job *queue.Job, result *ExecutionResult)
}

// Notifier publishes worker lifecycle events to the monitoring stream.
// Both are optional.
type Notifier interface {
	Publish(kind string, payload any)
}

// Config holds pool sizing and retry policy.
type Config struct {
	PoolSize     int
	PollInterval time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	ExecTimeout  time.Duration
}

// Pool owns the execution workers.
type Pool struct {
	cfg      Config
	queue    *queue.Queue
	gate     *safety.Gate
	executor PlatformExecutor
	sink     ResultSink
	notify   Notifier
	metrics  *metric.Metrics
	log      log.Logger

	wg sync.WaitGroup
}

// NewPool wires a pool. sink and notify may be nil.
func NewPool(cfg Config, q *queue.Queue, gate *safety.Gate, executor PlatformExecutor,
	sink ResultSink, notify Notifier, metrics *metric.Metrics, logger log.Logger) *Pool {
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &Pool{
		cfg:      cfg,
		queue:    q,
		gate:     gate,
		executor: executor,
		sink:     sink,
		notify:   notify,
		metrics:  metrics,
		log:      logger,
	}
}

// Start launches the workers. They stop when ctx is cancelled; Wait
// blocks until they have drained.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.PoolSize; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, workerID)
		}()
	}
	p.log.Info("worker pool started", "size", p.cfg.PoolSize)
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// run is one worker's poll-claim-execute loop. Unexpected faults (for
// example storage unavailable) are logged and the claim cycle retried;
// they never kill the worker.
func (p *Pool) run(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			start := time.Now()
			job, err := p.queue.Claim(ctx, workerID)
			if errors.Is(err, queue.ErrNoPending) {
				break
			}
			if err != nil {
				p.log.Error("claim failed", "worker", workerID, "error", err)
				break
			}
			p.metrics.JobsClaimed.Inc()
			p.metrics.ClaimDuration.Observe(time.Since(start).Seconds())

			p.process(ctx, workerID, job)

			if ctx.Err() != nil {
				return
			}
		}
	}
}

// process takes one claimed job through the gate, the jitter delay, the
// platform call and outcome recording.
func (p *Pool) process(ctx context.Context, workerID string, job *queue.Job) {
	started := time.Now()
	now := time.Now().UTC()

	history, err := p.queue.RecentChanges(ctx, job.EntityID, now.Add(-p.gate.HistoryWindow()))
	if err != nil {
		p.log.Error("history read failed", "worker", workerID, "job", job.ID, "error", err)
		p.requeue(job.ID, p.cfg.BaseBackoff)
		return
	}

	verdict := p.gate.Validate(safety.Proposal{
		EntityID:   job.EntityID,
		ChangeType: string(job.ChangeType),
		Budget:     job.ChangeType.Budget(),
		Value:      job.RequestedValue,
	}, toChangeRecords(history), now)

	if !verdict.Allowed {
		p.metrics.ChangesBlocked.WithLabelValues(verdict.Reason).Inc()
		reason := verdict.String()
		if err := p.queue.Block(ctx, job.ID, reason); err != nil {
			p.log.Error("block failed", "job", job.ID, "error", err)
			return
		}
		p.metrics.JobsFinished.WithLabelValues(string(queue.StatusBlocked)).Inc()
		p.publish("job.blocked", job.ID, reason)
		return
	}
	p.metrics.ChangesPassed.Inc()

	// Jobs may carry their own jitter bounds; otherwise the gate's draw
	// applies. The delay suspends only this worker, the rest of the pool
	// keeps polling.
	delay := verdict.Delay
	if job.JitterMax > 0 {
		delay = p.gate.JitterBetween(job.JitterMin, job.JitterMax)
	}
	select {
	case <-ctx.Done():
		// Shutdown mid-wait. The change was never submitted, so put the
		// job back for the next process to pick up.
		p.requeue(job.ID, 0)
		return
	case <-time.After(delay):
	}

	if err := p.queue.MarkExecuting(ctx, job.ID); err != nil {
		p.log.Error("mark executing failed", "job", job.ID, "error", err)
		p.requeue(job.ID, p.cfg.BaseBackoff)
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecTimeout)
	result, execErr := p.executor.SubmitChange(execCtx, job.EntityID, job.ChangeType, verdict.AdjustedValue)
	cancel()

	p.metrics.ExecutionDuration.Observe(time.Since(started).Seconds())

	if execErr == nil {
		reason := fmt.Sprintf("applied %s %s", job.ChangeType, verdict.AdjustedValue.String())
		if err := p.queue.Complete(ctx, job.ID, reason); err != nil {
			p.log.Error("complete failed", "job", job.ID, "error", err)
			return
		}
		p.metrics.JobsFinished.WithLabelValues(string(queue.StatusCompleted)).Inc()
		p.publish("job.completed", job.ID, reason)
		if p.sink != nil {
			p.sink.RecordExecution(job, result)
		}
		p.log.Info("change applied",
			"worker", workerID,
			"job", job.ID,
			"entity", job.EntityID,
			"change", job.ChangeType,
			"value", verdict.AdjustedValue.String())
		return
	}

	if IsPermanent(execErr) {
		reason := fmt.Sprintf("platform rejected: %v", execErr)
		if err := p.queue.Fail(ctx, job.ID, reason); err != nil {
			p.log.Error("fail failed", "job", job.ID, "error", err)
			return
		}
		p.metrics.JobsFinished.WithLabelValues(string(queue.StatusFailed)).Inc()
		p.publish("job.failed", job.ID, reason)
		p.log.Warn("permanent execution failure", "job", job.ID, "error", execErr)
		return
	}

	// Transient: retry with exponential backoff until attempts run out.
	if job.Attempts >= p.cfg.MaxAttempts {
		reason := fmt.Sprintf("retries exhausted after %d attempts: %v", job.Attempts, execErr)
		if err := p.queue.Fail(ctx, job.ID, reason); err != nil {
			p.log.Error("fail failed", "job", job.ID, "error", err)
			return
		}
		p.metrics.JobsFinished.WithLabelValues(string(queue.StatusFailed)).Inc()
		p.publish("job.failed", job.ID, reason)
		p.log.Warn("job failed", "job", job.ID, "attempts", job.Attempts, "error", execErr)
		return
	}

	retryIn := p.backoff(job.Attempts)
	p.requeue(job.ID, retryIn)
	p.log.Info("transient execution failure, retrying",
		"job", job.ID,
		"attempt", job.Attempts,
		"retry_in", retryIn,
		"error", execErr)
}

// requeue returns a job to pending, runnable after the given delay. It
// runs on a detached context so it still succeeds when the worker's own
// context has been cancelled.
func (p *Pool) requeue(jobID string, delay time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.queue.Release(ctx, jobID, time.Now().UTC().Add(delay)); err != nil {
		p.log.Error("release failed", "job", jobID, "error", err)
	}
}

// backoff doubles per attempt from the base, capped.
func (p *Pool) backoff(attempt int) time.Duration {
	d := p.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	return d
}

func (p *Pool) publish(kind, jobID, detail string) {
	if p.notify == nil {
		return
	}
	p.notify.Publish(kind, map[string]string{"job_id": jobID, "detail": detail})
}

func toChangeRecords(jobs []*queue.Job) []safety.ChangeRecord {
	records := make([]safety.ChangeRecord, 0, len(jobs))
	for _, j := range jobs {
		records = append(records, safety.ChangeRecord{
			EntityID:  j.EntityID,
			Budget:    j.ChangeType.Budget(),
			Value:     j.RequestedValue,
			Timestamp: j.UpdatedAt,
		})
	}
	return records
}
