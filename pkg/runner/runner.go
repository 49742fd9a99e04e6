// Package runner executes the jobs of one source queue.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"scrape-queue/pkg/job"
	"scrape-queue/pkg/notify"
	"scrape-queue/pkg/observability"
	"scrape-queue/pkg/orchestrator"
	"scrape-queue/pkg/queue"
)

const (
	progressStarted = 10
	notifyTimeout   = 5 * time.Second
)

type Options struct {
	// StallInterval is how long an attempt may go without activity before it
	// is treated as a transient failure.
	StallInterval time.Duration
	// PollInterval bounds how long an idle worker sleeps without a wake signal.
	PollInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		StallInterval: 30 * time.Second,
		PollInterval:  time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.StallInterval <= 0 {
		o.StallInterval = def.StallInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	return o
}

func (o Options) stallCheck() time.Duration {
	d := o.StallInterval / 4
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Runner pulls jobs from its queue, drives the orchestrator and applies the
// resulting lifecycle transitions. Orchestrator failures never escape it.
type Runner struct {
	queue    *queue.Queue
	orch     orchestrator.Orchestrator
	notifier notify.Notifier
	opts     Options
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	running map[string]context.CancelFunc
	stop    chan struct{}
	abort   chan struct{}
	wg      sync.WaitGroup
}

func New(q *queue.Queue, orch orchestrator.Orchestrator, notifier notify.Notifier, opts Options, logger zerolog.Logger) *Runner {
	if notifier == nil {
		notifier = notify.Nop()
	}
	return &Runner{
		queue:    q,
		orch:     orch,
		notifier: notifier,
		opts:     opts.withDefaults(),
		logger:   logger.With().Str("component", "runner").Str("source", q.SourceID()).Logger(),
		running:  make(map[string]context.CancelFunc),
		stop:     make(chan struct{}),
		abort:    make(chan struct{}),
	}
}

// Start spawns one worker per concurrency slot of the queue.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started || r.stopped {
		return fmt.Errorf("runner for %s already started", r.queue.SourceID())
	}
	r.started = true

	workers := r.queue.Options().Concurrency
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.work(ctx, i)
	}

	r.logger.Info().
		Int("workers", workers).
		Dur("stall_interval", r.opts.StallInterval).
		Msg("Runner started")
	return nil
}

// Stop stops dequeuing and waits for in-flight attempts. When ctx expires
// first, running attempts are aborted and their jobs released to waiting.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.stop)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info().Msg("Runner stopped gracefully")
		return nil
	case <-ctx.Done():
		close(r.abort)
		<-done
		r.logger.Warn().Msg("Runner shutdown timed out, in-flight attempts aborted")
		return ctx.Err()
	}
}

// Cancel removes a waiting or running job. A running attempt has its context
// cancelled; if the orchestrator ignores that, its outcome is discarded.
func (r *Runner) Cancel(ctx context.Context, jobID string) bool {
	if !r.queue.Remove(ctx, jobID) {
		return false
	}

	r.mu.Lock()
	cancel, ok := r.running[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}

	r.logger.Info().Str("job_id", jobID).Bool("was_running", ok).Msg("Job cancelled")
	return true
}

func (r *Runner) work(ctx context.Context, id int) {
	defer r.wg.Done()

	// Persistence and notifications must outlive the shutdown signal.
	bg := context.WithoutCancel(ctx)

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		rec, next := r.queue.Dequeue(bg)
		if rec != nil {
			r.queue.Kick()
			r.execute(bg, rec)
			continue
		}

		wait := r.opts.PollInterval
		if !next.IsZero() {
			if d := time.Until(next); d < wait {
				wait = d
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-r.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.queue.Wake():
		case <-timer.C:
		}
		timer.Stop()
	}
}

type outcome struct {
	ext *orchestrator.Extraction
	err error
}

func (r *Runner) execute(ctx context.Context, rec *job.Record) {
	attempt := rec.AttemptsMade
	logger := r.logger.With().
		Str("job_id", rec.ID).
		Int("attempt", attempt).
		Int("max_attempts", rec.MaxAttempts).
		Logger()

	r.queue.UpdateProgress(rec.ID, attempt, progressStarted)
	logger.Info().Msg("Extraction attempt started")
	r.notify(ctx, rec, notify.Payload{
		Status:   job.StatusRunning,
		Progress: progressStarted,
		Message:  fmt.Sprintf("Extraction started (attempt %d/%d)", attempt, rec.MaxAttempts),
	})

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.track(rec.ID, cancel)
	defer r.untrack(rec.ID)

	act := &activity{}
	act.touch()
	rep := &reporter{runner: r, rec: rec, attempt: attempt, act: act, ctx: ctx}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("orchestrator panic: %v", p)}
			}
		}()
		ext, err := r.orch.ExtractDocuments(execCtx, orchestrator.Request{
			JobID:      rec.ID,
			SourceID:   rec.SourceID,
			Parameters: rec.Parameters,
			UserID:     rec.UserID,
			Reporter:   rep,
		})
		done <- outcome{ext: ext, err: err}
	}()

	start := time.Now()
	ticker := time.NewTicker(r.opts.stallCheck())
	defer ticker.Stop()

	for {
		select {
		case out := <-done:
			observability.JobDuration.WithLabelValues(rec.SourceID).Observe(time.Since(start).Seconds())
			if out.err != nil {
				r.fail(ctx, rec, attempt, out.err, logger)
				return
			}
			r.complete(ctx, rec, out.ext, logger)
			return

		case <-ticker.C:
			idle := act.idle()
			if idle < r.opts.StallInterval {
				continue
			}
			cancel()
			observability.JobDuration.WithLabelValues(rec.SourceID).Observe(time.Since(start).Seconds())
			logger.Warn().Dur("idle", idle).Msg("Extraction attempt stalled")
			r.fail(ctx, rec, attempt, fmt.Errorf("%w: no activity for %s", job.ErrStalled, idle.Round(time.Millisecond)), logger)
			return

		case <-r.abort:
			cancel()
			if err := r.queue.Release(ctx, rec.ID); err != nil && !errors.Is(err, job.ErrJobCancelled) {
				logger.Error().Err(err).Msg("Failed to release aborted job")
				return
			}
			logger.Warn().Msg("Extraction attempt aborted by shutdown, job released")
			return
		}
	}
}

func (r *Runner) complete(ctx context.Context, rec *job.Record, ext *orchestrator.Extraction, logger zerolog.Logger) {
	res := orchestrator.ToJobResult(ext)
	done, err := r.queue.MarkCompleted(ctx, rec.ID, res)
	if errors.Is(err, job.ErrJobCancelled) {
		observability.JobsProcessed.WithLabelValues(rec.SourceID, "cancelled").Inc()
		logger.Info().Msg("Extraction finished after cancellation, result discarded")
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to mark job completed")
		return
	}

	observability.JobsProcessed.WithLabelValues(rec.SourceID, "completed").Inc()
	logger.Info().
		Int("documents_found", res.DocumentsFound).
		Int("documents_processed", res.DocumentsProcessed).
		Msg("Extraction completed")

	found, processed := res.DocumentsFound, res.DocumentsProcessed
	r.notify(ctx, done, notify.Payload{
		Status:             job.StatusCompleted,
		Progress:           100,
		Message:            fmt.Sprintf("Extraction completed: %d documents found, %d processed", found, processed),
		DocumentsFound:     &found,
		DocumentsProcessed: &processed,
	})
}

func (r *Runner) fail(ctx context.Context, rec *job.Record, attempt int, cause error, logger zerolog.Logger) {
	out, err := r.queue.MarkFailed(ctx, rec.ID, cause.Error())
	if errors.Is(err, job.ErrJobCancelled) {
		observability.JobsProcessed.WithLabelValues(rec.SourceID, "cancelled").Inc()
		logger.Info().Err(cause).Msg("Cancelled extraction ended")
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record extraction failure")
		return
	}
	if errors.Is(cause, job.ErrStalled) {
		observability.JobsProcessed.WithLabelValues(rec.SourceID, "stalled").Inc()
	}

	extErr := &job.ExtractionError{
		SourceID: rec.SourceID,
		JobID:    rec.ID,
		Attempt:  attempt,
		Terminal: !out.Retrying,
		Err:      cause,
	}

	if out.Retrying {
		observability.JobsProcessed.WithLabelValues(rec.SourceID, "retried").Inc()
		logger.Warn().Err(extErr).Dur("retry_in", out.Delay).Msg("Extraction attempt failed, retry scheduled")
		r.notify(ctx, out.Record, notify.Payload{
			Status:   job.StatusPending,
			Progress: 0,
			Message:  fmt.Sprintf("Attempt %d/%d failed, retrying in %s", attempt, rec.MaxAttempts, out.Delay),
			Error:    cause.Error(),
		})
		return
	}

	observability.JobsProcessed.WithLabelValues(rec.SourceID, "failed").Inc()
	logger.Error().Err(extErr).Msg("Extraction failed, attempts exhausted")
	r.notify(ctx, out.Record, notify.Payload{
		Status:   job.StatusFailed,
		Progress: 0,
		Message:  fmt.Sprintf("Extraction failed: %s", cause.Error()),
		Error:    cause.Error(),
	})
}

// notify sends a lifecycle event to the job owner. Delivery problems are
// logged and never reach the caller.
func (r *Runner) notify(ctx context.Context, rec *job.Record, p notify.Payload) {
	if rec == nil || rec.UserID == "" {
		return
	}
	p.JobID = rec.ID
	p.SourceID = rec.SourceID
	p.Attempt = rec.AttemptsMade

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error().Interface("panic", v).Str("job_id", rec.ID).Msg("Notifier panicked")
		}
	}()

	if err := r.notifier.SendEvent(ctx, rec.UserID, notify.EventJobProgress, p); err != nil {
		r.logger.Warn().
			Err(err).
			Str("job_id", rec.ID).
			Str("user_id", rec.UserID).
			Str("status", string(p.Status)).
			Msg("Failed to deliver job notification")
	}
}

func (r *Runner) track(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.running[jobID] = cancel
	r.mu.Unlock()
}

func (r *Runner) untrack(jobID string) {
	r.mu.Lock()
	delete(r.running, jobID)
	r.mu.Unlock()
}

type activity struct {
	last atomic.Int64
}

func (a *activity) touch() {
	a.last.Store(time.Now().UnixNano())
}

func (a *activity) idle() time.Duration {
	return time.Since(time.Unix(0, a.last.Load()))
}

// reporter is handed to the orchestrator for one attempt.
type reporter struct {
	runner  *Runner
	rec     *job.Record
	attempt int
	act     *activity
	ctx     context.Context
}

func (p *reporter) Progress(percent int) {
	p.act.touch()
	if !p.runner.queue.UpdateProgress(p.rec.ID, p.attempt, percent) {
		return
	}
	cur := p.runner.queue.GetJob(p.rec.ID)
	if cur == nil {
		return
	}
	p.runner.notify(p.ctx, cur, notify.Payload{
		Status:   job.StatusRunning,
		Progress: cur.Progress,
		Message:  fmt.Sprintf("Extraction in progress (%d%%)", cur.Progress),
	})
}

func (p *reporter) Heartbeat() {
	p.act.touch()
}
