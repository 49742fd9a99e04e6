// Package manager owns one queue and runner per source and is the single
// entry point for submitting, inspecting and cancelling extraction jobs.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scrape-queue/pkg/job"
	"scrape-queue/pkg/notify"
	"scrape-queue/pkg/observability"
	"scrape-queue/pkg/orchestrator"
	"scrape-queue/pkg/queue"
	"scrape-queue/pkg/runner"
)

const (
	connectTimeout = 10 * time.Second
	notifyTimeout  = 5 * time.Second
)

// Backend is the shared connection to the durable store. It is opened once
// by Initialize and closed once by Cleanup.
type Backend interface {
	queue.Store
	Ping(ctx context.Context) error
	Close() error
}

// ConnectFunc opens the backend. It is called once, from Initialize.
type ConnectFunc func(ctx context.Context) (Backend, error)

type Deps struct {
	Connect      ConnectFunc
	Orchestrator orchestrator.Orchestrator
	Notifier     notify.Notifier
}

type Options struct {
	Queue  queue.Options
	Runner runner.Options
}

type pair struct {
	queue  *queue.Queue
	runner *runner.Runner
}

type Manager struct {
	deps   Deps
	opts   Options
	base   zerolog.Logger
	logger zerolog.Logger

	mu          sync.RWMutex
	initialized bool
	degraded    bool
	closed      bool
	backend     Backend
	sources     []string
	pairs       map[string]*pair
	stopRunners context.CancelFunc
}

func New(deps Deps, opts Options, logger zerolog.Logger) *Manager {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop()
	}
	return &Manager{
		deps:   deps,
		opts:   opts,
		base:   logger,
		logger: logger.With().Str("component", "manager").Logger(),
		pairs:  make(map[string]*pair),
	}
}

// Initialize connects to the backend and starts a queue and runner for every
// source. A second call is a no-op. When the backend cannot be reached the
// manager still becomes initialized, but in degraded mode where submissions
// fail with ErrBackendUnavailable.
func (m *Manager) Initialize(ctx context.Context, sourceIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		m.logger.Warn().Msg("Queue manager already initialized")
		return nil
	}
	if m.closed {
		return job.ErrClosed
	}
	m.initialized = true

	backend, err := m.connect(ctx)
	if err != nil {
		m.degraded = true
		m.logger.Error().Err(err).Msg("Queue backend unavailable, running without queueing")
		return nil
	}

	// Restore every queue before any runner starts so a failure leaves
	// nothing half running.
	pairs := make(map[string]*pair, len(sourceIDs))
	var sources []string
	for _, src := range sourceIDs {
		if src == "" {
			continue
		}
		if _, dup := pairs[src]; dup {
			continue
		}
		q := queue.New(src, backend, m.opts.Queue, m.base)
		if err := q.Restore(ctx); err != nil {
			m.degraded = true
			_ = backend.Close()
			m.logger.Error().Err(err).Str("source", src).Msg("Failed to restore queue, running without queueing")
			return nil
		}
		pairs[src] = &pair{
			queue:  q,
			runner: runner.New(q, m.deps.Orchestrator, m.deps.Notifier, m.opts.Runner, m.base),
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		m.logger.Warn().Msg("No sources configured")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	for _, src := range sources {
		if err := pairs[src].runner.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("start runner for %s: %w", src, err)
		}
	}

	m.backend = backend
	m.pairs = pairs
	m.sources = sources
	m.stopRunners = cancel

	m.logger.Info().Strs("sources", sources).Msg("Queue manager initialized")
	return nil
}

func (m *Manager) connect(ctx context.Context) (Backend, error) {
	if m.deps.Connect == nil {
		return nil, &job.BackendUnavailableError{Op: "connect", Err: errors.New("no backend configured")}
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	backend, err := m.deps.Connect(ctx)
	if err != nil {
		return nil, &job.BackendUnavailableError{Op: "connect", Err: err}
	}
	if err := backend.Ping(ctx); err != nil {
		_ = backend.Close()
		return nil, &job.BackendUnavailableError{Op: "ping", Err: err}
	}
	return backend, nil
}

// AddJob validates the source, enqueues a new job and returns its id. The
// extraction itself runs asynchronously.
func (m *Manager) AddJob(ctx context.Context, sourceID string, params job.Parameters, userID string, priority int) (string, error) {
	m.mu.RLock()
	initialized, degraded, closed := m.initialized, m.degraded, m.closed
	p := m.pairs[sourceID]
	m.mu.RUnlock()

	switch {
	case closed:
		return "", job.ErrClosed
	case !initialized:
		return "", job.ErrNotInitialized
	case degraded:
		return "", &job.BackendUnavailableError{Op: "add job"}
	case p == nil:
		return "", &job.UnknownSourceError{SourceID: sourceID}
	}

	rec := job.NewRecord(sourceID, params, userID, priority, p.queue.Options().MaxAttempts, p.queue.Options().Now())
	if err := p.queue.Enqueue(ctx, rec); err != nil {
		m.logger.Error().Err(err).Str("source", sourceID).Str("job_id", rec.ID).Msg("Failed to enqueue job")
		return "", err
	}
	observability.JobsSubmitted.WithLabelValues(sourceID).Inc()

	m.logger.Info().
		Str("source", sourceID).
		Str("job_id", rec.ID).
		Int("priority", priority).
		Msg("Job queued")

	m.notify(ctx, rec, notify.Payload{
		Status:   job.StatusPending,
		Progress: 0,
		Message:  "Extraction queued",
	})
	return rec.ID, nil
}

// GetJobStatus looks the job up in every source queue. It returns nil when
// no queue knows the id.
func (m *Manager) GetJobStatus(jobID string) *job.StatusView {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, src := range m.sources {
		if rec := m.pairs[src].queue.GetJob(jobID); rec != nil {
			return rec.View()
		}
	}
	return nil
}

// CancelJob removes a waiting or running job. Finished jobs and unknown ids
// return false.
func (m *Manager) CancelJob(ctx context.Context, jobID string) bool {
	m.mu.RLock()
	pairs := make([]*pair, 0, len(m.sources))
	for _, src := range m.sources {
		pairs = append(pairs, m.pairs[src])
	}
	m.mu.RUnlock()

	for _, p := range pairs {
		if p.runner.Cancel(ctx, jobID) {
			return true
		}
	}
	return false
}

// GetQueueStats returns partition counts per source.
func (m *Manager) GetQueueStats() map[string]queue.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]queue.Stats, len(m.sources))
	for _, src := range m.sources {
		s := m.pairs[src].queue.Stats()
		out[src] = s

		observability.QueueJobs.WithLabelValues(src, "waiting").Set(float64(s.Waiting))
		observability.QueueJobs.WithLabelValues(src, "active").Set(float64(s.Active))
		observability.QueueJobs.WithLabelValues(src, "completed").Set(float64(s.Completed))
		observability.QueueJobs.WithLabelValues(src, "failed").Set(float64(s.Failed))
		observability.QueueJobs.WithLabelValues(src, "delayed").Set(float64(s.Delayed))
	}
	return out
}

// Sources lists the configured sources in initialization order.
func (m *Manager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.sources...)
}

// Degraded reports whether the manager runs without a backend.
func (m *Manager) Degraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degraded
}

// Ping checks the backend connection.
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	initialized, closed, backend := m.initialized, m.closed, m.backend
	m.mu.RUnlock()

	switch {
	case closed:
		return job.ErrClosed
	case !initialized:
		return job.ErrNotInitialized
	case backend == nil:
		return &job.BackendUnavailableError{Op: "ping"}
	}
	if err := backend.Ping(ctx); err != nil {
		return &job.BackendUnavailableError{Op: "ping", Err: err}
	}
	return nil
}

// Cleanup stops accepting jobs, stops every runner within ctx's deadline,
// closes the queues and finally the backend.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pairs := make([]*pair, 0, len(m.sources))
	for _, src := range m.sources {
		pairs = append(pairs, m.pairs[src])
	}
	backend, stopRunners := m.backend, m.stopRunners
	m.mu.Unlock()

	m.logger.Info().Int("queues", len(pairs)).Msg("Shutting down queue manager")

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(pairs))
	)
	for i, p := range pairs {
		wg.Add(1)
		go func(i int, p *pair) {
			defer wg.Done()
			if err := p.runner.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("stop runner for %s: %w", p.queue.SourceID(), err)
			}
		}(i, p)
	}
	wg.Wait()

	for _, p := range pairs {
		p.queue.Close()
	}
	if stopRunners != nil {
		stopRunners()
	}
	if backend != nil {
		if err := backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Queue manager shut down with errors")
	} else {
		m.logger.Info().Msg("Queue manager shut down")
	}
	return err
}

func (m *Manager) notify(ctx context.Context, rec *job.Record, p notify.Payload) {
	if rec.UserID == "" {
		return
	}
	p.JobID = rec.ID
	p.SourceID = rec.SourceID

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	defer func() {
		if v := recover(); v != nil {
			m.logger.Error().Interface("panic", v).Str("job_id", rec.ID).Msg("Notifier panicked")
		}
	}()

	if err := m.deps.Notifier.SendEvent(ctx, rec.UserID, notify.EventJobProgress, p); err != nil {
		m.logger.Warn().Err(err).Str("job_id", rec.ID).Str("user_id", rec.UserID).Msg("Failed to deliver job notification")
	}
}
