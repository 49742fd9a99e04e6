package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrape-queue/pkg/job"
	"scrape-queue/pkg/notify"
	"scrape-queue/pkg/orchestrator"
	"scrape-queue/pkg/queue"
	"scrape-queue/pkg/runner"
)

type memBackend struct {
	mu      sync.Mutex
	records map[string]*job.Record
	pingErr error
	closed  atomic.Bool
}

func newMemBackend() *memBackend {
	return &memBackend{records: make(map[string]*job.Record)}
}

func (b *memBackend) Save(_ context.Context, rec *job.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[rec.ID] = rec.Clone()
	return nil
}

func (b *memBackend) Delete(_ context.Context, _, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, jobID)
	return nil
}

func (b *memBackend) Load(_ context.Context, sourceID string) ([]*job.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*job.Record
	for _, r := range b.records {
		if r.SourceID == sourceID {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (b *memBackend) Ping(context.Context) error { return b.pingErr }

func (b *memBackend) Close() error {
	b.closed.Store(true)
	return nil
}

type eventLog struct {
	mu       sync.Mutex
	payloads []notify.Payload
}

func (e *eventLog) SendEvent(_ context.Context, _, _ string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.payloads = append(e.payloads, payload.(notify.Payload))
	return nil
}

func (e *eventLog) statuses(jobID string) []job.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []job.Status
	for _, p := range e.payloads {
		if p.JobID == jobID {
			out = append(out, p.Status)
		}
	}
	return out
}

func testOptions() Options {
	qopts := queue.DefaultOptions()
	qopts.BaseDelay = time.Millisecond
	return Options{
		Queue:  qopts,
		Runner: runner.Options{PollInterval: 10 * time.Millisecond, StallInterval: 5 * time.Second},
	}
}

func newManager(t *testing.T, backend *memBackend, orch orchestrator.Orchestrator, n notify.Notifier, sources ...string) *Manager {
	t.Helper()
	m := New(Deps{
		Connect:      func(context.Context) (Backend, error) { return backend, nil },
		Orchestrator: orch,
		Notifier:     n,
	}, testOptions(), zerolog.Nop())
	require.NoError(t, m.Initialize(context.Background(), sources))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Cleanup(ctx)
	})
	return m
}

func succeed() orchestrator.Orchestrator {
	return orchestrator.Func(func(ctx context.Context, req orchestrator.Request) (*orchestrator.Extraction, error) {
		return &orchestrator.Extraction{
			JobID:  req.JobID,
			Result: &orchestrator.Result{Documents: []orchestrator.Document{{ID: "d1"}}, TotalFound: 1},
		}, nil
	})
}

func waitStatus(t *testing.T, m *Manager, jobID string, want job.Status) *job.StatusView {
	t.Helper()
	var view *job.StatusView
	require.Eventually(t, func() bool {
		view = m.GetJobStatus(jobID)
		return view != nil && view.Status == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, want)
	return view
}

func TestManager_AddJobBeforeInitialize(t *testing.T) {
	m := New(Deps{}, testOptions(), zerolog.Nop())
	_, err := m.AddJob(context.Background(), "courts-a", job.Parameters{}, "", 0)
	assert.ErrorIs(t, err, job.ErrNotInitialized)
}

func TestManager_DegradedWhenBackendUnreachable(t *testing.T) {
	m := New(Deps{
		Connect: func(context.Context) (Backend, error) { return nil, errors.New("connection refused") },
	}, testOptions(), zerolog.Nop())

	require.NoError(t, m.Initialize(context.Background(), []string{"courts-a"}))
	assert.True(t, m.Degraded())

	_, err := m.AddJob(context.Background(), "courts-a", job.Parameters{}, "", 0)
	assert.True(t, job.IsBackendUnavailable(err))
	assert.Empty(t, m.GetQueueStats())
	assert.True(t, job.IsBackendUnavailable(m.Ping(context.Background())))
}

func TestManager_DegradedWhenPingFails(t *testing.T) {
	backend := newMemBackend()
	backend.pingErr = errors.New("timeout")
	m := New(Deps{
		Connect: func(context.Context) (Backend, error) { return backend, nil },
	}, testOptions(), zerolog.Nop())

	require.NoError(t, m.Initialize(context.Background(), []string{"courts-a"}))
	assert.True(t, m.Degraded())
	assert.True(t, backend.closed.Load())
}

func TestManager_InitializeIsIdempotent(t *testing.T) {
	var connects atomic.Int32
	backend := newMemBackend()
	m := New(Deps{
		Connect: func(context.Context) (Backend, error) {
			connects.Add(1)
			return backend, nil
		},
		Orchestrator: succeed(),
	}, testOptions(), zerolog.Nop())
	defer m.Cleanup(context.Background())

	require.NoError(t, m.Initialize(context.Background(), []string{"courts-a", "courts-a", ""}))
	require.NoError(t, m.Initialize(context.Background(), []string{"courts-b"}))

	assert.Equal(t, int32(1), connects.Load())
	assert.Equal(t, []string{"courts-a"}, m.Sources())
	assert.False(t, m.Degraded())
	assert.NoError(t, m.Ping(context.Background()))
}

func TestManager_UnknownSource(t *testing.T) {
	m := newManager(t, newMemBackend(), succeed(), nil, "courts-a")

	_, err := m.AddJob(context.Background(), "courts-z", job.Parameters{}, "", 0)
	require.Error(t, err)
	assert.True(t, job.IsUnknownSource(err))

	var use *job.UnknownSourceError
	require.ErrorAs(t, err, &use)
	assert.Equal(t, "courts-z", use.SourceID)
}

func TestManager_CompletesJobAndNotifies(t *testing.T) {
	events := &eventLog{}
	backend := newMemBackend()
	m := newManager(t, backend, succeed(), events, "courts-a")

	id, err := m.AddJob(context.Background(), "courts-a", job.Parameters{MaxDocuments: 10}, "u1", 0)
	require.NoError(t, err)
	assert.Regexp(t, `^courts-a_\d+_[0-9a-f]{9}$`, id)

	view := waitStatus(t, m, id, job.StatusCompleted)
	assert.Equal(t, 100, view.Progress)
	assert.Equal(t, 1, view.AttemptsMade)
	require.NotNil(t, view.Result)
	assert.Equal(t, 1, view.Result.DocumentsFound)

	require.Eventually(t, func() bool {
		return len(events.statuses(id)) >= 3
	}, time.Second, 5*time.Millisecond)
	st := events.statuses(id)
	assert.Contains(t, st, job.StatusPending)
	assert.Contains(t, st, job.StatusRunning)
	assert.Equal(t, job.StatusCompleted, st[len(st)-1])

	backend.mu.Lock()
	stored := backend.records[id]
	backend.mu.Unlock()
	require.NotNil(t, stored)
	assert.Equal(t, job.StatusCompleted, stored.Status)
}

func TestManager_PriorityBeatsSubmissionOrder(t *testing.T) {
	gate := make(chan struct{})
	var (
		mu    sync.Mutex
		order []string
	)
	orch := orchestrator.Func(func(ctx context.Context, req orchestrator.Request) (*orchestrator.Extraction, error) {
		mu.Lock()
		order = append(order, req.JobID)
		first := len(order) == 1
		mu.Unlock()
		if first {
			<-gate
		}
		return &orchestrator.Extraction{JobID: req.JobID}, nil
	})
	m := newManager(t, newMemBackend(), orch, nil, "courts-a")
	ctx := context.Background()

	blocker, err := m.AddJob(ctx, "courts-a", job.Parameters{}, "", 0)
	require.NoError(t, err)
	waitStatus(t, m, blocker, job.StatusRunning)

	j1, err := m.AddJob(ctx, "courts-a", job.Parameters{}, "", 0)
	require.NoError(t, err)
	j2, err := m.AddJob(ctx, "courts-a", job.Parameters{}, "", 5)
	require.NoError(t, err)
	close(gate)

	waitStatus(t, m, j1, job.StatusCompleted)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{blocker, j2, j1}, order)
}

func TestManager_RetriesThenCompletes(t *testing.T) {
	var calls atomic.Int32
	orch := orchestrator.Func(func(ctx context.Context, req orchestrator.Request) (*orchestrator.Extraction, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("portal returned 502")
		}
		return &orchestrator.Extraction{JobID: req.JobID}, nil
	})
	m := newManager(t, newMemBackend(), orch, nil, "courts-a")

	id, err := m.AddJob(context.Background(), "courts-a", job.Parameters{}, "", 0)
	require.NoError(t, err)

	view := waitStatus(t, m, id, job.StatusCompleted)
	assert.Equal(t, 3, view.AttemptsMade)
	assert.Equal(t, 100, view.Progress)
	assert.Empty(t, view.FailureReason)
}

func TestManager_ExhaustedAttemptsFail(t *testing.T) {
	var calls atomic.Int32
	orch := orchestrator.Func(func(ctx context.Context, req orchestrator.Request) (*orchestrator.Extraction, error) {
		return nil, fmt.Errorf("captcha wall %d", calls.Add(1))
	})
	m := newManager(t, newMemBackend(), orch, nil, "courts-a")

	id, err := m.AddJob(context.Background(), "courts-a", job.Parameters{}, "", 0)
	require.NoError(t, err)

	view := waitStatus(t, m, id, job.StatusFailed)
	assert.Equal(t, 3, view.AttemptsMade)
	assert.Equal(t, "captcha wall 3", view.FailureReason)
	assert.Equal(t, 0, view.Progress)
	assert.Nil(t, view.Result)

	// terminal: no further attempts
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestManager_OneRunningJobPerSource(t *testing.T) {
	var (
		mu      sync.Mutex
		running = map[string]int{}
		peak    = map[string]int{}
		overall int
		maxAll  int
	)
	orch := orchestrator.Func(func(ctx context.Context, req orchestrator.Request) (*orchestrator.Extraction, error) {
		mu.Lock()
		running[req.SourceID]++
		overall++
		if running[req.SourceID] > peak[req.SourceID] {
			peak[req.SourceID] = running[req.SourceID]
		}
		if overall > maxAll {
			maxAll = overall
		}
		mu.Unlock()

		time.Sleep(15 * time.Millisecond)

		mu.Lock()
		running[req.SourceID]--
		overall--
		mu.Unlock()
		return &orchestrator.Extraction{JobID: req.JobID}, nil
	})
	m := newManager(t, newMemBackend(), orch, nil, "courts-a", "courts-b")

	var ids []string
	for i := 0; i < 4; i++ {
		for _, src := range []string{"courts-a", "courts-b"} {
			id, err := m.AddJob(context.Background(), src, job.Parameters{}, "", i%2)
			require.NoError(t, err)
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		waitStatus(t, m, id, job.StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak["courts-a"])
	assert.Equal(t, 1, peak["courts-b"])
	assert.Equal(t, 2, maxAll, "sources should run independently")
}

func TestManager_CancelWaitingJob(t *testing.T) {
	gate := make(chan struct{})
	orch := orchestrator.Func(func(ctx context.Context, req orchestrator.Request) (*orchestrator.Extraction, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &orchestrator.Extraction{JobID: req.JobID}, nil
	})
	m := newManager(t, newMemBackend(), orch, nil, "courts-a")
	ctx := context.Background()

	blocker, err := m.AddJob(ctx, "courts-a", job.Parameters{}, "", 0)
	require.NoError(t, err)
	waitStatus(t, m, blocker, job.StatusRunning)

	waiting, err := m.AddJob(ctx, "courts-a", job.Parameters{}, "", 0)
	require.NoError(t, err)

	assert.True(t, m.CancelJob(ctx, waiting))
	assert.Nil(t, m.GetJobStatus(waiting))
	assert.False(t, m.CancelJob(ctx, waiting))
	close(gate)
	waitStatus(t, m, blocker, job.StatusCompleted)
}

func TestManager_CancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	orch := orchestrator.Func(func(ctx context.Context, req orchestrator.Request) (*orchestrator.Extraction, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := newManager(t, newMemBackend(), orch, nil, "courts-a")

	id, err := m.AddJob(context.Background(), "courts-a", job.Parameters{}, "", 0)
	require.NoError(t, err)
	<-started

	assert.True(t, m.CancelJob(context.Background(), id))
	assert.Nil(t, m.GetJobStatus(id))
	require.Eventually(t, func() bool {
		return m.GetQueueStats()["courts-a"].Active == 0
	}, time.Second, 5*time.Millisecond)
}

func TestManager_CancelFinishedJobIsRejected(t *testing.T) {
	m := newManager(t, newMemBackend(), succeed(), nil, "courts-a")

	id, err := m.AddJob(context.Background(), "courts-a", job.Parameters{}, "", 0)
	require.NoError(t, err)
	before := waitStatus(t, m, id, job.StatusCompleted)

	assert.False(t, m.CancelJob(context.Background(), id))
	assert.Equal(t, before, m.GetJobStatus(id))
	assert.False(t, m.CancelJob(context.Background(), "missing"))
	assert.Nil(t, m.GetJobStatus("missing"))
}

func TestManager_QueueStatsScenario(t *testing.T) {
	backend := newMemBackend()
	now := time.Now()
	finished := now.Add(-time.Minute)

	seed := func(status job.Status, availableAt time.Time) {
		rec := job.NewRecord("courts-a", job.Parameters{}, "", 0, 3, now.Add(-time.Hour))
		rec.Status = status
		rec.AvailableAt = availableAt
		if status.IsTerminal() {
			rec.FinishedOn = &finished
			rec.AttemptsMade = 1
		}
		if status == job.StatusCompleted {
			rec.Progress = 100
			rec.Result = &job.Result{}
		}
		require.NoError(t, backend.Save(context.Background(), rec))
	}
	seed(job.StatusCompleted, now)
	seed(job.StatusCompleted, now)
	seed(job.StatusFailed, now)
	// still inside its backoff window, so the runner leaves it waiting
	seed(job.StatusPending, now.Add(time.Hour))

	m := newManager(t, backend, succeed(), nil, "courts-a", "courts-b")

	stats := m.GetQueueStats()
	require.Contains(t, stats, "courts-a")
	a := stats["courts-a"]
	assert.Equal(t, 1, a.Waiting)
	assert.Equal(t, 0, a.Active)
	assert.Equal(t, 2, a.Completed)
	assert.Equal(t, 1, a.Failed)
	assert.Equal(t, 4, a.Total)
	assert.Equal(t, 1, a.Delayed)
	assert.Equal(t, queue.Stats{}, stats["courts-b"])
}

func TestManager_RestoresOrphanedRunningJob(t *testing.T) {
	backend := newMemBackend()
	rec := job.NewRecord("courts-a", job.Parameters{}, "", 0, 3, time.Now().Add(-time.Minute))
	rec.Status = job.StatusRunning
	rec.AttemptsMade = 1
	rec.Progress = 40
	require.NoError(t, backend.Save(context.Background(), rec))

	m := newManager(t, backend, succeed(), nil, "courts-a")

	view := waitStatus(t, m, rec.ID, job.StatusCompleted)
	assert.Equal(t, 2, view.AttemptsMade)
}

func TestManager_CleanupStopsEverything(t *testing.T) {
	backend := newMemBackend()
	m := New(Deps{
		Connect:      func(context.Context) (Backend, error) { return backend, nil },
		Orchestrator: succeed(),
	}, testOptions(), zerolog.Nop())
	require.NoError(t, m.Initialize(context.Background(), []string{"courts-a"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Cleanup(ctx))
	assert.True(t, backend.closed.Load())

	_, err := m.AddJob(context.Background(), "courts-a", job.Parameters{}, "", 0)
	assert.ErrorIs(t, err, job.ErrClosed)
	assert.NoError(t, m.Initialize(context.Background(), []string{"courts-a"}))
	assert.NoError(t, m.Cleanup(ctx))
}
