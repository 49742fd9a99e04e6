package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrape-queue/pkg/config"
	"scrape-queue/pkg/job"
	"scrape-queue/pkg/manager"
	"scrape-queue/pkg/notify"
	"scrape-queue/pkg/orchestrator"
)

type nopBackend struct{ closed bool }

func (b *nopBackend) Save(context.Context, *job.Record) error             { return nil }
func (b *nopBackend) Delete(context.Context, string, string) error        { return nil }
func (b *nopBackend) Load(context.Context, string) ([]*job.Record, error) { return nil, nil }
func (b *nopBackend) Ping(context.Context) error                          { return nil }
func (b *nopBackend) Close() error {
	b.closed = true
	return nil
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Queue.Sources = []string{"courts-a", "courts-b"}
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.MetricsAddr = ""
	cfg.Server.ShutdownTimeout = 2 * time.Second
	return cfg
}

func TestManagerOptions(t *testing.T) {
	cfg := config.DefaultConfig().Queue
	opts := ManagerOptions(cfg)

	assert.Equal(t, 1, opts.Queue.Concurrency)
	assert.Equal(t, 3, opts.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Second, opts.Queue.BaseDelay)
	assert.Equal(t, 100, opts.Queue.KeepCompleted)
	assert.Equal(t, 50, opts.Queue.KeepFailed)
	assert.Equal(t, 30*time.Second, opts.Runner.StallInterval)
}

func TestBuildDeps(t *testing.T) {
	cfg := testConfig()
	deps, err := BuildDeps(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, deps.Connect)
	assert.NotNil(t, deps.Hub)
	assert.Len(t, deps.Closers, 1)
	assert.IsType(t, &orchestrator.HTTPClient{}, deps.Orchestrator)

	cfg.Notify.WebSocket = false
	cfg.Backend.Driver = "postgres"
	deps, err = BuildDeps(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, deps.Hub)
	assert.Empty(t, deps.Closers)

	cfg.Backend.Driver = "etcd"
	_, err = BuildDeps(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestApp_ServeAndShutdown(t *testing.T) {
	backend := &nopBackend{}
	hub := notify.NewHub(zerolog.Nop())
	closed := false
	deps := &Deps{
		Connect: func(context.Context) (manager.Backend, error) { return backend, nil },
		Orchestrator: orchestrator.Func(func(ctx context.Context, req orchestrator.Request) (*orchestrator.Extraction, error) {
			return &orchestrator.Extraction{JobID: req.JobID}, nil
		}),
		Notifier: hub,
		Hub:      hub,
		Closers: []func() error{func() error {
			closed = true
			return nil
		}},
		Logger: zerolog.Nop(),
	}

	a, err := New(context.Background(), testConfig(), deps)
	require.NoError(t, err)
	assert.False(t, a.Manager.Degraded())
	assert.Equal(t, []string{"courts-a", "courts-b"}, a.Manager.Sources())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(base + "/api/v1/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.False(t, a.Ready.Load())
	assert.True(t, backend.closed)
	assert.True(t, closed)

	_, err = a.Manager.AddJob(context.Background(), "courts-a", job.Parameters{}, "", 0)
	assert.ErrorIs(t, err, job.ErrClosed)
}

func TestApp_DegradedBackendStillServes(t *testing.T) {
	deps := &Deps{
		Connect: func(context.Context) (manager.Backend, error) { return nil, errors.New("dial tcp: connection refused") },
		Logger:  zerolog.Nop(),
	}
	a, err := New(context.Background(), testConfig(), deps)
	require.NoError(t, err)
	assert.True(t, a.Manager.Degraded())

	_, err = a.Manager.AddJob(context.Background(), "courts-a", job.Parameters{}, "", 0)
	assert.True(t, job.IsBackendUnavailable(err))
	require.NoError(t, a.Manager.Cleanup(context.Background()))
}
