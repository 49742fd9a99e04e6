package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrape-queue/pkg/job"
)

type recorder struct {
	events []string
	err    error
}

func (r *recorder) SendEvent(_ context.Context, userID, eventType string, _ any) error {
	r.events = append(r.events, userID+":"+eventType)
	return r.err
}

func TestFanout_DeliversToAll(t *testing.T) {
	a, b := &recorder{}, &recorder{err: errors.New("broker down")}
	f := Fanout{a, nil, b}

	err := f.SendEvent(context.Background(), "u1", EventJobProgress, Payload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, []string{"u1:" + EventJobProgress}, a.events)
	assert.Equal(t, []string{"u1:" + EventJobProgress}, b.events)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop().SendEvent(context.Background(), "u", "e", nil))
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_PushesToUserConnections(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	require.Eventually(t, func() bool {
		return hub.Connections("alice") == 1 && hub.Connections("bob") == 1
	}, time.Second, 10*time.Millisecond)

	found := 7
	err := hub.SendEvent(context.Background(), "alice", EventJobProgress, Payload{
		JobID:          "courts-a_1_abc",
		SourceID:       "courts-a",
		Status:         job.StatusCompleted,
		Progress:       100,
		DocumentsFound: &found,
	})
	require.NoError(t, err)

	_ = alice.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := alice.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string  `json:"type"`
		Payload Payload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, EventJobProgress, msg.Type)
	assert.Equal(t, "courts-a_1_abc", msg.Payload.JobID)
	assert.Equal(t, 100, msg.Payload.Progress)
	require.NotNil(t, msg.Payload.DocumentsFound)
	assert.Equal(t, 7, *msg.Payload.DocumentsFound)

	_ = bob.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = bob.ReadMessage()
	assert.Error(t, err, "events are scoped to their user")
}

func TestHub_UnknownUserIsNoop(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	assert.NoError(t, hub.SendEvent(context.Background(), "nobody", EventJobProgress, Payload{}))
}

func TestHub_RequiresUserID(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteDeadline(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(writeWait), writeDeadline(context.Background(), now))

	ctx, cancel := context.WithDeadline(context.Background(), now.Add(time.Second))
	defer cancel()
	assert.Equal(t, now.Add(time.Second), writeDeadline(ctx, now))

	late, cancelLate := context.WithDeadline(context.Background(), now.Add(time.Hour))
	defer cancelLate()
	assert.Equal(t, now.Add(writeWait), writeDeadline(late, now))
}

func TestHub_SlowClientBoundedByContext(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	// Never reads, so the socket buffers eventually fill.
	dial(t, srv, "slow")
	require.Eventually(t, func() bool { return hub.Connections("slow") == 1 }, time.Second, 10*time.Millisecond)

	big := strings.Repeat("x", 1<<20)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	var err error
	for i := 0; i < 512 && err == nil; i++ {
		err = hub.SendEvent(ctx, "slow", EventJobProgress, Payload{Message: big})
	}
	require.Error(t, err)
	assert.Less(t, time.Since(start), writeWait/2)
}

func TestHub_CancelledContextKeepsClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	dial(t, srv, "alice")
	require.Eventually(t, func() bool { return hub.Connections("alice") == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := hub.SendEvent(ctx, "alice", EventJobProgress, Payload{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, hub.Connections("alice"))
}
