package mq

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "user.u1.extraction-progress", RoutingKey("u1", "extraction-progress"))
	assert.Equal(t, "user.a_b_c.x", RoutingKey("a.b*c", "x"))
	assert.Equal(t, "user.u_.ev_", RoutingKey("u#", "ev."))
}

func TestClient_SendEvent(t *testing.T) {
	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		t.Skip("RABBITMQ_URL not set")
	}

	c, err := New(url, "extraction.events.test")
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetupTopology())

	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, c.ch.QueueBind(q.Name, "user.u1.#", "extraction.events.test", false, nil))
	deliveries, err := c.ch.Consume(q.Name, "", true, true, false, false, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.SendEvent(ctx, "u1", "extraction-progress", map[string]int{"progress": 10}))

	select {
	case d := <-deliveries:
		assert.Equal(t, "application/json", d.ContentType)
		assert.Contains(t, string(d.Body), `"progress":10`)
	case <-ctx.Done():
		t.Fatal("no delivery")
	}
}
