// Package mq publishes job lifecycle events to RabbitMQ so other services can
// follow a user's extractions without holding a websocket open.
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultExchange = "extraction.events"

type Client struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string

	// amqp channels are not safe for concurrent publishing
	mu sync.Mutex
}

func New(url, exchange string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if exchange == "" {
		exchange = DefaultExchange
	}
	return &Client{conn: conn, ch: ch, exchange: exchange}, nil
}

// SetupTopology declares the event exchange. Idempotent.
func (c *Client) SetupTopology() error {
	// Topic exchange so consumers can bind per user or per event type.
	return c.ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil)
}

// RoutingKey builds user.{id}.{event}. Dots in the parts would split the
// topic words, so they are replaced.
func RoutingKey(userID, eventType string) string {
	clean := strings.NewReplacer(".", "_", "*", "_", "#", "_")
	return fmt.Sprintf("user.%s.%s", clean.Replace(userID), clean.Replace(eventType))
}

type envelope struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	Payload any    `json:"payload"`
}

// SendEvent publishes the event as a JSON message. Messages are transient;
// nobody is waiting on them for correctness.
func (c *Client) SendEvent(ctx context.Context, userID, eventType string, payload any) error {
	body, err := json.Marshal(envelope{Type: eventType, UserID: userID, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.PublishWithContext(ctx,
		c.exchange,                    // exchange
		RoutingKey(userID, eventType), // routing key
		false,                         // mandatory
		false,                         // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			Timestamp:    time.Now(),
			Type:         eventType,
			Body:         body,
		})
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}
