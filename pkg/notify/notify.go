// Package notify publishes job lifecycle events to the submitting user.
package notify

import (
	"context"
	"errors"

	"scrape-queue/pkg/job"
)

// EventJobProgress is the event type carried by every lifecycle notification.
const EventJobProgress = "extraction-progress"

// Notifier pushes an event to a user's stream. Delivery is best effort.
type Notifier interface {
	SendEvent(ctx context.Context, userID, eventType string, payload any) error
}

// Payload is the body of an EventJobProgress event.
type Payload struct {
	JobID              string     `json:"jobId"`
	SourceID           string     `json:"sourceId"`
	Status             job.Status `json:"status"`
	Progress           int        `json:"progress"`
	Message            string     `json:"message"`
	Attempt            int        `json:"attempt,omitempty"`
	DocumentsFound     *int       `json:"documentsFound,omitempty"`
	DocumentsProcessed *int       `json:"documentsProcessed,omitempty"`
	Error              string     `json:"error,omitempty"`
}

// Fanout delivers every event to all of its notifiers.
type Fanout []Notifier

func (f Fanout) SendEvent(ctx context.Context, userID, eventType string, payload any) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.SendEvent(ctx, userID, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nop struct{}

func (nop) SendEvent(context.Context, string, string, any) error { return nil }

// Nop discards every event.
func Nop() Notifier { return nop{} }
