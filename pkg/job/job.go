package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Parameters is the caller-supplied extraction configuration. The queue never
// interprets it; it is handed to the orchestrator as-is.
type Parameters struct {
	DateFrom     *time.Time        `json:"date_from,omitempty"`
	DateTo       *time.Time        `json:"date_to,omitempty"`
	Filters      map[string]string `json:"filters,omitempty"`
	MaxDocuments int               `json:"max_documents,omitempty" validate:"gte=0"`
}

type Result struct {
	DocumentsFound     int           `json:"documents_found"`
	DocumentsProcessed int           `json:"documents_processed"`
	ExtractionTime     time.Duration `json:"extraction_time"`
}

// Record is the state of a single extraction request.
type Record struct {
	ID            string     `json:"id"`
	SourceID      string     `json:"source_id"`
	Parameters    Parameters `json:"parameters"`
	UserID        string     `json:"user_id,omitempty"`
	Priority      int        `json:"priority"`
	Status        Status     `json:"status"`
	Progress      int        `json:"progress"`
	AttemptsMade  int        `json:"attempts_made"`
	MaxAttempts   int        `json:"max_attempts"`
	Result        *Result    `json:"result,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedOn   *time.Time `json:"processed_on,omitempty"`
	FinishedOn    *time.Time `json:"finished_on,omitempty"`
	// AvailableAt is when a waiting record becomes eligible for dequeue.
	AvailableAt time.Time `json:"available_at"`
}

// NewRecord builds a PENDING record for sourceID.
func NewRecord(sourceID string, params Parameters, userID string, priority, maxAttempts int, now time.Time) *Record {
	return &Record{
		ID:          NewID(sourceID, now),
		SourceID:    sourceID,
		Parameters:  params,
		UserID:      userID,
		Priority:    priority,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		AvailableAt: now,
	}
}

// NewID returns {sourceID}_{unixMillis}_{suffix}.
func NewID(sourceID string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s_%d_%s", sourceID, now.UnixMilli(), suffix)
}

// Clone returns a deep copy safe to hand out of the owning queue.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Result != nil {
		res := *r.Result
		c.Result = &res
	}
	if r.ProcessedOn != nil {
		t := *r.ProcessedOn
		c.ProcessedOn = &t
	}
	if r.FinishedOn != nil {
		t := *r.FinishedOn
		c.FinishedOn = &t
	}
	if r.Parameters.Filters != nil {
		c.Parameters.Filters = make(map[string]string, len(r.Parameters.Filters))
		for k, v := range r.Parameters.Filters {
			c.Parameters.Filters[k] = v
		}
	}
	return &c
}

// StatusView is the normalized, read-only projection returned to callers.
type StatusView struct {
	ID            string     `json:"id"`
	SourceID      string     `json:"source_id"`
	Status        Status     `json:"status"`
	Progress      int        `json:"progress"`
	AttemptsMade  int        `json:"attempts_made"`
	MaxAttempts   int        `json:"max_attempts"`
	Result        *Result    `json:"result,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedOn   *time.Time `json:"processed_on,omitempty"`
	FinishedOn    *time.Time `json:"finished_on,omitempty"`
}

func (r *Record) View() *StatusView {
	c := r.Clone()
	return &StatusView{
		ID:            c.ID,
		SourceID:      c.SourceID,
		Status:        c.Status,
		Progress:      c.Progress,
		AttemptsMade:  c.AttemptsMade,
		MaxAttempts:   c.MaxAttempts,
		Result:        c.Result,
		FailureReason: c.FailureReason,
		CreatedAt:     c.CreatedAt,
		ProcessedOn:   c.ProcessedOn,
		FinishedOn:    c.FinishedOn,
	}
}

type SubmissionRequest struct {
	SourceID   string     `json:"source_id" validate:"required"`
	Parameters Parameters `json:"parameters"`
	UserID     string     `json:"user_id"`
	Priority   int        `json:"priority" validate:"gte=0,lte=100"`
}
