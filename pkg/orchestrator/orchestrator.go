// Package orchestrator defines the extraction collaborator the runner drives
// and an HTTP client for a remote extraction service.
package orchestrator

import (
	"context"
	"time"

	"scrape-queue/pkg/job"
)

type Document struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

type Result struct {
	Documents  []Document `json:"documents"`
	TotalFound int        `json:"totalFound"`
	// ExtractionTimeMs is the wall time of the extraction in milliseconds.
	ExtractionTimeMs int64 `json:"extractionTime"`
}

func (r *Result) ExtractionTime() time.Duration {
	return time.Duration(r.ExtractionTimeMs) * time.Millisecond
}

type Extraction struct {
	JobID  string  `json:"jobId"`
	Result *Result `json:"result,omitempty"`
}

// Reporter lets a running extraction signal liveness. Both calls count as
// activity for stall detection.
type Reporter interface {
	Progress(percent int)
	Heartbeat()
}

type Request struct {
	JobID      string
	SourceID   string
	Parameters job.Parameters
	UserID     string
	Reporter   Reporter
}

// Orchestrator fetches and parses documents from a legal source. Cancelling
// ctx asks the extraction to stop; implementations may ignore it.
type Orchestrator interface {
	ExtractDocuments(ctx context.Context, req Request) (*Extraction, error)
}

// Func adapts a plain function to Orchestrator.
type Func func(ctx context.Context, req Request) (*Extraction, error)

func (f Func) ExtractDocuments(ctx context.Context, req Request) (*Extraction, error) {
	return f(ctx, req)
}

// ToJobResult converts an extraction outcome into the stored job result.
func ToJobResult(ext *Extraction) job.Result {
	if ext == nil || ext.Result == nil {
		return job.Result{}
	}
	return job.Result{
		DocumentsFound:     ext.Result.TotalFound,
		DocumentsProcessed: len(ext.Result.Documents),
		ExtractionTime:     ext.Result.ExtractionTime(),
	}
}
