package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"scrape-queue/pkg/job"
	"scrape-queue/pkg/orchestrator"
)

var validate = validator.New()

// extractBody is orchestrator.ExtractRequest with the fields this service
// requires.
type extractBody struct {
	JobID      string         `json:"jobId" validate:"required"`
	SourceID   string         `json:"sourceId" validate:"required"`
	UserID     string         `json:"userId"`
	Parameters job.Parameters `json:"parameters"`
}

// transientErrors are what a flaky legal source tends to return.
var transientErrors = []string{
	"source returned 503",
	"connection reset by peer",
	"captcha challenge detected",
}

type simulator struct {
	steps       int
	stepDelay   time.Duration
	failureRate float64
	logger      zerolog.Logger

	// rnd is nil in production; tests pin it.
	rnd func() float64
}

func (s *simulator) roll() float64 {
	if s.rnd != nil {
		return s.rnd()
	}
	return rand.Float64()
}

func (s *simulator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body extractBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	l := s.logger.With().Str("job_id", body.JobID).Str("source_id", body.SourceID).Logger()
	l.Info().Msg("Extraction started")

	stream := orchestrator.NewStreamWriter(w)
	started := time.Now()
	steps := s.steps
	if steps < 1 {
		steps = 1
	}
	failAt := -1
	if s.roll() < s.failureRate {
		failAt = rand.Intn(steps)
	}

	for step := 0; step < steps; step++ {
		select {
		case <-r.Context().Done():
			l.Info().Msg("Extraction abandoned by caller")
			return
		case <-time.After(s.stepDelay):
		}
		if step == failAt {
			msg := transientErrors[rand.Intn(len(transientErrors))]
			l.Warn().Str("error", msg).Int("step", step).Msg("Simulated extraction failure")
			_ = stream.Error(msg)
			return
		}
		_ = stream.Heartbeat()
		if err := stream.Progress((step + 1) * 100 / steps); err != nil {
			l.Warn().Err(err).Msg("Client went away")
			return
		}
	}

	limit := body.Parameters.MaxDocuments
	if limit <= 0 {
		limit = 10
	}
	found := rand.Intn(limit) + 1
	docs := make([]orchestrator.Document, found)
	for i := range docs {
		docs[i] = orchestrator.Document{
			ID:    fmt.Sprintf("%s-doc-%d", body.SourceID, i+1),
			Title: fmt.Sprintf("Ruling %d", i+1),
		}
	}
	elapsed := time.Since(started)
	_ = stream.Result(&orchestrator.Extraction{
		JobID: body.JobID,
		Result: &orchestrator.Result{
			Documents:        docs,
			TotalFound:       found,
			ExtractionTimeMs: elapsed.Milliseconds(),
		},
	})
	l.Info().Int("documents", found).Dur("took", elapsed).Msg("Extraction completed")
}
