package orchestrator

import (
	"encoding/json"
	"net/http"
)

// StreamWriter writes the NDJSON frames an extraction service sends back to
// HTTPClient. Every frame is flushed so the client sees it immediately.
type StreamWriter struct {
	enc     *json.Encoder
	flusher http.Flusher
}

func NewStreamWriter(w http.ResponseWriter) *StreamWriter {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	return &StreamWriter{enc: json.NewEncoder(w), flusher: f}
}

func (s *StreamWriter) write(f frame) error {
	if err := s.enc.Encode(f); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *StreamWriter) Progress(percent int) error {
	return s.write(frame{Progress: &percent})
}

func (s *StreamWriter) Heartbeat() error {
	return s.write(frame{Heartbeat: true})
}

func (s *StreamWriter) Result(ext *Extraction) error {
	return s.write(frame{Result: ext})
}

func (s *StreamWriter) Error(msg string) error {
	return s.write(frame{Error: msg})
}
