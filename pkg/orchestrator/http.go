package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"scrape-queue/pkg/job"
)

// frame is one line of the extraction service's NDJSON response stream.
type frame struct {
	Progress  *int        `json:"progress,omitempty"`
	Heartbeat bool        `json:"heartbeat,omitempty"`
	Result    *Extraction `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// ExtractRequest is the body of POST /extract.
type ExtractRequest struct {
	JobID      string         `json:"jobId"`
	SourceID   string         `json:"sourceId"`
	UserID     string         `json:"userId,omitempty"`
	Parameters job.Parameters `json:"parameters"`
}

// HTTPClient calls a remote extraction service at POST {BaseURL}/extract.
// The service streams progress frames and ends with a result or error frame.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: hung extractions are handled by stall detection.
		Client: &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second}},
	}
}

func (c *HTTPClient) ExtractDocuments(ctx context.Context, req Request) (*Extraction, error) {
	body, err := json.Marshal(ExtractRequest{
		JobID:      req.JobID,
		SourceID:   req.SourceID,
		UserID:     req.UserID,
		Parameters: req.Parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("encode extract request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build extract request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", req.SourceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extract %s: service returned %s", req.SourceID, resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("decode extract frame: %w", err)
		}
		switch {
		case f.Error != "":
			return nil, errors.New(f.Error)
		case f.Result != nil:
			if f.Result.JobID == "" {
				f.Result.JobID = req.JobID
			}
			return f.Result, nil
		case f.Progress != nil:
			if req.Reporter != nil {
				req.Reporter.Progress(*f.Progress)
			}
		default:
			if req.Reporter != nil {
				req.Reporter.Heartbeat()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read extract stream: %w", err)
	}
	return nil, fmt.Errorf("extract %s: stream ended without a result", req.SourceID)
}
