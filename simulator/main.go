// Command simulator submits a steady stream of extraction jobs to the API and
// optionally follows their progress over the websocket event stream.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"scrape-queue/pkg/api"
	"scrape-queue/pkg/job"
	"scrape-queue/pkg/notify"
	"scrape-queue/pkg/observability"
)

type simConfig struct {
	APIURL      string   `koanf:"api_url"`
	RatePerSec  int      `koanf:"rate_per_sec"`
	Concurrency int      `koanf:"concurrency"`
	Sources     []string `koanf:"sources"`
	Users       int      `koanf:"users"`
	Watch       bool     `koanf:"watch"`
}

func loadConfig() (simConfig, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"api_url":      "http://localhost:8080",
		"rate_per_sec": 1,
		"concurrency":  1,
		"sources":      []string{"courts-a"},
		"users":        5,
		"watch":        true,
	}, "."), nil); err != nil {
		return simConfig{}, err
	}
	// SIM_RATE_PER_SEC -> rate_per_sec, SIM_SOURCES=a,b -> sources
	if err := k.Load(env.ProviderWithValue("SIM_", ".", func(key, value string) (string, interface{}) {
		key = strings.ToLower(strings.TrimPrefix(key, "SIM_"))
		if key == "sources" {
			return key, strings.Split(value, ",")
		}
		return key, value
	}), nil); err != nil {
		return simConfig{}, err
	}
	var cfg simConfig
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return simConfig{}, err
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Users < 1 {
		cfg.Users = 1
	}
	return cfg, nil
}

func main() {
	logger := observability.NewLogger("info", "text").With().Str("component", "simulator").Logger()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load simulator config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.Watch {
		for i := 0; i < cfg.Users; i++ {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				watch(ctx, cfg.APIURL, userID, logger)
			}(userName(i))
		}
	}

	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			submitLoop(ctx, cfg, cfg.RatePerSec/cfg.Concurrency, logger)
		}()
	}

	logger.Info().Str("api", cfg.APIURL).Strs("sources", cfg.Sources).Msg("Simulator started")
	<-ctx.Done()
	wg.Wait()
	logger.Info().Msg("Simulator stopped")
}

func userName(i int) string {
	return fmt.Sprintf("user%d", i+1)
}

func submitLoop(ctx context.Context, cfg simConfig, rps int, logger zerolog.Logger) {
	interval := time.Second
	if rps > 0 {
		interval = time.Second / time.Duration(rps)
	}
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	client := &http.Client{Timeout: 10 * time.Second}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		req := randomRequest(cfg)
		id, status, err := submit(ctx, client, cfg.APIURL, req)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to submit job")
			continue
		}
		logger.Info().
			Str("job_id", id).
			Str("source_id", req.SourceID).
			Int("priority", req.Priority).
			Int("status", status).
			Msg("Submitted job")
	}
}

func submit(ctx context.Context, client *http.Client, apiURL string, req job.SubmissionRequest) (string, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", 0, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/api/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return "", resp.StatusCode, fmt.Errorf("api returned %s: %s", resp.Status, e.Message)
	}
	var out api.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", resp.StatusCode, err
	}
	return out.JobID, resp.StatusCode, nil
}

func randomRequest(cfg simConfig) job.SubmissionRequest {
	from := time.Now().AddDate(0, -rand.Intn(12)-1, 0).Truncate(24 * time.Hour)
	to := from.AddDate(0, 1, 0)
	return job.SubmissionRequest{
		SourceID: cfg.Sources[rand.Intn(len(cfg.Sources))],
		UserID:   userName(rand.Intn(cfg.Users)),
		Priority: randomPriority(),
		Parameters: job.Parameters{
			DateFrom:     &from,
			DateTo:       &to,
			MaxDocuments: 5 + rand.Intn(20),
		},
	}
}

func randomPriority() int {
	switch rand.Intn(3) {
	case 0:
		return 0
	case 1:
		return 5
	default:
		return 10
	}
}

// watch follows one user's event stream and logs terminal job states,
// reconnecting until ctx is done.
func watch(ctx context.Context, apiURL, userID string, logger zerolog.Logger) {
	wsURL, err := eventsURL(apiURL, userID)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid API URL, not watching events")
		return
	}
	l := logger.With().Str("user_id", userID).Logger()

	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			l.Debug().Err(err).Msg("Event stream unavailable, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()
		readEvents(conn, l)
		close(done)
		conn.Close()
	}
}

func readEvents(conn *websocket.Conn, logger zerolog.Logger) {
	for {
		var msg struct {
			Type    string         `json:"type"`
			Payload notify.Payload `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		p := msg.Payload
		if !p.Status.IsTerminal() {
			continue
		}
		level := zerolog.InfoLevel
		if p.Status == job.StatusFailed {
			level = zerolog.WarnLevel
		}
		logger.WithLevel(level).Str("error", p.Error).Str("job_id", p.JobID).Str("status", string(p.Status)).Msg(p.Message)
	}
}

func eventsURL(apiURL, userID string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"user_id": {userID}}.Encode()
	return u.String(), nil
}
