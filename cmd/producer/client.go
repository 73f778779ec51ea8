package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dontdude/rollcall/internal/classify"
	"github.com/dontdude/rollcall/internal/domain"
	"github.com/dontdude/rollcall/internal/handoff"
	"github.com/dontdude/rollcall/internal/stream"
)

// client talks to a rollcall API server.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{base: strings.TrimRight(base, "/"), http: &http.Client{}}
}

type preview struct {
	PreviewID string              `json:"preview_id"`
	Stats     classify.Stats      `json:"stats"`
	Rejected  []domain.Classified `json:"rejected"`
}

type job struct {
	JobID     string `json:"job_id"`
	Total     int    `json:"total"`
	BatchSize int    `json:"batch_size"`
	DelayMs   int    `json:"delay_ms"`
	StreamURL string `json:"stream_url"`
}

type session struct {
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expires_at"`
	PollIntervalMs int64     `json:"poll_interval_ms"`
}

// apiError carries the server's {"error": ...} body.
type apiError struct {
	Status  int
	Message string `json:"error"`
}

func (e *apiError) Error() string { return fmt.Sprintf("server returned %d: %s", e.Status, e.Message) }

func (c *client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		e := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(e)
		return e
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) previewCSV(ctx context.Context, eventID string, csv io.Reader) (preview, error) {
	var p preview
	err := c.do(ctx, http.MethodPost, "/api/events/"+eventID+"/imports/preview", "text/csv", csv, &p)
	return p, err
}

// previewRows submits a handoff payload, which is either {"rows": [...]} or a bare array.
func (c *client) previewRows(ctx context.Context, eventID string, payload []byte) (preview, error) {
	if bytes.HasPrefix(bytes.TrimSpace(payload), []byte("[")) {
		payload = append(append([]byte(`{"rows":`), payload...), '}')
	}
	var p preview
	err := c.do(ctx, http.MethodPost, "/api/events/"+eventID+"/imports/preview", "application/json", bytes.NewReader(payload), &p)
	return p, err
}

func (c *client) createJob(ctx context.Context, previewID string, batchSize, delayMs int) (job, error) {
	req := map[string]any{"preview_id": previewID}
	if batchSize > 0 {
		req["batch_size"] = batchSize
	}
	if delayMs >= 0 {
		req["delay_ms"] = delayMs
	}
	body, err := json.Marshal(req)
	if err != nil {
		return job{}, err
	}
	var j job
	err = c.do(ctx, http.MethodPost, "/api/jobs", "application/json", bytes.NewReader(body), &j)
	return j, err
}

// follow attaches to the job's SSE stream and feeds every event to fn.
func (c *client) follow(ctx context.Context, streamURL string, fn func(stream.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(e)
		return e
	}
	return stream.ReadAll(resp.Body, fn)
}

func (c *client) openSession(ctx context.Context) (session, error) {
	var s session
	err := c.do(ctx, http.MethodPost, "/api/handoff/sessions", "application/json", strings.NewReader("{}"), &s)
	return s, err
}

var _ handoff.Poller = (*client)(nil)

// Poll implements handoff.Poller over HTTP.
func (c *client) Poll(ctx context.Context, token string) (handoff.PollResult, error) {
	var res struct {
		Status    handoff.Status  `json:"status"`
		Payload   json.RawMessage `json:"payload"`
		ExpiresAt time.Time       `json:"expires_at"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/handoff/sessions/"+token, "", nil, &res); err != nil {
		return handoff.PollResult{}, err
	}
	return handoff.PollResult{Status: res.Status, Payload: res.Payload, ExpiresAt: res.ExpiresAt}, nil
}
