package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dontdude/rollcall/internal/batch"
	"github.com/dontdude/rollcall/internal/platform/web"
	"github.com/dontdude/rollcall/internal/stream"
)

type createJobRequest struct {
	PreviewID string `json:"preview_id"`
	BatchSize *int   `json:"batch_size"`
	DelayMs   *int   `json:"delay_ms"`
}

type createJobResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Kind      string `json:"kind"`
	Total     int    `json:"total"`
	BatchSize int    `json:"batch_size"`
	DelayMs   int    `json:"delay_ms"`
	StreamURL string `json:"stream_url"`
	WSURL     string `json:"ws_url"`
}

// handleCreateJob confirms a preview. The job starts once an observer attaches.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PreviewID == "" {
		web.WriteError(w, http.StatusBadRequest, "preview_id is required")
		return
	}

	// Pacing defaults come from the preview's kind; the request may override them.
	p, ok := s.registry.Peek(req.PreviewID)
	if !ok {
		web.WriteError(w, http.StatusNotFound, ErrPreviewNotFound.Error())
		return
	}
	cfg := p.Pacing
	if req.BatchSize != nil {
		cfg.BatchSize = *req.BatchSize
	}
	if req.DelayMs != nil {
		cfg.DelayMs = *req.DelayMs
	}
	if err := cfg.Validate(); err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.registry.Confirm(req.PreviewID, cfg)
	if err != nil {
		web.WriteError(w, http.StatusNotFound, err.Error())
		return
	}

	slog.Info("Job created", "jobID", job.ID, "kind", p.Kind, "eventID", p.EventID, "total", len(job.Items))
	web.WriteJSON(w, http.StatusCreated, createJobResponse{
		JobID:     job.ID,
		Status:    "pending",
		Kind:      p.Kind,
		Total:     len(job.Items),
		BatchSize: cfg.BatchSize,
		DelayMs:   cfg.DelayMs,
		StreamURL: "/api/jobs/" + job.ID + "/stream",
		WSURL:     "/api/ws?job_id=" + job.ID,
	})
}

func (s *Server) claim(w http.ResponseWriter, jobID string) (*Job, bool) {
	job, err := s.registry.Claim(jobID)
	switch {
	case errors.Is(err, ErrJobClaimed):
		web.WriteError(w, http.StatusConflict, err.Error())
		return nil, false
	case err != nil:
		web.WriteError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return job, true
}

// run executes a claimed job against sink. The job outlives the request:
// only server shutdown cancels it.
func (s *Server) run(job *Job, sink batch.Sink) batch.Summary {
	defer s.registry.Finish(job.ID)

	ctx, cancel := context.WithCancel(s.base)
	defer cancel()

	x := batch.NewExecutor(batch.Options{
		Kind:         job.Preview.Kind,
		OnDisconnect: s.policy,
		Identity:     job.Preview.Identity,
	})
	sum := x.Run(ctx, job.Items, job.Preview.Effect, job.Config, sink)
	slog.Info("Job finished", "jobID", job.ID, "terminal", sum.Terminal, "processed", sum.Processed, "total", sum.Total)
	return sum
}

// sseSink writes events to an SSE response until the client goes away.
type sseSink struct {
	enc  *stream.Encoder
	done <-chan struct{}
}

var errClientGone = errors.New("client disconnected")

func (s sseSink) Emit(_ context.Context, e stream.Event) error {
	select {
	case <-s.done:
		return errClientGone
	default:
	}
	return s.enc.Encode(e)
}

func (s sseSink) Gone() <-chan struct{} { return s.done }

// handleStream runs the job and streams its events as server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		web.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	job, ok := s.claim(w, r.PathValue("jobID"))
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	slog.Info("Observer attached", "jobID", job.ID, "transport", "sse")
	s.run(job, sseSink{enc: stream.NewEncoder(w), done: r.Context().Done()})
}

// WebSocket Upgrader (Gorilla)
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // The extension and admin UI are on other origins
}

const wsWriteWait = 10 * time.Second

// wsSink writes one JSON event per text message.
type wsSink struct {
	conn *websocket.Conn
	gone chan struct{}
}

func (s *wsSink) Emit(_ context.Context, e stream.Event) error {
	select {
	case <-s.gone:
		return errClientGone
	default:
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(e)
}

func (s *wsSink) Gone() <-chan struct{} { return s.gone }

// handleWS upgrades the connection to WebSocket and runs the job over it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// 1. Extract JobID from Query Params
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		web.WriteError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	// 2. Claim before upgrading so failures are plain HTTP errors
	job, ok := s.claim(w, jobID)
	if !ok {
		return
	}

	// 3. Upgrade to WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		s.registry.Finish(jobID)
		return
	}
	defer conn.Close()
	slog.Info("Observer attached", "jobID", jobID, "transport", "websocket", "remoteAddr", conn.RemoteAddr())

	// 4. Read loop only detects the client leaving
	sink := &wsSink{conn: conn, gone: make(chan struct{})}
	go func() {
		defer close(sink.gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.run(job, sink)

	// 5. Tell the client we are done
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
		time.Now().Add(wsWriteWait))
}
