package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/rollcall/internal/config"
	"github.com/dontdude/rollcall/internal/domain"
	"github.com/dontdude/rollcall/internal/handoff"
	"github.com/dontdude/rollcall/internal/platform/store"
	"github.com/dontdude/rollcall/internal/stream"
)

type captureMessenger struct {
	mu   sync.Mutex
	sent []domain.Message
}

func (c *captureMessenger) Send(_ context.Context, m domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.HasPrefix(m.To, "bounce") {
		return fmt.Errorf("mailbox %s rejected", m.To)
	}
	c.sent = append(c.sent, m)
	return nil
}

// downStore accepts previews but fails every insert as if Redis went away.
type downStore struct{ *store.MemoryStore }

func (downStore) Insert(context.Context, string, domain.WorkItem) (domain.Outcome, error) {
	return 0, fmt.Errorf("%w: dial tcp 127.0.0.1:6379: connection refused", domain.ErrUnavailable)
}

type harness struct {
	srv       *httptest.Server
	store     *store.MemoryStore
	messenger *captureMessenger
	broker    *handoff.Broker
}

func newHarness(t *testing.T, mutate ...func(*config.Config, *Deps)) *harness {
	cfg := config.Default()
	cfg.RateLimit.Rate = 1000
	cfg.RateLimit.Burst = 1000
	cfg.Jobs.Import.BatchSize = 2
	cfg.Jobs.Notify.DelayMs = 0

	h := &harness{
		store:     store.NewMemoryStore(),
		messenger: &captureMessenger{},
		broker:    handoff.NewBroker(handoff.NewMemoryStore()),
	}
	deps := Deps{Store: h.store, SentLog: store.NewMemorySentLog(), Messenger: h.messenger, Broker: h.broker}
	for _, m := range mutate {
		m(&cfg, &deps)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s, err := New(ctx, cfg, deps)
	require.NoError(t, err)
	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) postJSON(t *testing.T, path string, body any, out any) int {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.srv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *harness) createJob(t *testing.T, previewID string, extra map[string]any) createJobResponse {
	t.Helper()
	body := map[string]any{"preview_id": previewID}
	for k, v := range extra {
		body[k] = v
	}
	var job createJobResponse
	require.Equal(t, http.StatusCreated, h.postJSON(t, "/api/jobs", body, &job))
	return job
}

func (h *harness) streamJob(t *testing.T, jobID string) *stream.Feed {
	t.Helper()
	resp, err := http.Get(h.srv.URL + "/api/jobs/" + jobID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	feed := stream.NewFeed()
	require.NoError(t, stream.ReadAll(resp.Body, feed.Apply))
	return feed
}

func scenarioRows() []map[string]string {
	return []map[string]string{
		{"name": "Ada", "regNo": "CS001", "email": "ada@example.com"},
		{"name": "Bob", "regNo": "", "email": "bob@example.com"},
		{"name": "Cy", "regNo": "CS003", "email": "cy@example.com"},
		{"name": "Dee", "regNo": "CS004", "email": "ada@example.com"},
		{"name": "Eve", "regNo": "CS005", "email": "eve@example.com", "phone": "555"},
	}
}

func TestImportFlow_SSE(t *testing.T) {
	h := newHarness(t)

	var preview previewResponse
	status := h.postJSON(t, "/api/events/ev1/imports/preview", map[string]any{"rows": scenarioRows()}, &preview)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 3, preview.Stats.ValidCount)
	assert.Equal(t, 2, preview.Stats.RejectedCount)
	assert.Equal(t, "missing regNo", preview.Rejected[0].Reason)
	assert.Equal(t, "duplicate within file", preview.Rejected[1].Reason)

	job := h.createJob(t, preview.PreviewID, nil)
	assert.Equal(t, 3, job.Total)
	assert.Equal(t, 2, job.BatchSize)

	feed := h.streamJob(t, job.JobID)
	assert.Equal(t, stream.StateComplete, feed.State())
	totals, ok := feed.Totals()
	require.True(t, ok)
	assert.Equal(t, stream.Counts{SuccessCount: 3}, totals)
	require.Len(t, feed.Records(), 3)
	assert.Equal(t, map[string]string{"name": "Ada", "regNo": "CS001", "email": "ada@example.com"}, feed.Records()[0].Identity)
	assert.Equal(t, 3, h.store.Count("ev1"))

	// Re-previewing sees the committed rows as already registered.
	var again previewResponse
	h.postJSON(t, "/api/events/ev1/imports/preview", map[string]any{"rows": scenarioRows()}, &again)
	assert.Equal(t, 0, again.Stats.ValidCount)
	assert.Equal(t, "already registered", again.Rejected[0].Reason)
}

func TestImportFlow_ConcurrentOverlapReportsDuplicates(t *testing.T) {
	h := newHarness(t)
	rows := map[string]any{"rows": scenarioRows()}

	var first, second previewResponse
	h.postJSON(t, "/api/events/ev1/imports/preview", rows, &first)
	h.postJSON(t, "/api/events/ev1/imports/preview", rows, &second)

	h.streamJob(t, h.createJob(t, first.PreviewID, nil).JobID)
	feed := h.streamJob(t, h.createJob(t, second.PreviewID, nil).JobID)

	totals, _ := feed.Totals()
	assert.Equal(t, stream.Counts{FailureCount: 3, DuplicateCount: 3}, totals)
	for _, r := range feed.Records() {
		assert.Equal(t, domain.StatusDuplicate, r.Status)
	}
}

func TestImportPreview_CSVUpload(t *testing.T) {
	h := newHarness(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "attendees.csv")
	require.NoError(t, err)
	fmt.Fprint(fw, "Name,Reg No,Email\nAda,cs001,ada@example.com\nBob,CS002,not-email\n")
	require.NoError(t, mw.Close())

	resp, err := http.Post(h.srv.URL+"/api/events/ev1/imports/preview", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var preview previewResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&preview))
	assert.Equal(t, 1, preview.Stats.ValidCount)
	assert.Equal(t, "CS001", preview.Valid[0].Item.Fields["regNo"])
	assert.Equal(t, "invalid email", preview.Rejected[0].Reason)
}

func TestImportPreview_TooManyRows(t *testing.T) {
	h := newHarness(t, func(c *config.Config, _ *Deps) { c.Jobs.MaxItems = 2 })
	status := h.postJSON(t, "/api/events/ev1/imports/preview", map[string]any{"rows": scenarioRows()}, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
}

func TestCreateJob_Errors(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusBadRequest, h.postJSON(t, "/api/jobs", map[string]any{}, nil))
	assert.Equal(t, http.StatusNotFound, h.postJSON(t, "/api/jobs", map[string]any{"preview_id": "nope"}, nil))

	var preview previewResponse
	h.postJSON(t, "/api/events/ev1/imports/preview", map[string]any{"rows": scenarioRows()}, &preview)
	assert.Equal(t, http.StatusBadRequest, h.postJSON(t, "/api/jobs", map[string]any{"preview_id": preview.PreviewID, "batch_size": 0}, nil))

	h.createJob(t, preview.PreviewID, nil)
	assert.Equal(t, http.StatusNotFound, h.postJSON(t, "/api/jobs", map[string]any{"preview_id": preview.PreviewID}, nil),
		"a preview is confirmed once")
}

func TestStream_UnknownJob(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/api/jobs/missing/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestImportFlow_StoreDownEndsWithError(t *testing.T) {
	h := newHarness(t, func(_ *config.Config, d *Deps) {
		d.Store = downStore{store.NewMemoryStore()}
	})

	var preview previewResponse
	h.postJSON(t, "/api/events/ev1/imports/preview", map[string]any{"rows": scenarioRows()}, &preview)
	feed := h.streamJob(t, h.createJob(t, preview.PreviewID, nil).JobID)

	assert.Equal(t, stream.StateErrored, feed.State())
	assert.Contains(t, feed.Failure(), "connection refused")
	processed, total := feed.Progress()
	assert.Equal(t, 1, processed)
	assert.Equal(t, 3, total)
	require.Len(t, feed.Records(), 1)
	assert.Equal(t, domain.StatusFailed, feed.Records()[0].Status)
}

func TestImportFlow_WebSocket(t *testing.T) {
	h := newHarness(t)

	var preview previewResponse
	h.postJSON(t, "/api/events/ev1/imports/preview", map[string]any{"rows": scenarioRows()}, &preview)
	job := h.createJob(t, preview.PreviewID, map[string]any{"batch_size": 1, "delay_ms": 5})

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + job.WSURL
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	feed := stream.NewFeed()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for !feed.Done() {
		var e stream.Event
		require.NoError(t, conn.ReadJSON(&e))
		require.NoError(t, feed.Apply(e))
	}
	totals, _ := feed.Totals()
	assert.Equal(t, 3, totals.SuccessCount)
	assert.Len(t, feed.Records(), 3)

	// The job is forgotten once the handler returns.
	assert.Eventually(t, func() bool {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		return err != nil && resp != nil && resp.StatusCode == http.StatusNotFound
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNotificationFlow(t *testing.T) {
	h := newHarness(t)
	req := map[string]any{
		"campaign_id": "welcome-2026",
		"subject":     "Welcome, {{.name}}",
		"body":        "See you at the event, {{.name}}.",
		"recipients": []map[string]string{
			{"recipientId": "u1", "email": "u1@example.com", "name": "Ada"},
			{"recipientId": "u2", "email": "bounce@example.com", "name": "Bob"},
			{"recipientId": "u1", "email": "u1b@example.com"},
			{"recipientId": "u3", "email": ""},
		},
	}

	var preview struct {
		previewResponse
		CampaignID string `json:"campaign_id"`
	}
	require.Equal(t, http.StatusOK, h.postJSON(t, "/api/events/ev1/notifications/preview", req, &preview))
	assert.Equal(t, "welcome-2026", preview.CampaignID)
	assert.Equal(t, 2, preview.Stats.ValidCount)

	feed := h.streamJob(t, h.createJob(t, preview.PreviewID, nil).JobID)
	totals, _ := feed.Totals()
	assert.Equal(t, stream.Counts{SuccessCount: 1, FailureCount: 1}, totals)
	require.Len(t, h.messenger.sent, 1)
	assert.Equal(t, "Welcome, Ada", h.messenger.sent[0].Subject)

	// The bounced recipient is released; the delivered one is now known.
	var again previewResponse
	h.postJSON(t, "/api/events/ev1/notifications/preview", req, &again)
	assert.Equal(t, 1, again.Stats.ValidCount)
	assert.Equal(t, "already notified", again.Rejected[0].Reason)
}

func TestNotificationPreview_BadTemplate(t *testing.T) {
	h := newHarness(t)
	status := h.postJSON(t, "/api/events/ev1/notifications/preview", map[string]any{"subject": "{{", "body": "b"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHandoffFlow(t *testing.T) {
	h := newHarness(t)

	var sess sessionResponse
	require.Equal(t, http.StatusCreated, h.postJSON(t, "/api/handoff/sessions", nil, &sess))
	assert.Equal(t, handoff.StatusWaiting, sess.Status)
	assert.EqualValues(t, 2000, sess.PollIntervalMs)

	// Not delivered yet.
	assert.Equal(t, http.StatusConflict, h.postJSON(t, "/api/events/ev1/imports/preview", map[string]any{"handoff_token": sess.Token}, nil))

	payload := map[string]any{"rows": scenarioRows()}
	deliver := "/api/handoff/sessions/" + sess.Token + "/payload"
	assert.Equal(t, http.StatusAccepted, h.postJSON(t, deliver, payload, nil))
	assert.Equal(t, http.StatusConflict, h.postJSON(t, deliver, payload, nil))

	var preview previewResponse
	require.Equal(t, http.StatusOK, h.postJSON(t, "/api/events/ev1/imports/preview", map[string]any{"handoff_token": sess.Token}, &preview))
	assert.Equal(t, 3, preview.Stats.ValidCount)

	// Consumed: the token now reads as expired everywhere.
	resp, err := http.Get(h.srv.URL + "/api/handoff/sessions/" + sess.Token)
	require.NoError(t, err)
	var poll pollResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&poll))
	resp.Body.Close()
	assert.Equal(t, handoff.StatusExpired, poll.Status)
	assert.Equal(t, http.StatusGone, h.postJSON(t, "/api/events/ev1/imports/preview", map[string]any{"handoff_token": sess.Token}, nil))

	// A consumed token cannot be revived by registering it again.
	assert.Equal(t, http.StatusGone, h.postJSON(t, "/api/handoff/sessions", map[string]string{"token": sess.Token}, nil))
	assert.Equal(t, http.StatusGone, h.postJSON(t, deliver, payload, nil))
}

func TestHandoffFlow_NumericCells(t *testing.T) {
	h := newHarness(t)
	var sess sessionResponse
	h.postJSON(t, "/api/handoff/sessions", nil, &sess)

	payload := `[{"name":"Ada","regNo":1001,"email":"ada@example.com","phone":5551234},` +
		`{"name":"Bob","regNo":1002,"email":7}]`
	resp, err := http.Post(h.srv.URL+"/api/handoff/sessions/"+sess.Token+"/payload", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var preview previewResponse
	require.Equal(t, http.StatusOK, h.postJSON(t, "/api/events/ev1/imports/preview", map[string]any{"handoff_token": sess.Token}, &preview))
	require.Len(t, preview.Valid, 1)
	assert.Equal(t, "1001", preview.Valid[0].Item.Fields["regNo"])
	assert.Equal(t, "5551234", preview.Valid[0].Item.Fields["phone"])
	require.Len(t, preview.Rejected, 1)
	assert.Equal(t, "invalid email", preview.Rejected[0].Reason)
}

func TestImportPreview_NumericJSONRows(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Post(h.srv.URL+"/api/events/ev1/imports/preview", "application/json",
		strings.NewReader(`{"rows":[{"name":"Ada","regNo":12345678901234567890,"email":"ada@example.com"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var preview previewResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&preview))
	require.Len(t, preview.Valid, 1)
	assert.Equal(t, "12345678901234567890", preview.Valid[0].Item.Fields["regNo"])
}

func TestHandoffDeliver_RejectsNonRowPayload(t *testing.T) {
	h := newHarness(t)
	var sess sessionResponse
	h.postJSON(t, "/api/handoff/sessions", nil, &sess)
	deliver := "/api/handoff/sessions/" + sess.Token + "/payload"

	assert.Equal(t, http.StatusUnprocessableEntity, h.postJSON(t, deliver, []int{1, 2}, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, h.postJSON(t, deliver, "rows", nil))

	// The session is still waiting and accepts a well-formed payload.
	assert.Equal(t, http.StatusAccepted, h.postJSON(t, deliver, map[string]any{"rows": scenarioRows()}, nil))
}

func TestHandoffPoll_ReturnsPayloadOnce(t *testing.T) {
	h := newHarness(t)
	var sess sessionResponse
	h.postJSON(t, "/api/handoff/sessions", nil, &sess)
	h.postJSON(t, "/api/handoff/sessions/"+sess.Token+"/payload", []map[string]string{{"name": "Ada"}}, nil)

	get := func() pollResponse {
		resp, err := http.Get(h.srv.URL + "/api/handoff/sessions/" + sess.Token)
		require.NoError(t, err)
		defer resp.Body.Close()
		var p pollResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
		return p
	}
	first := get()
	assert.Equal(t, handoff.StatusReady, first.Status)
	assert.JSONEq(t, `[{"name":"Ada"}]`, string(first.Payload))
	assert.Equal(t, handoff.StatusExpired, get().Status)
}

func TestHandoffDeliver_Rejections(t *testing.T) {
	h := newHarness(t)
	token, err := handoff.NewToken()
	require.NoError(t, err)
	assert.Equal(t, http.StatusGone, h.postJSON(t, "/api/handoff/sessions/"+token+"/payload", map[string]any{}, nil))

	var sess sessionResponse
	h.postJSON(t, "/api/handoff/sessions", nil, &sess)
	resp, err := http.Post(h.srv.URL+"/api/handoff/sessions/"+sess.Token+"/payload", "application/json", strings.NewReader("{oops"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, http.StatusBadRequest, h.postJSON(t, "/api/handoff/sessions", map[string]string{"token": "guessable-1"}, nil))
	var re sessionResponse
	assert.Equal(t, http.StatusCreated, h.postJSON(t, "/api/handoff/sessions", map[string]string{"token": sess.Token}, &re))
	assert.Equal(t, sess.Token, re.Token)
	assert.True(t, sess.ExpiresAt.Equal(re.ExpiresAt), "re-registering keeps the original expiry")
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(h.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestRegistry_ClaimOnce(t *testing.T) {
	r := NewRegistry(time.Minute)
	p := r.AddPreview(&Preview{Kind: "registration"})
	j, err := r.Confirm(p.ID, domain.JobConfig{BatchSize: 1})
	require.NoError(t, err)

	_, err = r.Claim(j.ID)
	require.NoError(t, err)
	_, err = r.Claim(j.ID)
	assert.ErrorIs(t, err, ErrJobClaimed)

	r.Finish(j.ID)
	_, err = r.Claim(j.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRegistry_Expiry(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewRegistry(time.Minute)
	r.now = func() time.Time { return now }

	p := r.AddPreview(&Preview{})
	stale := r.AddPreview(&Preview{})
	j, err := r.Confirm(p.ID, domain.JobConfig{BatchSize: 1})
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = r.Confirm(stale.ID, domain.JobConfig{BatchSize: 1})
	assert.ErrorIs(t, err, ErrPreviewNotFound)
	_, err = r.Claim(j.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, 0, r.Sweep())
}
