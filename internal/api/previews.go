package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/rollcall/internal/batch"
	"github.com/dontdude/rollcall/internal/classify"
	"github.com/dontdude/rollcall/internal/domain"
	"github.com/dontdude/rollcall/internal/handoff"
	"github.com/dontdude/rollcall/internal/platform/web"
)

const maxUploadBytes = 16 << 20

type previewResponse struct {
	PreviewID string              `json:"preview_id"`
	EventID   string              `json:"event_id"`
	Kind      string              `json:"kind"`
	Stats     classify.Stats      `json:"stats"`
	Valid     []domain.Classified `json:"valid"`
	Rejected  []domain.Classified `json:"rejected"`
	ExpiresAt time.Time           `json:"expires_at"`
}

func newPreviewResponse(p *Preview) previewResponse {
	return previewResponse{
		PreviewID: p.ID,
		EventID:   p.EventID,
		Kind:      p.Kind,
		Stats:     p.Result.Stats,
		Valid:     p.Result.Valid,
		Rejected:  p.Result.Rejected,
		ExpiresAt: p.ExpiresAt,
	}
}

// identityOf copies the schema's required fields into job records.
func identityOf(schema classify.Schema) func(domain.WorkItem) map[string]string {
	return func(w domain.WorkItem) map[string]string {
		out := make(map[string]string, len(schema.Required))
		for _, f := range schema.Required {
			out[f] = w.Field(f)
		}
		return out
	}
}

// rowsPayload is the JSON shape of direct row submissions and handoff payloads.
// Values stay untyped so numeric cells survive until classification.
type rowsPayload struct {
	Rows []map[string]any `json:"rows"`
}

// decodeJSON decodes from r into v, keeping numbers exact.
func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec.Decode(v)
}

// parseRows accepts {"rows": [...]} or a bare array.
func parseRows(data []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		var rows []map[string]any
		if err := decodeJSON(bytes.NewReader(trimmed), &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
	var p rowsPayload
	if err := decodeJSON(bytes.NewReader(trimmed), &p); err != nil {
		return nil, err
	}
	return p.Rows, nil
}

type importRequest struct {
	Rows         []map[string]any `json:"rows"`
	HandoffToken string           `json:"handoff_token"`
}

// readImport normalizes the three input sources into work items.
func (s *Server) readImport(w http.ResponseWriter, r *http.Request) ([]domain.WorkItem, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch ct {
	case "multipart/form-data":
		f, _, err := r.FormFile("file")
		if err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("file field is required: %w", err)
		}
		defer f.Close()
		items, err := classify.FromCSV(f, classify.Registrations)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		return items, 0, nil

	case "text/csv":
		items, err := classify.FromCSV(r.Body, classify.Registrations)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		return items, 0, nil
	}

	var req importRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		return nil, http.StatusBadRequest, errors.New("invalid request body")
	}
	if req.HandoffToken == "" {
		return classify.FromRecords(req.Rows, classify.Registrations), 0, nil
	}

	res, err := s.deps.Broker.Poll(r.Context(), req.HandoffToken)
	if err != nil {
		return nil, http.StatusServiceUnavailable, err
	}
	switch res.Status {
	case handoff.StatusWaiting:
		return nil, http.StatusConflict, errors.New("handoff payload not delivered yet")
	case handoff.StatusExpired:
		return nil, http.StatusGone, errors.New("handoff session expired")
	}
	rows, err := parseRows(res.Payload)
	if err != nil {
		return nil, http.StatusUnprocessableEntity, fmt.Errorf("handoff payload: %w", err)
	}
	return classify.FromRecords(rows, classify.Registrations), 0, nil
}

func (s *Server) handleImportPreview(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventID")

	items, status, err := s.readImport(w, r)
	if err != nil {
		web.WriteError(w, status, err.Error())
		return
	}
	if len(items) > s.cfg.Jobs.MaxItems {
		web.WriteError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d rows per import", s.cfg.Jobs.MaxItems))
		return
	}

	existing, err := s.deps.Store.Keys(r.Context(), eventID)
	if err != nil {
		slog.Error("Failed to snapshot registration keys", "eventID", eventID, "error", err)
		web.WriteError(w, http.StatusServiceUnavailable, "registration store unavailable")
		return
	}

	res := classify.Classify(items, classify.Registrations, existing)
	p := s.registry.AddPreview(&Preview{
		EventID:  eventID,
		Kind:     classify.Registrations.Kind,
		Result:   res,
		Effect:   batch.RegistrationEffect(s.deps.Store, eventID),
		Identity: identityOf(classify.Registrations),
		Pacing:   domain.JobConfig{BatchSize: s.cfg.Jobs.Import.BatchSize, DelayMs: s.cfg.Jobs.Import.DelayMs},
	})

	slog.Info("Import previewed", "eventID", eventID, "previewID", p.ID,
		"total", res.Stats.Total, "valid", res.Stats.ValidCount, "rejected", res.Stats.RejectedCount)
	web.WriteJSON(w, http.StatusOK, newPreviewResponse(p))
}

type notificationRequest struct {
	CampaignID string           `json:"campaign_id"`
	Subject    string           `json:"subject"`
	Body       string           `json:"body"`
	Recipients []map[string]any `json:"recipients"`
}

func (s *Server) handleNotificationPreview(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventID")

	var req notificationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := decodeJSON(r.Body, &req); err != nil {
		web.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Recipients) > s.cfg.Jobs.MaxItems {
		web.WriteError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d recipients per dispatch", s.cfg.Jobs.MaxItems))
		return
	}
	if req.CampaignID == "" {
		req.CampaignID = uuid.NewString()
	}
	campaign, err := batch.NewCampaign(req.CampaignID, eventID, req.Subject, req.Body)
	if err != nil {
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := s.deps.SentLog.Keys(r.Context(), campaign.ID)
	if err != nil {
		slog.Error("Failed to snapshot sent log", "campaignID", campaign.ID, "error", err)
		web.WriteError(w, http.StatusServiceUnavailable, "sent log unavailable")
		return
	}

	items := classify.FromRecords(req.Recipients, classify.Recipients)
	res := classify.Classify(items, classify.Recipients, existing)
	p := s.registry.AddPreview(&Preview{
		EventID:  eventID,
		Kind:     classify.Recipients.Kind,
		Result:   res,
		Effect:   batch.NotificationEffect(s.deps.Messenger, s.deps.SentLog, campaign),
		Identity: identityOf(classify.Recipients),
		Pacing:   domain.JobConfig{BatchSize: s.cfg.Jobs.Notify.BatchSize, DelayMs: s.cfg.Jobs.Notify.DelayMs},
	})

	slog.Info("Notification previewed", "eventID", eventID, "campaignID", campaign.ID, "previewID", p.ID,
		"total", res.Stats.Total, "valid", res.Stats.ValidCount)
	web.WriteJSON(w, http.StatusOK, struct {
		previewResponse
		CampaignID string `json:"campaign_id"`
	}{newPreviewResponse(p), campaign.ID})
}
