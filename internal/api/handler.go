package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Sithey/sharpmailer/internal/csvparser"
	"github.com/Sithey/sharpmailer/internal/dispatch"
	"github.com/Sithey/sharpmailer/internal/models"
	"github.com/Sithey/sharpmailer/internal/progress"
	"github.com/Sithey/sharpmailer/internal/store"
)

// streamInterval is the cadence of progress events on the SSE channel.
const streamInterval = 500 * time.Millisecond

type Handler struct {
	Engine  *dispatch.Engine
	Tracker *progress.Tracker
	Store   store.Store
	Log     *zap.Logger
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/campaigns/{campaignID}/send", h.SendCampaign)
	r.Post("/campaigns/{campaignID}/retry", h.RetryCampaign)
	r.Get("/campaigns/{campaignID}/progress", h.Progress)
	r.Delete("/campaigns/{campaignID}/logs", h.ClearLogs)
	r.Post("/mail/send", h.SendDirect)
	return r
}

type sendRequest struct {
	SMTP     models.SMTPConfig `json:"smtp"`
	Template models.Template   `json:"template"`
}

type retryRequest struct {
	SMTP       models.SMTPConfig `json:"smtp"`
	Template   models.Template   `json:"template"`
	FailedOnly *bool             `json:"failed_only"`
}

type directSendRequest struct {
	SMTP     models.SMTPConfig `json:"smtp"`
	Template models.Template   `json:"template"`
	Leads    []models.Lead     `json:"leads"`
}

func (h *Handler) SendCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// A detaching client must not interrupt the send loop; the run always
	// finishes (or fails) server-side.
	res, err := h.Engine.Dispatch(context.WithoutCancel(r.Context()), dispatch.Request{
		CampaignID: campaignID,
		SMTP:       req.SMTP,
		Template:   req.Template,
	})
	h.writeDispatchResult(w, res, err)
}

func (h *Handler) RetryCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	failedOnly := true
	if req.FailedOnly != nil {
		failedOnly = *req.FailedOnly
	}
	// The query parameter wins over the body field when both are present.
	if raw := r.URL.Query().Get("failedOnly"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid failedOnly parameter")
			return
		}
		failedOnly = v
	}

	res, err := h.Engine.Retry(context.WithoutCancel(r.Context()),
		campaignID, failedOnly, req.SMTP, req.Template)
	h.writeDispatchResult(w, res, err)
}

// SendDirect dispatches to an inline recipient list with no campaign record
// and therefore no locking. Accepts a JSON body, or a multipart form with a
// "leads" CSV file alongside "smtp" and "template" JSON fields.
func (h *Handler) SendDirect(w http.ResponseWriter, r *http.Request) {
	var req directSendRequest

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		if err := json.Unmarshal([]byte(r.FormValue("smtp")), &req.SMTP); err != nil {
			writeError(w, http.StatusBadRequest, "invalid smtp field")
			return
		}
		if err := json.Unmarshal([]byte(r.FormValue("template")), &req.Template); err != nil {
			writeError(w, http.StatusBadRequest, "invalid template field")
			return
		}
		file, _, err := r.FormFile("leads")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing leads file")
			return
		}
		defer file.Close()
		req.Leads, err = csvparser.ParseLeads(file, 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid leads csv: %v", err))
			return
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(req.Leads) == 0 {
		writeError(w, http.StatusBadRequest, "leads are required")
		return
	}

	res, err := h.Engine.Dispatch(context.WithoutCancel(r.Context()), dispatch.Request{
		Leads:    req.Leads,
		SMTP:     req.SMTP,
		Template: req.Template,
	})
	h.writeDispatchResult(w, res, err)
}

// Progress answers a one-shot JSON snapshot, or a server-sent event stream
// when the client asks for text/event-stream. The stream emits the counters
// every 500ms and ends once a run it observed in progress reaches its
// terminal state, or when the client disconnects.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	if _, err := h.Store.GetCampaign(r.Context(), campaignID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load campaign")
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.streamProgress(w, r, campaignID)
		return
	}

	snapshot, err := h.Tracker.Read(r.Context(), campaignID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"progress": snapshot,
	})
}

func (h *Handler) streamProgress(w http.ResponseWriter, r *http.Request, campaignID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	sawRun := false
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			snapshot, err := h.Tracker.Read(r.Context(), campaignID)
			if err != nil {
				h.Log.Error("progress stream read failed",
					zap.String("campaign_id", campaignID),
					zap.Error(err),
				)
				return
			}

			event := "progress"
			if sawRun && !snapshot.InProgress {
				event = "complete"
			}
			payload, _ := json.Marshal(snapshot)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
			flusher.Flush()

			if event == "complete" {
				return
			}
			if snapshot.InProgress {
				sawRun = true
			}
		}
	}
}

func (h *Handler) ClearLogs(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	if _, err := h.Store.GetCampaign(r.Context(), campaignID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load campaign")
		return
	}

	if err := h.Store.ClearSendLogs(r.Context(), campaignID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear logs")
		return
	}
	note := "Logs cleared"
	if err := h.Store.UpdateCampaign(r.Context(), campaignID, store.CampaignPatch{Description: &note}); err != nil {
		h.Log.Error("failed to reset campaign status",
			zap.String("campaign_id", campaignID),
			zap.Error(err),
		)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) writeDispatchResult(w http.ResponseWriter, res *dispatch.Result, err error) {
	if err != nil {
		var setupErr *dispatch.SetupError
		switch {
		case errors.Is(err, dispatch.ErrCampaignBusy):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, dispatch.ErrCampaignNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, dispatch.ErrNoRecipients), errors.Is(err, dispatch.ErrNothingToRetry):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &setupErr):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			h.Log.Error("dispatch failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to send emails")
		}
		return
	}

	body := map[string]any{
		"success": res.Err == nil,
		"total":   res.Total,
		"sent":    res.Success,
		"failed":  res.Failure,
		"results": res.Outcomes,
	}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
