package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"PrioMail/internal/csvparser"
	"PrioMail/internal/models"
	"PrioMail/internal/service"
)

type Handler struct {
	Svc *service.Service
	Log *zap.Logger
}

// Routes registers every endpoint of the admin surface on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /send", h.Send)
	mux.HandleFunc("POST /send-batch", h.SendBatch)
	mux.HandleFunc("POST /send-batch/csv", h.SendBatchCSV)
	mux.HandleFunc("GET /status/{id}", h.Status)
	mux.HandleFunc("GET /batch-status/{id}", h.BatchStatus)
	mux.HandleFunc("GET /group-status/{id}", h.GroupStatus)
	mux.HandleFunc("POST /cancel/{id}", h.Cancel)
	mux.HandleFunc("POST /cancel-batch/{id}", h.CancelBatch)
	mux.HandleFunc("POST /retry/{id}", h.Retry)
	mux.HandleFunc("GET /stats", h.Stats)
	mux.HandleFunc("POST /prune", h.Prune)
	mux.HandleFunc("GET /healthz", h.Health)
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req service.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID, err := h.Svc.Send(req)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (h *Handler) SendBatch(w http.ResponseWriter, r *http.Request) {
	var req service.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.Svc.SendBatch(req)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

// SendBatchCSV accepts a multipart form with a "recipients" CSV (Email column
// plus arbitrary fields) and body text carrying {{Field}} placeholders. One
// task per row, all sharing a batch label.
func (h *Handler) SendBatchCSV(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, _, err := r.FormFile("recipients")
	if err != nil {
		writeError(w, http.StatusBadRequest, "recipients file is required")
		return
	}
	defer file.Close()

	recipients, err := csvparser.ParseRecipients(file, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	htmlBody := r.FormValue("html_body")
	textBody := r.FormValue("text_body")

	items := make([]service.BatchItem, 0, len(recipients))
	for _, rec := range recipients {
		items = append(items, service.BatchItem{
			Recipient: rec.Email,
			HTMLBody:  csvparser.Substitute(htmlBody, rec.Fields),
			TextBody:  csvparser.Substitute(textBody, rec.Fields),
		})
	}

	result, err := h.Svc.SendBatch(service.BatchRequest{
		Subject:  r.FormValue("subject"),
		Items:    items,
		Priority: r.FormValue("priority"),
		GroupID:  r.FormValue("group_id"),
		BatchID:  r.FormValue("batch_id"),
	})
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	rec := h.Svc.Status(r.PathValue("id"))
	if rec == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) BatchStatus(w http.ResponseWriter, r *http.Request) {
	bs := h.Svc.BatchStatus(r.PathValue("id"))
	if bs == nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, bs)
}

func (h *Handler) GroupStatus(w http.ResponseWriter, r *http.Request) {
	gs := h.Svc.GroupStatus(r.PathValue("id"))
	if gs == nil {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.Svc.Cancel(id) {
		writeError(w, http.StatusConflict, "task already dequeued, finished or unknown")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(models.StatusCancelled)})
}

func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cancelled := h.Svc.CancelBatch(id)
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": id, "cancelled": cancelled})
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.Svc.Retry(id) {
		writeError(w, http.StatusConflict, "task is not in a failed state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(models.StatusQueued)})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Svc.Stats())
}

func (h *Handler) Prune(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.FormValue("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		days = parsed
	}

	removed := h.Svc.Prune(days)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
