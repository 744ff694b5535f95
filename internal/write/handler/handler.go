// Package handler exposes the write master over HTTP.
//
// Route table:
//
//	POST   /api/v1/writes              → submit a document write
//	GET    /api/v1/documents/{id}      → document record and lock state
//	GET    /health/live, /health/ready → health checks
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MatthewMawby/SearchIndex/internal/document"
	"github.com/MatthewMawby/SearchIndex/internal/write"
	"github.com/MatthewMawby/SearchIndex/internal/write/validator"
	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
	"github.com/MatthewMawby/SearchIndex/pkg/health"
	"github.com/MatthewMawby/SearchIndex/pkg/logger"
	"github.com/MatthewMawby/SearchIndex/pkg/metrics"
	"github.com/MatthewMawby/SearchIndex/pkg/middleware"
)

const maxBodyBytes = 16 << 20

// Writer is implemented by *master.Master.
type Writer interface {
	Write(ctx context.Context, req *write.Request) (*write.Response, error)
}

type Handler struct {
	master    Writer
	documents document.Store
	logger    *slog.Logger
}

func New(master Writer, docs document.Store) *Handler {
	return &Handler{
		master:    master,
		documents: docs,
		logger:    slog.Default().With("component", "write-handler"),
	}
}

// Router builds the HTTP handler with metrics and request timeout
// middleware. m may be nil.
func (h *Handler) Router(checker *health.Checker, m *metrics.Metrics, timeout time.Duration) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/writes", h.Write)
	mux.HandleFunc("GET /api/v1/documents/{id}", h.GetDocument)
	for pattern, route := range checker.Routes() {
		mux.Handle("GET "+pattern, route)
	}

	mws := []func(http.Handler) http.Handler{middleware.Timeout(timeout)}
	if m != nil {
		mws = append([]func(http.Handler) http.Handler{middleware.Metrics(m)}, mws...)
	}
	return middleware.Chain(mux, mws...)
}

func (h *Handler) Write(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxBodyBytes {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	req, err := validator.ParseRequest(body)
	if err != nil {
		h.writeValidation(w, err)
		return
	}

	resp, err := h.master.Write(r.Context(), req)
	if err != nil {
		var validationErr *validator.ValidationError
		if errors.As(err, &validationErr) {
			h.writeValidation(w, err)
			return
		}
		statusCode := apperrors.HTTPStatusCode(err)
		message := "write failed"
		if errors.Is(err, apperrors.ErrDocumentLocked) {
			message = "document locked"
		}
		logger.FromContext(r.Context()).Warn("write request failed",
			"doc_id", req.DocumentID,
			"error", err,
			"status_code", statusCode,
		)
		h.writeError(w, statusCode, message)
		return
	}

	status := http.StatusAccepted
	if resp.Status == write.StatusCompleted {
		status = http.StatusOK
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.documents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		if statusCode == http.StatusNotFound {
			h.writeError(w, statusCode, "document not found")
			return
		}
		h.logger.Error("document lookup failed", "error", err)
		h.writeError(w, statusCode, "document lookup failed")
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) writeValidation(w http.ResponseWriter, err error) {
	var validationErr *validator.ValidationError
	if errors.As(err, &validationErr) {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": validationErr.Fields,
		})
		return
	}
	h.writeError(w, http.StatusBadRequest, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
