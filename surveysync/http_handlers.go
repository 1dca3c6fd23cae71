// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package surveysync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
)

// ClientAuthenticator extracts both surveyor and device identity from HTTP requests
type ClientAuthenticator interface {
	GetSurveyorID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// RecordStore is the storage behind the HTTP handlers. *RecordService implements it.
type RecordStore interface {
	Insert(ctx context.Context, surveyorID, deviceID, table string, record map[string]any) (*StoredRecord, error)
	List(ctx context.Context, surveyorID, table string, limit int) (*ListResponse, error)
}

// maxRequestBytes bounds a request body independently of the per-record payload limit.
const maxRequestBytes = 4 << 20

// HTTPRecordHandlers provides HTTP handlers for the record API
type HTTPRecordHandlers struct {
	store         RecordStore
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPRecordHandlers creates a new instance of record handlers
func NewHTTPRecordHandlers(store RecordStore, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPRecordHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRecordHandlers{
		store:         store,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register installs the record API on mux. wrap, when non-nil, is applied to the
// authenticated endpoints (e.g. JWT and rate limiting middleware).
func (h *HTTPRecordHandlers) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("POST /records/{table}", wrap(http.HandlerFunc(h.HandleInsert)))
	mux.Handle("GET /records/{table}", wrap(http.HandlerFunc(h.HandleList)))
	mux.HandleFunc("GET /health", h.HandleHealth)
}

func (h *HTTPRecordHandlers) identity(w http.ResponseWriter, r *http.Request) (surveyorID, deviceID string, ok bool) {
	surveyorID, err := h.authenticator.GetSurveyorID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, err.Error())
		return "", "", false
	}
	deviceID, err = h.authenticator.GetDeviceID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, err.Error())
		return "", "", false
	}
	return surveyorID, deviceID, true
}

// HandleInsert stores one survey record
func (h *HTTPRecordHandlers) HandleInsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only POST method is allowed")
		return
	}
	surveyorID, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	table := r.PathValue("table")
	var record map[string]any
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(&record); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Request body is empty")
			return
		}
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Request body must be a JSON object")
		return
	}
	if record == nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Request body must be a JSON object")
		return
	}

	stored, err := h.store.Insert(r.Context(), surveyorID, deviceID, table, record)
	if err != nil {
		h.writeServiceError(w, err, CodeInsertFailed, "Failed to store record",
			"table", table, "surveyor_id", surveyorID, "device_id", deviceID)
		return
	}

	writeJSON(w, http.StatusCreated, stored, h.logger)
}

// HandleList returns the caller's records in a table, newest first
func (h *HTTPRecordHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only GET method is allowed")
		return
	}
	surveyorID, _, ok := h.identity(w, r)
	if !ok {
		return
	}

	limit := defaultListLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be an integer")
			return
		}
		if parsed < 1 || parsed > maxListLimit {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	table := r.PathValue("table")
	resp, err := h.store.List(r.Context(), surveyorID, table, limit)
	if err != nil {
		h.writeServiceError(w, err, CodeListFailed, "Failed to list records",
			"table", table, "surveyor_id", surveyorID)
		return
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}

// HandleHealth reports liveness. Devices use it as their connectivity probe.
func (h *HTTPRecordHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"}, h.logger)
}

func (h *HTTPRecordHandlers) writeServiceError(w http.ResponseWriter, err error, fallbackCode, fallbackMsg string, logArgs ...any) {
	switch {
	case errors.Is(err, ErrUnregisteredTable):
		writeError(w, http.StatusNotFound, CodeUnregisteredTable, err.Error())
	case errors.Is(err, ErrBadPayload):
		writeError(w, http.StatusUnprocessableEntity, CodeValidationFailed, err.Error())
	case errors.Is(err, ErrConstraintViolation):
		writeError(w, http.StatusConflict, CodeConstraintViolation, err.Error())
	case errors.Is(err, ErrServiceClosed):
		writeError(w, http.StatusServiceUnavailable, CodeServiceClosed, "Service is shutting down")
	default:
		h.logger.Error(fallbackMsg, append(logArgs, "error", err)...)
		writeError(w, http.StatusInternalServerError, fallbackCode, fallbackMsg)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
