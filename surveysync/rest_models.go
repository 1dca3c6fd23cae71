// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package surveysync

import (
	"time"

	"github.com/google/uuid"
)

// StoredRecord is a survey record as persisted by the service. It is the response body of
// POST /records/{table}.
type StoredRecord struct {
	ID          uuid.UUID      `json:"id"`
	Table       string         `json:"table"`
	SubmittedBy string         `json:"submitted_by"`
	DeviceID    string         `json:"device_id"`
	ReceivedAt  time.Time      `json:"received_at"`
	Record      map[string]any `json:"record"`
}

// ListResponse is the response body of GET /records/{table}.
type ListResponse struct {
	Table   string         `json:"table"`
	Count   int            `json:"count"`
	Records []StoredRecord `json:"records"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is the response body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
