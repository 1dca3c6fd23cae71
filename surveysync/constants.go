// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package surveysync

// Error codes returned in ErrorResponse.Error
const (
	CodeInvalidRequest       = "invalid_request"
	CodeUnregisteredTable    = "unregistered_table"
	CodeValidationFailed     = "validation_failed"
	CodeConstraintViolation  = "constraint_violation"
	CodeAuthenticationFailed = "authentication_failed"
	CodeRateLimited          = "rate_limited"
	CodeInsertFailed         = "insert_failed"
	CodeListFailed           = "list_failed"
	CodeMethodNotAllowed     = "method_not_allowed"
	CodeServiceClosed        = "service_closed"
)

// Reserved record keys. They are local queue bookkeeping and must never be stored.
var reservedRecordKeys = []string{
	"localId", "enqueuedAt", "status", "attemptCount", "lastAttemptAt", "lastError",
	"local_id", "enqueued_at", "attempt_count", "last_attempt_at", "last_error",
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	recordsSchema    = "fieldsync"
)
