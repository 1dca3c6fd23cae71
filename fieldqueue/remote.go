// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteStore is the relational store survey records are ultimately delivered to.
// Insert returns the stored row as echoed back by the remote.
//
// Implementations must report explicit data refusals as *RemoteError with ErrorKindRejection.
// Any other error is treated as a transient network failure.
type RemoteStore interface {
	Insert(ctx context.Context, table string, record Record) (Record, error)
}

// RemoteFunc adapts a function to RemoteStore.
type RemoteFunc func(ctx context.Context, table string, record Record) (Record, error)

func (f RemoteFunc) Insert(ctx context.Context, table string, record Record) (Record, error) {
	return f(ctx, table, record)
}

// HTTPRemote delivers records to a surveysync server with POST {BaseURL}/records/{table}.
type HTTPRemote struct {
	BaseURL string                                // e.g. "http://localhost:8080"
	Token   func(context.Context) (string, error) // returns JWT
	HTTP    *http.Client
}

// NewHTTPRemote creates an HTTP remote store client.
func NewHTTPRemote(baseURL string, tok func(context.Context) (string, error)) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   tok,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type insertResponse struct {
	ID          string    `json:"id"`
	Table       string    `json:"table"`
	SubmittedBy string    `json:"submitted_by"`
	DeviceID    string    `json:"device_id"`
	ReceivedAt  time.Time `json:"received_at"`
	Record      Record    `json:"record"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Insert posts record as JSON. Transport failures and 408/429/5xx responses come back as
// network-class errors; any other non-2xx status is a rejection carrying the server's code.
func (r *HTTPRemote) Insert(ctx context.Context, table string, record Record) (Record, error) {
	jsonData, err := json.Marshal(record)
	if err != nil {
		return nil, &RemoteError{Kind: ErrorKindRejection, Code: "encode_failed",
			Message: fmt.Sprintf("failed to marshal record: %v", err), Err: err}
	}

	endpoint := r.BaseURL + "/records/" + url.PathEscape(table)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return nil, NetworkError(fmt.Errorf("failed to get JWT token: %w", err))
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return nil, NetworkError(fmt.Errorf("failed to send HTTP request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, responseError(resp)
	}

	var insertResp insertResponse
	if err := json.NewDecoder(resp.Body).Decode(&insertResp); err != nil {
		// The row was accepted; a garbled echo must not cause a duplicate insert on retry.
		return record, nil
	}
	if insertResp.Record == nil {
		return record, nil
	}
	return insertResp.Record, nil
}

func responseError(resp *http.Response) *RemoteError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope errorResponse
	remoteErr := &RemoteError{StatusCode: resp.StatusCode}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
		remoteErr.Code = envelope.Error
		remoteErr.Message = envelope.Message
	} else {
		remoteErr.Message = strings.TrimSpace(string(body))
	}
	if remoteErr.Message == "" {
		remoteErr.Message = fmt.Sprintf("server returned status %d", resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		remoteErr.Kind = ErrorKindNetwork
	default:
		remoteErr.Kind = ErrorKindRejection
	}
	return remoteErr
}
