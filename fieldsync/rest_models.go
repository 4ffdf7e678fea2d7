// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models shared by the HTTP API and the device client.
// The device uploads whole finalized records keyed by document number;
// there is no row-level change feed.

// RecordUpsert is the body of PUT /sync/records/{documentNumber}.
// Note: user_id and device_id are derived from JWT claims, not from the body.
type RecordUpsert struct {
	DocumentNumber string            `json:"document_number"`
	CreatedAt      string            `json:"created_at"` // RFC3339 UTC, device clock
	Total          int64             `json:"total"`
	Snapshot       json.RawMessage   `json:"snapshot"`   // staged scans embedded verbatim
	Attributes     map[string]string `json:"attributes"` // operator, vehicle, block, ...
	Identifiers    []string          `json:"identifiers"`
}

// RecordUpsertResponse echoes the server-side identity of the record.
// RemoteID is stable across retried uploads of the same document number.
type RecordUpsertResponse struct {
	RemoteID string `json:"remote_id"`
	Applied  bool   `json:"applied"` // false when the upload was an idempotent replay
}

// RecordDeleteResponse reports the outcome of DELETE /sync/records/{documentNumber}.
type RecordDeleteResponse struct {
	Deleted bool `json:"deleted"` // false when no such record existed (treated as success)
}

// RemoteRecord is one record in GET /sync/records responses.
type RemoteRecord struct {
	RemoteID       string            `json:"remote_id"`
	DocumentNumber string            `json:"document_number"`
	DeviceID       string            `json:"device_id"`
	CreatedAt      string            `json:"created_at"`
	ReceivedAt     time.Time         `json:"received_at"`
	Total          int64             `json:"total"`
	Snapshot       json.RawMessage   `json:"snapshot"`
	Attributes     map[string]string `json:"attributes"`
}

// RecordListResponse is the body of GET /sync/records.
type RecordListResponse struct {
	Records []RemoteRecord `json:"records"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
