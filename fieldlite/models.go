// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

// StagedScan is one captured tag that has not been finalized yet.
type StagedScan struct {
	ID         int64  `json:"id"`
	Identifier string `json:"identifier"`
	ScannedAt  string `json:"scanned_at"` // RFC3339 UTC
	Category   string `json:"category"`
	Quantity   int64  `json:"quantity"`
}

// FinalizedRecord is an immutable aggregate of one finalized batch. Snapshot
// and DocumentNumber never change after creation; Synced/RemoteID/RemoteError
// are written exactly once each by the sync worker.
type FinalizedRecord struct {
	LocalID        int64             `json:"local_id"`
	DocumentNumber string            `json:"document_number"`
	CreatedAt      string            `json:"created_at"`
	Total          int64             `json:"total"`
	Snapshot       []StagedScan      `json:"snapshot"`
	Attributes     map[string]string `json:"attributes"`
	Synced         bool              `json:"synced"`
	RemoteID       string            `json:"remote_id,omitempty"`
	RemoteError    string            `json:"remote_error,omitempty"`
}

// ScanResult is the discriminated outcome of a Scan call. A duplicate is an
// expected result, not an error: nothing was written and the caller should
// prompt for another scan.
type ScanResult struct {
	Accepted   bool
	Duplicate  bool
	Identifier string
	StagedID   int64 // local id of the staged row when Accepted
}

// RecordFilter narrows ListFinalizedRecords and ObserveRecords.
type RecordFilter struct {
	OnlyUnsynced bool
	Limit        int // 0 = no limit
}

// SyncReport summarizes one completed sync cycle.
type SyncReport struct {
	Uploaded int
	Failed   int
	Message  string // terminal message for the UI
}

// SyncProgress is one progress event for the running cycle. Fraction is
// monotonically increasing within a cycle; Terminal marks the last event.
type SyncProgress struct {
	Fraction float64
	Message  string
	Terminal bool
}
