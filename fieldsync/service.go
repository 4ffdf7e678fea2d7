// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncService provides the backend half of the field sync contract:
// a keyed idempotent upsert and a keyed delete, both addressed by
// (user, document number). This is the component application servers embed.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName         string // Application name for connection tracking
	MaxPayloadBytes int    // Maximum snapshot size per record in bytes (0 = unlimited)
	MaxIdentifiers  int    // Maximum ledger identifiers per record (0 = unlimited)
}

// NewSyncService creates a new sync service instance from an existing pool.
// The backend schema is created on first use.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "go-fieldsync-app"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return service.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		logger.Error("Failed to initialize backend schema", "error", err)
		return nil, fmt.Errorf("failed to initialize backend schema: %w", err)
	}

	return service, nil
}

// Close releases the service. The pool is owned by the caller and is not closed here.
func (s *SyncService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Validation reason codes surfaced in ErrorResponse.Error.
const (
	ReasonBadPayload       = "bad_payload"
	ReasonPayloadTooLarge  = "payload_too_large"
	ReasonTooManyLedger    = "too_many_identifiers"
	ReasonMissingDocNumber = "missing_document_number"
)

// ValidationError marks a request the client must not retry unchanged.
type ValidationError struct {
	Reason  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (s *SyncService) validateUpsert(req *RecordUpsert) error {
	if req.DocumentNumber == "" {
		return &ValidationError{Reason: ReasonMissingDocNumber, Message: "document_number is required"}
	}
	if len(req.Snapshot) == 0 || !json.Valid(req.Snapshot) {
		return &ValidationError{Reason: ReasonBadPayload, Message: "snapshot must be valid JSON"}
	}
	if s.config.MaxPayloadBytes > 0 && len(req.Snapshot) > s.config.MaxPayloadBytes {
		return &ValidationError{
			Reason:  ReasonPayloadTooLarge,
			Message: fmt.Sprintf("snapshot exceeds %d bytes", s.config.MaxPayloadBytes),
		}
	}
	if s.config.MaxIdentifiers > 0 && len(req.Identifiers) > s.config.MaxIdentifiers {
		return &ValidationError{
			Reason:  ReasonTooManyLedger,
			Message: fmt.Sprintf("more than %d ledger identifiers", s.config.MaxIdentifiers),
		}
	}
	return nil
}

// UpsertRecord applies one finalized record upload. Safe to call repeatedly
// for the same (user, document number): the record row is overwritten in place
// keeping its original record_uid, and ledger identifiers are inserted at most
// once. Record and ledger rows commit in a single transaction.
func (s *SyncService) UpsertRecord(ctx context.Context, userID, deviceID string, req *RecordUpsert) (*RecordUpsertResponse, error) {
	if err := s.validateUpsert(req); err != nil {
		return nil, err
	}

	attrs := req.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attributes: %w", err)
	}

	var remoteID string
	var applied bool
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// xmax = 0 distinguishes a fresh insert from an idempotent replay.
		err := tx.QueryRow(ctx, /*language=postgresql*/ `
			INSERT INTO fieldsync.records
				(record_uid, user_id, document_number, device_id, created_at, received_at, total, snapshot, attributes)
			VALUES ($1, $2, $3, $4, $5::timestamptz, now(), $6, $7, $8)
			ON CONFLICT (user_id, document_number) DO UPDATE SET
				device_id  = EXCLUDED.device_id,
				total      = EXCLUDED.total,
				snapshot   = EXCLUDED.snapshot,
				attributes = EXCLUDED.attributes
			RETURNING record_uid, (xmax = 0)
		`, uuid.New(), userID, req.DocumentNumber, deviceID, req.CreatedAt,
			req.Total, string(req.Snapshot), string(attrsJSON)).Scan(&remoteID, &applied)
		if err != nil {
			return fmt.Errorf("failed to upsert record: %w", err)
		}

		for _, identifier := range req.Identifiers {
			if identifier == "" {
				continue
			}
			_, err := tx.Exec(ctx, /*language=postgresql*/ `
				INSERT INTO fieldsync.scan_ledger (user_id, identifier, document_number)
				VALUES ($1, $2, $3)
				ON CONFLICT (user_id, identifier) DO NOTHING
			`, userID, identifier, req.DocumentNumber)
			if err != nil {
				return fmt.Errorf("failed to upsert ledger identifier %s: %w", identifier, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Record upserted",
		"user_id", userID, "document_number", req.DocumentNumber,
		"applied", applied, "identifiers", len(req.Identifiers))

	return &RecordUpsertResponse{RemoteID: remoteID, Applied: applied}, nil
}

// DeleteRecord removes a record and every ledger identifier it owns. Missing
// records report Deleted=false without error so retried compensating deletes
// from devices stay idempotent.
func (s *SyncService) DeleteRecord(ctx context.Context, userID, documentNumber string) (*RecordDeleteResponse, error) {
	if documentNumber == "" {
		return nil, &ValidationError{Reason: ReasonMissingDocNumber, Message: "document_number is required"}
	}

	var deleted bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, /*language=postgresql*/ `
			DELETE FROM fieldsync.scan_ledger WHERE user_id = $1 AND document_number = $2
		`, userID, documentNumber); err != nil {
			return fmt.Errorf("failed to delete ledger identifiers: %w", err)
		}

		tag, err := tx.Exec(ctx, /*language=postgresql*/ `
			DELETE FROM fieldsync.records WHERE user_id = $1 AND document_number = $2
		`, userID, documentNumber)
		if err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Record deleted",
		"user_id", userID, "document_number", documentNumber, "existed", deleted)

	return &RecordDeleteResponse{Deleted: deleted}, nil
}

// ListRecords returns all records for a user ordered by arrival. Intended for
// verification tooling and ops dashboards, not for device consumption.
func (s *SyncService) ListRecords(ctx context.Context, userID string) ([]RemoteRecord, error) {
	rows, err := s.pool.Query(ctx, /*language=postgresql*/ `
		SELECT record_uid, document_number, device_id, created_at::text, received_at, total, snapshot, attributes
		FROM fieldsync.records
		WHERE user_id = $1
		ORDER BY received_at, document_number
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []RemoteRecord
	for rows.Next() {
		var rec RemoteRecord
		var snapshot, attrs string
		if err := rows.Scan(&rec.RemoteID, &rec.DocumentNumber, &rec.DeviceID,
			&rec.CreatedAt, &rec.ReceivedAt, &rec.Total, &snapshot, &attrs); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Snapshot = json.RawMessage(snapshot)
		if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}
