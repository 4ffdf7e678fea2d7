// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the backend tables within an existing transaction.
// Uniqueness of (user_id, document_number) and (user_id, identifier) is what makes
// retried uploads idempotent rather than duplicating.
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Dedicated schema so the backend can share a database with other services
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS fieldsync`,

		// One row per finalized record uploaded by a device. Snapshot and
		// attributes are stored as the device sent them, for audit display.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fieldsync.records (
			record_uid      UUID        PRIMARY KEY,
			user_id         TEXT        NOT NULL,
			document_number TEXT        NOT NULL,
			device_id       TEXT        NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			received_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			total           BIGINT      NOT NULL,
			snapshot        JSON        NOT NULL,
			attributes      JSON        NOT NULL,
			UNIQUE (user_id, document_number)
		)`,

		// Server-side mirror of the device idempotency ledger. One row per
		// scanned identifier that was ever finalized by this user.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fieldsync.scan_ledger (
			user_id         TEXT        NOT NULL,
			identifier      TEXT        NOT NULL,
			document_number TEXT        NOT NULL,
			received_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, identifier)
		)`,

		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_scan_ledger_document
			ON fieldsync.scan_ledger (user_id, document_number)`,

		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_records_received
			ON fieldsync.records (user_id, received_at)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run schema migration: %w", err)
		}
	}

	return nil
}
