// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

func scanRecordRow(scan func(dest ...any) error) (FinalizedRecord, error) {
	var rec FinalizedRecord
	var snapshot, attrs string
	var synced int
	var remoteID, remoteError sql.NullString
	if err := scan(&rec.LocalID, &rec.DocumentNumber, &rec.CreatedAt, &rec.Total,
		&snapshot, &attrs, &synced, &remoteID, &remoteError); err != nil {
		return rec, err
	}
	rec.Synced = synced != 0
	rec.RemoteID = remoteID.String
	rec.RemoteError = remoteError.String
	if err := json.Unmarshal([]byte(snapshot), &rec.Snapshot); err != nil {
		return rec, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
		return rec, fmt.Errorf("failed to unmarshal attributes: %w", err)
	}
	return rec, nil
}

const recordColumns = `id, document_number, created_at, total, snapshot, attributes, synced, remote_id, remote_error`

// ListFinalizedRecords returns finalized records, newest first.
func (c *Client) ListFinalizedRecords(ctx context.Context, filter RecordFilter) ([]FinalizedRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM harvest_records`
	var args []any
	if filter.OnlyUnsynced {
		query += ` WHERE synced = 0`
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := c.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []FinalizedRecord
	for rows.Next() {
		rec, err := scanRecordRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// GetRecord loads one finalized record by local id.
func (c *Client) GetRecord(ctx context.Context, localID int64) (*FinalizedRecord, error) {
	row := c.DB.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM harvest_records WHERE id = ?`, localID)
	rec, err := scanRecordRow(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("failed to load record %d: %w", localID, err)
	}
	return &rec, nil
}

// UnsyncedCount returns how many finalized records still await upload.
func (c *Client) UnsyncedCount(ctx context.Context) (int, error) {
	var count int
	err := c.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM harvest_records WHERE synced = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced records: %w", err)
	}
	return count, nil
}

// recordIdentifiers returns the ledger identifiers owned by a record.
func (c *Client) recordIdentifiers(ctx context.Context, localID int64) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT identifier FROM scan_ledger WHERE record_id = ? ORDER BY identifier`, localID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger identifiers: %w", err)
	}
	defer rows.Close()

	var identifiers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan ledger identifier: %w", err)
		}
		identifiers = append(identifiers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger identifiers: %w", err)
	}
	return identifiers, nil
}

// DeleteRecords removes finalized records and their ledger entries in one
// local transaction, then issues best-effort compensating deletes against the
// backend. Remote failures are logged, never surfaced: local deletion wins and
// an orphaned remote record is accepted over blocking the user.
func (c *Client) DeleteRecords(ctx context.Context, localIDs []int64) error {
	if len(localIDs) == 0 {
		return nil
	}

	c.writeMu.Lock()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		c.writeMu.Unlock()
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	var documentNumbers []string
	commit := func() error {
		defer c.writeMu.Unlock()
		defer tx.Rollback()

		for _, localID := range localIDs {
			var documentNumber string
			err := tx.QueryRowContext(ctx,
				`SELECT document_number FROM harvest_records WHERE id = ?`, localID).Scan(&documentNumber)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to load record %d: %w", localID, err)
			}

			if _, err := tx.ExecContext(ctx,
				`DELETE FROM scan_ledger WHERE record_id = ?`, localID); err != nil {
				return fmt.Errorf("failed to delete ledger entries for record %d: %w", localID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM harvest_records WHERE id = ?`, localID); err != nil {
				return fmt.Errorf("failed to delete record %d: %w", localID, err)
			}
			documentNumbers = append(documentNumbers, documentNumber)
		}

		return tx.Commit()
	}
	if err := commit(); err != nil {
		return err
	}

	c.hub.notify()

	for _, documentNumber := range documentNumbers {
		if err := c.deleteRemoteRecord(ctx, documentNumber); err != nil {
			c.logger.Warn("Compensating remote delete failed",
				"document_number", documentNumber, "error", err)
		}
	}

	return nil
}

// PruneLedger removes synced ledger entries older than the configured
// retention horizon. With LedgerRetention zero this is a no-op: by default
// identifiers block re-scanning forever. Never called implicitly.
func (c *Client) PruneLedger(ctx context.Context) (int64, error) {
	if c.config.LedgerRetention <= 0 {
		return 0, nil
	}
	horizon := c.config.now().Add(-c.config.LedgerRetention).Format(timeLayout)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	res, err := c.DB.ExecContext(ctx, `
		DELETE FROM scan_ledger
		WHERE synced = 1
		  AND record_id IN (SELECT id FROM harvest_records WHERE created_at < ?)
	`, horizon)
	if err != nil {
		return 0, fmt.Errorf("failed to prune ledger: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned ledger entries: %w", err)
	}
	if pruned > 0 {
		c.hub.notify()
		c.logger.Info("Pruned synced ledger entries", "count", pruned, "before", horizon)
	}
	return pruned, nil
}
