// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"fmt"
)

// Scan is the deduplication gate. It accepts a scanned tag into the staging
// batch unless the identifier already exists in the batch or in the
// idempotency ledger (synced or not — a finalized-but-unsynced record still
// blocks re-scanning). The duplicate check and the insert run in one
// transaction so two near-simultaneous scans of the same tag cannot both pass.
func (c *Client) Scan(ctx context.Context, identifier, scannedAt, category string, quantity int64) (ScanResult, error) {
	if identifier == "" {
		return ScanResult{}, ErrEmptyIdentifier
	}
	if quantity < 0 {
		return ScanResult{}, ErrNegativeQuantity
	}
	if scannedAt == "" {
		scannedAt = c.config.now().Format(timeLayout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return ScanResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Both checks read the durable store, not an in-memory cache, so the gate
	// survives process restarts mid-session.
	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM staged_scans WHERE identifier = ?)
		    OR EXISTS(SELECT 1 FROM scan_ledger WHERE identifier = ?)
	`, identifier, identifier).Scan(&exists)
	if err != nil {
		return ScanResult{}, fmt.Errorf("failed to check for duplicate: %w", err)
	}
	if exists {
		c.logger.Debug("Rejected duplicate scan", "identifier", identifier)
		return ScanResult{Duplicate: true, Identifier: identifier}, nil
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO staged_scans (identifier, scanned_at, category, quantity)
		VALUES (?, ?, ?, ?)
	`, identifier, scannedAt, category, quantity)
	if err != nil {
		return ScanResult{}, fmt.Errorf("failed to stage scan: %w", err)
	}
	stagedID, err := res.LastInsertId()
	if err != nil {
		return ScanResult{}, fmt.Errorf("failed to read staged id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ScanResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	c.hub.notify()
	return ScanResult{Accepted: true, Identifier: identifier, StagedID: stagedID}, nil
}

// StagedScans returns the current batch in capture order.
func (c *Client) StagedScans(ctx context.Context) ([]StagedScan, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, identifier, scanned_at, category, quantity
		FROM staged_scans
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query staged scans: %w", err)
	}
	defer rows.Close()

	var scans []StagedScan
	for rows.Next() {
		var s StagedScan
		if err := rows.Scan(&s.ID, &s.Identifier, &s.ScannedAt, &s.Category, &s.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan staged row: %w", err)
		}
		scans = append(scans, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating staged scans: %w", err)
	}
	return scans, nil
}

// StagedCount returns the size of the current batch.
func (c *Client) StagedCount(ctx context.Context) (int, error) {
	var count int
	if err := c.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM staged_scans`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count staged scans: %w", err)
	}
	return count, nil
}

// ClearBatch discards every staged scan without finalizing (explicit user
// cancel). Ledger entries are untouched.
func (c *Client) ClearBatch(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.DB.ExecContext(ctx, `DELETE FROM staged_scans`); err != nil {
		return fmt.Errorf("failed to clear batch: %w", err)
	}
	c.hub.notify()
	return nil
}
