// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"encoding/json"
	"fmt"
)

// Finalize aggregates the current staging batch into one immutable record:
// it computes the total, assigns a document number, writes the record and one
// ledger entry per staged identifier, and clears the batch — all in a single
// transaction. No partial ledger/record state is ever observable.
//
// A successful finalize kicks the sync worker without blocking on network.
func (c *Client) Finalize(ctx context.Context, attributes map[string]string) (*FinalizedRecord, error) {
	if attributes == nil {
		attributes = map[string]string{}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, identifier, scanned_at, category, quantity
		FROM staged_scans
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging batch: %w", err)
	}
	var batch []StagedScan
	for rows.Next() {
		var s StagedScan
		if err := rows.Scan(&s.ID, &s.Identifier, &s.ScannedAt, &s.Category, &s.Quantity); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan staged row: %w", err)
		}
		batch = append(batch, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating staging batch: %w", err)
	}
	rows.Close()

	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}

	total := c.config.countedTotal(batch)

	now := c.config.now()
	category := attributes[c.config.CategoryAttribute]
	documentNumber, _, err := nextDocumentNumber(tx, c.config.sequenceRule(category), category, now)
	if err != nil {
		return nil, err
	}

	// The snapshot is marshalled once here and never rewritten.
	snapshot, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	attrsJSON, err := json.Marshal(attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attributes: %w", err)
	}

	createdAt := now.Format(timeLayout)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO harvest_records (document_number, created_at, total, snapshot, attributes, synced)
		VALUES (?, ?, ?, ?, ?, 0)
	`, documentNumber, createdAt, total, string(snapshot), string(attrsJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to insert finalized record: %w", err)
	}
	localID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read record id: %w", err)
	}

	for _, s := range batch {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scan_ledger (identifier, record_id, synced) VALUES (?, ?, 0)
		`, s.Identifier, localID); err != nil {
			return nil, fmt.Errorf("failed to insert ledger entry for %s: %w", s.Identifier, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM staged_scans`); err != nil {
		return nil, fmt.Errorf("failed to clear staging batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	c.hub.notify()
	c.logger.Info("Batch finalized",
		"document_number", documentNumber, "scans", len(batch), "total", total)

	// Fire-and-forget: finalize never blocks on network.
	c.RequestSync()

	return &FinalizedRecord{
		LocalID:        localID,
		DocumentNumber: documentNumber,
		CreatedAt:      createdAt,
		Total:          total,
		Snapshot:       batch,
		Attributes:     attributes,
	}, nil
}

// countedTotal sums the quantities contributing to a record total. Which
// categories count is explicit configuration (CountedCategories); empty means
// every staged scan counts.
func (c *Config) countedTotal(batch []StagedScan) int64 {
	if len(c.CountedCategories) == 0 {
		var total int64
		for _, s := range batch {
			total += s.Quantity
		}
		return total
	}

	counted := make(map[string]bool, len(c.CountedCategories))
	for _, cat := range c.CountedCategories {
		counted[cat] = true
	}
	var total int64
	for _, s := range batch {
		if counted[s.Category] {
			total += s.Quantity
		}
	}
	return total
}
