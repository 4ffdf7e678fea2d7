// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fieldops/go-fieldsync/fieldsync"
)

// RequestSync asks for a sync cycle without blocking. Triggers arriving while
// a cycle runs are coalesced into a single re-run, never stacked.
func (c *Client) RequestSync() {
	select {
	case c.trigger <- struct{}{}:
	default: // a wakeup is already pending
	}
}

// SyncRunning reports whether a cycle is currently in flight.
func (c *Client) SyncRunning() bool {
	return atomic.LoadInt32(&c.syncRunning) == 1
}

// Start launches the worker supervisor: a single goroutine that runs sync
// cycles on explicit triggers, on offline→online transitions while unsynced
// records exist, and optionally on a periodic re-trigger. It exits when ctx
// is cancelled.
func (c *Client) Start(ctx context.Context) error {
	go c.supervisorLoop(ctx)
	return nil
}

func (c *Client) supervisorLoop(ctx context.Context) {
	var connCh <-chan bool
	if c.Monitor != nil {
		ch, cancel := c.Monitor.Subscribe()
		defer cancel()
		connCh = ch
	}

	var tick <-chan time.Time
	if c.config.ResyncInterval > 0 {
		ticker := time.NewTicker(c.config.ResyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.trigger:
			c.SyncNow(ctx)
		case online := <-connCh:
			if online {
				c.syncIfBacklog(ctx)
			}
		case <-tick:
			c.syncIfBacklog(ctx)
		}
	}
}

func (c *Client) syncIfBacklog(ctx context.Context) {
	count, err := c.UnsyncedCount(ctx)
	if err != nil {
		c.logger.Warn("Failed to count unsynced records", "error", err)
		return
	}
	if count > 0 {
		c.SyncNow(ctx)
	}
}

// SyncNow runs sync cycles until the coalesced re-run flag is clear. At most
// one caller executes cycles at a time; a concurrent caller just records a
// re-run request and returns immediately.
func (c *Client) SyncNow(ctx context.Context) SyncReport {
	if atomic.LoadInt32(&c.syncPaused) == 1 {
		return SyncReport{Message: "sync paused"}
	}
	if !atomic.CompareAndSwapInt32(&c.syncRunning, 0, 1) {
		atomic.StoreInt32(&c.runAgain, 1)
		return SyncReport{Message: "sync already running"}
	}

	var report SyncReport
	for {
		report = c.runSyncCycle(ctx)
		if ctx.Err() != nil {
			atomic.StoreInt32(&c.syncRunning, 0)
			return report
		}
		if atomic.CompareAndSwapInt32(&c.runAgain, 1, 0) {
			continue
		}
		atomic.StoreInt32(&c.syncRunning, 0)
		// A trigger may have raced our exit between the flag check and the
		// store above; reclaim the guard and serve it rather than losing it.
		if atomic.LoadInt32(&c.runAgain) == 1 && atomic.CompareAndSwapInt32(&c.syncRunning, 0, 1) {
			continue
		}
		return report
	}
}

// runSyncCycle attempts every currently unsynced record exactly once, oldest
// first. Per-record outcomes are independent: a failure leaves that record
// pending for a later cycle and never blocks the rest. Cancellation is
// honored between records, not mid-upload; records already marked synced stay
// synced.
func (c *Client) runSyncCycle(ctx context.Context) SyncReport {
	started := time.Now()
	c.running.publish(true)
	defer c.running.publish(false)

	records, err := c.unsyncedRecords(ctx)
	if err != nil {
		msg := fmt.Sprintf("sync failed: %v", err)
		c.progress.publish(SyncProgress{Fraction: 1, Message: msg, Terminal: true})
		return SyncReport{Message: msg}
	}

	total := len(records)
	if total == 0 {
		c.progress.publish(SyncProgress{Fraction: 1, Message: "nothing to upload", Terminal: true})
		return SyncReport{Message: "nothing to upload"}
	}

	if c.Monitor != nil && !c.Monitor.Online() {
		// Short-circuit the whole cycle; records stay pending untouched.
		c.progress.publish(SyncProgress{Fraction: 1, Message: "network offline", Terminal: true})
		c.logger.Info("Sync cycle skipped, network offline", "pending", total)
		return SyncReport{Failed: total, Message: "network offline"}
	}

	var uploaded, failed int
	var lastErr string
	cancelled := false
	for i := range records {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		rec := &records[i]

		identifiers, err := c.recordIdentifiers(ctx, rec.LocalID)
		if err == nil {
			var resp *fieldsync.RecordUpsertResponse
			resp, err = c.uploadRecord(ctx, rec, identifiers)
			if err == nil {
				err = c.markRecordSynced(ctx, rec.LocalID, resp.RemoteID)
			}
		}

		if err != nil {
			failed++
			lastErr = err.Error()
			c.recordRemoteError(ctx, rec.LocalID, lastErr)
			c.logger.Warn("Record upload failed",
				"document_number", rec.DocumentNumber, "error", err)
		} else {
			uploaded++
		}

		completed := uploaded + failed
		c.progress.publish(SyncProgress{
			Fraction: float64(completed) / float64(total),
			Message:  fmt.Sprintf("uploaded %d of %d", completed, total),
		})
	}

	report := SyncReport{Uploaded: uploaded, Failed: failed}
	switch {
	case cancelled:
		report.Message = fmt.Sprintf("sync cancelled after %d of %d", uploaded+failed, total)
	case failed > 0:
		report.Message = fmt.Sprintf("uploaded %d, failed %d: %s", uploaded, failed, lastErr)
	default:
		report.Message = fmt.Sprintf("uploaded %d records", uploaded)
	}
	c.progress.publish(SyncProgress{Fraction: 1, Message: report.Message, Terminal: true})

	if c.Metrics != nil {
		c.Metrics.ObserveCycle(ctx, CycleTiming{
			Records:   total,
			Uploaded:  uploaded,
			Failed:    failed,
			Duration:  time.Since(started),
			Cancelled: cancelled,
		})
	}
	if uploaded > 0 {
		c.hub.notify()
	}
	c.logger.Info("Sync cycle finished",
		"uploaded", uploaded, "failed", failed, "cancelled", cancelled,
		"duration", time.Since(started))
	return report
}

// unsyncedRecords snapshots the upload backlog at cycle start, oldest first.
func (c *Client) unsyncedRecords(ctx context.Context) ([]FinalizedRecord, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM harvest_records WHERE synced = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced records: %w", err)
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
		return nil, fmt.Errorf("error iterating unsynced records: %w", err)
	}
	return records, nil
}

// markRecordSynced flips the record and all its ledger entries to synced in
// one local transaction, only after confirmed remote acknowledgment.
func (c *Client) markRecordSynced(ctx context.Context, localID int64, remoteID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE harvest_records SET synced = 1, remote_id = ?, remote_error = NULL WHERE id = ?
	`, remoteID, localID); err != nil {
		return fmt.Errorf("failed to mark record synced: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE scan_ledger SET synced = 1 WHERE record_id = ?
	`, localID); err != nil {
		return fmt.Errorf("failed to mark ledger entries synced: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// recordRemoteError attaches the failure message to the pending record.
// Best-effort: a storage error here must not mask the upload error.
func (c *Client) recordRemoteError(ctx context.Context, localID int64, message string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.DB.ExecContext(ctx, `
		UPDATE harvest_records SET remote_error = ? WHERE id = ? AND synced = 0
	`, message, localID); err != nil {
		c.logger.Warn("Failed to persist remote error", "record", localID, "error", err)
	}
}
