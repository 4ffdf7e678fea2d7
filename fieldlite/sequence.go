// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// timeLayout matches SQLite's strftime('%Y-%m-%dT%H:%M:%fZ','now') output.
const timeLayout = "2006-01-02T15:04:05.000Z"

// nextDocumentNumber reads, rolls over and increments the counter for a
// category inside the caller's transaction, so two concurrent finalizations
// can never receive the same number.
//
// A month rollover resets every counter, not just the one being read: all
// counters share a billing period.
func nextDocumentNumber(tx *sql.Tx, rule SequenceRule, category string, now time.Time) (string, int64, error) {
	month := int(now.Month())
	year := now.Year()

	var counter int64
	var storedMonth, storedYear int
	err := tx.QueryRow(`
		SELECT counter, month, year FROM seq_counters WHERE category = ?
	`, category).Scan(&counter, &storedMonth, &storedYear)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(`
			INSERT INTO seq_counters (category, counter, month, year) VALUES (?, 0, ?, ?)
		`, category, month, year); err != nil {
			return "", 0, fmt.Errorf("failed to create sequence counter: %w", err)
		}
		counter, storedMonth, storedYear = 0, month, year
	case err != nil:
		return "", 0, fmt.Errorf("failed to read sequence counter: %w", err)
	}

	if storedMonth != month || storedYear != year {
		if _, err := tx.Exec(`
			UPDATE seq_counters SET counter = 0, month = ?, year = ?
		`, month, year); err != nil {
			return "", 0, fmt.Errorf("failed to roll over sequence counters: %w", err)
		}
		counter = 0
	}

	counter++
	if _, err := tx.Exec(`
		UPDATE seq_counters SET counter = ? WHERE category = ?
	`, counter, category); err != nil {
		return "", 0, fmt.Errorf("failed to persist sequence counter: %w", err)
	}

	return FormatDocumentNumber(rule, year, month, counter), counter, nil
}

// FormatDocumentNumber renders a document number from its components, e.g.
// ("HV", pad 5) in August 2026 with sequence 42 -> "HV-202608-00042".
// Pure function; no hidden state beyond the counter value passed in.
func FormatDocumentNumber(rule SequenceRule, year, month int, seq int64) string {
	pad := rule.Pad
	if pad <= 0 {
		pad = 5
	}
	prefix := rule.Prefix
	if prefix == "" {
		prefix = "DOC"
	}
	return fmt.Sprintf("%s-%04d%02d-%0*d", prefix, year, month, pad, seq)
}

// sequenceRule resolves the numbering rule for a category key.
func (c *Config) sequenceRule(category string) SequenceRule {
	if rule, ok := c.Sequences[category]; ok {
		return rule
	}
	return c.DefaultSequence
}
