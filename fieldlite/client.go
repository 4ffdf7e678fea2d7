// Package fieldlite provides the on-device core for offline-first field
// capture: a durable SQLite store of staged scans, finalized harvest records
// and an idempotency ledger, plus the dedup gate, finalization pipeline and
// connectivity-gated sync worker that upload finalized records to a
// go-fieldsync backend.
//
// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Client owns the local SQLite database and all capture/sync operations.
// The UI layer only ever talks to the store through it.
type Client struct {
	DB       *sql.DB
	BaseURL  string
	Token    func(context.Context) (string, error) // returns JWT
	UserID   string
	DeviceID string
	HTTP     *http.Client
	Monitor  *Monitor // optional reachability signal; nil means always assume online
	Metrics  CycleMetricsRecorder

	config  *Config
	logger  *slog.Logger
	writeMu sync.Mutex // Serialize write transactions to prevent SQLite locking issues

	hub      *changeHub
	progress *broadcaster[SyncProgress]
	running  *broadcaster[bool]

	syncRunning int32 // single-flight guard for sync cycles
	runAgain    int32 // coalesced "run one more cycle" request
	syncPaused  int32
	trigger     chan struct{} // supervisor wakeup, capacity 1
}

// SequenceRule controls how document numbers are formatted for one category.
type SequenceRule struct {
	Prefix string // e.g. "HV" for harvest entries, "SHP" for shipments
	Pad    int    // zero-padding width of the sequence component
}

// Config holds configuration for the capture client
type Config struct {
	Sequences         map[string]SequenceRule // category key -> numbering rule
	DefaultSequence   SequenceRule            // used when the category has no rule
	CategoryAttribute string                  // finalize attribute that selects the rule (e.g. "kind")

	// CountedCategories names the scan categories whose quantities contribute
	// to a record's total. Empty means every staged scan counts. All scans are
	// embedded in the snapshot and the ledger regardless.
	CountedCategories []string

	// LedgerRetention bounds how long synced ledger entries are kept when
	// PruneLedger is called explicitly. Zero keeps them forever (default);
	// pruning is never implicit.
	LedgerRetention time.Duration

	// ResyncInterval makes the supervisor re-trigger a cycle periodically
	// while unsynced records exist. Zero disables periodic re-triggering.
	ResyncInterval time.Duration

	// Clock is used for sequence rollover checks and record timestamps.
	// Nil means time.Now. Tests inject a fixed clock.
	Clock func() time.Time
}

// DefaultConfig returns a configuration suitable for a single-category
// deployment. Callers register their own sequence rules per category.
func DefaultConfig() *Config {
	return &Config{
		Sequences:         map[string]SequenceRule{},
		DefaultSequence:   SequenceRule{Prefix: "DOC", Pad: 5},
		CategoryAttribute: "kind",
	}
}

func (c *Config) now() time.Time {
	if c.Clock != nil {
		return c.Clock().UTC()
	}
	return time.Now().UTC()
}

// NewClient creates a new capture client over an open SQLite database.
// The local schema is created on first use.
func NewClient(db *sql.DB, baseURL, userID, deviceID string, tok func(ctx context.Context) (string, error), config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if userID == "" {
		return nil, fmt.Errorf("userID must be provided")
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	client := &Client{
		DB:       db,
		BaseURL:  baseURL,
		Token:    tok,
		UserID:   userID,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 60 * time.Second},
		config:   config,
		logger:   slog.Default(),
		hub:      newChangeHub(),
		progress: newBroadcaster[SyncProgress](),
		running:  newBroadcaster[bool](),
		trigger:  make(chan struct{}, 1),
	}

	return client, nil
}

// SetLogger replaces the default slog logger.
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// PauseSync suspends sync cycles (RequestSync and the supervisor respect this flag)
func (c *Client) PauseSync() { atomic.StoreInt32(&c.syncPaused, 1) }

// ResumeSync resumes sync cycles
func (c *Client) ResumeSync() { atomic.StoreInt32(&c.syncPaused, 0) }

// EnsureDeviceID generates and persists a device ID if not already present,
// so reinstalls and process restarts keep a stable identity.
func EnsureDeviceID(db *sql.DB, userID string) (string, error) {
	if err := initializeDatabase(db); err != nil {
		return "", fmt.Errorf("failed to initialize database: %w", err)
	}

	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _device_info WHERE user_id = ?`, userID).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		_, err = db.Exec(`INSERT INTO _device_info (user_id, device_id) VALUES (?, ?)`, userID, deviceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert device info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query device info: %w", err)
	}
	return deviceID, nil
}

// initializeDatabase creates the capture tables (private function)
func initializeDatabase(db *sql.DB) error {
	// Enable WAL mode and foreign keys
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Device identity (one row per signed-in user)
		`CREATE TABLE IF NOT EXISTS _device_info (
			user_id    TEXT NOT NULL,
			device_id  TEXT NOT NULL,
			PRIMARY KEY (user_id)
		)`,

		// Current staging batch. Rows are immutable; the batch is only ever
		// appended to or cleared en masse.
		`CREATE TABLE IF NOT EXISTS staged_scans (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			identifier  TEXT NOT NULL UNIQUE,
			scanned_at  TEXT NOT NULL,
			category    TEXT NOT NULL,
			quantity    INTEGER NOT NULL CHECK (quantity >= 0)
		)`,

		// Finalized records. Snapshot and document_number never change after
		// insert; only synced/remote_id/remote_error are written by the worker.
		`CREATE TABLE IF NOT EXISTS harvest_records (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			document_number TEXT NOT NULL UNIQUE,
			created_at      TEXT NOT NULL,
			total           INTEGER NOT NULL,
			snapshot        TEXT NOT NULL, -- JSON array of staged scans, verbatim
			attributes      TEXT NOT NULL, -- JSON object supplied at finalize
			synced          INTEGER NOT NULL DEFAULT 0,
			remote_id       TEXT,
			remote_error    TEXT
		)`,

		// Idempotency ledger: one row per identifier ever finalized. Presence
		// here permanently blocks re-scanning, synced or not.
		`CREATE TABLE IF NOT EXISTS scan_ledger (
			identifier  TEXT PRIMARY KEY,
			record_id   INTEGER NOT NULL REFERENCES harvest_records(id),
			synced      INTEGER NOT NULL DEFAULT 0
		)`,

		// Per-category document number counters with the (month, year) they
		// were last reset for.
		`CREATE TABLE IF NOT EXISTS seq_counters (
			category  TEXT PRIMARY KEY,
			counter   INTEGER NOT NULL DEFAULT 0,
			month     INTEGER NOT NULL,
			year      INTEGER NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_harvest_records_synced ON harvest_records (synced)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_ledger_record ON scan_ledger (record_id)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create capture table: %w", err)
		}
	}

	return nil
}
