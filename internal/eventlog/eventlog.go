// Package eventlog provides a durable, append-only audit trail of the
// ControlCommand and FusionResult records a fusion algorithm emits. It
// is strictly an offline-inspection sink: restoring fusion state from it
// is out of scope, mirroring spec's persistence non-goal.
package eventlog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dp-aero/l2fusion/internal/fusion"
)

// Record is one persisted audit entry.
type Record struct {
	ID          string
	Timestamp   time.Time
	Kind        string
	NodeID      string
	TargetID    string
	PayloadJSON string
}

// RecordFromOutbound builds a Record from an OutboundMessage, assigning
// it a fresh id. TargetID is best-effort: it is populated only when the
// payload carries one (a control command issued on behalf of a specific
// target); system commands and fusion result summaries name no single
// target, so it is left empty for those.
func RecordFromOutbound(msg fusion.OutboundMessage) (Record, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Record{}, fmt.Errorf("eventlog: marshal outbound message: %w", err)
	}
	var targetID string
	if msg.Kind == fusion.OutboundControlCommand {
		targetID = msg.Command.TargetID
	}
	return Record{
		ID:          uuid.NewString(),
		Timestamp:   msg.Timestamp,
		Kind:        string(msg.Kind),
		NodeID:      msg.TargetNodeID,
		TargetID:    targetID,
		PayloadJSON: string(payload),
	}, nil
}

// Store is a SQLite-backed event log. The zero value is not usable; use
// Open.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at dbPath and runs
// every pending migration found under migrationsDir, following the same
// golang-migrate + modernc.org/sqlite wiring as the teacher's db
// package — a file:// source driver, not embedded, since migrationsDir
// ships alongside the binary rather than being compiled in.
func Open(dbPath, migrationsDir string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: ping %s: %w", dbPath, err)
	}

	store := &Store{db: db}
	if err := store.migrateUp(migrationsDir); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrateUp(migrationsDir string) error {
	absPath, err := filepath.Abs(migrationsDir)
	if err != nil {
		return fmt.Errorf("eventlog: resolve migrations dir: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("eventlog: sqlite migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", absPath), "sqlite", driver)
	if err != nil {
		return fmt.Errorf("eventlog: new migrate instance: %w", err)
	}
	m.Log = migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("eventlog: migrate up: %w", err)
	}
	return nil
}

// Append persists rec. It assigns a fresh id if rec.ID is empty.
func (s *Store) Append(rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO event_log (id, ts_unix_ms, kind, node_id, target_id, payload_json) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixMilli(), rec.Kind, rec.NodeID, rec.TargetID, rec.PayloadJSON,
	)
	if err != nil {
		return fmt.Errorf("eventlog: append: %w", err)
	}
	return nil
}

// Recent returns up to limit of the most recently appended records,
// newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, ts_unix_ms, kind, node_id, target_id, payload_json FROM event_log ORDER BY ts_unix_ms DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query recent: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var tsMillis int64
		if err := rows.Scan(&rec.ID, &tsMillis, &rec.Kind, &rec.NodeID, &rec.TargetID, &rec.PayloadJSON); err != nil {
			return nil, fmt.Errorf("eventlog: scan recent: %w", err)
		}
		rec.Timestamp = time.UnixMilli(tsMillis)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ForTarget returns up to limit records whose TargetID matches
// targetID, newest first.
func (s *Store) ForTarget(targetID string, limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, ts_unix_ms, kind, node_id, target_id, payload_json FROM event_log WHERE target_id = ? ORDER BY ts_unix_ms DESC LIMIT ?`,
		targetID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query for target: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var tsMillis int64
		if err := rows.Scan(&rec.ID, &tsMillis, &rec.Kind, &rec.NodeID, &rec.TargetID, &rec.PayloadJSON); err != nil {
			return nil, fmt.Errorf("eventlog: scan for target: %w", err)
		}
		rec.Timestamp = time.UnixMilli(tsMillis)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[eventlog migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }
