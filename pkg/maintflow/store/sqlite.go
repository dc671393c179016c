package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/sentriq/maintflow/pkg/maintflow/event"
	mferrors "github.com/sentriq/maintflow/pkg/maintflow/errors"
	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
)

// SQLiteStore persists the event log, dead letters, readings,
// maintenance log, and decisions to SQLite. It is suitable for
// single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) the store at path.
// Use ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			source TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			causation_id TEXT,
			ts TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			payload BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation
		 ON events(correlation_id)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			event_id TEXT NOT NULL,
			subscriber_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_source TEXT,
			correlation_id TEXT,
			event_data BLOB,
			attempts BLOB,
			attempt_count INTEGER NOT NULL,
			final_error TEXT,
			first_failed_at TEXT,
			last_failed_at TEXT,
			PRIMARY KEY (event_id, subscriber_id)
		)`,
		`CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sensor_id TEXT NOT NULL,
			equipment_id TEXT,
			sensor_type TEXT,
			unit TEXT,
			value REAL NOT NULL,
			threshold REAL NOT NULL,
			anomalous INTEGER NOT NULL DEFAULT 0,
			criticality TEXT,
			read_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_sensor
		 ON readings(sensor_id, id)`,
		`CREATE TABLE IF NOT EXISTS maintenance_log (
			event_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			record BLOB NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			decision TEXT NOT NULL,
			actor TEXT NOT NULL,
			detail TEXT,
			decided_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_correlation
		 ON decisions(correlation_id, id)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// connErr wraps a runtime database failure as transient connectivity.
func connErr(op string, err error) error {
	return &mferrors.ConnectivityError{Dependency: "sqlite", Op: op, Err: err}
}

// Append implements EventLog. The log is append-only: replays of an
// already-logged event ID are ignored.
func (s *SQLiteStore) Append(ctx context.Context, evt event.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events
			(event_id, event_type, source, correlation_id, causation_id, ts, schema_version, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.ID(), evt.Type(), evt.Source(), evt.CorrelationID(), evt.CausationID(),
		evt.Timestamp().UTC().Format(time.RFC3339Nano), evt.Version(), evt.DataBytes())
	if err != nil {
		return connErr("append event", err)
	}
	return nil
}

// ByCorrelation implements EventLog.
func (s *SQLiteStore) ByCorrelation(ctx context.Context, correlationID string) ([]LoggedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, source, correlation_id, causation_id, ts, schema_version, payload
		FROM events WHERE correlation_id = ? ORDER BY rowid
	`, correlationID)
	if err != nil {
		return nil, connErr("query events", err)
	}
	defer rows.Close()

	var result []LoggedEvent
	for rows.Next() {
		var le LoggedEvent
		var ts string
		var causation sql.NullString
		if err := rows.Scan(&le.EventID, &le.EventType, &le.Source, &le.CorrelationID,
			&causation, &ts, &le.SchemaVersion, &le.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		le.CausationID = causation.String
		le.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		result = append(result, le)
	}
	if err := rows.Err(); err != nil {
		return nil, connErr("iterate events", err)
	}
	return result, nil
}

// Enqueue implements event.DeadLetterQueue. Entries are never deleted.
func (s *SQLiteStore) Enqueue(ctx context.Context, entry *event.DeadLetterEntry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	attempts, err := json.Marshal(entry.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters
			(event_id, subscriber_id, event_type, event_source, correlation_id,
			 event_data, attempts, attempt_count, final_error, first_failed_at, last_failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, subscriber_id) DO UPDATE SET
			attempts = excluded.attempts,
			attempt_count = excluded.attempt_count,
			final_error = excluded.final_error,
			last_failed_at = excluded.last_failed_at
	`, entry.EventID, entry.SubscriberID, entry.EventType, entry.EventSource, entry.CorrelationID,
		entry.EventData, attempts, entry.AttemptCount, entry.FinalError,
		entry.FirstFailedAt.UTC().Format(time.RFC3339Nano),
		entry.LastFailedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return connErr("enqueue dead letter", err)
	}
	return nil
}

// Get implements event.DeadLetterQueue.
func (s *SQLiteStore) Get(ctx context.Context, eventID, subscriberID string) (*event.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, subscriber_id, event_type, event_source, correlation_id,
		       event_data, attempts, attempt_count, final_error, first_failed_at, last_failed_at
		FROM dead_letters WHERE event_id = ? AND subscriber_id = ?
	`, eventID, subscriberID)

	entry, err := scanDeadLetter(row.Scan)
	if err == sql.ErrNoRows {
		return nil, event.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, connErr("get dead letter", err)
	}
	return entry, nil
}

// List implements event.DeadLetterQueue, oldest failures first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*event.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, subscriber_id, event_type, event_source, correlation_id,
		       event_data, attempts, attempt_count, final_error, first_failed_at, last_failed_at
		FROM dead_letters ORDER BY last_failed_at LIMIT ?
	`, limit)
	if err != nil {
		return nil, connErr("list dead letters", err)
	}
	defer rows.Close()

	var result []*event.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, connErr("iterate dead letters", err)
	}
	return result, nil
}

// Count implements event.DeadLetterQueue.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count); err != nil {
		return 0, connErr("count dead letters", err)
	}
	return count, nil
}

// CountByType implements event.DeadLetterQueue.
func (s *SQLiteStore) CountByType(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM dead_letters GROUP BY event_type
	`)
	if err != nil {
		return nil, connErr("count dead letters by type", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[eventType] = count
	}
	return counts, rows.Err()
}

func scanDeadLetter(scan func(...any) error) (*event.DeadLetterEntry, error) {
	var entry event.DeadLetterEntry
	var source, correlation, finalError sql.NullString
	var attempts []byte
	var first, last string

	if err := scan(&entry.EventID, &entry.SubscriberID, &entry.EventType, &source, &correlation,
		&entry.EventData, &attempts, &entry.AttemptCount, &finalError, &first, &last); err != nil {
		return nil, err
	}
	entry.EventSource = source.String
	entry.CorrelationID = correlation.String
	entry.FinalError = finalError.String
	entry.FirstFailedAt, _ = time.Parse(time.RFC3339Nano, first)
	entry.LastFailedAt, _ = time.Parse(time.RFC3339Nano, last)
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &entry.Attempts); err != nil {
			return nil, fmt.Errorf("unmarshal attempts: %w", err)
		}
	}
	return &entry, nil
}

// SaveReading implements ReadingHistory.
func (s *SQLiteStore) SaveReading(ctx context.Context, r Reading) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	anomalous := 0
	if r.Anomalous {
		anomalous = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO readings
			(sensor_id, equipment_id, sensor_type, unit, value, threshold, anomalous, criticality, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.SensorID, r.EquipmentID, r.SensorType, r.Unit, r.Value, r.Threshold,
		anomalous, string(r.Criticality), r.ReadAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return connErr("save reading", err)
	}
	return nil
}

// RecentReadings implements ReadingHistory, newest first.
func (s *SQLiteStore) RecentReadings(ctx context.Context, sensorID string, limit int) ([]Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sensor_id, equipment_id, sensor_type, unit, value, threshold, anomalous, criticality, read_at
		FROM readings WHERE sensor_id = ? ORDER BY id DESC LIMIT ?
	`, sensorID, limit)
	if err != nil {
		return nil, connErr("query readings", err)
	}
	defer rows.Close()

	var result []Reading
	for rows.Next() {
		var r Reading
		var anomalous int
		var criticality, readAt string
		if err := rows.Scan(&r.SensorID, &r.EquipmentID, &r.SensorType, &r.Unit,
			&r.Value, &r.Threshold, &anomalous, &criticality, &readAt); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Anomalous = anomalous != 0
		r.Criticality = pipeline.Criticality(criticality)
		r.ReadAt, _ = time.Parse(time.RFC3339Nano, readAt)
		result = append(result, r)
	}
	return result, rows.Err()
}

// Record implements MaintenanceLog via INSERT OR IGNORE check-and-set.
func (s *SQLiteStore) Record(ctx context.Context, eventID string, rec pipeline.MaintenanceRecord) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO maintenance_log (event_id, task_id, record, created_at)
		VALUES (?, ?, ?, ?)
	`, eventID, rec.TaskID, payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, connErr("record maintenance", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Recorded implements MaintenanceLog.
func (s *SQLiteStore) Recorded(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM maintenance_log WHERE event_id = ?`, eventID).Scan(&count); err != nil {
		return false, connErr("check maintenance log", err)
	}
	return count > 0, nil
}

// SaveDecision implements DecisionLog.
func (s *SQLiteStore) SaveDecision(ctx context.Context, d DecisionRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (correlation_id, stage, decision, actor, detail, decided_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.CorrelationID, d.Stage, d.Decision, d.Actor, d.Detail,
		d.DecidedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return connErr("save decision", err)
	}
	return nil
}

// DecisionsByWorkflow implements DecisionLog.
func (s *SQLiteStore) DecisionsByWorkflow(ctx context.Context, correlationID string) ([]DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, stage, decision, actor, detail, decided_at
		FROM decisions WHERE correlation_id = ? ORDER BY id
	`, correlationID)
	if err != nil {
		return nil, connErr("query decisions", err)
	}
	defer rows.Close()

	var result []DecisionRecord
	for rows.Next() {
		var d DecisionRecord
		var detail sql.NullString
		var decidedAt string
		if err := rows.Scan(&d.CorrelationID, &d.Stage, &d.Decision, &d.Actor, &detail, &decidedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Detail = detail.String
		d.DecidedAt, _ = time.Parse(time.RFC3339Nano, decidedAt)
		result = append(result, d)
	}
	return result, rows.Err()
}
