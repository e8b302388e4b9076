package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fluxorio/flowstate/pkg/core"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS fsm_events (
    id               TEXT PRIMARY KEY,
    instance_id      TEXT NOT NULL,
    component_name   TEXT NOT NULL,
    machine_name     TEXT NOT NULL,
    event_type       TEXT NOT NULL,
    event_payload    TEXT,
    event_time       TIMESTAMP NOT NULL,
    state_before     TEXT NOT NULL,
    state_after      TEXT NOT NULL,
    persisted_at     TIMESTAMP NOT NULL,
    caused_by        TEXT NOT NULL DEFAULT '[]',
    caused           TEXT NOT NULL DEFAULT '[]',
    source_component TEXT,
    target_component TEXT
);
CREATE INDEX IF NOT EXISTS fsm_events_instance_idx  ON fsm_events (instance_id);
CREATE INDEX IF NOT EXISTS fsm_events_persisted_idx ON fsm_events (persisted_at);

CREATE TABLE IF NOT EXISTS fsm_snapshots (
    instance_id TEXT PRIMARY KEY,
    snapshot    TEXT NOT NULL,
    snapshot_at TIMESTAMP NOT NULL
);
`

// SQLiteStores bundles sqlite-backed event and snapshot stores sharing
// one database handle. Suitable for single-node deployments and tests
// that need durability across restarts.
type SQLiteStores struct {
	db *sql.DB
}

// NewSQLiteStores opens (or creates) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral database.
func NewSQLiteStores(path string) (*SQLiteStores, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &SQLiteStores{db: db}, nil
}

// Close closes the database handle.
func (s *SQLiteStores) Close() error { return s.db.Close() }

// Events returns the EventStore view.
func (s *SQLiteStores) Events() EventStore { return &sqliteEventStore{db: s.db} }

// Snapshots returns the SnapshotStore view.
func (s *SQLiteStores) Snapshots() SnapshotStore { return &sqliteSnapshotStore{db: s.db} }

type sqliteEventStore struct {
	db *sql.DB
}

func (s *sqliteEventStore) Append(ctx context.Context, ev *PersistedEvent) error {
	payload := []byte("{}")
	if ev.Event.Payload != nil {
		var err error
		if payload, err = core.JSONEncode(ev.Event.Payload); err != nil {
			return err
		}
	}
	causedBy, err := jsonStrings(ev.CausedBy)
	if err != nil {
		return err
	}
	caused, err := jsonStrings(ev.Caused)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fsm_events (
			id, instance_id, component_name, machine_name,
			event_type, event_payload, event_time,
			state_before, state_after, persisted_at,
			caused_by, caused, source_component, target_component
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.InstanceID, ev.ComponentName, ev.MachineName,
		ev.Event.Type, string(payload), ev.Event.Time,
		ev.StateBefore, ev.StateAfter, ev.PersistedAt,
		string(causedBy), string(caused), ev.SourceComponentName, ev.TargetComponentName,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *sqliteEventStore) AppendCaused(ctx context.Context, parentID, childID string) error {
	row := s.db.QueryRowContext(ctx,
		`SELECT caused FROM fsm_events WHERE id = ?`, parentID)

	var causedJSON string
	if err := row.Scan(&causedJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEventNotFound
		}
		return err
	}

	var caused []string
	if err := decodeStrings([]byte(causedJSON), &caused); err != nil {
		return err
	}
	caused = append(caused, childID)
	updated, err := jsonStrings(caused)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE fsm_events SET caused = ? WHERE id = ?`, string(updated), parentID)
	return err
}

const sqliteEventColumns = `
	id, instance_id, component_name, machine_name,
	event_type, event_payload, event_time,
	state_before, state_after, persisted_at,
	caused_by, caused, source_component, target_component`

func (s *sqliteEventStore) ByID(ctx context.Context, id string) (*PersistedEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM fsm_events WHERE id = ?`, id)
	ev, err := scanSQLiteEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

func (s *sqliteEventStore) ByInstance(ctx context.Context, instanceID string) ([]*PersistedEvent, error) {
	return s.query(ctx,
		`SELECT `+sqliteEventColumns+` FROM fsm_events WHERE instance_id = ? ORDER BY persisted_at`,
		instanceID)
}

func (s *sqliteEventStore) ByTimeRange(ctx context.Context, lo, hi time.Time) ([]*PersistedEvent, error) {
	return s.query(ctx,
		`SELECT `+sqliteEventColumns+` FROM fsm_events WHERE persisted_at BETWEEN ? AND ? ORDER BY persisted_at`,
		lo, hi)
}

func (s *sqliteEventStore) CausedBy(ctx context.Context, id string) ([]*PersistedEvent, error) {
	// caused_by is a small JSON array; instr on the quoted id is exact
	// enough because ids are UUIDs.
	return s.query(ctx,
		`SELECT `+sqliteEventColumns+` FROM fsm_events WHERE instr(caused_by, ?) > 0 ORDER BY persisted_at`,
		`"`+id+`"`)
}

func (s *sqliteEventStore) All(ctx context.Context) ([]*PersistedEvent, error) {
	return s.query(ctx,
		`SELECT ` + sqliteEventColumns + ` FROM fsm_events ORDER BY persisted_at`)
}

func (s *sqliteEventStore) query(ctx context.Context, q string, args ...interface{}) ([]*PersistedEvent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PersistedEvent
	for rows.Next() {
		ev, err := scanSQLiteEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanSQLiteEvent(scan func(...interface{}) error) (*PersistedEvent, error) {
	var (
		ev       PersistedEvent
		payload  sql.NullString
		causedBy string
		caused   string
		src, tgt sql.NullString
	)
	err := scan(
		&ev.ID, &ev.InstanceID, &ev.ComponentName, &ev.MachineName,
		&ev.Event.Type, &payload, &ev.Event.Time,
		&ev.StateBefore, &ev.StateAfter, &ev.PersistedAt,
		&causedBy, &caused, &src, &tgt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" && payload.String != "null" {
		if err := core.JSONDecode([]byte(payload.String), &ev.Event.Payload); err != nil {
			return nil, err
		}
	}
	if err := decodeStrings([]byte(causedBy), &ev.CausedBy); err != nil {
		return nil, err
	}
	if err := decodeStrings([]byte(caused), &ev.Caused); err != nil {
		return nil, err
	}
	ev.SourceComponentName = src.String
	ev.TargetComponentName = tgt.String
	return &ev, nil
}

type sqliteSnapshotStore struct {
	db *sql.DB
}

func (s *sqliteSnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := core.JSONEncode(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fsm_snapshots (instance_id, snapshot, snapshot_at)
		VALUES (?, ?, ?)
		ON CONFLICT (instance_id)
		DO UPDATE SET snapshot = excluded.snapshot, snapshot_at = excluded.snapshot_at`,
		snap.Instance.ID, string(data), snap.SnapshotAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.Instance.ID, err)
	}
	return nil
}

func (s *sqliteSnapshotStore) Get(ctx context.Context, instanceID string) (*Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM fsm_snapshots WHERE instance_id = ?`, instanceID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := core.JSONDecode([]byte(data), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *sqliteSnapshotStore) All(ctx context.Context) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot FROM fsm_snapshots ORDER BY snapshot_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var snap Snapshot
		if err := core.JSONDecode([]byte(data), &snap); err != nil {
			return nil, err
		}
		out = append(out, &snap)
	}
	return out, rows.Err()
}

func (s *sqliteSnapshotStore) Delete(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM fsm_snapshots WHERE instance_id = ?`, instanceID)
	return err
}
