package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxorio/flowstate/pkg/core"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS fsm_events (
    id               TEXT PRIMARY KEY,
    instance_id      TEXT NOT NULL,
    component_name   TEXT NOT NULL,
    machine_name     TEXT NOT NULL,
    event_type       TEXT NOT NULL,
    event_payload    JSONB,
    event_time       TIMESTAMPTZ NOT NULL,
    state_before     TEXT NOT NULL,
    state_after      TEXT NOT NULL,
    persisted_at     TIMESTAMPTZ NOT NULL,
    caused_by        JSONB NOT NULL DEFAULT '[]',
    caused           JSONB NOT NULL DEFAULT '[]',
    source_component TEXT,
    target_component TEXT
);
CREATE INDEX IF NOT EXISTS fsm_events_instance_idx  ON fsm_events (instance_id);
CREATE INDEX IF NOT EXISTS fsm_events_persisted_idx ON fsm_events (persisted_at);
CREATE INDEX IF NOT EXISTS fsm_events_caused_by_idx ON fsm_events USING GIN (caused_by);

CREATE TABLE IF NOT EXISTS fsm_snapshots (
    instance_id TEXT PRIMARY KEY,
    snapshot    JSONB NOT NULL,
    snapshot_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStores bundles pgx-backed event and snapshot stores sharing one
// connection pool.
type PostgresStores struct {
	pool *pgxpool.Pool
}

// NewPostgresStores connects to dsn and ensures the schema exists.
func NewPostgresStores(ctx context.Context, dsn string) (*PostgresStores, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &PostgresStores{pool: pool}, nil
}

// Close releases the connection pool.
func (p *PostgresStores) Close() {
	p.pool.Close()
}

// Events returns the EventStore view.
func (p *PostgresStores) Events() EventStore { return &pgEventStore{pool: p.pool} }

// Snapshots returns the SnapshotStore view.
func (p *PostgresStores) Snapshots() SnapshotStore { return &pgSnapshotStore{pool: p.pool} }

type pgEventStore struct {
	pool *pgxpool.Pool
}

func (s *pgEventStore) Append(ctx context.Context, ev *PersistedEvent) error {
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO fsm_events (
			id, instance_id, component_name, machine_name,
			event_type, event_payload, event_time,
			state_before, state_after, persisted_at,
			caused_by, caused, source_component, target_component
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		ev.ID, ev.InstanceID, ev.ComponentName, ev.MachineName,
		ev.Event.Type, payload, ev.Event.Time,
		ev.StateBefore, ev.StateAfter, ev.PersistedAt,
		causedBy, caused, nullable(ev.SourceComponentName), nullable(ev.TargetComponentName),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *pgEventStore) AppendCaused(ctx context.Context, parentID, childID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE fsm_events
		   SET caused = caused || to_jsonb($2::text)
		 WHERE id = $1`,
		parentID, childID,
	)
	if err != nil {
		return fmt.Errorf("append caused: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

const pgEventColumns = `
	id, instance_id, component_name, machine_name,
	event_type, event_payload, event_time,
	state_before, state_after, persisted_at,
	caused_by, caused, source_component, target_component`

func (s *pgEventStore) ByID(ctx context.Context, id string) (*PersistedEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgEventColumns+` FROM fsm_events WHERE id = $1`, id)
	ev, err := scanPGEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

func (s *pgEventStore) ByInstance(ctx context.Context, instanceID string) ([]*PersistedEvent, error) {
	return s.query(ctx,
		`SELECT `+pgEventColumns+` FROM fsm_events WHERE instance_id = $1 ORDER BY persisted_at`,
		instanceID)
}

func (s *pgEventStore) ByTimeRange(ctx context.Context, lo, hi time.Time) ([]*PersistedEvent, error) {
	return s.query(ctx,
		`SELECT `+pgEventColumns+` FROM fsm_events WHERE persisted_at BETWEEN $1 AND $2 ORDER BY persisted_at`,
		lo, hi)
}

func (s *pgEventStore) CausedBy(ctx context.Context, id string) ([]*PersistedEvent, error) {
	return s.query(ctx,
		`SELECT `+pgEventColumns+` FROM fsm_events WHERE caused_by ? $1 ORDER BY persisted_at`,
		id)
}

func (s *pgEventStore) All(ctx context.Context) ([]*PersistedEvent, error) {
	return s.query(ctx,
		`SELECT ` + pgEventColumns + ` FROM fsm_events ORDER BY persisted_at`)
}

func (s *pgEventStore) query(ctx context.Context, sql string, args ...interface{}) ([]*PersistedEvent, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PersistedEvent
	for rows.Next() {
		ev, err := scanPGEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanPGEvent(row pgx.Row) (*PersistedEvent, error) {
	var (
		ev       PersistedEvent
		payload  []byte
		causedBy []byte
		caused   []byte
		src, tgt *string
	)
	err := row.Scan(
		&ev.ID, &ev.InstanceID, &ev.ComponentName, &ev.MachineName,
		&ev.Event.Type, &payload, &ev.Event.Time,
		&ev.StateBefore, &ev.StateAfter, &ev.PersistedAt,
		&causedBy, &caused, &src, &tgt,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 && string(payload) != "null" {
		if err := core.JSONDecode(payload, &ev.Event.Payload); err != nil {
			return nil, err
		}
	}
	if err := decodeStrings(causedBy, &ev.CausedBy); err != nil {
		return nil, err
	}
	if err := decodeStrings(caused, &ev.Caused); err != nil {
		return nil, err
	}
	if src != nil {
		ev.SourceComponentName = *src
	}
	if tgt != nil {
		ev.TargetComponentName = *tgt
	}
	return &ev, nil
}

type pgSnapshotStore struct {
	pool *pgxpool.Pool
}

func (s *pgSnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := core.JSONEncode(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fsm_snapshots (instance_id, snapshot, snapshot_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (instance_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, snapshot_at = EXCLUDED.snapshot_at`,
		snap.Instance.ID, data, snap.SnapshotAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.Instance.ID, err)
	}
	return nil
}

func (s *pgSnapshotStore) Get(ctx context.Context, instanceID string) (*Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM fsm_snapshots WHERE instance_id = $1`, instanceID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := core.JSONDecode(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *pgSnapshotStore) All(ctx context.Context) ([]*Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT snapshot FROM fsm_snapshots ORDER BY snapshot_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var snap Snapshot
		if err := core.JSONDecode(data, &snap); err != nil {
			return nil, err
		}
		out = append(out, &snap)
	}
	return out, rows.Err()
}

func (s *pgSnapshotStore) Delete(ctx context.Context, instanceID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM fsm_snapshots WHERE instance_id = $1`, instanceID)
	return err
}

func jsonStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return core.JSONEncode(values)
}

func decodeStrings(data []byte, into *[]string) error {
	if len(data) == 0 || string(data) == "null" || string(data) == "[]" {
		return nil
	}
	return core.JSONDecode(data, into)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
