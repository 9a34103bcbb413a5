package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// RecordEvent appends one lifecycle-operation outcome to the audit log.
// runID may be empty for operations that don't go through internal/fsm.
func (d *DB) RecordEvent(ctx context.Context, snapshotIno uint32, operation, runID, outcome, detail string) error {
	query := `
		INSERT INTO snapshot_events (snapshot_ino, operation, run_id, outcome, detail)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, query, snapshotIno, operation, nullable(runID), outcome, nullable(detail))
	if err != nil {
		return fmt.Errorf("registry: recording event: %w", err)
	}
	return nil
}

// ListEvents returns every recorded event for snapshotIno, newest first.
func (d *DB) ListEvents(ctx context.Context, snapshotIno uint32) ([]*Event, error) {
	query := `
		SELECT id, snapshot_ino, operation, run_id, outcome, detail, recorded_at
		FROM snapshot_events
		WHERE snapshot_ino = ?
		ORDER BY recorded_at DESC
	`
	rows, err := d.db.QueryContext(ctx, query, snapshotIno)
	if err != nil {
		return nil, fmt.Errorf("registry: listing events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var runID, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.SnapshotIno, &e.Operation, &runID, &e.Outcome, &detail, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("registry: scanning event: %w", err)
		}
		e.RunID = runID.String
		e.Detail = detail.String
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterating events: %w", err)
	}
	return events, nil
}

// ListRecentEvents returns the most recent events across every snapshot,
// newest first, capped at limit — the source behind the monitor
// dashboard's events panel.
func (d *DB) ListRecentEvents(ctx context.Context, limit int) ([]*Event, error) {
	query := `
		SELECT id, snapshot_ino, operation, run_id, outcome, detail, recorded_at
		FROM snapshot_events
		ORDER BY recorded_at DESC
		LIMIT ?
	`
	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("registry: listing recent events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var runID, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.SnapshotIno, &e.Operation, &runID, &e.Outcome, &detail, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("registry: scanning event: %w", err)
		}
		e.RunID = runID.String
		e.Detail = detail.String
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterating recent events: %w", err)
	}
	return events, nil
}

// UpsertState records the latest known chain-membership state for ino.
func (d *DB) UpsertState(ctx context.Context, ino, generation uint32, flags uint32, diskSize uint64) error {
	query := `
		INSERT INTO snapshot_state (snapshot_ino, generation, flags, disk_size, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(snapshot_ino) DO UPDATE SET
			generation = excluded.generation,
			flags = excluded.flags,
			disk_size = excluded.disk_size,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := d.db.ExecContext(ctx, query, ino, generation, flags, diskSize); err != nil {
		return fmt.Errorf("registry: upserting state: %w", err)
	}
	return nil
}

// GetState retrieves the latest known state for ino, or nil if unknown.
func (d *DB) GetState(ctx context.Context, ino uint32) (*State, error) {
	query := `
		SELECT snapshot_ino, generation, flags, disk_size, updated_at
		FROM snapshot_state
		WHERE snapshot_ino = ?
	`
	var s State
	err := d.db.QueryRowContext(ctx, query, ino).Scan(&s.SnapshotIno, &s.Generation, &s.Flags, &s.DiskSize, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: querying state: %w", err)
	}
	return &s, nil
}

// ListState returns every known inode's latest state, oldest-updated first
// — a reasonable seed order for internal/lifecycle.Load at mount time.
func (d *DB) ListState(ctx context.Context) ([]*State, error) {
	query := `
		SELECT snapshot_ino, generation, flags, disk_size, updated_at
		FROM snapshot_state
		ORDER BY updated_at ASC
	`
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("registry: listing state: %w", err)
	}
	defer rows.Close()

	var states []*State
	for rows.Next() {
		var s State
		if err := rows.Scan(&s.SnapshotIno, &s.Generation, &s.Flags, &s.DiskSize, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("registry: scanning state: %w", err)
		}
		states = append(states, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterating state: %w", err)
	}
	return states, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
