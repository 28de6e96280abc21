package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/dcop/internal/ir"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// ReadRun returns the header of a run and its final report, which is nil
// while the run has not finished.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, *ir.RunReport, error) {
	var (
		run             Run
		inputs, started string
		status          string
		report          sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, algorithm, mode, inputs, started_at, status, report
		FROM runs WHERE id = ?
	`, id).Scan(&run.ID, &run.Algorithm, &run.Mode, &inputs, &started, &status, &report)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, nil, fmt.Errorf("read run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return Run{}, nil, fmt.Errorf("read run: %w", err)
	}

	if run.Inputs, err = unmarshalInputs(inputs); err != nil {
		return Run{}, nil, err
	}
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return Run{}, nil, fmt.Errorf("read run: started_at: %w", err)
	}
	run.Status = ir.RunStatus(status)

	if !report.Valid {
		return run, nil, nil
	}
	rep, err := unmarshalReport(report.String)
	if err != nil {
		return Run{}, nil, err
	}
	return run, rep, nil
}

// ListRuns returns run ids, oldest first. UUIDv7 ids sort by creation
// time.
func (s *Store) ListRuns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM runs ORDER BY id COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return ids, nil
}

// ReadSnapshots returns the snapshots of a run ordered by seq.
//
// Returns an empty slice (not nil) if the run has no snapshots.
func (s *Store) ReadSnapshots(ctx context.Context, runID string) ([]ir.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, trigger, time, cycle, cost, violation, msg_count, msg_size, status, assignment
		FROM snapshots
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []ir.Snapshot{}
	for rows.Next() {
		var (
			snap            ir.Snapshot
			trigger, status string
			assignment      string
		)
		if err := rows.Scan(&snap.Seq, &trigger, &snap.Time, &snap.Cycle, &snap.Cost, &snap.Violation,
			&snap.MsgCount, &snap.MsgSize, &status, &assignment); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Trigger = ir.Trigger(trigger)
		snap.Status = ir.RunStatus(status)
		if snap.Assignment, err = unmarshalAssignment(assignment); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}

// ReadPromotions returns the promotions of a run in the order recorded.
func (s *Store) ReadPromotions(ctx context.Context, runID string) ([]ir.Promotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT computation, from_agent, to_agent, staleness
		FROM promotions
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query promotions: %w", err)
	}
	defer rows.Close()

	out := []ir.Promotion{}
	for rows.Next() {
		var p ir.Promotion
		if err := rows.Scan(&p.Computation, &p.From, &p.To, &p.Staleness); err != nil {
			return nil, fmt.Errorf("scan promotion: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate promotions: %w", err)
	}
	return out, nil
}
