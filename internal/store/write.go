package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/dcop/internal/ir"
)

// Run is the header row of a recorded run.
type Run struct {
	ID        string
	Algorithm string
	Mode      string
	Inputs    map[string]any
	StartedAt time.Time
	Status    ir.RunStatus
}

// CreateRun inserts the header of a run with status INIT.
// Uses ON CONFLICT(id) DO NOTHING for idempotency.
func (s *Store) CreateRun(ctx context.Context, run Run) error {
	inputs, err := marshalInputs(run.Inputs)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	status := run.Status
	if status == "" {
		status = ir.StatusInit
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, algorithm, mode, inputs, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.Algorithm,
		run.Mode,
		inputs,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		string(status),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// WriteSnapshot appends a metric snapshot to a run.
// A second snapshot with the same (run_id, seq) is silently ignored.
//
// Note: The run referenced by runID must exist (foreign key constraint).
func (s *Store) WriteSnapshot(ctx context.Context, runID string, snap ir.Snapshot) error {
	assignment, err := marshalAssignment(snap.Assignment)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots
		(run_id, seq, trigger, time, cycle, cost, violation, msg_count, msg_size, status, assignment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, seq) DO NOTHING
	`,
		runID,
		snap.Seq,
		string(snap.Trigger),
		snap.Time,
		snap.Cycle,
		snap.Cost,
		snap.Violation,
		snap.MsgCount,
		snap.MsgSize,
		string(snap.Status),
		assignment,
	)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// WritePromotion records a replica promotion.
func (s *Store) WritePromotion(ctx context.Context, runID string, p ir.Promotion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promotions (run_id, computation, from_agent, to_agent, staleness)
		VALUES (?, ?, ?, ?, ?)
	`, runID, p.Computation, p.From, p.To, p.Staleness)
	if err != nil {
		return fmt.Errorf("write promotion: %w", err)
	}
	return nil
}

// FinishRun stores the final report and status of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, report ir.RunReport) error {
	data, err := marshalReport(report)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, report = ? WHERE id = ?
	`, string(report.Status), data, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}
