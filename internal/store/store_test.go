package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dcop/internal/ir"
)

// createTestStore creates a new in-memory store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestRun(t *testing.T, s *Store, id string) Run {
	t.Helper()
	run := Run{
		ID:        id,
		Algorithm: "mgm",
		Mode:      "thread",
		Inputs: map[string]any{
			"algo":        "mgm",
			"algo_params": map[string]string{"stop_cycle": "10"},
			"dcop_files":  []string{"coloring.yaml"},
			"ktarget":     1,
		},
		StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma("foreign_keys", "1"); err != nil {
		t.Error(err)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.DB().Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	s.Close()

	_, err = Open(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNewerSchema))
}

func TestRun_CreateAndRead(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	want := createTestRun(t, s, "0192a000-0000-7000-8000-000000000001")

	run, report, err := s.ReadRun(ctx, want.ID)
	require.NoError(t, err)
	assert.Nil(t, report, "no report before the run finishes")
	assert.Equal(t, want.ID, run.ID)
	assert.Equal(t, "mgm", run.Algorithm)
	assert.Equal(t, ir.StatusInit, run.Status)
	assert.True(t, want.StartedAt.Equal(run.StartedAt))
	assert.Equal(t, map[string]any{"stop_cycle": "10"}, run.Inputs["algo_params"])
	assert.Equal(t, float64(1), run.Inputs["ktarget"])

	// Creating the same run again is a no-op.
	require.NoError(t, s.CreateRun(ctx, want))
	ids, err := s.ListRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{want.ID}, ids)
}

func TestRun_NotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.ReadRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, s.FinishRun(ctx, "missing", ir.RunReport{Status: ir.StatusStopped}), ErrRunNotFound)
}

func TestSnapshot_WriteIsIdempotentAndOrdered(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, s, "run-1")

	for _, seq := range []int64{3, 1, 2} {
		snap := ir.Snapshot{
			Seq:        seq,
			Trigger:    ir.TriggerPeriod,
			Time:       float64(seq),
			Cycle:      int(seq) * 2,
			Cost:       10 - float64(seq),
			MsgCount:   int(seq) * 4,
			MsgSize:    int(seq) * 8,
			Assignment: map[string]string{"v1": "R", "v2": "G"},
			Status:     ir.StatusRunning,
		}
		require.NoError(t, s.WriteSnapshot(ctx, run.ID, snap))
	}
	dup := ir.Snapshot{Seq: 2, Trigger: ir.TriggerEnd, Cost: 99, Status: ir.StatusStopped}
	require.NoError(t, s.WriteSnapshot(ctx, run.ID, dup))

	snaps, err := s.ReadSnapshots(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	for i, snap := range snaps {
		assert.Equal(t, int64(i+1), snap.Seq)
	}
	assert.Equal(t, ir.TriggerPeriod, snaps[1].Trigger, "duplicate seq ignored")
	assert.Equal(t, 8.0, snaps[1].Cost)
	assert.Equal(t, map[string]string{"v1": "R", "v2": "G"}, snaps[0].Assignment)
}

func TestSnapshot_RequiresRun(t *testing.T) {
	s := createTestStore(t)
	err := s.WriteSnapshot(context.Background(), "no-such-run", ir.Snapshot{Seq: 1})
	assert.Error(t, err, "foreign key enforced")
}

func TestSnapshot_EmptyRun(t *testing.T) {
	s := createTestStore(t)
	snaps, err := s.ReadSnapshots(context.Background(), "run-x")
	require.NoError(t, err)
	assert.NotNil(t, snaps)
	assert.Empty(t, snaps)
}

func TestFinishRun_StoresReport(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, s, "run-2")

	promos := []ir.Promotion{
		{Computation: "v2", From: "a2", To: "a3", Staleness: 1},
		{Computation: "v1", From: "a1", To: "a3"},
	}
	for _, p := range promos {
		require.NoError(t, s.WritePromotion(ctx, run.ID, p))
	}

	report := ir.RunReport{
		Assignment: map[string]string{"v1": "R"},
		Cost:       2,
		Cycle:      7,
		MsgCount:   12,
		Promotions: promos,
		RunID:      run.ID,
		Snapshots:  4,
		Status:     ir.StatusTimeout,
		Time:       1.5,
	}
	require.NoError(t, s.FinishRun(ctx, run.ID, report))

	got, rep, err := s.ReadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusTimeout, got.Status)
	require.NotNil(t, rep)
	assert.Equal(t, report, *rep)

	readPromos, err := s.ReadPromotions(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, promos, readPromos)
}
