package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"waveforge/internal/types"
)

// Run is one execution attempt over a masterplan.
type Run struct {
	RunID        string
	MasterplanID string
	Status       types.RunStatus
	StateVersion int
	StartedAt    time.Time
	EndedAt      *time.Time
}

// CreateRun inserts a new run row at version 0.
func (s *Store) CreateRun(r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, masterplan_id, status, state_version, started_at)
		 VALUES (?, ?, ?, 0, ?)`,
		r.RunID, r.MasterplanID, string(r.Status), r.StartedAt)
	if err != nil {
		return types.WrapError(types.KindPersistence, err, "create run %s", r.RunID)
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(runID string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRunLocked(runID)
}

func (s *Store) getRunLocked(runID string) (Run, error) {
	var r Run
	var status string
	var ended sql.NullTime
	err := s.db.QueryRow(
		`SELECT run_id, masterplan_id, status, state_version, started_at, ended_at
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&r.RunID, &r.MasterplanID, &status, &r.StateVersion, &r.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, types.ErrRunNotFound
	}
	if err != nil {
		return Run{}, types.WrapError(types.KindPersistence, err, "get run %s", runID)
	}
	r.Status = types.RunStatus(status)
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	return r, nil
}

// LiveRunForMasterplan returns the most recent non-terminal run for a
// masterplan, if any. Start idempotence hangs off this.
func (s *Store) LiveRunForMasterplan(masterplanID string) (Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runID string
	err := s.db.QueryRow(
		`SELECT run_id FROM runs
		 WHERE masterplan_id = ? AND status IN ('pending','active','paused','blocked','degraded')
		 ORDER BY started_at DESC LIMIT 1`, masterplanID).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, types.WrapError(types.KindPersistence, err, "live run lookup")
	}
	r, err := s.getRunLocked(runID)
	return r, err == nil, err
}

// TransitionRun bumps the run's status under optimistic concurrency: the
// caller supplies the version it read, and a concurrent writer makes this
// fail with ErrStaleVersion instead of double-applying.
func (s *Store) TransitionRun(runID string, to types.RunStatus, expectVersion int, ended *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, state_version = state_version + 1, ended_at = COALESCE(?, ended_at)
		 WHERE run_id = ? AND state_version = ?`,
		string(to), ended, runID, expectVersion)
	if err != nil {
		return types.WrapError(types.KindPersistence, err, "transition run %s", runID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.getRunLocked(runID); err != nil {
			return err
		}
		return types.ErrStaleVersion
	}
	return nil
}

// SavePlan snapshots the execution plan for audit and resumption.
func (s *Store) SavePlan(runID string, plan *types.ExecutionPlan) error {
	waves, err := json.Marshal(plan.Waves)
	if err != nil {
		return fmt.Errorf("marshal waves: %w", err)
	}
	broken, err := json.Marshal(plan.CycleBrokenEdges)
	if err != nil {
		return fmt.Errorf("marshal broken edges: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO plans (run_id, waves_json, cycle_broken_edges_json) VALUES (?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET waves_json = excluded.waves_json,
		   cycle_broken_edges_json = excluded.cycle_broken_edges_json`,
		runID, string(waves), string(broken))
	if err != nil {
		return types.WrapError(types.KindPersistence, err, "save plan for %s", runID)
	}
	return nil
}

// LoadPlan restores a snapshotted plan.
func (s *Store) LoadPlan(runID string, masterplanID string) (*types.ExecutionPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wavesJSON string
	var brokenJSON sql.NullString
	err := s.db.QueryRow(
		`SELECT waves_json, cycle_broken_edges_json FROM plans WHERE run_id = ?`, runID).
		Scan(&wavesJSON, &brokenJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrRunNotFound
	}
	if err != nil {
		return nil, types.WrapError(types.KindPersistence, err, "load plan for %s", runID)
	}
	plan := &types.ExecutionPlan{MasterplanID: masterplanID}
	if err := json.Unmarshal([]byte(wavesJSON), &plan.Waves); err != nil {
		return nil, fmt.Errorf("unmarshal waves: %w", err)
	}
	if brokenJSON.Valid && brokenJSON.String != "" {
		if err := json.Unmarshal([]byte(brokenJSON.String), &plan.CycleBrokenEdges); err != nil {
			return nil, fmt.Errorf("unmarshal broken edges: %w", err)
		}
	}
	for _, w := range plan.Waves {
		plan.TotalAtoms += len(w.AtomIDs)
	}
	return plan, nil
}
