package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"waveforge/internal/events"
	"waveforge/internal/types"
)

// UpsertAtoms writes the masterplan's atoms, preserving runtime columns on
// conflict so re-loading inputs never clobbers execution progress.
func (s *Store) UpsertAtoms(atoms []types.Atom) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return types.WrapError(types.KindPersistence, err, "begin upsert atoms")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO atoms (atom_id, masterplan_id, task_id, complexity, estimated_cost,
		                    prompt, target_files, acceptance_refs, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(atom_id) DO UPDATE SET
		   complexity = excluded.complexity,
		   estimated_cost = excluded.estimated_cost,
		   prompt = excluded.prompt,
		   target_files = excluded.target_files,
		   acceptance_refs = excluded.acceptance_refs`)
	if err != nil {
		return types.WrapError(types.KindPersistence, err, "prepare upsert atoms")
	}
	defer stmt.Close()

	for _, a := range atoms {
		files, _ := json.Marshal(a.TargetFiles)
		refs, _ := json.Marshal(a.AcceptanceRefs)
		status := a.Status
		if status == "" {
			status = types.StatusPending
		}
		created := a.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := stmt.Exec(a.ID.String(), a.MasterplanID, a.TaskID, string(a.Complexity),
			a.EstimatedCost, a.Prompt, string(files), string(refs), string(status), created); err != nil {
			return types.WrapError(types.KindPersistence, err, "upsert atom %s", a.ID)
		}
	}
	return tx.Commit()
}

// LoadAtoms returns every atom of a masterplan keyed by id.
func (s *Store) LoadAtoms(masterplanID string) (map[types.AtomID]types.Atom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT atom_id, masterplan_id, task_id, complexity, estimated_cost, prompt,
		        target_files, acceptance_refs, status, attempt_count, last_error,
		        last_error_kind, confidence, created_at, started_at, ended_at
		 FROM atoms WHERE masterplan_id = ?`, masterplanID)
	if err != nil {
		return nil, types.WrapError(types.KindPersistence, err, "load atoms")
	}
	defer rows.Close()

	out := make(map[types.AtomID]types.Atom)
	for rows.Next() {
		var a types.Atom
		var id, complexity, status string
		var taskID, prompt, files, refs, lastErr, lastKind sql.NullString
		var created sql.NullTime
		var started, ended sql.NullTime
		if err := rows.Scan(&id, &a.MasterplanID, &taskID, &complexity, &a.EstimatedCost,
			&prompt, &files, &refs, &status, &a.AttemptCount, &lastErr, &lastKind,
			&a.Confidence, &created, &started, &ended); err != nil {
			return nil, types.WrapError(types.KindPersistence, err, "scan atom")
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, types.WrapError(types.KindInvalidInput, err, "atom id %q", id)
		}
		a.ID = parsed
		a.Complexity = types.Complexity(complexity)
		a.Status = types.Status(status)
		a.TaskID = taskID.String
		a.Prompt = prompt.String
		a.LastError = lastErr.String
		a.LastErrorKind = lastKind.String
		if files.Valid && files.String != "" {
			_ = json.Unmarshal([]byte(files.String), &a.TargetFiles)
		}
		if refs.Valid && refs.String != "" {
			_ = json.Unmarshal([]byte(refs.String), &a.AcceptanceRefs)
		}
		if created.Valid {
			a.CreatedAt = created.Time
		}
		if started.Valid {
			t := started.Time
			a.StartedAt = &t
		}
		if ended.Valid {
			t := ended.Time
			a.EndedAt = &t
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

// LoadEdges returns the masterplan's declared dependency edges.
func (s *Store) LoadEdges(masterplanID string) ([]types.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT src, dst, kind, weight, confidence FROM edges WHERE masterplan_id = ?`,
		masterplanID)
	if err != nil {
		return nil, types.WrapError(types.KindPersistence, err, "load edges")
	}
	defer rows.Close()

	var out []types.Edge
	for rows.Next() {
		var e types.Edge
		var src, dst, kind string
		if err := rows.Scan(&src, &dst, &kind, &e.Weight, &e.Confidence); err != nil {
			return nil, types.WrapError(types.KindPersistence, err, "scan edge")
		}
		s, err := uuid.Parse(src)
		if err != nil {
			return nil, types.WrapError(types.KindInvalidInput, err, "edge src %q", src)
		}
		d, err := uuid.Parse(dst)
		if err != nil {
			return nil, types.WrapError(types.KindInvalidInput, err, "edge dst %q", dst)
		}
		e.Src, e.Dst, e.Kind = s, d, types.EdgeKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertEdges writes declared edges for a masterplan.
func (s *Store) UpsertEdges(masterplanID string, edges []types.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return types.WrapError(types.KindPersistence, err, "begin upsert edges")
	}
	defer tx.Rollback()
	for _, e := range edges {
		if _, err := tx.Exec(
			`INSERT INTO edges (masterplan_id, src, dst, kind, weight, confidence)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(masterplan_id, src, dst, kind) DO UPDATE SET
			   weight = excluded.weight, confidence = excluded.confidence`,
			masterplanID, e.Src.String(), e.Dst.String(), string(e.Kind), e.Weight, e.Confidence); err != nil {
			return types.WrapError(types.KindPersistence, err, "upsert edge")
		}
	}
	return tx.Commit()
}

// MarkAtomStarted records the in-progress transition.
func (s *Store) MarkAtomStarted(atomID types.AtomID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE atoms SET status = ?, started_at = COALESCE(started_at, ?) WHERE atom_id = ?`,
		string(types.StatusInProgress), at, atomID.String())
	if err != nil {
		return types.WrapError(types.KindPersistence, err, "mark started %s", atomID)
	}
	return nil
}

// FinalizeAtom commits an atom's terminal state together with its outbox
// event in one transaction (outbox pattern): either both are durable or
// neither is.
func (s *Store) FinalizeAtom(runID string, a types.Atom, ev events.Event) error {
	evJSON, err := ev.JSON()
	if err != nil {
		return types.WrapError(types.KindPersistence, err, "encode event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return types.WrapError(types.KindPersistence, err, "begin finalize")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE atoms SET status = ?, attempt_count = ?, last_error = ?, last_error_kind = ?,
		        confidence = ?, ended_at = ?
		 WHERE atom_id = ?`,
		string(a.Status), a.AttemptCount, nullable(a.LastError), nullable(a.LastErrorKind),
		a.Confidence, a.EndedAt, a.ID.String()); err != nil {
		return types.WrapError(types.KindPersistence, err, "finalize atom %s", a.ID)
	}
	if _, err := tx.Exec(
		`INSERT INTO event_outbox (run_id, event_json, published) VALUES (?, ?, 0)`,
		runID, string(evJSON)); err != nil {
		return types.WrapError(types.KindPersistence, err, "outbox append for %s", a.ID)
	}
	return tx.Commit()
}

// ResetAtomsForResume returns failed/cancelled/stuck atoms to pending so a
// resumed run retries them. Atoms released as needs_review are reset too: the
// flag marks them for redo. Succeeded and skipped atoms keep their state.
// keepAttempts preserves attempt counters instead of zeroing them.
func (s *Store) ResetAtomsForResume(masterplanID string, keepAttempts bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := `status = 'pending', started_at = NULL, ended_at = NULL`
	if !keepAttempts {
		set += `, attempt_count = 0, last_error = NULL, last_error_kind = NULL`
	}
	res, err := s.db.Exec(
		`UPDATE atoms SET `+set+`
		 WHERE masterplan_id = ? AND status IN ('failed','cancelled','in_progress','ready','needs_review')`,
		masterplanID)
	if err != nil {
		return 0, types.WrapError(types.KindPersistence, err, "reset atoms for resume")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
