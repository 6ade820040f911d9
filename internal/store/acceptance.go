package store

import (
	"crypto/sha256"
	"encoding/hex"

	"waveforge/internal/types"
)

// UpsertTests registers acceptance tests for a masterplan. The code hash
// lets callers detect regenerated tests without diffing bodies.
func (s *Store) UpsertTests(tests []types.AcceptanceTest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return types.WrapError(types.KindPersistence, err, "begin upsert tests")
	}
	defer tx.Rollback()
	for _, t := range tests {
		sum := sha256.Sum256([]byte(t.Code))
		if _, err := tx.Exec(
			`INSERT INTO acceptance_tests (test_id, masterplan_id, requirement, priority,
			                               language, timeout_seconds, code, code_hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(test_id) DO UPDATE SET
			   requirement = excluded.requirement, priority = excluded.priority,
			   language = excluded.language, timeout_seconds = excluded.timeout_seconds,
			   code = excluded.code, code_hash = excluded.code_hash`,
			t.ID, t.MasterplanID, t.Requirement, string(t.Priority), string(t.Language),
			t.TimeoutSeconds, t.Code, hex.EncodeToString(sum[:])); err != nil {
			return types.WrapError(types.KindPersistence, err, "upsert test %s", t.ID)
		}
	}
	return tx.Commit()
}

// LoadTests returns every acceptance test for a masterplan.
func (s *Store) LoadTests(masterplanID string) ([]types.AcceptanceTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT test_id, masterplan_id, requirement, priority, language, timeout_seconds, code
		 FROM acceptance_tests WHERE masterplan_id = ? ORDER BY test_id`, masterplanID)
	if err != nil {
		return nil, types.WrapError(types.KindPersistence, err, "load tests")
	}
	defer rows.Close()
	var out []types.AcceptanceTest
	for rows.Next() {
		var t types.AcceptanceTest
		var prio, lang string
		if err := rows.Scan(&t.ID, &t.MasterplanID, &t.Requirement, &prio, &lang,
			&t.TimeoutSeconds, &t.Code); err != nil {
			return nil, types.WrapError(types.KindPersistence, err, "scan test")
		}
		t.Priority = types.TestPriority(prio)
		t.Language = types.TestLanguage(lang)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveResults appends one gate evaluation's results.
func (s *Store) SaveResults(results []types.AcceptanceResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return types.WrapError(types.KindPersistence, err, "begin save results")
	}
	defer tx.Rollback()
	for _, r := range results {
		if _, err := tx.Exec(
			`INSERT INTO acceptance_results (test_id, run_id, wave_index, status, duration_ms, error_message)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.TestID, r.RunID, r.WaveIndex, string(r.Status), r.DurationMS, nullable(r.ErrorMessage)); err != nil {
			return types.WrapError(types.KindPersistence, err, "save result for %s", r.TestID)
		}
	}
	return tx.Commit()
}
