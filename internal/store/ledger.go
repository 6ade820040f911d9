package store

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"waveforge/internal/cost"
	"waveforge/internal/types"
)

// SaveLedger persists the ledger snapshot and its violations. Violations
// are rewritten wholesale inside the transaction; the table stays
// append-only from the engine's perspective because the in-memory list
// only ever grows within a run.
func (s *Store) SaveLedger(led cost.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return types.WrapError(types.KindPersistence, err, "begin save ledger")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO cost_ledger (masterplan_id, accumulated, soft_cap, hard_cap,
		                          per_atom_cap, alert_fired_soft, hard_breached)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(masterplan_id) DO UPDATE SET
		   accumulated = excluded.accumulated,
		   soft_cap = excluded.soft_cap,
		   hard_cap = excluded.hard_cap,
		   per_atom_cap = excluded.per_atom_cap,
		   alert_fired_soft = excluded.alert_fired_soft,
		   hard_breached = excluded.hard_breached`,
		led.MasterplanID, led.Accumulated, led.SoftCap, led.HardCap,
		led.PerAtomCap, led.AlertFiredSoft, led.HardBreached); err != nil {
		return types.WrapError(types.KindPersistence, err, "save ledger %s", led.MasterplanID)
	}

	if _, err := tx.Exec(`DELETE FROM cost_violations WHERE masterplan_id = ?`, led.MasterplanID); err != nil {
		return types.WrapError(types.KindPersistence, err, "clear violations %s", led.MasterplanID)
	}
	for _, v := range led.Violations {
		if _, err := tx.Exec(
			`INSERT INTO cost_violations (masterplan_id, atom_id, kind, observed, cap, ts)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			led.MasterplanID, v.AtomID.String(), string(v.Kind), v.Observed, v.Cap, v.TS); err != nil {
			return types.WrapError(types.KindPersistence, err, "save violation %s", led.MasterplanID)
		}
	}
	return tx.Commit()
}

// LoadLedger restores a ledger snapshot; ok is false when none exists.
func (s *Store) LoadLedger(masterplanID string) (cost.Ledger, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	led := cost.Ledger{MasterplanID: masterplanID}
	err := s.db.QueryRow(
		`SELECT accumulated, soft_cap, hard_cap, per_atom_cap, alert_fired_soft, hard_breached
		 FROM cost_ledger WHERE masterplan_id = ?`, masterplanID).
		Scan(&led.Accumulated, &led.SoftCap, &led.HardCap, &led.PerAtomCap,
			&led.AlertFiredSoft, &led.HardBreached)
	if errors.Is(err, sql.ErrNoRows) {
		return cost.Ledger{}, false, nil
	}
	if err != nil {
		return cost.Ledger{}, false, types.WrapError(types.KindPersistence, err, "load ledger %s", masterplanID)
	}

	rows, err := s.db.Query(
		`SELECT atom_id, kind, observed, cap, ts FROM cost_violations
		 WHERE masterplan_id = ? ORDER BY id`, masterplanID)
	if err != nil {
		return cost.Ledger{}, false, types.WrapError(types.KindPersistence, err, "load violations %s", masterplanID)
	}
	defer rows.Close()
	for rows.Next() {
		var v cost.Violation
		var atomID, kind string
		if err := rows.Scan(&atomID, &kind, &v.Observed, &v.Cap, &v.TS); err != nil {
			return cost.Ledger{}, false, types.WrapError(types.KindPersistence, err, "scan violation")
		}
		if parsed, perr := uuid.Parse(atomID); perr == nil {
			v.AtomID = parsed
		}
		v.Kind = cost.ViolationKind(kind)
		led.Violations = append(led.Violations, v)
	}
	return led, true, rows.Err()
}
