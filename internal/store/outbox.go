package store

import (
	"waveforge/internal/events"
	"waveforge/internal/types"
)

// OutboxRow is one durably queued event awaiting publication.
type OutboxRow struct {
	ID    int64
	RunID string
	JSON  string
}

// AppendEvent queues an event outside any other transaction. Components
// with their own transactional writes use FinalizeAtom instead.
func (s *Store) AppendEvent(ev events.Event) error {
	data, err := ev.JSON()
	if err != nil {
		return types.WrapError(types.KindPersistence, err, "encode event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(
		`INSERT INTO event_outbox (run_id, event_json, published) VALUES (?, ?, 0)`,
		ev.RunID, string(data)); err != nil {
		return types.WrapError(types.KindPersistence, err, "append outbox")
	}
	return nil
}

// UnpublishedEvents returns up to limit queued rows in insertion order.
func (s *Store) UnpublishedEvents(limit int) ([]OutboxRow, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT id, COALESCE(run_id, ''), event_json FROM event_outbox
		 WHERE published = 0 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, types.WrapError(types.KindPersistence, err, "query outbox")
	}
	defer rows.Close()
	var out []OutboxRow
	for rows.Next() {
		var r OutboxRow
		if err := rows.Scan(&r.ID, &r.RunID, &r.JSON); err != nil {
			return nil, types.WrapError(types.KindPersistence, err, "scan outbox row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkPublished flags rows as delivered.
func (s *Store) MarkPublished(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return types.WrapError(types.KindPersistence, err, "begin mark published")
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE event_outbox SET published = 1 WHERE id = ?`, id); err != nil {
			return types.WrapError(types.KindPersistence, err, "mark published %d", id)
		}
	}
	return tx.Commit()
}
