package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/joyledger/internal/model"
)

// EventStore keeps the schedule rows the sweep needs. Events are created and
// edited by the surrounding application; ids are theirs.
type EventStore struct {
	db querier
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) WithTx(tx *sql.Tx) *EventStore {
	return &EventStore{db: tx}
}

func scanEvent(scanner interface{ Scan(...any) error }) (*model.Event, error) {
	var e model.Event
	var start, updated int64
	var end sql.NullInt64
	var cancelled int
	err := scanner.Scan(&e.ID, &e.BusinessID, &start, &end, &e.DurationMinutes, &cancelled, &updated)
	if err != nil {
		return nil, err
	}
	e.StartTime = fromMillis(start)
	e.EndTime = fromNullMillis(end)
	e.Cancelled = cancelled != 0
	e.UpdatedAt = fromMillis(updated)
	return &e, nil
}

const eventCols = `id, business_id, start_time, end_time, duration_minutes, cancelled, updated_at`

// Upsert inserts or replaces the schedule of an event. Cancellation is
// sticky: an update never clears it.
func (s *EventStore) Upsert(ctx context.Context, e model.Event) (*model.Event, error) {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, business_id, start_time, end_time, duration_minutes, cancelled, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     business_id = excluded.business_id,
		     start_time = excluded.start_time,
		     end_time = excluded.end_time,
		     duration_minutes = excluded.duration_minutes,
		     cancelled = MAX(events.cancelled, excluded.cancelled),
		     updated_at = excluded.updated_at`,
		e.ID, e.BusinessID, toMillis(e.StartTime), nullMillis(e.EndTime), e.DurationMinutes,
		boolInt(e.Cancelled), toMillis(e.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert event: %w", err)
	}
	return s.GetByID(ctx, e.ID)
}

func (s *EventStore) GetByID(ctx context.Context, id int64) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// MarkCancelled flags the event as cancelled. It reports false when the
// event is unknown.
func (s *EventStore) MarkCancelled(ctx context.Context, id int64, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE events SET cancelled = 1, updated_at = ? WHERE id = ?`, toMillis(at), id)
	if err != nil {
		return false, fmt.Errorf("cancel event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ListEndedBefore returns non-cancelled events whose effective end is
// strictly before cutoff and that still have reserved reservations.
func (s *EventStore) ListEndedBefore(ctx context.Context, cutoff time.Time) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventCols+` FROM events e
		 WHERE e.cancelled = 0
		   AND COALESCE(e.end_time, e.start_time + e.duration_minutes * 60000) < ?
		   AND EXISTS (SELECT 1 FROM reservations r WHERE r.event_id = e.id AND r.status = 'reserved')
		 ORDER BY e.id`,
		toMillis(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("list ended events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}
