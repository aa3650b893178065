package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/joyledger/internal/model"
)

type ReservationStore struct {
	db querier
}

func NewReservationStore(db *sql.DB) *ReservationStore {
	return &ReservationStore{db: db}
}

func (s *ReservationStore) WithTx(tx *sql.Tx) *ReservationStore {
	return &ReservationStore{db: tx}
}

func scanReservation(scanner interface{ Scan(...any) error }) (*model.Reservation, error) {
	var r model.Reservation
	var status string
	var createdAt int64
	var resolvedAt sql.NullInt64
	err := scanner.Scan(&r.ID, &r.MemberID, &r.EventID, &r.BusinessID, &r.Amount, &status, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.ReservationStatus(status)
	r.CreatedAt = fromMillis(createdAt)
	r.ResolvedAt = fromNullMillis(resolvedAt)
	return &r, nil
}

const reservationCols = `id, member_id, event_id, business_id, amount, status, created_at, resolved_at`

// Create inserts a reservation in the reserved state.
func (s *ReservationStore) Create(ctx context.Context, memberID, eventID, businessID, amount int64, createdAt time.Time) (*model.Reservation, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO reservations (member_id, event_id, business_id, amount, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		memberID, eventID, businessID, amount, string(model.StatusReserved), toMillis(createdAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *ReservationStore) GetByID(ctx context.Context, id int64) (*model.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reservationCols+` FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// FindActive returns the member's reserved or redeemed reservation for the
// event, or nil.
func (s *ReservationStore) FindActive(ctx context.Context, memberID, eventID int64) (*model.Reservation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reservationCols+` FROM reservations
		 WHERE member_id = ? AND event_id = ? AND status IN ('reserved', 'redeemed')
		 ORDER BY id DESC LIMIT 1`,
		memberID, eventID,
	)
	r, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active reservation: %w", err)
	}
	return r, nil
}

// Transition moves a reserved reservation to a terminal status. It reports
// false when the reservation was no longer reserved.
func (s *ReservationStore) Transition(ctx context.Context, id int64, to model.ReservationStatus, at time.Time) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("transition reservation %d: %q is not terminal", id, to)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE reservations SET status = ?, resolved_at = ? WHERE id = ? AND status = 'reserved'`,
		string(to), toMillis(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("transition reservation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *ReservationStore) ListReservedByEvent(ctx context.Context, eventID int64) ([]model.Reservation, error) {
	return s.list(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE event_id = ? AND status = 'reserved' ORDER BY id`,
		eventID)
}

// ListResolvedBetween returns reservations that reached status with
// resolved_at in [start, end).
func (s *ReservationStore) ListResolvedBetween(ctx context.Context, status model.ReservationStatus, start, end time.Time) ([]model.Reservation, error) {
	return s.list(ctx,
		`SELECT `+reservationCols+` FROM reservations
		 WHERE status = ? AND resolved_at >= ? AND resolved_at < ?
		 ORDER BY business_id, id`,
		string(status), toMillis(start), toMillis(end))
}

// SumOpenHolds returns the coins held by the member's reserved reservations.
func (s *ReservationStore) SumOpenHolds(ctx context.Context, memberID int64) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM reservations WHERE member_id = ? AND status = 'reserved'`,
		memberID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum open holds: %w", err)
	}
	return sum, nil
}

func (s *ReservationStore) list(ctx context.Context, query string, args ...any) ([]model.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var out []model.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
