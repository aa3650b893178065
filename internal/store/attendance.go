package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/joyledger/internal/model"
)

type AttendanceStore struct {
	db querier
}

func NewAttendanceStore(db *sql.DB) *AttendanceStore {
	return &AttendanceStore{db: db}
}

func (s *AttendanceStore) WithTx(tx *sql.Tx) *AttendanceStore {
	return &AttendanceStore{db: tx}
}

// MarkCheckedIn stamps attendance for a reservation. A second call keeps the
// first timestamp and reports false.
func (s *AttendanceStore) MarkCheckedIn(ctx context.Context, reservationID, eventID int64, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO attendance (reservation_id, event_id, checked_in, checked_in_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT (reservation_id) DO NOTHING`,
		reservationID, eventID, toMillis(at),
	)
	if err != nil {
		return false, fmt.Errorf("mark checked in: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *AttendanceStore) Get(ctx context.Context, reservationID int64) (*model.Attendance, error) {
	var a model.Attendance
	var checkedIn int
	var at sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT reservation_id, event_id, checked_in, checked_in_at FROM attendance WHERE reservation_id = ?`,
		reservationID,
	).Scan(&a.ReservationID, &a.EventID, &checkedIn, &at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attendance: %w", err)
	}
	a.CheckedIn = checkedIn != 0
	a.CheckedInAt = fromNullMillis(at)
	return &a, nil
}
