// Package attendance turns a staff check-in into a redeemed reservation.
package attendance

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/dukerupert/joyledger/internal/model"
	"github.com/dukerupert/joyledger/internal/reservation"
	"github.com/dukerupert/joyledger/internal/store"
)

// Gate is the only path by which a reservation becomes redeemed.
type Gate struct {
	reservations *store.ReservationStore
	attendance   *store.AttendanceStore
	manager      *reservation.Manager
	logger       *slog.Logger
}

func NewGate(db *sql.DB, manager *reservation.Manager, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		reservations: store.NewReservationStore(db),
		attendance:   store.NewAttendanceStore(db),
		manager:      manager,
		logger:       logger.With("component", "attendance"),
	}
}

// CheckIn redeems the reservation and stamps attendance in one transaction.
// Checking in twice returns the redeemed reservation without further effect.
func (g *Gate) CheckIn(ctx context.Context, p ledger.Principal, reservationID, eventID int64) (*model.Reservation, error) {
	r, err := g.reservations.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: reservation %d", ledger.ErrNotFound, reservationID)
	}
	if r.EventID != eventID {
		return nil, fmt.Errorf("%w: reservation %d is for event %d, not %d",
			ledger.ErrEventMismatch, r.ID, r.EventID, eventID)
	}

	redeemed, err := g.manager.Redeem(ctx, p, reservationID, g.stamp)
	if err != nil {
		g.logger.Debug("check-in rejected", "reservation_id", reservationID, "event_id", eventID, "error", err)
		return nil, err
	}
	return redeemed, nil
}

func (g *Gate) stamp(ctx context.Context, tx *sql.Tx, r *model.Reservation) error {
	at := r.ResolvedAt
	if at == nil {
		return fmt.Errorf("stamp attendance: reservation %d has no resolved_at", r.ID)
	}
	if _, err := g.attendance.WithTx(tx).MarkCheckedIn(ctx, r.ID, r.EventID, *at); err != nil {
		return err
	}
	return nil
}

// Attendance returns the attendance record of a reservation, or nil when the
// holder has not checked in.
func (g *Gate) Attendance(ctx context.Context, reservationID int64) (*model.Attendance, error) {
	return g.attendance.Get(ctx, reservationID)
}
