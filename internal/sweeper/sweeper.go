// Package sweeper forfeits reservations whose holders never showed up.
package sweeper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/dukerupert/joyledger/internal/metrics"
	"github.com/dukerupert/joyledger/internal/notify"
	"github.com/dukerupert/joyledger/internal/reservation"
	"github.com/dukerupert/joyledger/internal/store"
)

// Report summarizes one sweep.
type Report struct {
	RanAt                 time.Time            `json:"ran_at"`
	EventsScanned         int                  `json:"events_scanned"`
	ReservationsForfeited int                  `json:"reservations_forfeited"`
	Skipped               int                  `json:"skipped"`
	Failures              []ledger.ItemFailure `json:"failures,omitempty"`
}

type Sweeper struct {
	events       *store.EventStore
	reservations *store.ReservationStore
	manager      *reservation.Manager
	logger       *slog.Logger
	notifier     notify.Notifier
	metrics      *metrics.Metrics
}

func New(db *sql.DB, manager *reservation.Manager, logger *slog.Logger, notifier notify.Notifier, m *metrics.Metrics) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Sweeper{
		events:       store.NewEventStore(db),
		reservations: store.NewReservationStore(db),
		manager:      manager,
		logger:       logger.With("component", "sweeper"),
		notifier:     notifier,
		metrics:      m,
	}
}

// ErrFutureAsOf is returned by CheckAsOf for a sweep time ahead of the clock.
var ErrFutureAsOf = errors.New("sweeper: sweep time is in the future")

// CheckAsOf rejects a caller-supplied sweep time later than now. Sweeping as
// of a future time would forfeit holds for events that have not ended.
func CheckAsOf(asOf, now time.Time) error {
	if asOf.After(now) {
		return fmt.Errorf("%w: %s is after %s", ErrFutureAsOf,
			asOf.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}
	return nil
}

// Run forfeits every reserved reservation of events that ended more than the
// grace period before now. Safe to re-run and to run concurrently with
// itself: reservations already resolved are skipped.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (*Report, error) {
	report := &Report{RanAt: now}
	cutoff := now.Add(-s.manager.GracePeriod())

	events, err := s.events.ListEndedBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	sys := ledger.SystemPrincipal()
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.EventsScanned++

		open, err := s.reservations.ListReservedByEvent(ctx, ev.ID)
		if err != nil {
			s.logger.Error("list reservations", "event_id", ev.ID, "error", err)
			report.Failures = append(report.Failures, ledger.NewItemFailure("event", ev.ID, err))
			continue
		}

		for _, r := range open {
			_, changed, err := s.manager.ForfeitAt(ctx, sys, r.ID, now)
			switch {
			case err == nil && changed:
				report.ReservationsForfeited++
			case err == nil, errors.Is(err, ledger.ErrInvalidTransition):
				report.Skipped++
			default:
				s.logger.Error("forfeit reservation", "reservation_id", r.ID, "event_id", ev.ID, "error", err)
				report.Failures = append(report.Failures, ledger.NewItemFailure("reservation", r.ID, err))
			}
		}
	}

	s.metrics.JobItems("sweep", "forfeited", report.ReservationsForfeited)
	s.metrics.JobItems("sweep", "skipped", report.Skipped)
	s.metrics.JobItems("sweep", "failed", len(report.Failures))

	s.logger.Info("sweep complete",
		"events_scanned", report.EventsScanned,
		"forfeited", report.ReservationsForfeited,
		"skipped", report.Skipped,
		"failed", len(report.Failures),
	)
	if report.ReservationsForfeited > 0 {
		s.notifier.Notify(ctx, notify.New("sweep", "completed", 0, nil, map[string]any{
			"events_scanned":         report.EventsScanned,
			"reservations_forfeited": report.ReservationsForfeited,
		}))
	}
	return report, nil
}
