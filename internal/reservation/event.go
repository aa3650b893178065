package reservation

import (
	"context"
	"fmt"

	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/dukerupert/joyledger/internal/model"
	"github.com/dukerupert/joyledger/internal/notify"
)

// ReleaseReport summarizes a bulk release after an event is cancelled.
type ReleaseReport struct {
	EventID  int64                `json:"event_id"`
	Released int                  `json:"released"`
	Failures []ledger.ItemFailure `json:"failures,omitempty"`
}

// ScheduleEvent records or updates an event's schedule. An event cannot move
// to a different business.
func (m *Manager) ScheduleEvent(ctx context.Context, p ledger.Principal, ev model.Event) (*model.Event, error) {
	if err := p.AuthorizeBusiness(ev.BusinessID); err != nil {
		return nil, err
	}
	if ev.DurationMinutes < 0 {
		return nil, fmt.Errorf("%w: negative duration", ledger.ErrInvalidAmount)
	}
	if ev.EndTime != nil && ev.EndTime.Before(ev.StartTime) {
		return nil, fmt.Errorf("%w: event %d ends before it starts", ledger.ErrInvalidAmount, ev.ID)
	}
	existing, err := m.events.GetByID(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.BusinessID != ev.BusinessID {
		return nil, fmt.Errorf("%w: event %d belongs to business %d",
			ledger.ErrEventMismatch, ev.ID, existing.BusinessID)
	}
	ev.UpdatedAt = m.clock()
	return m.events.Upsert(ctx, ev)
}

// ReleaseEvent cancels an event and releases every open reservation on it.
// Each release is its own transaction; failures are reported, not fatal.
func (m *Manager) ReleaseEvent(ctx context.Context, p ledger.Principal, eventID int64) (*ReleaseReport, error) {
	ev, err := m.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev != nil {
		if err := p.AuthorizeBusiness(ev.BusinessID); err != nil {
			return nil, err
		}
		if _, err := m.events.MarkCancelled(ctx, eventID, m.clock()); err != nil {
			return nil, err
		}
	}

	open, err := m.reservations.ListReservedByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		if len(open) == 0 {
			return nil, fmt.Errorf("%w: event %d", ledger.ErrNotFound, eventID)
		}
		// Without a schedule row the caller must staff every business
		// holding a reservation on the event.
		for _, r := range open {
			if err := p.AuthorizeBusiness(r.BusinessID); err != nil {
				return nil, err
			}
		}
	}

	report := &ReleaseReport{EventID: eventID}
	for _, r := range open {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := m.Release(ctx, p, r.ID); err != nil {
			m.logger.Warn("release reservation", "reservation_id", r.ID, "event_id", eventID, "error", err)
			report.Failures = append(report.Failures, ledger.NewItemFailure("reservation", r.ID, err))
			continue
		}
		report.Released++
	}

	m.logger.Info("event cancelled", "event_id", eventID, "released", report.Released, "failed", len(report.Failures))
	m.notifier.Notify(ctx, notify.New("event", "cancelled", eventID, nil, map[string]any{
		"released": report.Released,
	}))
	return report, nil
}
