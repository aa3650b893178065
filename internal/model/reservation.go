package model

import "time"

type ReservationStatus string

const (
	StatusReserved  ReservationStatus = "reserved"
	StatusRedeemed  ReservationStatus = "redeemed"
	StatusReleased  ReservationStatus = "released"
	StatusForfeited ReservationStatus = "forfeited"
)

// Terminal reports whether no further transition is allowed out of s.
func (s ReservationStatus) Terminal() bool {
	return s == StatusRedeemed || s == StatusReleased || s == StatusForfeited
}

type Reservation struct {
	ID         int64             `json:"id"`
	MemberID   int64             `json:"member_id"`
	EventID    int64             `json:"event_id"`
	BusinessID int64             `json:"business_id"`
	Amount     int64             `json:"amount"`
	Status     ReservationStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

// Event is the schedule row the surrounding application keeps in sync so
// the no-show sweep can tell when an event is over.
type Event struct {
	ID              int64      `json:"id"`
	BusinessID      int64      `json:"business_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	Cancelled       bool       `json:"cancelled"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// EffectiveEnd returns EndTime when set, otherwise StartTime plus the duration.
func (e Event) EffectiveEnd() time.Time {
	if e.EndTime != nil {
		return *e.EndTime
	}
	return e.StartTime.Add(time.Duration(e.DurationMinutes) * time.Minute)
}

type Attendance struct {
	ReservationID int64      `json:"reservation_id"`
	EventID       int64      `json:"event_id"`
	CheckedIn     bool       `json:"checked_in"`
	CheckedInAt   *time.Time `json:"checked_in_at,omitempty"`
}
