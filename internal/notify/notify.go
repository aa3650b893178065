// Package notify fans ledger events out to interested parties. Delivery is
// best effort: a notifier never fails the operation that produced the event.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event describes a committed ledger change.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Entity    string         `json:"entity"`
	Action    string         `json:"action"`
	SubjectID int64          `json:"subject_id,omitempty"`
	MemberIDs []int64        `json:"member_ids,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
}

// New creates an Event with the Type derived from entity and action.
func New(entity, action string, subjectID int64, memberIDs []int64, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      fmt.Sprintf("%s_%s", entity, action),
		Entity:    entity,
		Action:    action,
		SubjectID: subjectID,
		MemberIDs: memberIDs,
		Data:      data,
		At:        time.Now().UTC(),
	}
}

// Concerns reports whether the event is about memberID.
func (e Event) Concerns(memberID int64) bool {
	for _, id := range e.MemberIDs {
		if id == memberID {
			return true
		}
	}
	return false
}

type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Multi delivers each event to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// Recorder keeps every event it receives. Tests use it to assert on what
// an operation announced.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the Type of every recorded event, in order.
func (r *Recorder) Types() []string {
	var types []string
	for _, ev := range r.Events() {
		types = append(types, ev.Type)
	}
	return types
}
