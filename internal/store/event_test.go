package store

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/joyledger/internal/model"
)

func TestEventUpsertKeepsCancellation(t *testing.T) {
	es := NewEventStore(setupLedgerTestDB(t))
	ctx := context.Background()
	start := time.Date(2026, 10, 10, 19, 0, 0, 0, time.UTC)

	e, err := es.Upsert(ctx, model.Event{ID: 55, BusinessID: 5, StartTime: start, DurationMinutes: 90})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !e.EffectiveEnd().Equal(start.Add(90 * time.Minute)) {
		t.Errorf("effective end = %v", e.EffectiveEnd())
	}

	found, err := es.MarkCancelled(ctx, 55, start)
	if err != nil || !found {
		t.Fatalf("mark cancelled = %v, %v", found, err)
	}

	e, err = es.Upsert(ctx, model.Event{ID: 55, BusinessID: 5, StartTime: start.Add(time.Hour), DurationMinutes: 60})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if !e.Cancelled {
		t.Error("cancellation was cleared by upsert")
	}
	if !e.StartTime.Equal(start.Add(time.Hour)) {
		t.Errorf("start = %v, want %v", e.StartTime, start.Add(time.Hour))
	}

	found, _ = es.MarkCancelled(ctx, 999, start)
	if found {
		t.Error("expected unknown event to report false")
	}
}

func TestEventListEndedBefore(t *testing.T) {
	db := setupLedgerTestDB(t)
	es := NewEventStore(db)
	rs := NewReservationStore(db)
	ctx := context.Background()
	end := time.Date(2026, 10, 10, 21, 0, 0, 0, time.UTC)

	es.Upsert(ctx, model.Event{ID: 1, BusinessID: 5, StartTime: end.Add(-2 * time.Hour), EndTime: &end})
	es.Upsert(ctx, model.Event{ID: 2, BusinessID: 5, StartTime: end.Add(-time.Hour), DurationMinutes: 60})
	es.Upsert(ctx, model.Event{ID: 3, BusinessID: 5, StartTime: end.Add(-time.Hour), EndTime: &end, Cancelled: true})
	es.Upsert(ctx, model.Event{ID: 4, BusinessID: 5, StartTime: end.Add(-time.Hour), EndTime: &end})

	rs.Create(ctx, 1, 1, 5, 2, end)
	rs.Create(ctx, 1, 2, 5, 2, end)
	rs.Create(ctx, 1, 3, 5, 2, end)
	// Event 4 has no open reservations.

	events, err := es.ListEndedBefore(ctx, end)
	if err != nil {
		t.Fatalf("list at end: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("at cutoff == end got %d events, want 0", len(events))
	}

	events, err = es.ListEndedBefore(ctx, end.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("list after end: %v", err)
	}
	if len(events) != 2 || events[0].ID != 1 || events[1].ID != 2 {
		t.Errorf("events = %+v, want ids 1 and 2", events)
	}
}

func TestAttendanceMarkCheckedInOnce(t *testing.T) {
	db := setupLedgerTestDB(t)
	as := NewAttendanceStore(db)
	rs := NewReservationStore(db)
	ctx := context.Background()
	at := time.Date(2026, 10, 10, 19, 5, 0, 0, time.UTC)

	r, _ := rs.Create(ctx, 1, 1, 5, 2, at)

	first, err := as.MarkCheckedIn(ctx, r.ID, 1, at)
	if err != nil || !first {
		t.Fatalf("first check-in = %v, %v", first, err)
	}
	second, err := as.MarkCheckedIn(ctx, r.ID, 1, at.Add(time.Minute))
	if err != nil || second {
		t.Fatalf("second check-in = %v, %v; want false", second, err)
	}

	a, err := as.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get attendance: %v", err)
	}
	if !a.CheckedIn || a.CheckedInAt == nil || !a.CheckedInAt.Equal(at) {
		t.Errorf("attendance = %+v, want checked in at %v", a, at)
	}

	missing, _ := as.Get(ctx, 999)
	if missing != nil {
		t.Errorf("expected nil attendance, got %+v", missing)
	}
}

func TestTransferInsertAndLookup(t *testing.T) {
	db := setupLedgerTestDB(t)
	ts := NewTransferStore(db)
	log := NewTransactionStore(db)
	ctx := context.Background()

	log.Append(ctx, 1, model.TxAdjustment, 5, 5, TxMeta{})
	out, _ := log.Append(ctx, 1, model.TxTransferOut, -2, 3, TxMeta{})
	in, _ := log.Append(ctx, 2, model.TxTransferIn, 2, 2, TxMeta{})

	key := "req-1"
	tr := &model.Transfer{
		CorrelationID: "c0ffee", IdempotencyKey: &key,
		FromMemberID: 1, ToMemberID: 2, Amount: 2,
		OutTransactionID: out.ID, InTransactionID: in.ID, CreatedAt: time.Now(),
	}
	if err := ts.Insert(ctx, tr); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if tr.ID == 0 {
		t.Error("expected id to be set")
	}

	got, err := ts.GetByKey(ctx, 1, "req-1")
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if got == nil || got.CorrelationID != "c0ffee" || got.Amount != 2 {
		t.Errorf("got = %+v", got)
	}

	byCorr, _ := ts.GetByCorrelationID(ctx, "c0ffee")
	if byCorr == nil || byCorr.ID != tr.ID {
		t.Errorf("by correlation = %+v", byCorr)
	}

	none, _ := ts.GetByKey(ctx, 1, "nope")
	if none != nil {
		t.Errorf("expected nil, got %+v", none)
	}
	other, _ := ts.GetByKey(ctx, 2, "req-1")
	if other != nil {
		t.Errorf("key is scoped to the sender, got %+v", other)
	}
}
