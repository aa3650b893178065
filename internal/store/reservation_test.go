package store

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/joyledger/internal/model"
)

func TestReservationLifecycle(t *testing.T) {
	db := setupLedgerTestDB(t)
	rs := NewReservationStore(db)
	ctx := context.Background()
	now := time.Date(2026, 10, 3, 18, 0, 0, 0, time.UTC)

	r, err := rs.Create(ctx, 1, 100, 5, 10, now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != model.StatusReserved || r.Amount != 10 || r.ResolvedAt != nil {
		t.Errorf("created = %+v", r)
	}

	active, err := rs.FindActive(ctx, 1, 100)
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if active == nil || active.ID != r.ID {
		t.Fatalf("active = %+v, want reservation %d", active, r.ID)
	}

	ok, err := rs.Transition(ctx, r.ID, model.StatusRedeemed, now.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("transition = %v, %v; want true", ok, err)
	}

	ok, err = rs.Transition(ctx, r.ID, model.StatusForfeited, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if ok {
		t.Error("second transition should not apply")
	}

	got, _ := rs.GetByID(ctx, r.ID)
	if got.Status != model.StatusRedeemed {
		t.Errorf("status = %s, want redeemed", got.Status)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(now.Add(time.Hour)) {
		t.Errorf("resolved_at = %v, want %v", got.ResolvedAt, now.Add(time.Hour))
	}
}

func TestReservationSchemaGuards(t *testing.T) {
	db := setupLedgerTestDB(t)
	rs := NewReservationStore(db)
	ctx := context.Background()

	r, _ := rs.Create(ctx, 1, 100, 5, 10, time.Now())
	if _, err := db.Exec(`UPDATE reservations SET amount = 3 WHERE id = ?`, r.ID); err == nil {
		t.Error("expected amount change to be rejected")
	}

	rs.Transition(ctx, r.ID, model.StatusReleased, time.Now())
	if _, err := db.Exec(`UPDATE reservations SET status = 'reserved' WHERE id = ?`, r.ID); err == nil {
		t.Error("expected resurrection to be rejected")
	}

	if _, err := rs.Create(ctx, 1, 101, 5, 0, time.Now()); err == nil {
		t.Error("expected zero amount to be rejected")
	}
	if _, err := rs.Transition(ctx, r.ID, model.StatusReserved, time.Now()); err == nil {
		t.Error("expected non-terminal target to be rejected")
	}
}

func TestReservationQueries(t *testing.T) {
	rs := NewReservationStore(setupLedgerTestDB(t))
	ctx := context.Background()
	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	a, _ := rs.Create(ctx, 1, 100, 5, 4, start)
	b, _ := rs.Create(ctx, 2, 100, 5, 6, start)
	c, _ := rs.Create(ctx, 1, 200, 6, 3, start)
	rs.Create(ctx, 1, 300, 6, 2, start)

	rs.Transition(ctx, a.ID, model.StatusRedeemed, start.Add(time.Hour))
	rs.Transition(ctx, b.ID, model.StatusRedeemed, end) // excluded: end is exclusive
	rs.Transition(ctx, c.ID, model.StatusForfeited, start.Add(2*time.Hour))

	reserved, err := rs.ListReservedByEvent(ctx, 100)
	if err != nil {
		t.Fatalf("list reserved: %v", err)
	}
	if len(reserved) != 0 {
		t.Errorf("reserved for event 100 = %d, want 0", len(reserved))
	}

	redeemed, err := rs.ListResolvedBetween(ctx, model.StatusRedeemed, start, end)
	if err != nil {
		t.Fatalf("list redeemed: %v", err)
	}
	if len(redeemed) != 1 || redeemed[0].ID != a.ID {
		t.Errorf("redeemed = %+v, want only reservation %d", redeemed, a.ID)
	}

	holds, err := rs.SumOpenHolds(ctx, 1)
	if err != nil {
		t.Fatalf("sum holds: %v", err)
	}
	if holds != 2 {
		t.Errorf("holds = %d, want 2", holds)
	}
}
