package sweeper

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/dukerupert/joyledger/internal/ledgertest"
	"github.com/dukerupert/joyledger/internal/model"
	"github.com/dukerupert/joyledger/internal/reservation"
)

var gEnd = time.Date(2026, 10, 10, 21, 0, 0, 0, time.UTC)

func setupSweeper(t *testing.T) (*Sweeper, *reservation.Manager, *sql.DB) {
	t.Helper()
	db := ledgertest.OpenDB(t)
	clock := ledgertest.NewClock(gEnd.Add(-3 * time.Hour))
	m := reservation.NewManager(db, reservation.WithClock(clock.Now))
	return New(db, m, nil, nil, nil), m, db
}

func schedule(t *testing.T, m *reservation.Manager, id int64, ev model.Event) {
	t.Helper()
	ev.ID = id
	ev.BusinessID = 5
	if _, err := m.ScheduleEvent(context.Background(), ledger.SystemPrincipal(), ev); err != nil {
		t.Fatalf("schedule: %v", err)
	}
}

func reserve(t *testing.T, m *reservation.Manager, member, event, amount int64) *model.Reservation {
	t.Helper()
	r, err := m.Reserve(context.Background(), ledger.MemberPrincipal(member), reservation.ReserveRequest{
		MemberID: member, EventID: event, BusinessID: 5, Amount: amount,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return r
}

func TestSweepRespectsGraceWindow(t *testing.T) {
	s, m, db := setupSweeper(t)
	ctx := context.Background()
	end := gEnd
	schedule(t, m, 1, model.Event{StartTime: end.Add(-2 * time.Hour), EndTime: &end})
	ledgertest.Fund(t, db, 1, 6)
	r := reserve(t, m, 1, 1, 6)
	before := ledgertest.Balance(t, db, 1)

	report, err := s.Run(ctx, end.Add(time.Hour))
	if err != nil {
		t.Fatalf("sweep at T+1h: %v", err)
	}
	if report.EventsScanned != 0 || report.ReservationsForfeited != 0 {
		t.Errorf("T+1h report = %+v, want nothing", report)
	}

	report, err = s.Run(ctx, end.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("sweep at T+3h: %v", err)
	}
	if report.EventsScanned != 1 || report.ReservationsForfeited != 1 {
		t.Errorf("T+3h report = %+v, want 1 event 1 forfeited", report)
	}

	got, _ := m.Get(ctx, ledger.SystemPrincipal(), r.ID)
	if got.Status != model.StatusForfeited {
		t.Errorf("status = %s, want forfeited", got.Status)
	}
	after := ledgertest.Balance(t, db, 1)
	if after.Spendable != before.Spendable {
		t.Errorf("spendable = %d, want unchanged %d", after.Spendable, before.Spendable)
	}
	if after.LifetimeSpent != before.LifetimeSpent+6 {
		t.Errorf("lifetime_spent = %d, want %d", after.LifetimeSpent, before.LifetimeSpent+6)
	}
	ledgertest.CheckInvariants(t, db, 1)

	report, err = s.Run(ctx, end.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if report.ReservationsForfeited != 0 {
		t.Errorf("re-run forfeited %d, want 0", report.ReservationsForfeited)
	}
	if b := ledgertest.Balance(t, db, 1); b.LifetimeSpent != after.LifetimeSpent {
		t.Errorf("re-run changed lifetime_spent to %d", b.LifetimeSpent)
	}
}

func TestSweepUsesDurationAndSkipsCheckedIn(t *testing.T) {
	s, m, db := setupSweeper(t)
	ctx := context.Background()
	schedule(t, m, 2, model.Event{StartTime: gEnd.Add(-time.Hour), DurationMinutes: 60})
	for _, member := range []int64{1, 2} {
		ledgertest.Fund(t, db, member, 3)
	}
	noShow := reserve(t, m, 1, 2, 3)
	attended := reserve(t, m, 2, 2, 3)
	if _, err := m.Redeem(ctx, ledger.SystemPrincipal(), attended.ID); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	report, err := s.Run(ctx, gEnd.Add(2*time.Hour+time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.ReservationsForfeited != 1 {
		t.Errorf("forfeited = %d, want 1", report.ReservationsForfeited)
	}
	got, _ := m.Get(ctx, ledger.SystemPrincipal(), noShow.ID)
	if got.Status != model.StatusForfeited {
		t.Errorf("no-show status = %s", got.Status)
	}
	got, _ = m.Get(ctx, ledger.SystemPrincipal(), attended.ID)
	if got.Status != model.StatusRedeemed {
		t.Errorf("attended status = %s", got.Status)
	}
}

func TestSweepSkipsCancelledEvents(t *testing.T) {
	s, m, db := setupSweeper(t)
	ctx := context.Background()
	end := gEnd
	schedule(t, m, 3, model.Event{StartTime: end.Add(-time.Hour), EndTime: &end})
	ledgertest.Fund(t, db, 1, 2)
	reserve(t, m, 1, 3, 2)
	if _, err := m.ReleaseEvent(ctx, ledger.SystemPrincipal(), 3); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	report, err := s.Run(ctx, end.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.EventsScanned != 0 {
		t.Errorf("events scanned = %d, want 0", report.EventsScanned)
	}
	if b := ledgertest.Balance(t, db, 1); b.Spendable != 2 {
		t.Errorf("spendable = %d, want 2", b.Spendable)
	}
}

func TestConcurrentSweepsForfeitOnce(t *testing.T) {
	s, m, db := setupSweeper(t)
	ctx := context.Background()
	end := gEnd
	schedule(t, m, 4, model.Event{StartTime: end.Add(-time.Hour), EndTime: &end})
	for member := int64(1); member <= 5; member++ {
		ledgertest.Fund(t, db, member, 2)
		reserve(t, m, member, 4, 2)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := s.Run(ctx, end.Add(3*time.Hour))
			if err != nil {
				t.Errorf("sweep: %v", err)
				return
			}
			if len(report.Failures) != 0 {
				t.Errorf("failures = %+v", report.Failures)
			}
			mu.Lock()
			total += report.ReservationsForfeited
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 5 {
		t.Errorf("total forfeited = %d, want 5", total)
	}
	for member := int64(1); member <= 5; member++ {
		b := ledgertest.Balance(t, db, member)
		if b.LifetimeSpent != 2 {
			t.Errorf("member %d lifetime_spent = %d, want 2", member, b.LifetimeSpent)
		}
		ledgertest.CheckInvariants(t, db, member)
	}
}

func TestSweepCollectsFailures(t *testing.T) {
	s, m, db := setupSweeper(t)
	ctx := context.Background()
	end := gEnd
	schedule(t, m, 5, model.Event{StartTime: end.Add(-time.Hour), EndTime: &end})
	schedule(t, m, 6, model.Event{StartTime: end.Add(-time.Hour), EndTime: &end})
	ledgertest.Fund(t, db, 1, 2)
	ledgertest.Fund(t, db, 2, 2)
	bad := reserve(t, m, 1, 5, 2)
	good := reserve(t, m, 2, 6, 2)

	// A log entry written behind the ledger's back breaks member 1's chain,
	// so forfeiting their reservation fails.
	if _, err := db.Exec(`INSERT INTO transactions (member_id, type, amount, balance_after, note, created_at) VALUES (1, 'adjustment', 0, 99, 'corrupt', 0)`); err != nil {
		t.Fatalf("corrupt log: %v", err)
	}

	report, err := s.Run(ctx, end.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.ReservationsForfeited != 1 {
		t.Errorf("forfeited = %d, want 1", report.ReservationsForfeited)
	}
	if len(report.Failures) != 1 || report.Failures[0].ID != bad.ID {
		t.Fatalf("failures = %+v, want reservation %d", report.Failures, bad.ID)
	}
	if report.Failures[0].Code != ledger.CodeInternal {
		t.Errorf("failure code = %s, want INTERNAL", report.Failures[0].Code)
	}

	got, _ := m.Get(ctx, ledger.SystemPrincipal(), good.ID)
	if got.Status != model.StatusForfeited {
		t.Errorf("good reservation status = %s", got.Status)
	}
	got, _ = m.Get(ctx, ledger.SystemPrincipal(), bad.ID)
	if got.Status != model.StatusReserved {
		t.Errorf("bad reservation status = %s, want reserved after rollback", got.Status)
	}
}

func TestCheckAsOf(t *testing.T) {
	now := gEnd
	if err := CheckAsOf(now, now); err != nil {
		t.Errorf("as of now: %v", err)
	}
	if err := CheckAsOf(now.Add(-time.Hour), now); err != nil {
		t.Errorf("as of the past: %v", err)
	}
	if err := CheckAsOf(now.Add(time.Second), now); !errors.Is(err, ErrFutureAsOf) {
		t.Errorf("as of the future: err = %v, want ErrFutureAsOf", err)
	}
}
