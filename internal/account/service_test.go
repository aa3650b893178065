package account

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/dukerupert/joyledger/internal/ledgertest"
	"github.com/dukerupert/joyledger/internal/model"
	"github.com/dukerupert/joyledger/internal/notify"
	"github.com/dukerupert/joyledger/internal/reservation"
)

func setupService(t *testing.T) (*Service, *sql.DB, *notify.Recorder) {
	t.Helper()
	db := ledgertest.OpenDB(t)
	rec := &notify.Recorder{}
	clock := ledgertest.NewClock(time.Date(2026, 10, 5, 12, 0, 0, 0, time.UTC))
	return NewService(db, WithClock(clock.Now), WithNotifier(rec)), db, rec
}

func TestBalanceOfUnknownMemberIsZero(t *testing.T) {
	s, _, _ := setupService(t)
	b, err := s.Balance(context.Background(), ledger.MemberPrincipal(7), 7)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.Spendable != 0 || b.LifetimeEarned != 0 {
		t.Errorf("balance = %+v, want zero", b)
	}
}

func TestBalanceRequiresOwnerOrAdmin(t *testing.T) {
	s, _, _ := setupService(t)
	ctx := context.Background()

	if _, err := s.Balance(ctx, ledger.MemberPrincipal(2), 1); !errors.Is(err, ledger.ErrForbidden) {
		t.Errorf("other member: err = %v, want ErrForbidden", err)
	}
	if _, err := s.Balance(ctx, ledger.StaffPrincipal(9, 5), 1); !errors.Is(err, ledger.ErrForbidden) {
		t.Errorf("staff: err = %v, want ErrForbidden", err)
	}
	if _, err := s.Balance(ctx, ledger.Principal{Role: ledger.RoleAdmin}, 1); err != nil {
		t.Errorf("admin: %v", err)
	}
}

func TestHistoryPages(t *testing.T) {
	s, db, _ := setupService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ledgertest.Fund(t, db, 1, 1)
	}

	p := ledger.MemberPrincipal(1)
	first, err := s.History(ctx, p, 1, 2, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(first.Transactions) != 2 || first.NextBefore == 0 {
		t.Fatalf("first page = %+v", first)
	}
	if first.Transactions[0].BalanceAfter != 5 {
		t.Errorf("newest balance_after = %d, want 5", first.Transactions[0].BalanceAfter)
	}

	var seen int
	cursor := int64(0)
	for {
		page, err := s.History(ctx, p, 1, 2, cursor)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		seen += len(page.Transactions)
		if page.NextBefore == 0 {
			break
		}
		cursor = page.NextBefore
	}
	if seen != 5 {
		t.Errorf("paged %d entries, want 5", seen)
	}
}

func TestHistoryEmptyIsNotNil(t *testing.T) {
	s, _, _ := setupService(t)
	page, err := s.History(context.Background(), ledger.MemberPrincipal(3), 3, 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.Transactions == nil || page.NextBefore != 0 {
		t.Errorf("page = %+v", page)
	}
}

func TestReconcileWithOpenHold(t *testing.T) {
	s, db, _ := setupService(t)
	ctx := context.Background()
	ledgertest.Fund(t, db, 1, 15)

	m := reservation.NewManager(db)
	if _, err := m.Reserve(ctx, ledger.MemberPrincipal(1), reservation.ReserveRequest{
		MemberID: 1, EventID: 10, BusinessID: 2, Amount: 6,
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	rec, err := s.Reconcile(ctx, ledger.MemberPrincipal(1), 1)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rec.Consistent {
		t.Errorf("reconciliation = %+v, want consistent", rec)
	}
	if rec.Spendable != 9 || rec.OpenHolds != 6 || rec.LogSum != 9 || rec.LifetimeRemaining != 15 {
		t.Errorf("reconciliation = %+v", rec)
	}
	var entries int64 = 2 // funding and the reserve debit
	if rec.LogEntries != entries || rec.LastBalanceAfter != 9 {
		t.Errorf("log_entries = %d, last_balance_after = %d", rec.LogEntries, rec.LastBalanceAfter)
	}
}

func TestReconcileDetectsDrift(t *testing.T) {
	s, db, _ := setupService(t)
	ctx := context.Background()
	ledgertest.Fund(t, db, 1, 10)

	// Simulate an out-of-band write that bypassed the log.
	if _, err := db.ExecContext(ctx, `UPDATE balances SET spendable = 12, lifetime_earned = 12 WHERE member_id = 1`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	rec, err := s.Reconcile(ctx, ledger.SystemPrincipal(), 1)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rec.Consistent {
		t.Errorf("reconciliation = %+v, want inconsistent", rec)
	}
	if rec.LogSum != 10 || rec.Spendable != 12 {
		t.Errorf("log_sum = %d, spendable = %d", rec.LogSum, rec.Spendable)
	}
}

func TestAdjust(t *testing.T) {
	s, db, rec := setupService(t)
	ctx := context.Background()
	admin := ledger.Principal{Role: ledger.RoleAdmin}

	res, err := s.Adjust(ctx, admin, 1, 8, "goodwill credit")
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if res.Balance.Spendable != 8 || res.Transaction.Type != model.TxAdjustment || res.Transaction.Note != "goodwill credit" {
		t.Errorf("result = %+v / %+v", res.Balance, res.Transaction)
	}

	res, err = s.Adjust(ctx, admin, 1, -3, "")
	if err != nil {
		t.Fatalf("adjust down: %v", err)
	}
	if res.Balance.Spendable != 5 || res.Transaction.Amount != -3 || res.Transaction.Note != "manual adjustment" {
		t.Errorf("result = %+v / %+v", res.Balance, res.Transaction)
	}

	if _, err := s.Adjust(ctx, admin, 1, -6, "too much"); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("overdraw: err = %v, want ErrInsufficientFunds", err)
	}
	if got := ledgertest.Balance(t, db, 1).Spendable; got != 5 {
		t.Errorf("spendable after rejected adjustment = %d, want 5", got)
	}
	ledgertest.CheckInvariants(t, db, 1)

	if got := rec.Types(); len(got) != 2 || got[0] != "balance_changed" {
		t.Errorf("notifications = %v", got)
	}
}

func TestAdjustValidation(t *testing.T) {
	s, _, _ := setupService(t)
	ctx := context.Background()

	if _, err := s.Adjust(ctx, ledger.MemberPrincipal(1), 1, 5, "self credit"); !errors.Is(err, ledger.ErrForbidden) {
		t.Errorf("member: err = %v, want ErrForbidden", err)
	}
	if _, err := s.Adjust(ctx, ledger.SystemPrincipal(), 1, 0, ""); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("zero: err = %v, want ErrInvalidAmount", err)
	}
	if _, err := s.Adjust(ctx, ledger.SystemPrincipal(), 0, 5, ""); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("member 0: err = %v, want ErrInvalidAmount", err)
	}
}
