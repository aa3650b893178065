// Package ledgertest holds helpers shared by the ledger service tests.
package ledgertest

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/joyledger/internal/database"
	"github.com/dukerupert/joyledger/internal/model"
	"github.com/dukerupert/joyledger/internal/store"
)

// OpenDB returns a migrated in-memory database closed at test cleanup.
func OpenDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Fund credits amount coins to a member through a logged adjustment.
func Fund(t *testing.T, db *sql.DB, memberID, amount int64) *model.Balance {
	t.Helper()
	ctx := context.Background()
	var bal *model.Balance
	err := store.RunInTx(ctx, db, func(tx *sql.Tx) error {
		balances := store.NewBalanceStore(db).WithTx(tx)
		cur, err := balances.Get(ctx, memberID)
		if err != nil {
			return err
		}
		bal, err = balances.Adjust(ctx, memberID, amount, cur.Version)
		if err != nil {
			return err
		}
		_, err = store.NewTransactionStore(db).WithTx(tx).Append(ctx, memberID, model.TxAdjustment, amount, bal.Spendable, store.TxMeta{Note: "test funding"})
		return err
	})
	if err != nil {
		t.Fatalf("fund member %d: %v", memberID, err)
	}
	return bal
}

// Balance reads a member's balance or fails the test.
func Balance(t *testing.T, db *sql.DB, memberID int64) *model.Balance {
	t.Helper()
	b, err := store.NewBalanceStore(db).Get(context.Background(), memberID)
	if err != nil {
		t.Fatalf("get balance %d: %v", memberID, err)
	}
	return b
}

// History returns a member's log, oldest first.
func History(t *testing.T, db *sql.DB, memberID int64) []model.Transaction {
	t.Helper()
	txs, err := store.NewTransactionStore(db).History(context.Background(), memberID, store.MaxHistoryLimit, 0)
	if err != nil {
		t.Fatalf("history %d: %v", memberID, err)
	}
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
	return txs
}

// CheckInvariants fails the test when the member's balance, open holds and
// log disagree.
func CheckInvariants(t *testing.T, db *sql.DB, memberID int64) {
	t.Helper()
	ctx := context.Background()

	b := Balance(t, db, memberID)
	holds, err := store.NewReservationStore(db).SumOpenHolds(ctx, memberID)
	if err != nil {
		t.Fatalf("sum holds: %v", err)
	}
	replay, err := store.NewTransactionStore(db).Replay(ctx, memberID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if b.Spendable < 0 {
		t.Errorf("member %d: spendable = %d, want >= 0", memberID, b.Spendable)
	}
	if got, want := b.Spendable+holds, b.LifetimeEarned-b.LifetimeSpent-b.LifetimeExpired; got != want {
		t.Errorf("member %d: spendable+holds = %d, want earned-spent-expired = %d (%+v, holds %d)",
			memberID, got, want, b, holds)
	}
	if !replay.ChainIntact {
		t.Errorf("member %d: log chain broken at entry %d", memberID, replay.FirstBreakID)
	}
	if replay.Sum != b.Spendable {
		t.Errorf("member %d: log sum = %d, want spendable %d", memberID, replay.Sum, b.Spendable)
	}
	if replay.Entries > 0 && replay.LastBalanceAfter != b.Spendable {
		t.Errorf("member %d: last balance_after = %d, want %d", memberID, replay.LastBalanceAfter, b.Spendable)
	}
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
