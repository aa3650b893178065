package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/dukerupert/joyledger/internal/model"
)

// DebitMode says whether a debit is a hold or a terminal spend.
type DebitMode int

const (
	// DebitHold removes coins from spendable without touching lifetime_spent.
	DebitHold DebitMode = iota
	// DebitSpend also counts the coins as spent (transfer-out).
	DebitSpend
)

// CreditMode says whether a credit returns held coins or brings in new ones.
type CreditMode int

const (
	// CreditRefund returns coins that were held or debited earlier.
	CreditRefund CreditMode = iota
	// CreditEarn counts the coins toward lifetime_earned (transfer-in).
	CreditEarn
)

// GrantReset is the outcome of overwriting a balance with a period grant.
type GrantReset struct {
	PreviousBalance int64
	NewBalance      int64
	ExpiredAmount   int64
	Balance         *model.Balance
}

type BalanceStore struct {
	db  querier
	now func() time.Time
}

func NewBalanceStore(db *sql.DB) *BalanceStore {
	return &BalanceStore{db: db, now: time.Now}
}

// WithTx returns a copy of the store bound to tx.
func (s *BalanceStore) WithTx(tx *sql.Tx) *BalanceStore {
	return &BalanceStore{db: tx, now: s.now}
}

func scanBalance(scanner interface{ Scan(...any) error }) (*model.Balance, error) {
	var b model.Balance
	var createdAt, updatedAt int64
	err := scanner.Scan(&b.MemberID, &b.Spendable, &b.LifetimeEarned, &b.LifetimeSpent,
		&b.LifetimeExpired, &b.Version, &b.LastGrantPeriod, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = fromMillis(createdAt)
	b.UpdatedAt = fromMillis(updatedAt)
	return &b, nil
}

const balanceCols = `member_id, spendable, lifetime_earned, lifetime_spent, lifetime_expired, version, last_grant_period, created_at, updated_at`

// Get returns the member's balance, creating a zero balance on first access.
func (s *BalanceStore) Get(ctx context.Context, memberID int64) (*model.Balance, error) {
	now := toMillis(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO balances (member_id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (member_id) DO NOTHING`,
		memberID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure balance: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+balanceCols+` FROM balances WHERE member_id = ?`, memberID)
	b, err := scanBalance(row)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// Debit removes amount from spendable iff the stored version equals
// expectedVersion and spendable covers it.
func (s *BalanceStore) Debit(ctx context.Context, memberID, amount, expectedVersion int64, mode DebitMode) (*model.Balance, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: debit of %d", ledger.ErrInvalidAmount, amount)
	}
	var spent int64
	if mode == DebitSpend {
		spent = amount
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE balances
		 SET spendable = spendable - ?, lifetime_spent = lifetime_spent + ?, version = version + 1, updated_at = ?
		 WHERE member_id = ? AND version = ? AND spendable >= ?`,
		amount, spent, toMillis(s.now()), memberID, expectedVersion, amount,
	)
	if err != nil {
		return nil, fmt.Errorf("debit balance: %w", err)
	}
	return s.afterConditionalUpdate(ctx, result, memberID, expectedVersion, ledger.ErrInsufficientFunds)
}

// Credit adds amount to spendable iff the stored version equals expectedVersion.
func (s *BalanceStore) Credit(ctx context.Context, memberID, amount, expectedVersion int64, mode CreditMode) (*model.Balance, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: credit of %d", ledger.ErrInvalidAmount, amount)
	}
	var earned int64
	if mode == CreditEarn {
		earned = amount
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE balances
		 SET spendable = spendable + ?, lifetime_earned = lifetime_earned + ?, version = version + 1, updated_at = ?
		 WHERE member_id = ? AND version = ?`,
		amount, earned, toMillis(s.now()), memberID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}
	return s.afterConditionalUpdate(ctx, result, memberID, expectedVersion, ledger.ErrVersionConflict)
}

// MarkSpent moves a closed hold into lifetime_spent. Spendable is unchanged.
func (s *BalanceStore) MarkSpent(ctx context.Context, memberID, amount, expectedVersion int64) (*model.Balance, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: spend of %d", ledger.ErrInvalidAmount, amount)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE balances
		 SET lifetime_spent = lifetime_spent + ?, version = version + 1, updated_at = ?
		 WHERE member_id = ? AND version = ?`,
		amount, toMillis(s.now()), memberID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("mark spent: %w", err)
	}
	return s.afterConditionalUpdate(ctx, result, memberID, expectedVersion, ledger.ErrVersionConflict)
}

// Adjust applies a signed administrative correction to spendable and
// lifetime_earned. Neither may go below zero.
func (s *BalanceStore) Adjust(ctx context.Context, memberID, delta, expectedVersion int64) (*model.Balance, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: adjustment of 0", ledger.ErrInvalidAmount)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE balances
		 SET spendable = spendable + ?, lifetime_earned = lifetime_earned + ?, version = version + 1, updated_at = ?
		 WHERE member_id = ? AND version = ? AND spendable + ? >= 0 AND lifetime_earned + ? >= 0`,
		delta, delta, toMillis(s.now()), memberID, expectedVersion, delta, delta,
	)
	if err != nil {
		return nil, fmt.Errorf("adjust balance: %w", err)
	}
	return s.afterConditionalUpdate(ctx, result, memberID, expectedVersion, ledger.ErrInsufficientFunds)
}

// afterConditionalUpdate turns a compare-and-swap result into a balance or a
// typed failure. A version mismatch wins over the fallback error.
func (s *BalanceStore) afterConditionalUpdate(ctx context.Context, result sql.Result, memberID, expectedVersion int64, fallback error) (*model.Balance, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	cur, err := s.Get(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return cur, nil
	}
	if cur.Version != expectedVersion {
		return nil, fmt.Errorf("%w: member %d at version %d, expected %d",
			ledger.ErrVersionConflict, memberID, cur.Version, expectedVersion)
	}
	return nil, fmt.Errorf("%w: member %d", fallback, memberID)
}

// ResetToGrant overwrites spendable with grant, ignoring the version. The
// previous spendable is expired. Run it inside a transaction so the read and
// the overwrite are atomic with concurrent holds.
func (s *BalanceStore) ResetToGrant(ctx context.Context, memberID, grant int64, period string) (*GrantReset, error) {
	if grant < 0 {
		return nil, fmt.Errorf("%w: grant of %d", ledger.ErrInvalidAmount, grant)
	}
	prev, err := s.Get(ctx, memberID)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE balances
		 SET spendable = ?, lifetime_earned = lifetime_earned + ?, lifetime_expired = lifetime_expired + ?,
		     last_grant_period = ?, version = version + 1, updated_at = ?
		 WHERE member_id = ?`,
		grant, grant, prev.Spendable, period, toMillis(s.now()), memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("reset to grant: %w", err)
	}

	cur, err := s.Get(ctx, memberID)
	if err != nil {
		return nil, err
	}
	return &GrantReset{
		PreviousBalance: prev.Spendable,
		NewBalance:      cur.Spendable,
		ExpiredAmount:   prev.Spendable,
		Balance:         cur,
	}, nil
}

// ListMemberIDs returns every member with a balance row, lowest id first.
func (s *BalanceStore) ListMemberIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT member_id FROM balances ORDER BY member_id`)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
