package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/dukerupert/joyledger/internal/model"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// TxMeta carries the optional fields of a log entry.
type TxMeta struct {
	RelatedReservationID *int64
	CounterpartyMemberID *int64
	Note                 string
	CreatedAt            time.Time
}

// LogReplay is the result of walking a member's log from the first entry.
type LogReplay struct {
	Entries          int64 `json:"entries"`
	Sum              int64 `json:"sum"`
	LastBalanceAfter int64 `json:"last_balance_after"`
	ChainIntact      bool  `json:"chain_intact"`
	// FirstBreakID is the id of the first entry whose balance_after does not
	// follow from its predecessor. Zero when the chain is intact.
	FirstBreakID int64 `json:"first_break_id,omitempty"`
}

// TransactionStore is the append-only ledger log. It has no update or
// delete; the schema rejects both with triggers.
type TransactionStore struct {
	db querier
}

func NewTransactionStore(db *sql.DB) *TransactionStore {
	return &TransactionStore{db: db}
}

func (s *TransactionStore) WithTx(tx *sql.Tx) *TransactionStore {
	return &TransactionStore{db: tx}
}

func scanTransaction(scanner interface{ Scan(...any) error }) (*model.Transaction, error) {
	var t model.Transaction
	var typ string
	var related, counterparty sql.NullInt64
	var createdAt int64
	err := scanner.Scan(&t.ID, &t.MemberID, &typ, &t.Amount, &t.BalanceAfter,
		&related, &counterparty, &t.Note, &createdAt)
	if err != nil {
		return nil, err
	}
	t.Type = model.TransactionType(typ)
	t.RelatedReservationID = fromNullInt64(related)
	t.CounterpartyMemberID = fromNullInt64(counterparty)
	t.CreatedAt = fromMillis(createdAt)
	return &t, nil
}

const transactionCols = `id, member_id, type, amount, balance_after, related_reservation_id, counterparty_member_id, note, created_at`

// Append writes one entry. It refuses an entry whose balance_after does not
// equal the previous entry's balance_after plus amount.
func (s *TransactionStore) Append(ctx context.Context, memberID int64, typ model.TransactionType, amount, balanceAfter int64, meta TxMeta) (*model.Transaction, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("append transaction: unknown type %q", typ)
	}

	var prev int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance_after FROM transactions WHERE member_id = ? ORDER BY id DESC LIMIT 1`, memberID,
	).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	if prev+amount != balanceAfter {
		return nil, fmt.Errorf("%w: member %d head %d + %d != %d",
			ledger.ErrChainBroken, memberID, prev, amount, balanceAfter)
	}

	createdAt := meta.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (member_id, type, amount, balance_after, related_reservation_id, counterparty_member_id, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		memberID, string(typ), amount, balanceAfter,
		nullInt64(meta.RelatedReservationID), nullInt64(meta.CounterpartyMemberID), meta.Note, toMillis(createdAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	return &model.Transaction{
		ID:                   id,
		MemberID:             memberID,
		Type:                 typ,
		Amount:               amount,
		BalanceAfter:         balanceAfter,
		RelatedReservationID: meta.RelatedReservationID,
		CounterpartyMemberID: meta.CounterpartyMemberID,
		Note:                 meta.Note,
		CreatedAt:            fromMillis(toMillis(createdAt)),
	}, nil
}

func (s *TransactionStore) GetByID(ctx context.Context, id int64) (*model.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionCols+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// History returns up to limit entries, newest first. A non-zero beforeID
// returns only entries older than that id.
func (s *TransactionStore) History(ctx context.Context, memberID int64, limit int, beforeID int64) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	query := `SELECT ` + transactionCols + ` FROM transactions WHERE member_id = ?`
	args := []any{memberID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

// Replay walks the member's whole log in order, summing amounts and checking
// the balance_after chain.
func (s *TransactionStore) Replay(ctx context.Context, memberID int64) (*LogReplay, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, amount, balance_after FROM transactions WHERE member_id = ? ORDER BY id`, memberID)
	if err != nil {
		return nil, fmt.Errorf("replay transactions: %w", err)
	}
	defer rows.Close()

	r := &LogReplay{ChainIntact: true}
	for rows.Next() {
		var id, amount, after int64
		if err := rows.Scan(&id, &amount, &after); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if r.ChainIntact && r.LastBalanceAfter+amount != after {
			r.ChainIntact = false
			r.FirstBreakID = id
		}
		r.Entries++
		r.Sum += amount
		r.LastBalanceAfter = after
	}
	return r, rows.Err()
}
