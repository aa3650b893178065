package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/joyledger/internal/model"
)

type TransferStore struct {
	db querier
}

func NewTransferStore(db *sql.DB) *TransferStore {
	return &TransferStore{db: db}
}

func (s *TransferStore) WithTx(tx *sql.Tx) *TransferStore {
	return &TransferStore{db: tx}
}

func scanTransfer(scanner interface{ Scan(...any) error }) (*model.Transfer, error) {
	var t model.Transfer
	var key sql.NullString
	var createdAt int64
	err := scanner.Scan(&t.ID, &t.CorrelationID, &key, &t.FromMemberID, &t.ToMemberID, &t.Amount,
		&t.OutTransactionID, &t.InTransactionID, &createdAt)
	if err != nil {
		return nil, err
	}
	if key.Valid {
		k := key.String
		t.IdempotencyKey = &k
	}
	t.CreatedAt = fromMillis(createdAt)
	return &t, nil
}

const transferCols = `id, correlation_id, idempotency_key, from_member_id, to_member_id, amount, out_transaction_id, in_transaction_id, created_at`

func (s *TransferStore) Insert(ctx context.Context, t *model.Transfer) error {
	var key sql.NullString
	if t.IdempotencyKey != nil {
		key = sql.NullString{String: *t.IdempotencyKey, Valid: true}
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers (correlation_id, idempotency_key, from_member_id, to_member_id, amount, out_transaction_id, in_transaction_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.CorrelationID, key, t.FromMemberID, t.ToMemberID, t.Amount,
		t.OutTransactionID, t.InTransactionID, toMillis(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	t.ID = id
	return nil
}

// GetByKey returns the transfer the sender recorded under an idempotency
// key, or nil. Keys are scoped per sender.
func (s *TransferStore) GetByKey(ctx context.Context, fromMemberID int64, key string) (*model.Transfer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transferCols+` FROM transfers WHERE from_member_id = ? AND idempotency_key = ?`,
		fromMemberID, key,
	)
	t, err := scanTransfer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	return t, nil
}

func (s *TransferStore) GetByCorrelationID(ctx context.Context, correlationID string) (*model.Transfer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transferCols+` FROM transfers WHERE correlation_id = ?`, correlationID)
	t, err := scanTransfer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	return t, nil
}
