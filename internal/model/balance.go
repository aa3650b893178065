package model

import "time"

// Balance is a member's coin position. Spendable excludes coins held by open
// reservations; those leave Spendable when the hold is placed.
type Balance struct {
	MemberID        int64     `json:"member_id"`
	Spendable       int64     `json:"spendable"`
	LifetimeEarned  int64     `json:"lifetime_earned"`
	LifetimeSpent   int64     `json:"lifetime_spent"`
	LifetimeExpired int64     `json:"lifetime_expired"`
	Version         int64     `json:"version"`
	LastGrantPeriod string    `json:"last_grant_period,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type TransactionType string

const (
	TxMonthlyGrant TransactionType = "monthly_grant"
	TxReservation  TransactionType = "reservation"
	TxRedemption   TransactionType = "redemption"
	TxRefund       TransactionType = "refund"
	TxForfeit      TransactionType = "forfeit"
	TxRelease      TransactionType = "release"
	TxTransferOut  TransactionType = "transfer_out"
	TxTransferIn   TransactionType = "transfer_in"
	TxAdjustment   TransactionType = "adjustment"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TxMonthlyGrant, TxReservation, TxRedemption, TxRefund, TxForfeit,
		TxRelease, TxTransferOut, TxTransferIn, TxAdjustment:
		return true
	}
	return false
}

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID                   int64           `json:"id"`
	MemberID             int64           `json:"member_id"`
	Type                 TransactionType `json:"type"`
	Amount               int64           `json:"amount"`
	BalanceAfter         int64           `json:"balance_after"`
	RelatedReservationID *int64          `json:"related_reservation_id,omitempty"`
	CounterpartyMemberID *int64          `json:"counterparty_member_id,omitempty"`
	Note                 string          `json:"note,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// Transfer correlates the transfer_out and transfer_in entries of one move.
type Transfer struct {
	ID               int64     `json:"id"`
	CorrelationID    string    `json:"correlation_id"`
	IdempotencyKey   *string   `json:"idempotency_key,omitempty"`
	FromMemberID     int64     `json:"from_member_id"`
	ToMemberID       int64     `json:"to_member_id"`
	Amount           int64     `json:"amount"`
	OutTransactionID int64     `json:"out_transaction_id"`
	InTransactionID  int64     `json:"in_transaction_id"`
	CreatedAt        time.Time `json:"created_at"`
}
