// Package ledger holds the vocabulary shared by every coin-ledger component:
// the error taxonomy, the principal an operation acts on behalf of, and the
// retry policy for optimistic version conflicts.
package ledger

import (
	"errors"
	"net/http"
)

// Expected business outcomes. Callers branch on these with errors.Is.
var (
	ErrInsufficientFunds   = errors.New("ledger: insufficient funds")
	ErrInvalidTransition   = errors.New("ledger: invalid transition")
	ErrEventMismatch       = errors.New("ledger: reservation does not belong to event")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrNotFound            = errors.New("ledger: not found")
	ErrForbidden           = errors.New("ledger: forbidden")
	ErrIdempotencyConflict = errors.New("ledger: idempotency key reused with a different request")
)

// ErrVersionConflict means the row changed since it was read. Re-read and retry.
var ErrVersionConflict = errors.New("ledger: version conflict")

// ErrChainBroken means an append would break the balance_after chain of a
// member's log. It indicates a bug or out-of-band write and is never retried.
var ErrChainBroken = errors.New("ledger: transaction chain broken")

// Code is a machine-readable error code for transport layers.
type Code string

const (
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeVersionConflict     Code = "VERSION_CONFLICT"
	CodeEventMismatch       Code = "EVENT_MISMATCH"
	CodeInvalidAmount       Code = "INVALID_AMOUNT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeForbidden           Code = "FORBIDDEN"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"
	CodeInternal            Code = "INTERNAL"
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrInsufficientFunds, CodeInsufficientFunds},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrVersionConflict, CodeVersionConflict},
	{ErrEventMismatch, CodeEventMismatch},
	{ErrInvalidAmount, CodeInvalidAmount},
	{ErrNotFound, CodeNotFound},
	{ErrForbidden, CodeForbidden},
	{ErrIdempotencyConflict, CodeIdempotencyConflict},
}

// CodeOf returns the code for err, or CodeInternal for anything unexpected.
func CodeOf(err error) Code {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// HTTPStatus maps a code to the HTTP status the API responds with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case CodeInvalidTransition, CodeVersionConflict, CodeIdempotencyConflict:
		return http.StatusConflict
	case CodeEventMismatch, CodeInvalidAmount:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage is the text shown to an end user for an expected outcome.
// Internal failures get a generic message so storage details never leak.
func UserMessage(err error) string {
	switch CodeOf(err) {
	case CodeInsufficientFunds:
		return "You don't have enough Joy Coins for this. Check your balance and try a smaller amount."
	case CodeVersionConflict:
		return "The ledger is busy right now. Please try again."
	case CodeInternal:
		return "Something went wrong. Please try again later."
	default:
		return err.Error()
	}
}

// ItemFailure records one item a batch operation could not process.
type ItemFailure struct {
	Kind  string `json:"kind"`
	ID    int64  `json:"id"`
	Code  Code   `json:"code"`
	Error string `json:"error"`
}

// NewItemFailure describes err for the item kind/id.
func NewItemFailure(kind string, id int64, err error) ItemFailure {
	return ItemFailure{Kind: kind, ID: id, Code: CodeOf(err), Error: err.Error()}
}
