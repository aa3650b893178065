package reservation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/dukerupert/joyledger/internal/model"
	"github.com/dukerupert/joyledger/internal/notify"
	"github.com/dukerupert/joyledger/internal/store"
)

// transition describes one way out of the reserved state.
type transition struct {
	op        string
	to        model.ReservationStatus
	txType    model.TransactionType
	authorize func(ledger.Principal, *model.Reservation) error
	// ready rejects a transition that is not yet allowed at now.
	ready func(ctx context.Context, tx *sql.Tx, r *model.Reservation, now time.Time) error
	// settle mutates the balance and returns it with the log amount.
	settle func(ctx context.Context, balances *store.BalanceStore, r *model.Reservation) (*model.Balance, int64, error)
	note   func(r *model.Reservation) string
}

// resolve applies t to reservation id. A reservation already in t.to is
// returned unchanged with changed=false; any other terminal state is an
// ErrInvalidTransition.
func (m *Manager) resolve(ctx context.Context, p ledger.Principal, id int64, now time.Time, t transition, hooks []TxHook) (r *model.Reservation, changed bool, err error) {
	start := time.Now()
	defer func() { m.metrics.Observe(t.op, start, err) }()

	var bal *model.Balance
	err = m.run(ctx, func(tx *sql.Tx) error {
		changed = false
		reservations := m.reservations.WithTx(tx)

		r, err = reservations.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("%w: reservation %d", ledger.ErrNotFound, id)
		}
		if err := t.authorize(p, r); err != nil {
			return err
		}
		if r.Status == t.to {
			return nil
		}
		if r.Status.Terminal() {
			return fmt.Errorf("%w: reservation %d is %s, cannot become %s",
				ledger.ErrInvalidTransition, r.ID, r.Status, t.to)
		}
		if t.ready != nil {
			if err := t.ready(ctx, tx, r, now); err != nil {
				return err
			}
		}

		ok, err := reservations.Transition(ctx, r.ID, t.to, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: reservation %d changed concurrently", ledger.ErrVersionConflict, r.ID)
		}

		var amount int64
		bal, amount, err = t.settle(ctx, m.balances.WithTx(tx), r)
		if err != nil {
			return err
		}
		_, err = m.log.WithTx(tx).Append(ctx, r.MemberID, t.txType, amount, bal.Spendable, store.TxMeta{
			RelatedReservationID: &r.ID,
			Note:                 t.note(r),
			CreatedAt:            now,
		})
		if err != nil {
			return err
		}

		r, err = reservations.GetByID(ctx, id)
		if err != nil {
			return err
		}
		for _, hook := range hooks {
			if err := hook(ctx, tx, r); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		m.logger.Info("reservation resolved", "reservation_id", r.ID, "status", r.Status, "member_id", r.MemberID, "amount", r.Amount)
		m.metrics.Coins(string(t.txType), r.Amount)
		m.notifier.Notify(ctx, notify.New("reservation", string(r.Status), r.ID, []int64{r.MemberID}, map[string]any{
			"event_id":  r.EventID,
			"amount":    r.Amount,
			"spendable": bal.Spendable,
		}))
	}
	return r, changed, nil
}

// markSpent closes a hold as spent: the coins already left spendable when
// the hold was placed, so the log entry carries amount 0.
func markSpent(ctx context.Context, balances *store.BalanceStore, r *model.Reservation) (*model.Balance, int64, error) {
	cur, err := balances.Get(ctx, r.MemberID)
	if err != nil {
		return nil, 0, err
	}
	bal, err := balances.MarkSpent(ctx, r.MemberID, r.Amount, cur.Version)
	if err != nil {
		return nil, 0, err
	}
	return bal, 0, nil
}

func refundHold(ctx context.Context, balances *store.BalanceStore, r *model.Reservation) (*model.Balance, int64, error) {
	cur, err := balances.Get(ctx, r.MemberID)
	if err != nil {
		return nil, 0, err
	}
	bal, err := balances.Credit(ctx, r.MemberID, r.Amount, cur.Version, store.CreditRefund)
	if err != nil {
		return nil, 0, err
	}
	return bal, r.Amount, nil
}

// Redeem marks a reservation as attended. Hooks run in the same transaction.
// Redeeming an already redeemed reservation returns it unchanged.
func (m *Manager) Redeem(ctx context.Context, p ledger.Principal, id int64, hooks ...TxHook) (*model.Reservation, error) {
	r, _, err := m.resolve(ctx, p, id, m.clock(), transition{
		op:        "redeem",
		to:        model.StatusRedeemed,
		txType:    model.TxRedemption,
		authorize: authorizeStaff,
		settle:    markSpent,
		note: func(r *model.Reservation) string {
			return fmt.Sprintf("redeemed %d coins at business %d", r.Amount, r.BusinessID)
		},
	}, hooks)
	return r, err
}

// Release returns the held coins to the member, used when an event is
// cancelled by its organizer.
func (m *Manager) Release(ctx context.Context, p ledger.Principal, id int64) (*model.Reservation, error) {
	r, _, err := m.resolve(ctx, p, id, m.clock(), transition{
		op:        "release",
		to:        model.StatusReleased,
		txType:    model.TxRelease,
		authorize: authorizeStaff,
		settle:    refundHold,
		note: func(r *model.Reservation) string {
			return fmt.Sprintf("released hold for event %d", r.EventID)
		},
	}, nil)
	return r, err
}

// Forfeit closes a no-show reservation at the current time.
func (m *Manager) Forfeit(ctx context.Context, p ledger.Principal, id int64) (*model.Reservation, error) {
	r, _, err := m.ForfeitAt(ctx, p, id, m.clock())
	return r, err
}

// ForfeitAt closes a no-show reservation as of now. It is only allowed once
// the event's effective end plus the grace period has passed. changed is
// false when the reservation was already forfeited.
func (m *Manager) ForfeitAt(ctx context.Context, p ledger.Principal, id int64, now time.Time) (*model.Reservation, bool, error) {
	return m.resolve(ctx, p, id, now, transition{
		op:        "forfeit",
		to:        model.StatusForfeited,
		txType:    model.TxForfeit,
		authorize: authorizePrivileged,
		ready:     m.pastGrace,
		settle:    markSpent,
		note: func(r *model.Reservation) string {
			return fmt.Sprintf("no-show at event %d, %d coins forfeited", r.EventID, r.Amount)
		},
	}, nil)
}

func (m *Manager) pastGrace(ctx context.Context, tx *sql.Tx, r *model.Reservation, now time.Time) error {
	ev, err := m.events.WithTx(tx).GetByID(ctx, r.EventID)
	if err != nil {
		return err
	}
	if ev == nil {
		return fmt.Errorf("%w: no schedule for event %d", ledger.ErrNotFound, r.EventID)
	}
	deadline := ev.EffectiveEnd().Add(m.grace)
	if !now.After(deadline) {
		return fmt.Errorf("%w: event %d can be swept after %s",
			ledger.ErrInvalidTransition, ev.ID, deadline.Format(time.RFC3339))
	}
	return nil
}
