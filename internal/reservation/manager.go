// Package reservation owns the hold lifecycle: a reservation starts reserved
// and ends exactly once in redeemed, released or forfeited.
package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/dukerupert/joyledger/internal/metrics"
	"github.com/dukerupert/joyledger/internal/model"
	"github.com/dukerupert/joyledger/internal/notify"
	"github.com/dukerupert/joyledger/internal/store"
)

// DefaultGracePeriod is how long after an event ends a no-show can be forfeited.
const DefaultGracePeriod = 2 * time.Hour

// TxHook runs inside the transaction that resolved r, after the ledger
// entries are written. An error rolls the whole transition back.
type TxHook func(ctx context.Context, tx *sql.Tx, r *model.Reservation) error

type ReserveRequest struct {
	MemberID   int64 `json:"member_id"`
	EventID    int64 `json:"event_id"`
	BusinessID int64 `json:"business_id"`
	Amount     int64 `json:"amount"`
}

type Manager struct {
	db           *sql.DB
	balances     *store.BalanceStore
	log          *store.TransactionStore
	reservations *store.ReservationStore
	events       *store.EventStore

	logger   *slog.Logger
	clock    func() time.Time
	notifier notify.Notifier
	metrics  *metrics.Metrics
	grace    time.Duration
	retry    ledger.RetryPolicy
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

func WithRetryPolicy(p ledger.RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:           db,
		balances:     store.NewBalanceStore(db),
		log:          store.NewTransactionStore(db),
		reservations: store.NewReservationStore(db),
		events:       store.NewEventStore(db),
		logger:       slog.Default(),
		clock:        time.Now,
		notifier:     notify.Nop{},
		grace:        DefaultGracePeriod,
		retry:        ledger.DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "reservation")
	return m
}

// GracePeriod is the window after an event's end before no-shows forfeit.
func (m *Manager) GracePeriod() time.Duration {
	return m.grace
}

// run executes fn in a transaction, retrying the whole unit on version conflicts.
func (m *Manager) run(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return ledger.OnConflict(ctx, m.retry, func(ctx context.Context) error {
		err := store.RunInTx(ctx, m.db, fn)
		if errors.Is(err, ledger.ErrVersionConflict) {
			m.metrics.Conflict()
		}
		return err
	})
}

// Reserve places a hold of req.Amount coins for an event. Repeating the same
// request returns the existing reservation without a second hold.
func (m *Manager) Reserve(ctx context.Context, p ledger.Principal, req ReserveRequest) (r *model.Reservation, err error) {
	start := time.Now()
	defer func() { m.metrics.Observe("reserve", start, err) }()

	if err := p.AuthorizeMember(req.MemberID); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: reservation amount must be positive, got %d", ledger.ErrInvalidAmount, req.Amount)
	}

	var replayed bool
	var bal *model.Balance
	err = m.run(ctx, func(tx *sql.Tx) error {
		replayed = false
		events := m.events.WithTx(tx)
		reservations := m.reservations.WithTx(tx)
		balances := m.balances.WithTx(tx)

		ev, err := events.GetByID(ctx, req.EventID)
		if err != nil {
			return err
		}
		if ev != nil {
			if ev.BusinessID != req.BusinessID {
				return fmt.Errorf("%w: event %d belongs to business %d, not %d",
					ledger.ErrEventMismatch, ev.ID, ev.BusinessID, req.BusinessID)
			}
			if ev.Cancelled {
				return fmt.Errorf("%w: event %d is cancelled", ledger.ErrInvalidTransition, ev.ID)
			}
		}

		existing, err := reservations.FindActive(ctx, req.MemberID, req.EventID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Status == model.StatusRedeemed {
				return fmt.Errorf("%w: member %d already checked in to event %d with reservation %d",
					ledger.ErrInvalidTransition, req.MemberID, req.EventID, existing.ID)
			}
			if existing.Amount != req.Amount || existing.BusinessID != req.BusinessID {
				return fmt.Errorf("%w: member %d already holds reservation %d for event %d",
					ledger.ErrInvalidTransition, req.MemberID, existing.ID, req.EventID)
			}
			r, replayed = existing, true
			return nil
		}

		cur, err := balances.Get(ctx, req.MemberID)
		if err != nil {
			return err
		}
		bal, err = balances.Debit(ctx, req.MemberID, req.Amount, cur.Version, store.DebitHold)
		if err != nil {
			return err
		}

		now := m.clock()
		r, err = reservations.Create(ctx, req.MemberID, req.EventID, req.BusinessID, req.Amount, now)
		if err != nil {
			return err
		}
		_, err = m.log.WithTx(tx).Append(ctx, req.MemberID, model.TxReservation, -req.Amount, bal.Spendable, store.TxMeta{
			RelatedReservationID: &r.ID,
			Note:                 fmt.Sprintf("hold for event %d", req.EventID),
			CreatedAt:            now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if !replayed {
		m.logger.Info("reservation created", "reservation_id", r.ID, "member_id", r.MemberID, "event_id", r.EventID, "amount", r.Amount)
		m.metrics.Coins(string(model.TxReservation), r.Amount)
		m.notifier.Notify(ctx, notify.New("reservation", "created", r.ID, []int64{r.MemberID}, map[string]any{
			"event_id":  r.EventID,
			"amount":    r.Amount,
			"spendable": bal.Spendable,
		}))
	}
	return r, nil
}

// Get returns a reservation visible to p: its member, staff of its business,
// or a privileged principal.
func (m *Manager) Get(ctx context.Context, p ledger.Principal, id int64) (*model.Reservation, error) {
	r, err := m.reservations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: reservation %d", ledger.ErrNotFound, id)
	}
	if err := authorizeViewer(p, r); err != nil {
		return nil, err
	}
	return r, nil
}

func authorizeViewer(p ledger.Principal, r *model.Reservation) error {
	if p.AuthorizeMember(r.MemberID) == nil {
		return nil
	}
	return p.AuthorizeBusiness(r.BusinessID)
}

func authorizeStaff(p ledger.Principal, r *model.Reservation) error {
	return p.AuthorizeBusiness(r.BusinessID)
}

func authorizePrivileged(p ledger.Principal, _ *model.Reservation) error {
	return p.AuthorizePrivileged()
}
