// Package account serves balance reads, history pages, reconciliation and
// operator adjustments for a single member.
package account

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/dukerupert/joyledger/internal/metrics"
	"github.com/dukerupert/joyledger/internal/model"
	"github.com/dukerupert/joyledger/internal/notify"
	"github.com/dukerupert/joyledger/internal/store"
)

const maxNoteLength = 500

// Page is one slice of a member's log, newest first. NextBefore is the
// cursor for the following page, zero when there is none.
type Page struct {
	Transactions []model.Transaction `json:"transactions"`
	NextBefore   int64               `json:"next_before,omitempty"`
}

// Reconciliation compares the stored balance with a replay of the log.
type Reconciliation struct {
	MemberID          int64 `json:"member_id"`
	Spendable         int64 `json:"spendable"`
	OpenHolds         int64 `json:"open_holds"`
	LogSum            int64 `json:"log_sum"`
	LogEntries        int64 `json:"log_entries"`
	LastBalanceAfter  int64 `json:"last_balance_after"`
	ChainIntact       bool  `json:"chain_intact"`
	FirstBreakID      int64 `json:"first_break_id,omitempty"`
	LifetimeRemaining int64 `json:"lifetime_remaining"`
	Consistent        bool  `json:"consistent"`
}

type AdjustResult struct {
	Balance     *model.Balance     `json:"balance"`
	Transaction *model.Transaction `json:"transaction"`
}

type Service struct {
	db           *sql.DB
	balances     *store.BalanceStore
	log          *store.TransactionStore
	reservations *store.ReservationStore

	clock    func() time.Time
	logger   *slog.Logger
	notifier notify.Notifier
	metrics  *metrics.Metrics
	retry    ledger.RetryPolicy
}

type Option func(*Service)

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(db *sql.DB, opts ...Option) *Service {
	s := &Service{
		db:           db,
		balances:     store.NewBalanceStore(db),
		log:          store.NewTransactionStore(db),
		reservations: store.NewReservationStore(db),
		clock:        time.Now,
		logger:       slog.Default(),
		notifier:     notify.Nop{},
		retry:        ledger.DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "account")
	return s
}

// Balance returns the member's balance. Members without a row read as zero.
func (s *Service) Balance(ctx context.Context, p ledger.Principal, memberID int64) (*model.Balance, error) {
	if err := p.AuthorizeMember(memberID); err != nil {
		return nil, err
	}
	return s.balances.Get(ctx, memberID)
}

// History pages through the member's log from newest to oldest.
func (s *Service) History(ctx context.Context, p ledger.Principal, memberID int64, limit int, before int64) (*Page, error) {
	if err := p.AuthorizeMember(memberID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = store.DefaultHistoryLimit
	}
	if limit > store.MaxHistoryLimit {
		limit = store.MaxHistoryLimit
	}

	txs, err := s.log.History(ctx, memberID, limit, before)
	if err != nil {
		return nil, err
	}
	page := &Page{Transactions: txs}
	if page.Transactions == nil {
		page.Transactions = []model.Transaction{}
	}
	if len(txs) == limit {
		page.NextBefore = txs[len(txs)-1].ID
	}
	return page, nil
}

// Reconcile replays the member's log against the stored balance. Reads run
// in one transaction so they see a single snapshot.
func (s *Service) Reconcile(ctx context.Context, p ledger.Principal, memberID int64) (*Reconciliation, error) {
	if err := p.AuthorizeMember(memberID); err != nil {
		return nil, err
	}

	var rec *Reconciliation
	err := store.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		bal, err := s.balances.WithTx(tx).Get(ctx, memberID)
		if err != nil {
			return err
		}
		holds, err := s.reservations.WithTx(tx).SumOpenHolds(ctx, memberID)
		if err != nil {
			return err
		}
		replay, err := s.log.WithTx(tx).Replay(ctx, memberID)
		if err != nil {
			return err
		}

		rec = &Reconciliation{
			MemberID:          memberID,
			Spendable:         bal.Spendable,
			OpenHolds:         holds,
			LogSum:            replay.Sum,
			LogEntries:        replay.Entries,
			LastBalanceAfter:  replay.LastBalanceAfter,
			ChainIntact:       replay.ChainIntact,
			FirstBreakID:      replay.FirstBreakID,
			LifetimeRemaining: bal.LifetimeEarned - bal.LifetimeSpent - bal.LifetimeExpired,
		}
		rec.Consistent = rec.ChainIntact &&
			rec.LogSum == rec.Spendable &&
			rec.Spendable+rec.OpenHolds == rec.LifetimeRemaining &&
			(rec.LogEntries == 0 || rec.LastBalanceAfter == rec.Spendable)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !rec.Consistent {
		s.logger.Error("ledger inconsistency", "member_id", memberID, "spendable", rec.Spendable,
			"log_sum", rec.LogSum, "open_holds", rec.OpenHolds, "chain_intact", rec.ChainIntact)
	}
	return rec, nil
}

// Adjust applies an operator correction of delta coins and logs it as an
// adjustment. The balance may not go below zero.
func (s *Service) Adjust(ctx context.Context, p ledger.Principal, memberID, delta int64, note string) (res *AdjustResult, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("adjust", start, err) }()

	if err := p.AuthorizePrivileged(); err != nil {
		return nil, err
	}
	if memberID <= 0 {
		return nil, fmt.Errorf("%w: member id must be positive", ledger.ErrInvalidAmount)
	}
	if delta == 0 {
		return nil, fmt.Errorf("%w: adjustment must be non-zero", ledger.ErrInvalidAmount)
	}
	note = strings.TrimSpace(note)
	if note == "" {
		note = "manual adjustment"
	}
	if len(note) > maxNoteLength {
		return nil, fmt.Errorf("%w: note longer than %d", ledger.ErrInvalidAmount, maxNoteLength)
	}

	err = ledger.OnConflict(ctx, s.retry, func(ctx context.Context) error {
		return store.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
			balances := s.balances.WithTx(tx)
			cur, err := balances.Get(ctx, memberID)
			if err != nil {
				return err
			}
			bal, err := balances.Adjust(ctx, memberID, delta, cur.Version)
			if err != nil {
				return err
			}
			entry, err := s.log.WithTx(tx).Append(ctx, memberID, model.TxAdjustment, delta, bal.Spendable, store.TxMeta{
				Note:      note,
				CreatedAt: s.clock(),
			})
			if err != nil {
				return err
			}
			res = &AdjustResult{Balance: bal, Transaction: entry}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("balance adjusted", "member_id", memberID, "delta", delta, "spendable", res.Balance.Spendable)
	s.metrics.Coins(string(model.TxAdjustment), delta)
	s.notifier.Notify(ctx, notify.New("balance", "changed", memberID, []int64{memberID}, map[string]any{
		"reason":    string(model.TxAdjustment),
		"delta":     delta,
		"spendable": res.Balance.Spendable,
	}))
	return res, nil
}
