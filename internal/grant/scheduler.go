// Package grant resets member balances to the period's coin grant. The reset
// is use-it-or-lose-it: whatever was spendable beforehand expires.
package grant

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/dukerupert/joyledger/internal/metrics"
	"github.com/dukerupert/joyledger/internal/model"
	"github.com/dukerupert/joyledger/internal/notify"
	"github.com/dukerupert/joyledger/internal/store"
)

// PeriodLayout formats the grant period a reset belongs to.
const PeriodLayout = "2006-01"

type Result struct {
	MemberID        int64  `json:"member_id"`
	Period          string `json:"period"`
	PreviousBalance int64  `json:"previous_balance"`
	NewBalance      int64  `json:"new_balance"`
	ExpiredAmount   int64  `json:"expired_amount"`
}

type BatchReport struct {
	Period       string               `json:"period"`
	Processed    int                  `json:"processed"`
	Succeeded    int                  `json:"succeeded"`
	Failed       int                  `json:"failed"`
	Skipped      int                  `json:"skipped"`
	TotalExpired int64                `json:"total_expired"`
	Failures     []ledger.ItemFailure `json:"failures,omitempty"`
}

type Scheduler struct {
	db       *sql.DB
	balances *store.BalanceStore
	log      *store.TransactionStore
	clock    func() time.Time
	logger   *slog.Logger
	notifier notify.Notifier
	metrics  *metrics.Metrics
}

type Option func(*Scheduler)

func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func NewScheduler(db *sql.DB, opts ...Option) *Scheduler {
	s := &Scheduler{
		db:       db,
		balances: store.NewBalanceStore(db),
		log:      store.NewTransactionStore(db),
		clock:    time.Now,
		logger:   slog.Default(),
		notifier: notify.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "grant")
	return s
}

// Period returns the grant period for t.
func Period(t time.Time) string {
	return t.UTC().Format(PeriodLayout)
}

// RunForMember resets one member's balance to amount, even if the member
// was already granted this period.
func (s *Scheduler) RunForMember(ctx context.Context, p ledger.Principal, memberID, amount int64) (res *Result, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("grant", start, err) }()

	if err := p.AuthorizePrivileged(); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: grant must be positive, got %d", ledger.ErrInvalidAmount, amount)
	}
	res, _, err = s.apply(ctx, memberID, amount, Period(s.clock()), true)
	if err != nil {
		return nil, err
	}
	s.announce(ctx, res)
	return res, nil
}

// RunBatch resets every known balance. Members already granted this period
// are skipped so a re-run after a partial failure only finishes the rest.
// Per-member failures are collected; they never abort the batch.
func (s *Scheduler) RunBatch(ctx context.Context, p ledger.Principal, amount int64) (*BatchReport, error) {
	if err := p.AuthorizePrivileged(); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: grant must be positive, got %d", ledger.ErrInvalidAmount, amount)
	}

	period := Period(s.clock())
	ids, err := s.balances.ListMemberIDs(ctx)
	if err != nil {
		return nil, err
	}

	report := &BatchReport{Period: period}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Processed++

		start := time.Now()
		res, skipped, err := s.apply(ctx, id, amount, period, false)
		if !skipped {
			s.metrics.Observe("grant", start, err)
		}
		switch {
		case err != nil:
			s.logger.Error("grant member", "member_id", id, "period", period, "error", err)
			report.Failed++
			report.Failures = append(report.Failures, ledger.NewItemFailure("member", id, err))
		case skipped:
			report.Skipped++
		default:
			report.Succeeded++
			report.TotalExpired += res.ExpiredAmount
			s.announce(ctx, res)
		}
	}

	s.metrics.JobItems("grant", "succeeded", report.Succeeded)
	s.metrics.JobItems("grant", "skipped", report.Skipped)
	s.metrics.JobItems("grant", "failed", report.Failed)
	s.logger.Info("grant batch complete",
		"period", period,
		"processed", report.Processed,
		"succeeded", report.Succeeded,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"total_expired", report.TotalExpired,
	)
	return report, nil
}

// apply resets one balance and logs it. Expired coins get their own
// adjustment entry so every entry's balance_after follows from the last.
func (s *Scheduler) apply(ctx context.Context, memberID, amount int64, period string, force bool) (*Result, bool, error) {
	var res *Result
	var skipped bool
	err := store.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		balances := s.balances.WithTx(tx)
		txlog := s.log.WithTx(tx)

		if !force {
			cur, err := balances.Get(ctx, memberID)
			if err != nil {
				return err
			}
			if cur.LastGrantPeriod == period {
				skipped = true
				return nil
			}
		}

		reset, err := balances.ResetToGrant(ctx, memberID, amount, period)
		if err != nil {
			return err
		}
		now := s.clock()

		note := fmt.Sprintf("monthly grant for %s", period)
		if reset.ExpiredAmount > 0 {
			_, err := txlog.Append(ctx, memberID, model.TxAdjustment, -reset.ExpiredAmount, 0, store.TxMeta{
				Note:      fmt.Sprintf("expired %d unused coins", reset.ExpiredAmount),
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
			note = fmt.Sprintf("monthly grant for %s; %d unused coins expired", period, reset.ExpiredAmount)
		}
		if _, err := txlog.Append(ctx, memberID, model.TxMonthlyGrant, amount, reset.NewBalance, store.TxMeta{
			Note:      note,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		res = &Result{
			MemberID:        memberID,
			Period:          period,
			PreviousBalance: reset.PreviousBalance,
			NewBalance:      reset.NewBalance,
			ExpiredAmount:   reset.ExpiredAmount,
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return res, skipped, nil
}

func (s *Scheduler) announce(ctx context.Context, res *Result) {
	s.metrics.Coins(string(model.TxMonthlyGrant), res.NewBalance)
	s.logger.Info("grant applied", "member_id", res.MemberID, "period", res.Period,
		"previous", res.PreviousBalance, "expired", res.ExpiredAmount)
	s.notifier.Notify(ctx, notify.New("grant", "applied", res.MemberID, []int64{res.MemberID}, map[string]any{
		"period":    res.Period,
		"spendable": res.NewBalance,
		"expired":   res.ExpiredAmount,
	}))
}
