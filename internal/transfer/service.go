// Package transfer moves spendable coins between two members atomically.
package transfer

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
	"github.com/google/uuid"
)

// MaxKeyLength bounds client idempotency keys.
const MaxKeyLength = 128

type Request struct {
	From           int64  `json:"from_member_id"`
	To             int64  `json:"to_member_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type Result struct {
	Transfer *model.Transfer    `json:"transfer"`
	From     *model.Balance     `json:"from"`
	To       *model.Balance     `json:"to"`
	Out      *model.Transaction `json:"out"`
	In       *model.Transaction `json:"in"`
	Replayed bool               `json:"replayed"`
}

type Service struct {
	db        *sql.DB
	balances  *store.BalanceStore
	log       *store.TransactionStore
	transfers *store.TransferStore

	clock      func() time.Time
	logger     *slog.Logger
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	retry      ledger.RetryPolicy
	afterDebit func() error
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

// WithFaultAfterDebit installs fn between the sender's debit and the
// recipient's credit. A non-nil error aborts the transfer there.
func WithFaultAfterDebit(fn func() error) Option {
	return func(s *Service) { s.afterDebit = fn }
}

func NewService(db *sql.DB, opts ...Option) *Service {
	s := &Service{
		db:        db,
		balances:  store.NewBalanceStore(db),
		log:       store.NewTransactionStore(db),
		transfers: store.NewTransferStore(db),
		clock:     time.Now,
		logger:    slog.Default(),
		notifier:  notify.Nop{},
		retry:     ledger.DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "transfer")
	return s
}

// Transfer debits From and credits To in one transaction, logging a
// transfer_out and transfer_in pair that share a correlation id and
// timestamp. A repeated IdempotencyKey returns the original result.
func (s *Service) Transfer(ctx context.Context, p ledger.Principal, req Request) (res *Result, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("transfer", start, err) }()

	if err := p.AuthorizeMember(req.From); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: transfer amount must be positive, got %d", ledger.ErrInvalidAmount, req.Amount)
	}
	if req.From == req.To {
		return nil, fmt.Errorf("%w: cannot transfer to yourself", ledger.ErrInvalidAmount)
	}
	if len(req.IdempotencyKey) > MaxKeyLength {
		return nil, fmt.Errorf("%w: idempotency key longer than %d", ledger.ErrInvalidAmount, MaxKeyLength)
	}

	err = ledger.OnConflict(ctx, s.retry, func(ctx context.Context) error {
		return store.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
			var err error
			res, err = s.transferTx(ctx, tx, req)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	if !res.Replayed {
		s.logger.Info("transfer completed", "correlation_id", res.Transfer.CorrelationID,
			"from", req.From, "to", req.To, "amount", req.Amount)
		s.metrics.Coins(string(model.TxTransferOut), req.Amount)
		s.notifier.Notify(ctx, notify.New("transfer", "completed", res.Transfer.ID, []int64{req.From, req.To}, map[string]any{
			"correlation_id": res.Transfer.CorrelationID,
			"amount":         req.Amount,
			"from":           req.From,
			"to":             req.To,
		}))
	}
	return res, nil
}

func (s *Service) transferTx(ctx context.Context, tx *sql.Tx, req Request) (*Result, error) {
	balances := s.balances.WithTx(tx)
	txlog := s.log.WithTx(tx)
	transfers := s.transfers.WithTx(tx)

	if req.IdempotencyKey != "" {
		prior, err := transfers.GetByKey(ctx, req.From, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return s.replay(ctx, tx, prior, req)
		}
	}

	// Both rows are read lower member id first.
	lo, hi := req.From, req.To
	if lo > hi {
		lo, hi = hi, lo
	}
	read := map[int64]*model.Balance{}
	for _, id := range []int64{lo, hi} {
		b, err := balances.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		read[id] = b
	}

	from, err := balances.Debit(ctx, req.From, req.Amount, read[req.From].Version, store.DebitSpend)
	if err != nil {
		return nil, err
	}
	if s.afterDebit != nil {
		if err := s.afterDebit(); err != nil {
			return nil, err
		}
	}
	to, err := balances.Credit(ctx, req.To, req.Amount, read[req.To].Version, store.CreditEarn)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	now := s.clock()
	out, err := txlog.Append(ctx, req.From, model.TxTransferOut, -req.Amount, from.Spendable, store.TxMeta{
		CounterpartyMemberID: &req.To,
		Note:                 fmt.Sprintf("transfer %s to member %d", correlationID, req.To),
		CreatedAt:            now,
	})
	if err != nil {
		return nil, err
	}
	in, err := txlog.Append(ctx, req.To, model.TxTransferIn, req.Amount, to.Spendable, store.TxMeta{
		CounterpartyMemberID: &req.From,
		Note:                 fmt.Sprintf("transfer %s from member %d", correlationID, req.From),
		CreatedAt:            now,
	})
	if err != nil {
		return nil, err
	}

	t := &model.Transfer{
		CorrelationID:    correlationID,
		FromMemberID:     req.From,
		ToMemberID:       req.To,
		Amount:           req.Amount,
		OutTransactionID: out.ID,
		InTransactionID:  in.ID,
		CreatedAt:        now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		t.IdempotencyKey = &key
	}
	if err := transfers.Insert(ctx, t); err != nil {
		return nil, err
	}
	return &Result{Transfer: t, From: from, To: to, Out: out, In: in}, nil
}

func (s *Service) replay(ctx context.Context, tx *sql.Tx, prior *model.Transfer, req Request) (*Result, error) {
	if prior.ToMemberID != req.To || prior.Amount != req.Amount {
		return nil, fmt.Errorf("%w: key %q was used for a different transfer",
			ledger.ErrIdempotencyConflict, req.IdempotencyKey)
	}
	balances := s.balances.WithTx(tx)
	txlog := s.log.WithTx(tx)

	res := &Result{Transfer: prior, Replayed: true}
	var err error
	if res.From, err = balances.Get(ctx, prior.FromMemberID); err != nil {
		return nil, err
	}
	if res.To, err = balances.Get(ctx, prior.ToMemberID); err != nil {
		return nil, err
	}
	if res.Out, err = txlog.GetByID(ctx, prior.OutTransactionID); err != nil {
		return nil, err
	}
	if res.In, err = txlog.GetByID(ctx, prior.InTransactionID); err != nil {
		return nil, err
	}
	return res, nil
}
