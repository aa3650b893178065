// Package revenue turns redeemed reservations into per-business payouts.
// It only reads the ledger.
package revenue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/dukerupert/joyledger/internal/model"
	"github.com/dukerupert/joyledger/internal/store"
	"github.com/shopspring/decimal"
)

// Pricing is supplied by configuration; it is not ledger state.
type Pricing struct {
	SubscriptionPrice    decimal.Decimal `json:"subscription_price"`
	MonthlyGrant         int64           `json:"monthly_grant"`
	BusinessSharePercent decimal.Decimal `json:"business_share_percent"`
}

var one = decimal.NewFromInt(1)

func (p Pricing) Validate() error {
	var errs []error
	if !p.SubscriptionPrice.IsPositive() {
		errs = append(errs, errors.New("subscription_price must be positive"))
	}
	if p.MonthlyGrant <= 0 {
		errs = append(errs, errors.New("monthly_grant must be positive"))
	}
	if p.BusinessSharePercent.IsNegative() || p.BusinessSharePercent.GreaterThan(one) {
		errs = append(errs, errors.New("business_share_percent must be between 0 and 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ledger.ErrInvalidAmount, err)
	}
	return nil
}

// CoinValue is the subscription price of one coin.
func (p Pricing) CoinValue() decimal.Decimal {
	return p.SubscriptionPrice.Div(decimal.NewFromInt(p.MonthlyGrant))
}

// BusinessSharePerCoin is the part of a coin's value paid to the business.
func (p Pricing) BusinessSharePerCoin() decimal.Decimal {
	return p.SubscriptionPrice.Mul(p.BusinessSharePercent).Div(decimal.NewFromInt(p.MonthlyGrant))
}

// grossValue and businessShare multiply before dividing so exact results
// stay exact.
func (p Pricing) grossValue(coins int64) decimal.Decimal {
	return decimal.NewFromInt(coins).Mul(p.SubscriptionPrice).Div(decimal.NewFromInt(p.MonthlyGrant)).Round(2)
}

func (p Pricing) businessShare(coins int64) decimal.Decimal {
	return decimal.NewFromInt(coins).Mul(p.SubscriptionPrice).Mul(p.BusinessSharePercent).
		Div(decimal.NewFromInt(p.MonthlyGrant)).Round(2)
}

type BusinessPayout struct {
	BusinessID     int64           `json:"business_id"`
	CoinsRedeemed  int64           `json:"coins_redeemed"`
	Redemptions    int             `json:"redemptions"`
	GrossValue     decimal.Decimal `json:"gross_value"`
	BusinessShare  decimal.Decimal `json:"business_share"`
	PlatformShare  decimal.Decimal `json:"platform_share"`
	CoinsForfeited int64           `json:"coins_forfeited"`
}

type Report struct {
	Start                time.Time        `json:"start"`
	End                  time.Time        `json:"end"`
	CoinValue            decimal.Decimal  `json:"coin_value"`
	BusinessSharePerCoin decimal.Decimal  `json:"business_share_per_coin"`
	Businesses           []BusinessPayout `json:"businesses"`
	TotalCoinsRedeemed   int64            `json:"total_coins_redeemed"`
	TotalCoinsForfeited  int64            `json:"total_coins_forfeited"`
	TotalBusinessShare   decimal.Decimal  `json:"total_business_share"`
	TotalPlatformShare   decimal.Decimal  `json:"total_platform_share"`
}

type Aggregator struct {
	reservations *store.ReservationStore
}

func NewAggregator(db *sql.DB) *Aggregator {
	return &Aggregator{reservations: store.NewReservationStore(db)}
}

// CalculateForPeriod reports payouts for reservations redeemed in
// [start, end). Forfeited coins are listed per business but earn no share.
// The same ledger state always produces the same report.
func (a *Aggregator) CalculateForPeriod(ctx context.Context, p ledger.Principal, start, end time.Time, pricing Pricing) (*Report, error) {
	if err := p.AuthorizePrivileged(); err != nil {
		return nil, err
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: period start %s is not before end %s",
			ledger.ErrInvalidAmount, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if err := pricing.Validate(); err != nil {
		return nil, err
	}

	redeemed, err := a.reservations.ListResolvedBetween(ctx, model.StatusRedeemed, start, end)
	if err != nil {
		return nil, err
	}
	forfeited, err := a.reservations.ListResolvedBetween(ctx, model.StatusForfeited, start, end)
	if err != nil {
		return nil, err
	}

	byBusiness := map[int64]*BusinessPayout{}
	payout := func(id int64) *BusinessPayout {
		bp, ok := byBusiness[id]
		if !ok {
			bp = &BusinessPayout{BusinessID: id}
			byBusiness[id] = bp
		}
		return bp
	}
	for _, r := range redeemed {
		bp := payout(r.BusinessID)
		bp.CoinsRedeemed += r.Amount
		bp.Redemptions++
	}
	for _, r := range forfeited {
		payout(r.BusinessID).CoinsForfeited += r.Amount
	}

	report := &Report{
		Start:                start.UTC(),
		End:                  end.UTC(),
		CoinValue:            pricing.CoinValue().Round(4),
		BusinessSharePerCoin: pricing.BusinessSharePerCoin().Round(4),
		Businesses:           make([]BusinessPayout, 0, len(byBusiness)),
		TotalBusinessShare:   decimal.Zero,
		TotalPlatformShare:   decimal.Zero,
	}
	for _, bp := range byBusiness {
		bp.GrossValue = pricing.grossValue(bp.CoinsRedeemed)
		bp.BusinessShare = pricing.businessShare(bp.CoinsRedeemed)
		bp.PlatformShare = bp.GrossValue.Sub(bp.BusinessShare)

		report.TotalCoinsRedeemed += bp.CoinsRedeemed
		report.TotalCoinsForfeited += bp.CoinsForfeited
		report.TotalBusinessShare = report.TotalBusinessShare.Add(bp.BusinessShare)
		report.TotalPlatformShare = report.TotalPlatformShare.Add(bp.PlatformShare)
		report.Businesses = append(report.Businesses, *bp)
	}
	sort.Slice(report.Businesses, func(i, j int) bool {
		return report.Businesses[i].BusinessID < report.Businesses[j].BusinessID
	})
	return report, nil
}
