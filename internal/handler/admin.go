package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/joyledger/internal/grant"
	"github.com/dukerupert/joyledger/internal/revenue"
	"github.com/dukerupert/joyledger/internal/sweeper"
)

// AdminHandler runs the batch jobs on demand and serves revenue reports.
type AdminHandler struct {
	sweeper     *sweeper.Sweeper
	grants      *grant.Scheduler
	aggregator  *revenue.Aggregator
	pricing     revenue.Pricing
	grantAmount int64
	now         func() time.Time
	logger      *slog.Logger
}

func NewAdminHandler(sw *sweeper.Sweeper, grants *grant.Scheduler, aggregator *revenue.Aggregator, pricing revenue.Pricing, grantAmount int64, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		sweeper:     sw,
		grants:      grants,
		aggregator:  aggregator,
		pricing:     pricing,
		grantAmount: grantAmount,
		now:         time.Now,
		logger:      logger,
	}
}

type sweepRequest struct {
	Now *time.Time `json:"now,omitempty"`
}

func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if err := principal(r).AuthorizePrivileged(); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req sweepRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		badRequest(w, err.Error())
		return
	}
	now := h.now()
	if req.Now != nil {
		if err := sweeper.CheckAsOf(*req.Now, now); err != nil {
			badRequest(w, err.Error())
			return
		}
		now = *req.Now
	}

	report, err := h.sweeper.Run(r.Context(), now)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type grantRequest struct {
	GrantAmount int64 `json:"grant_amount,omitempty"`
}

func (h *AdminHandler) amount(w http.ResponseWriter, r *http.Request) (int64, bool) {
	var req grantRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		badRequest(w, err.Error())
		return 0, false
	}
	if req.GrantAmount == 0 {
		return h.grantAmount, true
	}
	return req.GrantAmount, true
}

func (h *AdminHandler) GrantBatch(w http.ResponseWriter, r *http.Request) {
	amount, ok := h.amount(w, r)
	if !ok {
		return
	}
	report, err := h.grants.RunBatch(r.Context(), principal(r), amount)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *AdminHandler) GrantMember(w http.ResponseWriter, r *http.Request) {
	memberID, err := parseIDParam(r, "member_id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	amount, ok := h.amount(w, r)
	if !ok {
		return
	}
	res, err := h.grants.RunForMember(r.Context(), principal(r), memberID, amount)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Revenue reports payouts for [start, end). Pricing comes from configuration
// unless the query overrides individual fields.
func (h *AdminHandler) Revenue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("start") == "" || q.Get("end") == "" {
		badRequest(w, "start and end are required")
		return
	}
	start, err := parseTime(q.Get("start"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	end, err := parseTime(q.Get("end"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	pricing := h.pricing
	if v := q.Get("subscription_price"); v != "" {
		if pricing.SubscriptionPrice, err = decimal.NewFromString(v); err != nil {
			badRequest(w, "invalid subscription_price")
			return
		}
	}
	if v := q.Get("monthly_grant"); v != "" {
		if pricing.MonthlyGrant, err = strconv.ParseInt(v, 10, 64); err != nil {
			badRequest(w, "invalid monthly_grant")
			return
		}
	}
	if v := q.Get("business_share_percent"); v != "" {
		if pricing.BusinessSharePercent, err = decimal.NewFromString(v); err != nil {
			badRequest(w, "invalid business_share_percent")
			return
		}
	}

	report, err := h.aggregator.CalculateForPeriod(r.Context(), principal(r), start, end, pricing)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
