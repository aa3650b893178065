package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/joyledger/internal/account"
)

type AccountHandler struct {
	accounts *account.Service
	logger   *slog.Logger
}

func NewAccountHandler(accounts *account.Service, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, logger: logger}
}

func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	memberID, err := parseIDParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	b, err := h.accounts.Balance(r.Context(), principal(r), memberID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *AccountHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	memberID, err := parseIDParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	var limit int
	var before int64
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			badRequest(w, "invalid limit")
			return
		}
	}
	if v := r.URL.Query().Get("before"); v != "" {
		if before, err = strconv.ParseInt(v, 10, 64); err != nil || before < 0 {
			badRequest(w, "invalid before")
			return
		}
	}

	page, err := h.accounts.History(r.Context(), principal(r), memberID, limit, before)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *AccountHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	memberID, err := parseIDParam(r, "id")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	rec, err := h.accounts.Reconcile(r.Context(), principal(r), memberID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type adjustmentRequest struct {
	MemberID int64  `json:"member_id"`
	Amount   int64  `json:"amount"`
	Note     string `json:"note"`
}

func (h *AccountHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := h.accounts.Adjust(r.Context(), principal(r), req.MemberID, req.Amount, req.Note)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
