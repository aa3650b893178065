package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/joyledger/internal/transfer"
)

type TransferHandler struct {
	transfers *transfer.Service
	logger    *slog.Logger
}

func NewTransferHandler(transfers *transfer.Service, logger *slog.Logger) *TransferHandler {
	return &TransferHandler{transfers: transfers, logger: logger}
}

func (h *TransferHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req transfer.Request
	if err := decodeJSON(w, r, &req, false); err != nil {
		badRequest(w, err.Error())
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		if req.IdempotencyKey != "" && req.IdempotencyKey != key {
			badRequest(w, "idempotency key in header and body differ")
			return
		}
		req.IdempotencyKey = key
	}

	res, err := h.transfers.Transfer(r.Context(), principal(r), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}
