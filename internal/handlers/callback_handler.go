package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/cryptoconsult/backend/internal/gateway"
	"github.com/cryptoconsult/backend/internal/services"
)

// MpesaCallbackParser decodes the provider's webhook payloads.
type MpesaCallbackParser interface {
	ParseSTKCallback(raw []byte) (*gateway.CallbackResult, error)
	ParseB2CCallback(raw []byte) (*gateway.CallbackResult, error)
}

// CallbackHandler receives asynchronous payment confirmations from the
// mobile money provider. Every request is acknowledged with ResultCode 0
// regardless of what we do with it; a non-zero ack makes the provider retry
// forever, and reconciliation is already idempotent on the correlation id.
type CallbackHandler struct {
	reconcile *services.ReconcileService
	parser    MpesaCallbackParser
}

func NewCallbackHandler(reconcile *services.ReconcileService, parser MpesaCallbackParser) *CallbackHandler {
	return &CallbackHandler{reconcile: reconcile, parser: parser}
}

type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func acknowledge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(callbackAck{ResultCode: 0, ResultDesc: "Success"})
}

// MpesaSTKCallback handles STK push payment results
// @Summary M-Pesa STK push callback
// @Description Webhook endpoint for STK push payment results. Always acknowledges with ResultCode 0.
// @Tags payments
// @Accept json
// @Produce json
// @Success 200 {object} handlers.callbackAck
// @Router /payments/mpesa/callback [post]
func (h *CallbackHandler) MpesaSTKCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1_048_576))
	if err != nil {
		log.Printf("[CALLBACK] failed to read STK callback body: %v", err)
		acknowledge(w)
		return
	}

	result, err := h.parser.ParseSTKCallback(raw)
	if err != nil {
		if errors.Is(err, gateway.ErrCallbackParse) {
			log.Printf("[CALLBACK] malformed STK callback, acking anyway: %v", err)
		} else {
			log.Printf("[CALLBACK] STK callback parse error: %v", err)
		}
		acknowledge(w)
		return
	}

	h.finalize(result)
	acknowledge(w)
}

// MpesaB2CCallback handles B2C payout results
// @Summary M-Pesa B2C result callback
// @Description Webhook endpoint for B2C payout results. Always acknowledges with ResultCode 0.
// @Tags payments
// @Accept json
// @Produce json
// @Success 200 {object} handlers.callbackAck
// @Router /payments/mpesa/b2c/callback [post]
func (h *CallbackHandler) MpesaB2CCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1_048_576))
	if err != nil {
		log.Printf("[CALLBACK] failed to read B2C callback body: %v", err)
		acknowledge(w)
		return
	}

	result, err := h.parser.ParseB2CCallback(raw)
	if err != nil {
		log.Printf("[CALLBACK] B2C callback parse error, acking anyway: %v", err)
		acknowledge(w)
		return
	}

	h.finalize(result)
	acknowledge(w)
}

func (h *CallbackHandler) finalize(result *gateway.CallbackResult) {
	var err error
	switch result.Outcome {
	case gateway.OutcomeSuccess:
		_, err = h.reconcile.FinalizeSuccess(result.CorrelationID, result.Receipt)
	default:
		_, err = h.reconcile.FinalizeFailure(result.CorrelationID, result.Reason)
	}
	if err != nil {
		// The provider will retry and reconciliation tolerates replays, so
		// a transient failure here heals on the next delivery.
		log.Printf("[CALLBACK] finalization failed for correlation %s: %v", result.CorrelationID, err)
	}
}
