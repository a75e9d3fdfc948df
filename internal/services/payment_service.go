package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cryptoconsult/backend/internal/config"
	"github.com/cryptoconsult/backend/internal/gateway"
	"github.com/cryptoconsult/backend/internal/models"
	"github.com/cryptoconsult/backend/internal/money"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// MpesaRail is the push-to-pay gateway capability the payment service needs.
type MpesaRail interface {
	InitiateSTKPush(ctx context.Context, phoneNumber string, amountKES decimal.Decimal, accountRef, description string) (*gateway.Initiation, error)
	InitiateB2C(ctx context.Context, phoneNumber string, amountKES decimal.Decimal, remarks string) (*gateway.Initiation, error)
	ParseSTKCallback(raw []byte) (*gateway.CallbackResult, error)
	ParseB2CCallback(raw []byte) (*gateway.CallbackResult, error)
}

// PaypalRail is the redirect-capture gateway capability.
type PaypalRail interface {
	CreateOrder(ctx context.Context, amountUSD decimal.Decimal, description string) (*gateway.Initiation, error)
	CaptureOrder(ctx context.Context, orderID string) (*gateway.CallbackResult, error)
}

const (
	maxInitiationsPerWindow = 10
	initiationRateWindow    = time.Hour
	paypalOrderTTL          = time.Hour
)

// PaymentService exposes the user-facing payment endpoints: M-Pesa deposit
// and withdrawal initiation, PayPal order creation and capture, and status
// polling. Redis carries the per-user initiation rate limit and the pending
// PayPal order that the return endpoint verifies against.
type PaymentService struct {
	redis     *redis.Client
	wallets   *WalletService
	reconcile *ReconcileService
	mpesa     MpesaRail
	paypal    PaypalRail
	cfg       *config.PaymentsConfig
	validator *ValidationHelper
}

func NewPaymentService(redisClient *redis.Client, wallets *WalletService, reconcile *ReconcileService,
	mpesa MpesaRail, paypal PaypalRail, cfg *config.PaymentsConfig) *PaymentService {
	return &PaymentService{
		redis:     redisClient,
		wallets:   wallets,
		reconcile: reconcile,
		mpesa:     mpesa,
		paypal:    paypal,
		cfg:       cfg,
		validator: NewValidationHelper(),
	}
}

// MpesaDepositRequest is the STK push initiation payload
type MpesaDepositRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required,min=10,max=13"`
	Amount      string `json:"amount" validate:"required"` // USD, 2dp
}

// MpesaWithdrawRequest is the B2C payout initiation payload
type MpesaWithdrawRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required,min=10,max=13"`
	Amount      string `json:"amount" validate:"required"` // USD, 2dp
}

func (ps *PaymentService) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

// checkRateLimit caps how many payments a user may initiate per window.
func (ps *PaymentService) checkRateLimit(ctx context.Context, userID int) error {
	if ps.redis == nil {
		return nil
	}
	key := fmt.Sprintf("payments:ratelimit:%d", userID)
	count, err := ps.redis.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return err
	}
	if count >= maxInitiationsPerWindow {
		return errors.New("rate limit exceeded")
	}
	return nil
}

func (ps *PaymentService) incrementRateLimit(ctx context.Context, userID int) {
	if ps.redis == nil {
		return
	}
	key := fmt.Sprintf("payments:ratelimit:%d", userID)
	pipe := ps.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, initiationRateWindow)
	pipe.Exec(ctx)
}

// sendGatewayError maps a classified gateway failure onto an HTTP response.
// Initiation failures are retryable from the user's point of view.
func sendGatewayError(w http.ResponseWriter, err error) {
	ge, ok := gateway.IsGatewayError(err)
	if !ok {
		SendErrorResponse(w, "Payment provider error", http.StatusBadGateway, nil)
		return
	}
	switch ge.Class {
	case gateway.ErrClassTimeout:
		SendErrorResponse(w, "Payment provider timed out, please retry", http.StatusGatewayTimeout, nil)
	case gateway.ErrClassAuth:
		SendErrorResponse(w, "Payment provider rejected our credentials", http.StatusBadGateway, nil)
	case gateway.ErrClassRejected:
		SendErrorResponse(w, "Payment request was rejected", http.StatusUnprocessableEntity, nil)
	default:
		SendErrorResponse(w, "Could not reach payment provider, please retry", http.StatusBadGateway, nil)
	}
}

// InitiateMpesaDeposit starts an STK push wallet top-up
// @Summary Initiate M-Pesa deposit
// @Description Prompts the user's phone to approve a wallet top-up. The wallet is credited only when the provider confirms via callback.
// @Tags payments
// @Accept json
// @Produce json
// @Param deposit body MpesaDepositRequest true "Deposit details"
// @Success 202 {object} object{correlation_id=string,message=string}
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /payments/mpesa/deposit [post]
func (ps *PaymentService) InitiateMpesaDeposit(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req MpesaDepositRequest
	if !ps.decodeBody(w, r, &req) {
		return
	}
	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	amountUSD, err := money.FromString(req.Amount)
	if err != nil || !money.IsPositive(amountUSD) {
		SendErrorResponse(w, "Amount must be a positive decimal", http.StatusBadRequest, nil)
		return
	}

	wallet, err := ps.wallets.GetOrCreateWallet(userID)
	if err != nil {
		log.Printf("[PAYMENT] wallet load failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to load wallet", http.StatusInternalServerError, nil)
		return
	}
	if !ps.wallets.CanDeposit(wallet, amountUSD) {
		SendErrorResponse(w, "Amount exceeds daily deposit limit", http.StatusUnprocessableEntity, nil)
		return
	}

	if err := ps.checkRateLimit(r.Context(), userID); err != nil {
		SendErrorResponse(w, "Too many payment attempts, try again later", http.StatusTooManyRequests, nil)
		return
	}

	amountKES := money.USDToKES(amountUSD, ps.cfg.ExchangeRate)
	init, err := ps.mpesa.InitiateSTKPush(r.Context(), req.PhoneNumber, amountKES,
		fmt.Sprintf("WALLET-%d", userID), "Wallet deposit")
	if err != nil {
		// Nothing was parked: if the provider did accept despite the error,
		// its callback will hit an unknown correlation id and be ignored.
		log.Printf("[PAYMENT] stk push initiation failed for user %d: %v", userID, err)
		sendGatewayError(w, err)
		return
	}

	_, err = ps.reconcile.Start(StartParams{
		CorrelationID: init.CorrelationID,
		UserID:        userID,
		Amount:        amountUSD,
		Kind:          models.TxKindDeposit,
		Method:        models.PaymentMethodMpesa,
		Description:   fmt.Sprintf("M-Pesa deposit of %s USD (%s KES)", money.Format(amountUSD), money.Format(amountKES)),
	})
	if err != nil {
		log.Printf("[PAYMENT] failed to park pending deposit %s: %v", init.CorrelationID, err)
		SendErrorResponse(w, "Failed to record pending deposit", http.StatusInternalServerError, nil)
		return
	}

	ps.incrementRateLimit(r.Context(), userID)

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"correlation_id": init.CorrelationID,
		"message":        init.Description,
	})
}

// InitiateMpesaWithdrawal starts a B2C payout
// @Summary Initiate M-Pesa withdrawal
// @Description Sends wallet funds to the user's phone. The balance is held immediately and refunded if the payout fails.
// @Tags payments
// @Accept json
// @Produce json
// @Param withdrawal body MpesaWithdrawRequest true "Withdrawal details"
// @Success 202 {object} object{correlation_id=string}
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /payments/mpesa/withdraw [post]
func (ps *PaymentService) InitiateMpesaWithdrawal(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req MpesaWithdrawRequest
	if !ps.decodeBody(w, r, &req) {
		return
	}
	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	amountUSD, err := money.FromString(req.Amount)
	if err != nil || !money.IsPositive(amountUSD) {
		SendErrorResponse(w, "Amount must be a positive decimal", http.StatusBadRequest, nil)
		return
	}

	wallet, err := ps.wallets.GetOrCreateWallet(userID)
	if err != nil {
		log.Printf("[PAYMENT] wallet load failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to load wallet", http.StatusInternalServerError, nil)
		return
	}
	if !ps.wallets.CanDebit(wallet, amountUSD, models.TxKindWithdrawal) {
		SendErrorResponse(w, "Insufficient balance or daily withdrawal limit exceeded", http.StatusUnprocessableEntity, nil)
		return
	}

	if err := ps.checkRateLimit(r.Context(), userID); err != nil {
		SendErrorResponse(w, "Too many payment attempts, try again later", http.StatusTooManyRequests, nil)
		return
	}

	amountKES := money.USDToKES(amountUSD, ps.cfg.ExchangeRate)
	init, err := ps.mpesa.InitiateB2C(r.Context(), req.PhoneNumber, amountKES, "Wallet withdrawal")
	if err != nil {
		log.Printf("[PAYMENT] b2c initiation failed for user %d: %v", userID, err)
		sendGatewayError(w, err)
		return
	}

	// The provider accepted: park the pending entry and hold the funds in
	// one atomic unit. A concurrent spend that drained the balance between
	// the check above and the hold rolls the whole unit back.
	_, err = ps.reconcile.Start(StartParams{
		CorrelationID: init.CorrelationID,
		UserID:        userID,
		Amount:        amountUSD.Neg(),
		Kind:          models.TxKindWithdrawal,
		Method:        models.PaymentMethodMpesa,
		Description:   fmt.Sprintf("M-Pesa withdrawal of %s USD (%s KES)", money.Format(amountUSD), money.Format(amountKES)),
		HoldFunds:     true,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			SendErrorResponse(w, "Insufficient balance", http.StatusUnprocessableEntity, nil)
			return
		}
		log.Printf("[PAYMENT] failed to park pending withdrawal %s: %v", init.CorrelationID, err)
		SendErrorResponse(w, "Failed to record pending withdrawal", http.StatusInternalServerError, nil)
		return
	}

	ps.incrementRateLimit(r.Context(), userID)

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"correlation_id": init.CorrelationID})
}

// GetPaymentStatus polls one payment by correlation id
// @Summary Poll payment status
// @Description Returns pending/success/failed for a payment the user initiated, so clients do not depend on webhook timing.
// @Tags payments
// @Produce json
// @Param correlationID path string true "Correlation id"
// @Success 200 {object} PaymentStatus
// @Failure 404 {object} ErrorResponse
// @Router /payments/status/{correlationID} [get]
func (ps *PaymentService) GetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	correlationID := chi.URLParam(r, "correlationID")
	status, err := ps.reconcile.Status(correlationID, userID)
	if err != nil {
		if errors.Is(err, ErrUnknownCorrelation) {
			SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[PAYMENT] status lookup failed for %s: %v", correlationID, err)
		SendErrorResponse(w, "Failed to look up payment", http.StatusInternalServerError, nil)
		return
	}

	// Clients see a three-state answer.
	display := status.Status
	if display == models.TxStatusCompleted {
		display = "success"
	}
	json.NewEncoder(w).Encode(map[string]any{
		"correlation_id": status.CorrelationID,
		"status":         display,
		"kind":           status.Kind,
		"amount":         status.Amount,
		"receipt":        status.Receipt,
		"failure_reason": status.FailureReason,
		"analysis_id":    status.AnalysisID,
		"analysis_title": status.AnalysisTitle,
	})
}

// pendingPaypalOrder is what the success endpoint verifies against before
// capturing. Stored in redis keyed per user; mirrors a session value.
type pendingPaypalOrder struct {
	OrderID    string `json:"order_id"`
	Amount     string `json:"amount"`
	Kind       string `json:"kind"`
	AnalysisID *int   `json:"analysis_id,omitempty"`
}

func paypalOrderKey(userID int) string {
	return fmt.Sprintf("paypal:order:%d", userID)
}

func (ps *PaymentService) storePaypalOrder(ctx context.Context, userID int, order pendingPaypalOrder) error {
	if ps.redis == nil {
		return errors.New("order store unavailable")
	}
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return ps.redis.Set(ctx, paypalOrderKey(userID), data, paypalOrderTTL).Err()
}

func (ps *PaymentService) loadPaypalOrder(ctx context.Context, userID int) (*pendingPaypalOrder, error) {
	if ps.redis == nil {
		return nil, errors.New("order store unavailable")
	}
	data, err := ps.redis.Get(ctx, paypalOrderKey(userID)).Bytes()
	if err != nil {
		return nil, err
	}
	var order pendingPaypalOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// PaypalOrderRequest creates a provider-hosted checkout
type PaypalOrderRequest struct {
	Amount     string `json:"amount" validate:"required"` // USD, 2dp
	AnalysisID *int   `json:"analysis_id,omitempty"`
}

// CreatePaypalOrder creates a PayPal checkout order
// @Summary Create PayPal order
// @Description Creates a hosted checkout for a deposit, or for a specific analysis when analysis_id is set, and returns the approval URL.
// @Tags payments
// @Accept json
// @Produce json
// @Param order body PaypalOrderRequest true "Order details"
// @Success 201 {object} object{order_id=string,approval_url=string}
// @Failure 400 {object} ErrorResponse
// @Router /payments/paypal/orders [post]
func (ps *PaymentService) CreatePaypalOrder(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req PaypalOrderRequest
	if !ps.decodeBody(w, r, &req) {
		return
	}
	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	kind := models.TxKindDeposit
	description := "Wallet deposit"
	amountUSD, err := money.FromString(req.Amount)
	if err != nil || !money.IsPositive(amountUSD) {
		SendErrorResponse(w, "Amount must be a positive decimal", http.StatusBadRequest, nil)
		return
	}

	if req.AnalysisID != nil {
		owned, title, price, err := ps.reconcile.analysisForPurchase(userID, *req.AnalysisID)
		if err != nil {
			SendErrorResponse(w, "Analysis not found", http.StatusNotFound, nil)
			return
		}
		if owned {
			SendErrorResponse(w, "Analysis already owned", http.StatusConflict, nil)
			return
		}
		kind = models.TxKindPurchase
		description = title
		amountUSD = price // the server-side price wins over the client's amount
	}

	if err := ps.checkRateLimit(r.Context(), userID); err != nil {
		SendErrorResponse(w, "Too many payment attempts, try again later", http.StatusTooManyRequests, nil)
		return
	}

	init, err := ps.paypal.CreateOrder(r.Context(), amountUSD, description)
	if err != nil {
		log.Printf("[PAYMENT] paypal order creation failed for user %d: %v", userID, err)
		sendGatewayError(w, err)
		return
	}

	order := pendingPaypalOrder{
		OrderID:    init.CorrelationID,
		Amount:     money.Format(amountUSD),
		Kind:       kind,
		AnalysisID: req.AnalysisID,
	}
	if err := ps.storePaypalOrder(r.Context(), userID, order); err != nil {
		log.Printf("[PAYMENT] failed to store pending paypal order %s: %v", init.CorrelationID, err)
		SendErrorResponse(w, "Failed to store pending order", http.StatusInternalServerError, nil)
		return
	}

	ps.incrementRateLimit(r.Context(), userID)

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"order_id":     init.CorrelationID,
		"approval_url": init.ApprovalURL,
	})
}

// PaypalSuccess captures an approved order after the payer returns
// @Summary PayPal return endpoint
// @Description Verifies the returned order id against the stored pending order, captures it, and applies the result.
// @Tags payments
// @Produce json
// @Param token query string true "Order id returned by the provider"
// @Success 200 {object} object{status=string,receipt=string}
// @Failure 400 {object} ErrorResponse
// @Router /payments/paypal/success [get]
func (ps *PaymentService) PaypalSuccess(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	orderID := r.URL.Query().Get("token")
	if orderID == "" {
		SendErrorResponse(w, "Missing order token", http.StatusBadRequest, nil)
		return
	}

	stored, err := ps.loadPaypalOrder(r.Context(), userID)
	if err != nil || stored.OrderID != orderID {
		// Cross-session confusion guard: never capture an order this user
		// did not start.
		SendErrorResponse(w, "Order does not match your pending payment", http.StatusBadRequest, nil)
		return
	}

	capture, err := ps.paypal.CaptureOrder(r.Context(), orderID)
	if err != nil {
		log.Printf("[PAYMENT] paypal capture failed for order %s: %v", orderID, err)
		sendGatewayError(w, err)
		return
	}

	if capture.Outcome != gateway.OutcomeSuccess {
		ps.redis.Del(r.Context(), paypalOrderKey(userID))
		log.Printf("[PAYMENT] paypal order %s not completed: %s", orderID, capture.Reason)
		SendErrorResponse(w, "Payment was not completed", http.StatusUnprocessableEntity, nil)
		return
	}

	amountUSD := money.MustFromString(stored.Amount)
	if err := ps.applyPaypalResult(userID, stored, amountUSD, orderID, capture.Receipt); err != nil {
		if errors.Is(err, ErrDuplicateCorrelation) {
			// Refresh/replay of the return URL after a successful capture.
			json.NewEncoder(w).Encode(map[string]string{"status": "success", "receipt": capture.Receipt})
			return
		}
		log.Printf("[PAYMENT] failed to apply paypal capture %s: %v", orderID, err)
		SendErrorResponse(w, "Payment captured but could not be recorded, contact support", http.StatusInternalServerError, nil)
		return
	}

	ps.redis.Del(r.Context(), paypalOrderKey(userID))
	json.NewEncoder(w).Encode(map[string]string{"status": "success", "receipt": capture.Receipt})
}

// applyPaypalResult records the captured order: a deposit credits the wallet,
// a purchase grants the entitlement; either way the ledger entry, keyed by
// the order id, makes a replayed return idempotent.
func (ps *PaymentService) applyPaypalResult(userID int, stored *pendingPaypalOrder, amountUSD decimal.Decimal, orderID, receipt string) error {
	switch stored.Kind {
	case models.TxKindPurchase:
		entry, err := ps.reconcile.Start(StartParams{
			CorrelationID: orderID,
			UserID:        userID,
			Amount:        amountUSD.Neg(),
			Kind:          models.TxKindPurchase,
			Method:        models.PaymentMethodPaypal,
			Description:   "PayPal analysis purchase",
			AnalysisID:    stored.AnalysisID,
		})
		if err != nil {
			return err
		}
		_, err = ps.reconcile.FinalizeSuccess(entry.CorrelationID, receipt)
		return err
	default:
		entry, err := ps.reconcile.Start(StartParams{
			CorrelationID: orderID,
			UserID:        userID,
			Amount:        amountUSD,
			Kind:          models.TxKindDeposit,
			Method:        models.PaymentMethodPaypal,
			Description:   "PayPal wallet deposit",
		})
		if err != nil {
			return err
		}
		_, err = ps.reconcile.FinalizeSuccess(entry.CorrelationID, receipt)
		return err
	}
}

// PaypalCancel clears the pending order after the payer backed out
// @Summary PayPal cancel endpoint
// @Description Drops the stored pending order; nothing was captured.
// @Tags payments
// @Produce json
// @Success 200 {object} object{status=string}
// @Router /payments/paypal/cancel [get]
func (ps *PaymentService) PaypalCancel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if ps.redis != nil {
		ps.redis.Del(r.Context(), paypalOrderKey(userID))
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
}
