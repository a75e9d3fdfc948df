package services

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cryptoconsult/backend/internal/models"
)

// PaymentMethodService manages the payment preferences hanging off a wallet:
// the preferred rail and the PayPal account attached for checkout.
type PaymentMethodService struct {
	db        *sql.DB
	validator *ValidationHelper
}

// PreferredMethodRequest selects the default payment rail
type PreferredMethodRequest struct {
	Method string `json:"method" validate:"required,oneof=wallet mpesa paypal bank"`
}

// PaypalEmailRequest attaches a PayPal account
type PaypalEmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func NewPaymentMethodService(db *sql.DB) *PaymentMethodService {
	return &PaymentMethodService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// SetPreferredMethod sets the default payment rail
// @Summary Set preferred payment method
// @Description Sets the rail preselected at checkout
// @Tags wallet
// @Accept json
// @Produce json
// @Param method body PreferredMethodRequest true "Preferred method"
// @Success 200 {object} object{preferred_payment_method=string}
// @Failure 400 {object} ErrorResponse
// @Router /wallet/payment-method [put]
func (pms *PaymentMethodService) SetPreferredMethod(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req PreferredMethodRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := pms.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := pms.db.Exec(`
		UPDATE wallets SET preferred_payment_method = $1, updated_at = $2 WHERE user_id = $3`,
		req.Method, time.Now(), userID)
	if err != nil {
		log.Printf("[METHODS] failed to set preferred method for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to save payment method", http.StatusInternalServerError, nil)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"preferred_payment_method": req.Method})
}

// AttachPaypal attaches a PayPal account to the user
// @Summary Attach PayPal account
// @Description Saves the PayPal email used for checkout and flags the wallet
// @Tags wallet
// @Accept json
// @Produce json
// @Param account body PaypalEmailRequest true "PayPal account"
// @Success 200 {object} object{paypal_email=string}
// @Failure 400 {object} ErrorResponse
// @Router /wallet/paypal [put]
func (pms *PaymentMethodService) AttachPaypal(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req PaypalEmailRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := pms.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tx, err := pms.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to save PayPal account", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE users SET paypal_email = $1 WHERE id = $2`, req.Email, userID); err != nil {
		log.Printf("[METHODS] failed to save paypal email for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to save PayPal account", http.StatusInternalServerError, nil)
		return
	}
	if _, err := tx.Exec(`UPDATE wallets SET paypal_verified = true, updated_at = $1 WHERE user_id = $2`, time.Now(), userID); err != nil {
		log.Printf("[METHODS] failed to flag wallet for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to save PayPal account", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to save PayPal account", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"paypal_email": req.Email})
}

// DetachPaypal removes the attached PayPal account
// @Summary Detach PayPal account
// @Tags wallet
// @Produce json
// @Success 200 {object} object{status=string}
// @Router /wallet/paypal [delete]
func (pms *PaymentMethodService) DetachPaypal(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	tx, err := pms.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to remove PayPal account", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE users SET paypal_email = NULL WHERE id = $1`, userID); err != nil {
		SendErrorResponse(w, "Failed to remove PayPal account", http.StatusInternalServerError, nil)
		return
	}
	if _, err := tx.Exec(`UPDATE wallets SET paypal_verified = false, preferred_payment_method = CASE WHEN preferred_payment_method = $1 THEN $2 ELSE preferred_payment_method END, updated_at = $3 WHERE user_id = $4`,
		models.PaymentMethodPaypal, models.PaymentMethodWallet, time.Now(), userID); err != nil {
		SendErrorResponse(w, "Failed to remove PayPal account", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to remove PayPal account", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "detached"})
}

// GetPaymentMethods returns the user's payment setup
// @Summary Get payment methods
// @Description Returns the preferred rail and per-rail verification state
// @Tags wallet
// @Produce json
// @Success 200 {object} object{preferred_payment_method=string,mpesa_verified=bool,paypal_verified=bool}
// @Router /wallet/payment-methods [get]
func (pms *PaymentMethodService) GetPaymentMethods(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var preferred string
	var mpesaVerified, paypalVerified bool
	err := pms.db.QueryRow(`
		SELECT preferred_payment_method, mpesa_verified, paypal_verified
		FROM wallets WHERE user_id = $1`, userID).
		Scan(&preferred, &mpesaVerified, &paypalVerified)
	if err != nil {
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"preferred_payment_method": preferred,
		"mpesa_verified":           mpesaVerified,
		"paypal_verified":          paypalVerified,
	})
}
