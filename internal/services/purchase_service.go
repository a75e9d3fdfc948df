package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/cryptoconsult/backend/internal/config"
	"github.com/cryptoconsult/backend/internal/models"
	"github.com/cryptoconsult/backend/internal/money"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// PurchaseService composes the ledger and the reconciliation machine to gate
// analysis purchases on funds and ownership. Balance purchases settle in one
// atomic unit; external-rail purchases park a pending entry and grant the
// entitlement only when the provider confirms.
type PurchaseService struct {
	db        *sql.DB
	wallets   *WalletService
	reconcile *ReconcileService
	mpesa     MpesaRail
	cfg       *config.PaymentsConfig
	validator *ValidationHelper
}

func NewPurchaseService(db *sql.DB, wallets *WalletService, reconcile *ReconcileService,
	mpesa MpesaRail, cfg *config.PaymentsConfig) *PurchaseService {
	return &PurchaseService{
		db:        db,
		wallets:   wallets,
		reconcile: reconcile,
		mpesa:     mpesa,
		cfg:       cfg,
		validator: NewValidationHelper(),
	}
}

// loadAnalysis reads a published analysis inside tx with the row locked, so
// the price and sales counters cannot shift mid-purchase.
func (s *PurchaseService) loadAnalysis(tx *sql.Tx, analysisID int) (*models.Analysis, error) {
	var a models.Analysis
	err := tx.QueryRow(`
		SELECT id, title, price, sales_count, total_revenue
		FROM analyses
		WHERE id = $1 AND is_published = true
		FOR UPDATE`, analysisID).
		Scan(&a.ID, &a.Title, &a.Price, &a.SalesCount, &a.TotalRevenue)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PurchaseService) isOwned(tx *sql.Tx, userID, analysisID int) (bool, error) {
	var owned bool
	err := tx.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM purchased_analyses WHERE user_id = $1 AND analysis_id = $2)`,
		userID, analysisID).Scan(&owned)
	return owned, err
}

// purchaseWithBalance performs the whole balance purchase as one atomic
// unit: debit, completed ledger entry, entitlement, sales counters. Any
// failure leaves no partial state.
func (s *PurchaseService) purchaseWithBalance(userID, analysisID int) (*models.Transaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	analysis, err := s.loadAnalysis(tx, analysisID)
	if err != nil {
		return nil, err
	}

	owned, err := s.isOwned(tx, userID, analysisID)
	if err != nil {
		return nil, err
	}
	if owned {
		return nil, fmt.Errorf("%w: analysis %d", ErrAlreadyOwned, analysisID)
	}

	entry := &models.Transaction{
		UserID:      userID,
		Amount:      analysis.Price.Neg(),
		Kind:        models.TxKindPurchase,
		Method:      models.PaymentMethodWallet,
		Status:      models.TxStatusCompleted,
		Description: fmt.Sprintf("Purchase: %s", analysis.Title),
		AnalysisID:  &analysis.ID,
	}
	// recordTx applies the debit; ErrInsufficientFunds rolls everything back.
	if err := s.wallets.recordTx(tx, entry); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		INSERT INTO purchased_analyses (user_id, analysis_id, price_paid, created_at)
		VALUES ($1, $2, $3, $4)`,
		userID, analysisID, analysis.Price, time.Now()); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		UPDATE analyses
		SET sales_count = sales_count + 1, total_revenue = total_revenue + $1
		WHERE id = $2`, analysis.Price, analysisID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[PURCHASE] user %d bought analysis %d for %s from balance",
		userID, analysisID, money.Format(analysis.Price))
	return entry, nil
}

// PurchaseWithBalance buys an analysis from the wallet balance
// @Summary Purchase analysis with wallet balance
// @Description Debits the wallet, grants access and records the sale atomically.
// @Tags purchases
// @Produce json
// @Param analysisID path int true "Analysis id"
// @Success 200 {object} models.Transaction
// @Failure 402 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /analyses/{analysisID}/purchase [post]
func (s *PurchaseService) PurchaseWithBalance(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	analysisID, err := strconv.Atoi(chi.URLParam(r, "analysisID"))
	if err != nil {
		SendErrorResponse(w, "Invalid analysis id", http.StatusBadRequest, nil)
		return
	}

	// Wallet must exist before the debit path can lock it.
	if _, err := s.wallets.GetOrCreateWallet(userID); err != nil {
		log.Printf("[PURCHASE] wallet load failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to load wallet", http.StatusInternalServerError, nil)
		return
	}

	entry, err := s.purchaseWithBalance(userID, analysisID)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			SendErrorResponse(w, "Analysis not found", http.StatusNotFound, nil)
		case errors.Is(err, ErrAlreadyOwned):
			SendErrorResponse(w, "You already own this analysis", http.StatusConflict, nil)
		case errors.Is(err, ErrInsufficientFunds):
			SendErrorResponse(w, "Insufficient wallet balance", http.StatusPaymentRequired, nil)
		default:
			log.Printf("[PURCHASE] balance purchase failed for user %d, analysis %d: %v", userID, analysisID, err)
			SendErrorResponse(w, "Purchase failed", http.StatusInternalServerError, nil)
		}
		return
	}

	json.NewEncoder(w).Encode(entry)
}

// MpesaPurchaseRequest initiates an analysis purchase over the push-to-pay rail
type MpesaPurchaseRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required,min=10,max=13"`
}

// PurchaseWithMpesa buys an analysis via STK push
// @Summary Purchase analysis via M-Pesa
// @Description Prompts the user's phone for the analysis price. Access is granted only when the provider confirms via callback.
// @Tags purchases
// @Accept json
// @Produce json
// @Param analysisID path int true "Analysis id"
// @Param purchase body MpesaPurchaseRequest true "Payer details"
// @Success 202 {object} object{correlation_id=string}
// @Failure 409 {object} ErrorResponse
// @Router /analyses/{analysisID}/purchase/mpesa [post]
func (s *PurchaseService) PurchaseWithMpesa(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	analysisID, err := strconv.Atoi(chi.URLParam(r, "analysisID"))
	if err != nil {
		SendErrorResponse(w, "Invalid analysis id", http.StatusBadRequest, nil)
		return
	}

	var req MpesaPurchaseRequest
	maxBytes := 1_048_576
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	owned, title, price, err := s.reconcile.analysisForPurchase(userID, analysisID)
	if err != nil {
		SendErrorResponse(w, "Analysis not found", http.StatusNotFound, nil)
		return
	}
	if owned {
		SendErrorResponse(w, "You already own this analysis", http.StatusConflict, nil)
		return
	}

	amountKES := money.USDToKES(price, s.cfg.ExchangeRate)
	init, err := s.mpesa.InitiateSTKPush(r.Context(), req.PhoneNumber, amountKES,
		fmt.Sprintf("ANALYSIS-%d", analysisID), title)
	if err != nil {
		log.Printf("[PURCHASE] stk push failed for user %d, analysis %d: %v", userID, analysisID, err)
		sendGatewayError(w, err)
		return
	}

	_, err = s.reconcile.Start(StartParams{
		CorrelationID: init.CorrelationID,
		UserID:        userID,
		Amount:        price.Neg(),
		Kind:          models.TxKindPurchase,
		Method:        models.PaymentMethodMpesa,
		Description:   fmt.Sprintf("M-Pesa purchase: %s", title),
		AnalysisID:    &analysisID,
	})
	if err != nil {
		log.Printf("[PURCHASE] failed to park pending purchase %s: %v", init.CorrelationID, err)
		SendErrorResponse(w, "Failed to record pending purchase", http.StatusInternalServerError, nil)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"correlation_id": init.CorrelationID})
}

// ListAnalyses returns the published catalog
// @Summary List analyses
// @Description Returns published analyses with prices and sales counts.
// @Tags purchases
// @Produce json
// @Success 200 {array} models.Analysis
// @Router /analyses [get]
func (s *PurchaseService) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	rows, err := s.db.Query(`
		SELECT id, author_id, title, summary, asset, price, sales_count, total_revenue, created_at
		FROM analyses
		WHERE is_published = true
		ORDER BY created_at DESC`)
	if err != nil {
		log.Printf("[PURCHASE] listing analyses: %v", err)
		SendErrorResponse(w, "Failed to list analyses", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	analyses := []models.Analysis{}
	for rows.Next() {
		var a models.Analysis
		if err := rows.Scan(&a.ID, &a.AuthorID, &a.Title, &a.Summary, &a.Asset, &a.Price,
			&a.SalesCount, &a.TotalRevenue, &a.CreatedAt); err != nil {
			log.Printf("[PURCHASE] scanning analysis row: %v", err)
			continue
		}
		a.IsPublished = true
		analyses = append(analyses, a)
	}

	json.NewEncoder(w).Encode(analyses)
}

// purchasedItem is one owned analysis with its purchase context.
type purchasedItem struct {
	models.PurchasedAnalysis
	Title string          `json:"title"`
	Asset string          `json:"asset"`
	Price decimal.Decimal `json:"price"`
}

// ListPurchases returns the user's owned analyses
// @Summary List purchases
// @Description Returns the analyses the user has bought.
// @Tags purchases
// @Produce json
// @Success 200 {array} purchasedItem
// @Router /purchases [get]
func (s *PurchaseService) ListPurchases(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := s.db.Query(`
		SELECT pa.id, pa.user_id, pa.analysis_id, pa.price_paid, pa.created_at, a.title, a.asset, a.price
		FROM purchased_analyses pa
		JOIN analyses a ON a.id = pa.analysis_id
		WHERE pa.user_id = $1
		ORDER BY pa.created_at DESC`, userID)
	if err != nil {
		log.Printf("[PURCHASE] listing purchases for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to list purchases", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	items := []purchasedItem{}
	for rows.Next() {
		var it purchasedItem
		if err := rows.Scan(&it.ID, &it.UserID, &it.AnalysisID, &it.PricePaid, &it.CreatedAt,
			&it.Title, &it.Asset, &it.Price); err != nil {
			log.Printf("[PURCHASE] scanning purchase row: %v", err)
			continue
		}
		items = append(items, it)
	}

	json.NewEncoder(w).Encode(items)
}
