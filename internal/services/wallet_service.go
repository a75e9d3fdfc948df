package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/cryptoconsult/backend/internal/models"
	"github.com/cryptoconsult/backend/internal/money"
	"github.com/shopspring/decimal"
)

// WalletService owns the wallet balance and the append-only transaction log.
// Every balance mutation goes through applyTx under a row lock plus a version
// compare-and-swap; nothing else writes wallets.balance.
type WalletService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewWalletService(db *sql.DB) *WalletService {
	return &WalletService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// GetOrCreateWallet returns the user's wallet, creating it with a zero
// balance on first access. Safe under concurrent calls: the insert is
// ON CONFLICT DO NOTHING on the unique user_id.
func (ws *WalletService) GetOrCreateWallet(userID int) (*models.Wallet, error) {
	_, err := ws.db.Exec(`
		INSERT INTO wallets (user_id, balance, currency, daily_deposit_limit, daily_withdrawal_limit, version, created_at, updated_at)
		VALUES ($1, 0, $2, $3, $4, 1, $5, $5)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, money.CurrencyUSD,
		models.DefaultDailyDepositLimit, models.DefaultDailyWithdrawalLimit, time.Now())
	if err != nil {
		return nil, fmt.Errorf("creating wallet: %w", err)
	}

	return ws.getWallet(userID)
}

func (ws *WalletService) getWallet(userID int) (*models.Wallet, error) {
	var w models.Wallet
	err := ws.db.QueryRow(`
		SELECT id, user_id, balance, currency, daily_deposit_limit, daily_withdrawal_limit,
		       preferred_payment_method, mpesa_verified, paypal_verified, version, created_at, updated_at
		FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.ID, &w.UserID, &w.Balance, &w.Currency, &w.DailyDepositLimit, &w.DailyWithdrawalLimit,
			&w.PreferredMethod, &w.MpesaVerified, &w.PaypalVerified, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// lockWallet reads the wallet row FOR UPDATE inside tx.
func (ws *WalletService) lockWallet(tx *sql.Tx, userID int) (*models.Wallet, error) {
	var w models.Wallet
	err := tx.QueryRow(`
		SELECT id, user_id, balance, daily_deposit_limit, daily_withdrawal_limit, version
		FROM wallets
		WHERE user_id = $1
		FOR UPDATE`, userID).
		Scan(&w.ID, &w.UserID, &w.Balance, &w.DailyDepositLimit, &w.DailyWithdrawalLimit, &w.Version)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CanDebit reports whether the wallet can afford amount. Withdrawal-class
// debits are additionally capped by the daily withdrawal limit.
func (ws *WalletService) CanDebit(w *models.Wallet, amount decimal.Decimal, kind string) bool {
	if amount.GreaterThan(w.Balance) {
		return false
	}
	if kind == models.TxKindWithdrawal && amount.GreaterThan(w.DailyWithdrawalLimit) {
		return false
	}
	return true
}

// CanDeposit reports whether amount fits the daily deposit limit.
func (ws *WalletService) CanDeposit(w *models.Wallet, amount decimal.Decimal) bool {
	return !amount.GreaterThan(w.DailyDepositLimit)
}

// applyTx atomically adds signed delta to the user's balance inside tx.
// Returns ErrInsufficientFunds if the result would go negative. The version
// compare-and-swap turns a lost race into ErrWalletConflict instead of a
// silent lost update.
func (ws *WalletService) applyTx(tx *sql.Tx, userID int, delta decimal.Decimal) (*models.Wallet, error) {
	w, err := ws.lockWallet(tx, userID)
	if err != nil {
		return nil, fmt.Errorf("locking wallet: %w", err)
	}

	newBalance := w.Balance.Add(delta)
	if newBalance.Sign() < 0 {
		return nil, ErrInsufficientFunds
	}

	result, err := tx.Exec(`
		UPDATE wallets
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), w.ID, w.Version)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: wallet %d", ErrWalletConflict, w.ID)
	}

	w.Balance = newBalance
	w.Version++
	return w, nil
}

// recordTx inserts a ledger entry inside tx and, when it is created directly
// in completed status, applies its signed amount to the wallet in the same
// transaction. Both writes commit or roll back together.
func (ws *WalletService) recordTx(tx *sql.Tx, entry *models.Transaction) error {
	if entry.Status == "" {
		entry.Status = models.TxStatusPending
	}

	err := tx.QueryRow(`
		INSERT INTO transactions (user_id, amount, kind, payment_method, status, description,
		                          correlation_id, receipt, analysis_id, consultation_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12, $12)
		RETURNING id`,
		entry.UserID, entry.Amount, entry.Kind, entry.Method, entry.Status, entry.Description,
		entry.CorrelationID, entry.Receipt, entry.AnalysisID, entry.ConsultationID, entry.Metadata, time.Now()).
		Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}

	if entry.Status == models.TxStatusCompleted {
		if _, err := ws.applyTx(tx, entry.UserID, entry.Amount); err != nil {
			return err
		}
	}
	return nil
}

// Record creates a ledger entry as its own atomic unit.
func (ws *WalletService) Record(entry *models.Transaction) error {
	tx, err := ws.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ws.recordTx(tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// GetWalletBalance returns the authenticated user's wallet
// @Summary Get wallet balance
// @Description Returns the user's wallet, creating it on first access
// @Tags wallet
// @Produce json
// @Success 200 {object} models.Wallet
// @Failure 401 {object} ErrorResponse
// @Router /wallet [get]
func (ws *WalletService) GetWalletBalance(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	wallet, err := ws.GetOrCreateWallet(userID)
	if err != nil {
		log.Printf("[WALLET] failed to load wallet for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to load wallet", http.StatusInternalServerError, nil)
		return
	}

	json.NewEncoder(w).Encode(wallet)
}

// ListTransactions returns the user's ledger entries, newest first
// @Summary List wallet transactions
// @Description Returns the user's ledger entries, newest first
// @Tags wallet
// @Produce json
// @Param limit query int false "Max entries to return (default 50)"
// @Success 200 {array} models.Transaction
// @Failure 401 {object} ErrorResponse
// @Router /wallet/transactions [get]
func (ws *WalletService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	rows, err := ws.db.Query(`
		SELECT id, user_id, amount, kind, payment_method, status, description,
		       COALESCE(correlation_id, ''), receipt, COALESCE(failure_reason, ''),
		       analysis_id, consultation_id, created_at, updated_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		log.Printf("[WALLET] failed to list transactions for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to list transactions", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Kind, &t.Method, &t.Status, &t.Description,
			&t.CorrelationID, &t.Receipt, &t.FailureReason, &t.AnalysisID, &t.ConsultationID,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			log.Printf("[WALLET] scanning transaction row: %v", err)
			continue
		}
		transactions = append(transactions, t)
	}

	json.NewEncoder(w).Encode(transactions)
}
